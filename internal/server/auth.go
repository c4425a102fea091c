package server

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"

	"github.com/runger/cliscope/internal/storage"
)

type contextKey int

const toolNameKey contextKey = 0

// GenerateAPIKey returns a new plaintext credential. Only its hash is
// ever stored.
func GenerateAPIKey() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate key: %w", err)
	}
	return "cli_" + base64.RawURLEncoding.EncodeToString(buf), nil
}

// HashAPIKey hashes a plaintext credential for storage and lookup.
func HashAPIKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// requireAPIKey authenticates the X-API-Key header and stores the
// credential's tool name in the request context.
func (s *Server) requireAPIKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get("X-API-Key")
		if key == "" {
			writeError(w, http.StatusUnauthorized, "missing API key")
			return
		}

		record, err := s.store.GetAPIKeyByHash(r.Context(), HashAPIKey(key))
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusUnauthorized, "invalid API key")
			return
		}
		if err != nil {
			s.logger.Error("api key lookup failed", "error", err)
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}

		ctx := context.WithValue(r.Context(), toolNameKey, record.ToolName)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// toolNameFrom returns the authenticated tenant's tool name.
func toolNameFrom(ctx context.Context) string {
	name, _ := ctx.Value(toolNameKey).(string)
	return name
}
