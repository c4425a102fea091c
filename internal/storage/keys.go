package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// CreateAPIKey stores a credential hash bound to a tool name.
func (s *SQLiteStore) CreateAPIKey(ctx context.Context, key *APIKey) error {
	if key == nil {
		return errors.New("key cannot be nil")
	}
	if key.KeyHash == "" {
		return errors.New("key_hash is required")
	}
	if key.ToolName == "" {
		return errors.New("tool_name is required")
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO api_keys (key_hash, name, tool_name, created_at_ms, is_active)
		VALUES (?, ?, ?, ?, ?)
	`, key.KeyHash, key.Name, key.ToolName, key.CreatedAtMs, key.IsActive)
	if err != nil {
		if isDuplicateKeyError(err) {
			return fmt.Errorf("api key: %w", ErrDuplicate)
		}
		return fmt.Errorf("failed to create api key: %w", err)
	}
	key.ID, err = res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get api key id: %w", err)
	}
	return nil
}

// GetAPIKeyByHash looks up an active credential by its SHA-256 hash.
func (s *SQLiteStore) GetAPIKeyByHash(ctx context.Context, keyHash string) (*APIKey, error) {
	var k APIKey
	err := s.db.QueryRowContext(ctx, `
		SELECT id, key_hash, name, tool_name, created_at_ms, is_active
		FROM api_keys
		WHERE key_hash = ? AND is_active = 1
	`, keyHash).Scan(&k.ID, &k.KeyHash, &k.Name, &k.ToolName, &k.CreatedAtMs, &k.IsActive)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get api key: %w", err)
	}
	return &k, nil
}
