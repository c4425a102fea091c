// Package privacy implements the sanitization applied to every inbound
// event: flag-name allowlisting, command token redaction, error string
// scrubbing, and salted identifier hashing. All functions are pure and
// deterministic for a fixed salt.
package privacy

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
)

// Redacted replaces command tokens that fail the allowlist. Position and
// count of tokens are preserved so fingerprints stay comparable.
const Redacted = "[REDACTED]"

const (
	maxErrorLen   = 256
	maxToolLen    = 128
	maxVersionLen = 64
)

// blockedFlagPatterns match flag names that might carry sensitive data.
// A match anywhere in the name drops the flag.
var blockedFlagPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)token`),
	regexp.MustCompile(`(?i)password`),
	regexp.MustCompile(`(?i)secret`),
	regexp.MustCompile(`(?i)key`),
	regexp.MustCompile(`(?i)auth`),
	regexp.MustCompile(`(?i)credential`),
	regexp.MustCompile(`(?i)api[-_]?key`),
}

// allowedFlagPattern matches standard flag names like --help, -v, --dry-run.
var allowedFlagPattern = regexp.MustCompile(`^-?-?[A-Za-z][A-Za-z0-9_-]*$`)

// safeCommandPattern matches command path tokens that are safe to keep.
var safeCommandPattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_-]*$`)

// errorRedactionPatterns are applied in order to error classifications.
var errorRedactionPatterns = []*regexp.Regexp{
	regexp.MustCompile(`/[^\s]+`),                                      // file paths
	regexp.MustCompile(`[a-zA-Z0-9_.+-]+@[a-zA-Z0-9-]+\.[a-zA-Z0-9-.]+`), // emails
	regexp.MustCompile(`\b[A-Za-z0-9+/]{20,}={0,2}\b`),                 // base64-like tokens
	regexp.MustCompile(`\b[0-9a-fA-F]{32,}\b`),                         // hex tokens
}

var (
	toolNameStrip = regexp.MustCompile(`[^a-zA-Z0-9_-]`)
	versionStrip  = regexp.MustCompile(`[^a-zA-Z0-9._-]`)
)

// Normalizer sanitizes event fields and hashes identifiers with a
// process-wide salt.
type Normalizer struct {
	salt string
}

// NewNormalizer creates a Normalizer with the given hash salt.
func NewNormalizer(salt string) *Normalizer {
	return &Normalizer{salt: salt}
}

// HashIdentifier hashes an actor or machine identifier. The result is
// the first 16 hex characters of SHA-256("<salt>:<value>"). Empty values
// hash to SHA-256(salt)[:16] so they remain stable and distinguishable
// from absent fields.
func (n *Normalizer) HashIdentifier(value string) string {
	var sum [32]byte
	if value == "" {
		sum = sha256.Sum256([]byte(n.salt))
	} else {
		sum = sha256.Sum256([]byte(fmt.Sprintf("%s:%s", n.salt, value)))
	}
	return hex.EncodeToString(sum[:])[:16]
}

// FlagName sanitizes a single flag name. It strips anything after '=' or
// ':' (values that leaked through), drops names matching the blocklist,
// and accepts only standard flag shapes. Returns "" when the flag must
// be dropped.
func FlagName(flag string) string {
	name := flag
	if i := strings.IndexByte(name, '='); i >= 0 {
		name = name[:i]
	}
	if i := strings.IndexByte(name, ':'); i >= 0 {
		name = name[:i]
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return ""
	}

	for _, p := range blockedFlagPatterns {
		if p.MatchString(name) {
			return ""
		}
	}
	if !allowedFlagPattern.MatchString(name) {
		return ""
	}
	return name
}

// Flags sanitizes a list of flag names, dropping blocked or malformed
// entries silently.
func Flags(flags []string) []string {
	out := make([]string, 0, len(flags))
	for _, f := range flags {
		if clean := FlagName(f); clean != "" {
			out = append(out, clean)
		}
	}
	return out
}

// CommandPath sanitizes command path tokens. Tokens that pass the
// allowlist are lowercased; everything else becomes the Redacted
// sentinel. Token count and order are preserved.
func CommandPath(path []string) []string {
	out := make([]string, len(path))
	for i, elem := range path {
		elem = strings.TrimSpace(elem)
		if safeCommandPattern.MatchString(elem) {
			out[i] = strings.ToLower(elem)
		} else {
			out[i] = Redacted
		}
	}
	return out
}

// ErrorType scrubs an error classification string: file paths, emails,
// base64-like runs, and long hex runs are replaced, then the result is
// truncated to 256 characters. Returns "" for empty input.
func ErrorType(errorType string) string {
	if errorType == "" {
		return ""
	}

	result := errorType
	for _, p := range errorRedactionPatterns {
		result = p.ReplaceAllString(result, Redacted)
	}

	if len(result) > maxErrorLen {
		result = result[:maxErrorLen-3] + "..."
	}
	return result
}

// ToolName strips a tool name to [A-Za-z0-9_-], truncates to 128
// characters, and falls back to "unknown" when nothing survives.
func ToolName(toolName string) string {
	clean := toolNameStrip.ReplaceAllString(toolName, "")
	if clean == "" {
		return "unknown"
	}
	if len(clean) > maxToolLen {
		clean = clean[:maxToolLen]
	}
	return clean
}

// ToolVersion strips a version string to [A-Za-z0-9._-] and truncates to
// 64 characters. Returns "" when nothing survives.
func ToolVersion(version string) string {
	clean := versionStrip.ReplaceAllString(version, "")
	if len(clean) > maxVersionLen {
		clean = clean[:maxVersionLen]
	}
	return clean
}
