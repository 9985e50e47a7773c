// Package idgen generates identifiers for assessments and requests.
package idgen

import (
	"strings"

	"github.com/google/uuid"
)

// New returns a random (v4) UUID string.
func New() string {
	return uuid.NewString()
}

// WithPrefix returns prefix followed by 32 hex chars of a random UUID
// (e.g. "asm_", "req_").
func WithPrefix(prefix string) string {
	return prefix + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// Valid reports whether s parses as a UUID. Used to accept client-supplied
// request IDs.
func Valid(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil
}
