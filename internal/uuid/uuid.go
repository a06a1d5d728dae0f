// Package uuid provides identifiers for queue entries and history items.
package uuid

import (
	"strings"

	"github.com/google/uuid"
)

// suffixLen is the length of a canonical UUID string.
const suffixLen = 36

// New returns a random v4 UUID string.
func New() string {
	return uuid.New().String()
}

// Derived returns a random id prefixed with the given parts, such as
// "todos-create-<uuid>", so log lines and queue dumps stay readable.
func Derived(parts ...string) string {
	id := New()
	if len(parts) == 0 {
		return id
	}
	return strings.Join(parts, "-") + "-" + id
}

// Split separates a Derived id into its prefix and trailing UUID. ok is
// false when id does not end in a v4 UUID.
func Split(id string) (prefix, suffix string, ok bool) {
	if len(id) < suffixLen {
		return "", "", false
	}
	tail := id[len(id)-suffixLen:]
	parsed, err := uuid.Parse(tail)
	if err != nil || parsed.Version() != 4 {
		return "", "", false
	}
	prefix = strings.TrimSuffix(id[:len(id)-suffixLen], "-")
	return prefix, tail, true
}
