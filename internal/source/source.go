// Package source decodes and encodes named box data sources.
package source

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound is returned by stores when no source has the given name.
	ErrNotFound = errors.New("source not found")
	// ErrInvalidName is returned for names that cannot be used as a store key.
	ErrInvalidName = errors.New("invalid source name")
)

// ValidateName rejects empty names and names that could escape a store's
// namespace (path separators, parent references).
func ValidateName(name string) error {
	switch {
	case strings.TrimSpace(name) == "":
		return fmt.Errorf("%w: empty", ErrInvalidName)
	case strings.ContainsAny(name, `/\`):
		return fmt.Errorf("%w: %q contains a path separator", ErrInvalidName, name)
	case name == "." || name == "..":
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}
