package models

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// LatestName is maintained by the upstream poll and always points at the
// newest ready version.
const LatestName = "latest"

// VersionName is a human-readable alias for a version key.
//
// Examples:
//   - {Name: "latest", Version: "1b2f3c4d5e6f7a8b"}
//   - {Name: "7.0", Version: "0f9e8d7c6b5a4938"}
type VersionName struct {
	// Name is the alias. Names are case-sensitive.
	Name string `json:"name"`

	// Version is the key the name currently points at.
	Version VersionKey `json:"version"`

	// UpdatedAt is when the name was last moved.
	UpdatedAt time.Time `json:"updatedAt"`
}

var (
	namePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._\-]{0,63}$`)
	keyPattern  = regexp.MustCompile(`^[0-9a-f]{16}$`)
)

// ValidateName checks that name is usable as an alias. Names may not look
// like a derived version key, so a key and a name never collide.
func ValidateName(name string) error {
	name = strings.TrimSpace(name)
	if !namePattern.MatchString(name) {
		return fmt.Errorf("invalid name %q", name)
	}
	if LooksLikeKey(name) {
		return fmt.Errorf("name %q is indistinguishable from a version key", name)
	}
	return nil
}

// LooksLikeKey reports whether s has the shape of a derived version key.
func LooksLikeKey(s string) bool {
	return keyPattern.MatchString(s)
}

// IsSystemName checks if a name is maintained by the service itself and
// must not be moved by operators.
func (n *VersionName) IsSystemName() bool {
	return n.Name == LatestName
}
