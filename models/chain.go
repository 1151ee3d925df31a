package models

import (
	"fmt"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// KeyForChain derives a version key from a chain. The key depends on every
// patch identifier and their order.
func KeyForChain(chain []PatchRef) VersionKey {
	ids := make([]string, len(chain))
	for i, p := range chain {
		ids[i] = p.Repository + "/" + p.Name
	}
	return VersionKey(fmt.Sprintf("%016x", xxhash.Sum64String(strings.Join(ids, "\n"))))
}

// ValidateChain checks that within every repository the sequence numbers start
// at zero and increase by exactly one, with no duplicated patches.
func ValidateChain(chain []PatchRef) error {
	next := make(map[string]int)
	seen := make(map[string]struct{}, len(chain))
	for i, p := range chain {
		if p.Repository == "" || p.Name == "" {
			return fmt.Errorf("%w: patch %d has no repository or name", ErrChainUnsatisfiable, i)
		}
		if _, ok := seen[p.ID()]; ok {
			return fmt.Errorf("%w: duplicate patch %s", ErrChainUnsatisfiable, p.ID())
		}
		seen[p.ID()] = struct{}{}

		want := next[p.Repository]
		if p.Sequence != want {
			return fmt.Errorf("%w: %s expected sequence %d, got %d", ErrChainUnsatisfiable, p.Repository, want, p.Sequence)
		}
		next[p.Repository] = want + 1
	}
	return nil
}

// IsExtension reports whether target starts with every patch of base, in order.
// A chain is an extension of itself.
func IsExtension(base, target []PatchRef) bool {
	if len(target) < len(base) {
		return false
	}
	for i := range base {
		if !SamePatch(base[i], target[i]) {
			return false
		}
	}
	return true
}

// SamePatch compares the identity and content of two refs, ignoring URLs.
func SamePatch(a, b PatchRef) bool {
	return a.Repository == b.Repository &&
		a.Sequence == b.Sequence &&
		a.Name == b.Name &&
		a.Size == b.Size &&
		strings.EqualFold(a.Checksum, b.Checksum)
}

// SameChain reports whether two chains hold the same patches in the same order.
func SameChain(a, b []PatchRef) bool {
	return len(a) == len(b) && IsExtension(a, b)
}

// GameVersion returns the name of the newest patch of the first repository
// in chain.
func GameVersion(chain []PatchRef) string {
	if len(chain) == 0 {
		return ""
	}
	repo := chain[0].Repository
	name := ""
	for _, p := range chain {
		if p.Repository == repo {
			name = p.Name
		}
	}
	return name
}

// ChainIDs lists the IDs of every patch in chain.
func ChainIDs(chain []PatchRef) []string {
	ids := make([]string, len(chain))
	for i, p := range chain {
		ids[i] = p.ID()
	}
	return ids
}
