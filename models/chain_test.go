package models

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func ref(repo string, seq int, name string) PatchRef {
	return PatchRef{Repository: repo, Sequence: seq, Name: name, Size: 10, Checksum: "ab"}
}

func TestValidateChain(t *testing.T) {
	tests := []struct {
		name    string
		chain   []PatchRef
		wantErr bool
	}{
		{
			name:  "empty chain",
			chain: nil,
		},
		{
			name:  "single repository in order",
			chain: []PatchRef{ref("game", 0, "A"), ref("game", 1, "B"), ref("game", 2, "C")},
		},
		{
			name: "interleaved repositories",
			chain: []PatchRef{
				ref("game", 0, "A"), ref("ex1", 0, "X"), ref("game", 1, "B"), ref("ex1", 1, "Y"),
			},
		},
		{
			name:    "does not start at zero",
			chain:   []PatchRef{ref("game", 1, "B")},
			wantErr: true,
		},
		{
			name:    "gap in sequence",
			chain:   []PatchRef{ref("game", 0, "A"), ref("game", 2, "C")},
			wantErr: true,
		},
		{
			name:    "out of order",
			chain:   []PatchRef{ref("game", 1, "B"), ref("game", 0, "A")},
			wantErr: true,
		},
		{
			name:    "missing name",
			chain:   []PatchRef{{Repository: "game"}},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateChain(tt.chain)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrChainUnsatisfiable)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestIsExtension(t *testing.T) {
	a, b, c := ref("game", 0, "A"), ref("game", 1, "B"), ref("game", 2, "C")
	changed := b
	changed.Checksum = "ff"

	tests := []struct {
		name   string
		base   []PatchRef
		target []PatchRef
		want   bool
	}{
		{"empty base", nil, []PatchRef{a}, true},
		{"equal chains", []PatchRef{a, b}, []PatchRef{a, b}, true},
		{"strict prefix", []PatchRef{a}, []PatchRef{a, b, c}, true},
		{"shorter target", []PatchRef{a, b}, []PatchRef{a}, false},
		{"rewritten patch", []PatchRef{a, b}, []PatchRef{a, changed, c}, false},
		{"different order", []PatchRef{a, b}, []PatchRef{b, a}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsExtension(tt.base, tt.target))
		})
	}
}

func TestKeyForChain(t *testing.T) {
	a, b := ref("game", 0, "A"), ref("game", 1, "B")

	key := KeyForChain([]PatchRef{a, b})
	assert.Len(t, string(key), 16)
	assert.True(t, LooksLikeKey(string(key)))
	assert.Equal(t, key, KeyForChain([]PatchRef{a, b}), "derivation is deterministic")
	assert.NotEqual(t, key, KeyForChain([]PatchRef{a}))

	// URLs and sizes do not participate in the key.
	withURL := b
	withURL.URLs = []string{"http://mirror/B.patch"}
	assert.Equal(t, key, KeyForChain([]PatchRef{a, withURL}))
}

func TestGameVersion(t *testing.T) {
	chain := []PatchRef{ref("game", 0, "2020.01"), ref("ex1", 0, "x"), ref("game", 1, "2020.02")}
	assert.Equal(t, "2020.02", GameVersion(chain))
	assert.Equal(t, "", GameVersion(nil))
}

func TestRetryable(t *testing.T) {
	assert.True(t, Retryable(fmt.Errorf("get: %w", ErrUnavailable)))
	assert.True(t, Retryable(ErrCorrupt))
	assert.False(t, Retryable(ErrPatchVerificationFailed))
	assert.False(t, Retryable(ErrChainUnsatisfiable))
	assert.False(t, Retryable(errors.New("boom")))
	assert.True(t, Fatal(fmt.Errorf("x: %w", ErrNotExtension)))
}

func TestValidateName(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{"latest", "latest", false},
		{"dotted", "7.05", false},
		{"empty", "", true},
		{"slash", "a/b", true},
		{"looks like key", "0123456789abcdef", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateName(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
