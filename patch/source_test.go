package patch

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/orian/sheetsmith/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeVersion struct {
	name    string
	active  bool
	prereqs []string
}

func patchListServer(t *testing.T, latest string, versions []fakeVersion) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req graphQLRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if req.Variables["repository"] != "game" {
			_ = json.NewEncoder(w).Encode(map[string]any{"errors": []map[string]string{{"message": "unknown repository"}}})
			return
		}

		var vs []map[string]any
		for _, v := range versions {
			var pre []map[string]string
			for _, p := range v.prereqs {
				pre = append(pre, map[string]string{"versionString": p})
			}
			vs = append(vs, map[string]any{
				"versionString":        v.name,
				"isActive":             v.active,
				"prerequisiteVersions": pre,
				"patches":              []map[string]any{{"url": "http://patches/" + v.name, "size": 10}},
			})
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"data": map[string]any{
				"repository": map[string]any{
					"latestVersion": map[string]string{"versionString": latest},
					"versions":      vs,
				},
			},
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func names(refs []models.PatchRef) []string {
	out := make([]string, len(refs))
	for i, r := range refs {
		out[i] = r.Name
	}
	return out
}

func TestHTTPSourceWalk(t *testing.T) {
	versions := []fakeVersion{
		{name: "2020.01", active: true},
		{name: "2020.02", active: true, prereqs: []string{"2020.01"}},
		{name: "2020.02h", active: false, prereqs: []string{"2020.02"}},
		{name: "2020.03", active: true, prereqs: []string{"2020.02", "2020.02h", "2020.01"}},
		{name: "2020.04", active: true, prereqs: []string{"2020.03"}},
	}

	tests := []struct {
		name      string
		overrides map[string]map[string]string
		want      []string
	}{
		{
			name: "newest active prerequisite",
			want: []string{"2020.01", "2020.02", "2020.03", "2020.04"},
		},
		{
			name:      "override skips a version",
			overrides: map[string]map[string]string{"game": {"2020.03": "2020.01"}},
			want:      []string{"2020.01", "2020.03", "2020.04"},
		},
		{
			name:      "unknown override falls back",
			overrides: map[string]map[string]string{"game": {"2020.03": "1999.01"}},
			want:      []string{"2020.01", "2020.02", "2020.03", "2020.04"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := patchListServer(t, "2020.04", versions)
			src := NewHTTPSource(srv.URL, time.Second, tt.overrides, nil)

			refs, err := src.Patches(context.Background(), "game")
			require.NoError(t, err)
			assert.Equal(t, tt.want, names(refs))
			for i, r := range refs {
				assert.Equal(t, i, r.Sequence)
				assert.Equal(t, "game", r.Repository)
			}
			assert.NoError(t, models.ValidateChain(refs))
		})
	}
}

func TestHTTPSourceErrors(t *testing.T) {
	single := patchListServer(t, "2020.01", []fakeVersion{{name: "2020.01", active: true}})
	src := NewHTTPSource(single.URL, time.Second, nil, nil)

	_, err := src.Patches(context.Background(), "game")
	assert.ErrorIs(t, err, models.ErrUnavailable, "single-patch chains are rejected")

	_, err = src.Patches(context.Background(), "other")
	assert.ErrorIs(t, err, models.ErrUnavailable)
}

func TestChainFor(t *testing.T) {
	src := StaticSource{
		"game": {{Repository: "game", Sequence: 0, Name: "A"}, {Repository: "game", Sequence: 1, Name: "B"}},
		"ex1":  {{Repository: "ex1", Sequence: 0, Name: "X"}},
	}
	chain, err := ChainFor(context.Background(), src, []string{"game", "ex1"})
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B", "X"}, names(chain))

	_, err = ChainFor(context.Background(), src, []string{"missing"})
	assert.ErrorIs(t, err, models.ErrNotFound)
}
