// Package schematest builds in-memory schema repositories for tests.
package schematest

import (
	"fmt"
	"path"
	"strings"
	"testing"
	"time"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/memfs"
	"github.com/go-git/go-billy/v5/util"
	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/storage/memory"
	"github.com/orian/sheetsmith/models"
	"github.com/orian/sheetsmith/schema"
	"github.com/stretchr/testify/require"
)

// Repo is an in-memory git repository holding sheet definitions.
type Repo struct {
	t    testing.TB
	Git  *git.Repository
	fs   billy.Filesystem
	wt   *git.Worktree
	path string
	when time.Time
}

// NewRepo creates an empty repository; sheet files live under sheetPath.
func NewRepo(t testing.TB, sheetPath string) *Repo {
	t.Helper()
	fs := memfs.New()
	repo, err := git.Init(memory.NewStorage(), fs)
	require.NoError(t, err)
	wt, err := repo.Worktree()
	require.NoError(t, err)
	return &Repo{t: t, Git: repo, fs: fs, wt: wt, path: sheetPath, when: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

// SheetYAML renders a sheet definition.
func SheetYAML(sheet string, cols ...models.Column) string {
	var b strings.Builder
	fmt.Fprintf(&b, "name: %s\nfields:\n", sheet)
	for _, c := range cols {
		fmt.Fprintf(&b, "  - name: %s\n    type: %s\n", c.Name, c.Type)
	}
	return b.String()
}

// Commit writes sheets (name -> columns; nil columns delete the sheet) and
// commits them, returning the revision hash.
func (r *Repo) Commit(msg string, sheets map[string][]models.Column) string {
	r.t.Helper()
	for sheet, cols := range sheets {
		p := path.Join(r.path, sheet+".yml")
		if cols == nil {
			_, err := r.wt.Remove(p)
			require.NoError(r.t, err)
			continue
		}
		require.NoError(r.t, util.WriteFile(r.fs, p, []byte(SheetYAML(sheet, cols...)), 0o644))
		_, err := r.wt.Add(p)
		require.NoError(r.t, err)
	}
	r.when = r.when.Add(time.Minute)
	h, err := r.wt.Commit(msg, &git.CommitOptions{
		AllowEmptyCommits: true,
		Author:            &object.Signature{Name: "test", Email: "test@example.com", When: r.when},
	})
	require.NoError(r.t, err)
	return h.String()
}

// Tag points a lightweight tag at rev.
func (r *Repo) Tag(name, rev string) {
	r.t.Helper()
	_, err := r.Git.CreateTag(name, plumbing.NewHash(rev), nil)
	require.NoError(r.t, err)
}

// Source wraps the repository as a schema source.
func (r *Repo) Source(name string) *schema.GitSource {
	return schema.NewGitSource(name, r.path, r.Git, time.Second, nil)
}
