package schema

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/orian/sheetsmith/logger"
	"github.com/orian/sheetsmith/models"
	"gopkg.in/yaml.v3"
)

// sheetFile is the YAML layout of one sheet definition.
type sheetFile struct {
	Name   string          `yaml:"name"`
	Fields []models.Column `yaml:"fields"`
}

// ParseSheet decodes and validates a sheet definition.
func ParseSheet(data []byte) ([]models.Column, error) {
	var f sheetFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, err
	}
	seen := make(map[string]bool, len(f.Fields))
	for i, c := range f.Fields {
		if c.Name == "" {
			return nil, fmt.Errorf("field %d has no name", i)
		}
		if !c.Type.Valid() {
			return nil, fmt.Errorf("field %s has unknown type %q", c.Name, c.Type)
		}
		if seen[c.Name] {
			return nil, fmt.Errorf("duplicate field %s", c.Name)
		}
		seen[c.Name] = true
	}
	return f.Fields, nil
}

// GitSource reads sheet definitions from a git repository. Definitions are
// <path>/<Sheet>.yml files.
type GitSource struct {
	name         string
	path         string
	fetchTimeout time.Duration
	log          *logger.Logger

	mu   sync.RWMutex
	repo *git.Repository
}

type GitOptions struct {
	Name   string
	Remote string
	// Path is the directory holding sheet files within the repository.
	Path string
	// Directory is where the mirror clone lives.
	Directory    string
	FetchTimeout time.Duration
	Logger       *logger.Logger
}

// OpenGit opens the local mirror of a remote, cloning it on first use.
func OpenGit(ctx context.Context, opts GitOptions) (*GitSource, error) {
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = time.Minute
	}
	dir := filepath.Join(opts.Directory, opts.Name)
	repo, err := git.PlainOpen(dir)
	if errors.Is(err, git.ErrRepositoryNotExists) {
		cctx, cancel := context.WithTimeout(ctx, opts.FetchTimeout)
		defer cancel()
		repo, err = git.PlainCloneContext(cctx, dir, true, &git.CloneOptions{
			URL:    opts.Remote,
			Mirror: true,
		})
		if err != nil {
			_ = os.RemoveAll(dir)
			return nil, unavailable(fmt.Errorf("clone %s: %w", opts.Name, err))
		}
	} else if err != nil {
		return nil, fmt.Errorf("open %s: %w", opts.Name, err)
	}
	return NewGitSource(opts.Name, opts.Path, repo, opts.FetchTimeout, opts.Logger), nil
}

// NewGitSource wraps an already opened repository.
func NewGitSource(name, sheetPath string, repo *git.Repository, fetchTimeout time.Duration, log *logger.Logger) *GitSource {
	if log == nil {
		log = logger.Nop()
	}
	return &GitSource{
		name:         name,
		path:         sheetPath,
		fetchTimeout: fetchTimeout,
		log:          log.With("component", "schema", "source", name),
		repo:         repo,
	}
}

func (g *GitSource) Name() string { return g.name }

func (g *GitSource) Canonicalize(_ context.Context, ref string) (string, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	h, err := g.repo.ResolveRevision(plumbing.Revision(ref))
	if err != nil {
		return "", fmt.Errorf("%w: %s ref %q: %v", models.ErrNotFound, g.name, ref, err)
	}
	return h.String(), nil
}

func (g *GitSource) commit(rev string) (*object.Commit, error) {
	if !plumbing.IsHash(rev) {
		return nil, fmt.Errorf("%w: %q is not a revision hash", models.ErrNotFound, rev)
	}
	c, err := g.repo.CommitObject(plumbing.NewHash(rev))
	if err != nil {
		return nil, fmt.Errorf("%w: %s revision %s: %v", models.ErrNotFound, g.name, short(rev), err)
	}
	return c, nil
}

func (g *GitSource) Sheet(_ context.Context, rev, sheet string) ([]models.Column, bool, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	c, err := g.commit(rev)
	if err != nil {
		return nil, false, err
	}
	tree, err := c.Tree()
	if err != nil {
		return nil, false, err
	}
	f, err := tree.File(path.Join(g.path, sheet+".yml"))
	if errors.Is(err, object.ErrFileNotFound) || errors.Is(err, object.ErrDirectoryNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	content, err := f.Contents()
	if err != nil {
		return nil, false, err
	}
	cols, err := ParseSheet([]byte(content))
	if err != nil {
		return nil, false, fmt.Errorf("%s: %s at %s: %w", g.name, sheet, short(rev), err)
	}
	return cols, true, nil
}

func (g *GitSource) Parent(_ context.Context, rev string) (string, bool, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	c, err := g.commit(rev)
	if err != nil {
		return "", false, err
	}
	if len(c.ParentHashes) == 0 {
		return "", false, nil
	}
	return c.ParentHashes[0].String(), true, nil
}

// Sync fetches every ref from origin. A repository without a remote never
// changes.
func (g *GitSource) Sync(ctx context.Context) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, g.fetchTimeout)
	defer cancel()

	g.mu.Lock()
	defer g.mu.Unlock()
	if _, err := g.repo.Remote(git.DefaultRemoteName); errors.Is(err, git.ErrRemoteNotFound) {
		return false, nil
	}
	err := g.repo.FetchContext(ctx, &git.FetchOptions{
		RemoteName: git.DefaultRemoteName,
		RefSpecs:   []config.RefSpec{"+refs/*:refs/*"},
		Force:      true,
	})
	switch {
	case errors.Is(err, git.NoErrAlreadyUpToDate):
		return false, nil
	case err != nil:
		return false, unavailable(fmt.Errorf("fetch %s: %w", g.name, err))
	}
	g.log.Info("fetched schema updates")
	return true, nil
}

// unavailable reports remote failures, timeouts included, as transient.
func unavailable(err error) error {
	return fmt.Errorf("%w: %v", models.ErrUnavailable, err)
}
