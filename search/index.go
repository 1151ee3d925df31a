// Package search builds and queries per-version, per-schema indexes of
// sheet rows.
//
// Every index lives in its own directory:
//
//	<dir>/<version>/<schema>/index.json       manifest of the ready index
//	<dir>/<version>/<schema>/build-<uuid>.db  sqlite file, one table per sheet
//
// A build writes a fresh file and only replaces the manifest once it has
// completed, so a failed or interrupted build never affects queries.
package search

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/orian/sheetsmith/cache"
	"github.com/orian/sheetsmith/logger"
	"github.com/orian/sheetsmith/materialize"
	"github.com/orian/sheetsmith/models"
	"github.com/orian/sheetsmith/schema"
)

const (
	manifestFile = "index.json"
	buildPrefix  = "build-"
)

// Snapshots supplies published version data.
type Snapshots interface {
	Acquire(key models.VersionKey) (*materialize.Snapshot, error)
}

// Schemas resolves sheet layouts at a canonical schema revision.
type Schemas interface {
	ResolveAt(ctx context.Context, sheet string, canonical schema.Specifier) (models.SheetSchema, error)
}

type Options struct {
	Directory  string
	PageSize   int
	BatchSize  int
	RetryDelay time.Duration
	Logger     *logger.Logger
}

// Store owns every index below its directory.
type Store struct {
	opts    Options
	snaps   Snapshots
	schemas Schemas
	pool    *cache.Pool
	log     *logger.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	entries map[models.IndexKey]*entry
	closed  bool
}

type entry struct {
	key models.IndexKey

	// serving is the ready or stale index queries use. It is replaced, never
	// modified.
	serving *manifest

	build   *build
	retry   *time.Timer
	lastErr string

	// dirty is set when the version changes while a build runs.
	dirty bool
}

type build struct {
	done   chan struct{}
	result models.SearchIndex
	err    error
}

type manifest struct {
	models.SearchIndex
	Sheets []sheetTable `json:"sheets"`
}

type sheetTable struct {
	Table  string             `json:"table"`
	Schema models.SheetSchema `json:"schema"`
	Rows   int64              `json:"rows"`
}

// Ticket follows one EnsureIndex or Rebuild request.
type Ticket struct {
	s      *Store
	key    models.IndexKey
	b      *build
	joined bool
}

// InProgress reports whether the request joined a build that was already
// running.
func (t *Ticket) InProgress() bool { return t.joined }

// Wait blocks until the build behind the ticket finished. A failed build
// returns an error wrapping ErrIndexBuildFailed; the result then still
// describes the index that keeps serving queries, if any.
func (t *Ticket) Wait(ctx context.Context) (models.SearchIndex, error) {
	select {
	case <-t.b.done:
		return t.b.result, t.b.err
	case <-ctx.Done():
		return t.Current(), ctx.Err()
	}
}

// Current is the index state right now.
func (t *Ticket) Current() models.SearchIndex {
	idx, _ := t.s.Get(t.key)
	return idx
}

func Open(opts Options, snaps Snapshots, schemas Schemas, pool *cache.Pool) (*Store, error) {
	if opts.Directory == "" {
		return nil, errors.New("search store needs a directory")
	}
	if opts.PageSize < 1 {
		opts.PageSize = 100
	}
	if opts.BatchSize < 1 {
		opts.BatchSize = 1000
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = time.Minute
	}
	if opts.Logger == nil {
		opts.Logger = logger.Nop()
	}
	if err := os.MkdirAll(opts.Directory, 0o755); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Store{
		opts:    opts,
		snaps:   snaps,
		schemas: schemas,
		pool:    pool,
		log:     opts.Logger.With("component", "search"),
		ctx:     ctx,
		cancel:  cancel,
		entries: make(map[models.IndexKey]*entry),
	}
	if err := s.hydrate(); err != nil {
		cancel()
		return nil, err
	}
	return s, nil
}

// hydrate loads every manifest and removes build files that no manifest
// references. Indexes built from an older generation of their version load
// as stale.
func (s *Store) hydrate() error {
	manifests, err := filepath.Glob(filepath.Join(s.opts.Directory, "*", "*", manifestFile))
	if err != nil {
		return err
	}
	referenced := map[string]bool{}
	for _, p := range manifests {
		dir := filepath.Dir(p)
		m, err := readManifest(dir)
		if err != nil {
			s.log.Warn("ignoring unreadable index manifest", "path", p, "error", err)
			continue
		}
		if _, err := os.Stat(m.Path); err != nil {
			s.log.Warn("index manifest points at a missing file", "path", p, "error", err)
			continue
		}
		if m.State == models.IndexReady && !s.current(m) {
			m.State = models.IndexStale
			if err := writeManifest(dir, m); err != nil {
				return err
			}
		}
		referenced[m.Path] = true
		s.entries[m.Key] = &entry{key: m.Key, serving: m}
	}

	builds, err := filepath.Glob(filepath.Join(s.opts.Directory, "*", "*", buildPrefix+"*"))
	if err != nil {
		return err
	}
	for _, p := range builds {
		if referenced[p] {
			continue
		}
		s.log.Info("removing abandoned index build", "path", p)
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
	}
	s.log.Info("search indexes loaded", "indexes", len(s.entries))
	return nil
}

// current reports whether m was built from the version's published
// generation.
func (s *Store) current(m *manifest) bool {
	snap, err := s.snaps.Acquire(m.Key.Version)
	if err != nil {
		return false
	}
	defer snap.Release()
	return snap.Generation == m.Generation
}

func (s *Store) dir(key models.IndexKey) string {
	return filepath.Join(s.opts.Directory, string(key.Version), safeName(key.Schema))
}

func safeName(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9',
			r == '.', r == '-', r == '@':
			return r
		}
		return '_'
	}, s)
}

func readManifest(dir string) (*manifest, error) {
	raw, err := os.ReadFile(filepath.Join(dir, manifestFile))
	if err != nil {
		return nil, err
	}
	var m manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("decode %s: %w", manifestFile, err)
	}
	m.Path = filepath.Join(dir, m.Path)
	return &m, nil
}

// writeManifest replaces the manifest in dir. Paths are stored relative to
// dir.
func writeManifest(dir string, m *manifest) error {
	out := *m
	out.Path = filepath.Base(m.Path)
	raw, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return err
	}
	tmp := filepath.Join(dir, manifestFile+".tmp")
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if _, err := f.Write(raw); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, filepath.Join(dir, manifestFile))
}

// EnsureIndex returns a ticket for the index of version at the canonical
// schema reference. An absent index starts building; a ready or stale one
// is returned as is; a running build is joined.
func (s *Store) EnsureIndex(ctx context.Context, version models.VersionKey, schemaRef string) (*Ticket, error) {
	return s.ensure(ctx, models.IndexKey{Version: version, Schema: schemaRef}, false)
}

// Rebuild starts a new build even when a ready index exists. The existing
// index keeps serving until the build succeeds.
func (s *Store) Rebuild(ctx context.Context, version models.VersionKey, schemaRef string) (*Ticket, error) {
	return s.ensure(ctx, models.IndexKey{Version: version, Schema: schemaRef}, true)
}

func (s *Store) ensure(ctx context.Context, key models.IndexKey, force bool) (*Ticket, error) {
	if key.Version == "" || key.Schema == "" {
		return nil, fmt.Errorf("index key %q is incomplete", key)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, errors.New("search store closed")
	}
	e, ok := s.entries[key]
	if !ok {
		e = &entry{key: key}
		s.entries[key] = e
	}
	if e.build != nil {
		return &Ticket{s: s, key: key, b: e.build, joined: true}, nil
	}
	if !force && e.serving != nil {
		b := &build{done: make(chan struct{}), result: s.stateLocked(e)}
		close(b.done)
		return &Ticket{s: s, key: key, b: b}, nil
	}
	return &Ticket{s: s, key: key, b: s.startLocked(e, false)}, nil
}

func (s *Store) startLocked(e *entry, retry bool) *build {
	if e.retry != nil {
		e.retry.Stop()
		e.retry = nil
	}
	b := &build{done: make(chan struct{})}
	e.build = b
	e.dirty = false
	s.wg.Add(1)
	go s.run(e, b, retry)
	return b
}

func (s *Store) run(e *entry, b *build, retry bool) {
	defer s.wg.Done()
	start := time.Now()
	log := s.log.With("index", e.key.String())
	log.Info("index build started", "retry", retry)

	m, err := s.buildIndex(s.ctx, e.key)

	var retired string
	s.mu.Lock()
	e.build = nil
	if err != nil {
		CounterBuilds.WithLabelValues("failure").Inc()
		e.lastErr = err.Error()
		b.err = fmt.Errorf("%w: %s: %w", models.ErrIndexBuildFailed, e.key, err)
		if !retry && !s.closed {
			e.retry = time.AfterFunc(s.opts.RetryDelay, func() { s.retryBuild(e) })
		}
		log.Error("index build failed", "error", err, "retry_scheduled", !retry && !s.closed)
	} else {
		if e.dirty {
			m.State = models.IndexStale
			if werr := writeManifest(filepath.Dir(m.Path), m); werr != nil {
				log.Warn("could not mark index stale", "error", werr)
			}
		}
		if e.serving != nil && e.serving.Path != m.Path {
			retired = e.serving.Path
		}
		e.serving = m
		e.lastErr = ""
		CounterBuilds.WithLabelValues("success").Inc()
		HistogramBuildSeconds.Observe(time.Since(start).Seconds())
		log.Info("index build finished", "rows", m.Rows, "sheets", len(m.Sheets), "skipped", len(m.Skipped), "elapsed", time.Since(start))
	}
	b.result = s.stateLocked(e)
	s.mu.Unlock()

	if retired != "" {
		if err := s.pool.Retire(retired); err != nil {
			log.Warn("could not remove replaced index", "path", retired, "error", err)
		}
	}
	close(b.done)
}

func (s *Store) retryBuild(e *entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e.retry = nil
	if s.closed || e.build != nil {
		return
	}
	s.startLocked(e, true)
}

func (s *Store) stateLocked(e *entry) models.SearchIndex {
	idx := models.SearchIndex{Key: e.key, State: models.IndexAbsent}
	if e.serving != nil {
		idx = e.serving.SearchIndex
	}
	if e.build != nil {
		idx.State = models.IndexBuilding
	}
	idx.LastError = e.lastErr
	return idx
}

// Get returns the state of one index.
func (s *Store) Get(key models.IndexKey) (models.SearchIndex, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok {
		return models.SearchIndex{Key: key, State: models.IndexAbsent}, false
	}
	return s.stateLocked(e), true
}

// List returns the state of every known index of version, or of all
// versions when version is empty.
func (s *Store) List(version models.VersionKey) []models.SearchIndex {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.SearchIndex, 0, len(s.entries))
	for k, e := range s.entries {
		if version == "" || k.Version == version {
			out = append(out, s.stateLocked(e))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key.String() < out[j].Key.String() })
	return out
}

// Invalidate marks the indexes of version stale. They keep serving queries
// until rebuilt.
func (s *Store) Invalidate(version models.VersionKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, e := range s.entries {
		if k.Version != version {
			continue
		}
		if e.build != nil {
			e.dirty = true
		}
		s.markStaleLocked(e)
	}
}

// InvalidateSource marks every index resolved against the schema source
// stale and returns their keys. A build already running for such an index
// finishes as stale.
func (s *Store) InvalidateSource(source string) []models.IndexKey {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.IndexKey
	for k, e := range s.entries {
		if schema.ParseSpecifier(k.Schema).Source != source {
			continue
		}
		if e.build != nil {
			e.dirty = true
		}
		if s.markStaleLocked(e) {
			out = append(out, k)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

// MarkStale marks one index stale.
func (s *Store) MarkStale(key models.IndexKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[key]; ok {
		s.markStaleLocked(e)
	}
}

// markStaleLocked reports whether e turned stale.
func (s *Store) markStaleLocked(e *entry) bool {
	if e.serving == nil || e.serving.State == models.IndexStale {
		return false
	}
	m := *e.serving
	m.State = models.IndexStale
	if err := writeManifest(filepath.Dir(m.Path), &m); err != nil {
		s.log.Warn("could not mark index stale", "index", e.key.String(), "error", err)
	}
	e.serving = &m
	s.log.Info("index marked stale", "index", e.key.String())
	return true
}

// Latest returns the most recently built servable index of version resolved
// against the schema source.
func (s *Store) Latest(version models.VersionKey, source string) (models.SearchIndex, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var best *manifest
	for k, e := range s.entries {
		if k.Version != version || e.serving == nil || schema.ParseSpecifier(k.Schema).Source != source {
			continue
		}
		if best == nil || e.serving.BuiltAt.After(best.BuiltAt) {
			best = e.serving
		}
	}
	if best == nil {
		return models.SearchIndex{}, false
	}
	return best.SearchIndex, true
}

// servable returns the manifest queries for key should use.
func (s *Store) servable(key models.IndexKey) (*manifest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	switch {
	case !ok:
		return nil, fmt.Errorf("%w: no index for %s", models.ErrNotReady, key)
	case e.serving != nil:
		return e.serving, nil
	case e.build != nil:
		return nil, fmt.Errorf("%w: %s", models.ErrBuildInProgress, key)
	case e.lastErr != "":
		return nil, fmt.Errorf("%w: %s: %s", models.ErrNotReady, key, e.lastErr)
	}
	return nil, fmt.Errorf("%w: no index for %s", models.ErrNotReady, key)
}

// Close stops pending retries and waits for running builds, which are
// cancelled.
func (s *Store) Close() error {
	s.mu.Lock()
	s.closed = true
	for _, e := range s.entries {
		if e.retry != nil {
			e.retry.Stop()
			e.retry = nil
		}
	}
	s.mu.Unlock()
	s.cancel()
	s.wg.Wait()
	return nil
}
