// Package materialize applies patch chains to per-version stores and
// publishes them as immutable snapshots.
//
// Layout of a version directory:
//
//	LOCK             advisory lock held by the process provisioning the version
//	chain.json       published generation and chain
//	gen-<n>/data.db  published generation, opened read-only
//	staging/data.db  work in progress, one committed transaction per patch
package materialize

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/juju/fslock"
	"github.com/orian/sheetsmith/logger"
	"github.com/orian/sheetsmith/models"
	"github.com/orian/sheetsmith/patch"
	bolt "go.etcd.io/bbolt"
)

const (
	lockFile    = "LOCK"
	chainFile   = "chain.json"
	stagingDir  = "staging"
	genPrefix   = "gen-"
	dataFile    = "data.db"
	lockWait    = time.Second
	defaultLock = 30 * time.Second
)

// Fetcher supplies verified patch files.
type Fetcher interface {
	Ensure(ctx context.Context, ref models.PatchRef) (*patch.Handle, error)
	MarkApplied(ref models.PatchRef)
}

type Options struct {
	Directory   string
	Prefetch    int
	LockTimeout time.Duration
	Logger      *logger.Logger
}

// Materializer owns the version directories.
type Materializer struct {
	dir         string
	prefetch    int
	lockTimeout time.Duration
	fetch       Fetcher
	log         *logger.Logger

	mu       sync.Mutex
	versions map[models.VersionKey]*version
}

type version struct {
	key models.VersionKey
	dir string

	// provision serialises writers within this process; LOCK covers other
	// processes.
	provision sync.Mutex

	snapMu  sync.Mutex
	current *Snapshot
	loaded  bool
}

type published struct {
	Generation uint64            `json:"generation"`
	Chain      []models.PatchRef `json:"chain"`
	UpdatedAt  time.Time         `json:"updatedAt"`
}

func New(opts Options, fetch Fetcher) (*Materializer, error) {
	if opts.Directory == "" {
		return nil, errors.New("materializer needs a directory")
	}
	if opts.Prefetch < 1 {
		opts.Prefetch = 1
	}
	if opts.LockTimeout <= 0 {
		opts.LockTimeout = defaultLock
	}
	if opts.Logger == nil {
		opts.Logger = logger.Nop()
	}
	if err := os.MkdirAll(opts.Directory, 0o755); err != nil {
		return nil, err
	}
	return &Materializer{
		dir:         opts.Directory,
		prefetch:    opts.Prefetch,
		lockTimeout: opts.LockTimeout,
		fetch:       fetch,
		log:         opts.Logger.With("component", "materialize"),
		versions:    make(map[models.VersionKey]*version),
	}, nil
}

// Location is the directory of key.
func (m *Materializer) Location(key models.VersionKey) string {
	return filepath.Join(m.dir, string(key))
}

func (m *Materializer) version(key models.VersionKey) *version {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.versions[key]
	if !ok {
		v = &version{key: key, dir: m.Location(key)}
		m.versions[key] = v
	}
	return v
}

func dataPath(dir string) string { return filepath.Join(dir, dataFile) }

func genDir(vdir string, gen uint64) string {
	return filepath.Join(vdir, genPrefix+strconv.FormatUint(gen, 10))
}

// Acquire returns the current snapshot of key. The caller must Release it.
// ErrNotReady means nothing has been published yet.
func (m *Materializer) Acquire(key models.VersionKey) (*Snapshot, error) {
	v := m.version(key)
	v.snapMu.Lock()
	defer v.snapMu.Unlock()
	if err := m.loadLocked(v); err != nil {
		return nil, err
	}
	if v.current == nil {
		return nil, fmt.Errorf("%w: %s has no published data", models.ErrNotReady, key)
	}
	return v.current.Acquire(), nil
}

// Published reports the generation and chain currently published for key.
func (m *Materializer) Published(key models.VersionKey) (uint64, []models.PatchRef, error) {
	pub, err := readPublished(m.Location(key))
	if err != nil {
		return 0, nil, err
	}
	return pub.Generation, pub.Chain, nil
}

// loadLocked opens the published generation on first use. v.snapMu is held.
func (m *Materializer) loadLocked(v *version) error {
	if v.loaded {
		return nil
	}
	pub, err := recoverPublished(v.dir)
	if err != nil {
		return err
	}
	if pub.Generation > 0 {
		snap, err := openSnapshot(v.key, genDir(v.dir, pub.Generation), pub.Generation)
		if err != nil {
			return err
		}
		v.current = snap
		removeOldGenerations(v.dir, pub.Generation)
	}
	v.loaded = true
	return nil
}

// swap installs snap as current and retires the previous snapshot.
func (v *version) swap(snap *Snapshot) {
	v.snapMu.Lock()
	old := v.current
	v.current = snap
	v.loaded = true
	v.snapMu.Unlock()
	if old != nil {
		old.retire()
	}
}

func readPublished(vdir string) (published, error) {
	var pub published
	raw, err := os.ReadFile(filepath.Join(vdir, chainFile))
	if errors.Is(err, os.ErrNotExist) {
		return pub, nil
	}
	if err != nil {
		return pub, err
	}
	if err := json.Unmarshal(raw, &pub); err != nil {
		return pub, fmt.Errorf("decode %s: %w", chainFile, err)
	}
	return pub, nil
}

func writePublished(vdir string, pub published) error {
	raw, err := json.MarshalIndent(pub, "", "  ")
	if err != nil {
		return err
	}
	tmp := filepath.Join(vdir, chainFile+".tmp")
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
	return os.Rename(tmp, filepath.Join(vdir, chainFile))
}

// recoverPublished reads chain.json and adopts a generation that was moved
// into place but never recorded, which happens when a publish is
// interrupted between the two renames.
func recoverPublished(vdir string) (published, error) {
	pub, err := readPublished(vdir)
	if err != nil {
		return pub, err
	}
	next := genDir(vdir, pub.Generation+1)
	if _, err := os.Stat(dataPath(next)); err != nil {
		return pub, nil
	}
	db, err := bolt.Open(dataPath(next), 0o444, &bolt.Options{ReadOnly: true, Timeout: lockWait})
	if err != nil {
		return pub, err
	}
	var chain []models.PatchRef
	err = db.View(func(tx *bolt.Tx) error {
		chain, err = committedChain(tx)
		return err
	})
	db.Close()
	if err != nil {
		return pub, err
	}
	pub = published{Generation: pub.Generation + 1, Chain: chain, UpdatedAt: time.Now().UTC()}
	return pub, writePublished(vdir, pub)
}

func removeOldGenerations(vdir string, keep uint64) {
	entries, err := os.ReadDir(vdir)
	if err != nil {
		return
	}
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), genPrefix) {
			continue
		}
		n, err := strconv.ParseUint(strings.TrimPrefix(e.Name(), genPrefix), 10, 64)
		if err == nil && n != keep {
			_ = os.RemoveAll(filepath.Join(vdir, e.Name()))
		}
	}
}

func (m *Materializer) lock(v *version) (*fslock.Lock, error) {
	if err := os.MkdirAll(v.dir, 0o755); err != nil {
		return nil, err
	}
	l := fslock.New(filepath.Join(v.dir, lockFile))
	if err := l.LockWithTimeout(m.lockTimeout); err != nil {
		if errors.Is(err, fslock.ErrTimeout) {
			return nil, fmt.Errorf("%w: %s is being provisioned by another process", models.ErrUnavailable, v.key)
		}
		return nil, fmt.Errorf("lock %s: %w", v.key, err)
	}
	return l, nil
}

// Seed initialises the staging store of an unprovisioned key with a copy of
// from's published data, so provisioning key only applies the patches from's
// chain lacks. It is a no-op when key already has data.
func (m *Materializer) Seed(ctx context.Context, key, from models.VersionKey) error {
	src, err := m.Acquire(from)
	if err != nil {
		return err
	}
	defer src.Release()

	v := m.version(key)
	v.provision.Lock()
	defer v.provision.Unlock()
	l, err := m.lock(v)
	if err != nil {
		return err
	}
	defer l.Unlock()

	pub, err := recoverPublished(v.dir)
	if err != nil {
		return err
	}
	staging := filepath.Join(v.dir, stagingDir)
	if _, err := os.Stat(staging); err == nil || pub.Generation > 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := copySnapshot(src, staging); err != nil {
		_ = os.RemoveAll(staging)
		return fmt.Errorf("seed %s from %s: %w", key, from, err)
	}
	m.log.Info("seeded version", "version", key, "from", from, "patches", len(src.Chain))
	return nil
}

func copySnapshot(src *Snapshot, dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	return src.db.View(func(tx *bolt.Tx) error {
		return tx.CopyFile(dataPath(dir), 0o644)
	})
}

// Provision applies target to key and publishes it. target must extend the
// published chain; an equal chain returns the current snapshot unchanged.
// The returned snapshot must be released by the caller.
func (m *Materializer) Provision(ctx context.Context, key models.VersionKey, target []models.PatchRef) (*Snapshot, error) {
	if err := models.ValidateChain(target); err != nil {
		return nil, err
	}
	v := m.version(key)
	v.provision.Lock()
	defer v.provision.Unlock()

	l, err := m.lock(v)
	if err != nil {
		return nil, err
	}
	defer l.Unlock()

	pub, err := recoverPublished(v.dir)
	if err != nil {
		return nil, err
	}
	if !models.IsExtension(pub.Chain, target) {
		return nil, fmt.Errorf("%w: %s has %d patches applied", models.ErrNotExtension, key, len(pub.Chain))
	}

	// Another process may have published since this one loaded the version.
	v.snapMu.Lock()
	stale := v.loaded && (v.current == nil && pub.Generation > 0 || v.current != nil && v.current.Generation != pub.Generation)
	v.snapMu.Unlock()
	if stale {
		snap, err := openSnapshot(key, genDir(v.dir, pub.Generation), pub.Generation)
		if err != nil {
			return nil, err
		}
		v.swap(snap)
	}

	if pub.Generation > 0 && models.SameChain(pub.Chain, target) {
		return m.Acquire(key)
	}

	db, applied, err := m.openStaging(v, pub, target)
	if err != nil {
		return nil, err
	}
	err = m.apply(ctx, key, db, target[len(applied):])
	if cerr := db.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return nil, err
	}
	return m.publish(v, pub.Generation+1)
}

// openStaging opens the staging store, keeping committed work when it is
// still on the way to target and starting over from the published
// generation otherwise.
func (m *Materializer) openStaging(v *version, pub published, target []models.PatchRef) (*bolt.DB, []models.PatchRef, error) {
	staging := filepath.Join(v.dir, stagingDir)

	if _, err := os.Stat(dataPath(staging)); err == nil {
		db, err := bolt.Open(dataPath(staging), 0o644, &bolt.Options{Timeout: lockWait})
		if err != nil {
			return nil, nil, err
		}
		var chain []models.PatchRef
		err = db.View(func(tx *bolt.Tx) error {
			chain, err = committedChain(tx)
			return err
		})
		if err == nil && models.IsExtension(pub.Chain, chain) && models.IsExtension(chain, target) {
			if len(chain) > len(pub.Chain) {
				m.log.Info("resuming staged provisioning", "version", v.key, "committed", len(chain), "target", len(target))
			}
			return db, chain, nil
		}
		db.Close()
		m.log.Warn("discarding staging store", "version", v.key, "error", err)
	}

	if err := os.RemoveAll(staging); err != nil {
		return nil, nil, err
	}
	if err := os.MkdirAll(staging, 0o755); err != nil {
		return nil, nil, err
	}
	if pub.Generation > 0 {
		v.snapMu.Lock()
		err := m.loadLocked(v)
		cur := v.current
		if cur != nil {
			cur.Acquire()
		}
		v.snapMu.Unlock()
		if err != nil {
			return nil, nil, err
		}
		if cur != nil {
			err = copySnapshot(cur, staging)
			cur.Release()
			if err != nil {
				return nil, nil, err
			}
		}
	}

	db, err := bolt.Open(dataPath(staging), 0o644, &bolt.Options{Timeout: lockWait})
	if err != nil {
		return nil, nil, err
	}
	if err := db.Update(initBuckets); err != nil {
		db.Close()
		return nil, nil, err
	}
	var chain []models.PatchRef
	err = db.View(func(tx *bolt.Tx) error {
		chain, err = committedChain(tx)
		return err
	})
	if err != nil {
		db.Close()
		return nil, nil, err
	}
	return db, chain, nil
}

type fetched struct {
	handle *patch.Handle
	err    error
}

// apply downloads ahead of the applier and commits each patch in order.
// Cancellation is observed between patches.
func (m *Materializer) apply(ctx context.Context, key models.VersionKey, db *bolt.DB, remaining []models.PatchRef) error {
	if len(remaining) == 0 {
		return nil
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make(chan fetched, m.prefetch)
	go func() {
		defer close(results)
		for _, ref := range remaining {
			h, err := m.fetch.Ensure(ctx, ref)
			select {
			case results <- fetched{handle: h, err: err}:
			case <-ctx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()

	for i, ref := range remaining {
		if err := ctx.Err(); err != nil {
			return err
		}
		var res fetched
		select {
		case r, ok := <-results:
			if !ok {
				return ctx.Err()
			}
			res = r
		case <-ctx.Done():
			return ctx.Err()
		}
		if res.err != nil {
			return fmt.Errorf("fetch %s: %w", ref.ID(), res.err)
		}

		start := time.Now()
		if err := applyPatch(db, ref, res.handle.Path); err != nil {
			return err
		}
		HistogramApplySeconds.Observe(time.Since(start).Seconds())
		CounterPatchesApplied.Inc()
		m.fetch.MarkApplied(ref)
		m.log.Debug("applied patch", "version", key, "patch", ref.ID(), "remaining", len(remaining)-i-1)
	}
	return nil
}

// publish moves staging into place as generation gen and swaps it in.
func (m *Materializer) publish(v *version, gen uint64) (*Snapshot, error) {
	staging := filepath.Join(v.dir, stagingDir)
	dst := genDir(v.dir, gen)
	_ = os.RemoveAll(dst)
	if err := os.Rename(staging, dst); err != nil {
		return nil, fmt.Errorf("publish %s: %w", v.key, err)
	}

	snap, err := openSnapshot(v.key, dst, gen)
	if err != nil {
		return nil, err
	}
	if err := writePublished(v.dir, published{Generation: gen, Chain: snap.Chain, UpdatedAt: time.Now().UTC()}); err != nil {
		snap.Release()
		return nil, err
	}

	v.swap(snap)
	CounterPublished.Inc()
	m.log.Info("published version", "version", v.key, "generation", gen, "patches", len(snap.Chain))
	return snap.Acquire(), nil
}

// Close releases every open snapshot. Held snapshots stay usable until
// released.
func (m *Materializer) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, v := range m.versions {
		v.snapMu.Lock()
		if v.current != nil {
			v.current.Release()
			v.current = nil
		}
		v.loaded = false
		v.snapMu.Unlock()
	}
	return nil
}
