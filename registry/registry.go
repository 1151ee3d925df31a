// Package registry owns the set of known versions. It provisions versions in
// the background, persists their records, keeps names such as "latest"
// pointing at ready versions and serves reads against them.
package registry

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/orian/sheetsmith/cache"
	"github.com/orian/sheetsmith/events"
	"github.com/orian/sheetsmith/format"
	"github.com/orian/sheetsmith/logger"
	"github.com/orian/sheetsmith/materialize"
	"github.com/orian/sheetsmith/models"
	"github.com/orian/sheetsmith/patch"
	"github.com/orian/sheetsmith/schema"
	"github.com/orian/sheetsmith/search"
	"golang.org/x/sync/singleflight"
)

var ErrClosed = errors.New("registry closed")

type Options struct {
	// DefaultVersion is the name or key Ready checks.
	DefaultVersion string

	// Repositories are concatenated, in order, into the upstream chain.
	Repositories []string
	PollInterval time.Duration

	// ProvisionRetries bounds retries of transient provisioning failures.
	ProvisionRetries int
	RetryInterval    time.Duration

	// DefaultSchema is the specifier indexes are built for after a version
	// changes, when AutoBuild is set.
	DefaultSchema string
	AutoBuild     bool

	// PageRows is how many row ids one cached page covers; PageCache bounds
	// the number of cached pages.
	PageRows  int
	PageCache int

	// SearchLimit is the page size of Search when the request sets none.
	SearchLimit int

	Logger *logger.Logger
}

// Deps are the components a registry drives.
type Deps struct {
	Storage  models.Storage
	Patches  *patch.Store
	Versions *materialize.Materializer
	Schemas  *schema.Provider
	Indexes  *search.Store

	// Upstream lists released patches. Nil disables polling.
	Upstream patch.Source

	// Events receives lifecycle events. Nil discards them.
	Events events.Sink
}

type pageKey struct {
	version    models.VersionKey
	generation uint64
	sheet      string
	page       uint32
}

type row struct {
	id     uint32
	fields []format.Value
}

// Registry is safe for concurrent use.
type Registry struct {
	opts Options
	deps Deps
	log  *logger.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	flight singleflight.Group
	locks  *keyMutex
	pages  *cache.Cache[pageKey, []row]

	hydrated atomic.Bool

	mu       sync.Mutex
	versions map[models.VersionKey]*models.Version
	inflight map[models.VersionKey]*inflight
	closed   bool
}

// Open loads every persisted version, reconciles it with the data published
// on disk and resumes versions that were still provisioning.
func Open(opts Options, deps Deps) (*Registry, error) {
	if deps.Storage == nil || deps.Versions == nil || deps.Schemas == nil || deps.Indexes == nil {
		return nil, errors.New("registry: storage, versions, schemas and indexes are required")
	}
	if opts.ProvisionRetries < 0 {
		opts.ProvisionRetries = 0
	}
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = time.Second
	}
	if opts.PageRows <= 0 {
		opts.PageRows = 256
	}
	if opts.PageCache <= 0 {
		opts.PageCache = 256
	}
	if opts.SearchLimit <= 0 {
		opts.SearchLimit = 100
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 10 * time.Minute
	}
	if opts.DefaultVersion == "" {
		opts.DefaultVersion = models.LatestName
	}
	if opts.Logger == nil {
		opts.Logger = logger.Nop()
	}
	if deps.Events == nil {
		deps.Events = events.Tee{}
	}
	pages, err := cache.New[pageKey, []row]("pages", opts.PageCache)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &Registry{
		opts:     opts,
		deps:     deps,
		log:      opts.Logger.With("component", "registry"),
		ctx:      ctx,
		cancel:   cancel,
		locks:    newKeyMutex(),
		pages:    pages,
		versions: make(map[models.VersionKey]*models.Version),
		inflight: make(map[models.VersionKey]*inflight),
	}
	resume, err := r.hydrate()
	if err != nil {
		cancel()
		return nil, err
	}
	for _, v := range resume {
		r.log.Info("resuming provisioning", "version", v.Key, "patches", len(v.Target))
		if _, err := r.RequestProvision(ctx, v.Key, v.Target); err != nil {
			r.log.Warn("resume failed", "version", v.Key, "error", err)
		}
	}
	r.hydrated.Store(true)
	return r, nil
}

// hydrate loads the persisted records. Data published by a run that stopped
// before saving its record is adopted; versions still heading for a target
// without a recorded failure are returned for resumption.
func (r *Registry) hydrate() ([]*models.Version, error) {
	list, err := r.deps.Storage.ListVersions()
	if err != nil {
		return nil, fmt.Errorf("load versions: %w", err)
	}
	var resume []*models.Version
	for _, v := range list {
		gen, chain, err := r.deps.Versions.Published(v.Key)
		if err != nil {
			r.log.Warn("cannot read published state", "version", v.Key, "error", err)
		} else if gen > v.Generation && models.IsExtension(v.Chain, chain) {
			v.Chain = chain
			v.Generation = gen
			v.LastVerified = time.Now().UTC()
			if v.State == models.VersionProvisioning && models.SameChain(chain, v.Target) {
				v.State = models.VersionReady
			}
			if err := r.deps.Storage.SaveVersion(v); err != nil {
				return nil, fmt.Errorf("save %s: %w", v.Key, err)
			}
		}
		if v.Location == "" {
			v.Location = r.deps.Versions.Location(v.Key)
		}
		v.Names = nil
		r.versions[v.Key] = v
		if pending(v) && v.LastError == "" {
			resume = append(resume, clone(v))
		}
	}
	r.log.Info("registry hydrated", "versions", len(list), "resuming", len(resume))
	return resume, nil
}

// pending reports whether v has a target it has not reached.
func pending(v *models.Version) bool {
	return v.State != models.VersionError && len(v.Target) > len(v.Chain)
}

func clone(v *models.Version) *models.Version {
	c := *v
	c.Chain = slices.Clone(v.Chain)
	c.Target = slices.Clone(v.Target)
	c.Names = slices.Clone(v.Names)
	return &c
}

func (r *Registry) emit(e events.Event) {
	r.deps.Events.Emit(e)
}

// update applies fn to a copy of key's record, persists it and makes it
// current. A missing record starts unprovisioned.
func (r *Registry) update(key models.VersionKey, fn func(v *models.Version)) *models.Version {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.versions[key]
	if ok {
		v = clone(v)
	} else {
		v = &models.Version{
			Key:      key,
			Location: r.deps.Versions.Location(key),
			State:    models.VersionUnprovisioned,
		}
	}
	fn(v)
	v.UpdatedAt = time.Now().UTC()
	r.versions[key] = v
	if err := r.deps.Storage.SaveVersion(v); err != nil {
		r.log.Error("cannot persist version", "version", key, "error", err)
	}
	return clone(v)
}

func (r *Registry) lookup(key models.VersionKey) (*models.Version, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.versions[key]
	if !ok {
		return nil, false
	}
	return clone(v), true
}

// Resolve maps a name or a key to a known version key.
func (r *Registry) Resolve(nameOrKey string) (models.VersionKey, error) {
	if nameOrKey == "" {
		return "", fmt.Errorf("%w: empty name", models.ErrUnknownVersion)
	}
	if key, ok := r.deps.Storage.ResolveName(nameOrKey); ok {
		return key, nil
	}
	key := models.VersionKey(nameOrKey)
	if _, ok := r.lookup(key); ok {
		return key, nil
	}
	return "", fmt.Errorf("%w: %s", models.ErrUnknownVersion, nameOrKey)
}

// Get returns the record of a version by name or key, with the names
// pointing at it.
func (r *Registry) Get(nameOrKey string) (*models.Version, error) {
	key, err := r.Resolve(nameOrKey)
	if err != nil {
		return nil, err
	}
	v, ok := r.lookup(key)
	if !ok {
		return nil, fmt.Errorf("%w: %s", models.ErrUnknownVersion, nameOrKey)
	}
	names, err := r.deps.Storage.GetNames()
	if err != nil {
		return nil, err
	}
	for _, n := range names {
		if n.Version == key {
			v.Names = append(v.Names, n.Name)
		}
	}
	return v, nil
}

// List returns every known version ordered by key.
func (r *Registry) List() ([]*models.Version, error) {
	names, err := r.deps.Storage.GetNames()
	if err != nil {
		return nil, err
	}
	byKey := make(map[models.VersionKey][]string)
	for _, n := range names {
		byKey[n.Version] = append(byKey[n.Version], n.Name)
	}

	r.mu.Lock()
	out := make([]*models.Version, 0, len(r.versions))
	for _, v := range r.versions {
		c := clone(v)
		c.Names = byKey[v.Key]
		out = append(out, c)
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// Names returns every name ordered by name.
func (r *Registry) Names() ([]*models.VersionName, error) {
	return r.deps.Storage.GetNames()
}

// SetName points an operator name at a version. System names are moved by
// the registry only.
func (r *Registry) SetName(name, nameOrKey string) (*models.VersionName, error) {
	if err := models.ValidateName(name); err != nil {
		return nil, err
	}
	if (&models.VersionName{Name: name}).IsSystemName() {
		return nil, fmt.Errorf("name %q is maintained by the upstream poll", name)
	}
	key, err := r.Resolve(nameOrKey)
	if err != nil {
		return nil, err
	}
	n, err := r.deps.Storage.SetName(name, key)
	if err != nil {
		return nil, err
	}
	r.emit(events.New(events.NameMoved, key, name, ""))
	return n, nil
}

func (r *Registry) RemoveName(name string) error {
	if (&models.VersionName{Name: name}).IsSystemName() {
		return fmt.Errorf("name %q is maintained by the upstream poll", name)
	}
	key, _ := r.deps.Storage.ResolveName(name)
	if err := r.deps.Storage.RemoveName(name); err != nil {
		return err
	}
	r.emit(events.New(events.NameRemoved, key, name, ""))
	return nil
}

// moveLatest points the latest name at key.
func (r *Registry) moveLatest(key models.VersionKey) error {
	if current, ok := r.deps.Storage.ResolveName(models.LatestName); ok && current == key {
		return nil
	}
	if _, err := r.deps.Storage.SetName(models.LatestName, key); err != nil {
		return err
	}
	r.log.Info("latest moved", "version", key)
	r.emit(events.New(events.NameMoved, key, models.LatestName, ""))
	return nil
}

// Ready reports whether the registry finished hydrating and the default
// version is ready to serve. Extending the default version does not affect
// it.
func (r *Registry) Ready() bool {
	if !r.hydrated.Load() {
		return false
	}
	v, err := r.Get(r.opts.DefaultVersion)
	return err == nil && v.State == models.VersionReady && v.Generation > 0
}

// PruneAssets deletes stored patch files no version references.
func (r *Registry) PruneAssets() ([]string, error) {
	r.mu.Lock()
	var referenced []models.PatchRef
	for _, v := range r.versions {
		referenced = append(referenced, v.Chain...)
		referenced = append(referenced, v.Target...)
	}
	r.mu.Unlock()
	if r.deps.Patches == nil {
		return nil, nil
	}
	removed, err := r.deps.Patches.Prune(referenced)
	if err != nil {
		return removed, err
	}
	if len(removed) > 0 {
		r.emit(events.New(events.PatchesPruned, "", "", fmt.Sprintf("%d files", len(removed))))
	}
	return removed, nil
}

// Close stops background work and waits for it. Provisioning interrupted
// here resumes on the next Open.
func (r *Registry) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()
	r.cancel()
	r.wg.Wait()
	return nil
}
