package registry_test

import (
	"context"
	"fmt"
	"net/http"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/orian/sheetsmith/cache"
	"github.com/orian/sheetsmith/events"
	"github.com/orian/sheetsmith/format"
	"github.com/orian/sheetsmith/materialize"
	"github.com/orian/sheetsmith/models"
	"github.com/orian/sheetsmith/patch"
	"github.com/orian/sheetsmith/patch/patchtest"
	"github.com/orian/sheetsmith/registry"
	"github.com/orian/sheetsmith/schema"
	"github.com/orian/sheetsmith/schema/schematest"
	"github.com/orian/sheetsmith/search"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memStorage keeps version records in memory.
type memStorage struct {
	mu       sync.Mutex
	versions map[models.VersionKey]models.Version
	names    map[string]models.VersionName
}

func newMemStorage() *memStorage {
	return &memStorage{
		versions: make(map[models.VersionKey]models.Version),
		names:    make(map[string]models.VersionName),
	}
}

func (s *memStorage) SaveVersion(v *models.Version) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *v
	c.Names = nil
	s.versions[v.Key] = c
	return nil
}

func (s *memStorage) GetVersion(key models.VersionKey) (*models.Version, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.versions[key]
	if !ok {
		return nil, false
	}
	return &v, true
}

func (s *memStorage) ListVersions() ([]*models.Version, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Version
	for _, v := range s.versions {
		v := v
		out = append(out, &v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (s *memStorage) SetName(name string, key models.VersionKey) (*models.VersionName, error) {
	if err := models.ValidateName(name); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.versions[key]; !ok {
		return nil, fmt.Errorf("%w: %s", models.ErrUnknownVersion, key)
	}
	n := models.VersionName{Name: name, Version: key, UpdatedAt: time.Now()}
	s.names[name] = n
	return &n, nil
}

func (s *memStorage) RemoveName(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.names[name]; !ok {
		return fmt.Errorf("%w: name %s", models.ErrNotFound, name)
	}
	delete(s.names, name)
	return nil
}

func (s *memStorage) ResolveName(name string) (models.VersionKey, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.names[name]
	return n.Version, ok
}

func (s *memStorage) GetNames() ([]*models.VersionName, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.VersionName
	for _, n := range s.names {
		n := n
		out = append(out, &n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *memStorage) Close() error { return nil }

var _ models.Storage = (*memStorage)(nil)

// syncSource reports a change on the next sync once touched.
type syncSource struct {
	schema.Source
	touched atomic.Bool
}

func (s *syncSource) Sync(context.Context) (bool, error) { return s.touched.Swap(false), nil }

type fixture struct {
	srv      *patchtest.Server
	patches  *patch.Store
	m        *materialize.Materializer
	schemas  *schema.Provider
	indexes  *search.Store
	storage  *memStorage
	events   *events.Recorder
	upstream patch.StaticSource
	repo     *schematest.Repo
	source   *syncSource

	base, p1, p2, alt models.PatchRef
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	srv := patchtest.NewServer(t)
	patches, err := patch.Open(patch.Options{
		Directory:      filepath.Join(t.TempDir(), "patches"),
		Concurrency:    2,
		VerifyAttempts: 1,
		HTTPClient:     &http.Client{},
	})
	require.NoError(t, err)
	m, err := materialize.New(materialize.Options{Directory: filepath.Join(t.TempDir(), "versions")}, patches)
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })

	repo := schematest.NewRepo(t, "schemas")
	repo.Commit("item", map[string][]models.Column{
		"Item": {{Name: "Id", Type: models.ColumnInt}, {Name: "Name", Type: models.ColumnString}},
	})
	source := &syncSource{Source: repo.Source("exd")}
	provider, err := schema.NewProvider(schema.Options{Default: "exd"}, source)
	require.NoError(t, err)

	pool, err := cache.NewPool(4, 2)
	require.NoError(t, err)
	t.Cleanup(func() { pool.Close() })
	indexes, err := search.Open(search.Options{Directory: filepath.Join(t.TempDir(), "search"), RetryDelay: time.Hour}, m, provider, pool)
	require.NoError(t, err)
	t.Cleanup(func() { indexes.Close() })

	f := &fixture{
		srv:      srv,
		patches:  patches,
		m:        m,
		schemas:  provider,
		indexes:  indexes,
		storage:  newMemStorage(),
		events:   &events.Recorder{},
		upstream: patch.StaticSource{},
		repo:     repo,
		source:   source,
	}
	kinds := []format.FieldKind{format.FieldInt32, format.FieldString}
	f.base = srv.Add(t, "game", 0, "base",
		format.SheetHeader{Sheet: "Item", Columns: kinds},
		format.Row{Sheet: "Item", ID: 1, Fields: []format.Value{format.Int32(1), format.String("Shard")}},
		format.Row{Sheet: "Item", ID: 2, Fields: []format.Value{format.Int32(2), format.String("Potion")}},
	)
	f.p1 = srv.Add(t, "game", 1, "p1",
		format.Row{Sheet: "Item", ID: 3, Fields: []format.Value{format.Int32(3), format.String("Ether")}},
	)
	f.p2 = srv.Add(t, "game", 2, "p2",
		format.Row{Sheet: "Item", ID: 1, Fields: []format.Value{format.Int32(1), format.String("Fire Shard")}},
	)
	f.alt = srv.Add(t, "game", 1, "alt",
		format.Row{Sheet: "Item", ID: 1, Fields: []format.Value{format.Int32(1), format.String("Water Shard")}},
	)
	return f
}

func (f *fixture) open(t *testing.T, opts registry.Options) *registry.Registry {
	t.Helper()
	if opts.ProvisionRetries == 0 {
		opts.ProvisionRetries = 2
	}
	opts.RetryInterval = time.Millisecond
	opts.Repositories = []string{"game"}
	opts.PageRows = 2
	r, err := registry.Open(opts, registry.Deps{
		Storage:  f.storage,
		Patches:  f.patches,
		Versions: f.m,
		Schemas:  f.schemas,
		Indexes:  f.indexes,
		Upstream: f.upstream,
		Events:   f.events,
	})
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })
	return r
}

func provision(t *testing.T, r *registry.Registry, key models.VersionKey, chain ...models.PatchRef) (*models.Version, error) {
	t.Helper()
	op, err := r.RequestProvision(context.Background(), key, chain)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return op.Wait(ctx)
}

func name(t *testing.T, r *registry.Registry, version, sheet string, id uint32) any {
	t.Helper()
	res, err := r.ReadRow(context.Background(), version, sheet, id, "")
	require.NoError(t, err)
	v, _ := res.Document.Value("Name")
	return v
}

func TestProvisionAndRead(t *testing.T) {
	f := newFixture(t)
	r := f.open(t, registry.Options{})

	v, err := provision(t, r, "", f.base, f.p1)
	require.NoError(t, err)
	assert.Equal(t, models.KeyForChain([]models.PatchRef{f.base, f.p1}), v.Key)
	assert.Equal(t, models.VersionReady, v.State)
	assert.Equal(t, uint64(1), v.Generation)
	assert.Len(t, v.Chain, 2)

	assert.Equal(t, "Ether", name(t, r, string(v.Key), "Item", 3))
	assert.Equal(t, "Shard", name(t, r, string(v.Key), "Item", 1))

	_, err = r.ReadRow(context.Background(), string(v.Key), "Item", 9, "")
	assert.ErrorIs(t, err, models.ErrNotFound)
	_, err = r.ReadRow(context.Background(), "nope", "Item", 1, "")
	assert.ErrorIs(t, err, models.ErrUnknownVersion)

	stored, ok := f.storage.GetVersion(v.Key)
	require.True(t, ok)
	assert.Equal(t, models.VersionReady, stored.State)
	assert.Len(t, f.events.Events(events.VersionReady), 1)
}

func TestRequestProvisionValidates(t *testing.T) {
	f := newFixture(t)
	r := f.open(t, registry.Options{})

	_, err := r.RequestProvision(context.Background(), "", nil)
	assert.ErrorIs(t, err, models.ErrChainUnsatisfiable)
	_, err = r.RequestProvision(context.Background(), "", []models.PatchRef{f.p1})
	assert.ErrorIs(t, err, models.ErrChainUnsatisfiable, "sequence must start at zero")
}

func TestIdenticalRequestsCoalesce(t *testing.T) {
	f := newFixture(t)
	r := f.open(t, registry.Options{})
	release := f.srv.Hold(f.base)

	var ops []*registry.Operation
	for i := 0; i < 3; i++ {
		op, err := r.RequestProvision(context.Background(), "shared", []models.PatchRef{f.base})
		require.NoError(t, err)
		ops = append(ops, op)
	}
	release()
	for _, op := range ops {
		v, err := op.Wait(context.Background())
		require.NoError(t, err)
		assert.Equal(t, uint64(1), v.Generation)
	}
	assert.Equal(t, 1, f.srv.Hits(f.base))
	assert.Len(t, f.events.Events(events.ProvisionRequested), 1)
}

func TestExtendingAVersion(t *testing.T) {
	f := newFixture(t)
	r := f.open(t, registry.Options{})

	_, err := provision(t, r, "v", f.base)
	require.NoError(t, err)
	assert.Equal(t, "Shard", name(t, r, "v", "Item", 1))

	v, err := provision(t, r, "v", f.base, f.p1, f.p2)
	require.NoError(t, err)
	assert.Equal(t, models.VersionKey("v"), v.Key, "the key is kept when the chain grows")
	assert.Equal(t, uint64(2), v.Generation)
	assert.Equal(t, "Fire Shard", name(t, r, "v", "Item", 1), "cached pages are dropped")

	_, err = r.RequestProvision(context.Background(), "v", []models.PatchRef{f.base, f.alt})
	assert.ErrorIs(t, err, models.ErrNotExtension)

	// A prefix of the published chain is already satisfied.
	op, err := r.RequestProvision(context.Background(), "v", []models.PatchRef{f.base})
	require.NoError(t, err)
	select {
	case <-op.Done():
	default:
		t.Fatal("operation for a satisfied chain is not done")
	}
	assert.Equal(t, 1, f.srv.Hits(f.base))
}

func TestDifferentTargetsSerialise(t *testing.T) {
	f := newFixture(t)
	r := f.open(t, registry.Options{})
	release := f.srv.Hold(f.p1)

	first, err := r.RequestProvision(context.Background(), "v", []models.PatchRef{f.base, f.p1})
	require.NoError(t, err)
	second, err := r.RequestProvision(context.Background(), "v", []models.PatchRef{f.base, f.p1, f.p2})
	require.NoError(t, err)
	release()

	v1, err := first.Wait(context.Background())
	require.NoError(t, err)
	v2, err := second.Wait(context.Background())
	require.NoError(t, err)
	assert.Len(t, v1.Chain, 2)
	assert.Len(t, v2.Chain, 3)
	assert.Equal(t, v1.Generation+1, v2.Generation)
}

func TestProvisionFailures(t *testing.T) {
	tests := []struct {
		name      string
		inject    func(f *fixture)
		wantErr   error
		wantState models.VersionState
		wantFatal bool
	}{
		{
			name:      "corrupt download retried",
			inject:    func(f *fixture) { f.srv.CorruptNext(f.p1, 1) },
			wantState: models.VersionReady,
		},
		{
			name:      "persistently corrupt",
			inject:    func(f *fixture) { f.srv.CorruptNext(f.p1, 100) },
			wantErr:   models.ErrCorrupt,
			wantState: models.VersionError,
			wantFatal: true,
		},
		{
			name:      "upstream down",
			inject:    func(f *fixture) { f.srv.FailNext(f.p1, 100) },
			wantErr:   models.ErrUnavailable,
			wantState: models.VersionError,
		},
		{
			name:      "patch withdrawn",
			inject:    func(f *fixture) { f.srv.Remove(f.p1) },
			wantErr:   models.ErrChainUnsatisfiable,
			wantState: models.VersionError,
			wantFatal: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			r := f.open(t, registry.Options{})
			tt.inject(f)

			_, err := provision(t, r, "v", f.base, f.p1)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			} else {
				require.NoError(t, err)
			}
			v, err := r.Get("v")
			require.NoError(t, err)
			assert.Equal(t, tt.wantState, v.State)
			assert.Equal(t, tt.wantFatal, v.Fatal)
			if tt.wantState == models.VersionError {
				assert.NotEmpty(t, v.LastError)
				assert.Len(t, f.events.Events(events.VersionFailed), 1)
			}
		})
	}
}

func TestRetriesAreCounted(t *testing.T) {
	f := newFixture(t)
	r := f.open(t, registry.Options{})
	before := testutil.ToFloat64(registry.CounterProvisionRetries)
	f.srv.FailNext(f.p1, 1)

	_, err := provision(t, r, "v", f.base, f.p1)
	require.NoError(t, err)
	assert.Equal(t, before+1, testutil.ToFloat64(registry.CounterProvisionRetries))
}

func TestWithdrawnPatchIsNotRetried(t *testing.T) {
	f := newFixture(t)
	r := f.open(t, registry.Options{})
	f.srv.Remove(f.p1)

	_, err := provision(t, r, "v", f.base, f.p1)
	require.ErrorIs(t, err, models.ErrChainUnsatisfiable)
	assert.Equal(t, 1, f.srv.Hits(f.p1))
}

func TestErroredExtensionKeepsServing(t *testing.T) {
	f := newFixture(t)
	r := f.open(t, registry.Options{})

	_, err := provision(t, r, "v", f.base)
	require.NoError(t, err)
	f.srv.Remove(f.p1)
	_, err = provision(t, r, "v", f.base, f.p1)
	require.Error(t, err)

	v, err := r.Get("v")
	require.NoError(t, err)
	assert.Equal(t, models.VersionReady, v.State, "a ready version never turns back")
	assert.NotEmpty(t, v.LastError)
	assert.True(t, v.Fatal)
	assert.Len(t, v.Chain, 1)
	assert.Len(t, v.Target, 2)
	assert.Equal(t, "Shard", name(t, r, "v", "Item", 1))
}

func TestExtensionKeepsVersionReady(t *testing.T) {
	f := newFixture(t)
	r := f.open(t, registry.Options{DefaultVersion: "v"})

	_, err := provision(t, r, "v", f.base)
	require.NoError(t, err)
	require.True(t, r.Ready())

	release := f.srv.Hold(f.p1)
	op, err := r.RequestProvision(context.Background(), "v", []models.PatchRef{f.base, f.p1})
	require.NoError(t, err)

	v, err := r.Get("v")
	require.NoError(t, err)
	assert.Equal(t, models.VersionReady, v.State)
	assert.Len(t, v.Chain, 1)
	assert.Len(t, v.Target, 2)
	assert.True(t, r.Ready(), "extending the default version keeps it ready")
	stored, ok := f.storage.GetVersion("v")
	require.True(t, ok)
	assert.Equal(t, models.VersionReady, stored.State)

	release()
	v, err = op.Wait(context.Background())
	require.NoError(t, err)
	assert.Len(t, v.Chain, 2)
	assert.Equal(t, v.Chain, v.Target)
	assert.True(t, r.Ready())
}

func TestConflictingTargetsRejected(t *testing.T) {
	f := newFixture(t)
	r := f.open(t, registry.Options{})

	_, err := provision(t, r, "v", f.base)
	require.NoError(t, err)

	release := f.srv.Hold(f.p1)
	op, err := r.RequestProvision(context.Background(), "v", []models.PatchRef{f.base, f.p1})
	require.NoError(t, err)
	_, err = r.RequestProvision(context.Background(), "v", []models.PatchRef{f.base, f.alt})
	assert.ErrorIs(t, err, models.ErrNotExtension, "diverges from the target in flight")

	// A longer chain through the target in flight is accepted.
	longer, err := r.RequestProvision(context.Background(), "v", []models.PatchRef{f.base, f.p1, f.p2})
	require.NoError(t, err)

	release()
	_, err = op.Wait(context.Background())
	require.NoError(t, err)
	v, err := longer.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, models.VersionReady, v.State)
	assert.False(t, v.Fatal)
	assert.Empty(t, v.LastError)
	assert.Len(t, v.Chain, 3)
	assert.Equal(t, 0, f.srv.Hits(f.alt))

	_, err = r.RequestProvision(context.Background(), "v", []models.PatchRef{f.base, f.alt})
	assert.ErrorIs(t, err, models.ErrNotExtension)
}

func TestReadAsset(t *testing.T) {
	f := newFixture(t)
	r := f.open(t, registry.Options{})
	assets := f.srv.Add(t, "game", 1, "assets",
		format.File{Path: "exd/root.exl", Data: []byte("EXLT,2")},
		format.Texture{Path: "ui/icon.tex", Width: 2, Height: 1, Format: format.PixelGray8, Pixels: []byte{7, 9}},
	)
	v, err := provision(t, r, "", f.base, assets)
	require.NoError(t, err)

	a, err := r.ReadAsset(string(v.Key), "exd/root.exl")
	require.NoError(t, err)
	assert.Equal(t, format.KindFile, a.Kind)
	assert.Equal(t, []byte("EXLT,2"), a.Data)

	a, err = r.ReadAsset(string(v.Key), "ui/icon.tex")
	require.NoError(t, err)
	assert.Equal(t, format.KindTexture, a.Kind)
	assert.Equal(t, []byte{7, 9}, a.Data)
	assert.Equal(t, 2, a.Width)
	assert.Equal(t, 1, a.Height)
	assert.Equal(t, format.PixelGray8, a.Pixels)

	_, err = r.ReadAsset(string(v.Key), "ui/missing.tex")
	assert.ErrorIs(t, err, models.ErrNotFound)
	_, err = r.ReadAsset("nope", "exd/root.exl")
	assert.ErrorIs(t, err, models.ErrUnknownVersion)
}

func TestNames(t *testing.T) {
	f := newFixture(t)
	r := f.open(t, registry.Options{})
	v, err := provision(t, r, "", f.base)
	require.NoError(t, err)

	_, err = r.SetName(models.LatestName, string(v.Key))
	assert.Error(t, err, "latest belongs to the upstream poll")
	_, err = r.SetName("7.0", "missing")
	assert.ErrorIs(t, err, models.ErrUnknownVersion)

	n, err := r.SetName("7.0", string(v.Key))
	require.NoError(t, err)
	assert.Equal(t, v.Key, n.Version)

	got, err := r.Get("7.0")
	require.NoError(t, err)
	assert.Equal(t, v.Key, got.Key)
	assert.Equal(t, []string{"7.0"}, got.Names)

	require.NoError(t, r.RemoveName("7.0"))
	_, err = r.Get("7.0")
	assert.ErrorIs(t, err, models.ErrUnknownVersion)
	assert.Error(t, r.RemoveName(models.LatestName))
	assert.Len(t, f.events.Events(events.NameMoved, events.NameRemoved), 2)
}

func TestPollMovesLatest(t *testing.T) {
	f := newFixture(t)
	r := f.open(t, registry.Options{})
	assert.False(t, r.Ready(), "no default version yet")

	f.upstream["game"] = []models.PatchRef{f.base}
	first, err := r.Poll(context.Background())
	require.NoError(t, err)
	latest, err := r.Get(models.LatestName)
	require.NoError(t, err)
	assert.Equal(t, first.Key, latest.Key)
	assert.True(t, r.Ready())

	f.upstream["game"] = []models.PatchRef{f.base, f.p1}
	second, err := r.Poll(context.Background())
	require.NoError(t, err)
	assert.NotEqual(t, first.Key, second.Key)
	latest, err = r.Get(models.LatestName)
	require.NoError(t, err)
	assert.Equal(t, second.Key, latest.Key)
	assert.Equal(t, 1, f.srv.Hits(f.base), "stored patches are reused")

	list, err := r.List()
	require.NoError(t, err)
	assert.Len(t, list, 2)
}

func TestPollKeepsLatestOnFailure(t *testing.T) {
	f := newFixture(t)
	r := f.open(t, registry.Options{})

	f.upstream["game"] = []models.PatchRef{f.base}
	first, err := r.Poll(context.Background())
	require.NoError(t, err)

	f.srv.FailNext(f.p1, 100)
	f.upstream["game"] = []models.PatchRef{f.base, f.p1}
	_, err = r.Poll(context.Background())
	require.ErrorIs(t, err, models.ErrUnavailable)
	latest, err := r.Get(models.LatestName)
	require.NoError(t, err)
	assert.Equal(t, first.Key, latest.Key)

	// The non-fatal error clears on the next poll.
	f.srv.FailNext(f.p1, 0)
	second, err := r.Poll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, models.VersionReady, second.State)
}

func TestReopen(t *testing.T) {
	f := newFixture(t)
	r := f.open(t, registry.Options{})
	v, err := provision(t, r, "", f.base, f.p1)
	require.NoError(t, err)
	require.NoError(t, r.Close())

	// A version left provisioning by an interrupted run.
	pending := &models.Version{Key: "pending", Target: []models.PatchRef{f.base, f.p1, f.p2}, State: models.VersionProvisioning}
	require.NoError(t, f.storage.SaveVersion(pending))

	hits := f.srv.Hits(f.base)
	r = f.open(t, registry.Options{})
	got, err := r.Get(string(v.Key))
	require.NoError(t, err)
	assert.Equal(t, models.VersionReady, got.State)
	assert.Equal(t, "Ether", name(t, r, string(v.Key), "Item", 3))

	require.Eventually(t, func() bool {
		p, err := r.Get("pending")
		return err == nil && p.State == models.VersionReady
	}, 10*time.Second, 10*time.Millisecond)
	assert.Equal(t, "Fire Shard", name(t, r, "pending", "Item", 1))
	assert.Equal(t, hits, f.srv.Hits(f.base), "stored patches are reused")
}

func TestSearch(t *testing.T) {
	f := newFixture(t)
	r := f.open(t, registry.Options{})
	v, err := provision(t, r, "", f.base, f.p1, f.p2)
	require.NoError(t, err)
	key := string(v.Key)

	_, err = r.Search(context.Background(), key, "", registry.SearchRequest{Query: "Name~Shard"})
	require.ErrorIs(t, err, models.ErrBuildInProgress)

	var res *registry.SearchResult
	require.Eventually(t, func() bool {
		res, err = r.Search(context.Background(), key, "", registry.SearchRequest{Query: "Name~Shard"})
		return err == nil
	}, 10*time.Second, 10*time.Millisecond)
	require.Len(t, res.Documents, 1)
	assert.Equal(t, uint32(1), res.Documents[0].RowID)
	assert.Equal(t, models.IndexReady, res.Index.State)
	assert.Nil(t, res.Next)

	res, err = r.Search(context.Background(), key, "", registry.SearchRequest{Sheets: []string{"Item"}, Limit: 2})
	require.NoError(t, err)
	assert.Len(t, res.Documents, 2)
	require.NotNil(t, res.Next)
	assert.Equal(t, 2, *res.Next)

	res, err = r.Search(context.Background(), key, "", registry.SearchRequest{Sheets: []string{"Item"}, Offset: 2, Limit: 2})
	require.NoError(t, err)
	assert.Len(t, res.Documents, 1)
	assert.Nil(t, res.Next)

	_, err = r.Search(context.Background(), key, "", registry.SearchRequest{Query: "Colour=red"})
	assert.ErrorIs(t, err, models.ErrQueryMismatch)
}

func TestAutoBuildAfterChange(t *testing.T) {
	f := newFixture(t)
	r := f.open(t, registry.Options{AutoBuild: true})

	_, err := provision(t, r, "v", f.base)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(f.events.Events(events.IndexBuilt)) == 1 }, 10*time.Second, 10*time.Millisecond)

	_, err = provision(t, r, "v", f.base, f.p1, f.p2)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(f.events.Events(events.IndexBuilt)) == 2 }, 10*time.Second, 10*time.Millisecond)
	assert.Len(t, f.events.Events(events.IndexStale), 1)

	res, err := r.Search(context.Background(), "v", "", registry.SearchRequest{Query: `Name="Fire Shard"`})
	require.NoError(t, err)
	require.Len(t, res.Documents, 1)
	assert.Equal(t, models.IndexReady, res.Index.State)
}

func TestSchemaChangeKeepsSearchServable(t *testing.T) {
	f := newFixture(t)
	r := f.open(t, registry.Options{})
	ctx := context.Background()

	_, err := provision(t, r, "v", f.base, f.p1, f.p2)
	require.NoError(t, err)
	ticket, err := r.EnsureIndex(ctx, "v", "", false)
	require.NoError(t, err)
	before, err := ticket.Wait(ctx)
	require.NoError(t, err)

	// The default ref moves to a new revision, so the same request maps to
	// an index that does not exist yet.
	f.repo.Commit("action", map[string][]models.Column{"Action": {{Name: "Name", Type: models.ColumnString}}})

	res, err := r.Search(ctx, "v", "", registry.SearchRequest{Query: `Name="Fire Shard"`})
	require.NoError(t, err)
	require.Len(t, res.Documents, 1)
	assert.Equal(t, before.Key, res.Index.Key)
	assert.Equal(t, models.IndexStale, res.Index.State)
	assert.Len(t, f.events.Events(events.IndexStale), 1)

	require.Eventually(t, func() bool {
		res, err = r.Search(ctx, "v", "", registry.SearchRequest{Query: `Name="Fire Shard"`})
		return err == nil && res.Index.Key != before.Key
	}, 10*time.Second, 10*time.Millisecond)
	assert.Equal(t, models.IndexReady, res.Index.State)
	require.Len(t, res.Documents, 1)
}

func TestSchemaSyncMarksIndexesStale(t *testing.T) {
	f := newFixture(t)
	r := f.open(t, registry.Options{})
	ctx := context.Background()

	f.upstream["game"] = []models.PatchRef{f.base, f.p1}
	v, err := r.Poll(ctx)
	require.NoError(t, err)
	ticket, err := r.EnsureIndex(ctx, string(v.Key), "", false)
	require.NoError(t, err)
	_, err = ticket.Wait(ctx)
	require.NoError(t, err)

	f.source.touched.Store(true)
	_, err = r.Poll(ctx)
	require.NoError(t, err)

	list, err := r.Indexes(string(v.Key))
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, models.IndexStale, list[0].State)
	assert.Len(t, f.events.Events(events.IndexStale), 1)

	res, err := r.Search(ctx, string(v.Key), "", registry.SearchRequest{Query: "Name~Ether"})
	require.NoError(t, err, "a stale index keeps answering")
	assert.Len(t, res.Documents, 1)
}

func TestPruneAssets(t *testing.T) {
	f := newFixture(t)
	r := f.open(t, registry.Options{})
	_, err := provision(t, r, "v", f.base)
	require.NoError(t, err)

	// Provisioned behind the registry's back, so nothing references alt.
	snap, err := f.m.Provision(context.Background(), "other", []models.PatchRef{f.base, f.alt})
	require.NoError(t, err)
	snap.Release()

	removed, err := r.PruneAssets()
	require.NoError(t, err)
	assert.Len(t, removed, 1)
	assert.Equal(t, "Shard", name(t, r, "v", "Item", 1))
	assert.Len(t, f.events.Events(events.PatchesPruned), 1)
}
