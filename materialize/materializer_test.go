package materialize

import (
	"context"
	"errors"
	"image/color"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/orian/sheetsmith/format"
	"github.com/orian/sheetsmith/models"
	"github.com/orian/sheetsmith/patch"
	"github.com/orian/sheetsmith/patch/patchtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countingFetcher wraps a patch store, counts applications and can inject
// failures.
type countingFetcher struct {
	*patch.Store

	mu      sync.Mutex
	applied map[string]int
	failing map[string]error
}

func (f *countingFetcher) Ensure(ctx context.Context, ref models.PatchRef) (*patch.Handle, error) {
	f.mu.Lock()
	err := f.failing[ref.ID()]
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return f.Store.Ensure(ctx, ref)
}

func (f *countingFetcher) MarkApplied(ref models.PatchRef) {
	f.mu.Lock()
	f.applied[ref.ID()]++
	f.mu.Unlock()
	f.Store.MarkApplied(ref)
}

func (f *countingFetcher) fail(ref models.PatchRef, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.failing, ref.ID())
		return
	}
	f.failing[ref.ID()] = err
}

func (f *countingFetcher) count(ref models.PatchRef) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.applied[ref.ID()]
}

type fixture struct {
	srv     *patchtest.Server
	fetcher *countingFetcher
	m       *Materializer
	dir     string
	a, b, c models.PatchRef
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	srv := patchtest.NewServer(t)
	store, err := patch.Open(patch.Options{
		Directory:      filepath.Join(t.TempDir(), "patches"),
		Concurrency:    2,
		VerifyAttempts: 1,
		HTTPClient:     &http.Client{},
	})
	require.NoError(t, err)

	f := &fixture{
		srv:     srv,
		fetcher: &countingFetcher{Store: store, applied: map[string]int{}, failing: map[string]error{}},
		dir:     filepath.Join(t.TempDir(), "versions"),
	}
	f.m = f.open(t)

	f.a = srv.Add(t, "game", 0, "A",
		format.SheetHeader{Sheet: "Item", Columns: []format.FieldKind{format.FieldString, format.FieldUint32}},
		format.Row{Sheet: "Item", ID: 1, Fields: []format.Value{format.String("Potion"), format.Uint32(10)}},
		format.Row{Sheet: "Item", ID: 2, Fields: []format.Value{format.String("Shard"), format.Uint32(1)}},
		format.File{Path: "exd/root.exl", Data: []byte("v1")},
	)
	f.b = srv.Add(t, "game", 1, "B",
		format.Row{Sheet: "Item", ID: 2, Fields: []format.Value{format.String("Fire Shard"), format.Uint32(2)}},
		format.Delete{Sheet: "Item", ID: 1},
		format.Texture{Path: "ui/icon.tex", Width: 1, Height: 1, Format: format.PixelRGBA8, Pixels: []byte{1, 2, 3, 255}},
	)
	f.c = srv.Add(t, "game", 2, "C",
		format.SheetHeader{Sheet: "Action", Columns: []format.FieldKind{format.FieldString}},
		format.Row{Sheet: "Action", ID: 7, Fields: []format.Value{format.String("Fire")}},
		format.File{Path: "exd/root.exl", Data: []byte("v3")},
	)
	return f
}

func (f *fixture) open(t *testing.T) *Materializer {
	t.Helper()
	m, err := New(Options{Directory: f.dir, Prefetch: 2, LockTimeout: time.Second}, f.fetcher)
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })
	return m
}

func provision(t *testing.T, m *Materializer, key models.VersionKey, chain ...models.PatchRef) *Snapshot {
	t.Helper()
	snap, err := m.Provision(context.Background(), key, chain)
	require.NoError(t, err)
	t.Cleanup(snap.Release)
	return snap
}

func digest(t *testing.T, s *Snapshot) string {
	t.Helper()
	d, err := s.Digest()
	require.NoError(t, err)
	return d
}

func TestProvisionAndRead(t *testing.T) {
	f := newFixture(t)
	snap := provision(t, f.m, "v1", f.a, f.b)

	assert.Equal(t, uint64(1), snap.Generation)
	assert.True(t, models.SameChain([]models.PatchRef{f.a, f.b}, snap.Chain))

	sheets, err := snap.Sheets()
	require.NoError(t, err)
	assert.Equal(t, []string{"Item"}, sheets)

	row, err := snap.Row("Item", 2)
	require.NoError(t, err)
	assert.Equal(t, []format.Value{format.String("Fire Shard"), format.Uint32(2)}, row)

	_, err = snap.Row("Item", 1)
	assert.ErrorIs(t, err, models.ErrNotFound, "deleted by B")
	_, err = snap.Row("Nope", 1)
	assert.ErrorIs(t, err, models.ErrUnknownSheet)

	data, err := snap.File("exd/root.exl")
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), data)

	tex, err := snap.Texture("ui/icon.tex")
	require.NoError(t, err)
	assert.Equal(t, color.NRGBA{R: 1, G: 2, B: 3, A: 255}, tex.Image().At(0, 0))

	_, err = snap.Texture("ui/missing.tex")
	assert.ErrorIs(t, err, models.ErrNotFound)

	var ids []uint32
	require.NoError(t, snap.Rows("Item", 0, func(id uint32, _ []format.Value) error {
		ids = append(ids, id)
		return nil
	}))
	assert.Equal(t, []uint32{2}, ids)
}

func TestIncrementalMatchesStraight(t *testing.T) {
	f := newFixture(t)

	provision(t, f.m, "inc", f.a)
	provision(t, f.m, "inc", f.a, f.b)
	inc := provision(t, f.m, "inc", f.a, f.b, f.c)
	straight := provision(t, f.m, "straight", f.a, f.b, f.c)

	assert.Equal(t, digest(t, straight), digest(t, inc))
	assert.Equal(t, uint64(3), inc.Generation)
	assert.Equal(t, uint64(1), straight.Generation)

	// Each patch applied once per version, downloaded once overall.
	for _, ref := range []models.PatchRef{f.a, f.b, f.c} {
		assert.Equal(t, 2, f.fetcher.count(ref), ref.ID())
		assert.Equal(t, 1, f.srv.Hits(ref), ref.ID())
	}
}

func TestProvisionSameChainIsNoop(t *testing.T) {
	f := newFixture(t)
	first := provision(t, f.m, "v1", f.a, f.b)
	again := provision(t, f.m, "v1", f.a, f.b)

	assert.Equal(t, first.Generation, again.Generation)
	assert.Equal(t, 1, f.fetcher.count(f.a))
}

func TestProvisionRejectsRewrite(t *testing.T) {
	f := newFixture(t)
	provision(t, f.m, "v1", f.a, f.b)

	_, err := f.m.Provision(context.Background(), "v1", []models.PatchRef{f.a})
	assert.ErrorIs(t, err, models.ErrNotExtension)

	other := f.b
	other.Checksum = "00"
	_, err = f.m.Provision(context.Background(), "v1", []models.PatchRef{f.a, other, f.c})
	assert.ErrorIs(t, err, models.ErrNotExtension)

	_, err = f.m.Provision(context.Background(), "v1", []models.PatchRef{f.a, f.c})
	assert.ErrorIs(t, err, models.ErrChainUnsatisfiable, "sequence gap")
}

func TestHeldSnapshotIsStable(t *testing.T) {
	f := newFixture(t)
	provision(t, f.m, "v1", f.a).Release()

	held, err := f.m.Acquire("v1")
	require.NoError(t, err)
	before := digest(t, held)

	next := provision(t, f.m, "v1", f.a, f.b, f.c)
	assert.Equal(t, uint64(2), next.Generation)

	assert.Equal(t, before, digest(t, held), "held snapshot unchanged by provisioning")
	row, err := held.Row("Item", 1)
	require.NoError(t, err)
	assert.Equal(t, format.String("Potion"), row[0])

	oldDir := genDir(f.m.Location("v1"), 1)
	assert.DirExists(t, oldDir)
	held.Release()
	assert.NoDirExists(t, oldDir, "retired generation removed after last release")
}

func TestResumeAfterFailure(t *testing.T) {
	f := newFixture(t)
	f.fetcher.fail(f.c, models.ErrUnavailable)

	_, err := f.m.Provision(context.Background(), "v1", []models.PatchRef{f.a, f.b, f.c})
	require.ErrorIs(t, err, models.ErrUnavailable)

	_, err = f.m.Acquire("v1")
	assert.ErrorIs(t, err, models.ErrNotReady, "nothing published after a failure")

	f.fetcher.fail(f.c, nil)
	snap := provision(t, f.m, "v1", f.a, f.b, f.c)
	assert.Len(t, snap.Chain, 3)

	assert.Equal(t, 1, f.fetcher.count(f.a), "committed patches are not re-applied")
	assert.Equal(t, 1, f.fetcher.count(f.b))
	assert.Equal(t, 1, f.fetcher.count(f.c))
}

func TestDecodeFailure(t *testing.T) {
	f := newFixture(t)
	bad := f.srv.AddRaw("game", 1, "BAD", []byte("SSPT\x00\x01garbage that is not a chunk"))

	_, err := f.m.Provision(context.Background(), "v1", []models.PatchRef{f.a, bad})
	assert.ErrorIs(t, err, models.ErrPatchVerificationFailed)
}

func TestProvisionCancelled(t *testing.T) {
	f := newFixture(t)
	provision(t, f.m, "v1", f.a)
	release := f.srv.Hold(f.b)
	defer release()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := f.m.Provision(ctx, "v1", []models.PatchRef{f.a, f.b, f.c})
		done <- err
	}()
	require.Eventually(t, func() bool { return f.srv.Hits(f.b) > 0 }, time.Second, time.Millisecond)
	cancel()

	err := <-done
	assert.True(t, errors.Is(err, context.Canceled), "got %v", err)

	gen, chain, err := f.m.Published("v1")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), gen)
	assert.Len(t, chain, 1)
}

func TestSeed(t *testing.T) {
	f := newFixture(t)
	base := provision(t, f.m, "base", f.a, f.b)

	require.NoError(t, f.m.Seed(context.Background(), "next", "base"))
	next := provision(t, f.m, "next", f.a, f.b, f.c)

	assert.Equal(t, 1, f.fetcher.count(f.a), "seeded patches not re-applied")
	assert.Equal(t, 1, f.fetcher.count(f.c))

	straight := provision(t, f.m, "straight", f.a, f.b, f.c)
	assert.Equal(t, digest(t, straight), digest(t, next))
	assert.NotEqual(t, digest(t, base), digest(t, next))
}

func TestRecoverInterruptedPublish(t *testing.T) {
	f := newFixture(t)
	provision(t, f.m, "v1", f.a).Release()
	require.NoError(t, f.m.Close())

	vdir := filepath.Join(f.dir, "v1")
	raw, err := os.ReadFile(dataPath(genDir(vdir, 1)))
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(genDir(vdir, 2), 0o755))
	require.NoError(t, os.WriteFile(dataPath(genDir(vdir, 2)), raw, 0o644))

	m := f.open(t)
	snap, err := m.Acquire("v1")
	require.NoError(t, err)
	defer snap.Release()
	assert.Equal(t, uint64(2), snap.Generation)

	gen, _, err := m.Published("v1")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), gen)
	assert.NoDirExists(t, genDir(vdir, 1))
}
