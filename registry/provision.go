package registry

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/orian/sheetsmith/events"
	"github.com/orian/sheetsmith/materialize"
	"github.com/orian/sheetsmith/models"
	"github.com/orian/sheetsmith/search"
	"golang.org/x/sync/semaphore"
)

// keyMutex serialises work per version key. Waiting honours the context.
type keyMutex struct {
	mu    sync.Mutex
	locks map[models.VersionKey]*semaphore.Weighted
}

func newKeyMutex() *keyMutex {
	return &keyMutex{locks: make(map[models.VersionKey]*semaphore.Weighted)}
}

func (k *keyMutex) sem(key models.VersionKey) *semaphore.Weighted {
	k.mu.Lock()
	defer k.mu.Unlock()
	s, ok := k.locks[key]
	if !ok {
		s = semaphore.NewWeighted(1)
		k.locks[key] = s
	}
	return s
}

func (k *keyMutex) Lock(ctx context.Context, key models.VersionKey) error {
	return k.sem(key).Acquire(ctx, 1)
}

func (k *keyMutex) Unlock(key models.VersionKey) {
	k.sem(key).Release(1)
}

// Operation follows one provisioning request.
type Operation struct {
	Key    models.VersionKey
	Target []models.PatchRef

	done    chan struct{}
	version *models.Version
	err     error
}

func newOperation(key models.VersionKey, target []models.PatchRef) *Operation {
	return &Operation{Key: key, Target: target, done: make(chan struct{})}
}

// Finished returns an operation that already completed with v and err.
func Finished(v *models.Version, err error) *Operation {
	op := newOperation(v.Key, v.Target)
	op.finish(v, err)
	return op
}

func (o *Operation) finish(v *models.Version, err error) {
	o.version, o.err = v, err
	close(o.done)
}

// Done is closed once the operation finished.
func (o *Operation) Done() <-chan struct{} { return o.done }

// Wait returns the version record as of the end of the operation.
func (o *Operation) Wait(ctx context.Context) (*models.Version, error) {
	select {
	case <-o.done:
		if o.version != nil {
			return clone(o.version), o.err
		}
		return nil, o.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// inflight is the longest target accepted for a key whose operations have
// not finished yet.
type inflight struct {
	target []models.PatchRef
	ops    int
}

// RequestProvision asks for version key to reach chain. An empty key is
// derived from the chain. The work runs in the background; identical
// requests in flight share one operation, different targets for the same key
// run one after another. A chain that diverges from the published chain or
// from a target still in flight is rejected with ErrNotExtension.
//
// A version that is ready stays ready while it is extended; Target records
// the chain it is heading for.
func (r *Registry) RequestProvision(ctx context.Context, key models.VersionKey, chain []models.PatchRef) (*Operation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(chain) == 0 {
		return nil, fmt.Errorf("%w: empty chain", models.ErrChainUnsatisfiable)
	}
	if err := models.ValidateChain(chain); err != nil {
		return nil, err
	}
	if key == "" {
		key = models.KeyForChain(chain)
	}
	chain = slices.Clone(chain)

	if cur, ok := r.lookup(key); ok {
		if cur.Generation > 0 && models.IsExtension(chain, cur.Chain) {
			return Finished(cur, nil), nil
		}
		if !models.IsExtension(cur.Chain, chain) {
			return nil, fmt.Errorf("%w: %s has %d applied patches", models.ErrNotExtension, key, len(cur.Chain))
		}
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrClosed
	}
	f, ok := r.inflight[key]
	if ok && !models.IsExtension(f.target, chain) && !models.IsExtension(chain, f.target) {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %s is being provisioned to a different chain of %d patches",
			models.ErrNotExtension, key, len(f.target))
	}
	if !ok {
		f = &inflight{}
		r.inflight[key] = f
	}
	if len(chain) > len(f.target) {
		f.target = chain
	}
	f.ops++
	r.wg.Add(1)
	r.mu.Unlock()

	r.update(key, func(v *models.Version) {
		if v.Generation == 0 {
			v.State = models.VersionProvisioning
		}
		v.Target = slices.Clone(f.target)
		v.LastError = ""
		v.Fatal = false
	})
	op := newOperation(key, chain)
	id := string(key) + "/" + string(models.KeyForChain(chain))
	ch := r.flight.DoChan(id, func() (interface{}, error) {
		return r.provision(key, chain)
	})
	go func() {
		defer r.wg.Done()
		res := <-ch
		r.mu.Lock()
		if f.ops--; f.ops == 0 && r.inflight[key] == f {
			delete(r.inflight, key)
		}
		r.mu.Unlock()
		v, _ := res.Val.(*models.Version)
		op.finish(v, res.Err)
	}()
	return op, nil
}

func (r *Registry) provision(key models.VersionKey, target []models.PatchRef) (*models.Version, error) {
	if err := r.locks.Lock(r.ctx, key); err != nil {
		return nil, err
	}
	defer r.locks.Unlock(key)

	// An operation that ran before this one may already have published
	// target or more, or a chain target no longer extends.
	if cur, ok := r.lookup(key); ok && cur.Generation > 0 {
		if models.IsExtension(target, cur.Chain) {
			return cur, nil
		}
		if !models.IsExtension(cur.Chain, target) {
			return nil, fmt.Errorf("%w: %s has %d applied patches", models.ErrNotExtension, key, len(cur.Chain))
		}
	}

	start := time.Now()
	v := r.update(key, func(v *models.Version) {
		if v.Generation == 0 {
			v.State = models.VersionProvisioning
		}
		v.Target = r.targetLocked(key, target)
		v.LastError = ""
		v.Fatal = false
	})
	r.log.Info("provisioning", "version", key, "patches", len(target), "applied", len(v.Chain))
	r.emit(events.New(events.ProvisionRequested, key, "", fmt.Sprintf("%d patches", len(target))))
	if v.Generation == 0 {
		r.seed(key, target)
	}

	snap, err := r.provisionWithRetries(key, target)
	if err != nil {
		return nil, r.fail(key, err, start)
	}
	defer snap.Release()

	changed := snap.Generation != v.Generation
	v = r.update(key, func(v *models.Version) {
		v.Chain = slices.Clone(snap.Chain)
		v.Target = r.targetLocked(key, snap.Chain)
		v.Generation = snap.Generation
		v.State = models.VersionReady
		v.LastError = ""
		v.Fatal = false
		v.LastVerified = time.Now().UTC()
	})
	CounterProvisions.WithLabelValues("ready").Inc()
	r.log.Info("version ready", "version", key, "generation", v.Generation, "game_version", v.GameVersion(),
		"duration", time.Since(start))
	ev := events.New(events.VersionReady, key, v.GameVersion(), fmt.Sprintf("%d patches", len(v.Chain)))
	ev.Duration = time.Since(start)
	r.emit(ev)

	if changed {
		r.invalidate(key)
		if r.opts.AutoBuild {
			r.autoBuild(v)
		}
	}
	return v, nil
}

// targetLocked returns the chain key is heading for once reached is
// published: the longest target still in flight when it extends reached.
func (r *Registry) targetLocked(key models.VersionKey, reached []models.PatchRef) []models.PatchRef {
	if f, ok := r.inflight[key]; ok && len(f.target) > len(reached) && models.IsExtension(reached, f.target) {
		return slices.Clone(f.target)
	}
	return slices.Clone(reached)
}

func retryable(err error) bool {
	return models.Retryable(err) || errors.Is(err, models.ErrPatchVerificationFailed)
}

func (r *Registry) provisionWithRetries(key models.VersionKey, target []models.PatchRef) (*materialize.Snapshot, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.opts.RetryInterval
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(r.opts.ProvisionRetries)), r.ctx)

	var snap *materialize.Snapshot
	err := backoff.RetryNotify(func() error {
		s, err := r.deps.Versions.Provision(r.ctx, key, target)
		if err != nil {
			if retryable(err) {
				return err
			}
			return backoff.Permanent(err)
		}
		snap = s
		return nil
	}, policy, func(err error, next time.Duration) {
		CounterProvisionRetries.Inc()
		r.log.Warn("provisioning failed, retrying", "version", key, "in", next, "error", err)
	})
	return snap, err
}

// fail records a provisioning failure. Verification failures that persisted
// through every retry and structural chain errors are fatal: only an
// explicit request retries them. An interrupted run keeps its provisioning
// state so the next Open resumes it.
//
// A version with published data stays ready and carries the failure as an
// annotation; only a version that never became ready turns to error.
func (r *Registry) fail(key models.VersionKey, err error, start time.Time) error {
	if r.ctx.Err() != nil && errors.Is(err, context.Canceled) {
		r.log.Info("provisioning interrupted", "version", key)
		return err
	}
	fatal := !errors.Is(err, models.ErrUnavailable) &&
		(models.Fatal(err) || errors.Is(err, models.ErrCorrupt) || errors.Is(err, models.ErrPatchVerificationFailed))
	r.update(key, func(v *models.Version) {
		if v.Generation == 0 {
			v.State = models.VersionError
		}
		v.LastError = err.Error()
		v.Fatal = fatal
	})
	CounterProvisions.WithLabelValues("error").Inc()
	r.log.Error("provisioning failed", "version", key, "fatal", fatal, "error", err)
	ev := events.New(events.VersionFailed, key, "", err.Error())
	ev.Duration = time.Since(start)
	r.emit(ev)
	return err
}

// seed copies the newest ready version whose chain is a prefix of target, so
// a new version only applies the patches that differ.
func (r *Registry) seed(key models.VersionKey, target []models.PatchRef) {
	r.mu.Lock()
	var from *models.Version
	for _, v := range r.versions {
		if v.Key == key || v.State != models.VersionReady || v.Generation == 0 {
			continue
		}
		if !models.IsExtension(v.Chain, target) {
			continue
		}
		if from == nil || len(v.Chain) > len(from.Chain) {
			from = v
		}
	}
	r.mu.Unlock()
	if from == nil {
		return
	}
	if err := r.deps.Versions.Seed(r.ctx, key, from.Key); err != nil {
		r.log.Warn("seeding failed, provisioning from scratch", "version", key, "from", from.Key, "error", err)
	}
}

// invalidate drops everything derived from an older generation of key.
func (r *Registry) invalidate(key models.VersionKey) {
	n := r.pages.RemoveFunc(func(k pageKey) bool { return k.version == key })
	r.deps.Indexes.Invalidate(key)
	r.log.Debug("version data changed", "version", key, "pages_dropped", n)
	for _, idx := range r.deps.Indexes.List(key) {
		if idx.State == models.IndexStale {
			r.emit(events.New(events.IndexStale, key, idx.Key.Schema, ""))
		}
	}
}

// autoBuild rebuilds the default schema's index of v in the background.
func (r *Registry) autoBuild(v *models.Version) {
	canonical, err := r.deps.Schemas.Canonicalize(r.ctx, r.opts.DefaultSchema, v)
	if err != nil {
		r.log.Warn("no default schema for index build", "version", v.Key, "error", err)
		return
	}
	ticket, err := r.deps.Indexes.Rebuild(r.ctx, v.Key, canonical.String())
	if err != nil {
		r.log.Warn("index build not started", "version", v.Key, "error", err)
		return
	}
	r.watch(ticket)
}

// watch reports the outcome of an index build as an event.
func (r *Registry) watch(ticket *search.Ticket) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.wg.Add(1)
	r.mu.Unlock()
	go func() {
		defer r.wg.Done()
		idx, err := ticket.Wait(r.ctx)
		switch {
		case r.ctx.Err() != nil:
		case err != nil:
			r.emit(events.New(events.IndexFailed, idx.Key.Version, idx.Key.Schema, err.Error()))
		default:
			r.emit(events.New(events.IndexBuilt, idx.Key.Version, idx.Key.Schema, fmt.Sprintf("%d rows", idx.Rows)))
		}
	}()
}
