package registry

import (
	"context"
	"errors"
	"time"

	"github.com/orian/sheetsmith/events"
	"github.com/orian/sheetsmith/models"
	"github.com/orian/sheetsmith/patch"
	"golang.org/x/sync/errgroup"
)

// Poll reads the upstream patch lists, provisions the resulting chain and
// moves latest to it once it is ready. Schema sources are synced alongside;
// a failed sync is logged and does not fail the poll.
func (r *Registry) Poll(ctx context.Context) (*models.Version, error) {
	if r.deps.Upstream == nil {
		return nil, errors.New("no upstream configured")
	}
	var chain []models.PatchRef
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		c, err := patch.ChainFor(gctx, r.deps.Upstream, r.opts.Repositories)
		chain = c
		return err
	})
	g.Go(func() error {
		changed, err := r.deps.Schemas.Sync(gctx)
		if err != nil {
			r.log.Warn("schema sync failed", "error", err)
		}
		r.schemasChanged(changed)
		return nil
	})
	if err := g.Wait(); err != nil {
		CounterPolls.WithLabelValues("error").Inc()
		return nil, err
	}

	r.retryErrored(ctx)

	op, err := r.RequestProvision(ctx, "", chain)
	if err != nil {
		CounterPolls.WithLabelValues("error").Inc()
		return nil, err
	}
	v, err := op.Wait(ctx)
	if err != nil {
		CounterPolls.WithLabelValues("error").Inc()
		return nil, err
	}
	if err := r.moveLatest(v.Key); err != nil {
		CounterPolls.WithLabelValues("error").Inc()
		return nil, err
	}
	CounterPolls.WithLabelValues("ok").Inc()
	return v, nil
}

// schemasChanged marks the indexes resolved against the changed sources
// stale. They keep answering searches until an index at the new revision is
// built; with AutoBuild that build starts here.
func (r *Registry) schemasChanged(sources []string) {
	rebuild := map[models.VersionKey]bool{}
	for _, source := range sources {
		for _, key := range r.deps.Indexes.InvalidateSource(source) {
			r.emit(events.New(events.IndexStale, key.Version, key.Schema, "schema source changed"))
			rebuild[key.Version] = true
		}
	}
	if !r.opts.AutoBuild {
		return
	}
	for key := range rebuild {
		if v, ok := r.lookup(key); ok && v.Generation > 0 {
			r.autoBuild(v)
		}
	}
}

// retryErrored re-requests versions whose last failure was not fatal. That
// covers ready versions whose extension failed.
func (r *Registry) retryErrored(ctx context.Context) {
	r.mu.Lock()
	var retry []*models.Version
	for _, v := range r.versions {
		if v.LastError != "" && !v.Fatal && len(v.Target) > len(v.Chain) {
			retry = append(retry, clone(v))
		}
	}
	r.mu.Unlock()
	for _, v := range retry {
		r.log.Info("retrying errored version", "version", v.Key)
		if _, err := r.RequestProvision(ctx, v.Key, v.Target); err != nil {
			r.log.Warn("retry not started", "version", v.Key, "error", err)
		}
	}
}

// Run polls immediately and then every PollInterval until ctx is done.
func (r *Registry) Run(ctx context.Context) {
	ticker := time.NewTicker(r.opts.PollInterval)
	defer ticker.Stop()
	for {
		start := time.Now()
		if v, err := r.Poll(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			r.log.Warn("upstream poll failed", "error", err)
		} else {
			r.log.Info("upstream poll finished", "latest", v.Key, "game_version", v.GameVersion(), "elapsed", time.Since(start))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
