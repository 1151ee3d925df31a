// Package patch downloads, verifies and keeps the patch files that versions
// are built from.
package patch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/orian/sheetsmith/logger"
	"github.com/orian/sheetsmith/models"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"
)

const tmpDir = ".tmp"

// Options configures a Store.
type Options struct {
	Directory      string
	Concurrency    int
	VerifyAttempts int
	RetryMax       int
	Timeout        time.Duration

	// HTTPClient replaces the underlying transport client, mainly for tests.
	HTTPClient *http.Client
	Logger     *logger.Logger
}

// Handle is a verified patch file on local disk.
type Handle struct {
	Ref  models.PatchRef
	Path string
}

// Store is the verified patch store.
//
// A file is only ever visible at its final path after its size and checksum
// have been verified; partial downloads live under .tmp and are swept on Open.
type Store struct {
	dir            string
	verifyAttempts int
	client         *retryablehttp.Client
	sem            *semaphore.Weighted
	group          singleflight.Group
	log            *logger.Logger

	// pruneMu keeps Prune from racing a download being moved into place.
	pruneMu sync.RWMutex

	mu     sync.Mutex
	states map[string]patchEntry
}

type patchEntry struct {
	ref   models.PatchRef
	state models.PatchState
}

// Open prepares the store directory and removes leftovers of interrupted
// downloads.
func Open(opts Options) (*Store, error) {
	if opts.Directory == "" {
		return nil, errors.New("patch store needs a directory")
	}
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	if opts.VerifyAttempts < 1 {
		opts.VerifyAttempts = 1
	}
	if opts.Logger == nil {
		opts.Logger = logger.Nop()
	}

	tmp := filepath.Join(opts.Directory, tmpDir)
	if err := os.RemoveAll(tmp); err != nil {
		return nil, fmt.Errorf("sweep temporary downloads: %w", err)
	}
	if err := os.MkdirAll(tmp, 0o755); err != nil {
		return nil, fmt.Errorf("create patch directory: %w", err)
	}

	client := retryablehttp.NewClient()
	client.RetryMax = opts.RetryMax
	client.RetryWaitMin = 200 * time.Millisecond
	client.RetryWaitMax = 5 * time.Second
	client.Logger = opts.Logger
	if opts.HTTPClient != nil {
		client.HTTPClient = opts.HTTPClient
	}
	if opts.Timeout > 0 {
		client.HTTPClient.Timeout = opts.Timeout
	}

	return &Store{
		dir:            opts.Directory,
		verifyAttempts: opts.VerifyAttempts,
		client:         client,
		sem:            semaphore.NewWeighted(int64(opts.Concurrency)),
		log:            opts.Logger.With("component", "patch"),
		states:         make(map[string]patchEntry),
	}, nil
}

// Path is where the verified file for ref lives.
func (s *Store) Path(ref models.PatchRef) string {
	return filepath.Join(s.dir, ref.Repository, fmt.Sprintf("%06d-%s.patch", ref.Sequence, ref.Name))
}

// Ensure returns a handle to a verified local copy of ref, downloading it if
// needed. Concurrent calls for the same patch share one download.
func (s *Store) Ensure(ctx context.Context, ref models.PatchRef) (*Handle, error) {
	path := s.Path(ref)
	if s.present(ref, path) {
		s.setStateIfUnset(ref, models.PatchVerified)
		return &Handle{Ref: ref, Path: path}, nil
	}

	ch := s.group.DoChan(ref.ID(), func() (interface{}, error) {
		if s.present(ref, path) {
			return nil, nil
		}
		if len(ref.URLs) == 0 {
			s.setState(ref, models.PatchFailed)
			return nil, fmt.Errorf("%w: %s is not stored and has no source URL", models.ErrChainUnsatisfiable, ref.ID())
		}
		if err := s.sem.Acquire(ctx, 1); err != nil {
			return nil, err
		}
		defer s.sem.Release(1)

		s.setState(ref, models.PatchDownloading)
		err := s.download(ctx, ref, path)
		if err != nil {
			s.setState(ref, models.PatchFailed)
			return nil, err
		}
		s.setState(ref, models.PatchVerified)
		return nil, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			// The shared download belonged to a caller that gave up.
			if errors.Is(res.Err, context.Canceled) && ctx.Err() == nil {
				return s.Ensure(ctx, ref)
			}
			return nil, res.Err
		}
	}
	return &Handle{Ref: ref, Path: path}, nil
}

func (s *Store) present(ref models.PatchRef, path string) bool {
	st, err := os.Stat(path)
	if err != nil {
		return false
	}
	return ref.Size <= 0 || st.Size() == ref.Size
}

// download tries the ref's URLs in order. A checksum mismatch moves on to the
// next URL and counts against the verify budget; an unavailable URL does not.
func (s *Store) download(ctx context.Context, ref models.PatchRef, path string) error {
	var lastErr error
	corrupt := 0
	for {
		unavailable, missing := 0, 0
		for _, url := range ref.URLs {
			err := s.fetch(ctx, ref, url, path)
			switch {
			case err == nil:
				CounterDownloads.WithLabelValues("ok").Inc()
				return nil
			case errors.Is(err, models.ErrCorrupt):
				CounterDownloads.WithLabelValues("corrupt").Inc()
				corrupt++
				lastErr = err
				s.log.Warn("patch failed verification", "patch", ref.ID(), "url", url, "attempt", corrupt)
				if corrupt >= s.verifyAttempts {
					return lastErr
				}
			case errors.Is(err, models.ErrChainUnsatisfiable):
				CounterDownloads.WithLabelValues("missing").Inc()
				missing++
				lastErr = err
			case errors.Is(err, models.ErrUnavailable):
				CounterDownloads.WithLabelValues("unavailable").Inc()
				unavailable++
				lastErr = err
				s.log.Warn("patch source unavailable", "patch", ref.ID(), "url", url, "error", err)
			default:
				return err
			}
		}
		if missing == len(ref.URLs) {
			return lastErr
		}
		if unavailable+missing == len(ref.URLs) {
			return fmt.Errorf("%w: no source for %s responded", models.ErrUnavailable, ref.ID())
		}
	}
}

func (s *Store) fetch(ctx context.Context, ref models.PatchRef, url, path string) error {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("%w: bad url %q: %v", models.ErrChainUnsatisfiable, url, err)
	}

	start := time.Now()
	resp, err := s.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: get %s: %v", models.ErrUnavailable, url, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return fmt.Errorf("%w: %s returned %s", models.ErrChainUnsatisfiable, url, resp.Status)
	case resp.StatusCode != http.StatusOK:
		return fmt.Errorf("%w: %s returned %s", models.ErrUnavailable, url, resp.Status)
	}

	tmp, err := os.CreateTemp(filepath.Join(s.dir, tmpDir), "dl-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	n, sum, err := copyHashed(tmp, resp.Body, ref.Size)
	if err != nil {
		tmp.Close()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: read %s: %v", models.ErrUnavailable, url, err)
	}
	if err := verify(ref, n, sum); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	s.pruneMu.RLock()
	defer s.pruneMu.RUnlock()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("move %s into place: %w", ref.ID(), err)
	}

	CounterDownloadBytes.Add(float64(n))
	s.log.Info("patch downloaded",
		"patch", ref.ID(),
		"size", humanize.IBytes(uint64(n)),
		"took", time.Since(start).Round(time.Millisecond),
	)
	return nil
}

// copyHashed streams src to dst, stopping one byte past limit so oversized
// bodies are detected without reading them fully.
func copyHashed(dst io.Writer, src io.Reader, limit int64) (int64, []byte, error) {
	h := sha256.New()
	if limit > 0 {
		src = io.LimitReader(src, limit+1)
	}
	n, err := io.Copy(io.MultiWriter(dst, h), src)
	return n, h.Sum(nil), err
}

func verify(ref models.PatchRef, n int64, sum []byte) error {
	if ref.Size > 0 && n != ref.Size {
		return fmt.Errorf("%w: %s has %s, expected %s", models.ErrCorrupt, ref.ID(),
			humanize.IBytes(uint64(n)), humanize.IBytes(uint64(ref.Size)))
	}
	if ref.Checksum != "" && !strings.EqualFold(hex.EncodeToString(sum), ref.Checksum) {
		return fmt.Errorf("%w: %s checksum mismatch", models.ErrCorrupt, ref.ID())
	}
	return nil
}

// State reports the lifecycle state of ref in this store.
func (s *Store) State(ref models.PatchRef) models.PatchState {
	s.mu.Lock()
	e, ok := s.states[ref.ID()]
	s.mu.Unlock()
	if ok {
		return e.state
	}
	if s.present(ref, s.Path(ref)) {
		return models.PatchVerified
	}
	return models.PatchPending
}

// MarkApplied records that ref has been applied to at least one version.
func (s *Store) MarkApplied(ref models.PatchRef) {
	s.setState(ref, models.PatchApplied)
}

func (s *Store) setState(ref models.PatchRef, st models.PatchState) {
	s.mu.Lock()
	s.states[ref.ID()] = patchEntry{ref: ref, state: st}
	s.mu.Unlock()
}

func (s *Store) setStateIfUnset(ref models.PatchRef, st models.PatchState) {
	s.mu.Lock()
	if _, ok := s.states[ref.ID()]; !ok {
		s.states[ref.ID()] = patchEntry{ref: ref, state: st}
	}
	s.mu.Unlock()
}

// Prune deletes verified patches that are not in referenced and returns the
// IDs of the files removed.
func (s *Store) Prune(referenced []models.PatchRef) ([]string, error) {
	s.pruneMu.Lock()
	defer s.pruneMu.Unlock()

	keep := make(map[string]struct{}, len(referenced))
	for _, ref := range referenced {
		keep[s.Path(ref)] = struct{}{}
	}

	var removed []string
	gone := make(map[string]struct{})
	var freed int64
	err := filepath.WalkDir(s.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if d.Name() == tmpDir {
				return filepath.SkipDir
			}
			return nil
		}
		if !strings.HasSuffix(path, ".patch") {
			return nil
		}
		if _, ok := keep[path]; ok {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		if err := os.Remove(path); err != nil {
			return err
		}
		gone[path] = struct{}{}
		rel, _ := filepath.Rel(s.dir, path)
		removed = append(removed, filepath.ToSlash(rel))
		freed += info.Size()
		return nil
	})
	if err != nil {
		return removed, fmt.Errorf("prune patches: %w", err)
	}

	s.mu.Lock()
	for id, e := range s.states {
		if _, ok := gone[s.Path(e.ref)]; ok {
			delete(s.states, id)
		}
	}
	s.mu.Unlock()

	if len(removed) > 0 {
		s.log.Info("pruned patches", "count", len(removed), "freed", humanize.IBytes(uint64(freed)))
	}
	return removed, nil
}
