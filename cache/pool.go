package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	_ "github.com/mattn/go-sqlite3"
	"golang.org/x/sync/semaphore"
)

// Pool shares read-only sqlite handles to index files and bounds the number
// of concurrent queries. Callers over the bound wait for a slot instead of
// failing.
type Pool struct {
	sem *semaphore.Weighted

	mu      sync.Mutex
	handles *lru.Cache[string, *handle]
	closed  bool
}

type handle struct {
	path      string
	db        *sql.DB
	borrowers int
	evicted   bool
	retired   bool
}

// Conn is a borrowed handle. Release must be called exactly once.
type Conn struct {
	pool *Pool
	h    *handle
	once sync.Once
}

// NewPool keeps at most maxHandles files open and runs at most concurrency
// queries at a time.
func NewPool(maxHandles, concurrency int) (*Pool, error) {
	if concurrency < 1 {
		concurrency = 1
	}
	p := &Pool{sem: semaphore.NewWeighted(int64(concurrency))}
	handles, err := lru.NewWithEvict[string, *handle](maxHandles, p.onEvict)
	if err != nil {
		return nil, fmt.Errorf("create handle pool: %w", err)
	}
	p.handles = handles
	return p, nil
}

// onEvict runs with p.mu held, since every mutation of handles happens
// under it.
func (p *Pool) onEvict(_ string, h *handle) {
	h.evicted = true
	p.maybeCloseLocked(h)
}

func (p *Pool) maybeCloseLocked(h *handle) {
	if h.borrowers > 0 || !h.evicted {
		return
	}
	_ = h.db.Close()
	if h.retired {
		_ = os.Remove(h.path)
	}
}

// Borrow waits for a query slot and returns a handle to path. Files are
// opened without holding the pool lock.
func (p *Pool) Borrow(ctx context.Context, path string) (*Conn, error) {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	conn, err := p.borrow(ctx, path)
	if err != nil {
		p.sem.Release(1)
		return nil, err
	}
	return conn, nil
}

func (p *Pool) borrow(ctx context.Context, path string) (*Conn, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, errors.New("pool closed")
	}
	if h, ok := p.handles.Get(path); ok {
		h.borrowers++
		p.mu.Unlock()
		return &Conn{pool: p, h: h}, nil
	}
	p.mu.Unlock()

	db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?mode=ro&_query_only=true", path))
	if err == nil {
		err = db.PingContext(ctx)
	}
	if err != nil {
		if db != nil {
			db.Close()
		}
		return nil, fmt.Errorf("open index %s: %w", path, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		db.Close()
		return nil, errors.New("pool closed")
	}
	h, ok := p.handles.Get(path)
	if ok {
		// Another borrower opened it meanwhile.
		db.Close()
	} else {
		// Retire deletes unopened files under the lock; one may have gone
		// while this handle was being opened.
		if _, err := os.Stat(path); err != nil {
			db.Close()
			return nil, fmt.Errorf("open index %s: %w", path, err)
		}
		h = &handle{path: path, db: db}
		p.handles.Add(path, h)
	}
	h.borrowers++
	return &Conn{pool: p, h: h}, nil
}

func (c *Conn) DB() *sql.DB { return c.h.db }

func (c *Conn) Release() {
	c.once.Do(func() {
		p := c.pool
		p.mu.Lock()
		c.h.borrowers--
		p.maybeCloseLocked(c.h)
		p.mu.Unlock()
		p.sem.Release(1)
	})
}

// Retire closes the handle to path and deletes the file once no borrower
// holds it. A file that is not open is deleted immediately.
func (p *Pool) Retire(path string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if h, ok := p.handles.Peek(path); ok {
		h.retired = true
		p.handles.Remove(path)
		return nil
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// Open reports how many files currently have an open handle.
func (p *Pool) Open() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.handles.Len()
}

func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	p.handles.Purge()
	return nil
}
