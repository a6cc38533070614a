// Package pool bounds concurrent access to a read-only SQLite archive.
//
// A Pool hands out at most MaxSize handles at a time, keeps between MinSize
// and MaxSize of them open, and replaces dead handles transparently.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// Options configures a Pool.
type Options struct {
	// Name labels log lines (e.g. "archive", "contacts").
	Name    string
	MinSize int
	MaxSize int
	// AcquireTimeout bounds how long Acquire waits for a free handle.
	AcquireTimeout time.Duration
	// ProbeTimeout bounds the liveness probe on dequeue and release.
	ProbeTimeout time.Duration
	// ProbeQuery must return one integer column. Defaults to "SELECT 1".
	ProbeQuery string
	// AcquireRate caps acquires per second to smooth bursts; 0 disables.
	AcquireRate float64
	Logger      *slog.Logger
}

// DefaultOptions mirrors the archive defaults in config.
func DefaultOptions() Options {
	return Options{
		MinSize:        2,
		MaxSize:        5,
		AcquireTimeout: 3 * time.Second,
		ProbeTimeout:   2 * time.Second,
	}
}

// Stats is a point-in-time view of a pool.
type Stats struct {
	Live      int // open handles, free or borrowed, plus opens in flight
	Free      int
	InUse     int
	Opened    int // handles opened over the pool's lifetime
	Discarded int // handles closed because they failed the probe
}

// Pool is a fixed-capacity set of read-only handles.
type Pool struct {
	opener  Opener
	path    string
	opts    Options
	logger  *slog.Logger
	sem     *semaphore.Weighted
	limiter *rate.Limiter

	// free is the hand-off queue; a handle is either in free or borrowed.
	// Sends happen only under mu, after checking closed.
	free chan *Handle

	initMu sync.Mutex

	mu          sync.Mutex
	initialized bool
	closed      bool
	live        int
	inUse       int
	opened      int
	discarded   int
	nextID      uint64
}

// New creates a pool. No handle is opened until Init. path is used only in
// error messages and logs.
func New(opener Opener, path string, opts Options) *Pool {
	def := DefaultOptions()
	if opts.MaxSize <= 0 {
		opts.MaxSize = def.MaxSize
	}
	if opts.MinSize < 0 {
		opts.MinSize = 0
	}
	if opts.MinSize > opts.MaxSize {
		opts.MinSize = opts.MaxSize
	}
	if opts.AcquireTimeout <= 0 {
		opts.AcquireTimeout = def.AcquireTimeout
	}
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = def.ProbeTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Name != "" {
		logger = logger.With("pool", opts.Name)
	}

	p := &Pool{
		opener: opener,
		path:   path,
		opts:   opts,
		logger: logger,
		sem:    semaphore.NewWeighted(int64(opts.MaxSize)),
		free:   make(chan *Handle, opts.MaxSize),
	}
	if opts.AcquireRate > 0 {
		burst := opts.MaxSize
		p.limiter = rate.NewLimiter(rate.Limit(opts.AcquireRate), burst)
	}
	return p
}

// Max returns the configured capacity.
func (p *Pool) Max() int { return p.opts.MaxSize }

// Init opens MinSize handles. If any open fails, every handle opened so far
// is closed and an *InitError is returned. Calling Init again is a no-op.
func (p *Pool) Init(ctx context.Context) error {
	p.initMu.Lock()
	defer p.initMu.Unlock()

	p.mu.Lock()
	initialized, closed := p.initialized, p.closed
	p.mu.Unlock()
	if initialized {
		p.logger.Debug("pool already initialized")
		return nil
	}
	if closed {
		return ErrClosed
	}

	opened := make([]*Handle, 0, p.opts.MinSize)
	for i := 0; i < p.opts.MinSize; i++ {
		h, err := p.open(ctx)
		if err != nil {
			for _, oh := range opened {
				p.discard(oh, false)
			}
			return &InitError{Path: p.path, Err: err}
		}
		opened = append(opened, h)
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		for _, h := range opened {
			p.discard(h, false)
		}
		return ErrClosed
	}
	for _, h := range opened {
		p.free <- h
	}
	p.initialized = true
	p.mu.Unlock()
	p.logger.Debug("pool initialized",
		"path", p.path, "min", p.opts.MinSize, "max", p.opts.MaxSize)
	return nil
}

// open reserves a live slot and opens a handle into it.
func (p *Pool) open(ctx context.Context) (*Handle, error) {
	p.mu.Lock()
	p.live++
	p.mu.Unlock()
	return p.openReserved(ctx)
}

// openReserved opens a handle for a live slot the caller already counted.
// The opener runs without p.mu held; the slot is given back on failure.
func (p *Pool) openReserved(ctx context.Context) (*Handle, error) {
	db, err := p.opener(ctx)

	p.mu.Lock()
	defer p.mu.Unlock()
	if err != nil {
		p.live--
		return nil, err
	}
	p.nextID++
	p.opened++
	return &Handle{id: p.nextID, db: db, pool: p}, nil
}

// Acquire borrows a handle. It waits up to AcquireTimeout for one to be
// released and then fails with *ExhaustedError. Handles are probed before
// they are returned; a dead one is replaced once, and if the replacement is
// also unusable an *InitError is returned.
func (p *Pool) Acquire(ctx context.Context) (*Handle, error) {
	p.mu.Lock()
	switch {
	case p.closed:
		p.mu.Unlock()
		return nil, ErrClosed
	case !p.initialized:
		p.mu.Unlock()
		return nil, ErrNotInitialized
	}
	p.mu.Unlock()

	waitCtx, cancel := context.WithTimeout(ctx, p.opts.AcquireTimeout)
	defer cancel()

	if p.limiter != nil {
		if err := p.limiter.Wait(waitCtx); err != nil {
			return nil, p.waitError(ctx)
		}
	}
	if err := p.sem.Acquire(waitCtx, 1); err != nil {
		return nil, p.waitError(ctx)
	}

	h, err := p.take(ctx)
	if err != nil {
		p.sem.Release(1)
		return nil, err
	}
	return h, nil
}

func (p *Pool) waitError(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return &ExhaustedError{Max: p.opts.MaxSize, Timeout: p.opts.AcquireTimeout}
}

// take pulls a handle from the free set, or opens one when the free set is
// empty. The caller already holds a semaphore slot, so opening here never
// exceeds MaxSize live handles.
func (p *Pool) take(ctx context.Context) (*Handle, error) {
	var h *Handle
	select {
	case h = <-p.free:
	default:
	}

	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		if h != nil {
			p.discard(h, false)
		}
		return nil, ErrClosed
	}

	if h == nil {
		nh, err := p.open(ctx)
		if err != nil {
			return nil, &InitError{Path: p.path, Err: err}
		}
		p.lend(nh)
		return nh, nil
	}

	if p.probe(h) {
		p.lend(h)
		return h, nil
	}

	p.logger.Warn("discarding invalid handle", "handle", h.id)
	p.discard(h, true)

	nh, err := p.open(ctx)
	if err != nil {
		return nil, &InitError{Path: p.path, Err: fmt.Errorf("open replacement: %w", err)}
	}
	if !p.probe(nh) {
		p.discard(nh, true)
		return nil, &InitError{Path: p.path, Err: errors.New("replacement handle failed liveness probe")}
	}
	p.lend(nh)
	return nh, nil
}

func (p *Pool) probe(h *Handle) bool {
	ctx, cancel := context.WithTimeout(context.Background(), p.opts.ProbeTimeout)
	defer cancel()
	return h.Valid(ctx)
}

// lend marks h as borrowed by the caller of Acquire.
func (p *Pool) lend(h *Handle) {
	p.mu.Lock()
	h.borrowed = true
	p.inUse++
	p.mu.Unlock()
}

// putFree hands h back to the free set. It reports false when the pool is
// closed or the free set is full, leaving h to the caller.
func (p *Pool) putFree(h *Handle) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false
	}
	select {
	case p.free <- h:
		return true
	default:
		return false
	}
}

// discard closes h and forgets it.
func (p *Pool) discard(h *Handle, invalid bool) {
	if err := h.db.Close(); err != nil {
		p.logger.Debug("close handle", "handle", h.id, "error", err)
	}
	p.mu.Lock()
	p.live--
	if invalid {
		p.discarded++
	}
	p.mu.Unlock()
}

// Release returns h to the pool. Valid handles go back to the free set while
// it has room; anything else is closed. If the free set is then below
// MinSize a new handle is opened into it. Releasing a handle that is not
// currently borrowed is logged and ignored.
func (p *Pool) Release(h *Handle) {
	if h == nil || h.pool != p {
		p.logger.Warn("ignoring release of foreign or nil handle")
		return
	}

	p.mu.Lock()
	if !h.borrowed {
		p.mu.Unlock()
		p.logger.Warn("ignoring release of a handle that is not borrowed", "handle", h.id)
		return
	}
	h.borrowed = false
	p.inUse--
	closed := p.closed
	p.mu.Unlock()
	defer p.sem.Release(1)

	switch {
	case closed:
		p.discard(h, false)
	case !p.probe(h):
		p.logger.Warn("released handle is invalid, closing", "handle", h.id)
		p.discard(h, true)
	case !p.putFree(h):
		p.discard(h, false)
	}
	p.backfill()
}

// backfill tops the free set up to MinSize without exceeding MaxSize live
// handles. Failures are logged; the next Acquire opens on demand anyway.
func (p *Pool) backfill() {
	for {
		p.mu.Lock()
		if p.closed || len(p.free) >= p.opts.MinSize || p.live >= p.opts.MaxSize {
			p.mu.Unlock()
			return
		}
		p.live++
		p.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), p.opts.ProbeTimeout)
		h, err := p.openReserved(ctx)
		cancel()
		if err != nil {
			p.logger.Warn("backfill open failed", "error", err)
			return
		}
		if !p.putFree(h) {
			p.discard(h, false)
			return
		}
		p.logger.Debug("backfilled handle", "handle", h.id)
	}
}

// With acquires a handle, runs fn and releases the handle on every path.
func (p *Pool) With(ctx context.Context, fn func(*Handle) error) error {
	h, err := p.Acquire(ctx)
	if err != nil {
		return err
	}
	defer p.Release(h)
	return fn(h)
}

// Close rejects further acquires and closes every free handle. Borrowed
// handles are closed when they are released.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	var drained []*Handle
drain:
	for {
		select {
		case h := <-p.free:
			drained = append(drained, h)
			p.live--
		default:
			break drain
		}
	}
	p.mu.Unlock()

	var errs []error
	for _, h := range drained {
		if err := h.db.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	p.logger.Debug("pool closed", "closed_handles", len(drained))
	return errors.Join(errs...)
}

// Stats returns current counters.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Live:      p.live,
		Free:      len(p.free),
		InUse:     p.inUse,
		Opened:    p.opened,
		Discarded: p.discarded,
	}
}
