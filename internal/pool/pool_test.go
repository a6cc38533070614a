package pool

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// memOpener opens in-memory databases and counts opens. When failAfter is
// positive, opens beyond that count fail.
type memOpener struct {
	opens     atomic.Int32
	failAfter int32
	// brokenAfter makes opens beyond that count return an already-closed
	// database, which fails every probe.
	brokenAfter int32
}

func (m *memOpener) open(ctx context.Context) (*sql.DB, error) {
	n := m.opens.Add(1)
	if m.failAfter > 0 && n > m.failAfter {
		return nil, errors.New("open refused")
	}
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	if m.brokenAfter > 0 && n > m.brokenAfter {
		db.Close()
	}
	return db, nil
}

func newTestPool(t *testing.T, m *memOpener, opts Options) *Pool {
	t.Helper()
	p := New(m.open, "test.db", opts)
	if err := p.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	t.Cleanup(func() { p.Close() })
	return p
}

func TestInitOpensMinSize(t *testing.T) {
	m := &memOpener{}
	p := newTestPool(t, m, Options{MinSize: 3, MaxSize: 5})

	st := p.Stats()
	if st.Live != 3 || st.Free != 3 || st.InUse != 0 {
		t.Errorf("stats = %+v, want live=3 free=3 inUse=0", st)
	}

	// Second Init is a no-op.
	if err := p.Init(context.Background()); err != nil {
		t.Fatalf("second Init: %v", err)
	}
	if got := m.opens.Load(); got != 3 {
		t.Errorf("opens after second Init = %d, want 3", got)
	}
}

func TestInitFailureClosesPartialPool(t *testing.T) {
	m := &memOpener{failAfter: 2}
	p := New(m.open, "test.db", Options{MinSize: 4, MaxSize: 4})

	err := p.Init(context.Background())
	var initErr *InitError
	if !errors.As(err, &initErr) {
		t.Fatalf("Init error = %v, want *InitError", err)
	}
	if st := p.Stats(); st.Live != 0 || st.Free != 0 {
		t.Errorf("stats after failed init = %+v, want empty pool", st)
	}
	if _, err := p.Acquire(context.Background()); !errors.Is(err, ErrNotInitialized) {
		t.Errorf("Acquire after failed init = %v, want ErrNotInitialized", err)
	}
}

func TestInitReadOnlyFileMissing(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing.db")
	p := New(OpenReadOnly("sqlite3", path), path, Options{MinSize: 1, MaxSize: 1})

	err := p.Init(context.Background())
	var initErr *InitError
	if !errors.As(err, &initErr) {
		t.Fatalf("Init error = %v, want *InitError", err)
	}
	if initErr.Path != path {
		t.Errorf("InitError.Path = %q, want %q", initErr.Path, path)
	}
}

func TestAcquireBoundedByMaxSize(t *testing.T) {
	const max = 3
	m := &memOpener{}
	p := newTestPool(t, m, Options{MinSize: 1, MaxSize: max, AcquireTimeout: 50 * time.Millisecond})

	ctx := context.Background()
	var held []*Handle
	for i := 0; i < max; i++ {
		h, err := p.Acquire(ctx)
		if err != nil {
			t.Fatalf("Acquire %d: %v", i, err)
		}
		held = append(held, h)
	}
	if st := p.Stats(); st.Live != max || st.InUse != max {
		t.Errorf("stats = %+v, want live=%d inUse=%d", st, max, max)
	}

	start := time.Now()
	_, err := p.Acquire(ctx)
	elapsed := time.Since(start)

	var exhausted *ExhaustedError
	if !errors.As(err, &exhausted) {
		t.Fatalf("extra Acquire error = %v, want *ExhaustedError", err)
	}
	if !errors.Is(err, ErrExhausted) {
		t.Error("ExhaustedError does not match ErrExhausted")
	}
	if exhausted.Max != max {
		t.Errorf("ExhaustedError.Max = %d, want %d", exhausted.Max, max)
	}
	if elapsed < 40*time.Millisecond {
		t.Errorf("extra Acquire returned after %v, expected to wait for the timeout", elapsed)
	}

	for _, h := range held {
		p.Release(h)
	}
	if st := p.Stats(); st.Live > max {
		t.Errorf("live handles = %d, exceeds max %d", st.Live, max)
	}
}

func TestAcquireWaitsForRelease(t *testing.T) {
	m := &memOpener{}
	p := newTestPool(t, m, Options{MinSize: 1, MaxSize: 1, AcquireTimeout: 2 * time.Second})

	ctx := context.Background()
	h, err := p.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	got := make(chan *Handle, 1)
	go func() {
		h2, err := p.Acquire(ctx)
		if err != nil {
			t.Errorf("waiting Acquire: %v", err)
			close(got)
			return
		}
		got <- h2
	}()

	time.Sleep(20 * time.Millisecond)
	p.Release(h)

	select {
	case h2, ok := <-got:
		if !ok {
			return
		}
		if h2.ID() != h.ID() {
			t.Errorf("waiter got handle %d, want reused handle %d", h2.ID(), h.ID())
		}
		p.Release(h2)
	case <-time.After(time.Second):
		t.Fatal("waiting Acquire never returned")
	}
}

func TestAcquireHonoursContextCancel(t *testing.T) {
	m := &memOpener{}
	p := newTestPool(t, m, Options{MinSize: 1, MaxSize: 1, AcquireTimeout: time.Minute})

	h, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer p.Release(h)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := p.Acquire(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Acquire on cancelled ctx = %v, want context.Canceled", err)
	}
}

func TestConcurrentAcquireNeverSharesHandles(t *testing.T) {
	const max = 4
	m := &memOpener{}
	p := newTestPool(t, m, Options{MinSize: 2, MaxSize: max, AcquireTimeout: 5 * time.Second})

	var (
		mu       sync.Mutex
		borrowed = make(map[uint64]bool)
		peak     int
		wg       sync.WaitGroup
	)
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := p.With(context.Background(), func(h *Handle) error {
				mu.Lock()
				if borrowed[h.ID()] {
					t.Errorf("handle %d handed out twice", h.ID())
				}
				borrowed[h.ID()] = true
				if len(borrowed) > peak {
					peak = len(borrowed)
				}
				mu.Unlock()

				time.Sleep(2 * time.Millisecond)

				mu.Lock()
				delete(borrowed, h.ID())
				mu.Unlock()
				return nil
			})
			if err != nil {
				t.Errorf("With: %v", err)
			}
		}()
	}
	wg.Wait()

	if peak > max {
		t.Errorf("peak concurrent handles = %d, want <= %d", peak, max)
	}
	if st := p.Stats(); st.Live > max || st.InUse != 0 {
		t.Errorf("final stats = %+v", st)
	}
}

func TestReleaseInvalidHandleIsDiscardedAndBackfilled(t *testing.T) {
	m := &memOpener{}
	p := newTestPool(t, m, Options{MinSize: 2, MaxSize: 3})

	h, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	deadID := h.ID()
	h.DB().Close()
	p.Release(h)

	st := p.Stats()
	if st.Discarded != 1 {
		t.Errorf("discarded = %d, want 1", st.Discarded)
	}
	if st.Free < 2 {
		t.Errorf("free = %d after release, want >= min size 2", st.Free)
	}
	for i := 0; i < st.Free; i++ {
		fh := <-p.free
		if fh.ID() == deadID {
			t.Errorf("invalid handle %d returned to free set", deadID)
		}
		p.free <- fh
	}
}

func TestReleaseReturnsValidHandles(t *testing.T) {
	m := &memOpener{}
	p := newTestPool(t, m, Options{MinSize: 0, MaxSize: 2})

	ctx := context.Background()
	a, _ := p.Acquire(ctx)
	b, _ := p.Acquire(ctx)
	p.Release(a)
	p.Release(b)

	if st := p.Stats(); st.Free != 2 || st.Live != 2 {
		t.Errorf("stats = %+v, want free=2 live=2", st)
	}
}

func TestAcquireReplacesInvalidFreeHandle(t *testing.T) {
	m := &memOpener{}
	p := newTestPool(t, m, Options{MinSize: 1, MaxSize: 1})

	fh := <-p.free
	fh.DB().Close()
	p.free <- fh

	h, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer p.Release(h)

	if h.ID() == fh.ID() {
		t.Fatal("Acquire returned the dead handle")
	}
	if !h.Valid(context.Background()) {
		t.Error("replacement handle is not valid")
	}
	if st := p.Stats(); st.Discarded != 1 || st.Live != 1 {
		t.Errorf("stats = %+v, want discarded=1 live=1", st)
	}
}

func TestAcquireReplacementBoundedToOneAttempt(t *testing.T) {
	// First open is healthy; every later open yields a dead handle.
	m := &memOpener{brokenAfter: 1}
	p := newTestPool(t, m, Options{MinSize: 1, MaxSize: 1})

	fh := <-p.free
	fh.DB().Close()
	p.free <- fh

	_, err := p.Acquire(context.Background())
	var initErr *InitError
	if !errors.As(err, &initErr) {
		t.Fatalf("Acquire error = %v, want *InitError", err)
	}
	if got := m.opens.Load(); got != 2 {
		t.Errorf("opens = %d, want exactly one replacement attempt (2 total)", got)
	}
	if st := p.Stats(); st.InUse != 0 || st.Live != 0 {
		t.Errorf("stats = %+v, want nothing live or in use", st)
	}
}

func TestWithReleasesOnError(t *testing.T) {
	m := &memOpener{}
	p := newTestPool(t, m, Options{MinSize: 1, MaxSize: 1})

	boom := errors.New("boom")
	err := p.With(context.Background(), func(h *Handle) error { return boom })
	if !errors.Is(err, boom) {
		t.Fatalf("With error = %v, want boom", err)
	}
	if st := p.Stats(); st.InUse != 0 || st.Free != 1 {
		t.Errorf("stats = %+v, want handle returned", st)
	}
}

func TestCloseRejectsAcquireAndClosesLateReleases(t *testing.T) {
	m := &memOpener{}
	p := New(m.open, "test.db", Options{MinSize: 2, MaxSize: 2})
	if err := p.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}

	h, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := p.Acquire(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("Acquire after Close = %v, want ErrClosed", err)
	}

	p.Release(h)
	if st := p.Stats(); st.Live != 0 || st.Free != 0 {
		t.Errorf("stats after late release = %+v, want empty", st)
	}
	if err := h.DB().Ping(); err == nil {
		t.Error("late-released handle still open")
	}
}

func TestQueryErrorCarriesStatement(t *testing.T) {
	m := &memOpener{}
	p := newTestPool(t, m, Options{MinSize: 1, MaxSize: 1})

	err := p.With(context.Background(), func(h *Handle) error {
		_, err := h.Query(context.Background(), "SELECT *\n  FROM missing_table WHERE id = ?", 7)
		return err
	})
	var qe *QueryError
	if !errors.As(err, &qe) {
		t.Fatalf("error = %v, want *QueryError", err)
	}
	if qe.Statement != "SELECT * FROM missing_table WHERE id = ?" {
		t.Errorf("Statement = %q", qe.Statement)
	}
	if len(qe.Args) != 1 || qe.Args[0] != 7 {
		t.Errorf("Args = %v, want [7]", qe.Args)
	}
}

// slowProbe returns one integer after walking a few million rows.
const slowProbe = `WITH RECURSIVE c(x) AS (SELECT 1 UNION ALL SELECT x + 1 FROM c WHERE x < 3000000) SELECT count(*) FROM c`

func TestCloseDuringReleaseProbeLeaksNothing(t *testing.T) {
	m := &memOpener{}
	p := New(m.open, "test.db", Options{
		MinSize:      1,
		MaxSize:      1,
		ProbeQuery:   slowProbe,
		ProbeTimeout: 30 * time.Second,
	})
	if err := p.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	h, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	released := make(chan struct{})
	go func() {
		p.Release(h)
		close(released)
	}()
	time.Sleep(50 * time.Millisecond)
	if err := p.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	<-released

	if st := p.Stats(); st.Live != 0 || st.Free != 0 || st.InUse != 0 {
		t.Errorf("stats = %+v, want every handle closed", st)
	}
	if err := h.DB().Ping(); err == nil {
		t.Error("handle released during Close still open")
	}
}

func TestDoubleReleaseIsIgnored(t *testing.T) {
	m := &memOpener{}
	p := newTestPool(t, m, Options{MinSize: 1, MaxSize: 2, AcquireTimeout: 50 * time.Millisecond})
	ctx := context.Background()

	h, err := p.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	p.Release(h)
	p.Release(h)

	if st := p.Stats(); st.Live != 1 || st.Free != 1 || st.InUse != 0 {
		t.Errorf("stats = %+v, want live=1 free=1 inUse=0", st)
	}

	// Capacity is unchanged: MaxSize acquires succeed, one more times out.
	a, err := p.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire a: %v", err)
	}
	defer p.Release(a)
	b, err := p.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire b: %v", err)
	}
	defer p.Release(b)
	if a == b {
		t.Fatal("the same handle was lent twice")
	}
	var exhausted *ExhaustedError
	if _, err := p.Acquire(ctx); !errors.As(err, &exhausted) {
		t.Errorf("third Acquire = %v, want *ExhaustedError", err)
	}
}

func TestBackfillOpensWithoutHoldingLock(t *testing.T) {
	m := &memOpener{}
	var gated atomic.Bool
	entered := make(chan struct{}, 1)
	unblock := make(chan struct{})
	open := func(ctx context.Context) (*sql.DB, error) {
		if gated.Load() {
			entered <- struct{}{}
			<-unblock
		}
		return m.open(ctx)
	}
	p := New(open, "test.db", Options{MinSize: 1, MaxSize: 2})
	if err := p.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	t.Cleanup(func() { p.Close() })

	h, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	h.DB().Close()
	gated.Store(true)

	released := make(chan struct{})
	go func() {
		p.Release(h)
		close(released)
	}()
	<-entered
	gated.Store(false)

	stats := make(chan Stats, 1)
	go func() { stats <- p.Stats() }()
	select {
	case st := <-stats:
		if st.Live != 1 || st.Free != 0 {
			t.Errorf("stats during backfill = %+v, want the reserved slot live and nothing free", st)
		}
	case <-time.After(time.Second):
		close(unblock)
		t.Fatal("Stats blocked while a backfill open was in flight")
	}
	close(unblock)
	<-released

	if st := p.Stats(); st.Live != 1 || st.Free != 1 || st.Discarded != 1 {
		t.Errorf("stats after backfill = %+v, want live=1 free=1 discarded=1", st)
	}
}

func TestBackfillOpenFailureReturnsSlot(t *testing.T) {
	m := &memOpener{failAfter: 1}
	p := newTestPool(t, m, Options{MinSize: 1, MaxSize: 2})

	h, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	h.DB().Close()
	p.Release(h)

	if st := p.Stats(); st.Live != 0 || st.Free != 0 || st.Opened != 1 {
		t.Errorf("stats = %+v, want the failed backfill to leave nothing live", st)
	}
}
