package archivetest

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"net/url"
	"strings"
	"sync"

	"github.com/mattn/go-sqlite3"

	"github.com/wesm/petphrase/internal/pool"
)

// QueryLog records every statement prepared through a counting pool.
type QueryLog struct {
	mu    sync.Mutex
	stmts []string
}

func (l *QueryLog) record(stmt string) {
	l.mu.Lock()
	l.stmts = append(l.stmts, stmt)
	l.mu.Unlock()
}

// Reset forgets everything recorded so far.
func (l *QueryLog) Reset() {
	l.mu.Lock()
	l.stmts = nil
	l.mu.Unlock()
}

// Count returns how many recorded statements contain substr.
func (l *QueryLog) Count(substr string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, s := range l.stmts {
		if strings.Contains(s, substr) {
			n++
		}
	}
	return n
}

// CountingPool opens an initialized read-only pool over the message
// database whose connections log each statement they run. Each statement
// is one round trip to SQLite. The pool is closed on test cleanup.
func (f *Fixture) CountingPool(opts pool.Options) (*pool.Pool, *QueryLog) {
	f.T.Helper()
	log := &QueryLog{}
	dsn := (&url.URL{Scheme: "file", OmitHost: true, Path: f.MessageDB, RawQuery: "mode=ro"}).String()
	open := func(ctx context.Context) (*sql.DB, error) {
		db := sql.OpenDB(&countingConnector{dsn: dsn, log: log})
		db.SetMaxOpenConns(1)
		if err := db.PingContext(ctx); err != nil {
			db.Close()
			return nil, err
		}
		return db, nil
	}

	opts.Name = "counting"
	p := pool.New(open, f.MessageDB, opts)
	if err := p.Init(context.Background()); err != nil {
		f.T.Fatalf("init counting pool: %v", err)
	}
	f.T.Cleanup(func() { p.Close() })
	log.Reset()
	return p, log
}

type countingConnector struct {
	dsn string
	log *QueryLog
}

func (c *countingConnector) Connect(context.Context) (driver.Conn, error) {
	conn, err := (&sqlite3.SQLiteDriver{}).Open(c.dsn)
	if err != nil {
		return nil, err
	}
	return &countingConn{Conn: conn, log: c.log}, nil
}

func (c *countingConnector) Driver() driver.Driver { return &sqlite3.SQLiteDriver{} }

// countingConn exposes only driver.Conn, so database/sql prepares every
// query and exec through Prepare.
type countingConn struct {
	driver.Conn
	log *QueryLog
}

func (c *countingConn) Prepare(query string) (driver.Stmt, error) {
	c.log.record(query)
	return c.Conn.Prepare(query)
}
