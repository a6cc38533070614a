package pool

import (
	"context"
	"database/sql"
	"net/url"
	"strings"
)

// Opener opens one physical connection. The returned *sql.DB must be
// limited to a single open connection; OpenReadOnly does that.
type Opener func(ctx context.Context) (*sql.DB, error)

// OpenReadOnly returns an Opener for a SQLite file opened with mode=ro and
// PRAGMA query_only. driver is a registered database/sql driver name
// ("sqlite3" for mattn/go-sqlite3, "sqlite" for modernc.org/sqlite).
func OpenReadOnly(driver, path string) Opener {
	// Use file: URI to safely handle paths containing '?' or other special characters.
	dsn := (&url.URL{
		Scheme:   "file",
		OmitHost: true,
		Path:     path,
		RawQuery: "mode=ro",
	}).String()
	return func(ctx context.Context) (*sql.DB, error) {
		db, err := sql.Open(driver, dsn)
		if err != nil {
			return nil, err
		}
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		db.SetConnMaxLifetime(0)

		if err := db.PingContext(ctx); err != nil {
			db.Close()
			return nil, err
		}
		for _, pragma := range []string{
			"PRAGMA query_only = 1",
			"PRAGMA cache_size = -20000",
		} {
			if _, err := db.ExecContext(ctx, pragma); err != nil {
				db.Close()
				return nil, err
			}
		}
		return db, nil
	}
}

// Handle is a connection borrowed from a Pool. It belongs to exactly one
// caller between Acquire and Release.
type Handle struct {
	id   uint64
	db   *sql.DB
	pool *Pool

	borrowed bool // guarded by pool.mu
}

// ID identifies the handle within its pool, for logging.
func (h *Handle) ID() uint64 { return h.id }

// DB exposes the underlying connection.
func (h *Handle) DB() *sql.DB { return h.db }

// Query runs a read-only statement. Failures are wrapped in *QueryError.
func (h *Handle) Query(ctx context.Context, stmt string, args ...any) (*sql.Rows, error) {
	rows, err := h.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, &QueryError{Statement: compactSQL(stmt), Args: args, Err: err}
	}
	return rows, nil
}

// QueryRow runs a statement expected to return at most one row.
func (h *Handle) QueryRow(ctx context.Context, stmt string, args ...any) *sql.Row {
	return h.db.QueryRowContext(ctx, stmt, args...)
}

// Valid runs the pool's probe query. Any failure means the handle is dead.
func (h *Handle) Valid(ctx context.Context) bool {
	probe := "SELECT 1"
	if h.pool != nil && h.pool.opts.ProbeQuery != "" {
		probe = h.pool.opts.ProbeQuery
	}
	var n int
	return h.db.QueryRowContext(ctx, probe).Scan(&n) == nil
}

func compactSQL(stmt string) string {
	return strings.Join(strings.Fields(stmt), " ")
}
