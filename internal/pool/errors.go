package pool

import (
	"errors"
	"fmt"
	"time"
)

// ErrExhausted is matched (via errors.Is) by every *ExhaustedError.
var ErrExhausted = errors.New("pool exhausted")

// ErrClosed is returned by Acquire after Close.
var ErrClosed = errors.New("pool closed")

// ErrNotInitialized is returned by Acquire before Init.
var ErrNotInitialized = errors.New("pool not initialized")

// ExhaustedError reports that no handle became free within the acquire
// timeout. Callers may retry with backoff.
type ExhaustedError struct {
	Max     int
	Timeout time.Duration
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("pool exhausted: no handle free after %s (max %d)", e.Timeout, e.Max)
}

// Is reports whether target is ErrExhausted.
func (e *ExhaustedError) Is(target error) bool {
	return target == ErrExhausted
}

// InitError means handles could not be opened: either while filling the
// pool initially, or when a freshly opened replacement was itself invalid.
type InitError struct {
	Path string
	Err  error
}

func (e *InitError) Error() string {
	return fmt.Sprintf("pool init failed for %s: %v", e.Path, e.Err)
}

func (e *InitError) Unwrap() error { return e.Err }

// QueryError wraps a failed statement together with its arguments.
type QueryError struct {
	Statement string
	Args      []any
	Err       error
}

func (e *QueryError) Error() string {
	return fmt.Sprintf("query failed: %v (sql: %s, args: %v)", e.Err, e.Statement, e.Args)
}

func (e *QueryError) Unwrap() error { return e.Err }
