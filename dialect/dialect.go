// Package dialect defines the driver-facing contracts of drift: the bounded
// connection pool, the raw driver connection, server-side cursors, and the
// query compiler that turns clauses into executable statements.
//
// The engine package consumes these interfaces and never talks to a database
// driver directly. Adapters for concrete drivers live in pgdialect (pgx) and
// sqldialect (database/sql).
package dialect

import (
	"context"
	"errors"
)

// ErrNoRows is returned by first/scalar result shapes when the query yields
// no rows. A NULL first column is not ErrNoRows: Scalar returns (nil, nil)
// for that case.
var ErrNoRows = errors.New("no rows in result set")

// Params holds named bind values for one statement execution.
type Params map[string]any

// Pool owns a bounded set of driver connections. Acquire blocks until a
// connection is available or ctx is done. Release returns a healthy
// connection for reuse; Discard closes a connection whose state is no longer
// trustworthy (for example after a statement timeout) and frees its slot.
type Pool interface {
	Acquire(ctx context.Context) (DriverConn, error)
	Release(conn DriverConn)
	Discard(conn DriverConn)
	Close(ctx context.Context) error
}

// DriverConn is one live session to the database. Implementations are not
// safe for concurrent use; the engine serializes access per logical task.
type DriverConn interface {
	// Query runs sql and returns every resulting row.
	Query(ctx context.Context, sql string, args []any) ([]Row, error)

	// QueryFirst runs sql and returns at most the first row, using a cheaper
	// path than Query where the driver offers one. ErrNoRows when empty.
	QueryFirst(ctx context.Context, sql string, args []any) (Row, error)

	// Exec runs sql discarding any rows and returns the driver's textual
	// command-completion tag.
	Exec(ctx context.Context, sql string, args []any) (string, error)

	// OpenCursor starts a forward-only row stream fetching batchSize rows at
	// a time. Drivers backed by server-side cursors require an open
	// transaction on this connection.
	OpenCursor(ctx context.Context, sql string, args []any, batchSize int) (Cursor, error)

	Begin(ctx context.Context) error
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error

	Close(ctx context.Context) error
}

// Cursor is a lazy, forward-only, non-restartable row stream.
type Cursor interface {
	// Next returns the next row. The bool is false when the stream is
	// exhausted.
	Next(ctx context.Context) (Row, bool, error)

	// Many returns up to n more rows; fewer (possibly zero) at the end of
	// the stream.
	Many(ctx context.Context, n int) ([]Row, error)

	Close(ctx context.Context) error
}

// Statement is compiled SQL text plus its bind value sets. More than one
// bind set means bulk ("execute-many") mode: the statement runs once per set
// and produces no results.
type Statement struct {
	SQL   string
	Binds [][]any
}

// Bulk reports whether the statement must run in execute-many mode.
func (s *Statement) Bulk() bool { return len(s.Binds) > 1 }

// Args returns the bind values for single-execution statements.
func (s *Statement) Args() []any {
	if len(s.Binds) == 0 {
		return nil
	}
	return s.Binds[0]
}

// Compiler turns a clause plus caller arguments into a Statement. A clause is
// either SQL text (string) or a Compilable query object.
type Compiler interface {
	Compile(clause any, args []any) (*Statement, error)
}

// Compilable is a structured query object that can render itself for a
// target dialect, returning SQL text and the parameter names in bind order.
// Query builders plug in here.
type Compilable interface {
	CompileSQL(t Target) (sql string, paramOrder []string, err error)
}

// Target describes the SQL flavor a compiler renders for.
type Target interface {
	// Name is the dialect name, e.g. "postgres".
	Name() string

	// Placeholder returns the bind placeholder for the n-th parameter,
	// counting from 1: "$1" for Postgres, "?" for MySQL and SQLite.
	Placeholder(n int) string

	// SupportsReturning reports whether INSERT ... RETURNING works.
	SupportsReturning() bool
}
