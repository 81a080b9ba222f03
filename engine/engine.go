// Package engine implements the connection and transaction lifecycle core
// of drift: a bounded pool of raw driver connections fronted by connection
// handles with reuse, lazy materialization, and context-stack discovery,
// plus nested transactions over savepoints.
//
// The engine is safe for concurrent use across logical tasks; individual
// connection handles are not. Reuse is designed for sequential nested
// scopes inside one logical flow — fan-out concurrency must acquire
// distinct handles, which the bounded pool serializes.
package engine

import (
	"context"
	"io"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/driftdb/drift/dialect"
)

// Engine connects a raw connection pool and a query compiler. It is the
// factory for connection handles and exposes direct query execution that
// transparently cooperates with any handle already acquired in the calling
// context.
type Engine struct {
	pool      dialect.Pool
	compiler  dialect.Compiler
	logger    *slog.Logger
	batchSize int
}

// New builds an engine over a compiler and a pool. The engine owns the
// pool: Close closes it.
func New(compiler dialect.Compiler, p dialect.Pool, opts ...Option) *Engine {
	e := &Engine{
		pool:      p,
		compiler:  compiler,
		logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		batchSize: 64,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Pool exposes the engine's raw connection pool.
func (e *Engine) Pool() dialect.Pool { return e.pool }

// Close closes the engine by closing the underlying pool.
func (e *Engine) Close(ctx context.Context) error {
	return e.pool.Close(ctx)
}

// Acquire checks out a connection handle.
//
// With Reuse, the most recently acquired reusable handle in the calling
// context is shared instead of checking out a new raw connection; with an
// empty context the acquisition proceeds normally and the handle anchors
// future reuse. With Lazy, the raw connection is materialized on first use
// instead of immediately. Reusable handles (the default, unless reusing)
// are pushed on the context stack for descendants to discover.
//
// Handles must be released in the reverse order of acquisition relative to
// other reusable handles. This is a caller contract, not enforced: an
// out-of-order release invalidates the handles that were reusing the
// released one, and their next use fails with ErrConnReleased.
func (e *Engine) Acquire(ctx context.Context, opts ...AcquireOption) (*Conn, error) {
	o := acquireOptions{reusable: true}
	for _, opt := range opts {
		opt(&o)
	}

	stack := e.stackFrom(ctx)
	c := &Conn{
		engine:  e,
		id:      connID(),
		lazy:    o.lazy,
		timeout: o.timeout,
	}
	reusing := false
	if o.reuse && stack != nil && stack.top() != nil {
		c.reusedFrom = stack.top()
		reusing = true
	} else {
		c.reusable = o.reusable
	}

	if !o.lazy {
		if _, err := c.acquireRaw(ctx); err != nil {
			// the handle never escapes, nothing to release beyond marking
			c.mu.Lock()
			c.released = true
			c.mu.Unlock()
			return nil, err
		}
	}
	if c.reusable && stack != nil {
		stack.push(c)
		c.stack = stack
	}
	e.logger.Debug("connection acquired",
		"conn", c.id, "reuse", reusing, "lazy", o.lazy, "reusable", c.reusable)
	return c, nil
}

// WithConn runs fn with an acquired handle and guarantees the release on
// every path, including panics.
func (e *Engine) WithConn(ctx context.Context, fn func(context.Context, *Conn) error, opts ...AcquireOption) error {
	conn, err := e.Acquire(ctx, opts...)
	if err != nil {
		return err
	}
	defer func() {
		_ = conn.Release(ctx)
	}()
	return fn(ctx, conn)
}

// CurrentConn returns the most recently acquired reusable handle in the
// context, or nil.
func (e *Engine) CurrentConn(ctx context.Context) *Conn {
	if stack := e.stackFrom(ctx); stack != nil {
		return stack.top()
	}
	return nil
}

// All acquires a handle with Reuse, runs Conn.All and releases the handle.
// Within an outer acquire or transaction scope this borrows no extra raw
// connection.
func (e *Engine) All(ctx context.Context, clause any, args ...any) ([]dialect.Row, error) {
	conn, err := e.Acquire(ctx, Reuse())
	if err != nil {
		return nil, err
	}
	defer func() { _ = conn.Release(ctx) }()
	return conn.All(ctx, clause, args...)
}

// First runs Conn.First the way All does.
func (e *Engine) First(ctx context.Context, clause any, args ...any) (dialect.Row, error) {
	conn, err := e.Acquire(ctx, Reuse())
	if err != nil {
		return dialect.Row{}, err
	}
	defer func() { _ = conn.Release(ctx) }()
	return conn.First(ctx, clause, args...)
}

// Scalar runs Conn.Scalar the way All does.
func (e *Engine) Scalar(ctx context.Context, clause any, args ...any) (any, error) {
	conn, err := e.Acquire(ctx, Reuse())
	if err != nil {
		return nil, err
	}
	defer func() { _ = conn.Release(ctx) }()
	return conn.Scalar(ctx, clause, args...)
}

// Status runs Conn.Status the way All does.
func (e *Engine) Status(ctx context.Context, clause any, args ...any) (string, error) {
	conn, err := e.Acquire(ctx, Reuse())
	if err != nil {
		return "", err
	}
	defer func() { _ = conn.Release(ctx) }()
	return conn.Status(ctx, clause, args...)
}

// Iterate opens a cursor on the current context connection. It requires a
// reusable handle already acquired in the context (cursors outlive a
// facade-scoped handle), failing with ErrNoCurrentConn otherwise.
func (e *Engine) Iterate(ctx context.Context, clause any, args ...any) (*Cursor, error) {
	conn := e.CurrentConn(ctx)
	if conn == nil {
		return nil, ErrNoCurrentConn
	}
	return conn.Iterate(ctx, clause, args...)
}

// Transaction acquires a handle with Reuse and runs fn inside a managed
// transaction scope on it, releasing the handle afterwards. Under an outer
// transaction in the same context this nests via a savepoint instead of
// opening a second raw connection.
func (e *Engine) Transaction(ctx context.Context, fn func(context.Context, *Tx) error, opts ...AcquireOption) error {
	conn, err := e.Acquire(ctx, append([]AcquireOption{Reuse()}, opts...)...)
	if err != nil {
		return err
	}
	defer func() { _ = conn.Release(ctx) }()
	return conn.Transaction(ctx, fn)
}

func connID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}
