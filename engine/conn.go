package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/driftdb/drift/dialect"
)

// Conn is a connection handle: it wraps at most one raw driver connection.
// A handle either owns its raw connection, or reuses an ancestor handle's
// (reusedFrom). Handles are acquired from an Engine and must be released.
//
// A handle is bound to one logical task. Operations on it must not run
// concurrently; fan-out work needs distinct handles acquired without Reuse.
type Conn struct {
	engine *Engine
	id     string

	// reusedFrom points at the handle whose raw connection this one
	// shares. Chains collapse transitively to a single owner.
	reusedFrom *Conn

	lazy     bool
	reusable bool
	timeout  time.Duration
	opts     ExecOptions

	// stack is set while the handle sits on the context stack.
	stack *connStack

	mu       sync.Mutex
	raw      dialect.DriverConn
	released bool

	// Transaction bookkeeping lives on the owning handle so nested scopes
	// opened through reusing handles agree on the depth.
	txDepth int
	spSeq   int
}

// ID returns the handle's identifier, as used in engine logs.
func (c *Conn) ID() string { return c.id }

// root returns the owning handle at the end of the reuse chain.
func (c *Conn) root() *Conn {
	r := c
	for r.reusedFrom != nil {
		r = r.reusedFrom
	}
	return r
}

// Raw returns the underlying driver connection, materializing it from the
// pool if the handle is lazy and no reuse ancestor holds one yet.
func (c *Conn) Raw(ctx context.Context) (dialect.DriverConn, error) {
	return c.acquireRaw(ctx)
}

func (c *Conn) acquireRaw(ctx context.Context) (dialect.DriverConn, error) {
	if c.isReleased() {
		return nil, ErrConnReleased
	}
	if c.reusedFrom != nil {
		return c.reusedFrom.acquireRaw(ctx)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.released {
		return nil, ErrConnReleased
	}
	if c.raw != nil {
		return c.raw, nil
	}

	actx := ctx
	if c.timeout > 0 {
		var cancel context.CancelFunc
		actx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	raw, err := c.engine.pool.Acquire(actx)
	if err != nil {
		return nil, err
	}
	c.raw = raw
	c.engine.logger.Debug("connection materialized", "conn", c.id)
	return raw, nil
}

func (c *Conn) isReleased() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.released
}

// Release permanently releases the handle. Owners return their raw
// connection to the pool; reusing handles detach without touching the
// shared connection. Releasing an owner while handles still reuse it
// invalidates those handles: their next use fails with ErrConnReleased.
// Releasing twice is an error.
func (c *Conn) Release(ctx context.Context) error {
	c.mu.Lock()
	if c.released {
		c.mu.Unlock()
		return ErrConnReleased
	}
	c.released = true
	raw := c.raw
	c.raw = nil
	c.mu.Unlock()

	if c.stack != nil {
		c.stack.remove(c)
		c.stack = nil
	}
	if raw != nil {
		c.engine.pool.Release(raw)
	}
	c.engine.logger.Debug("connection released", "conn", c.id)
	return nil
}

// Detach returns the raw connection to the pool without closing the handle:
// the handle falls back to lazy mode and the next query materializes a
// fresh connection. Useful before long non-database waits that should not
// hold a pooled connection. Reusing handles cannot detach their ancestor's
// connection; for them Detach is a no-op.
func (c *Conn) Detach(ctx context.Context) error {
	c.mu.Lock()
	if c.released {
		c.mu.Unlock()
		return ErrConnReleased
	}
	raw := c.raw
	c.raw = nil
	c.mu.Unlock()

	if raw != nil {
		c.engine.pool.Release(raw)
		c.engine.logger.Debug("connection detached", "conn", c.id)
	}
	return nil
}

// WithOptions returns a copy of the handle sharing the same underlying
// connection, with the given execution options applied. The copy is meant
// to be used immediately and discarded; it never sits on the context stack.
func (c *Conn) WithOptions(opts ExecOptions) *Conn {
	return &Conn{
		engine:     c.engine,
		id:         c.id,
		reusedFrom: c,
		opts:       opts,
	}
}

// All runs the clause and returns every resulting row. In bulk mode (one
// argument holding multiple parameter sets) the statement runs once per set
// and All returns (nil, nil): bulk execution is write-only.
func (c *Conn) All(ctx context.Context, clause any, args ...any) ([]dialect.Row, error) {
	raw, stmt, err := c.prepare(ctx, clause, args)
	if err != nil {
		return nil, err
	}
	if stmt.Bulk() {
		return nil, c.execMany(ctx, raw, stmt)
	}
	ectx, cancel := c.execCtx(ctx)
	defer cancel()
	rows, err := raw.Query(ectx, stmt.SQL, stmt.Args())
	if err != nil {
		return nil, c.driverErr(ctx, ectx, err)
	}
	return rows, nil
}

// First returns the first resulting row, or dialect.ErrNoRows when the
// query yields none. Bulk mode returns a zero Row with nil error.
func (c *Conn) First(ctx context.Context, clause any, args ...any) (dialect.Row, error) {
	raw, stmt, err := c.prepare(ctx, clause, args)
	if err != nil {
		return dialect.Row{}, err
	}
	if stmt.Bulk() {
		return dialect.Row{}, c.execMany(ctx, raw, stmt)
	}
	ectx, cancel := c.execCtx(ctx)
	defer cancel()
	row, err := raw.QueryFirst(ectx, stmt.SQL, stmt.Args())
	if err != nil {
		if errors.Is(err, dialect.ErrNoRows) {
			return dialect.Row{}, dialect.ErrNoRows
		}
		return dialect.Row{}, c.driverErr(ctx, ectx, err)
	}
	return row, nil
}

// Scalar returns the first column of the first row. No rows yields
// dialect.ErrNoRows; a NULL first column yields (nil, nil), so the two
// cases are distinguishable. Bulk mode returns (nil, nil).
func (c *Conn) Scalar(ctx context.Context, clause any, args ...any) (any, error) {
	row, err := c.First(ctx, clause, args...)
	if err != nil {
		return nil, err
	}
	if row.Len() == 0 {
		// bulk mode: write-only, no result
		return nil, nil
	}
	return row.Index(0), nil
}

// Status runs the clause discarding rows and returns the driver's command
// completion tag. Bulk mode returns "" after executing every set.
func (c *Conn) Status(ctx context.Context, clause any, args ...any) (string, error) {
	raw, stmt, err := c.prepare(ctx, clause, args)
	if err != nil {
		return "", err
	}
	if stmt.Bulk() {
		return "", c.execMany(ctx, raw, stmt)
	}
	ectx, cancel := c.execCtx(ctx)
	defer cancel()
	status, err := raw.Exec(ectx, stmt.SQL, stmt.Args())
	if err != nil {
		return "", c.driverErr(ctx, ectx, err)
	}
	return status, nil
}

// Iterate opens a forward-only cursor over the clause's results, fetching
// rows in batches. Drivers backed by server-side cursors require an open
// transaction on this handle.
func (c *Conn) Iterate(ctx context.Context, clause any, args ...any) (*Cursor, error) {
	raw, stmt, err := c.prepare(ctx, clause, args)
	if err != nil {
		return nil, err
	}
	if stmt.Bulk() {
		return nil, errors.New("iterate does not support multiple parameter sets")
	}
	cur, err := raw.OpenCursor(ctx, stmt.SQL, stmt.Args(), c.engine.batchSize)
	if err != nil {
		return nil, err
	}
	return &Cursor{conn: c, inner: cur}, nil
}

// prepare is the common execution preamble: materialize the raw connection,
// then compile the clause.
func (c *Conn) prepare(ctx context.Context, clause any, args []any) (dialect.DriverConn, *dialect.Statement, error) {
	raw, err := c.acquireRaw(ctx)
	if err != nil {
		return nil, nil, err
	}
	stmt, err := c.engine.compiler.Compile(clause, args)
	if err != nil {
		return nil, nil, err
	}
	return raw, stmt, nil
}

func (c *Conn) execMany(ctx context.Context, raw dialect.DriverConn, stmt *dialect.Statement) error {
	ectx, cancel := c.execCtx(ctx)
	defer cancel()
	for _, binds := range stmt.Binds {
		if _, err := raw.Exec(ectx, stmt.SQL, binds); err != nil {
			return c.driverErr(ctx, ectx, err)
		}
	}
	return nil
}

func (c *Conn) execCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.opts.Timeout > 0 {
		return context.WithTimeout(ctx, c.opts.Timeout)
	}
	return ctx, func() {}
}

// driverErr surfaces a driver failure. When the failure was caused by a
// per-call timeout, the raw connection's state is no longer trustworthy:
// it is discarded so the pool hands out a fresh one, and the error is
// wrapped in TimeoutError.
func (c *Conn) driverErr(ctx, ectx context.Context, err error) error {
	if ectx != ctx && errors.Is(ectx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		c.discardRaw()
		return &TimeoutError{Err: err}
	}
	return err
}

func (c *Conn) discardRaw() {
	r := c.root()
	r.mu.Lock()
	raw := r.raw
	r.raw = nil
	r.mu.Unlock()
	if raw != nil {
		r.engine.pool.Discard(raw)
		r.engine.logger.Warn("connection discarded after timeout", "conn", r.id)
	}
}
