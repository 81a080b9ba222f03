// Package drift is an asynchronous data-mapping layer between application
// code and relational database drivers. It manages pooled connections,
// transparent connection reuse across nested calls, lazy materialization,
// and nested transactions over savepoints.
//
// The usual entry point is Open, which parses a database URL, looks up the
// registered driver and returns an Engine. DB adds a late-bound facade on
// top: construct it early, call SetBind once an engine exists, and use the
// query methods anywhere after that.
package drift

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/driftdb/drift/dburl"
	"github.com/driftdb/drift/dialect"
	"github.com/driftdb/drift/engine"
	"github.com/driftdb/drift/pool"
)

// ErrUninitialized is returned by DB methods before SetBind. It surfaces
// immediately and synchronously; an unbound facade never hangs or panics.
var ErrUninitialized = errors.New("drift: no engine bound, call SetBind first")

// Config tunes Open.
type Config struct {
	// MaxSize caps the connection pool. Defaults to 10.
	MaxSize int

	// MinSize connections are opened eagerly to warm the pool.
	MinSize int

	// AcquireTimeout bounds pool waits. Zero means wait forever.
	AcquireTimeout time.Duration

	// ConnectRetries retries failed connection establishment. Applies only
	// when connections are opened, never to queries.
	ConnectRetries int

	// Logger receives lifecycle events at Debug level.
	Logger *slog.Logger
}

// Open parses a database URL (postgres://, mysql://, sqlite:), builds a
// bounded pool on the registered driver and returns an engine over it.
// Driver adapters register themselves when imported:
//
//	import _ "github.com/driftdb/drift/pgdialect"
func Open(ctx context.Context, databaseURL string, cfg Config) (*engine.Engine, error) {
	name, err := dburl.InferDialectFromDBUrl(databaseURL)
	if err != nil {
		return nil, err
	}
	drv, err := dialect.Lookup(name)
	if err != nil {
		return nil, err
	}
	p, err := pool.New(ctx, pool.Config{
		Factory: func(ctx context.Context) (dialect.DriverConn, error) {
			return drv.Connect(ctx, databaseURL)
		},
		MaxSize:        cfg.MaxSize,
		MinSize:        cfg.MinSize,
		AcquireTimeout: cfg.AcquireTimeout,
		ConnectRetries: cfg.ConnectRetries,
	})
	if err != nil {
		return nil, err
	}
	var opts []engine.Option
	if cfg.Logger != nil {
		opts = append(opts, engine.WithLogger(cfg.Logger))
	}
	return engine.New(dialect.NewTextCompiler(drv.Target()), p, opts...), nil
}

// DB is a late-bound execution facade. Model and repository code can hold a
// DB from process start and bind the engine once configuration is loaded.
// All methods fail with ErrUninitialized before the bind.
type DB struct {
	mu   sync.RWMutex
	bind *engine.Engine
}

// New returns an unbound DB.
func New() *DB { return &DB{} }

// SetBind attaches the engine every facade method delegates to.
func (db *DB) SetBind(e *engine.Engine) {
	db.mu.Lock()
	db.bind = e
	db.mu.Unlock()
}

// Unbind detaches and returns the current engine, or nil.
func (db *DB) Unbind() *engine.Engine {
	db.mu.Lock()
	e := db.bind
	db.bind = nil
	db.mu.Unlock()
	return e
}

// Bind returns the bound engine, or nil.
func (db *DB) Bind() *engine.Engine {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.bind
}

func (db *DB) engine() (*engine.Engine, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if db.bind == nil {
		return nil, ErrUninitialized
	}
	return db.bind, nil
}

// All runs Engine.All on the bound engine.
func (db *DB) All(ctx context.Context, clause any, args ...any) ([]dialect.Row, error) {
	e, err := db.engine()
	if err != nil {
		return nil, err
	}
	return e.All(ctx, clause, args...)
}

// First runs Engine.First on the bound engine.
func (db *DB) First(ctx context.Context, clause any, args ...any) (dialect.Row, error) {
	e, err := db.engine()
	if err != nil {
		return dialect.Row{}, err
	}
	return e.First(ctx, clause, args...)
}

// Scalar runs Engine.Scalar on the bound engine.
func (db *DB) Scalar(ctx context.Context, clause any, args ...any) (any, error) {
	e, err := db.engine()
	if err != nil {
		return nil, err
	}
	return e.Scalar(ctx, clause, args...)
}

// Status runs Engine.Status on the bound engine.
func (db *DB) Status(ctx context.Context, clause any, args ...any) (string, error) {
	e, err := db.engine()
	if err != nil {
		return "", err
	}
	return e.Status(ctx, clause, args...)
}

// Iterate runs Engine.Iterate on the bound engine.
func (db *DB) Iterate(ctx context.Context, clause any, args ...any) (*engine.Cursor, error) {
	e, err := db.engine()
	if err != nil {
		return nil, err
	}
	return e.Iterate(ctx, clause, args...)
}

// Acquire checks out a handle from the bound engine.
func (db *DB) Acquire(ctx context.Context, opts ...engine.AcquireOption) (*engine.Conn, error) {
	e, err := db.engine()
	if err != nil {
		return nil, err
	}
	return e.Acquire(ctx, opts...)
}

// Transaction runs a managed transaction scope on the bound engine.
func (db *DB) Transaction(ctx context.Context, fn func(context.Context, *engine.Tx) error, opts ...engine.AcquireOption) error {
	e, err := db.engine()
	if err != nil {
		return err
	}
	return e.Transaction(ctx, fn, opts...)
}

// BindContext installs a connection stack for the calling logical task on
// the bound engine's behalf. See engine.Engine.BindContext.
func (db *DB) BindContext(ctx context.Context) (context.Context, error) {
	e, err := db.engine()
	if err != nil {
		return ctx, err
	}
	return e.BindContext(ctx), nil
}

// Close closes the bound engine, if any.
func (db *DB) Close(ctx context.Context) error {
	e := db.Bind()
	if e == nil {
		return nil
	}
	return e.Close(ctx)
}
