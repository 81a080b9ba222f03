// Package pool provides the default bounded connection pool behind a drift
// engine. Capacity is enforced with a weighted semaphore: Acquire blocks
// until a slot frees up or the caller's context is done. The pool is the
// only piece of drift shared across logical tasks and is safe for
// concurrent use.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/driftdb/drift/dialect"
)

var (
	// ErrClosed is returned when acquiring from a closed pool.
	ErrClosed = errors.New("pool is closed")

	// ErrAcquireTimeout is returned when no connection became available
	// within the configured or caller-supplied wait.
	ErrAcquireTimeout = errors.New("timed out waiting for a connection")
)

// Factory opens one raw connection. Called while warming the pool and
// whenever Acquire finds no idle connection.
type Factory func(ctx context.Context) (dialect.DriverConn, error)

// Config holds pool configuration.
type Config struct {
	// Factory opens raw connections. Required.
	Factory Factory

	// MaxSize caps the number of open connections. Defaults to 10.
	MaxSize int

	// MinSize connections are opened eagerly by New to warm the pool.
	MinSize int

	// AcquireTimeout bounds how long Acquire waits for a free slot when the
	// caller's context has no earlier deadline. Zero means wait forever.
	AcquireTimeout time.Duration

	// ConnectRetries is how many times a failed connection attempt is
	// retried at establishment time. Queries are never retried.
	ConnectRetries int

	// RetryBackoff is the pause between connection attempts. Defaults to
	// 100ms when ConnectRetries is set.
	RetryBackoff time.Duration
}

// Pool is a bounded pool of raw driver connections.
type Pool struct {
	cfg Config
	sem *semaphore.Weighted

	mu     sync.Mutex
	idle   []dialect.DriverConn
	closed bool
}

// New builds a pool and opens MinSize connections up front. Establishment
// failures during warm-up are retried per ConnectRetries; if the warm-up
// still fails, the pool is closed and the error returned.
func New(ctx context.Context, cfg Config) (*Pool, error) {
	if cfg.Factory == nil {
		return nil, errors.New("pool: Config.Factory is required")
	}
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = 10
	}
	if cfg.MinSize > cfg.MaxSize {
		cfg.MinSize = cfg.MaxSize
	}
	if cfg.ConnectRetries > 0 && cfg.RetryBackoff == 0 {
		cfg.RetryBackoff = 100 * time.Millisecond
	}
	p := &Pool{
		cfg: cfg,
		sem: semaphore.NewWeighted(int64(cfg.MaxSize)),
	}
	for i := 0; i < cfg.MinSize; i++ {
		conn, err := p.connect(ctx)
		if err != nil {
			_ = p.Close(ctx)
			return nil, fmt.Errorf("pool: warm-up connection %d: %w", i+1, err)
		}
		p.mu.Lock()
		p.idle = append(p.idle, conn)
		p.mu.Unlock()
	}
	return p, nil
}

// Acquire returns a raw connection, blocking while the pool is exhausted.
func (p *Pool) Acquire(ctx context.Context) (dialect.DriverConn, error) {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}

	waitCtx := ctx
	if p.cfg.AcquireTimeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, p.cfg.AcquireTimeout)
		defer cancel()
	}
	if err := p.sem.Acquire(waitCtx, 1); err != nil {
		if waitCtx.Err() != nil && ctx.Err() == nil {
			return nil, ErrAcquireTimeout
		}
		return nil, err
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.sem.Release(1)
		return nil, ErrClosed
	}
	if n := len(p.idle); n > 0 {
		conn := p.idle[n-1]
		p.idle = p.idle[:n-1]
		p.mu.Unlock()
		return conn, nil
	}
	p.mu.Unlock()

	conn, err := p.connect(ctx)
	if err != nil {
		p.sem.Release(1)
		return nil, err
	}
	return conn, nil
}

// Release returns a healthy connection for reuse.
func (p *Pool) Release(conn dialect.DriverConn) {
	if conn == nil {
		return
	}
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		_ = conn.Close(context.Background())
	} else {
		p.idle = append(p.idle, conn)
		p.mu.Unlock()
	}
	p.sem.Release(1)
}

// Discard closes a connection whose state is not trustworthy and frees its
// slot without returning it to the idle list.
func (p *Pool) Discard(conn dialect.DriverConn) {
	if conn != nil {
		_ = conn.Close(context.Background())
	}
	p.sem.Release(1)
}

// Close closes the pool and every idle connection. Connections currently
// checked out are closed as they come back.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	idle := p.idle
	p.idle = nil
	p.mu.Unlock()

	var firstErr error
	for _, conn := range idle {
		if err := conn.Close(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Idle reports how many connections are parked in the pool.
func (p *Pool) Idle() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.idle)
}

func (p *Pool) connect(ctx context.Context) (dialect.DriverConn, error) {
	var lastErr error
	for attempt := 0; attempt <= p.cfg.ConnectRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(p.cfg.RetryBackoff):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		conn, err := p.cfg.Factory(ctx)
		if err == nil {
			return conn, nil
		}
		lastErr = err
	}
	return nil, lastErr
}
