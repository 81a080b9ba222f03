package pgdialect

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/driftdb/drift/dialect"
)

// Pool adapts a pgxpool.Pool to dialect.Pool, letting an engine ride on
// pgx's own pooling (health checks, max lifetime, prepared statement
// caching) instead of drift's generic pool.
type Pool struct {
	pool *pgxpool.Pool
}

// NewPool connects a pgxpool to the given URL. The URL accepts all
// pgxpool settings (pool_max_conns, pool_min_conns, ...).
func NewPool(ctx context.Context, databaseURL string) (*Pool, error) {
	p, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("pgdialect: pool: %w", err)
	}
	return &Pool{pool: p}, nil
}

func (p *Pool) Acquire(ctx context.Context) (dialect.DriverConn, error) {
	pc, err := p.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	return &poolConn{Conn: Conn{q: pc}, pc: pc}, nil
}

func (p *Pool) Release(conn dialect.DriverConn) {
	if pc, ok := conn.(*poolConn); ok {
		pc.pc.Release()
	}
}

// Discard removes the connection from the pool and closes it.
func (p *Pool) Discard(conn dialect.DriverConn) {
	if pc, ok := conn.(*poolConn); ok {
		raw := pc.pc.Hijack()
		_ = raw.Close(context.Background())
	}
}

func (p *Pool) Close(ctx context.Context) error {
	p.pool.Close()
	return nil
}

type poolConn struct {
	Conn
	pc *pgxpool.Conn
}

func (c *poolConn) Close(ctx context.Context) error {
	c.pc.Release()
	return nil
}
