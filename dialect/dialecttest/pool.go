package dialecttest

import (
	"context"
	"sync/atomic"

	"github.com/driftdb/drift/dialect"
)

// CountingPool wraps a dialect.Pool and counts operations, so tests can
// assert exactly how many pool acquisitions a code path performed.
type CountingPool struct {
	Inner dialect.Pool

	acquires atomic.Int64
	releases atomic.Int64
	discards atomic.Int64
}

// Acquires reports how many times Acquire was called.
func (p *CountingPool) Acquires() int { return int(p.acquires.Load()) }

// Releases reports how many times Release was called.
func (p *CountingPool) Releases() int { return int(p.releases.Load()) }

// Discards reports how many times Discard was called.
func (p *CountingPool) Discards() int { return int(p.discards.Load()) }

func (p *CountingPool) Acquire(ctx context.Context) (dialect.DriverConn, error) {
	p.acquires.Add(1)
	return p.Inner.Acquire(ctx)
}

func (p *CountingPool) Release(conn dialect.DriverConn) {
	p.releases.Add(1)
	p.Inner.Release(conn)
}

func (p *CountingPool) Discard(conn dialect.DriverConn) {
	p.discards.Add(1)
	p.Inner.Discard(conn)
}

func (p *CountingPool) Close(ctx context.Context) error {
	return p.Inner.Close(ctx)
}
