package engine

import (
	"context"

	"github.com/driftdb/drift/dialect"
)

// Cursor is a lazy, forward-only, non-restartable row stream produced by
// Iterate. Rows are fetched from the driver in batches; each fetch is a
// suspension point.
type Cursor struct {
	conn  *Conn
	inner dialect.Cursor
}

// Next returns the next row; the bool is false once the stream is
// exhausted.
func (cu *Cursor) Next(ctx context.Context) (dialect.Row, bool, error) {
	if cu.conn.isReleased() {
		return dialect.Row{}, false, ErrConnReleased
	}
	return cu.inner.Next(ctx)
}

// Many returns up to n more rows, fewer at the end of the stream.
func (cu *Cursor) Many(ctx context.Context, n int) ([]dialect.Row, error) {
	if cu.conn.isReleased() {
		return nil, ErrConnReleased
	}
	return cu.inner.Many(ctx, n)
}

// Close releases the cursor's driver resources.
func (cu *Cursor) Close(ctx context.Context) error {
	return cu.inner.Close(ctx)
}
