// Package pgdialect adapts PostgreSQL to drift's driver contracts using
// github.com/jackc/pgx/v5. Importing the package registers the "postgres"
// driver:
//
//	import _ "github.com/driftdb/drift/pgdialect"
//
// Iterate is backed by real server-side cursors (DECLARE / FETCH), so it
// must run inside a transaction.
package pgdialect

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/driftdb/drift/dialect"
)

func init() {
	dialect.Register(driver{})
}

type driver struct{}

func (driver) Name() string          { return "postgres" }
func (driver) Target() dialect.Target { return dialect.Postgres() }

func (driver) Connect(ctx context.Context, dsn string) (dialect.DriverConn, error) {
	pc, err := pgx.Connect(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("pgdialect: connect: %w", err)
	}
	return &Conn{q: pc, close: pc.Close}, nil
}

// querier is the overlap of pgx.Conn and pgxpool.Conn that the adapter
// needs.
type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Conn adapts one pgx connection to dialect.DriverConn.
type Conn struct {
	q     querier
	close func(ctx context.Context) error
}

func (c *Conn) Query(ctx context.Context, sql string, args []any) ([]dialect.Row, error) {
	rows, err := c.q.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectRows(rows, -1)
}

func (c *Conn) QueryFirst(ctx context.Context, sql string, args []any) (dialect.Row, error) {
	rows, err := c.q.Query(ctx, sql, args...)
	if err != nil {
		return dialect.Row{}, err
	}
	defer rows.Close()
	out, err := collectRows(rows, 1)
	if err != nil {
		return dialect.Row{}, err
	}
	if len(out) == 0 {
		return dialect.Row{}, dialect.ErrNoRows
	}
	return out[0], nil
}

func (c *Conn) Exec(ctx context.Context, sql string, args []any) (string, error) {
	tag, err := c.q.Exec(ctx, sql, args...)
	if err != nil {
		return "", err
	}
	return tag.String(), nil
}

func (c *Conn) OpenCursor(ctx context.Context, sql string, args []any, batchSize int) (dialect.Cursor, error) {
	name := cursorName()
	declare := fmt.Sprintf("DECLARE %s NO SCROLL CURSOR FOR %s", name, sql)
	if _, err := c.q.Exec(ctx, declare, args...); err != nil {
		return nil, fmt.Errorf("pgdialect: declare cursor: %w", err)
	}
	return &cursor{conn: c, name: name, batch: batchSize}, nil
}

func (c *Conn) Begin(ctx context.Context) error {
	_, err := c.q.Exec(ctx, "BEGIN")
	return err
}

func (c *Conn) Commit(ctx context.Context) error {
	_, err := c.q.Exec(ctx, "COMMIT")
	return err
}

func (c *Conn) Rollback(ctx context.Context) error {
	_, err := c.q.Exec(ctx, "ROLLBACK")
	return err
}

func (c *Conn) Close(ctx context.Context) error {
	return c.close(ctx)
}

func collectRows(rows pgx.Rows, limit int) ([]dialect.Row, error) {
	fields := rows.FieldDescriptions()
	columns := make([]string, len(fields))
	for i, f := range fields {
		columns[i] = f.Name
	}
	var out []dialect.Row
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, err
		}
		out = append(out, dialect.NewRow(columns, values))
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func cursorName() string {
	return "drift_cur_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

type cursor struct {
	conn   *Conn
	name   string
	batch  int
	buf    []dialect.Row
	done   bool
	closed bool
}

func (cu *cursor) Next(ctx context.Context) (dialect.Row, bool, error) {
	if cu.closed {
		return dialect.Row{}, false, errors.New("pgdialect: cursor is closed")
	}
	if len(cu.buf) == 0 {
		if cu.done {
			return dialect.Row{}, false, nil
		}
		if err := cu.fetch(ctx, cu.batch); err != nil {
			return dialect.Row{}, false, err
		}
		if len(cu.buf) == 0 {
			return dialect.Row{}, false, nil
		}
	}
	row := cu.buf[0]
	cu.buf = cu.buf[1:]
	return row, true, nil
}

func (cu *cursor) Many(ctx context.Context, n int) ([]dialect.Row, error) {
	if cu.closed {
		return nil, errors.New("pgdialect: cursor is closed")
	}
	for len(cu.buf) < n && !cu.done {
		if err := cu.fetch(ctx, cu.batch); err != nil {
			return nil, err
		}
	}
	if n > len(cu.buf) {
		n = len(cu.buf)
	}
	rows := cu.buf[:n]
	cu.buf = cu.buf[n:]
	return rows, nil
}

func (cu *cursor) fetch(ctx context.Context, n int) error {
	rows, err := cu.conn.q.Query(ctx, fmt.Sprintf("FETCH %d FROM %s", n, cu.name))
	if err != nil {
		return err
	}
	defer rows.Close()
	batch, err := collectRows(rows, -1)
	if err != nil {
		return err
	}
	if len(batch) < n {
		cu.done = true
	}
	cu.buf = append(cu.buf, batch...)
	return nil
}

func (cu *cursor) Close(ctx context.Context) error {
	if cu.closed {
		return nil
	}
	cu.closed = true
	_, err := cu.conn.q.Exec(ctx, "CLOSE "+cu.name)
	return err
}
