// Package sqldialect adapts database/sql drivers to drift's driver
// contracts. Importing the package registers the "mysql" and "sqlite"
// drivers:
//
//	import _ "github.com/driftdb/drift/sqldialect"
//
// MySQL rides on github.com/go-sql-driver/mysql and SQLite on
// modernc.org/sqlite (pure Go, no cgo). database/sql has no server-side
// cursors, so Iterate buffers the full result set and serves it in
// batches.
package sqldialect

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/go-sql-driver/mysql"
	_ "modernc.org/sqlite"

	"github.com/driftdb/drift/dburl"
	"github.com/driftdb/drift/dialect"
)

func init() {
	dialect.Register(driver{
		name:      "mysql",
		sqlDriver: "mysql",
		target:    dialect.MySQL(),
		dsn:       dburl.MySQLDSN,
	})
	dialect.Register(driver{
		name:      "sqlite",
		sqlDriver: "sqlite",
		target:    dialect.SQLite(),
		dsn:       func(u string) (string, error) { return dburl.SQLitePath(u), nil },
	})
}

type driver struct {
	name      string
	sqlDriver string
	target    dialect.Target
	dsn       func(databaseURL string) (string, error)
}

func (d driver) Name() string           { return d.name }
func (d driver) Target() dialect.Target { return d.target }

// Connect opens a dedicated connection. Each DriverConn owns its own
// sql.DB capped at one connection, since drift does the pooling.
func (d driver) Connect(ctx context.Context, databaseURL string) (dialect.DriverConn, error) {
	dsn, err := d.dsn(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("sqldialect: %s: %w", d.name, err)
	}
	db, err := sql.Open(d.sqlDriver, dsn)
	if err != nil {
		return nil, fmt.Errorf("sqldialect: open %s: %w", d.name, err)
	}
	db.SetMaxOpenConns(1)
	sc, err := db.Conn(ctx)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqldialect: connect %s: %w", d.name, err)
	}
	return &Conn{db: db, conn: sc}, nil
}

// Conn adapts a single database/sql connection to dialect.DriverConn.
type Conn struct {
	db   *sql.DB
	conn *sql.Conn
	tx   *sql.Tx
}

func (c *Conn) Query(ctx context.Context, query string, args []any) ([]dialect.Row, error) {
	rows, err := c.queryContext(ctx, query, args)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRows(rows, -1)
}

func (c *Conn) QueryFirst(ctx context.Context, query string, args []any) (dialect.Row, error) {
	rows, err := c.queryContext(ctx, query, args)
	if err != nil {
		return dialect.Row{}, err
	}
	defer rows.Close()
	out, err := scanRows(rows, 1)
	if err != nil {
		return dialect.Row{}, err
	}
	if len(out) == 0 {
		return dialect.Row{}, dialect.ErrNoRows
	}
	return out[0], nil
}

func (c *Conn) Exec(ctx context.Context, query string, args []any) (string, error) {
	res, err := c.execContext(ctx, query, args)
	if err != nil {
		return "", err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return "OK", nil
	}
	return fmt.Sprintf("OK %d", affected), nil
}

func (c *Conn) OpenCursor(ctx context.Context, query string, args []any, batchSize int) (dialect.Cursor, error) {
	rows, err := c.Query(ctx, query, args)
	if err != nil {
		return nil, err
	}
	return &cursor{rows: rows}, nil
}

func (c *Conn) Begin(ctx context.Context) error {
	if c.tx != nil {
		return errors.New("sqldialect: transaction already open")
	}
	tx, err := c.conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	c.tx = tx
	return nil
}

func (c *Conn) Commit(ctx context.Context) error {
	if c.tx == nil {
		return errors.New("sqldialect: no open transaction")
	}
	err := c.tx.Commit()
	c.tx = nil
	return err
}

func (c *Conn) Rollback(ctx context.Context) error {
	if c.tx == nil {
		return errors.New("sqldialect: no open transaction")
	}
	err := c.tx.Rollback()
	c.tx = nil
	return err
}

func (c *Conn) Close(ctx context.Context) error {
	if c.tx != nil {
		_ = c.tx.Rollback()
		c.tx = nil
	}
	err := c.conn.Close()
	if cerr := c.db.Close(); err == nil {
		err = cerr
	}
	return err
}

// queryContext routes through the open transaction when there is one, so
// savepoint statements and queries inside Transaction blocks land on the
// same session state.
func (c *Conn) queryContext(ctx context.Context, query string, args []any) (*sql.Rows, error) {
	if c.tx != nil {
		return c.tx.QueryContext(ctx, query, args...)
	}
	return c.conn.QueryContext(ctx, query, args...)
}

func (c *Conn) execContext(ctx context.Context, query string, args []any) (sql.Result, error) {
	if c.tx != nil {
		return c.tx.ExecContext(ctx, query, args...)
	}
	return c.conn.ExecContext(ctx, query, args...)
}

func scanRows(rows *sql.Rows, limit int) ([]dialect.Row, error) {
	columns, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	var out []dialect.Row
	for rows.Next() {
		values := make([]any, len(columns))
		ptrs := make([]any, len(columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		for i, v := range values {
			// Normalize driver byte slices to strings so callers see
			// comparable values across drivers.
			if b, ok := v.([]byte); ok {
				values[i] = string(b)
			}
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

// cursor serves a pre-read result set in order.
type cursor struct {
	rows   []dialect.Row
	closed bool
}

func (cu *cursor) Next(ctx context.Context) (dialect.Row, bool, error) {
	if cu.closed {
		return dialect.Row{}, false, errors.New("sqldialect: cursor is closed")
	}
	if len(cu.rows) == 0 {
		return dialect.Row{}, false, nil
	}
	row := cu.rows[0]
	cu.rows = cu.rows[1:]
	return row, true, nil
}

func (cu *cursor) Many(ctx context.Context, n int) ([]dialect.Row, error) {
	if cu.closed {
		return nil, errors.New("sqldialect: cursor is closed")
	}
	if n > len(cu.rows) {
		n = len(cu.rows)
	}
	rows := cu.rows[:n]
	cu.rows = cu.rows[n:]
	return rows, nil
}

func (cu *cursor) Close(ctx context.Context) error {
	cu.closed = true
	cu.rows = nil
	return nil
}
