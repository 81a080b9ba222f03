// Package dialecttest provides an in-memory fake driver for testing the
// engine without a database server. Connections share one value store and
// honor BEGIN/COMMIT/ROLLBACK plus savepoints, so transaction semantics can
// be asserted end to end. Every statement is recorded in a log.
//
// The fake understands a miniature statement set:
//
//	INSERT            appends the bound arguments as one stored value
//	SELECT            returns every stored value as a row ("value" column)
//	ERROR             fails with a driver error
//	SAVEPOINT x, RELEASE SAVEPOINT x, ROLLBACK TO SAVEPOINT x
//
// Anything else is a no-op with status "OK".
package dialecttest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/driftdb/drift/dialect"
)

// ErrClosed is returned when using a closed fake connection.
var ErrClosed = errors.New("dialecttest: connection is closed")

// Entry is one logged statement.
type Entry struct {
	ConnID int
	SQL    string
	Args   []any
}

// Driver is the fake driver. The zero value is not usable; call New.
type Driver struct {
	// RequireTxForCursor makes OpenCursor fail outside a transaction,
	// mimicking server-side cursor drivers. On by default.
	RequireTxForCursor bool

	// ConnectErr, when set, makes every Connect attempt fail. Useful for
	// establishment retry tests.
	ConnectErr error

	mu       sync.Mutex
	store    []any
	log      []Entry
	connects atomic.Int64
	nextID   atomic.Int64
}

// New builds a fake driver with an empty store.
func New() *Driver {
	return &Driver{RequireTxForCursor: true}
}

// Name implements dialect.Driver.
func (d *Driver) Name() string { return "fake" }

// Target implements dialect.Driver with ?-style placeholders.
func (d *Driver) Target() dialect.Target { return dialect.SQLite() }

// Connect implements dialect.Driver, counting every call.
func (d *Driver) Connect(ctx context.Context, dsn string) (dialect.DriverConn, error) {
	if d.ConnectErr != nil {
		return nil, d.ConnectErr
	}
	d.connects.Add(1)
	return &Conn{driver: d, id: int(d.nextID.Add(1))}, nil
}

// Connects reports how many raw connections have been opened.
func (d *Driver) Connects() int { return int(d.connects.Load()) }

// Statements returns the SQL of every logged statement in order.
func (d *Driver) Statements() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, len(d.log))
	for i, e := range d.log {
		out[i] = e.SQL
	}
	return out
}

// Log returns a copy of the full statement log.
func (d *Driver) Log() []Entry {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Entry(nil), d.log...)
}

// Stored returns the committed store contents.
func (d *Driver) Stored() []any {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]any(nil), d.store...)
}

// Reset clears the store and the log.
func (d *Driver) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.store = nil
	d.log = nil
}

func (d *Driver) record(connID int, sql string, args []any) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.log = append(d.log, Entry{ConnID: connID, SQL: sql, Args: args})
}

// Conn is one fake session. Not safe for concurrent use, like a real driver
// connection.
type Conn struct {
	driver *Driver
	id     int
	closed bool

	// inTx holds the working copy of the store while a transaction is open;
	// savepoints stack snapshots of it.
	inTx       bool
	work       []any
	savepoints []savepoint
}

type savepoint struct {
	name string
	snap []any
}

// ID returns the connection's serial number, useful for identity assertions.
func (c *Conn) ID() int { return c.id }

func (c *Conn) exec(ctx context.Context, sql string, args []any) (string, []dialect.Row, error) {
	if c.closed {
		return "", nil, ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return "", nil, err
	}
	c.driver.record(c.id, sql, args)

	switch {
	case strings.HasPrefix(sql, "SAVEPOINT "):
		name := strings.TrimPrefix(sql, "SAVEPOINT ")
		c.savepoints = append(c.savepoints, savepoint{name: name, snap: append([]any(nil), c.work...)})
		return "SAVEPOINT", nil, nil
	case strings.HasPrefix(sql, "RELEASE SAVEPOINT "):
		name := strings.TrimPrefix(sql, "RELEASE SAVEPOINT ")
		if err := c.dropSavepoint(name, false); err != nil {
			return "", nil, err
		}
		return "RELEASE", nil, nil
	case strings.HasPrefix(sql, "ROLLBACK TO SAVEPOINT "):
		name := strings.TrimPrefix(sql, "ROLLBACK TO SAVEPOINT ")
		if err := c.dropSavepoint(name, true); err != nil {
			return "", nil, err
		}
		return "ROLLBACK", nil, nil
	case strings.HasPrefix(sql, "INSERT"):
		var value any
		if len(args) == 1 {
			value = args[0]
		} else {
			value = args
		}
		if c.inTx {
			c.work = append(c.work, value)
		} else {
			c.driver.mu.Lock()
			c.driver.store = append(c.driver.store, value)
			c.driver.mu.Unlock()
		}
		return "INSERT 0 1", nil, nil
	case strings.HasPrefix(sql, "SELECT"):
		var src []any
		if c.inTx {
			src = c.work
		} else {
			c.driver.mu.Lock()
			src = append([]any(nil), c.driver.store...)
			c.driver.mu.Unlock()
		}
		rows := make([]dialect.Row, len(src))
		for i, v := range src {
			rows[i] = dialect.NewRow([]string{"value"}, []any{v})
		}
		return fmt.Sprintf("SELECT %d", len(rows)), rows, nil
	case strings.HasPrefix(sql, "ERROR"):
		return "", nil, fmt.Errorf("dialecttest: forced driver error")
	default:
		return "OK", nil, nil
	}
}

func (c *Conn) dropSavepoint(name string, restore bool) error {
	for i := len(c.savepoints) - 1; i >= 0; i-- {
		if c.savepoints[i].name == name {
			if restore {
				c.work = c.savepoints[i].snap
			}
			c.savepoints = c.savepoints[:i]
			return nil
		}
	}
	return fmt.Errorf("dialecttest: unknown savepoint %q", name)
}

// Query implements dialect.DriverConn.
func (c *Conn) Query(ctx context.Context, sql string, args []any) ([]dialect.Row, error) {
	_, rows, err := c.exec(ctx, sql, args)
	return rows, err
}

// QueryFirst implements dialect.DriverConn.
func (c *Conn) QueryFirst(ctx context.Context, sql string, args []any) (dialect.Row, error) {
	_, rows, err := c.exec(ctx, sql, args)
	if err != nil {
		return dialect.Row{}, err
	}
	if len(rows) == 0 {
		return dialect.Row{}, dialect.ErrNoRows
	}
	return rows[0], nil
}

// Exec implements dialect.DriverConn.
func (c *Conn) Exec(ctx context.Context, sql string, args []any) (string, error) {
	status, _, err := c.exec(ctx, sql, args)
	return status, err
}

// OpenCursor implements dialect.DriverConn.
func (c *Conn) OpenCursor(ctx context.Context, sql string, args []any, batchSize int) (dialect.Cursor, error) {
	if c.driver.RequireTxForCursor && !c.inTx {
		return nil, errors.New("dialecttest: cursor requires a transaction")
	}
	rows, err := c.Query(ctx, sql, args)
	if err != nil {
		return nil, err
	}
	return &cursor{rows: rows, batch: batchSize}, nil
}

// Begin implements dialect.DriverConn.
func (c *Conn) Begin(ctx context.Context) error {
	if c.closed {
		return ErrClosed
	}
	c.driver.record(c.id, "BEGIN", nil)
	c.driver.mu.Lock()
	c.work = append([]any(nil), c.driver.store...)
	c.driver.mu.Unlock()
	c.inTx = true
	c.savepoints = nil
	return nil
}

// Commit implements dialect.DriverConn.
func (c *Conn) Commit(ctx context.Context) error {
	if c.closed {
		return ErrClosed
	}
	c.driver.record(c.id, "COMMIT", nil)
	c.driver.mu.Lock()
	c.driver.store = c.work
	c.driver.mu.Unlock()
	c.inTx = false
	c.work = nil
	c.savepoints = nil
	return nil
}

// Rollback implements dialect.DriverConn.
func (c *Conn) Rollback(ctx context.Context) error {
	if c.closed {
		return ErrClosed
	}
	c.driver.record(c.id, "ROLLBACK", nil)
	c.inTx = false
	c.work = nil
	c.savepoints = nil
	return nil
}

// Close implements dialect.DriverConn.
func (c *Conn) Close(ctx context.Context) error {
	c.closed = true
	return nil
}

type cursor struct {
	rows   []dialect.Row
	pos    int
	batch  int
	closed bool
}

func (cu *cursor) Next(ctx context.Context) (dialect.Row, bool, error) {
	if cu.closed {
		return dialect.Row{}, false, errors.New("dialecttest: cursor is closed")
	}
	if cu.pos >= len(cu.rows) {
		return dialect.Row{}, false, nil
	}
	row := cu.rows[cu.pos]
	cu.pos++
	return row, true, nil
}

func (cu *cursor) Many(ctx context.Context, n int) ([]dialect.Row, error) {
	if cu.closed {
		return nil, errors.New("dialecttest: cursor is closed")
	}
	end := cu.pos + n
	if end > len(cu.rows) {
		end = len(cu.rows)
	}
	rows := cu.rows[cu.pos:end]
	cu.pos = end
	return rows, nil
}

func (cu *cursor) Close(ctx context.Context) error {
	cu.closed = true
	return nil
}
