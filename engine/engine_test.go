package engine

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/driftdb/drift/dialect"
	"github.com/driftdb/drift/dialect/dialecttest"
	"github.com/driftdb/drift/pool"
)

// newTestEngine wires a fake driver through a real bounded pool with a
// counting decorator, so tests can assert on pool traffic.
func newTestEngine(t *testing.T, maxSize int, opts ...Option) (*dialecttest.Driver, *dialecttest.CountingPool, *Engine) {
	t.Helper()

	drv := dialecttest.New()
	p, err := pool.New(context.Background(), pool.Config{
		Factory: func(ctx context.Context) (dialect.DriverConn, error) {
			return drv.Connect(ctx, "fake://")
		},
		MaxSize: maxSize,
	})
	if err != nil {
		t.Fatalf("create pool: %v", err)
	}
	cp := &dialecttest.CountingPool{Inner: p}
	e := New(dialect.NewTextCompiler(drv.Target()), cp, opts...)
	t.Cleanup(func() { _ = e.Close(context.Background()) })
	return drv, cp, e
}

func TestAcquireRelease(t *testing.T) {
	drv, cp, e := newTestEngine(t, 2)
	ctx := e.BindContext(context.Background())

	conn, err := e.Acquire(ctx)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if drv.Connects() != 1 {
		t.Errorf("expected 1 raw connection, got %d", drv.Connects())
	}
	if err := conn.Release(ctx); err != nil {
		t.Fatalf("release: %v", err)
	}
	if cp.Releases() != 1 {
		t.Errorf("expected 1 pool release, got %d", cp.Releases())
	}
}

func TestReleaseTwice(t *testing.T) {
	_, _, e := newTestEngine(t, 2)
	ctx := e.BindContext(context.Background())

	conn, err := e.Acquire(ctx)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if err := conn.Release(ctx); err != nil {
		t.Fatalf("first release: %v", err)
	}
	if err := conn.Release(ctx); !errors.Is(err, ErrConnReleased) {
		t.Errorf("expected ErrConnReleased on second release, got %v", err)
	}
}

func TestUseAfterRelease(t *testing.T) {
	_, _, e := newTestEngine(t, 2)
	ctx := e.BindContext(context.Background())

	conn, err := e.Acquire(ctx)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if err := conn.Release(ctx); err != nil {
		t.Fatalf("release: %v", err)
	}
	if _, err := conn.All(ctx, "SELECT"); !errors.Is(err, ErrConnReleased) {
		t.Errorf("expected ErrConnReleased, got %v", err)
	}
}

// A reusing handle shares the exact same raw connection as its anchor.
func TestReuseSharesRawConnection(t *testing.T) {
	drv, _, e := newTestEngine(t, 5)
	ctx := e.BindContext(context.Background())

	outer, err := e.Acquire(ctx)
	if err != nil {
		t.Fatalf("acquire outer: %v", err)
	}
	defer outer.Release(ctx)

	inner, err := e.Acquire(ctx, Reuse())
	if err != nil {
		t.Fatalf("acquire inner: %v", err)
	}
	defer inner.Release(ctx)

	rawOuter, err := outer.Raw(ctx)
	if err != nil {
		t.Fatalf("raw outer: %v", err)
	}
	rawInner, err := inner.Raw(ctx)
	if err != nil {
		t.Fatalf("raw inner: %v", err)
	}
	if rawOuter != rawInner {
		t.Error("expected reusing handle to share the raw connection")
	}
	if drv.Connects() != 1 {
		t.Errorf("expected a single raw connection, got %d", drv.Connects())
	}
}

// With nothing to reuse, Reuse degrades to a normal acquisition that
// anchors future reuse.
func TestReuseOnEmptyStackAnchors(t *testing.T) {
	drv, _, e := newTestEngine(t, 5)
	ctx := e.BindContext(context.Background())

	first, err := e.Acquire(ctx, Reuse())
	if err != nil {
		t.Fatalf("acquire first: %v", err)
	}
	defer first.Release(ctx)

	second, err := e.Acquire(ctx, Reuse())
	if err != nil {
		t.Fatalf("acquire second: %v", err)
	}
	defer second.Release(ctx)

	if drv.Connects() != 1 {
		t.Errorf("expected second acquire to reuse, got %d raw connections", drv.Connects())
	}
}

// Reuse against an unbound context silently acquires a fresh connection.
func TestReuseUnboundContext(t *testing.T) {
	drv, _, e := newTestEngine(t, 5)

	conn, err := e.Acquire(context.Background(), Reuse())
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer conn.Release(context.Background())

	if drv.Connects() != 1 {
		t.Errorf("expected 1 raw connection, got %d", drv.Connects())
	}
	if e.CurrentConn(context.Background()) != nil {
		t.Error("expected no current connection on unbound context")
	}
}

func TestNotReusableStaysOffStack(t *testing.T) {
	_, _, e := newTestEngine(t, 5)
	ctx := e.BindContext(context.Background())

	conn, err := e.Acquire(ctx, NotReusable())
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer conn.Release(ctx)

	if cur := e.CurrentConn(ctx); cur != nil {
		t.Errorf("expected empty stack, found %s", cur.ID())
	}
}

// Lazy acquisition touches the pool only on first use.
func TestLazyMaterializesOnFirstUse(t *testing.T) {
	_, cp, e := newTestEngine(t, 5)
	ctx := e.BindContext(context.Background())

	conn, err := e.Acquire(ctx, Lazy())
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if cp.Acquires() != 0 {
		t.Fatalf("expected no pool acquisition yet, got %d", cp.Acquires())
	}

	if _, err := conn.Status(ctx, "INSERT INTO t (v) VALUES (?)", "x"); err != nil {
		t.Fatalf("status: %v", err)
	}
	if cp.Acquires() != 1 {
		t.Errorf("expected 1 pool acquisition after first use, got %d", cp.Acquires())
	}
	if err := conn.Release(ctx); err != nil {
		t.Fatalf("release: %v", err)
	}
}

// A lazy handle released before any use never touches the pool.
func TestLazyNeverUsedZeroAcquisitions(t *testing.T) {
	_, cp, e := newTestEngine(t, 5)
	ctx := e.BindContext(context.Background())

	conn, err := e.Acquire(ctx, Lazy())
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if err := conn.Release(ctx); err != nil {
		t.Fatalf("release: %v", err)
	}
	if cp.Acquires() != 0 {
		t.Errorf("expected zero pool acquisitions, got %d", cp.Acquires())
	}
	if cp.Releases() != 0 {
		t.Errorf("expected zero pool releases, got %d", cp.Releases())
	}
}

func TestCurrentConn(t *testing.T) {
	_, _, e := newTestEngine(t, 5)
	ctx := e.BindContext(context.Background())

	if e.CurrentConn(ctx) != nil {
		t.Fatal("expected nil current connection before acquire")
	}
	a, err := e.Acquire(ctx)
	if err != nil {
		t.Fatalf("acquire a: %v", err)
	}
	b, err := e.Acquire(ctx)
	if err != nil {
		t.Fatalf("acquire b: %v", err)
	}
	if cur := e.CurrentConn(ctx); cur != b {
		t.Errorf("expected current connection %s, got %v", b.ID(), cur)
	}
	if err := b.Release(ctx); err != nil {
		t.Fatalf("release b: %v", err)
	}
	if cur := e.CurrentConn(ctx); cur != a {
		t.Errorf("expected current connection %s after pop, got %v", a.ID(), cur)
	}
	if err := a.Release(ctx); err != nil {
		t.Fatalf("release a: %v", err)
	}
	if e.CurrentConn(ctx) != nil {
		t.Error("expected nil current connection after all releases")
	}
}

// Releasing an anchor while a handle still reuses it invalidates the
// reusing handle.
func TestOutOfOrderReleaseInvalidatesReusers(t *testing.T) {
	_, _, e := newTestEngine(t, 5)
	ctx := e.BindContext(context.Background())

	anchor, err := e.Acquire(ctx)
	if err != nil {
		t.Fatalf("acquire anchor: %v", err)
	}
	reuser, err := e.Acquire(ctx, Reuse())
	if err != nil {
		t.Fatalf("acquire reuser: %v", err)
	}

	if err := anchor.Release(ctx); err != nil {
		t.Fatalf("release anchor: %v", err)
	}
	if _, err := reuser.All(ctx, "SELECT"); !errors.Is(err, ErrConnReleased) {
		t.Errorf("expected ErrConnReleased from orphaned reuser, got %v", err)
	}
	if err := reuser.Release(ctx); err != nil {
		t.Fatalf("release reuser: %v", err)
	}
}

// ForkContext snapshots the stack: the goroutine sees connections
// acquired before the fork, and neither side sees the other's later
// acquisitions.
func TestForkContextSnapshot(t *testing.T) {
	_, _, e := newTestEngine(t, 5)
	ctx := e.BindContext(context.Background())

	anchor, err := e.Acquire(ctx)
	if err != nil {
		t.Fatalf("acquire anchor: %v", err)
	}
	defer anchor.Release(ctx)

	forked := e.ForkContext(ctx)
	if cur := e.CurrentConn(forked); cur != anchor {
		t.Fatalf("expected fork to observe the anchor, got %v", cur)
	}

	later, err := e.Acquire(ctx)
	if err != nil {
		t.Fatalf("acquire later: %v", err)
	}
	defer later.Release(ctx)

	if cur := e.CurrentConn(forked); cur != anchor {
		t.Errorf("expected fork to still observe the anchor, got %v", cur)
	}
	if cur := e.CurrentConn(ctx); cur != later {
		t.Errorf("expected parent to observe the later handle, got %v", cur)
	}
}

func TestWithConnReleasesOnPanic(t *testing.T) {
	_, cp, e := newTestEngine(t, 5)
	ctx := e.BindContext(context.Background())

	func() {
		defer func() {
			if recover() == nil {
				t.Error("expected panic to propagate")
			}
		}()
		_ = e.WithConn(ctx, func(ctx context.Context, c *Conn) error {
			panic("boom")
		})
	}()

	if cp.Acquires() != cp.Releases() {
		t.Errorf("expected all connections returned, acquires=%d releases=%d",
			cp.Acquires(), cp.Releases())
	}
	if e.CurrentConn(ctx) != nil {
		t.Error("expected empty stack after panic")
	}
}

func TestEngineFacadeReusesCurrentConn(t *testing.T) {
	drv, _, e := newTestEngine(t, 5)
	ctx := e.BindContext(context.Background())

	conn, err := e.Acquire(ctx)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer conn.Release(ctx)

	if _, err := e.Status(ctx, "INSERT INTO t (v) VALUES (?)", "a"); err != nil {
		t.Fatalf("status: %v", err)
	}
	rows, err := e.All(ctx, "SELECT")
	if err != nil {
		t.Fatalf("all: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected 1 row, got %d", len(rows))
	}
	if drv.Connects() != 1 {
		t.Errorf("expected facade calls to borrow the open connection, got %d connections", drv.Connects())
	}
}

func TestEngineFacadeStandalone(t *testing.T) {
	drv, cp, e := newTestEngine(t, 5)
	ctx := e.BindContext(context.Background())

	if _, err := e.Status(ctx, "INSERT INTO t (v) VALUES (?)", "a"); err != nil {
		t.Fatalf("status: %v", err)
	}
	v, err := e.Scalar(ctx, "SELECT")
	if err != nil {
		t.Fatalf("scalar: %v", err)
	}
	if v != "a" {
		t.Errorf("expected a, got %v", v)
	}
	if drv.Connects() == 0 {
		t.Error("expected at least one raw connection")
	}
	if cp.Acquires() != cp.Releases() {
		t.Errorf("expected no leaked connections, acquires=%d releases=%d",
			cp.Acquires(), cp.Releases())
	}
}

func TestRepeatedReadsAreStable(t *testing.T) {
	_, _, e := newTestEngine(t, 5)
	ctx := e.BindContext(context.Background())

	for _, v := range []string{"a", "b", "c"} {
		if _, err := e.Status(ctx, "INSERT INTO t (v) VALUES (?)", v); err != nil {
			t.Fatalf("insert %q: %v", v, err)
		}
	}
	first, err := e.All(ctx, "SELECT")
	if err != nil {
		t.Fatalf("first read: %v", err)
	}
	second, err := e.All(ctx, "SELECT")
	if err != nil {
		t.Fatalf("second read: %v", err)
	}
	if len(first) != 3 || len(second) != 3 {
		t.Fatalf("expected 3 rows from both reads, got %d and %d", len(first), len(second))
	}
	for i := range first {
		a, _ := first[i].Get("value")
		b, _ := second[i].Get("value")
		if a != b {
			t.Errorf("row %d: %v != %v", i, a, b)
		}
	}
}

func TestScalarNoRows(t *testing.T) {
	_, _, e := newTestEngine(t, 5)
	ctx := e.BindContext(context.Background())

	if _, err := e.Scalar(ctx, "SELECT"); !errors.Is(err, dialect.ErrNoRows) {
		t.Errorf("expected ErrNoRows, got %v", err)
	}
	if _, err := e.First(ctx, "SELECT"); !errors.Is(err, dialect.ErrNoRows) {
		t.Errorf("expected ErrNoRows from First, got %v", err)
	}
}

// Scalar distinguishes "no rows" from a NULL value in the first column.
func TestScalarNullValue(t *testing.T) {
	_, _, e := newTestEngine(t, 5)
	ctx := e.BindContext(context.Background())

	if _, err := e.Status(ctx, "INSERT INTO t (v) VALUES (?)", nil); err != nil {
		t.Fatalf("insert: %v", err)
	}
	v, err := e.Scalar(ctx, "SELECT")
	if err != nil {
		t.Errorf("expected nil error for NULL scalar, got %v", err)
	}
	if v != nil {
		t.Errorf("expected nil value, got %v", v)
	}
}

// Bulk execution runs the statement once per parameter set.
func TestBulkExecutesPerSet(t *testing.T) {
	drv, _, e := newTestEngine(t, 5)
	ctx := e.BindContext(context.Background())

	_, err := e.Status(ctx, "INSERT INTO t (v) VALUES (:v)", []dialect.Params{
		{"v": "a"}, {"v": "b"}, {"v": "c"},
	})
	if err != nil {
		t.Fatalf("bulk status: %v", err)
	}

	inserts := 0
	for _, sql := range drv.Statements() {
		if strings.HasPrefix(sql, "INSERT") {
			inserts++
		}
	}
	if inserts != 3 {
		t.Errorf("expected 3 INSERT executions, got %d", inserts)
	}
	if got := drv.Stored(); len(got) != 3 {
		t.Errorf("expected 3 stored values, got %v", got)
	}
}

// Bulk mode is write-only: the shape methods return zero results.
func TestBulkReturnsNoRows(t *testing.T) {
	_, _, e := newTestEngine(t, 5)
	ctx := e.BindContext(context.Background())

	sets := []dialect.Params{{"v": "a"}, {"v": "b"}}
	rows, err := e.All(ctx, "INSERT INTO t (v) VALUES (:v)", sets)
	if err != nil {
		t.Fatalf("all: %v", err)
	}
	if rows != nil {
		t.Errorf("expected nil rows in bulk mode, got %v", rows)
	}
	v, err := e.Scalar(ctx, "INSERT INTO t (v) VALUES (:v)", sets)
	if err != nil {
		t.Fatalf("scalar: %v", err)
	}
	if v != nil {
		t.Errorf("expected nil scalar in bulk mode, got %v", v)
	}
}

func TestDetachReturnsConnectionToPool(t *testing.T) {
	_, cp, e := newTestEngine(t, 5)
	ctx := e.BindContext(context.Background())

	conn, err := e.Acquire(ctx)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer conn.Release(ctx)

	if err := conn.Detach(ctx); err != nil {
		t.Fatalf("detach: %v", err)
	}
	if cp.Releases() != 1 {
		t.Fatalf("expected the raw connection back in the pool, releases=%d", cp.Releases())
	}

	// the handle is still usable and re-materializes on demand
	if _, err := conn.Status(ctx, "INSERT INTO t (v) VALUES (?)", "x"); err != nil {
		t.Fatalf("status after detach: %v", err)
	}
	if cp.Acquires() != 2 {
		t.Errorf("expected re-materialization, acquires=%d", cp.Acquires())
	}
}

// A per-call timeout abandons the connection: the raw connection is
// discarded and the error reports as a timeout.
func TestExecTimeoutDiscardsConnection(t *testing.T) {
	drv, cp, e := newTestEngine(t, 5)
	ctx := e.BindContext(context.Background())

	conn, err := e.Acquire(ctx)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer conn.Release(ctx)

	timed := conn.WithOptions(ExecOptions{Timeout: time.Nanosecond})
	_, err = timed.All(ctx, "SELECT")
	var terr *TimeoutError
	if !errors.As(err, &terr) {
		t.Fatalf("expected TimeoutError, got %v", err)
	}
	if !terr.Timeout() {
		t.Error("expected Timeout() to report true")
	}
	if cp.Discards() != 1 {
		t.Errorf("expected 1 discarded connection, got %d", cp.Discards())
	}

	// the handle recovers with a fresh connection
	if _, err := conn.Status(ctx, "INSERT INTO t (v) VALUES (?)", "x"); err != nil {
		t.Fatalf("status after timeout: %v", err)
	}
	if drv.Connects() != 2 {
		t.Errorf("expected a fresh raw connection, got %d total", drv.Connects())
	}
}

func TestIterateRequiresCurrentConn(t *testing.T) {
	_, _, e := newTestEngine(t, 5)
	ctx := e.BindContext(context.Background())

	if _, err := e.Iterate(ctx, "SELECT"); !errors.Is(err, ErrNoCurrentConn) {
		t.Errorf("expected ErrNoCurrentConn, got %v", err)
	}
}

func TestIterateCursor(t *testing.T) {
	_, _, e := newTestEngine(t, 5, WithCursorBatchSize(2))
	ctx := e.BindContext(context.Background())

	conn, err := e.Acquire(ctx)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer conn.Release(ctx)

	err = conn.Transaction(ctx, func(ctx context.Context, tx *Tx) error {
		for _, v := range []string{"a", "b", "c", "d", "e"} {
			if _, err := conn.Status(ctx, "INSERT INTO t (v) VALUES (?)", v); err != nil {
				return err
			}
		}
		cur, err := e.Iterate(ctx, "SELECT")
		if err != nil {
			return err
		}
		defer cur.Close(ctx)

		head, err := cur.Many(ctx, 2)
		if err != nil {
			return err
		}
		if len(head) != 2 {
			t.Fatalf("expected 2 rows from Many, got %d", len(head))
		}
		rest := 0
		for {
			_, ok, err := cur.Next(ctx)
			if err != nil {
				return err
			}
			if !ok {
				break
			}
			rest++
		}
		if rest != 3 {
			t.Errorf("expected 3 remaining rows, got %d", rest)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("transaction: %v", err)
	}
}

// A cursor outliving its handle fails with ErrConnReleased instead of
// touching a connection it no longer holds.
func TestCursorAfterRelease(t *testing.T) {
	_, _, e := newTestEngine(t, 5)
	ctx := e.BindContext(context.Background())

	conn, err := e.Acquire(ctx)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	tx, err := conn.Begin(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	cur, err := conn.Iterate(ctx, "SELECT")
	if err != nil {
		t.Fatalf("iterate: %v", err)
	}
	if err := tx.Rollback(ctx); err != nil {
		t.Fatalf("rollback: %v", err)
	}
	if err := conn.Release(ctx); err != nil {
		t.Fatalf("release: %v", err)
	}

	if _, _, err := cur.Next(ctx); !errors.Is(err, ErrConnReleased) {
		t.Errorf("expected ErrConnReleased from Next, got %v", err)
	}
	if _, err := cur.Many(ctx, 1); !errors.Is(err, ErrConnReleased) {
		t.Errorf("expected ErrConnReleased from Many, got %v", err)
	}
}

// Two logical tasks complete over a single-connection pool: reuse inside
// each task keeps per-task raw usage at one, so the tasks hand the
// connection over instead of deadlocking.
func TestSingleConnectionPoolHandoff(t *testing.T) {
	_, _, e := newTestEngine(t, 1)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ctx := e.BindContext(context.Background())
			errs[i] = e.Transaction(ctx, func(ctx context.Context, tx *Tx) error {
				if _, err := tx.Conn().Status(ctx, "INSERT INTO t (v) VALUES (?)", i); err != nil {
					return err
				}
				// nested work reuses the task's connection, never a second one
				return e.Transaction(ctx, func(ctx context.Context, tx *Tx) error {
					_, err := tx.Conn().Status(ctx, "INSERT INTO t (v) VALUES (?)", i)
					return err
				})
			})
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Errorf("task %d: %v", i, err)
		}
	}
}
