// Command drift-demo runs a small end-to-end tour of drift against an
// SQLite database: open, insert, query, nested transactions, and cursor
// iteration.
//
//	go run ./cmd/drift-demo [database-url]
//
// The database URL defaults to sqlite://drift-demo.db.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/driftdb/drift"
	"github.com/driftdb/drift/dialect"
	"github.com/driftdb/drift/engine"
	"github.com/driftdb/drift/logging"
	_ "github.com/driftdb/drift/sqldialect"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "drift-demo:", err)
		os.Exit(1)
	}
}

func run() error {
	databaseURL := "sqlite://drift-demo.db"
	if len(os.Args) > 1 {
		databaseURL = os.Args[1]
	}

	ctx := context.Background()
	e, err := drift.Open(ctx, databaseURL, drift.Config{
		MaxSize: 4,
		MinSize: 1,
		Logger:  logging.DevLogger,
	})
	if err != nil {
		return err
	}
	defer e.Close(ctx)

	ctx = e.BindContext(ctx)

	if _, err := e.Status(ctx, `CREATE TABLE IF NOT EXISTS pets (
		id INTEGER PRIMARY KEY,
		name TEXT NOT NULL,
		kind TEXT NOT NULL
	)`); err != nil {
		return err
	}
	if _, err := e.Status(ctx, "DELETE FROM pets"); err != nil {
		return err
	}

	// bulk insert: one statement, one execution per parameter set
	if _, err := e.Status(ctx, "INSERT INTO pets (name, kind) VALUES (:name, :kind)",
		[]dialect.Params{
			{"name": "rex", "kind": "dog"},
			{"name": "milo", "kind": "cat"},
			{"name": "coco", "kind": "parrot"},
		}); err != nil {
		return err
	}

	n, err := e.Scalar(ctx, "SELECT count(*) FROM pets")
	if err != nil {
		return err
	}
	fmt.Println("pets:", n)

	// a failed transaction leaves no trace
	boom := errors.New("double insert rejected")
	err = e.Transaction(ctx, func(ctx context.Context, tx *engine.Tx) error {
		if _, err := tx.Conn().Status(ctx, "INSERT INTO pets (name, kind) VALUES (:name, :kind)",
			dialect.Params{"name": "ghost", "kind": "dog"}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		return fmt.Errorf("expected rollback, got %w", err)
	}

	// nested transactions become savepoints on the same connection
	err = e.Transaction(ctx, func(ctx context.Context, outer *engine.Tx) error {
		if _, err := outer.Conn().Status(ctx, "INSERT INTO pets (name, kind) VALUES ('luna', 'cat')"); err != nil {
			return err
		}
		inner := e.Transaction(ctx, func(ctx context.Context, tx *engine.Tx) error {
			if _, err := tx.Conn().Status(ctx, "INSERT INTO pets (name, kind) VALUES ('nope', 'snake')"); err != nil {
				return err
			}
			return tx.Rollback(ctx)
		})
		return inner
	})
	if err != nil {
		return err
	}

	// cursor iteration inside an explicit connection scope
	conn, err := e.Acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release(ctx)

	return conn.Transaction(ctx, func(ctx context.Context, tx *engine.Tx) error {
		cur, err := conn.Iterate(ctx, "SELECT name, kind FROM pets ORDER BY name")
		if err != nil {
			return err
		}
		defer cur.Close(ctx)

		for {
			row, ok, err := cur.Next(ctx)
			if err != nil {
				return err
			}
			if !ok {
				return nil
			}
			name, _ := row.Get("name")
			kind, _ := row.Get("kind")
			fmt.Printf("  %v (%v)\n", name, kind)
		}
	})
}
