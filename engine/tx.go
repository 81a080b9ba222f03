package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

type txState int

const (
	txInactive txState = iota
	txActive
	txCommitted
	txRolledBack
)

// Tx is a transaction bound to one connection handle. The outermost Tx on a
// handle's underlying connection issues a real BEGIN; nested ones issue
// savepoints with generated unique names.
//
// A Tx is either managed (created by Conn.Transaction / Engine.Transaction,
// finished by the scope) or manual (created by Conn.Begin, finished by
// Commit/Rollback). Inside a managed scope, Commit and Rollback do not act
// directly: they return a break signal that only the owning scope honors.
type Tx struct {
	conn      *Conn
	isRoot    bool
	savepoint string
	state     txState
	managed   bool
}

// Conn returns the handle this transaction runs on.
func (tx *Tx) Conn() *Conn { return tx.conn }

// txBreak is the early-exit signal for managed scopes. It is matched by Tx
// identity: a scope seeing another scope's break performs its own default
// rollback and propagates the signal outward.
type txBreak struct {
	tx     *Tx
	commit bool
}

func (b *txBreak) Error() string {
	if b.commit {
		return "transaction scope: early commit"
	}
	return "transaction scope: early rollback"
}

// Begin starts a manual transaction on the handle, materializing a raw
// connection if the handle is lazy. Commit or Rollback must be called
// exactly once.
func (c *Conn) Begin(ctx context.Context) (*Tx, error) {
	return c.beginTx(ctx, false)
}

// Transaction runs fn inside a managed transaction scope. The transaction
// is committed when fn returns nil and rolled back when fn returns an error
// or panics; the error (or panic) keeps propagating. Returning tx.Commit()
// or tx.Rollback() from fn exits the scope early with the corresponding
// action and Transaction returns nil.
func (c *Conn) Transaction(ctx context.Context, fn func(context.Context, *Tx) error) error {
	tx, err := c.beginTx(ctx, true)
	if err != nil {
		return err
	}
	return runTxScope(ctx, tx, fn)
}

func (c *Conn) beginTx(ctx context.Context, managed bool) (*Tx, error) {
	raw, err := c.acquireRaw(ctx)
	if err != nil {
		return nil, err
	}
	owner := c.root()
	tx := &Tx{conn: c, managed: managed}
	if owner.txDepth == 0 {
		if err := raw.Begin(ctx); err != nil {
			return nil, err
		}
		tx.isRoot = true
	} else {
		owner.spSeq++
		tx.savepoint = savepointName(owner.spSeq)
		if _, err := raw.Exec(ctx, "SAVEPOINT "+tx.savepoint, nil); err != nil {
			return nil, err
		}
	}
	owner.txDepth++
	tx.state = txActive
	c.engine.logger.Debug("transaction started",
		"conn", owner.id, "root", tx.isRoot, "savepoint", tx.savepoint)
	return tx, nil
}

func savepointName(seq int) string {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	return fmt.Sprintf("drift_sp_%d_%s", seq, id[:8])
}

func runTxScope(ctx context.Context, tx *Tx, fn func(context.Context, *Tx) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			_ = tx.finish(ctx, false)
			panic(r)
		}
	}()

	err = fn(ctx, tx)

	var brk *txBreak
	if errors.As(err, &brk) {
		if brk.tx == tx {
			// our own signal: act on it and swallow it
			return tx.finish(ctx, brk.commit)
		}
		// an outer scope's signal: default rollback, keep propagating
		_ = tx.finish(ctx, false)
		return err
	}
	if err != nil {
		_ = tx.finish(ctx, false)
		return err
	}
	return tx.finish(ctx, true)
}

// Commit commits a manual transaction. Inside a managed scope it returns
// the scope's commit signal instead; return it from the scope function.
func (tx *Tx) Commit(ctx context.Context) error {
	if tx.managed {
		return &txBreak{tx: tx, commit: true}
	}
	return tx.finish(ctx, true)
}

// Rollback rolls back a manual transaction. Inside a managed scope it
// returns the scope's rollback signal instead; return it from the scope
// function.
func (tx *Tx) Rollback(ctx context.Context) error {
	if tx.managed {
		return &txBreak{tx: tx, commit: false}
	}
	return tx.finish(ctx, false)
}

// finish moves the transaction to its terminal state: COMMIT or RELEASE
// SAVEPOINT on commit, ROLLBACK or ROLLBACK TO SAVEPOINT otherwise. A
// failed commit is downgraded to a rollback and the commit error returned.
func (tx *Tx) finish(ctx context.Context, commit bool) error {
	if tx.state != txActive {
		return ErrTxDone
	}
	owner := tx.conn.root()
	raw, err := tx.conn.acquireRaw(ctx)
	if err != nil {
		return err
	}

	if commit {
		if tx.isRoot {
			err = raw.Commit(ctx)
		} else {
			_, err = raw.Exec(ctx, "RELEASE SAVEPOINT "+tx.savepoint, nil)
		}
		if err != nil {
			tx.state = txRolledBack
			owner.txDepth--
			if tx.isRoot {
				_ = raw.Rollback(ctx)
			} else {
				_, _ = raw.Exec(ctx, "ROLLBACK TO SAVEPOINT "+tx.savepoint, nil)
			}
			return err
		}
		tx.state = txCommitted
		owner.txDepth--
		tx.conn.engine.logger.Debug("transaction committed",
			"conn", owner.id, "root", tx.isRoot, "savepoint", tx.savepoint)
		return nil
	}

	if tx.isRoot {
		err = raw.Rollback(ctx)
	} else {
		_, err = raw.Exec(ctx, "ROLLBACK TO SAVEPOINT "+tx.savepoint, nil)
	}
	tx.state = txRolledBack
	owner.txDepth--
	if err != nil {
		return err
	}
	tx.conn.engine.logger.Debug("transaction rolled back",
		"conn", owner.id, "root", tx.isRoot, "savepoint", tx.savepoint)
	return nil
}
