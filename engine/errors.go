package engine

import (
	"errors"
	"fmt"
)

var (
	// ErrConnReleased is returned when using a connection handle after it
	// was permanently released, including handles whose reuse ancestor was
	// released out of order. Surfaced on next use, not proactively.
	ErrConnReleased = errors.New("connection has been released")

	// ErrTxDone is returned by Commit or Rollback on a transaction that has
	// already reached a terminal state.
	ErrTxDone = errors.New("transaction already committed or rolled back")

	// ErrNoCurrentConn is returned by Engine.Iterate when the context holds
	// no reusable connection to run the cursor on.
	ErrNoCurrentConn = errors.New("no reusable connection in context")
)

// TimeoutError wraps a driver error caused by a per-call timeout. The raw
// connection involved is discarded rather than returned to the pool.
type TimeoutError struct {
	Err error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("query timed out: %v", e.Err)
}

func (e *TimeoutError) Unwrap() error { return e.Err }

// Timeout reports true, following the net.Error convention.
func (e *TimeoutError) Timeout() bool { return true }
