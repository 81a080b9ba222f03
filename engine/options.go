package engine

import (
	"log/slog"
	"time"
)

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the structured logger. The engine logs connection and
// transaction lifecycle events at Debug level. Default is a discard logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithCursorBatchSize sets how many rows Iterate fetches per round trip.
// Default is 64.
func WithCursorBatchSize(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.batchSize = n
		}
	}
}

type acquireOptions struct {
	reuse    bool
	lazy     bool
	reusable bool
	timeout  time.Duration
}

// AcquireOption configures one Acquire call.
type AcquireOption func(*acquireOptions)

// Reuse makes Acquire return a handle sharing the most recently acquired
// reusable connection in the current context, if one exists. Otherwise the
// acquisition proceeds normally and the new handle anchors future reuse.
func Reuse() AcquireOption {
	return func(o *acquireOptions) { o.reuse = true }
}

// Lazy defers checking out a raw connection until the handle's first query
// or transaction.
func Lazy() AcquireOption {
	return func(o *acquireOptions) { o.lazy = true }
}

// NotReusable keeps the handle off the context stack: descendants can never
// reuse it. Handles are reusable by default.
func NotReusable() AcquireOption {
	return func(o *acquireOptions) { o.reusable = false }
}

// WithAcquireTimeout bounds the wait for a raw connection when this handle
// materializes one from the pool.
func WithAcquireTimeout(d time.Duration) AcquireOption {
	return func(o *acquireOptions) { o.timeout = d }
}

// ExecOptions are per-call execution options, attached to a handle copy via
// Conn.WithOptions.
type ExecOptions struct {
	// Timeout aborts the in-flight driver call when exceeded. The raw
	// connection is then discarded instead of being reused.
	Timeout time.Duration
}
