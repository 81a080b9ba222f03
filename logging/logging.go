package logging

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/driftdb/drift/dialect"
)

// PrettyJSONHandler is a custom handler that pretty prints JSON in development
type PrettyJSONHandler struct {
	*slog.JSONHandler
	writer io.Writer
}

func (h *PrettyJSONHandler) Handle(ctx context.Context, r slog.Record) error {
	// Convert the record to a map
	attrs := make(map[string]interface{})
	r.Attrs(func(a slog.Attr) bool {
		attrs[a.Key] = a.Value.Any()
		return true
	})

	// Add time and level
	attrs["time"] = r.Time.Format(time.RFC3339)
	attrs["level"] = r.Level.String()
	attrs["msg"] = r.Message

	// Marshal with indentation
	prettyJSON, err := json.MarshalIndent(attrs, "", "  ")
	if err != nil {
		return err
	}

	// Write to the handler's writer with newline
	_, err = h.writer.Write(append(prettyJSON, '\n'))
	return err
}

// NewPrettyJSONHandler creates a new pretty JSON handler
func newPrettyJSONHandler() *PrettyJSONHandler {
	return &PrettyJSONHandler{
		JSONHandler: slog.NewJSONHandler(os.Stdout, nil),
		writer:      os.Stdout,
	}
}

var ProdLogger = slog.New(slog.NewJSONHandler(os.Stdout, nil))

var DevLogger = slog.New(newPrettyJSONHandler())

// Decorate wraps a connection pool and adds tasteful JSON logging to its
// lifecycle: acquisitions with their wait time, releases, and discards.
func Decorate(logger *slog.Logger, inner dialect.Pool) dialect.Pool {
	return &loggedPool{inner: inner, logger: logger}
}

type loggedPool struct {
	inner  dialect.Pool
	logger *slog.Logger
}

func (p *loggedPool) Acquire(ctx context.Context) (dialect.DriverConn, error) {
	startTime := time.Now()
	conn, err := p.inner.Acquire(ctx)
	waitMS := float64(time.Since(startTime).Nanoseconds()) / 1e6

	if err != nil {
		p.logger.Warn("pool_acquire_failed",
			"wait_ms", waitMS,
			"error", err.Error(),
		)
		return nil, err
	}
	p.logger.Info("pool_acquired",
		"wait_ms", waitMS,
	)
	return conn, nil
}

func (p *loggedPool) Release(conn dialect.DriverConn) {
	p.inner.Release(conn)
	p.logger.Info("pool_released")
}

func (p *loggedPool) Discard(conn dialect.DriverConn) {
	p.inner.Discard(conn)
	p.logger.Warn("pool_discarded")
}

func (p *loggedPool) Close(ctx context.Context) error {
	err := p.inner.Close(ctx)
	p.logger.Info("pool_closed")
	return err
}
