package drift

import (
	"context"

	"github.com/driftdb/drift/dialect"
)

// Queryable is anything exposing the result-shape methods: *engine.Engine,
// *engine.Conn and *DB all qualify.
type Queryable interface {
	All(ctx context.Context, clause any, args ...any) ([]dialect.Row, error)
	First(ctx context.Context, clause any, args ...any) (dialect.Row, error)
}

// Loader turns one result row into a value, typically a model struct.
type Loader[T any] func(dialect.Row) (T, error)

// AllAs runs the clause and loads every row through the loader.
func AllAs[T any](ctx context.Context, q Queryable, load Loader[T], clause any, args ...any) ([]T, error) {
	rows, err := q.All(ctx, clause, args...)
	if err != nil {
		return nil, err
	}
	out := make([]T, 0, len(rows))
	for _, row := range rows {
		v, err := load(row)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// FirstAs runs the clause and loads the first row through the loader,
// returning dialect.ErrNoRows when there is none.
func FirstAs[T any](ctx context.Context, q Queryable, load Loader[T], clause any, args ...any) (T, error) {
	var zero T
	row, err := q.First(ctx, clause, args...)
	if err != nil {
		return zero, err
	}
	return load(row)
}
