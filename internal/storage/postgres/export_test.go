package postgres

import "context"

// DBPool exposes the pool seam for tests.
type DBPool = dbPool

// WithNewPool overrides how the connection pool is built. Used in tests.
func WithNewPool(f func(ctx context.Context, dsn string) (DBPool, error)) Options {
	return func(o *options) {
		o.newPool = f
	}
}
