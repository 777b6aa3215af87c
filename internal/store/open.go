package store

import (
	"context"
	"fmt"
	"strings"
)

// Options selects and configures a Backend.
type Options struct {
	Driver      string // "sqlite" (default) or "postgres"
	SQLitePath  string
	PostgresDSN string
}

// Open returns the backend chosen by opts.Driver.
func Open(ctx context.Context, opts Options) (Backend, error) {
	switch strings.ToLower(opts.Driver) {
	case "", "sqlite":
		if opts.SQLitePath == "" {
			return nil, fmt.Errorf("sqlite driver: empty database path")
		}
		return NewSQLiteStore(ctx, opts.SQLitePath)
	case "postgres", "postgresql", "pgx":
		if opts.PostgresDSN == "" {
			return nil, fmt.Errorf("postgres driver: empty dsn")
		}
		return NewPostgresStore(ctx, opts.PostgresDSN)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, opts.Driver)
	}
}
