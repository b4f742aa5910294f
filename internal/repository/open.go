package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"vm-broker/backend/internal/config"
)

// Open returns the request store selected by cfg.Driver together with a
// function that releases it. Postgres schemas are migrated first when
// cfg.AutoMigrate is set.
func Open(ctx context.Context, cfg config.DBConfig) (RequestStore, func(), error) {
	switch cfg.Driver {
	case "memory":
		return NewMemoryRequestStore(), func() {}, nil
	case "postgres":
	default:
		return nil, nil, fmt.Errorf("unsupported db driver %q", cfg.Driver)
	}

	if cfg.AutoMigrate {
		if err := MigrateUp(cfg.URL()); err != nil {
			return nil, nil, err
		}
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.ConnString())
	if err != nil {
		return nil, nil, fmt.Errorf("failed to parse database config: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolConfig.MaxConns = cfg.MaxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return NewPostgresRequestStore(pool), pool.Close, nil
}
