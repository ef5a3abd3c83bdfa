// File: internal/service/initializers.go
package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/xkilldash9x/moltwatch/api/schemas"
	"github.com/xkilldash9x/moltwatch/internal/config"
	"github.com/xkilldash9x/moltwatch/internal/store/postgres"
	"github.com/xkilldash9x/moltwatch/internal/store/sqlite"
)

// OpenStore opens the backend selected by cfg.Driver. The Postgres connection is
// retried with exponential backoff so that a database that is still starting
// does not fail the command outright.
func OpenStore(ctx context.Context, cfg config.DatabaseConfig, logger *zap.Logger) (schemas.Store, error) {
	switch strings.ToLower(cfg.Driver) {
	case config.DriverSQLite:
		logger.Info("Opening SQLite store.", zap.String("path", cfg.SQLitePath))
		s, err := sqlite.Open(ctx, cfg.SQLitePath, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite store: %w", err)
		}
		return s, nil
	case config.DriverPostgres:
		return openPostgres(ctx, cfg, logger)
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", cfg.Driver)
	}
}

func openPostgres(ctx context.Context, cfg config.DatabaseConfig, logger *zap.Logger) (schemas.Store, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("database URL is not configured (hint: check MOLTWATCH_DATABASE_URL)")
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("unable to parse PGX pool config: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolConfig.MaxConns = cfg.MaxConns
	}
	poolConfig.MinConns = cfg.MinConns
	poolConfig.MaxConnLifetime = 1 * time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	if cfg.ConnectTimeout > 0 {
		poolConfig.ConnConfig.ConnectTimeout = cfg.ConnectTimeout
	}

	logger.Info("Connecting to PostgreSQL store.",
		zap.String("host", poolConfig.ConnConfig.Host),
		zap.String("database", poolConfig.ConnConfig.Database))

	var s *postgres.Store
	connect := func() error {
		pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("unable to create PGX connection pool: %w", err))
		}
		st, err := postgres.New(ctx, pool, logger)
		if err != nil {
			pool.Close()
			return err
		}
		s = st
		return nil
	}

	b := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), cfg.ConnectRetries)
	if err := retryConnect(ctx, b, logger, connect); err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	return s, nil
}

// retryConnect runs connect until it succeeds, returns a permanent error, or b
// gives up.
func retryConnect(ctx context.Context, b backoff.BackOff, logger *zap.Logger, connect func() error) error {
	attempt := 0
	op := func() error {
		attempt++
		return connect()
	}
	notify := func(err error, next time.Duration) {
		logger.Warn("Database not ready, retrying.",
			zap.Int("attempt", attempt),
			zap.Duration("backoff", next),
			zap.Error(err))
	}
	return backoff.RetryNotify(op, backoff.WithContext(b, ctx), notify)
}
