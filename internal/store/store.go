// Package store persists query results in PostgreSQL.
package store

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// ApplicationName is reported to PostgreSQL for every sink connection.
const ApplicationName = "acis-worker"

// Config holds database connection configuration.
type Config struct {
	Host            string
	Port            int
	User            string
	Password        string
	Database        string
	SSLMode         string
	MaxConns        int
	MinConns        int
	ConnMaxLifetime time.Duration
}

// ConnectionString returns the PostgreSQL URL. User and password are escaped.
func (c Config) ConnectionString() string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.User, c.Password),
		Host:     net.JoinHostPort(c.Host, strconv.Itoa(c.Port)),
		Path:     "/" + c.Database,
		RawQuery: url.Values{"sslmode": {c.SSLMode}}.Encode(),
	}
	return u.String()
}

// PoolConfig builds the pool configuration for the sink. Saves are short
// batches, so idle connections are health-checked and recycled.
func PoolConfig(cfg Config) (*pgxpool.Config, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.ConnectionString())
	if err != nil {
		return nil, fmt.Errorf("parse connection string: %w", err)
	}

	poolConfig.MaxConns = int32(max(cfg.MaxConns, 1)) //nolint:gosec // bounded by config validation
	poolConfig.MinConns = int32(min(cfg.MinConns, cfg.MaxConns)) //nolint:gosec // bounded by config validation
	if cfg.ConnMaxLifetime > 0 {
		poolConfig.MaxConnLifetime = cfg.ConnMaxLifetime
		poolConfig.MaxConnIdleTime = cfg.ConnMaxLifetime / 2
	}
	poolConfig.HealthCheckPeriod = 30 * time.Second
	poolConfig.ConnConfig.RuntimeParams["application_name"] = ApplicationName
	return poolConfig, nil
}

// Connect creates a connection pool and verifies it with a ping.
func Connect(ctx context.Context, cfg Config) (*pgxpool.Pool, error) {
	poolConfig, err := PoolConfig(cfg)
	if err != nil {
		return nil, err
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return pool, nil
}

// Open connects, migrates the schema and returns a ready Sink. The pool is
// returned so the caller can close it after the last Save.
func Open(ctx context.Context, cfg Config, logger zerolog.Logger) (*Sink, *pgxpool.Pool, error) {
	pool, err := Connect(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}

	sink := NewSink(pool, logger)
	if err := sink.Migrate(ctx); err != nil {
		pool.Close()
		return nil, nil, err
	}
	logger.Info().
		Str("host", cfg.Host).
		Str("database", cfg.Database).
		Int("max_conns", cfg.MaxConns).
		Msg("record sink ready")
	return sink, pool, nil
}
