// Package database checks connectivity to a PostgreSQL store before runs are
// scheduled against it.
package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PoolConfig bounds the probe pool.
type PoolConfig struct {
	MaxConns int32
	MinConns int32
}

// DefaultPoolConfig returns the settings used by `qapilot doctor`.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{MaxConns: 4, MinConns: 0}
}

// Connect creates a pgx connection pool for dsn and pings it.
func Connect(ctx context.Context, dsn string, cfg PoolConfig) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}

	if cfg.MaxConns > 0 {
		poolConfig.MaxConns = cfg.MaxConns
	}
	poolConfig.MinConns = cfg.MinConns
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = time.Minute * 30

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return pool, nil
}

// ServerInfo describes the database a DSN reaches.
type ServerInfo struct {
	Version  string
	Database string
	// Migrated reports whether the run tables exist.
	Migrated bool
	Latency  time.Duration
}

// Probe connects to dsn and reports what it finds.
func Probe(ctx context.Context, dsn string) (ServerInfo, error) {
	start := time.Now()
	pool, err := Connect(ctx, dsn, DefaultPoolConfig())
	if err != nil {
		return ServerInfo{}, err
	}
	defer pool.Close()

	info := ServerInfo{Latency: time.Since(start)}
	if err := pool.QueryRow(ctx, "SELECT version(), current_database()").Scan(&info.Version, &info.Database); err != nil {
		return info, fmt.Errorf("failed to query server version: %w", err)
	}
	var runsTable *string
	if err := pool.QueryRow(ctx, "SELECT to_regclass('public.runs')::text").Scan(&runsTable); err != nil {
		return info, fmt.Errorf("failed to inspect schema: %w", err)
	}
	info.Migrated = runsTable != nil
	return info, nil
}

// IsAvailable checks if database is available
func IsAvailable(ctx context.Context, dsn string) bool {
	pool, err := Connect(ctx, dsn, DefaultPoolConfig())
	if err != nil {
		return false
	}
	defer pool.Close()
	return true
}
