package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/codervisor/clawden/internal/common/config"
)

// Fleet store sizing. The daemon holds one row per instance and writes on
// each transition, so a handful of connections is plenty.
const (
	defaultPostgresMaxConns = 10
	defaultPostgresMinConns = 2
	postgresConnLifetime    = 30 * time.Minute
	postgresPingTimeout     = 5 * time.Second
)

// postgresLimits fills unset limits and keeps the idle pool within the open
// limit.
func postgresLimits(cfg config.DatabaseConfig) (maxOpen, maxIdle int) {
	maxOpen, maxIdle = cfg.MaxConns, cfg.MinConns
	if maxOpen <= 0 {
		maxOpen = defaultPostgresMaxConns
	}
	if maxIdle <= 0 {
		maxIdle = defaultPostgresMinConns
	}
	if maxIdle > maxOpen {
		maxIdle = maxOpen
	}
	return maxOpen, maxIdle
}

// OpenPostgres connects the fleet store to PostgreSQL. The DSN must reach a
// live server; an unreachable database fails startup instead of the first
// transition.
func OpenPostgres(cfg config.DatabaseConfig) (*sql.DB, error) {
	conn, err := sql.Open(DriverPostgres, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open fleet store on postgres: %w", err)
	}
	maxOpen, maxIdle := postgresLimits(cfg)
	conn.SetMaxOpenConns(maxOpen)
	conn.SetMaxIdleConns(maxIdle)
	conn.SetConnMaxLifetime(postgresConnLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), postgresPingTimeout)
	defer cancel()
	if err := conn.PingContext(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("fleet store postgres unreachable: %w", err)
	}
	return conn, nil
}
