// Package db opens the sqlx pools backing the fleet store.
package db

import (
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/codervisor/clawden/internal/common/config"
)

// Driver names as registered with database/sql.
const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "pgx"
)

// Pool pairs a write pool with a read pool. SQLite serializes writes through one
// connection and reads through a read-only pool; PostgreSQL shares one *sqlx.DB.
type Pool struct {
	writer *sqlx.DB
	reader *sqlx.DB
}

// NewPool creates a Pool from separate writer and reader connections.
func NewPool(writer, reader *sqlx.DB) *Pool {
	return &Pool{writer: writer, reader: reader}
}

func (p *Pool) Writer() *sqlx.DB { return p.writer }
func (p *Pool) Reader() *sqlx.DB { return p.reader }

// DriverName reports the database/sql driver in use.
func (p *Pool) DriverName() string { return p.writer.DriverName() }

// IsPostgres reports whether the pool talks to PostgreSQL.
func (p *Pool) IsPostgres() bool { return p.DriverName() == DriverPostgres }

// Close closes both pools once.
func (p *Pool) Close() error {
	wErr := p.writer.Close()
	if p.reader != p.writer {
		if rErr := p.reader.Close(); rErr != nil && wErr == nil {
			return rErr
		}
	}
	return wErr
}

// Open builds a Pool for the configured driver.
func Open(cfg config.DatabaseConfig) (*Pool, error) {
	switch cfg.Driver {
	case "", "sqlite":
		w, err := OpenSQLite(cfg.Path)
		if err != nil {
			return nil, err
		}
		r, err := OpenSQLiteReader(cfg.Path)
		if err != nil {
			_ = w.Close()
			return nil, err
		}
		return NewPool(sqlx.NewDb(w, DriverSQLite), sqlx.NewDb(r, DriverSQLite)), nil
	case "postgres":
		pg, err := OpenPostgres(cfg)
		if err != nil {
			return nil, err
		}
		x := sqlx.NewDb(pg, DriverPostgres)
		return NewPool(x, x), nil
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
}
