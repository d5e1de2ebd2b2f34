package db

import (
	"path/filepath"
	"testing"

	"github.com/codervisor/clawden/internal/common/config"
)

func TestOpen_SQLiteWriterAndReader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "fleet.db")
	pool, err := Open(config.DatabaseConfig{Driver: "sqlite", Path: path})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer func() { _ = pool.Close() }()

	if pool.IsPostgres() {
		t.Error("sqlite pool reports postgres")
	}
	if _, err := pool.Writer().Exec(`CREATE TABLE t (id TEXT PRIMARY KEY)`); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := pool.Writer().Exec(pool.Writer().Rebind(`INSERT INTO t (id) VALUES (?)`), "a"); err != nil {
		t.Fatalf("insert: %v", err)
	}
	var n int
	if err := pool.Reader().Get(&n, `SELECT COUNT(*) FROM t`); err != nil {
		t.Fatalf("count via reader: %v", err)
	}
	if n != 1 {
		t.Errorf("count = %d, want 1", n)
	}
}

func TestOpen_UnknownDriver(t *testing.T) {
	if _, err := Open(config.DatabaseConfig{Driver: "oracle"}); err == nil {
		t.Fatal("expected error for unknown driver")
	}
}

func TestPostgresLimits(t *testing.T) {
	tests := []struct {
		name               string
		cfg                config.DatabaseConfig
		wantOpen, wantIdle int
	}{
		{"defaults", config.DatabaseConfig{}, defaultPostgresMaxConns, defaultPostgresMinConns},
		{"explicit", config.DatabaseConfig{MaxConns: 20, MinConns: 4}, 20, 4},
		{"idle capped", config.DatabaseConfig{MaxConns: 3, MinConns: 8}, 3, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			open, idle := postgresLimits(tt.cfg)
			if open != tt.wantOpen || idle != tt.wantIdle {
				t.Errorf("postgresLimits = (%d, %d), want (%d, %d)", open, idle, tt.wantOpen, tt.wantIdle)
			}
		})
	}
}
