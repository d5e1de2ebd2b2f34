package lifecycle

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/codervisor/clawden/internal/db"
	v1 "github.com/codervisor/clawden/pkg/api/v1"
)

// Persisted is one stored instance.
type Persisted struct {
	Record v1.AgentRecord
	Spec   Spec
}

// Repository persists instance records across restarts.
type Repository interface {
	Save(ctx context.Context, p Persisted) error
	Delete(ctx context.Context, id string) error
	List(ctx context.Context) ([]Persisted, error)
}

// MemoryRepository keeps records in memory.
type MemoryRepository struct {
	mu   sync.Mutex
	rows map[string]Persisted
}

var _ Repository = (*MemoryRepository)(nil)

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{rows: make(map[string]Persisted)}
}

func (r *MemoryRepository) Save(_ context.Context, p Persisted) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p.Record = cloneRecord(p.Record)
	r.rows[p.Record.ID] = p
	return nil
}

func (r *MemoryRepository) Delete(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.rows, id)
	return nil
}

func (r *MemoryRepository) List(_ context.Context) ([]Persisted, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Persisted, 0, len(r.rows))
	for _, p := range r.rows {
		p.Record = cloneRecord(p.Record)
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Record.ID < out[j].Record.ID })
	return out, nil
}

// SQLRepository stores records in the agents table on SQLite or PostgreSQL.
type SQLRepository struct {
	db *sqlx.DB // writer
	ro *sqlx.DB // reader
}

var _ Repository = (*SQLRepository)(nil)

type agentRow struct {
	ID        string    `db:"id"`
	Runtime   string    `db:"runtime"`
	State     string    `db:"state"`
	Spec      string    `db:"spec"`
	Record    string    `db:"record"`
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

// NewSQLRepository creates the schema if needed.
func NewSQLRepository(pool *db.Pool) (*SQLRepository, error) {
	repo := &SQLRepository{db: pool.Writer(), ro: pool.Reader()}
	if err := repo.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize agents schema: %w", err)
	}
	return repo, nil
}

func (r *SQLRepository) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS agents (
		id TEXT PRIMARY KEY,
		runtime TEXT NOT NULL,
		state TEXT NOT NULL,
		spec TEXT NOT NULL,
		record TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_agents_state ON agents(state);
	`
	_, err := r.db.Exec(schema)
	return err
}

func (r *SQLRepository) Save(ctx context.Context, p Persisted) error {
	spec, err := json.Marshal(p.Spec)
	if err != nil {
		return fmt.Errorf("failed to encode agent spec: %w", err)
	}
	record, err := json.Marshal(p.Record)
	if err != nil {
		return fmt.Errorf("failed to encode agent record: %w", err)
	}
	_, err = r.db.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO agents (id, runtime, state, spec, record, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			state = excluded.state,
			spec = excluded.spec,
			record = excluded.record,
			updated_at = excluded.updated_at
	`), p.Record.ID, p.Record.Runtime, string(p.Record.State), string(spec), string(record),
		p.Record.CreatedAt.UTC(), p.Record.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to save agent %s: %w", p.Record.ID, err)
	}
	return nil
}

func (r *SQLRepository) Delete(ctx context.Context, id string) error {
	if _, err := r.db.ExecContext(ctx, r.db.Rebind(`DELETE FROM agents WHERE id = ?`), id); err != nil {
		return fmt.Errorf("failed to delete agent %s: %w", id, err)
	}
	return nil
}

func (r *SQLRepository) List(ctx context.Context) ([]Persisted, error) {
	var rows []agentRow
	if err := r.ro.SelectContext(ctx, &rows, `
		SELECT id, runtime, state, spec, record, created_at, updated_at
		FROM agents
		ORDER BY created_at ASC, id ASC
	`); err != nil {
		return nil, fmt.Errorf("failed to list agents: %w", err)
	}
	out := make([]Persisted, 0, len(rows))
	for _, row := range rows {
		var p Persisted
		if err := json.Unmarshal([]byte(row.Record), &p.Record); err != nil {
			return nil, fmt.Errorf("failed to decode agent %s: %w", row.ID, err)
		}
		if err := json.Unmarshal([]byte(row.Spec), &p.Spec); err != nil {
			return nil, fmt.Errorf("failed to decode agent %s spec: %w", row.ID, err)
		}
		p.Record.State = v1.AgentState(row.State)
		out = append(out, p)
	}
	return out, nil
}
