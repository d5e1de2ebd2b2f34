package lifecycle

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codervisor/clawden/internal/agent/agentconfig"
	"github.com/codervisor/clawden/internal/common/config"
	"github.com/codervisor/clawden/internal/db"
	v1 "github.com/codervisor/clawden/pkg/api/v1"
)

func TestSQLRepository_SaveListDelete(t *testing.T) {
	pool, err := db.Open(config.DatabaseConfig{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "clawden.db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Close() })

	repo, err := NewSQLRepository(pool)
	require.NoError(t, err)
	ctx := context.Background()

	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	p := Persisted{
		Record: v1.AgentRecord{
			ID:           "a1",
			Name:         "pico",
			Runtime:      "picoclaw",
			Mode:         v1.ModeNative,
			Capabilities: []string{"chat"},
			State:        v1.AgentStateInstalled,
			Install:      &v1.InstallRecord{Runtime: "picoclaw", Version: "1.0.0", Checksum: "abc"},
			CreatedAt:    created,
			UpdatedAt:    created,
		},
		Spec: Spec{
			Name:    "pico",
			Runtime: "picoclaw",
			Secrets: map[string]string{"TOKEN": "env:TOKEN"},
			Config:  agentconfig.Config{Name: "pico", Model: agentconfig.ModelConfig{Provider: "openai", Name: "gpt-4o"}},
		},
	}
	require.NoError(t, repo.Save(ctx, p))

	p.Record.State = v1.AgentStateRunning
	p.Record.Locator = v1.Locator{PID: 99}
	p.Record.UpdatedAt = created.Add(time.Minute)
	require.NoError(t, repo.Save(ctx, p))

	second := p
	second.Record.ID = "a2"
	second.Record.CreatedAt = created.Add(time.Hour)
	require.NoError(t, repo.Save(ctx, second))

	got, err := repo.List(ctx)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "a1", got[0].Record.ID)
	assert.Equal(t, v1.AgentStateRunning, got[0].Record.State)
	assert.Equal(t, 99, got[0].Record.Locator.PID)
	assert.Equal(t, "env:TOKEN", got[0].Spec.Secrets["TOKEN"])
	assert.Equal(t, "gpt-4o", got[0].Spec.Config.Model.Name)

	require.NoError(t, repo.Delete(ctx, "a1"))
	got, err = repo.List(ctx)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "a2", got[0].Record.ID)
}

func TestMemoryRepository_ReturnsCopies(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	rec := v1.AgentRecord{ID: "a1", Capabilities: []string{"chat"}}
	require.NoError(t, repo.Save(ctx, Persisted{Record: rec}))

	got, err := repo.List(ctx)
	require.NoError(t, err)
	got[0].Record.Capabilities[0] = "mutated"

	again, err := repo.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, "chat", again[0].Record.Capabilities[0])
}
