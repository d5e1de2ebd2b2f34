package lifecycle

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codervisor/clawden/internal/agent/adapter"
	"github.com/codervisor/clawden/internal/agent/agenterr"
	"github.com/codervisor/clawden/internal/audit"
	"github.com/codervisor/clawden/internal/common/logger"
	v1 "github.com/codervisor/clawden/pkg/api/v1"
)

func TestSendTask_RanksByTaskCountThenCostTier(t *testing.T) {
	cheap := newFakeAdapter("picoclaw", 1, "chat")
	pricey := newFakeAdapter("openclaw", 3, "chat", "browser")
	fx := newFixture(t, Options{}, cheap, pricey)
	ctx := context.Background()

	a := fx.running(t, "picoclaw")
	b := fx.running(t, "picoclaw")
	c := fx.running(t, "openclaw")

	pick := func() string {
		t.Helper()
		res, err := fx.mgr.SendTask(ctx, TaskRequest{Capabilities: []string{"chat"}, Message: v1.Message{Content: "hello"}})
		require.NoError(t, err)
		require.NotNil(t, res.Response)
		assert.Equal(t, "echo: hello", res.Response.Content)
		assert.Equal(t, res.Agent.ID, res.Response.AgentID)
		return res.Agent.ID
	}

	first, second := pick(), pick()
	assert.ElementsMatch(t, []string{a.ID, b.ID}, []string{first, second})
	assert.Equal(t, c.ID, pick(), "idle expensive agent beats busy cheap ones")

	got, err := fx.mgr.Get(a.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 1, got.TaskCount)

	sends, err := fx.audit.Query(audit.Filter{Action: "task.send"})
	require.NoError(t, err)
	assert.Len(t, sends, 3)
}

func TestSendTask_RoundRobinWithinTies(t *testing.T) {
	fa := newFakeAdapter("picoclaw", 1, "chat")
	fx := newFixture(t, Options{}, fa)
	ctx := context.Background()
	a := fx.running(t, "picoclaw")
	b := fx.running(t, "picoclaw")

	counts := map[string]int{}
	for i := 0; i < 6; i++ {
		res, err := fx.mgr.SendTask(ctx, TaskRequest{Message: v1.Message{Content: "x"}})
		require.NoError(t, err)
		counts[res.Agent.ID]++
	}
	assert.Equal(t, 3, counts[a.ID])
	assert.Equal(t, 3, counts[b.ID])
}

func TestSendTask_CapabilityFilterAndTarget(t *testing.T) {
	pico := newFakeAdapter("picoclaw", 1, "chat")
	open := newFakeAdapter("openclaw", 3, "chat", "browser")
	fx := newFixture(t, Options{}, pico, open)
	ctx := context.Background()
	p := fx.running(t, "picoclaw")
	o := fx.running(t, "openclaw")

	res, err := fx.mgr.SendTask(ctx, TaskRequest{Capabilities: []string{"browser"}, Message: v1.Message{Content: "x"}})
	require.NoError(t, err)
	assert.Equal(t, o.ID, res.Agent.ID)

	res, err = fx.mgr.SendTask(ctx, TaskRequest{Target: p.ID, Message: v1.Message{Content: "x"}})
	require.NoError(t, err)
	assert.Equal(t, p.ID, res.Agent.ID)

	_, err = fx.mgr.SendTask(ctx, TaskRequest{Capabilities: []string{"voice"}, Message: v1.Message{Content: "x"}})
	assert.ErrorIs(t, err, agenterr.ErrUnavailable)

	_, err = fx.mgr.Stop(ctx, p.ID)
	require.NoError(t, err)
	_, err = fx.mgr.SendTask(ctx, TaskRequest{Target: p.ID, Message: v1.Message{Content: "x"}})
	assert.ErrorIs(t, err, agenterr.ErrUnavailable)

	_, err = fx.mgr.SendTask(ctx, TaskRequest{Target: "missing", Message: v1.Message{Content: "x"}})
	assert.ErrorIs(t, err, agenterr.ErrAgentNotFound)
}

func TestSendTask_TaskCountSurvivesReload(t *testing.T) {
	fa := newFakeAdapter("picoclaw", 1, "chat")
	fx := newFixture(t, Options{}, fa)
	ctx := context.Background()
	a := fx.running(t, "picoclaw")

	for i := 0; i < 2; i++ {
		_, err := fx.mgr.SendTask(ctx, TaskRequest{Target: a.ID, Message: v1.Message{Content: "x"}})
		require.NoError(t, err)
	}

	log := logger.NewNop()
	reg := adapter.NewRegistry(log)
	reg.Register(fa)
	restarted := NewManager(reg, fx.repo, nil, nil, Options{}, log)
	n, err := restarted.Load(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	got, err := restarted.Get(a.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 2, got.TaskCount)
}
