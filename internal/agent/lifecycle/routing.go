package lifecycle

import (
	"context"
	"fmt"
	"sort"

	"github.com/codervisor/clawden/internal/agent/agenterr"
	"github.com/codervisor/clawden/internal/common/tracing"
	v1 "github.com/codervisor/clawden/pkg/api/v1"
)

// TaskRequest routes a message to an instance.
type TaskRequest struct {
	// Capabilities the chosen instance must all offer.
	Capabilities []string
	Message      v1.Message
	// Target bypasses selection when set.
	Target string
}

// TaskResult is the chosen instance and its reply.
type TaskResult struct {
	Agent    v1.AgentRecord
	Response *v1.MessageResponse
}

// SendTask picks an instance for req and sends it the message. Candidates are
// ranked by task count, then runtime cost tier; ties rotate round-robin.
func (m *Manager) SendTask(ctx context.Context, req TaskRequest) (TaskResult, error) {
	ctx, span := tracing.Start(ctx, m.tracer, "lifecycle.send_task", req.Target, "")
	res, err := m.sendTask(ctx, req)
	tracing.End(span, err)

	target := res.Agent.ID
	if target == "" {
		target = req.Target
	}
	if target == "" {
		target = "fleet"
	}
	m.audit(ctx, "task.send", target, err, "")
	return res, err
}

func (m *Manager) sendTask(ctx context.Context, req TaskRequest) (TaskResult, error) {
	id := req.Target
	if id == "" {
		var err error
		if id, err = m.selectAgent(req.Capabilities); err != nil {
			return TaskResult{}, err
		}
	}
	e, err := m.entry(id)
	if err != nil {
		return TaskResult{}, err
	}
	if err := m.serving(e); err != nil {
		return TaskResult{Agent: e.snapshot()}, err
	}

	resp, err := e.adapter.Send(ctx, e.handle(), req.Message)
	if err != nil {
		return TaskResult{Agent: e.snapshot()}, fmt.Errorf("send task to %s: %w", id, err)
	}
	if resp.AgentID == "" {
		resp.AgentID = id
	}
	rec := e.update(func(r *v1.AgentRecord) { r.TaskCount++ })
	m.persist(ctx, e)
	m.metrics.TaskRouted(rec.Runtime)
	return TaskResult{Agent: m.withHealth(rec), Response: resp}, nil
}

type candidate struct {
	id       string
	tasks    int64
	costTier int
}

func (m *Manager) selectAgent(required []string) (string, error) {
	var eligible []candidate
	for _, e := range m.store.list() {
		rec := e.snapshot()
		if !m.servesTraffic(rec.State) || !hasAll(rec.Capabilities, required) {
			continue
		}
		eligible = append(eligible, candidate{
			id:       rec.ID,
			tasks:    rec.TaskCount,
			costTier: e.adapter.Descriptor().CostTier,
		})
	}
	if len(eligible) == 0 {
		return "", fmt.Errorf("%w: no running agent matches capabilities %v", agenterr.ErrUnavailable, required)
	}

	sort.Slice(eligible, func(i, j int) bool {
		a, b := eligible[i], eligible[j]
		if a.tasks != b.tasks {
			return a.tasks < b.tasks
		}
		if a.costTier != b.costTier {
			return a.costTier < b.costTier
		}
		return a.id < b.id
	})
	best := eligible[0]
	n := 1
	for n < len(eligible) && eligible[n].tasks == best.tasks && eligible[n].costTier == best.costTier {
		n++
	}
	group := eligible[:n]

	m.rrMu.Lock()
	idx := m.rrIndex % len(group)
	m.rrIndex++
	m.rrMu.Unlock()
	return group[idx].id, nil
}

func hasAll(have, required []string) bool {
	set := make(map[string]bool, len(have))
	for _, c := range have {
		set[c] = true
	}
	for _, c := range required {
		if !set[c] {
			return false
		}
	}
	return true
}
