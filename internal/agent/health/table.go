// Package health polls running instances and keeps the shared health table
// the recovery engine reads.
package health

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/codervisor/clawden/internal/agent/agenterr"
	v1 "github.com/codervisor/clawden/pkg/api/v1"
)

// Table holds the latest health of every watched instance.
type Table struct {
	mu      sync.RWMutex
	entries map[string]v1.Health
}

func NewTable() *Table {
	return &Table{entries: make(map[string]v1.Health)}
}

// Get returns the entry for id, or an unknown entry.
func (t *Table) Get(id string) v1.Health {
	t.mu.RLock()
	defer t.mu.RUnlock()
	h, ok := t.entries[id]
	if !ok {
		return v1.Health{Status: v1.HealthUnknown}
	}
	return copyHealth(h)
}

// Record stores one check result and returns the updated entry. An error or
// an unhealthy status counts as a failure; a timeout is recorded as unknown
// and counts too. Anything else resets the counter.
func (t *Table) Record(id string, status v1.HealthStatus, err error, at time.Time) v1.Health {
	t.mu.Lock()
	defer t.mu.Unlock()
	h := t.entries[id]
	h.LastCheck = &at
	h.LastError = ""

	switch {
	case errors.Is(err, agenterr.ErrHealthCheckTimeout):
		h.Status = v1.HealthUnknown
		h.ConsecutiveFailures++
		h.LastError = err.Error()
	case err != nil:
		h.Status = v1.HealthUnhealthy
		h.ConsecutiveFailures++
		h.LastError = err.Error()
	case status == v1.HealthUnhealthy:
		h.Status = status
		h.ConsecutiveFailures++
	default:
		if status == "" {
			status = v1.HealthUnknown
		}
		h.Status = status
		h.ConsecutiveFailures = 0
	}
	t.entries[id] = h
	return copyHealth(h)
}

// Reset sets id back to unknown with no failures.
func (t *Table) Reset(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[id] = v1.Health{Status: v1.HealthUnknown}
}

func (t *Table) Remove(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, id)
}

// IDs returns the ids with an entry, sorted.
func (t *Table) IDs() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]string, 0, len(t.entries))
	for id := range t.entries {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func copyHealth(h v1.Health) v1.Health {
	if h.LastCheck != nil {
		at := *h.LastCheck
		h.LastCheck = &at
	}
	return h
}
