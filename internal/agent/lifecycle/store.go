package lifecycle

import (
	"sort"
	"sync"

	"github.com/codervisor/clawden/internal/agent/adapter"
	"github.com/codervisor/clawden/internal/agent/agentconfig"
	v1 "github.com/codervisor/clawden/pkg/api/v1"
)

// Spec is what an instance was registered with. It is persisted next to the
// record so a restored instance can be started again.
type Spec struct {
	Name         string             `json:"name"`
	Runtime      string             `json:"runtime"`
	Mode         v1.ExecutionMode   `json:"mode"`
	Capabilities []string           `json:"capabilities,omitempty"`
	Endpoint     string             `json:"endpoint,omitempty"`
	Port         int                `json:"port,omitempty"`
	Args         []string           `json:"args,omitempty"`
	Env          map[string]string  `json:"env,omitempty"`
	Secrets      map[string]string  `json:"secrets,omitempty"` // env var -> vault reference
	Config       agentconfig.Config `json:"config"`
}

// entry is one managed instance. opMu is held for the whole of a
// state-changing operation, adapter call included; mu only guards the
// snapshot, so readers never wait on I/O.
type entry struct {
	opMu sync.Mutex

	mu      sync.RWMutex
	record  v1.AgentRecord
	spec    Spec
	adapter adapter.Adapter
}

func (e *entry) snapshot() v1.AgentRecord {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return cloneRecord(e.record)
}

func (e *entry) state() v1.AgentState {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.record.State
}

func (e *entry) specCopy() Spec {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.spec
}

// handle builds the adapter's view of the instance.
func (e *entry) handle() adapter.Handle {
	e.mu.RLock()
	defer e.mu.RUnlock()
	h := adapter.Handle{
		ID:         e.record.ID,
		Descriptor: e.adapter.Descriptor(),
		Mode:       e.record.Mode,
		Locator:    e.record.Locator,
	}
	if e.record.Install != nil {
		rec := *e.record.Install
		h.Install = &rec
	}
	return h
}

// update applies fn to the record under the state lock and returns the new snapshot.
func (e *entry) update(fn func(r *v1.AgentRecord)) v1.AgentRecord {
	e.mu.Lock()
	defer e.mu.Unlock()
	fn(&e.record)
	return cloneRecord(e.record)
}

func cloneRecord(r v1.AgentRecord) v1.AgentRecord {
	out := r
	out.Capabilities = append([]string(nil), r.Capabilities...)
	if r.Install != nil {
		rec := *r.Install
		out.Install = &rec
	}
	if r.NextRecoveryAt != nil {
		t := *r.NextRecoveryAt
		out.NextRecoveryAt = &t
	}
	return out
}

// Store is the in-memory index of managed instances.
type Store struct {
	entries map[string]*entry
	mu      sync.RWMutex
}

// NewStore creates an empty Store.
func NewStore() *Store {
	return &Store{entries: make(map[string]*entry)}
}

func (s *Store) add(e *entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[e.record.ID] = e
}

func (s *Store) get(id string) (*entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[id]
	return e, ok
}

func (s *Store) remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, id)
}

// list returns the entries ordered by creation time, then id.
func (s *Store) list() []*entry {
	s.mu.RLock()
	out := make([]*entry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e)
	}
	s.mu.RUnlock()

	keys := make(map[*entry]v1.AgentRecord, len(out))
	for _, e := range out {
		keys[e] = e.snapshot()
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := keys[out[i]], keys[out[j]]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
	return out
}

// Len returns the number of managed instances.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}
