package checkpoint

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/harun/devrel/internal/observability"
)

// MemoryStore keeps checkpoints in process memory. Pauses do not survive a
// restart.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string]*Checkpoint
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	observability.EnsureRegistered()
	return &MemoryStore{data: make(map[string]*Checkpoint)}
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Checkpoint, error) {
	m.mu.RLock()
	cp, ok := m.data[id]
	m.mu.RUnlock()

	observability.RecordCheckpointOp("memory", "get", true)
	if !ok {
		return nil, ErrNotFound
	}
	c := *cp
	c.State = cp.State.Clone()
	return &c, nil
}

func (m *MemoryStore) Put(ctx context.Context, cp *Checkpoint) error {
	if err := validate(cp); err != nil {
		observability.RecordCheckpointOp("memory", "put", false)
		return err
	}

	m.mu.Lock()
	m.data[cp.ID] = stamp(cp, m.data[cp.ID], time.Now())
	m.mu.Unlock()

	observability.RecordCheckpointOp("memory", "put", true)
	return nil
}

func (m *MemoryStore) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	delete(m.data, id)
	m.mu.Unlock()

	observability.RecordCheckpointOp("memory", "delete", true)
	return nil
}

func (m *MemoryStore) List(ctx context.Context) ([]*Checkpoint, error) {
	m.mu.RLock()
	out := make([]*Checkpoint, 0, len(m.data))
	for _, cp := range m.data {
		c := *cp
		c.State = cp.State.Clone()
		out = append(out, &c)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) Close() error { return nil }
