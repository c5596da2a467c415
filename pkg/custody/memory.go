package custody

import (
	"context"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-process Log for tests and the single-node server.
type MemoryStore struct {
	mu     sync.RWMutex
	events map[string][]Event
	now    func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{events: make(map[string][]Event), now: time.Now}
}

// WithClock fixes the store's clock.
func (m *MemoryStore) WithClock(now func() time.Time) *MemoryStore {
	m.now = now
	return m
}

func (m *MemoryStore) Append(_ context.Context, ne NewEvent) (Event, error) {
	if err := ne.Validate(); err != nil {
		return Event{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	ev := Event{
		ID:         uuid.NewString(),
		DocumentID: ne.DocumentID,
		Type:       ne.Type,
		Timestamp:  m.now().UTC(),
		Actor:      ne.Actor,
		IPAddress:  ne.IPAddress,
		Metadata:   maps.Clone(ne.Metadata),
	}
	m.events[ne.DocumentID] = append(m.events[ne.DocumentID], ev)
	return ev, nil
}

func (m *MemoryStore) LoadEvents(_ context.Context, documentID string) ([]Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Event, len(m.events[documentID]))
	copy(out, m.events[documentID])
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}
