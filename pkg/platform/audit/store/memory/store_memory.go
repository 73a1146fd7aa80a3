// Package memory keeps audit events in process for tests and single-node runs.
package memory

import (
	"context"
	"slices"
	"sync"

	id "targeting/pkg/domain"
	audit "targeting/pkg/platform/audit"
)

type record struct {
	seq   int
	event audit.Event
}

// InMemoryStore orders events the way the Postgres store does: by timestamp,
// then by append order.
type InMemoryStore struct {
	mu      sync.RWMutex
	seq     int
	records map[id.SelectionID][]record
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{records: make(map[id.SelectionID][]record)}
}

func (s *InMemoryStore) Append(_ context.Context, event audit.Event) error {
	if event.Category == "" {
		event.Category = audit.AuditEvent(event.Action).Category()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	s.records[event.SelectionID] = append(s.records[event.SelectionID], record{seq: s.seq, event: event})
	return nil
}

func (s *InMemoryStore) ListBySelection(_ context.Context, selectionID id.SelectionID) ([]audit.Event, error) {
	s.mu.RLock()
	records := slices.Clone(s.records[selectionID])
	s.mu.RUnlock()

	slices.SortStableFunc(records, func(a, b record) int {
		if c := a.event.Timestamp.Compare(b.event.Timestamp); c != 0 {
			return c
		}
		return a.seq - b.seq
	})
	events := make([]audit.Event, len(records))
	for i, r := range records {
		events[i] = r.event
	}
	return events, nil
}
