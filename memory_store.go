package brighter

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// InMemoryOutboxStore is a process-local OutboxStore for tests and examples.
// It ignores the transaction argument; atomicity with business data is the
// province of the SQL store.
type InMemoryOutboxStore struct {
	mu      sync.Mutex
	entries map[uuid.UUID]*OutboxEntry
}

// NewInMemoryOutboxStore creates an empty in-memory outbox store.
func NewInMemoryOutboxStore() *InMemoryOutboxStore {
	return &InMemoryOutboxStore{entries: make(map[uuid.UUID]*OutboxEntry)}
}

func (s *InMemoryOutboxStore) Add(_ context.Context, _ TxQueryer, entry *OutboxEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *entry
	s.entries[entry.Message.ID] = &cp
	return nil
}

func (s *InMemoryOutboxStore) GetUndispatched(_ context.Context, minAge time.Duration, batchSize int) ([]*OutboxEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().UTC().Add(-minAge)

	var pending []*OutboxEntry
	for _, e := range s.entries {
		if e.Status == OutboxPending && !e.CreatedAt.After(cutoff) {
			pending = append(pending, e)
		}
	}
	sort.Slice(pending, func(i, j int) bool {
		return pending[i].CreatedAt.Before(pending[j].CreatedAt)
	})
	if len(pending) > batchSize {
		pending = pending[:batchSize]
	}
	return pending, nil
}

func (s *InMemoryOutboxStore) MarkDispatched(_ context.Context, id uuid.UUID, dispatchedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[id]
	if !ok || e.Status == OutboxDispatched {
		return nil
	}
	e.Status = OutboxDispatched
	e.DispatchedAt = dispatchedAt
	return nil
}

func (s *InMemoryOutboxStore) DeleteDispatchedBefore(_ context.Context, olderThan time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var deleted int64
	for id, e := range s.entries {
		if e.Status == OutboxDispatched && e.DispatchedAt.Before(olderThan) {
			delete(s.entries, id)
			deleted++
		}
	}
	return deleted, nil
}

// Entry returns a copy of the stored entry, if any. Test helper.
func (s *InMemoryOutboxStore) Entry(id uuid.UUID) (OutboxEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[id]
	if !ok {
		return OutboxEntry{}, false
	}
	return *e, true
}

type inboxKey struct {
	requestID  uuid.UUID
	contextKey string
}

// InMemoryInboxStore is a process-local InboxStore for tests and examples.
type InMemoryInboxStore struct {
	mu        sync.Mutex
	processed map[inboxKey]time.Time
}

// NewInMemoryInboxStore creates an empty in-memory inbox store.
func NewInMemoryInboxStore() *InMemoryInboxStore {
	return &InMemoryInboxStore{processed: make(map[inboxKey]time.Time)}
}

func (s *InMemoryInboxStore) Exists(_ context.Context, requestID uuid.UUID, contextKey string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.processed[inboxKey{requestID, contextKey}]
	return ok, nil
}

func (s *InMemoryInboxStore) Add(_ context.Context, requestID uuid.UUID, contextKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := inboxKey{requestID, contextKey}
	if _, ok := s.processed[key]; !ok {
		s.processed[key] = time.Now().UTC()
	}
	return nil
}
