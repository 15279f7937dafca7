package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"auditlog/internal/ingest/models"
)

// InMemoryStore is a durable-store stand-in for tests and local runs. Dead
// letters older than models.DeadLetterTTL are dropped on read, which mirrors
// the TTL index of the real store.
type InMemoryStore struct {
	mu          sync.RWMutex
	events      []models.AuditEvent
	deadLetters []models.DeadLetterRecord
	ttlApplied  bool
	now         func() time.Time
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{now: time.Now}
}

// WithClock replaces the clock used for dead-letter expiry.
func (s *InMemoryStore) WithClock(now func() time.Time) *InMemoryStore {
	s.now = now
	return s
}

func (s *InMemoryStore) EnsureIndexes(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ttlApplied = true
	return nil
}

// TTLApplied reports whether EnsureIndexes has run.
func (s *InMemoryStore) TTLApplied() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ttlApplied
}

func (s *InMemoryStore) InsertEvent(ctx context.Context, event models.AuditEvent) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	event.ID = uuid.NewString()
	s.events = append(s.events, event)
	return event.ID, nil
}

func (s *InMemoryStore) InsertDeadLetter(ctx context.Context, record models.DeadLetterRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	record.ID = uuid.NewString()
	s.deadLetters = append(s.deadLetters, record)
	return nil
}

func (s *InMemoryStore) QueryEvents(_ context.Context, filter models.EventFilter, p models.Pagination) (models.Page[models.AuditEvent], error) {
	s.mu.RLock()
	var matched []models.AuditEvent
	for _, e := range s.events {
		if filter.Matches(e) {
			matched = append(matched, e)
		}
	}
	s.mu.RUnlock()

	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].Timestamp.After(matched[j].Timestamp)
	})
	return models.Page[models.AuditEvent]{
		Total: int64(len(matched)),
		Items: window(matched, p),
	}, nil
}

func (s *InMemoryStore) QueryDeadLetters(_ context.Context, p models.Pagination) (models.Page[models.DeadLetterRecord], error) {
	s.mu.Lock()
	cutoff := s.now().Add(-models.DeadLetterTTL)
	live := s.deadLetters[:0]
	for _, r := range s.deadLetters {
		if r.ReceivedAt.After(cutoff) {
			live = append(live, r)
		}
	}
	s.deadLetters = live
	records := append([]models.DeadLetterRecord(nil), live...)
	s.mu.Unlock()

	sort.SliceStable(records, func(i, j int) bool {
		return records[i].ReceivedAt.After(records[j].ReceivedAt)
	})
	return models.Page[models.DeadLetterRecord]{
		Total: int64(len(records)),
		Items: window(records, p),
	}, nil
}

// Events returns a copy of every stored event in insertion order.
func (s *InMemoryStore) Events() []models.AuditEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]models.AuditEvent(nil), s.events...)
}

// DeadLetters returns a copy of every stored dead letter in insertion order.
func (s *InMemoryStore) DeadLetters() []models.DeadLetterRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]models.DeadLetterRecord(nil), s.deadLetters...)
}

func window[T any](items []T, p models.Pagination) []T {
	p = p.Normalize()
	start := p.Skip()
	if start >= len(items) {
		return []T{}
	}
	end := min(start+p.Limit, len(items))
	return items[start:end]
}
