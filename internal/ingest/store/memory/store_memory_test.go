package memory

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"auditlog/internal/ingest/models"
)

func seed(t *testing.T, s *InMemoryStore, n int, service string, base time.Time) []models.AuditEvent {
	t.Helper()
	var out []models.AuditEvent
	for i := range n {
		e := models.AuditEvent{
			Timestamp: base.Add(time.Duration(i) * time.Minute),
			Service:   service,
			EventType: "charge",
			UserID:    fmt.Sprintf("u%d", i),
		}
		id, err := s.InsertEvent(context.Background(), e)
		require.NoError(t, err)
		e.ID = id
		out = append(out, e)
	}
	return out
}

func TestInsertEvent_AssignsIdentity(t *testing.T) {
	s := NewInMemoryStore()

	id1, err := s.InsertEvent(context.Background(), models.AuditEvent{Service: "billing"})
	require.NoError(t, err)
	id2, err := s.InsertEvent(context.Background(), models.AuditEvent{Service: "billing"})
	require.NoError(t, err)

	assert.NotEmpty(t, id1)
	assert.NotEqual(t, id1, id2)
	assert.Len(t, s.Events(), 2)
}

func TestQueryEvents_PaginatesNewestFirst(t *testing.T) {
	s := NewInMemoryStore()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	seeded := seed(t, s, 25, "billing", base)

	page, err := s.QueryEvents(context.Background(), models.EventFilter{Service: "billing"}, models.Pagination{Page: 2, Limit: 10})
	require.NoError(t, err)

	assert.Equal(t, int64(25), page.Total)
	require.Len(t, page.Items, 10)
	// newest first: page 2 holds seeded[14]..seeded[5]
	assert.Equal(t, seeded[14].ID, page.Items[0].ID)
	assert.Equal(t, seeded[5].ID, page.Items[9].ID)
}

func TestQueryEvents_Filters(t *testing.T) {
	s := NewInMemoryStore()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	seed(t, s, 3, "billing", base)
	seed(t, s, 2, "auth", base)

	start := base.Add(time.Minute)
	page, err := s.QueryEvents(context.Background(), models.EventFilter{Service: "billing", Start: &start}, models.Pagination{})
	require.NoError(t, err)
	assert.Equal(t, int64(2), page.Total)

	page, err = s.QueryEvents(context.Background(), models.EventFilter{EventType: "refund"}, models.Pagination{})
	require.NoError(t, err)
	assert.Zero(t, page.Total)
	assert.Empty(t, page.Items)
}

func TestQueryEvents_PageBeyondEnd(t *testing.T) {
	s := NewInMemoryStore()
	seed(t, s, 3, "billing", time.Now())

	page, err := s.QueryEvents(context.Background(), models.EventFilter{}, models.Pagination{Page: 5, Limit: 10})
	require.NoError(t, err)
	assert.Equal(t, int64(3), page.Total)
	assert.Empty(t, page.Items)

	page, err = s.QueryEvents(context.Background(), models.EventFilter{}, models.Pagination{Page: 1 << 62, Limit: 100})
	require.NoError(t, err)
	assert.Equal(t, int64(3), page.Total)
	assert.Empty(t, page.Items)
}

func TestDeadLetters_ExpireAfterTTL(t *testing.T) {
	now := time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC)
	s := NewInMemoryStore().WithClock(func() time.Time { return now })
	ctx := context.Background()

	require.NoError(t, s.InsertDeadLetter(ctx, models.DeadLetterRecord{ReceivedAt: now.Add(-8 * 24 * time.Hour)}))
	require.NoError(t, s.InsertDeadLetter(ctx, models.DeadLetterRecord{ReceivedAt: now.Add(-time.Hour)}))

	page, err := s.QueryDeadLetters(ctx, models.Pagination{})
	require.NoError(t, err)
	assert.Equal(t, int64(1), page.Total)
	assert.Len(t, s.DeadLetters(), 1)
}

func TestEnsureIndexes_Idempotent(t *testing.T) {
	s := NewInMemoryStore()
	require.NoError(t, s.EnsureIndexes(context.Background()))
	require.NoError(t, s.EnsureIndexes(context.Background()))
	assert.True(t, s.TTLApplied())
}
