// Package mongo is the durable store for audit events and dead letters. It is
// the system of record: an event counts as ingested once InsertEvent returns.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"auditlog/internal/ingest/models"
	"auditlog/pkg/platform/sentinel"
)

const (
	EventsCollection      = "audit_logs"
	DeadLettersCollection = "audit_dead_letters"

	deadLetterTTLIndex = "receivedAt_ttl"
	timestampIndex     = "timestamp_desc"
)

// Store implements the durable-store port on top of two collections.
// *mongo.Collection is safe for concurrent use, so Store is too.
type Store struct {
	events      *mongo.Collection
	deadLetters *mongo.Collection
}

// New binds the store to db.
func New(db *mongo.Database) *Store {
	return &Store{
		events:      db.Collection(EventsCollection),
		deadLetters: db.Collection(DeadLettersCollection),
	}
}

type eventDocument struct {
	ID        primitive.ObjectID `bson:"_id,omitempty"`
	Timestamp time.Time          `bson:"timestamp"`
	Service   string             `bson:"service"`
	EventType string             `bson:"eventType"`
	UserID    string             `bson:"userId"`
	Payload   map[string]any     `bson:"payload,omitempty"`
}

type validationErrorDocument struct {
	Field   string `bson:"field"`
	Rule    string `bson:"rule"`
	Message string `bson:"message"`
}

type deadLetterDocument struct {
	ID         primitive.ObjectID        `bson:"_id,omitempty"`
	Error      []validationErrorDocument `bson:"error"`
	Event      map[string]any            `bson:"event"`
	ReceivedAt time.Time                 `bson:"receivedAt"`
}

// EnsureIndexes installs the dead-letter expiry rule and the sort index for
// event queries. Both indexes are named, so re-running with the same options
// is a no-op on the server.
func (s *Store) EnsureIndexes(ctx context.Context) error {
	ttl := mongo.IndexModel{
		Keys: bson.D{{Key: "receivedAt", Value: 1}},
		Options: options.Index().
			SetName(deadLetterTTLIndex).
			SetExpireAfterSeconds(int32(models.DeadLetterTTL / time.Second)),
	}
	if _, err := s.deadLetters.Indexes().CreateOne(ctx, ttl); err != nil {
		return wrap("create dead-letter ttl index", err)
	}

	sortIdx := mongo.IndexModel{
		Keys:    bson.D{{Key: "timestamp", Value: -1}},
		Options: options.Index().SetName(timestampIndex),
	}
	if _, err := s.events.Indexes().CreateOne(ctx, sortIdx); err != nil {
		return wrap("create timestamp index", err)
	}
	return nil
}

// InsertEvent appends event and returns the store-generated identity. Any
// identity already on event is ignored.
func (s *Store) InsertEvent(ctx context.Context, event models.AuditEvent) (string, error) {
	doc := eventDocument{
		Timestamp: event.Timestamp,
		Service:   event.Service,
		EventType: event.EventType,
		UserID:    event.UserID,
		Payload:   event.Payload,
	}
	res, err := s.events.InsertOne(ctx, doc)
	if err != nil {
		return "", wrap("insert audit event", err)
	}
	oid, ok := res.InsertedID.(primitive.ObjectID)
	if !ok {
		return "", fmt.Errorf("insert audit event: unexpected id type %T", res.InsertedID)
	}
	return oid.Hex(), nil
}

// InsertDeadLetter appends a rejected event.
func (s *Store) InsertDeadLetter(ctx context.Context, record models.DeadLetterRecord) error {
	doc := deadLetterDocument{
		Error:      make([]validationErrorDocument, 0, len(record.Error)),
		Event:      map[string]any(record.Event),
		ReceivedAt: record.ReceivedAt,
	}
	for _, e := range record.Error {
		doc.Error = append(doc.Error, validationErrorDocument(e))
	}
	if _, err := s.deadLetters.InsertOne(ctx, doc); err != nil {
		return wrap("insert dead letter", err)
	}
	return nil
}

// QueryEvents returns one page of events matching filter, newest first.
func (s *Store) QueryEvents(ctx context.Context, filter models.EventFilter, p models.Pagination) (models.Page[models.AuditEvent], error) {
	p = p.Normalize()
	q := eventQuery(filter)

	total, err := s.events.CountDocuments(ctx, q)
	if err != nil {
		return models.Page[models.AuditEvent]{}, wrap("count audit events", err)
	}

	opts := options.Find().
		SetSort(bson.D{{Key: "timestamp", Value: -1}}).
		SetSkip(int64(p.Skip())).
		SetLimit(int64(p.Limit))
	cur, err := s.events.Find(ctx, q, opts)
	if err != nil {
		return models.Page[models.AuditEvent]{}, wrap("find audit events", err)
	}
	var docs []eventDocument
	if err := cur.All(ctx, &docs); err != nil {
		return models.Page[models.AuditEvent]{}, wrap("decode audit events", err)
	}

	items := make([]models.AuditEvent, 0, len(docs))
	for _, d := range docs {
		items = append(items, models.AuditEvent{
			ID:        d.ID.Hex(),
			Timestamp: d.Timestamp.UTC(),
			Service:   d.Service,
			EventType: d.EventType,
			UserID:    d.UserID,
			Payload:   d.Payload,
		})
	}
	return models.Page[models.AuditEvent]{Total: total, Items: items}, nil
}

// QueryDeadLetters returns one page of dead letters, most recent first.
// Expired records may linger until the server's TTL monitor runs.
func (s *Store) QueryDeadLetters(ctx context.Context, p models.Pagination) (models.Page[models.DeadLetterRecord], error) {
	p = p.Normalize()

	total, err := s.deadLetters.CountDocuments(ctx, bson.D{})
	if err != nil {
		return models.Page[models.DeadLetterRecord]{}, wrap("count dead letters", err)
	}
	opts := options.Find().
		SetSort(bson.D{{Key: "receivedAt", Value: -1}}).
		SetSkip(int64(p.Skip())).
		SetLimit(int64(p.Limit))
	cur, err := s.deadLetters.Find(ctx, bson.D{}, opts)
	if err != nil {
		return models.Page[models.DeadLetterRecord]{}, wrap("find dead letters", err)
	}
	var docs []deadLetterDocument
	if err := cur.All(ctx, &docs); err != nil {
		return models.Page[models.DeadLetterRecord]{}, wrap("decode dead letters", err)
	}

	items := make([]models.DeadLetterRecord, 0, len(docs))
	for _, d := range docs {
		rec := models.DeadLetterRecord{
			ID:         d.ID.Hex(),
			Event:      models.RawEvent(d.Event),
			ReceivedAt: d.ReceivedAt.UTC(),
		}
		for _, e := range d.Error {
			rec.Error = append(rec.Error, models.ValidationError(e))
		}
		items = append(items, rec)
	}
	return models.Page[models.DeadLetterRecord]{Total: total, Items: items}, nil
}

func eventQuery(f models.EventFilter) bson.M {
	q := bson.M{}
	if f.Service != "" {
		q["service"] = f.Service
	}
	if f.EventType != "" {
		q["eventType"] = f.EventType
	}
	if f.Start != nil || f.End != nil {
		r := bson.M{}
		if f.Start != nil {
			r["$gte"] = *f.Start
		}
		if f.End != nil {
			r["$lte"] = *f.End
		}
		q["timestamp"] = r
	}
	return q
}

// wrap tags connectivity failures with sentinel.ErrUnavailable so callers can
// tell "store is down" from "store rejected this write".
func wrap(op string, err error) error {
	if isUnavailable(err) {
		return fmt.Errorf("%s: %w: %w", op, sentinel.ErrUnavailable, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func isUnavailable(err error) bool {
	return mongo.IsNetworkError(err) ||
		mongo.IsTimeout(err) ||
		errors.Is(err, mongo.ErrClientDisconnected) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, context.Canceled) ||
		isTransientServerError(err)
}

// Codes the server returns while a replica set has no writable primary.
var transientCodes = []int{91, 189, 10107, 11600, 11602, 13435, 13436}

func isTransientServerError(err error) bool {
	var se mongo.ServerError
	if !errors.As(err, &se) {
		return false
	}
	if se.HasErrorLabel("RetryableWriteError") || se.HasErrorLabel("TransientTransactionError") {
		return true
	}
	for _, code := range transientCodes {
		if se.HasErrorCode(code) {
			return true
		}
	}
	return false
}
