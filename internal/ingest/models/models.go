package models

import (
	"errors"
	"strings"
	"time"
)

// DeadLetterTTL is how long a rejected event is retained before the store
// expires it. The store enforces it; the pipeline only stamps ReceivedAt.
const DeadLetterTTL = 7 * 24 * time.Hour

// Errors shared by the sinks and the pipeline. Adapters wrap driver errors
// with the sentinel package; the pipeline re-wraps with these so entry points
// can decide on acknowledgement without knowing the backend.
var (
	ErrStoreUnavailable = errors.New("durable store unavailable")
	// ErrStoreRejected marks a write the store refused for the data itself;
	// retrying it fails the same way.
	ErrStoreRejected    = errors.New("durable store rejected write")
	ErrIndexUnavailable = errors.New("search index unavailable")
	ErrMalformedMessage = errors.New("malformed message")
)

// RawEvent is an event exactly as a producer sent it: a decoded JSON object.
type RawEvent map[string]any

// identityFields are keys a producer may carry over from an earlier ingestion.
var identityFields = []string{"_id", "id"}

// StripIdentity returns a shallow copy of e without any previously assigned
// identity so a replayed event cannot collide with an existing record.
func (e RawEvent) StripIdentity() RawEvent {
	out := make(RawEvent, len(e))
	for k, v := range e {
		out[k] = v
	}
	for _, k := range identityFields {
		delete(out, k)
	}
	return out
}

// StorableKeys returns a deep copy of e in which NUL characters in object
// keys, at any depth, are replaced with U+FFFD. Values are left untouched.
// Dead letters keep the rest of the event verbatim.
func (e RawEvent) StorableKeys() RawEvent {
	return RawEvent(storableKeys(map[string]any(e)))
}

func storableKeys(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[strings.ReplaceAll(k, "\x00", "\uFFFD")] = storableValue(v)
	}
	return out
}

func storableValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return storableKeys(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = storableValue(item)
		}
		return out
	default:
		return v
	}
}

// AuditEvent is a validated event. ID is empty until the durable store has
// accepted it.
type AuditEvent struct {
	ID        string         `json:"_id,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Service   string         `json:"service"`
	EventType string         `json:"eventType"`
	UserID    string         `json:"userId"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// WithoutID returns the event as it is written to the search index: the
// identity travels as the document id, not inside the document.
func (e AuditEvent) WithoutID() AuditEvent {
	e.ID = ""
	return e
}

// DeadLetterRecord keeps an event that failed validation, together with the
// reasons, until DeadLetterTTL after ReceivedAt.
type DeadLetterRecord struct {
	ID         string            `json:"_id,omitempty"`
	Error      []ValidationError `json:"error"`
	Event      RawEvent          `json:"event"`
	ReceivedAt time.Time         `json:"receivedAt"`
}

// ExpiresAt is when the store will drop the record.
func (r DeadLetterRecord) ExpiresAt() time.Time {
	return r.ReceivedAt.Add(DeadLetterTTL)
}

// ValidationError describes one schema violation.
type ValidationError struct {
	Field   string `json:"field"`
	Rule    string `json:"rule"`
	Message string `json:"message"`
}

// ValidationResult is the transient outcome of validating one RawEvent.
type ValidationResult struct {
	Valid  bool              `json:"valid"`
	Errors []ValidationError `json:"errors,omitempty"`
}
