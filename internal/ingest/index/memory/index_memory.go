package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"unicode"
	"unicode/utf8"

	"github.com/agnivade/levenshtein"

	"auditlog/internal/ingest/models"
	"auditlog/pkg/platform/sentinel"
)

// InMemoryIndex approximates the search cluster for tests and local runs:
// keyword fields match as whole values, payload strings are split into
// lower-cased words, and query terms match within an AUTO edit distance.
type InMemoryIndex struct {
	mu   sync.RWMutex
	docs map[string]models.AuditEvent
	err  error
}

func NewInMemoryIndex() *InMemoryIndex {
	return &InMemoryIndex{docs: make(map[string]models.AuditEvent)}
}

// FailWith makes every subsequent call return err wrapped as unavailable.
// Passing nil restores normal behaviour.
func (i *InMemoryIndex) FailWith(err error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.err = err
}

func (i *InMemoryIndex) failure(op string) error {
	if i.err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w: %w", op, sentinel.ErrUnavailable, i.err)
}

func (i *InMemoryIndex) InitIndex(_ context.Context) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if err := i.failure("init index"); err != nil {
		return err
	}
	i.docs = make(map[string]models.AuditEvent)
	return nil
}

func (i *InMemoryIndex) EnsureIndex(_ context.Context) error {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.failure("ensure index")
}

func (i *InMemoryIndex) IndexDocument(ctx context.Context, id string, event models.AuditEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	if err := i.failure("index document"); err != nil {
		return err
	}
	i.docs[id] = event.WithoutID()
	return nil
}

// Document returns the indexed document for id, with ID populated.
func (i *InMemoryIndex) Document(id string) (models.AuditEvent, bool) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	doc, ok := i.docs[id]
	doc.ID = id
	return doc, ok
}

// Len is the number of indexed documents.
func (i *InMemoryIndex) Len() int {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return len(i.docs)
}

func (i *InMemoryIndex) Search(ctx context.Context, q models.SearchQuery) (models.Page[models.AuditEvent], error) {
	if err := ctx.Err(); err != nil {
		return models.Page[models.AuditEvent]{}, err
	}
	terms := tokenize(q.Query)

	i.mu.RLock()
	if err := i.failure("search"); err != nil {
		i.mu.RUnlock()
		return models.Page[models.AuditEvent]{}, err
	}
	var matched []models.AuditEvent
	for id, doc := range i.docs {
		if !q.EventFilter.Matches(doc) {
			continue
		}
		if len(terms) > 0 && !matchesAny(terms, doc) {
			continue
		}
		doc.ID = id
		matched = append(matched, doc)
	}
	i.mu.RUnlock()

	sort.Slice(matched, func(a, b int) bool {
		if matched[a].Timestamp.Equal(matched[b].Timestamp) {
			return matched[a].ID < matched[b].ID
		}
		return matched[a].Timestamp.After(matched[b].Timestamp)
	})

	p := q.Pagination.Normalize()
	start := p.Skip()
	items := []models.AuditEvent{}
	if start < len(matched) {
		items = matched[start:min(start+p.Limit, len(matched))]
	}
	return models.Page[models.AuditEvent]{Total: int64(len(matched)), Items: items}, nil
}

func matchesAny(terms []string, doc models.AuditEvent) bool {
	for _, term := range terms {
		for _, value := range []string{doc.Service, doc.EventType} {
			if fuzzyEqual(term, value) {
				return true
			}
		}
		for _, word := range payloadWords(doc.Payload) {
			if fuzzyEqual(term, word) {
				return true
			}
		}
	}
	return false
}

// fuzzyEqual applies AUTO fuzziness: exact up to 2 characters, one edit up
// to 5, two edits beyond.
func fuzzyEqual(term, value string) bool {
	if value == "" {
		return false
	}
	n := utf8.RuneCountInString(term)
	allowed := 2
	switch {
	case n <= 2:
		allowed = 0
	case n <= 5:
		allowed = 1
	}
	return levenshtein.ComputeDistance(term, value) <= allowed
}

func payloadWords(v any) []string {
	var words []string
	var walk func(any)
	walk = func(v any) {
		switch t := v.(type) {
		case map[string]any:
			for _, inner := range t {
				walk(inner)
			}
		case models.RawEvent:
			walk(map[string]any(t))
		case []any:
			for _, inner := range t {
				walk(inner)
			}
		case string:
			words = append(words, tokenize(t)...)
		case nil:
		default:
			words = append(words, fmt.Sprint(t))
		}
	}
	walk(v)
	return words
}

func tokenize(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '.' && r != '_' && r != '-'
	})
}
