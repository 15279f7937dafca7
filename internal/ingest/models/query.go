package models

import (
	"math"
	"time"
)

const (
	DefaultPage  = 1
	DefaultLimit = 20
)

// EventFilter is a conjunction of optional constraints. Nil bounds are open;
// set bounds are inclusive.
type EventFilter struct {
	Service   string
	EventType string
	Start     *time.Time
	End       *time.Time
}

// Matches reports whether e satisfies every set constraint.
func (f EventFilter) Matches(e AuditEvent) bool {
	if f.Service != "" && e.Service != f.Service {
		return false
	}
	if f.EventType != "" && e.EventType != f.EventType {
		return false
	}
	if f.Start != nil && e.Timestamp.Before(*f.Start) {
		return false
	}
	if f.End != nil && e.Timestamp.After(*f.End) {
		return false
	}
	return true
}

// Pagination is a 1-based page request.
type Pagination struct {
	Page  int
	Limit int
}

// Normalize clamps Page and Limit to at least 1. Callers that want the
// defaults set DefaultPage and DefaultLimit themselves.
func (p Pagination) Normalize() Pagination {
	p.Page = max(p.Page, 1)
	p.Limit = max(p.Limit, 1)
	return p
}

// Skip is the number of records before the requested page. It saturates at
// math.MaxInt instead of overflowing, so absurd pages read as past the end.
func (p Pagination) Skip() int {
	n := p.Normalize()
	if n.Page-1 > math.MaxInt/n.Limit {
		return math.MaxInt
	}
	return (n.Page - 1) * n.Limit
}

// SearchQuery drives a full-text search over the index. Query is optional.
type SearchQuery struct {
	Query string
	EventFilter
	Pagination
}

// Page is one slice of a larger result set.
type Page[T any] struct {
	Total int64
	Items []T
}
