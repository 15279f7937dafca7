package handler

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"auditlog/internal/ingest/models"
	dErrors "auditlog/pkg/domain-errors"
)

// MaxLimit caps the page size a caller may request.
const MaxLimit = 100

// listRequest is the parsed query of GET /logs.
type listRequest struct {
	models.EventFilter
	models.Pagination
}

// timeLayouts are the accepted forms of start and end, tried in order.
var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02",
}

func parseListRequest(q url.Values) (listRequest, error) {
	filter, err := parseFilter(q)
	if err != nil {
		return listRequest{}, err
	}
	p, err := parsePagination(q)
	if err != nil {
		return listRequest{}, err
	}
	return listRequest{EventFilter: filter, Pagination: p}, nil
}

func parseSearchRequest(q url.Values) (models.SearchQuery, error) {
	req, err := parseListRequest(q)
	if err != nil {
		return models.SearchQuery{}, err
	}
	return models.SearchQuery{
		Query:       strings.TrimSpace(q.Get("q")),
		EventFilter: req.EventFilter,
		Pagination:  req.Pagination,
	}, nil
}

func parseFilter(q url.Values) (models.EventFilter, error) {
	f := models.EventFilter{
		Service:   strings.TrimSpace(q.Get("service")),
		EventType: strings.TrimSpace(q.Get("eventType")),
	}
	var err error
	if f.Start, err = parseTime(q, "start"); err != nil {
		return models.EventFilter{}, err
	}
	if f.End, err = parseTime(q, "end"); err != nil {
		return models.EventFilter{}, err
	}
	if f.Start != nil && f.End != nil && f.End.Before(*f.Start) {
		return models.EventFilter{}, dErrors.New(dErrors.CodeInvalidInput, "end must not be before start")
	}
	return f, nil
}

func parseTime(q url.Values, key string) (*time.Time, error) {
	v := strings.TrimSpace(q.Get(key))
	if v == "" {
		return nil, nil
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, v); err == nil {
			t = t.UTC()
			return &t, nil
		}
	}
	return nil, dErrors.New(dErrors.CodeInvalidInput, fmt.Sprintf("%s must be an ISO 8601 date or date-time", key))
}

// parsePagination reads page and limit. Missing values take the defaults;
// present values must be integers and are clamped to at least 1. Limit is
// capped at MaxLimit and the response echoes the effective value.
func parsePagination(q url.Values) (models.Pagination, error) {
	page, err := atLeastOne(q, "page", models.DefaultPage)
	if err != nil {
		return models.Pagination{}, err
	}
	limit, err := atLeastOne(q, "limit", models.DefaultLimit)
	if err != nil {
		return models.Pagination{}, err
	}
	return models.Pagination{Page: page, Limit: min(limit, MaxLimit)}, nil
}

func atLeastOne(q url.Values, key string, def int) (int, error) {
	v := strings.TrimSpace(q.Get(key))
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, dErrors.New(dErrors.CodeInvalidInput, fmt.Sprintf("%s must be an integer", key))
	}
	return max(n, 1), nil
}
