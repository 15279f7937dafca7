package elastic

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"auditlog/internal/ingest/models"
	platformelastic "auditlog/internal/platform/elastic"
	"auditlog/pkg/platform/sentinel"
)

type recordedRequest struct {
	Method string
	Path   string
	Query  string
	Body   string
}

// stubCluster answers every request with a canned response chosen by respond.
type stubCluster struct {
	mu       sync.Mutex
	requests []recordedRequest
	respond  func(method, path string) (int, string)
	err      error
}

func (s *stubCluster) RoundTrip(r *http.Request) (*http.Response, error) {
	var body []byte
	if r.Body != nil {
		body, _ = io.ReadAll(r.Body)
	}
	s.mu.Lock()
	s.requests = append(s.requests, recordedRequest{
		Method: r.Method,
		Path:   r.URL.Path,
		Query:  r.URL.RawQuery,
		Body:   string(body),
	})
	s.mu.Unlock()

	if s.err != nil {
		return nil, s.err
	}
	status, payload := http.StatusOK, `{}`
	if s.respond != nil {
		status, payload = s.respond(r.Method, r.URL.Path)
	}
	return &http.Response{
		StatusCode: status,
		Header: http.Header{
			"X-Elastic-Product": []string{"Elasticsearch"},
			"Content-Type":      []string{"application/json"},
		},
		Body:    io.NopCloser(strings.NewReader(payload)),
		Request: r,
	}, nil
}

func (s *stubCluster) recorded() []recordedRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]recordedRequest(nil), s.requests...)
}

func (s *stubCluster) find(method, path string) (recordedRequest, bool) {
	for _, r := range s.recorded() {
		if r.Method == method && r.Path == path {
			return r, true
		}
	}
	return recordedRequest{}, false
}

func newTestIndex(t *testing.T, stub *stubCluster) *Index {
	t.Helper()
	client, err := platformelastic.New(platformelastic.Config{
		Addresses: []string{"http://es.test:9200"},
		Transport: stub,
	})
	require.NoError(t, err)
	return New(client)
}

func TestInitIndex(t *testing.T) {
	t.Run("recreates the index with the fixed mapping", func(t *testing.T) {
		stub := &stubCluster{respond: func(method, path string) (int, string) {
			if path == "/_cluster/health" {
				return http.StatusOK, `{"status":"yellow"}`
			}
			return http.StatusOK, `{"acknowledged":true}`
		}}
		idx := newTestIndex(t, stub)

		require.NoError(t, idx.InitIndex(context.Background()))

		reqs := stub.recorded()
		require.Len(t, reqs, 3)
		assert.Equal(t, "/_cluster/health", reqs[0].Path)
		assert.Contains(t, reqs[0].Query, "wait_for_status=yellow")
		assert.Equal(t, http.MethodDelete, reqs[1].Method)
		assert.Equal(t, "/"+IndexName, reqs[1].Path)
		assert.Equal(t, http.MethodPut, reqs[2].Method)
		assert.Equal(t, "/"+IndexName, reqs[2].Path)

		var mapping map[string]any
		require.NoError(t, json.Unmarshal([]byte(reqs[2].Body), &mapping))
		props := mapping["mappings"].(map[string]any)["properties"].(map[string]any)
		assert.Equal(t, "date", props["timestamp"].(map[string]any)["type"])
		assert.Equal(t, "keyword", props["service"].(map[string]any)["type"])
		assert.Equal(t, "keyword", props["eventType"].(map[string]any)["type"])
		assert.Equal(t, "keyword", props["userId"].(map[string]any)["type"])
		assert.Equal(t, "object", props["payload"].(map[string]any)["type"])
	})

	t.Run("missing index on delete is tolerated", func(t *testing.T) {
		stub := &stubCluster{respond: func(method, path string) (int, string) {
			if method == http.MethodDelete {
				return http.StatusNotFound, `{"error":{"type":"index_not_found_exception"}}`
			}
			return http.StatusOK, `{"acknowledged":true}`
		}}
		idx := newTestIndex(t, stub)

		require.NoError(t, idx.InitIndex(context.Background()))
		_, created := stub.find(http.MethodPut, "/"+IndexName)
		assert.True(t, created)
	})

	t.Run("unreachable cluster is unavailable", func(t *testing.T) {
		stub := &stubCluster{err: errors.New("connection refused")}
		idx := newTestIndex(t, stub)

		err := idx.InitIndex(context.Background())
		require.Error(t, err)
		assert.ErrorIs(t, err, sentinel.ErrUnavailable)
	})
}

func TestEnsureIndex(t *testing.T) {
	t.Run("existing index is left alone", func(t *testing.T) {
		stub := &stubCluster{}
		idx := newTestIndex(t, stub)

		require.NoError(t, idx.EnsureIndex(context.Background()))
		_, created := stub.find(http.MethodPut, "/"+IndexName)
		assert.False(t, created)
		_, deleted := stub.find(http.MethodDelete, "/"+IndexName)
		assert.False(t, deleted)
	})

	t.Run("absent index is created", func(t *testing.T) {
		stub := &stubCluster{respond: func(method, path string) (int, string) {
			if method == http.MethodHead {
				return http.StatusNotFound, ``
			}
			return http.StatusOK, `{"acknowledged":true}`
		}}
		idx := newTestIndex(t, stub)

		require.NoError(t, idx.EnsureIndex(context.Background()))
		_, created := stub.find(http.MethodPut, "/"+IndexName)
		assert.True(t, created)
	})

	t.Run("concurrent creation is tolerated", func(t *testing.T) {
		stub := &stubCluster{respond: func(method, path string) (int, string) {
			switch method {
			case http.MethodHead:
				return http.StatusNotFound, ``
			case http.MethodPut:
				return http.StatusBadRequest, `{"error":{"type":"resource_already_exists_exception"}}`
			}
			return http.StatusOK, `{}`
		}}
		idx := newTestIndex(t, stub)

		assert.NoError(t, idx.EnsureIndex(context.Background()))
	})

	t.Run("failed existence check reports the response body", func(t *testing.T) {
		stub := &stubCluster{respond: func(method, path string) (int, string) {
			if method == http.MethodHead {
				return http.StatusInternalServerError, `{"error":{"type":"master_not_discovered_exception"}}`
			}
			return http.StatusOK, `{}`
		}}
		idx := newTestIndex(t, stub)

		err := idx.EnsureIndex(context.Background())
		require.Error(t, err)
		assert.ErrorIs(t, err, sentinel.ErrUnavailable)
		assert.Contains(t, err.Error(), "master_not_discovered_exception")
		_, created := stub.find(http.MethodPut, "/"+IndexName)
		assert.False(t, created)
	})
}

func TestIndexDocument(t *testing.T) {
	ts := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	event := models.AuditEvent{
		ID:        "65a1f0c2e4b0a1b2c3d4e5f6",
		Timestamp: ts,
		Service:   "billing",
		EventType: "invoice.created",
		UserID:    "u1",
		Payload:   map[string]any{"amount": 10.0},
	}

	t.Run("document id carries the identity", func(t *testing.T) {
		stub := &stubCluster{respond: func(string, string) (int, string) {
			return http.StatusCreated, `{"result":"created"}`
		}}
		idx := newTestIndex(t, stub)

		require.NoError(t, idx.IndexDocument(context.Background(), event.ID, event))

		reqs := stub.recorded()
		require.Len(t, reqs, 1)
		assert.Equal(t, http.MethodPut, reqs[0].Method)
		assert.Equal(t, "/"+IndexName+"/_doc/"+event.ID, reqs[0].Path)
		assert.Contains(t, reqs[0].Query, "refresh=wait_for")

		var doc map[string]any
		require.NoError(t, json.Unmarshal([]byte(reqs[0].Body), &doc))
		assert.NotContains(t, doc, "_id")
		assert.Equal(t, "billing", doc["service"])
		assert.Equal(t, "invoice.created", doc["eventType"])
		assert.Equal(t, "u1", doc["userId"])
		assert.Equal(t, "2024-01-01T12:00:00Z", doc["timestamp"])
	})

	t.Run("server error is unavailable", func(t *testing.T) {
		stub := &stubCluster{respond: func(string, string) (int, string) {
			return http.StatusInternalServerError, `{"error":"boom"}`
		}}
		idx := newTestIndex(t, stub)

		err := idx.IndexDocument(context.Background(), event.ID, event)
		require.Error(t, err)
		assert.ErrorIs(t, err, sentinel.ErrUnavailable)
	})

	t.Run("mapping conflict is a request error", func(t *testing.T) {
		stub := &stubCluster{respond: func(string, string) (int, string) {
			return http.StatusBadRequest, `{"error":{"type":"mapper_parsing_exception"}}`
		}}
		idx := newTestIndex(t, stub)

		err := idx.IndexDocument(context.Background(), event.ID, event)
		require.Error(t, err)
		assert.NotErrorIs(t, err, sentinel.ErrUnavailable)
		assert.Contains(t, err.Error(), "mapper_parsing_exception")
	})
}

const searchHits = `{
  "hits": {
    "total": {"value": 42, "relation": "eq"},
    "hits": [
      {"_id": "b", "_source": {"timestamp": "2024-01-02T00:00:00Z", "service": "billing", "eventType": "invoice.paid", "userId": "u2"}},
      {"_id": "a", "_source": {"timestamp": "2024-01-01T00:00:00Z", "service": "billing", "eventType": "invoice.created", "userId": "u1", "payload": {"amount": 10}}}
    ]
  }
}`

func TestSearch(t *testing.T) {
	t.Run("maps hits and total", func(t *testing.T) {
		stub := &stubCluster{respond: func(string, string) (int, string) {
			return http.StatusOK, searchHits
		}}
		idx := newTestIndex(t, stub)

		page, err := idx.Search(context.Background(), models.SearchQuery{Query: "billng"})
		require.NoError(t, err)

		assert.Equal(t, int64(42), page.Total)
		require.Len(t, page.Items, 2)
		assert.Equal(t, "b", page.Items[0].ID)
		assert.Equal(t, "invoice.paid", page.Items[0].EventType)
		assert.Equal(t, "a", page.Items[1].ID)
		assert.Equal(t, 10.0, page.Items[1].Payload["amount"])
	})

	t.Run("builds fuzzy query with filters and pagination", func(t *testing.T) {
		stub := &stubCluster{respond: func(string, string) (int, string) {
			return http.StatusOK, `{"hits":{"total":{"value":0},"hits":[]}}`
		}}
		idx := newTestIndex(t, stub)
		start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
		end := time.Date(2024, 1, 31, 0, 0, 0, 0, time.UTC)

		_, err := idx.Search(context.Background(), models.SearchQuery{
			Query:       "billng",
			EventFilter: models.EventFilter{Service: "billing", EventType: "invoice.created", Start: &start, End: &end},
			Pagination:  models.Pagination{Page: 3, Limit: 5},
		})
		require.NoError(t, err)

		req, ok := stub.find(http.MethodPost, "/"+IndexName+"/_search")
		require.True(t, ok)
		var body map[string]any
		require.NoError(t, json.Unmarshal([]byte(req.Body), &body))

		assert.Equal(t, 10.0, body["from"])
		assert.Equal(t, 5.0, body["size"])
		assert.Equal(t, true, body["track_total_hits"])

		boolQ := body["query"].(map[string]any)["bool"].(map[string]any)
		must := boolQ["must"].([]any)
		require.Len(t, must, 1)
		mm := must[0].(map[string]any)["multi_match"].(map[string]any)
		assert.Equal(t, "billng", mm["query"])
		assert.Equal(t, "AUTO", mm["fuzziness"])

		filter := boolQ["filter"].([]any)
		require.Len(t, filter, 3)
		assert.Equal(t, map[string]any{"term": map[string]any{"service": "billing"}}, filter[0])
		assert.Equal(t, map[string]any{"term": map[string]any{"eventType": "invoice.created"}}, filter[1])
		rng := filter[2].(map[string]any)["range"].(map[string]any)["timestamp"].(map[string]any)
		assert.Equal(t, "2024-01-01T00:00:00Z", rng["gte"])
		assert.Equal(t, "2024-01-31T00:00:00Z", rng["lte"])

		sort := body["sort"].([]any)[0].(map[string]any)["timestamp"].(map[string]any)
		assert.Equal(t, "desc", sort["order"])
	})

	t.Run("no criteria matches everything", func(t *testing.T) {
		body := searchBody("", models.EventFilter{}, models.Pagination{Page: 1, Limit: models.DefaultLimit})
		boolQ := body["query"].(map[string]any)["bool"].(map[string]any)
		assert.Empty(t, boolQ["must"])
		assert.Empty(t, boolQ["filter"])
		assert.Equal(t, 0, body["from"])
		assert.Equal(t, models.DefaultLimit, body["size"])
	})

	t.Run("pages are trimmed to the result window", func(t *testing.T) {
		tests := []struct {
			name       string
			page       models.Pagination
			from, size int
		}{
			{"inside", models.Pagination{Page: 3, Limit: 100}, 200, 100},
			{"straddles the end", models.Pagination{Page: 100, Limit: 101}, 9999, 1},
			{"starts at the end", models.Pagination{Page: 101, Limit: 100}, 0, 0},
			{"overflowing page", models.Pagination{Page: 1 << 62, Limit: 100}, 0, 0},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				body := searchBody("", models.EventFilter{}, tt.page)
				assert.Equal(t, tt.from, body["from"])
				assert.Equal(t, tt.size, body["size"])
			})
		}
	})

	t.Run("server error is unavailable", func(t *testing.T) {
		stub := &stubCluster{respond: func(string, string) (int, string) {
			return http.StatusServiceUnavailable, `{"error":"unavailable"}`
		}}
		idx := newTestIndex(t, stub)

		_, err := idx.Search(context.Background(), models.SearchQuery{})
		require.Error(t, err)
		assert.ErrorIs(t, err, sentinel.ErrUnavailable)
	})
}
