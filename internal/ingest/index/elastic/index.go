// Package elastic maintains the search index over audit events. The index is
// a derived view of the durable store: losing a document here never loses the
// event, and the pipeline treats every failure in this package as recoverable.
package elastic

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"

	"auditlog/internal/ingest/models"
	"auditlog/pkg/platform/sentinel"
)

// IndexName is the single index holding audit events.
const IndexName = "audit-logs"

const indexMapping = `{
  "mappings": {
    "properties": {
      "timestamp": { "type": "date" },
      "service":   { "type": "keyword" },
      "eventType": { "type": "keyword" },
      "userId":    { "type": "keyword" },
      "payload":   { "type": "object" }
    }
  }
}`

// maxResultWindow is the cluster default for index.max_result_window;
// from+size beyond it is rejected by the server.
const maxResultWindow = 10000

// searchFields are matched by free-text queries.
var searchFields = []string{"service", "eventType", "payload.*"}

// Index wraps an Elasticsearch client. The client pools connections and is
// safe for concurrent use.
type Index struct {
	client        *elasticsearch.Client
	name          string
	healthTimeout time.Duration
	refresh       string
}

// Option configures an Index.
type Option func(*Index)

// WithIndexName overrides IndexName; integration suites use it for isolation.
func WithIndexName(name string) Option {
	return func(i *Index) { i.name = name }
}

// WithHealthTimeout bounds how long InitIndex waits for a yellow cluster.
func WithHealthTimeout(d time.Duration) Option {
	return func(i *Index) { i.healthTimeout = d }
}

// WithRefresh sets the refresh policy for writes ("wait_for", "true", "false").
func WithRefresh(policy string) Option {
	return func(i *Index) { i.refresh = policy }
}

// New creates an index adapter.
func New(client *elasticsearch.Client, opts ...Option) *Index {
	i := &Index{
		client:        client,
		name:          IndexName,
		healthTimeout: 30 * time.Second,
		refresh:       "wait_for",
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Name returns the index name.
func (i *Index) Name() string { return i.name }

// InitIndex drops and recreates the index with the fixed mapping. Every
// previously indexed document is lost, so this runs once at startup. Events
// persisted while it runs may be missing from search until re-indexed: a
// known read-after-write gap, acceptable because the store stays complete.
func (i *Index) InitIndex(ctx context.Context) error {
	if err := i.waitForCluster(ctx); err != nil {
		return err
	}

	res, err := i.client.Indices.Delete([]string{i.name}, i.client.Indices.Delete.WithContext(ctx))
	if err != nil {
		return unavailable("delete index", err)
	}
	if res.IsError() && res.StatusCode != http.StatusNotFound {
		return responseError("delete index", res)
	}
	closeBody(res)

	return i.create(ctx)
}

// EnsureIndex creates the index only when it does not exist yet.
func (i *Index) EnsureIndex(ctx context.Context) error {
	if err := i.waitForCluster(ctx); err != nil {
		return err
	}

	res, err := i.client.Indices.Exists([]string{i.name}, i.client.Indices.Exists.WithContext(ctx))
	if err != nil {
		return unavailable("check index", err)
	}
	switch res.StatusCode {
	case http.StatusOK:
		closeBody(res)
		return nil
	case http.StatusNotFound:
		closeBody(res)
		return i.create(ctx)
	default:
		return responseError("check index", res)
	}
}

func (i *Index) create(ctx context.Context) error {
	res, err := i.client.Indices.Create(i.name,
		i.client.Indices.Create.WithBody(strings.NewReader(indexMapping)),
		i.client.Indices.Create.WithContext(ctx),
	)
	if err != nil {
		return unavailable("create index", err)
	}
	if res.IsError() {
		body := readBody(res)
		// Another replica created it first.
		if strings.Contains(body, "resource_already_exists_exception") {
			return nil
		}
		return statusError("create index", res.StatusCode, body)
	}
	closeBody(res)
	return nil
}

func (i *Index) waitForCluster(ctx context.Context) error {
	res, err := i.client.Cluster.Health(
		i.client.Cluster.Health.WithWaitForStatus("yellow"),
		i.client.Cluster.Health.WithTimeout(i.healthTimeout),
		i.client.Cluster.Health.WithContext(ctx),
	)
	if err != nil {
		return unavailable("cluster health", err)
	}
	if res.IsError() {
		return responseError("cluster health", res)
	}
	closeBody(res)
	return nil
}

// IndexDocument upserts event under id. The identity is the document id and
// is never part of the document body.
func (i *Index) IndexDocument(ctx context.Context, id string, event models.AuditEvent) error {
	body, err := json.Marshal(event.WithoutID())
	if err != nil {
		return fmt.Errorf("marshal document: %w", err)
	}

	res, err := i.client.Index(i.name, bytes.NewReader(body),
		i.client.Index.WithDocumentID(id),
		i.client.Index.WithRefresh(i.refresh),
		i.client.Index.WithContext(ctx),
	)
	if err != nil {
		return unavailable("index document", err)
	}
	if res.IsError() {
		return responseError("index document", res)
	}
	closeBody(res)
	return nil
}

// Search runs a filtered, optionally fuzzy query, newest first.
func (i *Index) Search(ctx context.Context, q models.SearchQuery) (models.Page[models.AuditEvent], error) {
	p := q.Pagination.Normalize()

	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(searchBody(q.Query, q.EventFilter, p)); err != nil {
		return models.Page[models.AuditEvent]{}, fmt.Errorf("encode search: %w", err)
	}

	res, err := i.client.Search(
		i.client.Search.WithContext(ctx),
		i.client.Search.WithIndex(i.name),
		i.client.Search.WithBody(&buf),
	)
	if err != nil {
		return models.Page[models.AuditEvent]{}, unavailable("search", err)
	}
	if res.IsError() {
		return models.Page[models.AuditEvent]{}, responseError("search", res)
	}
	defer closeBody(res)

	var sr searchResponse
	if err := json.NewDecoder(res.Body).Decode(&sr); err != nil {
		return models.Page[models.AuditEvent]{}, fmt.Errorf("decode search response: %w", err)
	}

	items := make([]models.AuditEvent, 0, len(sr.Hits.Hits))
	for _, h := range sr.Hits.Hits {
		e := h.Source
		e.ID = h.ID
		items = append(items, e)
	}
	return models.Page[models.AuditEvent]{Total: sr.Hits.Total.Value, Items: items}, nil
}

type searchResponse struct {
	Hits struct {
		Total struct {
			Value int64 `json:"value"`
		} `json:"total"`
		Hits []struct {
			ID     string            `json:"_id"`
			Source models.AuditEvent `json:"_source"`
		} `json:"hits"`
	} `json:"hits"`
}

func searchBody(query string, f models.EventFilter, p models.Pagination) map[string]any {
	must := []any{}
	if query != "" {
		must = append(must, map[string]any{
			"multi_match": map[string]any{
				"query":     query,
				"fields":    searchFields,
				"fuzziness": "AUTO",
				"lenient":   true,
			},
		})
	}

	filter := []any{}
	if f.Service != "" {
		filter = append(filter, map[string]any{"term": map[string]any{"service": f.Service}})
	}
	if f.EventType != "" {
		filter = append(filter, map[string]any{"term": map[string]any{"eventType": f.EventType}})
	}
	if f.Start != nil || f.End != nil {
		r := map[string]any{}
		if f.Start != nil {
			r["gte"] = f.Start.UTC().Format(time.RFC3339Nano)
		}
		if f.End != nil {
			r["lte"] = f.End.UTC().Format(time.RFC3339Nano)
		}
		filter = append(filter, map[string]any{"range": map[string]any{"timestamp": r}})
	}

	from, size := resultWindow(p)
	return map[string]any{
		"from":             from,
		"size":             size,
		"track_total_hits": true,
		"sort":             []any{map[string]any{"timestamp": map[string]any{"order": "desc"}}},
		"query": map[string]any{
			"bool": map[string]any{
				"must":   must,
				"filter": filter,
			},
		},
	}
}

// resultWindow trims a page to the part the cluster will serve. A page that
// starts past the window asks only for the total.
func resultWindow(p models.Pagination) (from, size int) {
	from = p.Skip()
	if from >= maxResultWindow {
		return 0, 0
	}
	return from, min(p.Limit, maxResultWindow-from)
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, sentinel.ErrUnavailable, err)
}

func responseError(op string, res *esapi.Response) error {
	return statusError(op, res.StatusCode, readBody(res))
}

// statusError treats throttling and server-side failures as the cluster
// being unavailable; other statuses are request errors.
func statusError(op string, status int, body string) error {
	if status == http.StatusTooManyRequests || status >= http.StatusInternalServerError {
		return fmt.Errorf("%s: %w: status %d: %s", op, sentinel.ErrUnavailable, status, body)
	}
	return fmt.Errorf("%s: status %d: %s", op, status, body)
}

func readBody(res *esapi.Response) string {
	defer closeBody(res)
	b, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
	return string(b)
}

func closeBody(res *esapi.Response) {
	if res != nil && res.Body != nil {
		_ = res.Body.Close()
	}
}
