package handler

//go:generate mockgen -source=handler.go -destination=mocks/mocks.go -package=mocks Ingester,EventReader,Searcher

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"auditlog/internal/ingest/models"
	"auditlog/internal/ingest/pipeline"
	dErrors "auditlog/pkg/domain-errors"
	"auditlog/pkg/platform/httputil"
	"auditlog/pkg/platform/sentinel"
	"auditlog/pkg/requestcontext"
)

// maxBodyBytes bounds a single submitted event.
const maxBodyBytes = 1 << 20

// Ingester runs an event through the ingestion pipeline.
type Ingester interface {
	Ingest(ctx context.Context, source pipeline.Source, raw models.RawEvent) (pipeline.Result, error)
}

// EventReader queries the durable store.
type EventReader interface {
	QueryEvents(ctx context.Context, filter models.EventFilter, p models.Pagination) (models.Page[models.AuditEvent], error)
	QueryDeadLetters(ctx context.Context, p models.Pagination) (models.Page[models.DeadLetterRecord], error)
}

// Searcher queries the search index.
type Searcher interface {
	Search(ctx context.Context, q models.SearchQuery) (models.Page[models.AuditEvent], error)
}

// ReadinessCheck checks one dependency.
type ReadinessCheck func(ctx context.Context) error

// Handler serves the audit ingestion and query endpoints.
type Handler struct {
	ingester     Ingester
	reader       EventReader
	searcher     Searcher
	logger       *slog.Logger
	checks       map[string]ReadinessCheck
	checkTimeout time.Duration
}

type Option func(*Handler)

// WithReadinessCheck adds a dependency check to GET /ready.
func WithReadinessCheck(name string, check ReadinessCheck) Option {
	return func(h *Handler) {
		h.checks[name] = check
	}
}

// WithCheckTimeout bounds each readiness check.
func WithCheckTimeout(d time.Duration) Option {
	return func(h *Handler) {
		h.checkTimeout = d
	}
}

// New creates a new audit Handler.
func New(ingester Ingester, reader EventReader, searcher Searcher, logger *slog.Logger, opts ...Option) *Handler {
	h := &Handler{
		ingester:     ingester,
		reader:       reader,
		searcher:     searcher,
		logger:       logger,
		checks:       make(map[string]ReadinessCheck),
		checkTimeout: 2 * time.Second,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Register registers the audit routes with the chi router.
func (h *Handler) Register(r chi.Router) {
	r.Post("/audit", h.handleIngest)
	r.Get("/logs", h.handleListLogs)
	r.Get("/logs/search", h.handleSearchLogs)
	r.Get("/dead-letters", h.handleListDeadLetters)
	r.Get("/health", h.handleHealth)
	r.Get("/ready", h.handleReady)
}

func (h *Handler) handleIngest(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestcontext.RequestID(ctx)

	raw, err := decodeEvent(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		h.logger.WarnContext(ctx, "invalid audit request body",
			"request_id", requestID,
			"error", err.Error(),
		)
		httputil.WriteError(w, dErrors.Wrap(err, dErrors.CodeInvalidRequest, "request body must be a JSON object"))
		return
	}

	res, err := h.ingester.Ingest(ctx, pipeline.SourceHTTP, raw)
	if err != nil {
		h.logger.ErrorContext(ctx, "failed to ingest audit event",
			"request_id", requestID,
			"error", err.Error(),
		)
		httputil.WriteError(w, dErrors.Wrap(err, dErrors.CodeInternal, "failed to store audit event"))
		return
	}

	if res.Outcome == pipeline.OutcomeRejected {
		httputil.WriteJSON(w, http.StatusBadRequest, ValidationErrorResponse{
			Error:   string(dErrors.CodeValidation),
			Details: res.Errors,
		})
		return
	}

	httputil.WriteJSON(w, http.StatusCreated, CreatedResponse{ID: res.ID})
}

func (h *Handler) handleListLogs(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	req, err := parseListRequest(r.URL.Query())
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	page, err := h.reader.QueryEvents(ctx, req.EventFilter, req.Pagination)
	if err != nil {
		h.logger.ErrorContext(ctx, "failed to query audit logs",
			"request_id", requestcontext.RequestID(ctx),
			"error", err.Error(),
		)
		httputil.WriteError(w, queryError(err, "failed to query audit logs"))
		return
	}

	httputil.WriteJSON(w, http.StatusOK, toLogsResponse(req.Pagination, page))
}

func (h *Handler) handleSearchLogs(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	req, err := parseSearchRequest(r.URL.Query())
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	page, err := h.searcher.Search(ctx, req)
	if err != nil {
		h.logger.ErrorContext(ctx, "failed to search audit logs",
			"request_id", requestcontext.RequestID(ctx),
			"error", err.Error(),
		)
		httputil.WriteError(w, queryError(err, "failed to search audit logs"))
		return
	}

	httputil.WriteJSON(w, http.StatusOK, toLogsResponse(req.Pagination, page))
}

func (h *Handler) handleListDeadLetters(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	p, err := parsePagination(r.URL.Query())
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	page, err := h.reader.QueryDeadLetters(ctx, p)
	if err != nil {
		h.logger.ErrorContext(ctx, "failed to query dead letters",
			"request_id", requestcontext.RequestID(ctx),
			"error", err.Error(),
		)
		httputil.WriteError(w, queryError(err, "failed to query dead letters"))
		return
	}

	httputil.WriteJSON(w, http.StatusOK, toDeadLettersResponse(p, page))
}

func (h *Handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
}

func (h *Handler) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	resp := ReadyResponse{Status: "ready", Checks: make(map[string]string, len(h.checks))}
	status := http.StatusOK

	for name, check := range h.checks {
		checkCtx, cancel := context.WithTimeout(ctx, h.checkTimeout)
		err := check(checkCtx)
		cancel()
		if err != nil {
			h.logger.WarnContext(ctx, "readiness check failed", "check", name, "error", err.Error())
			resp.Checks[name] = err.Error()
			resp.Status = "unavailable"
			status = http.StatusServiceUnavailable
			continue
		}
		resp.Checks[name] = "ok"
	}

	httputil.WriteJSON(w, status, resp)
}

func decodeEvent(body io.Reader) (models.RawEvent, error) {
	dec := json.NewDecoder(body)
	var raw models.RawEvent
	if err := dec.Decode(&raw); err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, errors.New("request body is null")
	}
	// The body holds exactly one JSON value; only whitespace may follow it.
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return nil, errors.New("unexpected data after JSON object")
	}
	return raw, nil
}

func queryError(err error, msg string) error {
	switch {
	case errors.Is(err, sentinel.ErrUnavailable):
		return dErrors.Wrap(err, dErrors.CodeUnavailable, msg)
	case errors.Is(err, context.DeadlineExceeded):
		return dErrors.Wrap(err, dErrors.CodeTimeout, msg)
	default:
		return dErrors.Wrap(err, dErrors.CodeInternal, msg)
	}
}
