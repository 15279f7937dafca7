// Package pipeline is the single ingestion path shared by the HTTP and Kafka
// entry points: strip identity, validate, then either dead-letter the event
// or persist it and index it on a best-effort basis.
package pipeline

//go:generate mockgen -source=pipeline.go -destination=mocks/mocks.go -package=mocks Store,Index,Validator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"auditlog/internal/ingest/metrics"
	"auditlog/internal/ingest/models"
	"auditlog/internal/ingest/validation"
	"auditlog/pkg/platform/circuit"
	"auditlog/pkg/platform/sentinel"
	"auditlog/pkg/requestcontext"
)

// Source identifies the entry point an event arrived through.
type Source string

const (
	SourceHTTP  Source = "http"
	SourceKafka Source = "kafka"
)

// Outcome is the terminal state of one ingestion.
type Outcome string

const (
	// OutcomeRejected: failed validation or refused by the store, and dead-lettered.
	OutcomeRejected Outcome = "rejected"
	// OutcomeIndexed: persisted and searchable.
	OutcomeIndexed Outcome = "indexed"
	// OutcomeIndexFailed: persisted, indexing failed or was skipped.
	OutcomeIndexFailed Outcome = "index_failed"
)

// Store is the durable store subset the pipeline writes to.
type Store interface {
	InsertEvent(ctx context.Context, event models.AuditEvent) (string, error)
	InsertDeadLetter(ctx context.Context, record models.DeadLetterRecord) error
}

// Index is the search index subset the pipeline writes to.
type Index interface {
	IndexDocument(ctx context.Context, id string, event models.AuditEvent) error
}

// Validator checks a raw event and converts a valid one.
type Validator interface {
	Validate(raw models.RawEvent) models.ValidationResult
	ToEvent(raw models.RawEvent) (models.AuditEvent, error)
}

// Result describes what happened to one event. ID is set once the durable
// store has accepted it; Errors is set when it was rejected.
type Result struct {
	Outcome Outcome
	ID      string
	Errors  []models.ValidationError
}

// Persisted reports whether the event reached the durable store.
func (r Result) Persisted() bool {
	return r.Outcome == OutcomeIndexed || r.Outcome == OutcomeIndexFailed
}

type Pipeline struct {
	store        Store
	index        Index
	validator    Validator
	breaker      *circuit.Breaker
	metrics      *metrics.Metrics
	logger       *slog.Logger
	tracer       trace.Tracer
	storeTimeout time.Duration
	indexTimeout time.Duration
}

type Option func(*Pipeline)

func WithLogger(logger *slog.Logger) Option {
	return func(p *Pipeline) {
		p.logger = logger
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Pipeline) {
		p.metrics = m
	}
}

func WithValidator(v Validator) Option {
	return func(p *Pipeline) {
		p.validator = v
	}
}

// WithBreaker guards index writes. While the breaker is open, indexing is
// skipped and events complete as OutcomeIndexFailed without waiting on the
// cluster.
func WithBreaker(b *circuit.Breaker) Option {
	return func(p *Pipeline) {
		p.breaker = b
	}
}

// WithStoreTimeout bounds each durable store write. Zero disables the bound.
func WithStoreTimeout(d time.Duration) Option {
	return func(p *Pipeline) {
		p.storeTimeout = d
	}
}

// WithIndexTimeout bounds each index write. Zero disables the bound.
func WithIndexTimeout(d time.Duration) Option {
	return func(p *Pipeline) {
		p.indexTimeout = d
	}
}

func WithTracer(t trace.Tracer) Option {
	return func(p *Pipeline) {
		p.tracer = t
	}
}

func New(store Store, index Index, opts ...Option) (*Pipeline, error) {
	if store == nil {
		return nil, errors.New("store is required")
	}
	if index == nil {
		return nil, errors.New("index is required")
	}

	p := &Pipeline{
		store:        store,
		index:        index,
		logger:       slog.Default(),
		tracer:       otel.Tracer("auditlog/internal/ingest/pipeline"),
		storeTimeout: 5 * time.Second,
		indexTimeout: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.validator == nil {
		v, err := validation.New()
		if err != nil {
			return nil, fmt.Errorf("create validator: %w", err)
		}
		p.validator = v
	}
	return p, nil
}

// Ingest runs one raw event through the pipeline.
//
// An error wrapping models.ErrStoreUnavailable means the store could not be
// reached and the caller must not acknowledge the event. An error wrapping
// models.ErrStoreRejected means even the dead-letter write was refused and
// retrying cannot help. Index failures never surface as errors.
func (p *Pipeline) Ingest(ctx context.Context, source Source, raw models.RawEvent) (Result, error) {
	start := time.Now()
	ctx, span := p.tracer.Start(ctx, "pipeline.Ingest", trace.WithAttributes(
		attribute.String("ingest.source", string(source)),
	))
	defer span.End()

	p.metrics.IncReceived(string(source))
	defer func() { p.metrics.ObserveIngestLatency(string(source), time.Since(start)) }()

	event := raw.StripIdentity()
	verdict := p.validator.Validate(event)
	if !verdict.Valid {
		return p.reject(ctx, span, source, event, verdict.Errors)
	}

	parsed, err := p.validator.ToEvent(event)
	if err != nil {
		// Validate guarantees convertibility; treat a mismatch as a rejection
		// rather than losing the event.
		return p.reject(ctx, span, source, event, []models.ValidationError{{
			Field: "timestamp", Rule: "format", Message: err.Error(),
		}})
	}

	id, err := p.persist(ctx, parsed)
	if errors.Is(err, models.ErrStoreRejected) {
		return p.reject(ctx, span, source, event, []models.ValidationError{{
			Field: "event", Rule: "storable", Message: "event could not be written to the durable store",
		}})
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "persist failed")
		return Result{}, err
	}
	span.SetAttributes(attribute.String("audit.id", id))

	outcome := p.indexBestEffort(ctx, id, parsed)
	span.SetAttributes(attribute.String("ingest.outcome", string(outcome)))
	p.metrics.IncOutcome(string(source), string(outcome))
	return Result{Outcome: outcome, ID: id}, nil
}

func (p *Pipeline) reject(ctx context.Context, span trace.Span, source Source, event models.RawEvent, errs []models.ValidationError) (Result, error) {
	record := models.DeadLetterRecord{
		Error:      errs,
		Event:      event.StorableKeys(),
		ReceivedAt: requestcontext.Now(ctx).UTC(),
	}

	storeCtx, cancel := p.withTimeout(ctx, p.storeTimeout)
	defer cancel()
	if err := p.store.InsertDeadLetter(storeCtx, record); err != nil {
		p.metrics.IncStoreFailure("insert_dead_letter")
		p.logger.ErrorContext(ctx, "failed to dead-letter rejected event",
			"source", source,
			"request_id", requestcontext.RequestID(ctx),
			"error", err,
		)
		span.RecordError(err)
		span.SetStatus(codes.Error, "dead-letter failed")
		return Result{}, storeError("dead-letter event", err)
	}

	p.logger.InfoContext(ctx, "event rejected",
		"source", source,
		"request_id", requestcontext.RequestID(ctx),
		"violations", len(errs),
	)
	span.SetAttributes(attribute.String("ingest.outcome", string(OutcomeRejected)))
	p.metrics.IncOutcome(string(source), string(OutcomeRejected))
	return Result{Outcome: OutcomeRejected, Errors: errs}, nil
}

func (p *Pipeline) persist(ctx context.Context, event models.AuditEvent) (string, error) {
	storeCtx, cancel := p.withTimeout(ctx, p.storeTimeout)
	defer cancel()

	id, err := p.store.InsertEvent(storeCtx, event)
	if err != nil {
		p.metrics.IncStoreFailure("insert_event")
		p.logger.ErrorContext(ctx, "failed to persist event",
			"service", event.Service,
			"event_type", event.EventType,
			"request_id", requestcontext.RequestID(ctx),
			"error", err,
		)
		return "", storeError("persist event", err)
	}
	return id, nil
}

// storeError keeps retries for outages. Any other store error is a property
// of the data and repeats on every attempt.
func storeError(op string, err error) error {
	if transient(err) {
		return fmt.Errorf("%s: %w: %w", op, models.ErrStoreUnavailable, err)
	}
	return fmt.Errorf("%s: %w: %w", op, models.ErrStoreRejected, err)
}

func transient(err error) bool {
	return errors.Is(err, sentinel.ErrUnavailable) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, context.Canceled)
}

func (p *Pipeline) indexBestEffort(ctx context.Context, id string, event models.AuditEvent) Outcome {
	if p.breaker != nil && !p.breaker.Allow() {
		p.metrics.IncIndexSkipped()
		p.logger.WarnContext(ctx, "index breaker open, skipping index write",
			"id", id,
			"breaker", p.breaker.Name(),
		)
		return OutcomeIndexFailed
	}

	indexCtx, cancel := p.withTimeout(ctx, p.indexTimeout)
	defer cancel()

	if err := p.index.IndexDocument(indexCtx, id, event.WithoutID()); err != nil {
		p.metrics.IncIndexFailure()
		if transient(err) {
			p.recordIndexFailure()
		}
		p.logger.ErrorContext(ctx, "failed to index event",
			"id", id,
			"request_id", requestcontext.RequestID(ctx),
			"error", fmt.Errorf("%w: %w", models.ErrIndexUnavailable, err),
		)
		return OutcomeIndexFailed
	}
	p.recordIndexSuccess()
	return OutcomeIndexed
}

func (p *Pipeline) recordIndexFailure() {
	if p.breaker == nil {
		return
	}
	if _, change := p.breaker.RecordFailure(); change.Opened {
		p.metrics.SetIndexBreakerOpen(true)
		p.logger.Warn("index circuit breaker opened", "breaker", p.breaker.Name())
	}
}

func (p *Pipeline) recordIndexSuccess() {
	if p.breaker == nil {
		return
	}
	if _, change := p.breaker.RecordSuccess(); change.Closed {
		p.metrics.SetIndexBreakerOpen(false)
		p.logger.Info("index circuit breaker closed", "breaker", p.breaker.Name())
	}
}

// withTimeout bounds ctx by d; zero leaves it unbounded.
func (p *Pipeline) withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
