package consumer

//go:generate mockgen -source=handler.go -destination=mocks/mocks.go -package=mocks Ingester

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"auditlog/internal/ingest/metrics"
	"auditlog/internal/ingest/models"
	"auditlog/internal/ingest/pipeline"
	"auditlog/internal/platform/kafka/consumer"
)

// Ingester runs an event through the ingestion pipeline.
type Ingester interface {
	Ingest(ctx context.Context, source pipeline.Source, raw models.RawEvent) (pipeline.Result, error)
}

// EventHandler feeds audit events from Kafka into the pipeline.
type EventHandler struct {
	ingester Ingester
	logger   *slog.Logger
	metrics  *metrics.Metrics
}

// NewEventHandler creates a Kafka handler for the audit events topic. m may
// be nil.
func NewEventHandler(ingester Ingester, logger *slog.Logger, m *metrics.Metrics) *EventHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventHandler{
		ingester: ingester,
		logger:   logger,
		metrics:  m,
	}
}

// Handle decodes and ingests one message. Messages that can never succeed
// are acknowledged: not a JSON object, rejected by validation, or refused by
// the store outright. A store outage is returned so the offset stays
// uncommitted and the message is retried.
func (h *EventHandler) Handle(ctx context.Context, msg *consumer.Message) error {
	h.metrics.IncConsumed()
	raw, err := decode(msg.Value)
	if err != nil {
		h.metrics.IncMalformed()
		h.logger.ErrorContext(ctx, "skipping malformed audit message",
			"topic", msg.Topic,
			"partition", msg.Partition,
			"offset", msg.Offset,
			"error", err,
		)
		return nil
	}

	res, err := h.ingester.Ingest(ctx, pipeline.SourceKafka, raw)
	if errors.Is(err, models.ErrStoreRejected) {
		h.metrics.IncDropped()
		h.logger.ErrorContext(ctx, "dropping audit message the store cannot hold",
			"topic", msg.Topic,
			"partition", msg.Partition,
			"offset", msg.Offset,
			"error", err,
		)
		return nil
	}
	if err != nil {
		h.metrics.IncRetried()
		h.logger.ErrorContext(ctx, "failed to ingest audit message",
			"topic", msg.Topic,
			"partition", msg.Partition,
			"offset", msg.Offset,
			"error", err,
		)
		return fmt.Errorf("ingest message at offset %d: %w", msg.Offset, err)
	}

	h.logger.DebugContext(ctx, "ingested audit message",
		"offset", msg.Offset,
		"outcome", res.Outcome,
		"id", res.ID,
	)
	return nil
}

func decode(value []byte) (models.RawEvent, error) {
	trimmed := bytes.TrimSpace(value)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, fmt.Errorf("%w: not a JSON object", models.ErrMalformedMessage)
	}
	var raw models.RawEvent
	if err := json.Unmarshal(trimmed, &raw); err != nil {
		return nil, errors.Join(models.ErrMalformedMessage, err)
	}
	return raw, nil
}
