package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.mongodb.org/mongo-driver/mongo"
	"go.opentelemetry.io/otel"

	esindex "auditlog/internal/ingest/index/elastic"
	ingestmetrics "auditlog/internal/ingest/metrics"
	"auditlog/internal/ingest/pipeline"
	mongostore "auditlog/internal/ingest/store/mongo"
	"auditlog/internal/platform/config"
	platformelastic "auditlog/internal/platform/elastic"
	"auditlog/internal/platform/kafka/consumer"
	"auditlog/internal/platform/metrics"
	platformmongo "auditlog/internal/platform/mongo"
	"auditlog/pkg/platform/circuit"
)

// deps holds the process-wide connections and the components built on them.
// Nothing below main reaches for a global client.
type deps struct {
	cfg           config.Config
	logger        *slog.Logger
	registry      *prometheus.Registry
	httpMetrics   *metrics.Metrics
	ingestMetrics *ingestmetrics.Metrics
	mongo         *mongo.Client
	store         *mongostore.Store
	elastic       *elasticsearch.Client
	index         *esindex.Index
	kafka         *kgo.Client
	pipeline      *pipeline.Pipeline
}

func buildDeps(ctx context.Context, cfg config.Config, log *slog.Logger) (*deps, error) {
	d := &deps{cfg: cfg, logger: log, registry: prometheus.NewRegistry()}
	d.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	d.httpMetrics = metrics.New(d.registry)
	d.ingestMetrics = ingestmetrics.New(d.registry)

	var err error
	d.mongo, err = platformmongo.Connect(ctx, platformmongo.Config{URI: cfg.Mongo.URI})
	if err != nil {
		return nil, err
	}
	d.store = mongostore.New(d.mongo.Database(cfg.Mongo.Database))
	if err := d.store.EnsureIndexes(ctx); err != nil {
		d.close()
		return nil, fmt.Errorf("ensure store indexes: %w", err)
	}

	d.elastic, err = platformelastic.New(platformelastic.Config{
		Addresses: cfg.Elastic.Addresses,
		Username:  cfg.Elastic.Username,
		Password:  cfg.Elastic.Password,
	})
	if err != nil {
		d.close()
		return nil, err
	}
	d.index = esindex.New(d.elastic)
	if cfg.Elastic.ResetIndex {
		log.Warn("recreating search index; previously indexed documents are dropped", "index", d.index.Name())
		err = d.index.InitIndex(ctx)
	} else {
		err = d.index.EnsureIndex(ctx)
	}
	if err != nil {
		d.close()
		return nil, fmt.Errorf("prepare search index: %w", err)
	}

	d.kafka, err = consumer.NewClient(consumer.Config{
		Brokers:  cfg.Kafka.Brokers,
		Topic:    cfg.Kafka.Topic,
		GroupID:  cfg.Kafka.GroupID,
		ClientID: "audit-service",
	})
	if err != nil {
		d.close()
		return nil, err
	}
	if err := consumer.EnsureTopic(ctx, d.kafka, consumer.TopicSpec{
		Name:              cfg.Kafka.Topic,
		Partitions:        cfg.Kafka.Partitions,
		ReplicationFactor: cfg.Kafka.ReplicationFactor,
	}); err != nil {
		d.close()
		return nil, err
	}

	breaker := circuit.New("search-index", circuit.WithCooldown(15*time.Second))
	d.pipeline, err = pipeline.New(d.store, d.index,
		pipeline.WithLogger(log),
		pipeline.WithMetrics(d.ingestMetrics),
		pipeline.WithBreaker(breaker),
		pipeline.WithTracer(otel.Tracer("auditlog")),
		pipeline.WithStoreTimeout(cfg.Ingest.StoreTimeout),
		pipeline.WithIndexTimeout(cfg.Ingest.IndexTimeout),
	)
	if err != nil {
		d.close()
		return nil, err
	}
	return d, nil
}

// close releases connections in reverse order of acquisition. Closing the
// Kafka client leaves the consumer group so partitions rebalance promptly.
func (d *deps) close() {
	if d.kafka != nil {
		d.kafka.Close()
	}
	if d.mongo != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := d.mongo.Disconnect(ctx); err != nil {
			d.logger.Warn("mongo disconnect failed", "error", err)
		}
	}
}
