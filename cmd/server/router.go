package main

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"auditlog/internal/ingest/handler"
	platformelastic "auditlog/internal/platform/elastic"
	"auditlog/internal/platform/middleware"
	platformmongo "auditlog/internal/platform/mongo"
)

func newRouter(d *deps) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RequestTime)
	r.Use(middleware.Recovery(d.logger))
	r.Use(middleware.Logger(d.logger))
	r.Use(middleware.Metrics(d.httpMetrics))

	h := handler.New(d.pipeline, d.store, d.index, d.logger,
		handler.WithReadinessCheck("mongo", func(ctx context.Context) error {
			return platformmongo.Health(ctx, d.mongo)
		}),
		handler.WithReadinessCheck("elasticsearch", func(ctx context.Context) error {
			return platformelastic.Health(ctx, d.elastic)
		}),
		handler.WithReadinessCheck("kafka", func(ctx context.Context) error {
			return d.kafka.Ping(ctx)
		}),
	)
	h.Register(r)

	r.Handle("/metrics", promhttp.HandlerFor(d.registry, promhttp.HandlerOpts{}))
	return r
}
