package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	ingestconsumer "auditlog/internal/ingest/consumer"
	"auditlog/internal/platform/config"
	"auditlog/internal/platform/httpserver"
	"auditlog/internal/platform/kafka/consumer"
	"auditlog/internal/platform/logger"
)

// main wires high-level dependencies, exposes the HTTP router and runs the
// Kafka consumer alongside it. Ingestion logic lives in internal/ingest.
func main() {
	cfg := config.FromEnv()
	log := logger.New(cfg.Log.Format, cfg.Log.Level)
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("audit service stopped", "error", err)
		os.Exit(1)
	}
	log.Info("audit service stopped")
}

func run(ctx context.Context, cfg config.Config, log *slog.Logger) error {
	d, err := buildDeps(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer d.close()

	handler := ingestconsumer.NewEventHandler(d.pipeline, log, d.ingestMetrics)
	cons, err := consumer.New(d.kafka, handler, consumer.WithLogger(log))
	if err != nil {
		return fmt.Errorf("create consumer: %w", err)
	}

	ln, err := net.Listen("tcp", cfg.Server.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.Server.Addr, err)
	}
	srv := httpserver.New(cfg.Server.Addr, newRouter(d))

	log.Info("starting audit service",
		"addr", cfg.Server.Addr,
		"topic", cfg.Kafka.Topic,
		"group", cfg.Kafka.GroupID,
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return httpserver.Run(gctx, srv, ln, cfg.Server.ShutdownTimeout)
	})
	g.Go(func() error {
		if err := cons.Run(gctx); err != nil {
			return fmt.Errorf("consumer: %w", err)
		}
		return nil
	})
	return g.Wait()
}
