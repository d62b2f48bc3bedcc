// Command ingest runs the GTS bulletin decode service: it drains BUFR
// bulletin files from a spool directory, decodes them into observation
// records and publishes the records to Kafka.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	fileadapter "github.com/couchcryptid/gts-bufr-etl/internal/adapter/file"
	httpadapter "github.com/couchcryptid/gts-bufr-etl/internal/adapter/http"
	kafkaadapter "github.com/couchcryptid/gts-bufr-etl/internal/adapter/kafka"
	"github.com/couchcryptid/gts-bufr-etl/internal/bufr"
	"github.com/couchcryptid/gts-bufr-etl/internal/config"
	"github.com/couchcryptid/gts-bufr-etl/internal/decoder"
	"github.com/couchcryptid/gts-bufr-etl/internal/observability"
	"github.com/couchcryptid/gts-bufr-etl/internal/pipeline"
	"github.com/couchcryptid/gts-bufr-etl/internal/record"
	"github.com/couchcryptid/gts-bufr-etl/internal/tables"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg.LogLevel, cfg.LogFormat)
	metrics := observability.NewMetrics()

	tbl, err := tables.Load(cfg.BufrMapPath, cfg.UnitMapPath)
	if err != nil {
		logger.Error("failed to load mapping tables", "error", err)
		os.Exit(1)
	}

	// Engine bindings register themselves on import.
	engine, err := bufr.Open(cfg.BufrEngine)
	if err != nil {
		logger.Error("failed to open bufr engine", "error", err, "engine", cfg.BufrEngine)
		os.Exit(1)
	}

	source := fileadapter.NewSource(cfg.InputDir, cfg.PollInterval, logger)
	dec := decoder.New(engine, tbl, logger)

	var loader pipeline.BatchLoader
	var writer *kafkaadapter.Writer
	if cfg.KafkaEnabled {
		writer = kafkaadapter.NewWriter(cfg, logger)
		loader = writer
		logger.Info("kafka sink enabled", "topic", cfg.KafkaSinkTopic)
	} else {
		loader = stdoutLoader{}
		logger.Info("kafka sink disabled, writing records to stdout")
	}

	p := pipeline.New(source, dec, loader, logger, metrics, cfg.ChunkSize, cfg.FailOnError)

	srv := httpadapter.NewServer(cfg.HTTPAddr, p, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", "error", err)
		}
	}()

	pipelineDone := make(chan struct{})
	go func() {
		defer close(pipelineDone)
		if err := p.Run(ctx); err != nil {
			logger.Error("pipeline error", "error", err)
		}
	}()

	select {
	case <-ctx.Done():
	case <-pipelineDone:
	}
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "error", err)
	}
	if writer != nil {
		if err := writer.Close(); err != nil {
			logger.Error("kafka writer close error", "error", err)
		}
	}

	logger.Info("shutdown complete")
}

// stdoutLoader writes records as NDJSON, one per line. Used when no sink is
// configured.
type stdoutLoader struct{}

func (stdoutLoader) LoadBatch(_ context.Context, records []*record.Record) error {
	enc := json.NewEncoder(os.Stdout)
	for _, r := range records {
		if err := enc.Encode(r); err != nil {
			return err
		}
	}
	return nil
}
