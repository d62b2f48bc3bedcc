// Package pipeline orchestrates the frame-decode-load loop over a sequence of
// bulletin streams.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/couchcryptid/gts-bufr-etl/internal/bytestream"
	"github.com/couchcryptid/gts-bufr-etl/internal/decoder"
	"github.com/couchcryptid/gts-bufr-etl/internal/gts"
	"github.com/couchcryptid/gts-bufr-etl/internal/observability"
	"github.com/couchcryptid/gts-bufr-etl/internal/record"
)

// Stream is one named bulletin byte stream.
type Stream struct {
	Name string
	Open func(ctx context.Context) (io.ReadCloser, error)
}

// StreamSource yields bulletin streams to process. It returns io.EOF once the
// source is exhausted; a blocking source may wait for new streams instead.
type StreamSource interface {
	NextStream(ctx context.Context) (*Stream, error)
}

// MessageDecoder converts one framed envelope into observation records.
type MessageDecoder interface {
	Decode(ctx context.Context, header string, env *gts.Envelope) ([]*record.Record, error)
}

// BatchLoader writes decoded records to the destination.
type BatchLoader interface {
	LoadBatch(ctx context.Context, records []*record.Record) error
}

// Pipeline drains streams from the source, frames each one into BUFR
// messages, decodes them and loads the resulting records.
type Pipeline struct {
	source      StreamSource
	decoder     MessageDecoder
	loader      BatchLoader
	logger      *slog.Logger
	metrics     *observability.Metrics
	ready       atomic.Bool
	chunkSize   int
	failOnError bool
}

// New creates a Pipeline with the given stages and observability. When
// failOnError is set, the first message-local failure stops the run instead
// of being logged and skipped.
func New(s StreamSource, d MessageDecoder, l BatchLoader, logger *slog.Logger, metrics *observability.Metrics, chunkSize int, failOnError bool) *Pipeline {
	return &Pipeline{
		source:      s,
		decoder:     d,
		loader:      l,
		logger:      logger,
		metrics:     metrics,
		chunkSize:   chunkSize,
		failOnError: failOnError,
	}
}

// CheckReadiness returns nil if the pipeline has processed at least one
// message, or an error describing why the service is not yet ready.
func (p *Pipeline) CheckReadiness(_ context.Context) error {
	if !p.ready.Load() {
		return errors.New("pipeline has not processed any messages yet")
	}
	return nil
}

// Run processes streams until the source is exhausted or the context is
// cancelled.
func (p *Pipeline) Run(ctx context.Context) error {
	p.logger.Info("pipeline started", "chunk_size", p.chunkSize, "fail_on_error", p.failOnError)
	p.metrics.PipelineRunning.Set(1)
	defer p.metrics.PipelineRunning.Set(0)

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("pipeline stopping", "reason", ctx.Err())
			return nil
		default:
		}

		stream, err := p.source.NextStream(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				p.logger.Info("stream source exhausted")
				return nil
			}
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("next stream: %w", err)
		}

		if err := p.processStream(ctx, stream); err != nil {
			return err
		}
	}
}

// processStream frames and decodes one stream. Stream read errors abandon the
// stream; only load failures and strict-mode message failures stop the run.
func (p *Pipeline) processStream(ctx context.Context, stream *Stream) error {
	logger := p.logger.With("stream", stream.Name)
	logger.Info("processing stream")

	rc, err := stream.Open(ctx)
	if err != nil {
		p.metrics.StreamErrors.Inc()
		logger.Error("open stream failed", "error", err)
		if p.failOnError {
			return fmt.Errorf("open stream %s: %w", stream.Name, err)
		}
		return nil
	}
	defer rc.Close() //nolint:errcheck // read-only stream

	framer := gts.NewFramer(bytestream.NewFromReader(rc, p.chunkSize), logger)
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		res, err := framer.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				p.metrics.StreamsProcessed.Inc()
				logger.Info("stream complete")
				return nil
			}
			p.metrics.StreamErrors.Inc()
			logger.Error("stream read failed", "error", err)
			if p.failOnError {
				return fmt.Errorf("read stream %s: %w", stream.Name, err)
			}
			return nil
		}

		if err := p.handleMessage(ctx, res, logger); err != nil {
			return err
		}
	}
}

// handleMessage runs one frame-decode-load cycle. Message-local failures are
// counted and logged; in strict mode they propagate instead.
func (p *Pipeline) handleMessage(ctx context.Context, res *gts.Result, logger *slog.Logger) error {
	start := time.Now()

	if res.Err != nil {
		p.metrics.MessagesFailed.Inc()
		logger.Warn("dropping unframeable message", "error", res.Err, "header", res.Header)
		if p.failOnError {
			return fmt.Errorf("frame message: %w", res.Err)
		}
		return nil
	}
	p.metrics.MessageSize.Observe(float64(len(res.Envelope.Raw)))

	records, err := p.decoder.Decode(ctx, res.Header, res.Envelope)
	if err != nil {
		if errors.Is(err, decoder.ErrCorrectedBulletin) {
			p.metrics.MessagesSkipped.Inc()
			logger.Info("skipping corrected bulletin", "header", res.Header)
			return nil
		}
		p.metrics.MessagesFailed.Inc()
		logger.Warn("decode failed, dropping message", "error", err, "header", res.Header)
		if p.failOnError {
			return fmt.Errorf("decode message: %w", err)
		}
		return nil
	}

	for _, r := range records {
		p.metrics.DecodeWarnings.Add(float64(len(r.Warnings())))
	}

	if err := p.loadWithRetry(ctx, records, logger); err != nil {
		return err
	}

	p.metrics.MessagesDecoded.Inc()
	p.metrics.RecordsProduced.Add(float64(len(records)))
	p.metrics.DecodeDuration.Observe(time.Since(start).Seconds())
	p.ready.Store(true)
	return nil
}

// loadWithRetry writes the batch, retrying with exponential backoff during
// sink outages until the context is cancelled. Starts at 200ms, doubles each
// retry, caps at 5s.
func (p *Pipeline) loadWithRetry(ctx context.Context, records []*record.Record, logger *slog.Logger) error {
	backoff := 200 * time.Millisecond
	maxBackoff := 5 * time.Second

	for {
		err := p.loader.LoadBatch(ctx, records)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return nil
		}
		logger.Error("load batch failed", "error", err, "batch_size", len(records), "retry_in", backoff)
		if !sleepWithContext(ctx, backoff) {
			return nil
		}
		backoff = nextBackoff(backoff, maxBackoff)
	}
}

func nextBackoff(current, maxBackoff time.Duration) time.Duration {
	next := current * 2
	if next > maxBackoff {
		return maxBackoff
	}
	return next
}

func sleepWithContext(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
