// Package kafka publishes decoded observation records to the sink topic.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	kafkago "github.com/segmentio/kafka-go"

	"github.com/couchcryptid/gts-bufr-etl/internal/config"
	"github.com/couchcryptid/gts-bufr-etl/internal/record"
)

// Writer produces records to a Kafka topic.
// It implements pipeline.BatchLoader.
type Writer struct {
	writer *kafkago.Writer
	logger *slog.Logger
}

// NewWriter creates a Kafka producer for the configured sink topic.
func NewWriter(cfg *config.Config, logger *slog.Logger) *Writer {
	w := &kafkago.Writer{
		Addr:         kafkago.TCP(cfg.KafkaBrokers...),
		Topic:        cfg.KafkaSinkTopic,
		Balancer:     &kafkago.LeastBytes{},
		RequiredAcks: kafkago.RequireAll,
	}
	return &Writer{writer: w, logger: logger}
}

// LoadBatch serializes and publishes the records for one BUFR message in a
// single WriteMessages call. Keys are record uids, so re-decoded bulletins
// land on the same partitions and compact away downstream.
func (w *Writer) LoadBatch(ctx context.Context, records []*record.Record) error {
	if len(records) == 0 {
		return nil
	}
	msgs := make([]kafkago.Message, len(records))
	for i := range records {
		msg, err := serializeToMessage(records[i])
		if err != nil {
			return err
		}
		msgs[i] = msg
	}
	return w.writer.WriteMessages(ctx, msgs...)
}

func (w *Writer) Close() error {
	return w.writer.Close()
}

// serializeToMessage marshals a record into a Kafka message.
func serializeToMessage(rec *record.Record) (kafkago.Message, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return kafkago.Message{}, fmt.Errorf("serialize record %s: %w", rec.UID, err)
	}
	msg := kafkago.Message{
		Key:   []byte(rec.UID),
		Value: data,
		Headers: []kafkago.Header{
			{Key: "decoded_at", Value: []byte(rec.DecodedAt.Format(time.RFC3339))},
		},
	}
	if header := rec.Metadata.Get("GTSHeader"); header != nil {
		if s, ok := header.Val.(string); ok {
			msg.Headers = append(msg.Headers, kafkago.Header{Key: "gts_header", Value: []byte(s)})
		}
	}
	return msg, nil
}
