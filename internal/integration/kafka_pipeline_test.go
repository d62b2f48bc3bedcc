//go:build integration

package integration_test

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	kafkago "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tckafka "github.com/testcontainers/testcontainers-go/modules/kafka"

	fileadapter "github.com/couchcryptid/gts-bufr-etl/internal/adapter/file"
	kafkaadapter "github.com/couchcryptid/gts-bufr-etl/internal/adapter/kafka"
	"github.com/couchcryptid/gts-bufr-etl/internal/config"
	"github.com/couchcryptid/gts-bufr-etl/internal/gts"
	"github.com/couchcryptid/gts-bufr-etl/internal/observability"
	"github.com/couchcryptid/gts-bufr-etl/internal/pipeline"
	"github.com/couchcryptid/gts-bufr-etl/internal/record"
)

const testSinkTopic = "test-decoded-observations"

func startKafka(ctx context.Context, t *testing.T) string {
	t.Helper()
	container, err := tckafka.Run(ctx, "confluentinc/confluent-local:7.5.0",
		tckafka.WithClusterID("test-cluster"))
	require.NoError(t, err, "start kafka container")
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	brokers, err := container.Brokers(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, brokers)
	return brokers[0]
}

func createTopic(t *testing.T, broker, topic string) {
	t.Helper()
	conn, err := kafkago.Dial("tcp", broker)
	require.NoError(t, err)
	defer conn.Close() //nolint:errcheck

	controller, err := conn.Controller()
	require.NoError(t, err)
	controllerConn, err := kafkago.Dial("tcp", fmt.Sprintf("%s:%d", controller.Host, controller.Port))
	require.NoError(t, err)
	defer controllerConn.Close() //nolint:errcheck

	require.NoError(t, controllerConn.CreateTopics(kafkago.TopicConfig{
		Topic:             topic,
		NumPartitions:     1,
		ReplicationFactor: 1,
	}))
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// passthroughDecoder stands in for the BUFR engine: it turns each framed
// envelope into one record carrying the header and envelope length, which is
// all the sink round-trip needs to verify.
type passthroughDecoder struct{}

func (passthroughDecoder) Decode(_ context.Context, header string, env *gts.Envelope) ([]*record.Record, error) {
	rec := record.New()
	rec.Metadata.Set("GTSHeader", record.NewValue(header))
	rec.Metadata.Set("EnvelopeLength", record.NewValue(int(env.TotalLength)))
	rec.DecodedAt = record.Now()
	rec.UID = record.GenerateUID(header, fmt.Sprintf("%d", env.StartOffset))
	return []*record.Record{rec}, nil
}

// TestKafkaWriterRoundTrip verifies that kafka.Writer publishes records that
// come back intact from the sink topic, keyed by uid.
func TestKafkaWriterRoundTrip(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 90*time.Second)
	defer cancel()

	broker := startKafka(ctx, t)
	createTopic(t, broker, testSinkTopic)

	cfg := &config.Config{
		KafkaBrokers:   []string{broker},
		KafkaSinkTopic: testSinkTopic,
	}
	writer := kafkaadapter.NewWriter(cfg, discardLogger())
	t.Cleanup(func() { _ = writer.Close() })

	rec := record.New()
	rec.UID = "test-uid-1"
	rec.DecodedAt = time.Date(2023, 5, 16, 18, 30, 0, 0, time.UTC)
	rec.Metadata.Set("GTSHeader", record.NewValue("IOPX01 KWNB 161800"))
	rec.Coordinates.Set("Latitude", record.NewValue(33.986))

	require.NoError(t, writer.LoadBatch(ctx, []*record.Record{rec}))

	consumer := kafkago.NewReader(kafkago.ReaderConfig{
		Brokers:     []string{broker},
		Topic:       testSinkTopic,
		GroupID:     fmt.Sprintf("test-consumer-%d", time.Now().UnixNano()),
		StartOffset: kafkago.FirstOffset,
	})
	t.Cleanup(func() { _ = consumer.Close() })

	readCtx, readCancel := context.WithTimeout(ctx, 30*time.Second)
	defer readCancel()
	msg, err := consumer.ReadMessage(readCtx)
	require.NoError(t, err)

	assert.Equal(t, "test-uid-1", string(msg.Key))
	headers := map[string]string{}
	for _, h := range msg.Headers {
		headers[h.Key] = string(h.Value)
	}
	assert.Equal(t, "IOPX01 KWNB 161800", headers["gts_header"])
	assert.Contains(t, headers, "decoded_at")

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(msg.Value, &decoded))
	assert.Equal(t, "test-uid-1", decoded["uid"])
}

// TestPipelineEndToEnd drains a spool directory of bulletin files through the
// full pipeline into real Kafka and verifies every framed message arrives.
func TestPipelineEndToEnd(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	broker := startKafka(ctx, t)
	createTopic(t, broker, testSinkTopic)

	dir := t.TempDir()
	payload := make([]byte, 16)
	for i, header := range []string{"IOPX01 KWNB 161800", "IOBX02 LFPW 170600"} {
		data := append([]byte(header+"\r\n"), gts.EncodeEnvelope(4, payload)...)
		data = append(data, '\r', '\n')
		require.NoError(t, os.WriteFile(filepath.Join(dir, fmt.Sprintf("bulletin-%d.bin", i)), data, 0o644))
	}

	cfg := &config.Config{
		KafkaBrokers:   []string{broker},
		KafkaSinkTopic: testSinkTopic,
	}
	writer := kafkaadapter.NewWriter(cfg, discardLogger())
	t.Cleanup(func() { _ = writer.Close() })

	source := fileadapter.NewSource(dir, 0, discardLogger())
	metrics := observability.NewMetricsForTesting()
	p := pipeline.New(source, passthroughDecoder{}, writer, discardLogger(), metrics, 4096, true)

	require.NoError(t, p.Run(ctx))

	consumer := kafkago.NewReader(kafkago.ReaderConfig{
		Brokers:     []string{broker},
		Topic:       testSinkTopic,
		GroupID:     fmt.Sprintf("test-sink-%d", time.Now().UnixNano()),
		StartOffset: kafkago.FirstOffset,
	})
	t.Cleanup(func() { _ = consumer.Close() })

	seen := map[string]bool{}
	for len(seen) < 2 {
		readCtx, readCancel := context.WithTimeout(ctx, 30*time.Second)
		msg, err := consumer.ReadMessage(readCtx)
		readCancel()
		require.NoError(t, err)
		for _, h := range msg.Headers {
			if h.Key == "gts_header" {
				seen[string(h.Value)] = true
			}
		}
	}
	assert.True(t, seen["IOPX01 KWNB 161800"])
	assert.True(t, seen["IOBX02 LFPW 170600"])
}
