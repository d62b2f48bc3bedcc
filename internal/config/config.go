// Package config reads service settings from the environment, applying
// defaults and validating the combination before anything starts.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all service settings, populated from environment variables.
type Config struct {
	HTTPAddr        string
	LogLevel        string
	LogFormat       string
	ShutdownTimeout time.Duration

	// InputDir is scanned for bulletin files; ChunkSize controls how much of
	// a stream is buffered at once. A zero PollInterval drains the directory
	// once and exits instead of watching for new files.
	InputDir     string
	ChunkSize    int
	PollInterval time.Duration

	// Mapping tables driving the descriptor reinterpretation.
	BufrMapPath string
	UnitMapPath string

	// BufrEngine selects the registered low-level BUFR parser.
	BufrEngine string

	// FailOnError stops the pipeline on the first message-local decode
	// failure instead of logging and continuing.
	FailOnError bool

	KafkaBrokers   []string
	KafkaSinkTopic string
	KafkaEnabled   bool
}

// Load reads configuration from environment variables, applying defaults
// where unset.
func Load() (*Config, error) {
	shutdownTimeout, err := parseDuration("SHUTDOWN_TIMEOUT", "10s")
	if err != nil {
		return nil, err
	}

	chunkSize, err := parsePositiveInt("CHUNK_SIZE", 16384)
	if err != nil {
		return nil, err
	}

	pollInterval, err := parseNonNegativeDuration("POLL_INTERVAL", "5s")
	if err != nil {
		return nil, err
	}

	kafkaEnabled := true
	if v := os.Getenv("KAFKA_ENABLED"); v != "" {
		kafkaEnabled = v == "true"
	}

	cfg := &Config{
		HTTPAddr:        envOrDefault("HTTP_ADDR", ":8080"),
		LogLevel:        envOrDefault("LOG_LEVEL", "info"),
		LogFormat:       envOrDefault("LOG_FORMAT", "json"),
		ShutdownTimeout: shutdownTimeout,

		InputDir:     envOrDefault("INPUT_DIR", "/data/incoming"),
		ChunkSize:    chunkSize,
		PollInterval: pollInterval,

		BufrMapPath: envOrDefault("BUFR_MAP_PATH", "maps/bufr_map.yaml"),
		UnitMapPath: envOrDefault("UNIT_MAP_PATH", "maps/unit_map.yaml"),

		BufrEngine:  envOrDefault("BUFR_ENGINE", "eccodes"),
		FailOnError: os.Getenv("FAIL_ON_ERROR") == "true",

		KafkaBrokers:   splitBrokers(envOrDefault("KAFKA_BROKERS", "localhost:9092")),
		KafkaSinkTopic: envOrDefault("KAFKA_SINK_TOPIC", "decoded-observations"),
		KafkaEnabled:   kafkaEnabled,
	}

	if cfg.InputDir == "" {
		return nil, errors.New("INPUT_DIR is required")
	}
	if cfg.BufrMapPath == "" || cfg.UnitMapPath == "" {
		return nil, errors.New("BUFR_MAP_PATH and UNIT_MAP_PATH are required")
	}
	if cfg.KafkaEnabled {
		if len(cfg.KafkaBrokers) == 0 {
			return nil, errors.New("KAFKA_BROKERS is required when Kafka is enabled")
		}
		if cfg.KafkaSinkTopic == "" {
			return nil, errors.New("KAFKA_SINK_TOPIC is required when Kafka is enabled")
		}
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func parseDuration(key, fallback string) (time.Duration, error) {
	d, err := time.ParseDuration(envOrDefault(key, fallback))
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("invalid %s", key)
	}
	return d, nil
}

func parseNonNegativeDuration(key, fallback string) (time.Duration, error) {
	d, err := time.ParseDuration(envOrDefault(key, fallback))
	if err != nil || d < 0 {
		return 0, fmt.Errorf("invalid %s", key)
	}
	return d, nil
}

func parsePositiveInt(key string, fallback int) (int, error) {
	s := os.Getenv(key)
	if s == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid %s", key)
	}
	return n, nil
}

func splitBrokers(s string) []string {
	var out []string
	for _, b := range strings.Split(s, ",") {
		if b = strings.TrimSpace(b); b != "" {
			out = append(out, b)
		}
	}
	return out
}
