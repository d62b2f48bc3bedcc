// Command gtsdump decodes GTS bulletin files offline and prints the
// resulting observation records as JSON, one per line. Useful for inspecting
// a feed without standing up the full service.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/couchcryptid/gts-bufr-etl/internal/bufr"
	"github.com/couchcryptid/gts-bufr-etl/internal/bytestream"
	"github.com/couchcryptid/gts-bufr-etl/internal/decoder"
	"github.com/couchcryptid/gts-bufr-etl/internal/gts"
	"github.com/couchcryptid/gts-bufr-etl/internal/observability"
	"github.com/couchcryptid/gts-bufr-etl/internal/tables"
)

func main() {
	bufrMap := flag.String("bufr-map", "maps/bufr_map.yaml", "descriptor mapping table")
	unitMap := flag.String("unit-map", "maps/unit_map.yaml", "unit standardization table")
	engineName := flag.String("engine", "eccodes", "registered BUFR engine")
	chunkSize := flag.Int("chunk-size", 16384, "stream read chunk size")
	logLevel := flag.String("log-level", "warn", "log level")
	flag.Parse()

	if flag.NArg() == 0 {
		fmt.Fprintln(os.Stderr, "usage: gtsdump [flags] file...")
		os.Exit(2)
	}

	logger := observability.NewLogger(*logLevel, "text")

	tbl, err := tables.Load(*bufrMap, *unitMap)
	if err != nil {
		logger.Error("failed to load mapping tables", "error", err)
		os.Exit(1)
	}
	engine, err := bufr.Open(*engineName)
	if err != nil {
		logger.Error("failed to open bufr engine", "error", err)
		os.Exit(1)
	}
	dec := decoder.New(engine, tbl, logger)

	exitCode := 0
	for _, path := range flag.Args() {
		if err := dumpFile(context.Background(), path, dec, *chunkSize, logger); err != nil {
			logger.Error("dump failed", "file", path, "error", err)
			exitCode = 1
		}
	}
	os.Exit(exitCode)
}

func dumpFile(ctx context.Context, path string, dec *decoder.Decoder, chunkSize int, logger *slog.Logger) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close() //nolint:errcheck // read-only

	enc := json.NewEncoder(os.Stdout)
	framer := gts.NewFramer(bytestream.NewFromReader(f, chunkSize), logger)
	for {
		res, err := framer.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		if res.Err != nil {
			logger.Warn("skipping unframeable message", "error", res.Err, "header", res.Header)
			continue
		}
		records, err := dec.Decode(ctx, res.Header, res.Envelope)
		if err != nil {
			logger.Warn("skipping undecodable message", "error", err, "header", res.Header)
			continue
		}
		for _, r := range records {
			if err := enc.Encode(r); err != nil {
				return err
			}
		}
	}
}
