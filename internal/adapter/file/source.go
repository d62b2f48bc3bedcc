// Package file yields bulletin files from a spool directory as pipeline
// streams.
package file

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/couchcryptid/gts-bufr-etl/internal/pipeline"
)

// Source scans a directory for bulletin files and yields each one as a
// stream, oldest name first. With a poll interval it keeps rescanning for
// files that arrive after startup; without one it is one-shot and ends with
// io.EOF once the directory is drained.
type Source struct {
	dir    string
	poll   time.Duration
	logger *slog.Logger
	clock  clockwork.Clock

	seen  map[string]bool
	queue []string
}

// NewSource creates a Source over dir. A non-positive poll makes it one-shot.
func NewSource(dir string, poll time.Duration, logger *slog.Logger) *Source {
	if logger == nil {
		logger = slog.Default()
	}
	return &Source{
		dir:    dir,
		poll:   poll,
		logger: logger,
		clock:  clockwork.NewRealClock(),
		seen:   map[string]bool{},
	}
}

// SetClock replaces the poll clock; tests use a fake to step through rescans.
func (s *Source) SetClock(c clockwork.Clock) {
	s.clock = c
}

// NextStream returns the next unprocessed file in the directory.
func (s *Source) NextStream(ctx context.Context) (*pipeline.Stream, error) {
	for {
		if len(s.queue) > 0 {
			path := s.queue[0]
			s.queue = s.queue[1:]
			return &pipeline.Stream{
				Name: filepath.Base(path),
				Open: func(_ context.Context) (io.ReadCloser, error) {
					return os.Open(path)
				},
			}, nil
		}

		if err := s.scan(); err != nil {
			return nil, err
		}
		if len(s.queue) > 0 {
			continue
		}
		if s.poll <= 0 {
			return nil, io.EOF
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-s.clock.After(s.poll):
		}
	}
}

// scan queues regular files not seen before. Dotfiles are skipped so feeds
// that stage uploads under a hidden name before renaming are not read early.
func (s *Source) scan() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("scan %s: %w", s.dir, err)
	}
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		path := filepath.Join(s.dir, e.Name())
		if s.seen[path] {
			continue
		}
		s.seen[path] = true
		s.queue = append(s.queue, path)
	}
	return nil
}
