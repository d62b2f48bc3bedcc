// Package bytestream provides a pull-based, chunked window over a lazily
// produced byte stream. Higher layers (the GTS framer) read exclusively
// through a Window and never see chunk boundaries.
package bytestream

import (
	"bytes"
	"errors"
	"fmt"
	"io"
)

// ErrAlreadyDiscarded is returned when a caller addresses an absolute offset
// below the window's base offset. Consumed bytes are gone for good; asking
// for them back is a programmer error.
var ErrAlreadyDiscarded = errors.New("bytestream: offset already discarded")

// ChunkSource supplies the next chunk of the underlying stream. It returns
// io.EOF (with or without a final chunk) once the stream is exhausted. Chunk
// sizes are arbitrary and carry no alignment guarantees.
type ChunkSource func() ([]byte, error)

// Window is a forward-only view over a chunked byte stream. All positions are
// absolute stream offsets: the window tracks how many bytes have been
// discarded so callers never have to.
//
// A Window is not safe for concurrent use; create one per input stream.
type Window struct {
	source   ChunkSource
	buf      []byte
	base     int64 // absolute offset of buf[0]
	complete bool
	err      error // sticky stream error, always stream-fatal
}

// New creates a Window over the given chunk source.
func New(source ChunkSource) *Window {
	return &Window{source: source}
}

// NewFromReader creates a Window that pulls fixed-size chunks from r.
func NewFromReader(r io.Reader, chunkSize int) *Window {
	if chunkSize <= 0 {
		chunkSize = 512 * 1024
	}
	return New(func() ([]byte, error) {
		chunk := make([]byte, chunkSize)
		n, err := r.Read(chunk)
		if n > 0 {
			return chunk[:n], err
		}
		if err == nil {
			err = io.EOF
		}
		return nil, err
	})
}

// Offset returns the absolute offset of the next unconsumed byte.
func (w *Window) Offset() int64 {
	return w.base
}

// LoadMore pulls one more chunk from the source. It returns false at
// end-of-stream and is idempotent after exhaustion.
func (w *Window) LoadMore() (bool, error) {
	if w.err != nil {
		return false, w.err
	}
	if w.complete {
		return false, nil
	}
	chunk, err := w.source()
	if len(chunk) > 0 {
		w.buf = append(w.buf, chunk...)
	}
	if err != nil {
		if errors.Is(err, io.EOF) {
			w.complete = true
			return len(chunk) > 0, nil
		}
		w.err = fmt.Errorf("bytestream: read chunk: %w", err)
		return false, w.err
	}
	if len(chunk) == 0 {
		// A well-behaved source signals EOF instead, but treat an empty
		// chunk with no error as exhaustion rather than spinning.
		w.complete = true
		return false, nil
	}
	return true, nil
}

// Ensure guarantees the buffer covers the absolute offset abs, loading chunks
// as needed. It returns false only at genuine end-of-stream. Offsets below
// the base offset fail with ErrAlreadyDiscarded.
func (w *Window) Ensure(abs int64) (bool, error) {
	if abs < w.base {
		return false, fmt.Errorf("%w: %d < base %d", ErrAlreadyDiscarded, abs, w.base)
	}
	for abs >= w.base+int64(len(w.buf)) {
		more, err := w.LoadMore()
		if err != nil {
			return false, err
		}
		if !more {
			return false, nil
		}
	}
	return true, nil
}

// ByteAt returns the byte at absolute offset abs.
func (w *Window) ByteAt(abs int64) (byte, error) {
	ok, err := w.Ensure(abs)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, io.EOF
	}
	return w.buf[abs-w.base], nil
}

// Peek returns up to n bytes from the head without consuming them.
func (w *Window) Peek(n int) ([]byte, error) {
	if n <= 0 {
		return nil, nil
	}
	if _, err := w.Ensure(w.base + int64(n) - 1); err != nil {
		return nil, err
	}
	if n > len(w.buf) {
		n = len(w.buf)
	}
	out := make([]byte, n)
	copy(out, w.buf[:n])
	return out, nil
}

// Consume returns and discards up to n bytes from the head, advancing the
// base offset. Fewer bytes are returned at end-of-stream.
func (w *Window) Consume(n int) ([]byte, error) {
	out, err := w.Peek(n)
	if err != nil {
		return nil, err
	}
	w.discard(len(out))
	return out, nil
}

// AtEOF reports whether the head is at end-of-stream.
func (w *Window) AtEOF() (bool, error) {
	if len(w.buf) > 0 {
		return false, nil
	}
	more, err := w.LoadMore()
	if err != nil {
		return false, err
	}
	return !more && len(w.buf) == 0, nil
}

// SkipBytes consumes the maximal run of head bytes that are members of set.
func (w *Window) SkipBytes(set []byte) error {
	for {
		var i int
		for i < len(w.buf) && bytes.IndexByte(set, w.buf[i]) >= 0 {
			i++
		}
		if i < len(w.buf) {
			w.discard(i)
			return nil
		}
		w.discard(i)
		more, err := w.LoadMore()
		if err != nil {
			return err
		}
		if !more {
			return nil
		}
	}
}

// FindFirst scans forward from the head for the leftmost occurrence of any of
// the candidate patterns. It returns the matched pattern and its absolute
// offset, or (nil, -1) when no pattern occurs before end-of-stream. When
// several patterns match at the same position the longest wins.
func (w *Window) FindFirst(patterns [][]byte) ([]byte, int64, error) {
	minLen, maxLen := 0, 0
	for _, p := range patterns {
		if len(p) == 0 {
			continue
		}
		if minLen == 0 || len(p) < minLen {
			minLen = len(p)
		}
		if len(p) > maxLen {
			maxLen = len(p)
		}
	}
	if maxLen == 0 {
		return nil, -1, nil
	}
	if maxLen == 1 {
		return w.findFirstSingle(patterns)
	}

	for rel := 0; ; rel++ {
		ok, err := w.Ensure(w.base + int64(rel+minLen) - 1)
		if err != nil {
			return nil, -1, err
		}
		if !ok {
			return nil, -1, nil
		}
		// Pull in enough trailing bytes for the longest candidate; a short
		// read near EOF just rules out the longer patterns.
		if _, err := w.Ensure(w.base + int64(rel+maxLen) - 1); err != nil {
			return nil, -1, err
		}
		if m := w.matchAt(patterns, rel); m != nil {
			return m, w.base + int64(rel), nil
		}
	}
}

// findFirstSingle is the fast path when every candidate is one byte long,
// relying on bytes.IndexByte instead of a position-by-position scan.
func (w *Window) findFirstSingle(patterns [][]byte) ([]byte, int64, error) {
	for {
		best := -1
		var bestPat []byte
		for _, p := range patterns {
			if len(p) != 1 {
				continue
			}
			if pos := bytes.IndexByte(w.buf, p[0]); pos >= 0 && (best < 0 || pos < best) {
				best = pos
				bestPat = p
			}
		}
		if best >= 0 {
			return bestPat, w.base + int64(best), nil
		}
		more, err := w.LoadMore()
		if err != nil {
			return nil, -1, err
		}
		if !more {
			return nil, -1, nil
		}
	}
}

// matchAt reports the longest pattern matching at buffer-relative position rel.
func (w *Window) matchAt(patterns [][]byte, rel int) []byte {
	var found []byte
	for _, p := range patterns {
		if len(p) == 0 || rel+len(p) > len(w.buf) {
			continue
		}
		if bytes.Equal(w.buf[rel:rel+len(p)], p) && len(p) > len(found) {
			found = p
		}
	}
	return found
}

// ConsumeUntil scans forward for the first occurrence of any pattern and
// consumes everything before it, optionally including the matched pattern
// itself. When no pattern occurs before end-of-stream, the remainder of the
// stream is consumed and returned.
func (w *Window) ConsumeUntil(patterns [][]byte, includeTarget bool) ([]byte, error) {
	match, abs, err := w.FindFirst(patterns)
	if err != nil {
		return nil, err
	}
	if match == nil {
		return w.consumeRest()
	}
	n := int(abs - w.base)
	if includeTarget {
		n += len(match)
	}
	return w.Consume(n)
}

// consumeRest drains the stream and returns everything from the head onward.
func (w *Window) consumeRest() ([]byte, error) {
	for {
		more, err := w.LoadMore()
		if err != nil {
			return nil, err
		}
		if !more {
			break
		}
	}
	out := w.buf
	w.discard(len(w.buf))
	return out, nil
}

func (w *Window) discard(n int) {
	if n <= 0 {
		return
	}
	if n >= len(w.buf) {
		w.base += int64(len(w.buf))
		w.buf = nil
		return
	}
	w.base += int64(n)
	w.buf = w.buf[n:]
}
