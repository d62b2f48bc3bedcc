// Package gts frames GTS bulletin streams: it scans a raw byte stream for
// abbreviated headings and BUFR message envelopes and yields self-contained
// messages one at a time. Framing never halts on a single bad message; only
// stream I/O errors stop iteration.
package gts

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/couchcryptid/gts-bufr-etl/internal/bytestream"
)

// Control bytes stripped between bulletins. SOH opens and ETX/EOT terminate
// bulletins on some GTS feeds.
var whitespace = []byte{'\r', '\n', ' ', 0x01, 0x03, 0x04, 0x00}

// Header/line terminators.
var lineEnds = [][]byte{{'\n'}, {'\r'}, {0x03}, {0x04}}

var bufrMagic = []byte("BUFR")

// Message-local framing failures.
var (
	ErrBadLength          = errors.New("gts: envelope length below minimum")
	ErrTruncated          = errors.New("gts: envelope truncated at end of stream")
	ErrBadTerminator      = errors.New("gts: envelope missing 7777 terminator")
	ErrUnsupportedEdition = errors.New("gts: unsupported BUFR edition")
)

// Envelope is one framed BUFR message. Raw always holds whatever bytes were
// recovered, including the magic, so failed messages can still be archived.
type Envelope struct {
	StartOffset int64
	TotalLength uint32
	Edition     uint8
	Raw         []byte
}

// Body returns the section payload after the 8-byte indicator prologue.
func (e *Envelope) Body() []byte {
	if len(e.Raw) < 8 {
		return nil
	}
	return e.Raw[8:]
}

// Result pairs a framed envelope with the most recent abbreviated heading.
// Err marks a message-local failure; the envelope is still populated with the
// recovered bytes where possible.
type Result struct {
	Header   string
	Envelope *Envelope
	Err      error
}

// Framer lazily extracts (header, envelope) pairs from a byte stream.
type Framer struct {
	window *bytestream.Window
	logger *slog.Logger
	header string
}

// NewFramer creates a Framer over the given window.
func NewFramer(w *bytestream.Window, logger *slog.Logger) *Framer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Framer{window: w, logger: logger}
}

// Next returns the next framed BUFR message. It returns io.EOF once the
// stream is exhausted; any other returned error is stream-fatal. Message
// shaped failures come back inside the Result instead so the caller can keep
// iterating.
func (f *Framer) Next() (*Result, error) {
	for {
		if err := f.window.SkipBytes(whitespace); err != nil {
			return nil, err
		}
		eof, err := f.window.AtEOF()
		if err != nil {
			return nil, err
		}
		if eof {
			return nil, io.EOF
		}

		head, err := f.window.Peek(4)
		if err != nil {
			return nil, err
		}
		if string(head) == string(bufrMagic) {
			res := f.extractEnvelope()
			if res.Err != nil {
				f.logger.Warn("bufr envelope extraction failed",
					"error", res.Err,
					"header", res.Header,
					"offset", res.Envelope.StartOffset,
				)
			}
			return res, nil
		}

		// Not a BUFR start: the next line is treated as the new current
		// header, best effort. Invalid headings are kept anyway so the next
		// message is at least attributed to something.
		line, err := f.window.ConsumeUntil(lineEnds, true)
		if err != nil {
			return nil, err
		}
		text := strings.Trim(string(line), "\r\n \x03\x04\x00")
		if text == "" {
			continue
		}
		if !IsAbbreviatedHeader(text) {
			f.logger.Debug("line is not a valid abbreviated heading, keeping as best-effort header", "line", text)
		}
		f.header = text
	}
}

// extractEnvelope consumes one BUFR envelope starting at the window head.
// The head is known to start with the magic bytes.
func (f *Framer) extractEnvelope() *Result {
	env := &Envelope{StartOffset: f.window.Offset()}
	res := &Result{Header: f.header, Envelope: env}

	prologue, err := f.window.Consume(8)
	env.Raw = append(env.Raw, prologue...)
	if err != nil {
		res.Err = err
		return res
	}
	if len(prologue) < 8 {
		res.Err = ErrTruncated
		return res
	}
	env.TotalLength = uint32(prologue[4])<<16 | uint32(prologue[5])<<8 | uint32(prologue[6])
	env.Edition = prologue[7]

	if env.TotalLength < 12 {
		res.Err = fmt.Errorf("%w: %d", ErrBadLength, env.TotalLength)
		return res
	}

	body, err := f.window.Consume(int(env.TotalLength) - 8)
	env.Raw = append(env.Raw, body...)
	if err != nil {
		res.Err = err
		return res
	}
	if len(body) < int(env.TotalLength)-8 {
		res.Err = fmt.Errorf("%w: want %d body bytes, got %d", ErrTruncated, env.TotalLength-8, len(body))
		return res
	}

	if env.Edition != 4 {
		res.Err = fmt.Errorf("%w: %d", ErrUnsupportedEdition, env.Edition)
		return res
	}
	if string(body[len(body)-4:]) != "7777" {
		res.Err = ErrBadTerminator
		return res
	}
	return res
}

// EncodeEnvelope builds the wire form of a BUFR message around the given
// section payload (everything between the indicator section and the 7777
// terminator). Used by tests to synthesize round-trip fixtures.
func EncodeEnvelope(edition uint8, payload []byte) []byte {
	total := uint32(8 + len(payload) + 4)
	out := make([]byte, 0, total)
	out = append(out, bufrMagic...)
	var l [4]byte
	binary.BigEndian.PutUint32(l[:], total)
	out = append(out, l[1], l[2], l[3])
	out = append(out, edition)
	out = append(out, payload...)
	out = append(out, '7', '7', '7', '7')
	return out
}
