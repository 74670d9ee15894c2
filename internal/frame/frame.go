// Package frame delimits messages written to a child's standard input.
//
// A frame is the standard (padded) base64 encoding of the payload followed by
// a single line feed. The padding plus the line feed form the finalize
// sequence: a reader consumes bytes up to the line feed, decodes them, and the
// stream stays open for the next frame. Base64 never produces a line feed, so
// no length prefix is needed and an empty payload is a bare line feed.
package frame

import (
	"bufio"
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
)

// Terminator ends every frame.
const Terminator = '\n'

var encoding = base64.StdEncoding

type flusher interface {
	Flush() error
}

// Writer frames messages onto an underlying stream. Closing a Writer flushes
// the stream but never closes it; the owner of the stream closes it.
// A Writer is not safe for concurrent use; callers serialize frames.
type Writer struct {
	w io.Writer
}

// NewWriter wraps w.
func NewWriter(w io.Writer) *Writer { return &Writer{w: w} }

// WriteFrame writes payload as exactly one frame.
func (fw *Writer) WriteFrame(payload []byte) error {
	return fw.Encode(bytes.NewReader(payload))
}

// Encode streams src into one frame. src is read to EOF.
func (fw *Writer) Encode(src io.Reader) error {
	bw := bufio.NewWriter(fw.w)
	enc := base64.NewEncoder(encoding, bw)
	if _, err := io.Copy(enc, src); err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	// Close on the encoder emits the padding; it does not touch bw or fw.w.
	if err := enc.Close(); err != nil {
		return fmt.Errorf("finalize frame: %w", err)
	}
	if err := bw.WriteByte(Terminator); err != nil {
		return fmt.Errorf("finalize frame: %w", err)
	}
	if err := bw.Flush(); err != nil {
		return fmt.Errorf("flush frame: %w", err)
	}
	return fw.Close()
}

// Close flushes the underlying stream if it buffers. It never closes it.
func (fw *Writer) Close() error {
	if f, ok := fw.w.(flusher); ok {
		return f.Flush()
	}
	return nil
}

// Write frames p on w. Convenience for one-shot messages.
func Write(w io.Writer, p []byte) error { return NewWriter(w).WriteFrame(p) }

// ErrTruncated is returned when the stream ends in the middle of a frame.
var ErrTruncated = errors.New("frame: stream ended inside a frame")

// Reader decodes frames produced by Writer.
type Reader struct {
	br *bufio.Reader
}

// NewReader wraps r.
func NewReader(r io.Reader) *Reader { return &Reader{br: bufio.NewReader(r)} }

// Next returns the payload of the next frame. It returns io.EOF when the
// stream ends cleanly between frames.
func (fr *Reader) Next() ([]byte, error) {
	line, err := fr.br.ReadBytes(Terminator)
	if err != nil {
		if errors.Is(err, io.EOF) {
			if len(line) == 0 {
				return nil, io.EOF
			}
			return nil, ErrTruncated
		}
		return nil, err
	}
	line = line[:len(line)-1]
	// tolerate CRLF from writers on other platforms
	if n := len(line); n > 0 && line[n-1] == '\r' {
		line = line[:n-1]
	}
	out := make([]byte, encoding.DecodedLen(len(line)))
	n, err := encoding.Decode(out, line)
	if err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	return out[:n], nil
}
