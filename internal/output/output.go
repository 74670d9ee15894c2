// Package output multiplexes the stdout/stderr streams of supervised
// processes into shared, line-atomic sinks.
package output

import (
	"bufio"
	"bytes"
	"io"
	"log/slog"
	"sync"

	"github.com/loykin/pcontrol/internal/metrics"
)

const (
	escape = 0x1b
	reset  = "\x1b[0m"
)

// Sink is a shared line target. All relays of one stream kind write into the
// same Sink; each line is delivered with a single Write under the sink lock.
type Sink struct {
	mu sync.Mutex
	w  io.Writer
}

func NewSink(w io.Writer) *Sink {
	return &Sink{w: w}
}

func (s *Sink) writeLine(line []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.w.Write(line); err != nil {
		return err
	}
	if f, ok := s.w.(interface{ Flush() error }); ok {
		return f.Flush()
	}
	return nil
}

// Relay forwards one process stream into a Sink, prefixing every line with
// "[name] " and carrying an unterminated color escape over to the next line.
type Relay struct {
	Name   string
	Stream string // "stdout" or "stderr", used for metrics and logs
	Sink   *Sink
	Log    *slog.Logger

	carry []byte
}

// Run relays src until EOF or a read/write error, then closes src.
// Errors are logged and never returned.
func Run(name, stream string, src io.ReadCloser, dst *Sink, log *slog.Logger) {
	r := &Relay{Name: name, Stream: stream, Sink: dst, Log: log}
	r.Run(src)
}

func (r *Relay) Run(src io.ReadCloser) {
	log := r.Log
	if log == nil {
		log = slog.Default()
	}
	defer func() {
		if err := src.Close(); err != nil {
			log.Debug("close output stream", "stream", r.Stream, "error", err)
		}
	}()

	br := bufio.NewReader(src)
	for {
		line, err := br.ReadBytes('\n')
		if len(line) > 0 {
			if werr := r.Sink.writeLine(r.format(trimEOL(line))); werr != nil {
				log.Error("write relayed output", "stream", r.Stream, "error", werr)
				return
			}
			metrics.IncRelayedLine(r.Name, r.Stream)
		}
		if err != nil {
			if err != io.EOF {
				log.Warn("read process output", "stream", r.Stream, "error", err)
			}
			return
		}
	}
}

// format renders one line and updates the carried escape.
func (r *Relay) format(line []byte) []byte {
	trailing := trailingEscape(line)

	var b bytes.Buffer
	b.Grow(len(r.Name) + len(r.carry) + len(line) + len(reset) + 4)
	b.WriteByte('[')
	b.WriteString(r.Name)
	b.WriteString("] ")
	b.Write(r.carry)
	b.Write(line)
	if trailing != nil || r.carry != nil {
		b.WriteString(reset)
	}
	b.WriteByte('\n')

	switch {
	case trailing == nil:
	case isReset(trailing):
		r.carry = nil
	default:
		r.carry = trailing
	}
	return b.Bytes()
}

// trailingEscape returns the last escape sequence in line, from ESC up to and
// including its 'm' terminator. A dangling ESC without a terminator is ignored.
func trailingEscape(line []byte) []byte {
	i := bytes.LastIndexByte(line, escape)
	if i < 0 {
		return nil
	}
	j := bytes.IndexByte(line[i:], 'm')
	if j < 0 {
		return nil
	}
	esc := make([]byte, j+1)
	copy(esc, line[i:i+j+1])
	return esc
}

func isReset(esc []byte) bool {
	s := string(esc)
	return s == reset || s == "\x1b[m"
}

func trimEOL(line []byte) []byte {
	line = bytes.TrimSuffix(line, []byte{'\n'})
	return bytes.TrimSuffix(line, []byte{'\r'})
}
