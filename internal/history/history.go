package history

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// EventType defines the kind of lifecycle event.
type EventType string

const (
	EventStart   EventType = "start"
	EventStop    EventType = "stop"
	EventFailure EventType = "failure"
	EventRemove  EventType = "remove"
)

// Record is the process snapshot attached to an event.
type Record struct {
	Name      string  `json:"name"`
	PID       int     `json:"pid"`
	State     string  `json:"state"`
	ExitCode  int     `json:"exit_code"`
	UptimeSec float64 `json:"uptime_seconds"`
	Operation string  `json:"operation,omitempty"` // set on failure events
}

// Event represents a lifecycle event to be exported to external systems.
type Event struct {
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	Record     Record    `json:"record"`
}

// Sink is a destination for history events (analytics/statistics systems).
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// Dispatcher fans events out to sinks on a background goroutine so that
// lifecycle code never blocks on a database. Events are dropped when the
// queue is full.
type Dispatcher struct {
	sinks   []Sink
	timeout time.Duration
	queue   chan Event

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

func NewDispatcher(queueSize int, timeout time.Duration, sinks ...Sink) *Dispatcher {
	if queueSize <= 0 {
		queueSize = 256
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	d := &Dispatcher{
		sinks:   append([]Sink(nil), sinks...),
		timeout: timeout,
		queue:   make(chan Event, queueSize),
		done:    make(chan struct{}),
	}
	go d.run()
	return d
}

// Publish enqueues e. It never blocks; a nil Dispatcher ignores events.
func (d *Dispatcher) Publish(e Event) {
	if d == nil || len(d.sinks) == 0 {
		return
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return
	}
	select {
	case d.queue <- e:
	default:
		slog.Warn("History queue full, dropping event", "type", e.Type, "name", e.Record.Name)
	}
}

func (d *Dispatcher) run() {
	defer close(d.done)
	for e := range d.queue {
		for _, s := range d.sinks {
			ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
			if err := s.Send(ctx, e); err != nil {
				slog.Warn("History sink send failed", "type", e.Type, "name", e.Record.Name, "error", err)
			}
			cancel()
		}
	}
}

// Close drains queued events and closes sinks that implement io.Closer.
func (d *Dispatcher) Close() {
	if d == nil {
		return
	}
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	close(d.queue)
	d.mu.Unlock()

	<-d.done
	for _, s := range d.sinks {
		if c, ok := s.(interface{ Close() error }); ok {
			if err := c.Close(); err != nil {
				slog.Warn("History sink close failed", "error", err)
			}
		}
	}
}
