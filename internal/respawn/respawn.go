// Package respawn decides whether and when a process that exited without
// being asked to is launched again.
package respawn

import (
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Respawner is the process being respawned.
type Respawner interface {
	Respawn()
}

// Policy schedules p.Respawn for the count-th consecutive uncommanded exit.
// slow asks for a conservative delay; unlimited overrides any attempt limit.
type Policy interface {
	Respawn(count int, p Respawner, slow, unlimited bool)
}

// None never respawns.
type None struct{}

func (None) Respawn(int, Respawner, bool, bool) {}

type Config struct {
	MaxRestarts     int           `mapstructure:"max_restarts"`
	InitialInterval time.Duration `mapstructure:"initial_interval"`
	MaxInterval     time.Duration `mapstructure:"max_interval"`
	Multiplier      float64       `mapstructure:"multiplier"`
}

// DefaultConfig matches the defaults used when the config file omits [respawn].
func DefaultConfig() Config {
	return Config{
		MaxRestarts:     5,
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     30 * time.Second,
		Multiplier:      2,
	}
}

// Backoff respawns with exponentially growing delays and gives up after
// MaxRestarts attempts unless the caller asks for unlimited attempts.
// MaxRestarts <= 0 means no limit.
type Backoff struct {
	cfg       Config
	afterFunc func(time.Duration, func()) *time.Timer

	mu      sync.Mutex
	timers  map[*time.Timer]struct{}
	stopped bool
}

func NewBackoff(cfg Config) *Backoff {
	def := DefaultConfig()
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = def.InitialInterval
	}
	if cfg.MaxInterval <= 0 {
		cfg.MaxInterval = def.MaxInterval
	}
	if cfg.MaxInterval < cfg.InitialInterval {
		cfg.MaxInterval = cfg.InitialInterval
	}
	if cfg.Multiplier < 1 {
		cfg.Multiplier = def.Multiplier
	}
	return &Backoff{
		cfg:       cfg,
		afterFunc: time.AfterFunc,
		timers:    make(map[*time.Timer]struct{}),
	}
}

// Delay returns the wait before the count-th respawn.
func (b *Backoff) Delay(count int, slow bool) time.Duration {
	if slow {
		return b.cfg.MaxInterval
	}
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = b.cfg.InitialInterval
	eb.MaxInterval = b.cfg.MaxInterval
	eb.Multiplier = b.cfg.Multiplier
	eb.RandomizationFactor = 0
	eb.MaxElapsedTime = 0
	eb.Reset()

	d := eb.NextBackOff()
	for i := 1; i < count && d < b.cfg.MaxInterval; i++ {
		d = eb.NextBackOff()
	}
	return d
}

// Allowed reports whether the count-th respawn is within the limit.
func (b *Backoff) Allowed(count int, unlimited bool) bool {
	return unlimited || b.cfg.MaxRestarts <= 0 || count <= b.cfg.MaxRestarts
}

func (b *Backoff) Respawn(count int, p Respawner, slow, unlimited bool) {
	if !b.Allowed(count, unlimited) {
		slog.Warn("Respawn limit reached, giving up", "count", count, "max_restarts", b.cfg.MaxRestarts)
		return
	}
	d := b.Delay(count, slow)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopped {
		return
	}
	var t *time.Timer
	t = b.afterFunc(d, func() {
		b.mu.Lock()
		_, live := b.timers[t]
		delete(b.timers, t)
		b.mu.Unlock()
		if live {
			p.Respawn()
		}
	})
	b.timers[t] = struct{}{}
	slog.Debug("Respawn scheduled", "count", count, "delay", d, "slow", slow, "unlimited", unlimited)
}

// Pending returns the number of scheduled, not yet fired respawns.
func (b *Backoff) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.timers)
}

// Stop cancels all pending respawns and rejects new ones.
func (b *Backoff) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stopped = true
	for t := range b.timers {
		t.Stop()
		delete(b.timers, t)
	}
}
