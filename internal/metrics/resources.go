package metrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v4/process"
)

// Usage is one resource sample of a supervised process.
type Usage struct {
	Name       string    `json:"name"`
	PID        int32     `json:"pid"`
	CPUPercent float64   `json:"cpu_percent"`
	MemoryRSS  uint64    `json:"memory_rss"`
	MemoryVMS  uint64    `json:"memory_vms"`
	NumThreads int32     `json:"num_threads"`
	NumFDs     int32     `json:"num_fds,omitempty"` // Unix only
	SampledAt  time.Time `json:"sampled_at"`
}

type ResourceConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Interval time.Duration `mapstructure:"interval"`
}

// ResourceCollector samples CPU and memory of running processes on an interval.
// The PID source is supplied by the caller, typically the registry.
type ResourceCollector struct {
	interval time.Duration
	pids     func() map[string]int32

	mu      sync.RWMutex
	handles map[string]*process.Process
	latest  map[string]Usage

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	cpu     *prometheus.GaugeVec
	rss     *prometheus.GaugeVec
	threads *prometheus.GaugeVec
	fds     *prometheus.GaugeVec
}

func NewResourceCollector(cfg ResourceConfig, pids func() map[string]int32) *ResourceCollector {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	gauge := func(name, help string) *prometheus.GaugeVec {
		return prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "process",
			Name:      name,
			Help:      help,
		}, []string{"name"})
	}
	return &ResourceCollector{
		interval: interval,
		pids:     pids,
		handles:  make(map[string]*process.Process),
		latest:   make(map[string]Usage),
		stopCh:   make(chan struct{}),
		cpu:      gauge("cpu_percent", "CPU usage percentage of supervised processes."),
		rss:      gauge("memory_rss_bytes", "Resident memory of supervised processes."),
		threads:  gauge("num_threads", "Number of threads of supervised processes."),
		fds:      gauge("num_fds", "Open file descriptors of supervised processes (Unix only)."),
	}
}

func (c *ResourceCollector) Register(r prometheus.Registerer) error {
	for _, col := range []prometheus.Collector{c.cpu, c.rss, c.threads, c.fds} {
		if err := r.Register(col); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	return nil
}

// Start launches the sampling loop; it ends when ctx is done or Stop is called.
func (c *ResourceCollector) Start(ctx context.Context) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-c.stopCh:
				return
			case <-ticker.C:
				c.Collect()
			}
		}
	}()
}

func (c *ResourceCollector) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()
}

// Collect takes one sample of every process reported by the PID source.
func (c *ResourceCollector) Collect() {
	now := time.Now()
	active := c.pids()
	for name, pid := range active {
		if pid <= 0 {
			continue
		}
		u, err := c.sample(name, pid, now)
		if err != nil {
			slog.Debug("Failed to sample process resources", "name", name, "pid", pid, "error", err)
			continue
		}
		c.cpu.WithLabelValues(name).Set(u.CPUPercent)
		c.rss.WithLabelValues(name).Set(float64(u.MemoryRSS))
		c.threads.WithLabelValues(name).Set(float64(u.NumThreads))
		if u.NumFDs > 0 {
			c.fds.WithLabelValues(name).Set(float64(u.NumFDs))
		}
		c.mu.Lock()
		c.latest[name] = u
		c.mu.Unlock()
	}
	c.forgetInactive(active)
}

func (c *ResourceCollector) sample(name string, pid int32, now time.Time) (Usage, error) {
	// Reuse the handle for the same pid so CPUPercent measures between samples.
	c.mu.Lock()
	p := c.handles[name]
	if p == nil || p.Pid != pid {
		np, err := process.NewProcess(pid)
		if err != nil {
			c.mu.Unlock()
			return Usage{}, fmt.Errorf("open process: %w", err)
		}
		p = np
		c.handles[name] = p
	}
	c.mu.Unlock()

	mem, err := p.MemoryInfo()
	if err != nil {
		return Usage{}, fmt.Errorf("memory info: %w", err)
	}
	u := Usage{Name: name, PID: pid, MemoryRSS: mem.RSS, MemoryVMS: mem.VMS, SampledAt: now}
	if cpu, err := p.Percent(0); err == nil {
		u.CPUPercent = cpu
	}
	if n, err := p.NumThreads(); err == nil {
		u.NumThreads = n
	}
	if runtime.GOOS != "windows" {
		if n, err := p.NumFDs(); err == nil {
			u.NumFDs = n
		}
	}
	return u, nil
}

func (c *ResourceCollector) forgetInactive(active map[string]int32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for name := range c.latest {
		if pid, ok := active[name]; ok && pid > 0 {
			continue
		}
		delete(c.latest, name)
		delete(c.handles, name)
		c.cpu.DeleteLabelValues(name)
		c.rss.DeleteLabelValues(name)
		c.threads.DeleteLabelValues(name)
		c.fds.DeleteLabelValues(name)
	}
}

// Latest returns the most recent sample for name.
func (c *ResourceCollector) Latest(name string) (Usage, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	u, ok := c.latest[name]
	return u, ok
}
