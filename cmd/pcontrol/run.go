package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/loykin/pcontrol"
	"github.com/loykin/pcontrol/internal/metrics"
	"github.com/loykin/pcontrol/internal/process"
	"github.com/loykin/pcontrol/internal/respawn"
	"github.com/prometheus/client_golang/prometheus"
)

// exitCodeError carries the exit code requested by the privileged process.
type exitCodeError struct{ code int }

func (e exitCodeError) Error() string { return fmt.Sprintf("exit status %d", e.code) }

// daemon is one run of the supervisor built from a config file.
type daemon struct {
	cfg       *pcontrol.Config
	log       *slog.Logger
	reg       *pcontrol.Registry
	policy    *respawn.Backoff
	history   *pcontrol.History
	collector *metrics.ResourceCollector
	servers   []*http.Server
	exitCh    chan int
}

func newDaemon(cfg *pcontrol.Config) (*daemon, error) {
	log := cfg.Log.NewSlogger()
	slog.SetDefault(log)

	if err := pcontrol.RegisterMetrics(prometheus.DefaultRegisterer); err != nil {
		return nil, fmt.Errorf("register metrics: %w", err)
	}
	genv, err := cfg.GlobalEnv()
	if err != nil {
		return nil, fmt.Errorf("global env: %w", err)
	}
	hist, err := pcontrol.NewHistory(cfg.History)
	if err != nil {
		return nil, fmt.Errorf("history: %w", err)
	}

	d := &daemon{
		cfg:     cfg,
		log:     log,
		policy:  respawn.NewBackoff(cfg.Respawn),
		history: hist,
		exitCh:  make(chan int, 1),
	}
	stdout, stderr := cfg.Log.OutputWriters()
	d.reg = pcontrol.NewRegistry(pcontrol.RegistryConfig{
		Policy:   d.policy,
		Env:      genv,
		Stdout:   stdout,
		Stderr:   stderr,
		History:  hist,
		Logger:   log,
		ExitFunc: d.requestExit,
	})
	for _, pc := range cfg.Processes {
		if _, err := d.reg.Add(pc.Options()); err != nil {
			hist.Close()
			return nil, err
		}
	}
	if cfg.Metrics.Resources.Enabled {
		d.collector = metrics.NewResourceCollector(cfg.Metrics.Resources, d.reg.Pids)
		if err := d.collector.Register(prometheus.DefaultRegisterer); err != nil {
			log.Warn("Resource metrics unavailable", "error", err)
			d.collector = nil
		}
	}
	return d, nil
}

// requestExit is the registry's exit func. The daemon returns the code
// from run instead of exiting in place.
func (d *daemon) requestExit(code int) {
	select {
	case d.exitCh <- code:
	default:
	}
}

func (d *daemon) startServers() error {
	if d.cfg.API.Listen != "" {
		srv, err := pcontrol.NewAPIServer(d.cfg.API, d.reg)
		if err != nil {
			return fmt.Errorf("api server: %w", err)
		}
		d.servers = append(d.servers, srv)
		d.log.Info("API listening", "addr", d.cfg.API.Listen, "base_path", d.cfg.API.BasePath, "tls", d.cfg.API.TLS.Enabled)
	}
	if d.cfg.Metrics.Listen != "" {
		srv := pcontrol.NewMetricsServer(d.cfg.Metrics.Listen)
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				d.log.Error("Metrics server stopped", "error", err)
			}
		}()
		d.servers = append(d.servers, srv)
		d.log.Info("Metrics listening", "addr", d.cfg.Metrics.Listen)
	}
	return nil
}

// run starts every autostart process and blocks until ctx is done or the
// privileged process asks the daemon to exit. It returns the exit code.
func (d *daemon) run(ctx context.Context) (int, error) {
	if err := d.startServers(); err != nil {
		return 1, err
	}
	collectCtx, stopCollect := context.WithCancel(ctx)
	defer stopCollect()
	if d.collector != nil {
		d.collector.Start(collectCtx)
	}

	for _, pc := range d.cfg.Processes {
		if pid, ok := process.LeftoverPID(ctx, pc.PIDFile); ok {
			d.log.Warn("Process from a previous run is still alive", "process", pc.Name, "pid", pid, "pid_file", pc.PIDFile)
		}
		if !pc.StartsAutomatically() {
			continue
		}
		if err := d.reg.Start(pc.Name); err != nil {
			d.log.Warn("Autostart failed", "process", pc.Name, "error", err)
		}
	}
	d.log.Info("Supervisor running", "processes", len(d.cfg.Processes))

	code := 0
	select {
	case <-ctx.Done():
		d.log.Info("Shutdown requested")
		d.shutdown()
	case code = <-d.exitCh:
		// The registry already shut everything down and flushed history.
		d.log.Info("Exit requested by privileged process", "code", code)
	}

	d.close()
	return code, nil
}

// shutdown stops every process, escalating to destroy and then to kill when
// processes outlive the configured timeouts.
func (d *daemon) shutdown() {
	timeout := d.cfg.Shutdown.Timeout
	killTimeout := d.cfg.Shutdown.KillTimeout

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	err := d.reg.ShutdownContext(ctx)
	cancel()
	if err == nil {
		return
	}
	d.log.Warn("Processes still running, destroying", "timeout", timeout)
	d.reg.DestroyAll()
	if waitDrained(d.reg, killTimeout) {
		return
	}
	d.log.Warn("Processes still running, killing", "timeout", killTimeout)
	d.reg.KillAll()
	if !waitDrained(d.reg, killTimeout) {
		d.log.Error("Giving up on processes", "remaining", d.reg.Names())
	}
}

func waitDrained(reg *pcontrol.Registry, timeout time.Duration) bool {
	select {
	case <-reg.Drained():
		return true
	case <-time.After(timeout):
		return false
	}
}

func (d *daemon) close() {
	d.policy.Stop()
	if d.collector != nil {
		d.collector.Stop()
	}
	for _, srv := range d.servers {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := srv.Shutdown(ctx); err != nil {
			d.log.Warn("Server shutdown failed", "addr", srv.Addr, "error", err)
		}
		cancel()
	}
	d.history.Close()
}
