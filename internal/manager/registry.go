package manager

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/loykin/pcontrol/internal/env"
	"github.com/loykin/pcontrol/internal/history"
	"github.com/loykin/pcontrol/internal/metrics"
	"github.com/loykin/pcontrol/internal/output"
	"github.com/loykin/pcontrol/internal/process"
	"github.com/loykin/pcontrol/internal/protocol"
	"github.com/loykin/pcontrol/internal/respawn"
)

// RegistryConfig wires a Registry. Zero values select the defaults.
type RegistryConfig struct {
	Launcher process.Launcher
	Killer   process.Killer
	Policy   respawn.Policy
	Env      *env.Env
	Stdout   io.Writer
	Stderr   io.Writer
	History  *history.Dispatcher
	Logger   *slog.Logger
	// ExitFunc ends the daemon; defaults to os.Exit.
	ExitFunc func(code int)
}

// Registry is the Controller owning all managed processes of a daemon.
//
// lock is the process lock shared by every ManagedProcess. mu guards the
// registry's own bookkeeping. When both are needed lock is taken first;
// Controller callbacks arrive with lock held and only take mu.
type Registry struct {
	lock sync.Mutex

	mu           sync.Mutex
	procs        map[string]*ManagedProcess
	shuttingDown bool
	drained      chan struct{}
	drainOnce    sync.Once

	deps     Deps
	history  *history.Dispatcher
	log      *slog.Logger
	exitFunc func(int)
	exitOnce sync.Once
}

func NewRegistry(cfg RegistryConfig) *Registry {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	stdout, stderr := cfg.Stdout, cfg.Stderr
	if stdout == nil {
		stdout = os.Stdout
	}
	if stderr == nil {
		stderr = os.Stderr
	}
	exit := cfg.ExitFunc
	if exit == nil {
		exit = os.Exit
	}
	return &Registry{
		procs:   make(map[string]*ManagedProcess),
		drained: make(chan struct{}),
		deps: Deps{
			Launcher: cfg.Launcher,
			Killer:   cfg.Killer,
			Policy:   cfg.Policy,
			Env:      cfg.Env,
			Stdout:   output.NewSink(stdout),
			Stderr:   output.NewSink(stderr),
			Logger:   log,
		},
		history:  cfg.History,
		log:      log,
		exitFunc: exit,
	}
}

// Add registers a process. An empty auth key is replaced by a fresh one.
func (r *Registry) Add(opts Options) (*ManagedProcess, error) {
	if opts.AuthKey == "" {
		key, err := protocol.NewAuthKey()
		if err != nil {
			return nil, err
		}
		opts.AuthKey = key
	}
	mp, err := NewManagedProcess(opts, &r.lock, r, r.deps)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.shuttingDown {
		return nil, ErrShuttingDown
	}
	if _, ok := r.procs[opts.Name]; ok {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateProcess, opts.Name)
	}
	r.procs[opts.Name] = mp
	metrics.SetManagedProcesses(len(r.procs))
	return mp, nil
}

func (r *Registry) Get(name string) (*ManagedProcess, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	mp, ok := r.procs[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProcess, name)
	}
	return mp, nil
}

// Names returns the registered names in sorted order.
func (r *Registry) Names() []string {
	r.mu.Lock()
	names := make([]string, 0, len(r.procs))
	for n := range r.procs {
		names = append(names, n)
	}
	r.mu.Unlock()
	sort.Strings(names)
	return names
}

func (r *Registry) list() []*ManagedProcess {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*ManagedProcess, 0, len(r.procs))
	for _, mp := range r.procs {
		out = append(out, mp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

func (r *Registry) each(name string, fn func(*ManagedProcess)) error {
	mp, err := r.Get(name)
	if err != nil {
		return err
	}
	fn(mp)
	return nil
}

func (r *Registry) Start(name string) error   { return r.each(name, (*ManagedProcess).Start) }
func (r *Registry) Stop(name string) error    { return r.each(name, (*ManagedProcess).Stop) }
func (r *Registry) Destroy(name string) error { return r.each(name, (*ManagedProcess).Destroy) }
func (r *Registry) Kill(name string) error    { return r.each(name, (*ManagedProcess).Kill) }

// ShutdownProcess shuts down a single process; it is removed once down.
func (r *Registry) ShutdownProcess(name string) error {
	return r.each(name, (*ManagedProcess).Shutdown)
}

// StartAll starts every registered process.
func (r *Registry) StartAll() {
	for _, mp := range r.list() {
		mp.Start()
	}
}

// SendStdin frames payload onto the control channel of name.
func (r *Registry) SendStdin(name string, payload io.Reader) error {
	mp, err := r.Get(name)
	if err != nil {
		return err
	}
	r.lock.Lock()
	defer r.lock.Unlock()
	return mp.SendStdin(payload)
}

// Reconnect sends a reconnect message to name. Transport errors are only logged.
func (r *Registry) Reconnect(name, scheme, host string, port int32, managementEndpoint bool, authKey string) error {
	mp, err := r.Get(name)
	if err != nil {
		return err
	}
	r.lock.Lock()
	defer r.lock.Unlock()
	mp.Reconnect(scheme, host, port, managementEndpoint, authKey)
	return nil
}

func (r *Registry) Statuses() []Status {
	procs := r.list()
	out := make([]Status, 0, len(procs))
	for _, mp := range procs {
		out = append(out, mp.Status())
	}
	return out
}

// Pids maps running processes to their pid, for resource sampling.
func (r *Registry) Pids() map[string]int32 {
	out := make(map[string]int32)
	for _, st := range r.Statuses() {
		if st.PID > 0 {
			out[st.Name] = int32(st.PID)
		}
	}
	return out
}

// DestroyAll terminates every process that is already stopping.
func (r *Registry) DestroyAll() {
	for _, mp := range r.list() {
		mp.Destroy()
	}
}

// KillAll kills every process that is already stopping.
func (r *Registry) KillAll() {
	for _, mp := range r.list() {
		mp.Kill()
	}
}

// Drained is closed once a shutdown has removed every process.
func (r *Registry) Drained() <-chan struct{} { return r.drained }

// Shutdown implements Controller.
func (r *Registry) Shutdown() {
	_ = r.ShutdownContext(context.Background())
}

// ShutdownContext shuts every process down and waits until all of them are
// removed or ctx is done. New processes are rejected from then on.
func (r *Registry) ShutdownContext(ctx context.Context) error {
	r.mu.Lock()
	if !r.shuttingDown {
		r.shuttingDown = true
		r.log.Info("Shutting down all processes", "count", len(r.procs))
	}
	r.drainIfEmptyLocked()
	r.mu.Unlock()

	for _, mp := range r.list() {
		mp.Shutdown()
	}

	select {
	case <-r.drained:
		if s, ok := r.deps.Policy.(interface{ Stop() }); ok {
			s.Stop()
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Registry) drainIfEmptyLocked() {
	if r.shuttingDown && len(r.procs) == 0 {
		r.drainOnce.Do(func() { close(r.drained) })
	}
}

// Controller callbacks. They run with the shared process lock held.

func (r *Registry) OperationFailed(name string, op Operation) {
	r.log.Warn("Process operation failed", "process", name, "operation", string(op))
	metrics.IncOperationFailure(name, string(op))
	r.history.Publish(history.Event{
		Type:   history.EventFailure,
		Record: history.Record{Name: name, State: StateDown.String(), Operation: string(op)},
	})
}

func (r *Registry) ProcessStarted(name string, pid int) {
	metrics.IncStart(name)
	r.history.Publish(history.Event{
		Type:   history.EventStart,
		Record: history.Record{Name: name, PID: pid, State: StateStarted.String()},
	})
}

func (r *Registry) ProcessStopped(name string, uptime time.Duration, exitCode int) {
	r.history.Publish(history.Event{
		Type: history.EventStop,
		Record: history.Record{
			Name:      name,
			State:     StateDown.String(),
			ExitCode:  exitCode,
			UptimeSec: uptime.Seconds(),
		},
	})
}

func (r *Registry) RemoveProcess(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.procs[name]; !ok {
		return
	}
	delete(r.procs, name)
	metrics.SetManagedProcesses(len(r.procs))
	r.log.Info("Process removed", "process", name)
	r.history.Publish(history.Event{
		Type:   history.EventRemove,
		Record: history.Record{Name: name, State: StateDown.String()},
	})
	r.drainIfEmptyLocked()
}

func (r *Registry) OngoingProcessCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.procs)
}

// Exit flushes history and ends the daemon. Only the first call runs.
func (r *Registry) Exit(code int) {
	r.exitOnce.Do(func() {
		r.log.Info("Exiting", "code", code)
		r.history.Close()
		r.exitFunc(code)
	})
}
