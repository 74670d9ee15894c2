package manager

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/loykin/pcontrol/internal/env"
	"github.com/loykin/pcontrol/internal/frame"
	"github.com/loykin/pcontrol/internal/metrics"
	"github.com/loykin/pcontrol/internal/output"
	"github.com/loykin/pcontrol/internal/process"
	"github.com/loykin/pcontrol/internal/protocol"
	"github.com/loykin/pcontrol/internal/respawn"
)

// Options is the static identity of a managed process.
type Options struct {
	Name    string
	Command []string
	Env     map[string]string
	WorkDir string
	AuthKey string
	// Privileged marks the process that itself manages the others.
	Privileged bool
	// Respawn enables respawning after an exit that was not requested.
	Respawn bool
	PIDFile string
}

// Deps are the collaborators shared by all processes of a registry.
type Deps struct {
	Launcher process.Launcher
	Killer   process.Killer
	Policy   respawn.Policy
	Stdout   *output.Sink
	Stderr   *output.Sink
	Env      *env.Env
	Logger   *slog.Logger
}

// Status is a point-in-time view of a ManagedProcess.
type Status struct {
	Name         string     `json:"name"`
	State        string     `json:"state"`
	PID          int        `json:"pid,omitempty"`
	Privileged   bool       `json:"privileged"`
	RespawnCount int        `json:"respawn_count"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
}

// ManagedProcess supervises one OS process.
//
// Every mutable field is guarded by lock, which is shared with the owning
// registry. proc and stdin are non-nil exactly when state is StateStarted
// or StateStopping.
type ManagedProcess struct {
	opts Options
	lock sync.Locker
	ctrl Controller
	deps Deps
	log  *slog.Logger

	state         State
	proc          process.Handle
	stdin         io.WriteCloser
	respawnCount  int
	stopRequested bool
	shutdown      bool
	startedAt     time.Time
}

func NewManagedProcess(opts Options, lock sync.Locker, ctrl Controller, deps Deps) (*ManagedProcess, error) {
	if err := protocol.ValidateAuthKey(opts.AuthKey); err != nil {
		return nil, fmt.Errorf("process %s: %w", opts.Name, err)
	}
	if len(opts.Command) == 0 {
		return nil, fmt.Errorf("process %s: empty command", opts.Name)
	}
	if deps.Launcher == nil {
		deps.Launcher = process.ExecLauncher{}
	}
	if deps.Killer == nil {
		deps.Killer = process.NameKiller{}
	}
	if deps.Policy == nil || !opts.Respawn {
		deps.Policy = respawn.None{}
	}
	if deps.Env == nil {
		deps.Env = env.New()
	}
	if deps.Stdout == nil {
		deps.Stdout = output.NewSink(io.Discard)
	}
	if deps.Stderr == nil {
		deps.Stderr = output.NewSink(io.Discard)
	}
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}
	opts.Command = append([]string(nil), opts.Command...)
	return &ManagedProcess{
		opts: opts,
		lock: lock,
		ctrl: ctrl,
		deps: deps,
		log:  log.With("process", opts.Name),
	}, nil
}

func (mp *ManagedProcess) Name() string     { return mp.opts.Name }
func (mp *ManagedProcess) Privileged() bool { return mp.opts.Privileged }

// Start launches the process if it is down. The respawn counter is reset.
func (mp *ManagedProcess) Start() {
	mp.lock.Lock()
	defer mp.lock.Unlock()
	if mp.shutdown {
		mp.log.Debug("Ignoring start, process is shutting down")
		return
	}
	mp.apply(intentStart)
}

// Stop closes the control channel and lets the process exit on its own.
func (mp *ManagedProcess) Stop() {
	mp.lock.Lock()
	defer mp.lock.Unlock()
	mp.apply(intentStop)
}

// Destroy stops the process, or terminates it if a stop is already pending.
func (mp *ManagedProcess) Destroy() {
	mp.lock.Lock()
	defer mp.lock.Unlock()
	mp.apply(intentDestroy)
}

// Kill stops the process, or kills it by name if a stop is already pending.
func (mp *ManagedProcess) Kill() {
	mp.lock.Lock()
	defer mp.lock.Unlock()
	mp.apply(intentKill)
}

// Shutdown stops the process for good. Only the first call has an effect.
func (mp *ManagedProcess) Shutdown() {
	mp.lock.Lock()
	defer mp.lock.Unlock()
	if mp.shutdown {
		return
	}
	mp.shutdown = true
	mp.apply(intentShutdown)
}

// Respawn relaunches a process that went down, marking it as restarted.
// It is a no-op once Shutdown was called.
func (mp *ManagedProcess) Respawn() {
	mp.lock.Lock()
	defer mp.lock.Unlock()
	if mp.shutdown {
		mp.log.Debug("Ignoring respawn, process is shutting down")
		return
	}
	mp.apply(intentRespawn)
}

// apply runs one transition. The lock must be held. A launch action moves
// the state on its own (to StateStarted after the handshake), so the planned
// state is only written when the plan itself changes it.
func (mp *ManagedProcess) apply(in intent) {
	prev := mp.state
	next, actions := plan(prev, in)
	if len(actions) == 0 {
		mp.log.Debug("Ignoring operation in current state", "operation", in.String(), "state", prev.String())
		return
	}
	for _, a := range actions {
		switch a {
		case actLaunch:
			mp.respawnCount = 0
			mp.doStart(false)
		case actRelaunch:
			mp.doStart(true)
		case actRequestStop:
			mp.stopRequested = true
			if mp.stdin != nil {
				if err := mp.stdin.Close(); err != nil {
					mp.log.Debug("Closing stdin failed", "error", err)
				}
			}
			mp.log.Info("Stopping process")
		case actTerminate:
			mp.log.Info("Destroying process")
			mp.terminate()
		case actKill:
			mp.log.Info("Killing process")
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			err := mp.deps.Killer.KillByName(ctx, mp.opts.Name)
			cancel()
			if err != nil {
				mp.log.Warn("Kill by name failed, destroying instead", "error", err)
				mp.terminate()
			}
		case actRemove:
			go mp.ctrl.RemoveProcess(mp.opts.Name)
		}
	}
	if next != prev {
		mp.setState(next)
	}
}

func (mp *ManagedProcess) terminate() {
	if mp.proc == nil {
		return
	}
	if err := mp.proc.Destroy(); err != nil {
		mp.log.Warn("Destroy failed", "error", err)
	}
}

func (mp *ManagedProcess) setState(s State) {
	metrics.RecordStateTransition(mp.opts.Name, mp.state.String(), s.String())
	mp.state = s
}

// doStart launches the OS process, wires its relays and reaper, then sends
// the auth handshake. The lock must be held.
func (mp *ManagedProcess) doStart(restart bool) {
	mp.stopRequested = false
	args := append([]string(nil), mp.opts.Command...)
	if restart {
		args = append(args, protocol.ProcessRestartedArg)
	}
	spec := process.Spec{
		Name:    mp.opts.Name,
		Command: args,
		Env:     mp.deps.Env.Merge(mp.opts.Env),
		WorkDir: mp.opts.WorkDir,
		PIDFile: mp.opts.PIDFile,
	}

	h, err := mp.deps.Launcher.Launch(spec)
	if err != nil {
		mp.log.Error("Failed to launch process", "error", err)
		mp.ctrl.OperationFailed(mp.opts.Name, OperationStart)
		return
	}
	started := time.Now()
	go output.Run(mp.opts.Name, "stderr", h.Stderr(), mp.deps.Stderr, mp.log)
	go output.Run(mp.opts.Name, "stdout", h.Stdout(), mp.deps.Stdout, mp.log)
	go mp.reap(h, started)

	if err := frame.Write(h.Stdin(), []byte(mp.opts.AuthKey)); err != nil {
		// The process keeps running and will still be reaped.
		mp.log.Error("Failed to send auth handshake", "pid", h.Pid(), "error", err)
		mp.ctrl.OperationFailed(mp.opts.Name, OperationHandshake)
		return
	}
	mp.proc = h
	mp.stdin = h.Stdin()
	mp.startedAt = started
	mp.setState(StateStarted)
	mp.log.Info("Process started", "pid", h.Pid(), "restart", restart)
	mp.ctrl.ProcessStarted(mp.opts.Name, h.Pid())
}

// SendStdin writes payload as one frame on the control channel.
// The caller must hold the shared lock.
func (mp *ManagedProcess) SendStdin(payload io.Reader) error {
	if mp.stdin == nil {
		return fmt.Errorf("send to %s: %w", mp.opts.Name, ErrNotRunning)
	}
	if err := frame.NewWriter(mp.stdin).Encode(payload); err != nil {
		mp.log.Error("Failed to send stdin", "error", err)
		return fmt.Errorf("send to %s: %w", mp.opts.Name, err)
	}
	return nil
}

// Reconnect sends the reconnect message on the control channel. Failures are
// only logged, and only while the process is believed to be up.
// The caller must hold the shared lock.
func (mp *ManagedProcess) Reconnect(scheme, host string, port int32, managementEndpoint bool, authKey string) {
	msg := protocol.Reconnect{
		Scheme:             scheme,
		Host:               host,
		Port:               port,
		ManagementEndpoint: managementEndpoint,
		AuthKey:            authKey,
	}
	b, err := msg.MarshalBinary()
	if err != nil {
		mp.log.Error("Invalid reconnect message", "error", err)
		return
	}
	if mp.stdin == nil {
		if mp.state == StateStarted {
			mp.log.Error("Failed to send reconnect", "error", ErrNotRunning)
		}
		return
	}
	if err := frame.Write(mp.stdin, b); err != nil && mp.state == StateStarted {
		mp.log.Error("Failed to send reconnect", "error", err)
	}
}

// Status takes the shared lock.
func (mp *ManagedProcess) Status() Status {
	mp.lock.Lock()
	defer mp.lock.Unlock()
	return mp.statusLocked()
}

func (mp *ManagedProcess) statusLocked() Status {
	st := Status{
		Name:         mp.opts.Name,
		State:        mp.state.String(),
		Privileged:   mp.opts.Privileged,
		RespawnCount: mp.respawnCount,
	}
	if mp.proc != nil {
		st.PID = mp.proc.Pid()
		started := mp.startedAt
		st.StartedAt = &started
	}
	return st
}
