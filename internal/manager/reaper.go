package manager

import (
	"errors"
	"time"

	"github.com/loykin/pcontrol/internal/metrics"
	"github.com/loykin/pcontrol/internal/process"
	"github.com/loykin/pcontrol/internal/protocol"
)

// exitFacts is what the classifier needs to know about an exit.
type exitFacts struct {
	code          int
	shutdown      bool
	privileged    bool
	stopRequested bool
	ongoing       int // registered processes, including this one
}

type exitDecision struct {
	remove bool
	// shutdownRegistry shuts every process down and exits with exitCode.
	shutdownRegistry bool
	exitCode         int

	respawn   bool
	slow      bool
	unlimited bool
}

// classifyExit picks the recovery path for an observed exit.
func classifyExit(f exitFacts) exitDecision {
	othersAlive := f.ongoing > 1
	switch {
	case f.shutdown:
		return exitDecision{remove: true}
	case f.privileged && f.code == protocol.ExitControllerAbort:
		if othersAlive {
			// Likely a configuration problem: keep trying, but slowly.
			return exitDecision{respawn: true, slow: true, unlimited: true}
		}
		return exitDecision{remove: true, shutdownRegistry: true, exitCode: protocol.ExitNormal}
	case f.privileged && f.code == protocol.ExitRestartFromLauncher:
		return exitDecision{remove: true, shutdownRegistry: true, exitCode: protocol.ExitRestartFromLauncher}
	case !f.stopRequested:
		return exitDecision{respawn: true, unlimited: f.privileged && othersAlive}
	}
	return exitDecision{}
}

// waitExit blocks until h exits, retrying interrupted waits.
func waitExit(h process.Handle) int {
	for {
		code, err := h.Wait()
		if errors.Is(err, process.ErrWaitInterrupted) {
			continue
		}
		return code
	}
}

// reap waits for h outside the lock and then classifies the exit under it.
func (mp *ManagedProcess) reap(h process.Handle, started time.Time) {
	code := waitExit(h)
	uptime := time.Since(started)

	mp.lock.Lock()
	if mp.proc != nil && mp.proc != h {
		// A newer process has taken over since h failed its handshake.
		mp.lock.Unlock()
		mp.log.Debug("Stale process exited", "pid", h.Pid(), "exit_code", code)
		return
	}
	mp.log.Info("Process exited", "pid", h.Pid(), "exit_code", code, "uptime", uptime)
	metrics.ObserveUptime(mp.opts.Name, uptime.Seconds())
	metrics.IncExit(mp.opts.Name, code)
	mp.ctrl.ProcessStopped(mp.opts.Name, uptime, code)
	mp.proc = nil
	mp.stdin = nil
	mp.startedAt = time.Time{}
	if mp.state != StateDown {
		mp.setState(StateDown)
	}
	process.RemovePIDFile(mp.opts.PIDFile)

	d := classifyExit(exitFacts{
		code:          code,
		shutdown:      mp.shutdown,
		privileged:    mp.opts.Privileged,
		stopRequested: mp.stopRequested,
		ongoing:       mp.ctrl.OngoingProcessCount(),
	})
	if d.remove {
		mp.ctrl.RemoveProcess(mp.opts.Name)
	}
	if d.shutdownRegistry {
		mp.log.Info("Controller exit, shutting down", "exit_code", d.exitCode)
		go func(code int) {
			mp.ctrl.Shutdown()
			mp.ctrl.Exit(code)
		}(d.exitCode)
	}
	count := mp.respawnCount
	if d.respawn {
		mp.respawnCount++
		count = mp.respawnCount
	}
	mp.stopRequested = false
	mp.lock.Unlock()

	if d.respawn {
		if mp.opts.Respawn {
			metrics.IncRespawn(mp.opts.Name)
			mp.log.Info("Scheduling respawn", "count", count, "slow", d.slow, "unlimited", d.unlimited)
		}
		mp.deps.Policy.Respawn(count, mp, d.slow, d.unlimited)
	}
}
