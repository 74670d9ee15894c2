package manager

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/pcontrol/internal/env"
	"github.com/loykin/pcontrol/internal/protocol"
)

const waitFor = 2 * time.Second
const tick = 5 * time.Millisecond

type harness struct {
	mp       *ManagedProcess
	lock     *sync.Mutex
	ctrl     *fakeController
	launcher *fakeLauncher
	killer   *fakeKiller
	policy   *fakePolicy
}

func newHarness(t *testing.T, opts Options, ongoing int) *harness {
	t.Helper()
	if opts.Name == "" {
		opts.Name = "worker"
	}
	if opts.Command == nil {
		opts.Command = []string{"worker", "-Dfoo=bar"}
	}
	if opts.AuthKey == "" {
		opts.AuthKey = testKey
	}
	h := &harness{
		lock:     &sync.Mutex{},
		ctrl:     newFakeController(ongoing),
		launcher: &fakeLauncher{},
		killer:   &fakeKiller{},
		policy:   &fakePolicy{},
	}
	mp, err := NewManagedProcess(opts, h.lock, h.ctrl, Deps{
		Launcher: h.launcher,
		Killer:   h.killer,
		Policy:   h.policy,
		Env:      env.New().WithBase(env.Var{}),
	})
	require.NoError(t, err)
	h.mp = mp
	t.Cleanup(func() {
		h.launcher.mu.Lock()
		handles := append([]*fakeHandle(nil), h.launcher.handles...)
		h.launcher.mu.Unlock()
		for _, fh := range handles {
			fh.exit(0)
		}
	})
	return h
}

func (h *harness) state() State {
	h.lock.Lock()
	defer h.lock.Unlock()
	return h.mp.state
}

func (h *harness) respawnCount() int {
	h.lock.Lock()
	defer h.lock.Unlock()
	return h.mp.respawnCount
}

func (h *harness) waitDown(t *testing.T, stopped int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return h.ctrl.stoppedCount() == stopped && h.state() == StateDown
	}, waitFor, tick)
}

func (h *harness) waitRespawns(t *testing.T, n int) []respawnCall {
	t.Helper()
	require.Eventually(t, func() bool { return len(h.policy.snapshot()) == n }, waitFor, tick)
	return h.policy.snapshot()
}

func TestNewManagedProcessValidates(t *testing.T) {
	_, err := NewManagedProcess(Options{Name: "a", Command: []string{"x"}, AuthKey: "short"}, &sync.Mutex{}, newFakeController(1), Deps{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidAuthKey))

	_, err = NewManagedProcess(Options{Name: "a", AuthKey: testKey}, &sync.Mutex{}, newFakeController(1), Deps{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "empty command")
}

func TestStartSendsHandshake(t *testing.T) {
	h := newHarness(t, Options{Env: map[string]string{"ROLE": "worker"}}, 1)
	h.mp.Start()

	require.Equal(t, 1, h.launcher.launches())
	assert.Equal(t, StateStarted, h.state())

	fh := h.launcher.last()
	frames := fh.stdin.frames()
	require.Len(t, frames, 1)
	assert.Equal(t, testKey, string(frames[0]))

	spec := h.launcher.lastSpec()
	assert.Equal(t, []string{"worker", "-Dfoo=bar"}, spec.Command)
	assert.Contains(t, spec.Env, "ROLE=worker")

	h.ctrl.mu.Lock()
	assert.Equal(t, []int{fh.pid}, h.ctrl.started)
	h.ctrl.mu.Unlock()

	st := h.mp.Status()
	assert.Equal(t, "started", st.State)
	assert.Equal(t, fh.pid, st.PID)
	require.NotNil(t, st.StartedAt)
	assert.False(t, st.StartedAt.IsZero())
}

func TestStartThenStopTransitions(t *testing.T) {
	h := newHarness(t, Options{}, 1)
	require.Equal(t, StateDown, h.state())

	h.lock.Lock()
	h.mp.apply(intentStart)
	started := h.mp.state
	h.lock.Unlock()
	assert.Equal(t, StateStarted, started)
	require.Equal(t, 1, h.launcher.launches())
	fh := h.launcher.last()

	h.lock.Lock()
	h.mp.apply(intentStop)
	stopping := h.mp.state
	h.lock.Unlock()
	assert.Equal(t, StateStopping, stopping)
	assert.True(t, fh.stdin.isClosed())

	fh.exit(0)
	h.waitDown(t, 1)
}

func TestStoppedStatusOmitsStartTime(t *testing.T) {
	h := newHarness(t, Options{}, 1)
	st := h.mp.Status()
	assert.Nil(t, st.StartedAt)
	raw, err := json.Marshal(st)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "started_at")

	h.mp.Start()
	raw, err = json.Marshal(h.mp.Status())
	require.NoError(t, err)
	assert.Contains(t, string(raw), "started_at")

	h.mp.Stop()
	h.launcher.last().exit(0)
	h.waitDown(t, 1)
	assert.Nil(t, h.mp.Status().StartedAt)
}

func TestStartIsIdempotent(t *testing.T) {
	h := newHarness(t, Options{}, 1)
	h.mp.Start()
	h.mp.Start()
	assert.Equal(t, 1, h.launcher.launches())

	h.mp.Stop()
	assert.Equal(t, StateStopping, h.state())
	h.mp.Start()
	assert.Equal(t, 1, h.launcher.launches(), "start while stopping is ignored")
}

func TestStopLetsProcessExitWithoutRespawn(t *testing.T) {
	h := newHarness(t, Options{Respawn: true}, 1)
	h.mp.Start()
	fh := h.launcher.last()

	h.mp.Stop()
	assert.True(t, fh.stdin.isClosed())
	assert.Equal(t, StateStopping, h.state())

	h.mp.Stop()
	assert.Equal(t, StateStopping, h.state())

	fh.exit(0)
	h.waitDown(t, 1)
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, h.policy.snapshot())
	assert.Equal(t, 0, h.respawnCount())
	assert.Zero(t, h.mp.Status().PID)
}

func TestStopWhenDownIsNoop(t *testing.T) {
	h := newHarness(t, Options{}, 1)
	h.mp.Stop()
	h.mp.Destroy()
	h.mp.Kill()
	assert.Equal(t, StateDown, h.state())
	assert.Zero(t, h.launcher.attempts())
	h.killer.mu.Lock()
	assert.Empty(t, h.killer.calls)
	h.killer.mu.Unlock()
}

func TestDestroyEscalatesOnlyWhenStopping(t *testing.T) {
	h := newHarness(t, Options{}, 1)
	h.mp.Start()
	fh := h.launcher.last()

	h.mp.Destroy()
	assert.Equal(t, StateStopping, h.state())
	assert.True(t, fh.stdin.isClosed())
	assert.Zero(t, fh.destroyCount())

	h.mp.Destroy()
	assert.Equal(t, 1, fh.destroyCount())
}

func TestKillUsesNameKiller(t *testing.T) {
	h := newHarness(t, Options{Name: "db"}, 1)
	h.mp.Start()
	fh := h.launcher.last()

	h.mp.Kill()
	assert.Equal(t, StateStopping, h.state())
	h.mp.Kill()

	h.killer.mu.Lock()
	assert.Equal(t, []string{"db"}, h.killer.calls)
	h.killer.mu.Unlock()
	assert.Zero(t, fh.destroyCount())
}

func TestKillFallsBackToDestroy(t *testing.T) {
	h := newHarness(t, Options{}, 1)
	h.killer.err = errors.New("unsupported")
	h.mp.Start()
	fh := h.launcher.last()

	h.mp.Stop()
	h.mp.Kill()
	assert.Equal(t, 1, fh.destroyCount())
}

func TestUncommandedExitRespawns(t *testing.T) {
	h := newHarness(t, Options{Respawn: true}, 1)
	h.mp.Start()
	first := h.launcher.last()

	first.exit(1)
	h.waitDown(t, 1)
	calls := h.waitRespawns(t, 1)
	assert.Equal(t, 1, calls[0].count)
	assert.False(t, calls[0].slow)
	assert.False(t, calls[0].unlimited)
	assert.Same(t, h.mp, calls[0].target)

	calls[0].target.Respawn()
	require.Equal(t, 2, h.launcher.launches())
	assert.Equal(t, StateStarted, h.state())
	assert.Equal(t, protocol.ProcessRestartedArg, h.launcher.lastSpec().Command[2])

	h.launcher.last().exit(1)
	calls = h.waitRespawns(t, 2)
	assert.Equal(t, 2, calls[1].count)

	// An explicit start resets the counter.
	h.mp.Start()
	assert.Equal(t, 0, h.respawnCount())
	assert.Len(t, h.launcher.lastSpec().Command, 2)
}

func TestRespawnDisabledUsesNoPolicy(t *testing.T) {
	h := newHarness(t, Options{Respawn: false}, 1)
	h.mp.Start()
	h.launcher.last().exit(1)
	h.waitDown(t, 1)
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, h.policy.snapshot())
}

func TestRespawnLogOnlyWhenEnabled(t *testing.T) {
	for _, enabled := range []bool{false, true} {
		t.Run(fmt.Sprintf("respawn=%v", enabled), func(t *testing.T) {
			buf := &lockedBuffer{}
			launcher := &fakeLauncher{}
			ctrl := newFakeController(1)
			policy := &fakePolicy{}
			mp, err := NewManagedProcess(Options{
				Name:    "worker",
				Command: []string{"worker"},
				AuthKey: testKey,
				Respawn: enabled,
			}, &sync.Mutex{}, ctrl, Deps{
				Launcher: launcher,
				Killer:   &fakeKiller{},
				Policy:   policy,
				Env:      env.New().WithBase(env.Var{}),
				Logger:   slog.New(slog.NewTextHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug})),
			})
			require.NoError(t, err)

			mp.Start()
			launcher.last().exit(1)
			require.Eventually(t, func() bool { return ctrl.stoppedCount() == 1 }, waitFor, tick)

			if enabled {
				require.Eventually(t, func() bool { return len(policy.snapshot()) == 1 }, waitFor, tick)
				assert.Contains(t, buf.String(), "Scheduling respawn")
				return
			}
			time.Sleep(20 * time.Millisecond)
			assert.Empty(t, policy.snapshot())
			assert.NotContains(t, buf.String(), "Scheduling respawn")
		})
	}
}

func TestRespawnIgnoredWhenNotDown(t *testing.T) {
	h := newHarness(t, Options{}, 1)
	h.mp.Start()
	h.mp.Respawn()
	assert.Equal(t, 1, h.launcher.launches())
}

func TestShutdownWhileStarted(t *testing.T) {
	h := newHarness(t, Options{Respawn: true}, 1)
	h.mp.Start()
	fh := h.launcher.last()

	h.mp.Shutdown()
	assert.Equal(t, StateStopping, h.state())
	assert.True(t, fh.stdin.isClosed())
	h.mp.Shutdown()

	fh.exit(1)
	require.Eventually(t, func() bool { return h.ctrl.removedCount() == 1 }, waitFor, tick)
	assert.Equal(t, StateDown, h.state())
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, h.policy.snapshot())
	assert.Equal(t, 1, h.ctrl.removedCount())

	h.mp.Start()
	h.mp.Respawn()
	assert.Equal(t, 1, h.launcher.attempts(), "no launches after shutdown")
}

func TestShutdownWhileDownRemoves(t *testing.T) {
	h := newHarness(t, Options{}, 1)
	h.mp.Shutdown()
	require.Eventually(t, func() bool { return h.ctrl.removedCount() == 1 }, waitFor, tick)
	h.mp.Shutdown()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, h.ctrl.removedCount())
}

func TestShutdownWhileStoppingWaitsForExit(t *testing.T) {
	h := newHarness(t, Options{}, 1)
	h.mp.Start()
	h.mp.Stop()
	h.mp.Shutdown()
	assert.Equal(t, StateStopping, h.state())
	assert.Zero(t, h.ctrl.removedCount())

	h.launcher.last().exit(0)
	require.Eventually(t, func() bool { return h.ctrl.removedCount() == 1 }, waitFor, tick)
}

func TestLaunchFailureReportsStart(t *testing.T) {
	h := newHarness(t, Options{}, 1)
	h.launcher.failNext = true
	h.mp.Start()

	assert.Equal(t, StateDown, h.state())
	assert.Equal(t, []Operation{OperationStart}, h.ctrl.failureList())
	assert.Equal(t, 1, h.launcher.attempts())
	assert.Zero(t, h.launcher.launches())

	h.mp.Start()
	assert.Equal(t, StateStarted, h.state())
}

func TestHandshakeFailureKeepsProcessReaped(t *testing.T) {
	h := newHarness(t, Options{Respawn: true}, 1)
	h.launcher.breakStdin = true
	h.mp.Start()

	assert.Equal(t, StateDown, h.state())
	assert.Equal(t, []Operation{OperationHandshake}, h.ctrl.failureList())
	assert.Zero(t, h.mp.Status().PID)

	h.launcher.last().exit(1)
	require.Eventually(t, func() bool { return h.ctrl.stoppedCount() == 1 }, waitFor, tick)
	h.waitRespawns(t, 1)
}

func TestStaleProcessExitIsIgnored(t *testing.T) {
	h := newHarness(t, Options{Respawn: true}, 1)
	h.launcher.breakStdin = true
	h.mp.Start()
	stale := h.launcher.last()

	h.mp.Start()
	current := h.launcher.last()
	require.NotSame(t, stale, current)
	require.Equal(t, StateStarted, h.state())

	stale.exit(1)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, StateStarted, h.state())
	assert.Equal(t, current.pid, h.mp.Status().PID)
	assert.Zero(t, h.ctrl.stoppedCount())
	assert.Empty(t, h.policy.snapshot())
}

func TestSendStdin(t *testing.T) {
	h := newHarness(t, Options{}, 1)

	h.lock.Lock()
	err := h.mp.SendStdin(strings.NewReader("ping"))
	h.lock.Unlock()
	assert.ErrorIs(t, err, ErrNotRunning)

	h.mp.Start()
	fh := h.launcher.last()
	h.lock.Lock()
	err = h.mp.SendStdin(strings.NewReader("ping"))
	h.lock.Unlock()
	require.NoError(t, err)

	frames := fh.stdin.frames()
	require.Len(t, frames, 2)
	assert.Equal(t, "ping", string(frames[1]))

	fh.stdin.mu.Lock()
	fh.stdin.fail = true
	fh.stdin.mu.Unlock()
	h.lock.Lock()
	err = h.mp.SendStdin(strings.NewReader("pong"))
	h.lock.Unlock()
	assert.Error(t, err)
}

func TestReconnectFrame(t *testing.T) {
	h := newHarness(t, Options{}, 1)

	// Down: nothing to write to and nothing to fail.
	h.lock.Lock()
	h.mp.Reconnect("remote", "10.0.0.1", 9999, false, testKey)
	h.lock.Unlock()

	h.mp.Start()
	fh := h.launcher.last()
	h.lock.Lock()
	h.mp.Reconnect("remote+tls", "controller.local", 9990, true, testKey)
	h.lock.Unlock()

	frames := fh.stdin.frames()
	require.Len(t, frames, 2)
	msg, err := protocol.ParseReconnect(frames[1])
	require.NoError(t, err)
	assert.Equal(t, protocol.Reconnect{
		Scheme:             "remote+tls",
		Host:               "controller.local",
		Port:               9990,
		ManagementEndpoint: true,
		AuthKey:            testKey,
	}, msg)
}

func TestPrivilegedAbortWithWorkersRespawnsSlowly(t *testing.T) {
	h := newHarness(t, Options{Privileged: true, Respawn: true}, 3)
	h.mp.Start()
	h.launcher.last().exit(protocol.ExitControllerAbort)

	calls := h.waitRespawns(t, 1)
	assert.True(t, calls[0].slow)
	assert.True(t, calls[0].unlimited)
	assert.Zero(t, h.ctrl.removedCount())
	h.ctrl.mu.Lock()
	assert.Empty(t, h.ctrl.exits)
	h.ctrl.mu.Unlock()
}

func TestPrivilegedAbortAloneExits(t *testing.T) {
	h := newHarness(t, Options{Privileged: true, Respawn: true}, 1)
	h.mp.Start()
	h.launcher.last().exit(protocol.ExitControllerAbort)

	select {
	case code := <-h.ctrl.exitCh:
		assert.Equal(t, protocol.ExitNormal, code)
	case <-time.After(waitFor):
		t.Fatal("controller did not exit")
	}
	assert.Equal(t, 1, h.ctrl.removedCount())
	h.ctrl.mu.Lock()
	assert.Equal(t, 1, h.ctrl.shutdowns)
	h.ctrl.mu.Unlock()
	assert.Empty(t, h.policy.snapshot())
}

func TestPrivilegedRestartFromLauncherExits(t *testing.T) {
	h := newHarness(t, Options{Privileged: true, Respawn: true}, 4)
	h.mp.Start()
	h.launcher.last().exit(protocol.ExitRestartFromLauncher)

	select {
	case code := <-h.ctrl.exitCh:
		assert.Equal(t, protocol.ExitRestartFromLauncher, code)
	case <-time.After(waitFor):
		t.Fatal("controller did not exit")
	}
	assert.Equal(t, 1, h.ctrl.removedCount())
}

func TestPrivilegedCrashWithWorkersIsUnlimited(t *testing.T) {
	h := newHarness(t, Options{Privileged: true, Respawn: true}, 2)
	h.mp.Start()
	h.launcher.last().exit(1)

	calls := h.waitRespawns(t, 1)
	assert.False(t, calls[0].slow)
	assert.True(t, calls[0].unlimited)
}

func TestWorkerAbortCodeIsOrdinary(t *testing.T) {
	h := newHarness(t, Options{Respawn: true}, 1)
	h.mp.Start()
	h.launcher.last().exit(protocol.ExitControllerAbort)

	calls := h.waitRespawns(t, 1)
	assert.False(t, calls[0].slow)
	assert.Zero(t, h.ctrl.removedCount())
}
