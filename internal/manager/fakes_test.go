package manager

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/loykin/pcontrol/internal/frame"
	"github.com/loykin/pcontrol/internal/process"
	"github.com/loykin/pcontrol/internal/respawn"
)

const testKey = "AAAAAAAAAAAAAAAAAAAAAA==" // 24 chars

type fakeStdin struct {
	mu     sync.Mutex
	buf    bytes.Buffer
	closed bool
	fail   bool
}

func (s *fakeStdin) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail || s.closed {
		return 0, errors.New("broken pipe")
	}
	return s.buf.Write(p)
}

func (s *fakeStdin) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fakeStdin) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// frames decodes everything written so far.
func (s *fakeStdin) frames() [][]byte {
	s.mu.Lock()
	data := append([]byte(nil), s.buf.Bytes()...)
	s.mu.Unlock()
	r := frame.NewReader(bytes.NewReader(data))
	var out [][]byte
	for {
		f, err := r.Next()
		if err != nil {
			return out
		}
		out = append(out, f)
	}
}

type fakeHandle struct {
	pid    int
	stdin  *fakeStdin
	stdout *io.PipeReader
	outW   *io.PipeWriter
	stderr *io.PipeReader
	errW   *io.PipeWriter

	exitOnce sync.Once
	exited   chan struct{}
	code     int
	// interrupts makes Wait return ErrWaitInterrupted this many times first.
	interrupts int
	waitMu     sync.Mutex

	destroyMu sync.Mutex
	destroys  int
}

func newFakeHandle(pid int) *fakeHandle {
	outR, outW := io.Pipe()
	errR, errW := io.Pipe()
	return &fakeHandle{
		pid:    pid,
		stdin:  &fakeStdin{},
		stdout: outR, outW: outW,
		stderr: errR, errW: errW,
		exited: make(chan struct{}),
	}
}

func (h *fakeHandle) Pid() int              { return h.pid }
func (h *fakeHandle) Stdin() io.WriteCloser { return h.stdin }
func (h *fakeHandle) Stdout() io.ReadCloser { return h.stdout }
func (h *fakeHandle) Stderr() io.ReadCloser { return h.stderr }

func (h *fakeHandle) Wait() (int, error) {
	h.waitMu.Lock()
	if h.interrupts > 0 {
		h.interrupts--
		h.waitMu.Unlock()
		return -1, process.ErrWaitInterrupted
	}
	h.waitMu.Unlock()
	<-h.exited
	return h.code, nil
}

func (h *fakeHandle) Destroy() error {
	h.destroyMu.Lock()
	h.destroys++
	h.destroyMu.Unlock()
	return nil
}

func (h *fakeHandle) destroyCount() int {
	h.destroyMu.Lock()
	defer h.destroyMu.Unlock()
	return h.destroys
}

// exit simulates the process terminating with code.
func (h *fakeHandle) exit(code int) {
	h.exitOnce.Do(func() {
		h.code = code
		_ = h.outW.Close()
		_ = h.errW.Close()
		close(h.exited)
	})
}

type fakeLauncher struct {
	mu       sync.Mutex
	specs    []process.Spec
	handles  []*fakeHandle
	failNext bool
	// breakStdin makes the next launched handle reject the handshake.
	breakStdin bool
	nextPid    int
}

func (l *fakeLauncher) Launch(spec process.Spec) (process.Handle, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.specs = append(l.specs, spec)
	if l.failNext {
		l.failNext = false
		return nil, errors.New("exec: not found")
	}
	l.nextPid++
	h := newFakeHandle(1000 + l.nextPid)
	if l.breakStdin {
		l.breakStdin = false
		h.stdin.fail = true
	}
	l.handles = append(l.handles, h)
	return h, nil
}

func (l *fakeLauncher) launches() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.handles)
}

func (l *fakeLauncher) attempts() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.specs)
}

func (l *fakeLauncher) last() *fakeHandle {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.handles) == 0 {
		return nil
	}
	return l.handles[len(l.handles)-1]
}

func (l *fakeLauncher) lastSpec() process.Spec {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.specs[len(l.specs)-1]
}

type fakeKiller struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (k *fakeKiller) KillByName(_ context.Context, name string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.calls = append(k.calls, name)
	return k.err
}

type respawnCall struct {
	count           int
	slow, unlimited bool
	target          respawn.Respawner
}

type fakePolicy struct {
	mu    sync.Mutex
	calls []respawnCall
}

func (p *fakePolicy) Respawn(count int, r respawn.Respawner, slow, unlimited bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, respawnCall{count: count, slow: slow, unlimited: unlimited, target: r})
}

func (p *fakePolicy) snapshot() []respawnCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]respawnCall(nil), p.calls...)
}

type fakeController struct {
	mu        sync.Mutex
	ongoing   int
	failures  []Operation
	started   []int
	stopped   []int
	removed   []string
	shutdowns int
	exits     []int
	exitCh    chan int
}

func newFakeController(ongoing int) *fakeController {
	return &fakeController{ongoing: ongoing, exitCh: make(chan int, 4)}
}

func (c *fakeController) OperationFailed(_ string, op Operation) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures = append(c.failures, op)
}

func (c *fakeController) ProcessStarted(_ string, pid int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.started = append(c.started, pid)
}

func (c *fakeController) ProcessStopped(_ string, _ time.Duration, code int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopped = append(c.stopped, code)
}

func (c *fakeController) RemoveProcess(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.removed = append(c.removed, name)
}

func (c *fakeController) OngoingProcessCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ongoing
}

func (c *fakeController) Shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.shutdowns++
}

func (c *fakeController) Exit(code int) {
	c.mu.Lock()
	c.exits = append(c.exits, code)
	c.mu.Unlock()
	c.exitCh <- code
}

func (c *fakeController) removedCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.removed)
}

func (c *fakeController) stoppedCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.stopped)
}

func (c *fakeController) failureList() []Operation {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Operation(nil), c.failures...)
}
