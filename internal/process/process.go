// Package process launches OS processes with relayable stdio and a
// framed control channel on stdin.
package process

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
)

// ErrWaitInterrupted is returned by Handle.Wait when the wait returned
// before the process exited. Callers retry.
var ErrWaitInterrupted = errors.New("wait interrupted")

// Spec describes one launch. Env is the complete, already merged environment.
type Spec struct {
	Name    string   `json:"name"`
	Command []string `json:"command"`
	Env     []string `json:"-"`
	WorkDir string   `json:"work_dir,omitempty"`
	PIDFile string   `json:"pid_file,omitempty"`
}

// Handle is a running process. Stdin is the control channel; Stdout and
// Stderr are owned by the output relays.
type Handle interface {
	Pid() int
	Stdin() io.WriteCloser
	Stdout() io.ReadCloser
	Stderr() io.ReadCloser
	// Wait blocks until exit and returns the exit code. It may be called
	// repeatedly and from several goroutines.
	Wait() (int, error)
	// Destroy forcibly terminates the process.
	Destroy() error
}

type Launcher interface {
	Launch(spec Spec) (Handle, error)
}

// ExecLauncher starts processes with os/exec in their own process group.
type ExecLauncher struct{}

func (ExecLauncher) Launch(spec Spec) (Handle, error) {
	if len(spec.Command) == 0 {
		return nil, fmt.Errorf("launch %s: empty command", spec.Name)
	}
	// #nosec G204
	cmd := exec.Command(spec.Command[0], spec.Command[1:]...)
	cmd.Dir = spec.WorkDir
	if spec.Env != nil {
		cmd.Env = spec.Env
	}
	configureSysProcAttr(cmd)

	// Real pipes instead of cmd.StdoutPipe: Wait must not close the read
	// ends while the relays are still draining them.
	var closers []*os.File
	closeAll := func() {
		for _, f := range closers {
			_ = f.Close()
		}
	}
	pipe := func() (*os.File, *os.File, error) {
		r, w, err := os.Pipe()
		if err == nil {
			closers = append(closers, r, w)
		}
		return r, w, err
	}
	inR, inW, err := pipe()
	if err != nil {
		return nil, fmt.Errorf("launch %s: stdin pipe: %w", spec.Name, err)
	}
	outR, outW, err := pipe()
	if err != nil {
		closeAll()
		return nil, fmt.Errorf("launch %s: stdout pipe: %w", spec.Name, err)
	}
	errR, errW, err := pipe()
	if err != nil {
		closeAll()
		return nil, fmt.Errorf("launch %s: stderr pipe: %w", spec.Name, err)
	}
	cmd.Stdin, cmd.Stdout, cmd.Stderr = inR, outW, errW

	if err := cmd.Start(); err != nil {
		closeAll()
		return nil, fmt.Errorf("launch %s: %w", spec.Name, err)
	}
	// The child holds its own copies now.
	_ = inR.Close()
	_ = outW.Close()
	_ = errW.Close()

	h := &execHandle{cmd: cmd, stdin: inW, stdout: outR, stderr: errR, done: make(chan struct{})}
	go h.reap()

	if spec.PIDFile != "" {
		if err := WritePIDFile(spec.PIDFile, h.Pid(), spec); err != nil {
			slog.Warn("Failed to write PID file", "name", spec.Name, "path", spec.PIDFile, "error", err)
		}
	}
	return h, nil
}

type execHandle struct {
	cmd    *exec.Cmd
	stdin  *os.File
	stdout *os.File
	stderr *os.File

	done     chan struct{}
	code     int
	waitErr  error
	destroyM sync.Mutex
}

func (h *execHandle) Pid() int              { return h.cmd.Process.Pid }
func (h *execHandle) Stdin() io.WriteCloser { return h.stdin }
func (h *execHandle) Stdout() io.ReadCloser { return h.stdout }
func (h *execHandle) Stderr() io.ReadCloser { return h.stderr }

// reap is the only caller of cmd.Wait.
func (h *execHandle) reap() {
	err := h.cmd.Wait()
	h.code = exitCode(h.cmd.ProcessState)
	var ee *exec.ExitError
	if err != nil && !errors.As(err, &ee) {
		h.waitErr = err
	}
	close(h.done)
}

func (h *execHandle) Wait() (int, error) {
	<-h.done
	return h.code, h.waitErr
}

func (h *execHandle) Destroy() error {
	h.destroyM.Lock()
	defer h.destroyM.Unlock()
	select {
	case <-h.done:
		return nil
	default:
	}
	return terminate(h.cmd.Process)
}
