package manager

import (
	"errors"
	"time"

	"github.com/loykin/pcontrol/internal/protocol"
)

var (
	ErrInvalidAuthKey   = protocol.ErrInvalidAuthKey
	ErrNotRunning       = errors.New("process is not running")
	ErrUnknownProcess   = errors.New("unknown process")
	ErrDuplicateProcess = errors.New("process already registered")
	ErrShuttingDown     = errors.New("registry is shutting down")
)

// Operation names a lifecycle operation reported through OperationFailed.
type Operation string

const (
	OperationStart     Operation = "start"
	OperationHandshake Operation = "handshake"
)

// Controller owns the set of managed processes. ManagedProcess calls it
// while holding the shared process lock, so implementations must never
// acquire that lock from these methods.
type Controller interface {
	OperationFailed(name string, op Operation)
	ProcessStarted(name string, pid int)
	ProcessStopped(name string, uptime time.Duration, exitCode int)
	// RemoveProcess drops name from the registry.
	RemoveProcess(name string)
	// OngoingProcessCount is the number of processes still registered,
	// including the caller.
	OngoingProcessCount() int
	// Shutdown stops every process and blocks until all are removed.
	Shutdown()
	// Exit terminates the controller with code.
	Exit(code int)
}
