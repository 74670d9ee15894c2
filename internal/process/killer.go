package process

import (
	"context"
	"errors"
	"os"
	"strings"

	gopsproc "github.com/shirou/gopsutil/v4/process"
)

// ErrKillUnsupported means the killer found nothing it could signal.
var ErrKillUnsupported = errors.New("kill by name unavailable")

// Killer forcefully kills a managed process identified by its name.
type Killer interface {
	KillByName(ctx context.Context, name string) error
}

// NameMarker is the argument that identifies a launched process by name.
// Commands that carry it can be found and killed even when the handle is lost.
func NameMarker(name string) string {
	return "-D[" + name + "]"
}

// NameKiller scans the process table for command lines carrying
// NameMarker(name) and sends SIGKILL to every match.
type NameKiller struct{}

func (NameKiller) KillByName(ctx context.Context, name string) error {
	procs, err := gopsproc.ProcessesWithContext(ctx)
	if err != nil {
		return errors.Join(ErrKillUnsupported, err)
	}
	marker := NameMarker(name)
	self := int32(os.Getpid())
	killed := 0
	var errs []error
	for _, p := range procs {
		if p.Pid == self {
			continue
		}
		args, err := p.CmdlineSliceWithContext(ctx)
		if err != nil || !hasArg(args, marker) {
			continue
		}
		if err := killPid(int(p.Pid)); err != nil {
			errs = append(errs, err)
			continue
		}
		killed++
	}
	if killed > 0 {
		return nil
	}
	return errors.Join(append(errs, ErrKillUnsupported)...)
}

func hasArg(args []string, marker string) bool {
	for _, a := range args {
		if a == marker || strings.Contains(a, marker) {
			return true
		}
	}
	return false
}
