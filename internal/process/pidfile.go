package process

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	gopsproc "github.com/shirou/gopsutil/v4/process"
)

// WritePIDFile writes the pid on the first line followed by the JSON spec.
func WritePIDFile(path string, pid int, spec Spec) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("pid file: %w", err)
	}
	b, err := json.Marshal(spec)
	if err != nil {
		return fmt.Errorf("pid file: %w", err)
	}
	data := strconv.Itoa(pid) + "\n" + string(b) + "\n"
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		return fmt.Errorf("pid file: %w", err)
	}
	return nil
}

// ReadPIDFile reads a file written by WritePIDFile. Files holding only a
// pid are accepted and yield a nil spec.
func ReadPIDFile(path string) (int, *Spec, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, nil, err
	}
	pidLine, rest, _ := strings.Cut(string(b), "\n")
	pid, err := strconv.Atoi(strings.TrimSpace(pidLine))
	if err != nil {
		return 0, nil, err
	}
	rest = strings.TrimSpace(rest)
	if rest == "" {
		return pid, nil, nil
	}
	var spec Spec
	if err := json.Unmarshal([]byte(rest), &spec); err != nil {
		// keep the pid even when the spec is unreadable
		return pid, nil, nil
	}
	return pid, &spec, nil
}

// RemovePIDFile is best effort.
func RemovePIDFile(path string) {
	if path != "" {
		_ = os.Remove(path)
	}
}

// LeftoverPID reports the pid recorded in path when that process is still
// alive, typically a child of a supervisor that died without reaping it.
func LeftoverPID(ctx context.Context, path string) (int, bool) {
	if path == "" {
		return 0, false
	}
	pid, _, err := ReadPIDFile(path)
	if err != nil || pid <= 0 {
		return 0, false
	}
	alive, err := gopsproc.PidExistsWithContext(ctx, int32(pid))
	if err != nil || !alive {
		return 0, false
	}
	return pid, true
}
