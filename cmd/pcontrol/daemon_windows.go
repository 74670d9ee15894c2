//go:build windows

package main

import (
	"os/exec"
	"syscall"
)

// createNoWindow keeps the detached supervisor from opening a console.
const createNoWindow = 0x08000000

// configureDaemonAttrs puts the supervisor in its own process group so a
// Ctrl+C in the launching console does not reach it or its children.
func configureDaemonAttrs(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		CreationFlags: syscall.CREATE_NEW_PROCESS_GROUP | createNoWindow,
	}
}
