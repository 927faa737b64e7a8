//go:build !windows

package osproc

import (
	"os/exec"
	"syscall"
)

// SetDetachedAttrs places the worker in its own session (setsid) so it is
// detached from the controlling terminal and survives a parent exit. The
// handshake pipes stay usable; detachment only severs terminal and session.
func SetDetachedAttrs(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
}
