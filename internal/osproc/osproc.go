// Package osproc isolates the OS-specific pieces of worker supervision:
// detached spawning, signaling, liveness probes, process start times and the
// command-line sweep. Everything above this package is platform-neutral.
package osproc

import (
	"context"
	"errors"
	"os"
	"strings"

	gopsproc "github.com/shirou/gopsutil/v4/process"
)

// Alive reports whether pid refers to an existing process. Advisory only:
// pids are reused after exit, so existence does not prove identity.
func Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	return pidAlive(pid)
}

// Terminate delivers the cooperative termination request. On Unix this is
// SIGTERM to the process; Windows has no interceptable equivalent, so the
// platform implementation falls back to an unconditional terminate.
func Terminate(pid int) error { return terminateProcess(pid) }

// Kill delivers the immediate, non-interceptable termination request.
func Kill(pid int) error { return killProcess(pid) }

// FindByCmdline scans the process table for processes whose command line
// contains substr, excluding the current process and any pids in exclude.
// Used by the pattern-fallback kill; failures on individual entries are
// skipped because entries vanish while scanning. An empty substr is rejected:
// it would match every process on the host.
func FindByCmdline(ctx context.Context, substr string, exclude ...int) ([]int, error) {
	if substr == "" {
		return nil, errors.New("empty command line pattern")
	}
	procs, err := gopsproc.ProcessesWithContext(ctx)
	if err != nil {
		return nil, err
	}
	self := os.Getpid()
	skip := map[int]bool{self: true}
	for _, p := range exclude {
		skip[p] = true
	}
	var out []int
	for _, p := range procs {
		pid := int(p.Pid)
		if skip[pid] {
			continue
		}
		cmdline, err := p.CmdlineWithContext(ctx)
		if err != nil || cmdline == "" {
			continue
		}
		if strings.Contains(cmdline, substr) {
			out = append(out, pid)
		}
	}
	return out, nil
}
