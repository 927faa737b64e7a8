//go:build !windows

package osproc

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"testing"
	"time"
)

func startSleeper(t *testing.T, args ...string) *exec.Cmd {
	t.Helper()
	cmd := exec.Command(args[0], args[1:]...)
	if err := cmd.Start(); err != nil {
		t.Fatalf("start %v: %v", args, err)
	}
	go func() { _ = cmd.Wait() }()
	t.Cleanup(func() { _ = cmd.Process.Kill() })
	return cmd
}

func awaitDead(t *testing.T, pid int) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if !Alive(pid) {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatalf("pid %d still alive", pid)
}

func TestAlive(t *testing.T) {
	if !Alive(os.Getpid()) {
		t.Fatalf("own pid should be alive")
	}
	if Alive(0) || Alive(-5) {
		t.Fatalf("non-positive pids are never alive")
	}
	if Alive(1 << 28) {
		t.Fatalf("pid past pid_max should be dead")
	}
}

func TestTerminateDeliversCooperativeSignal(t *testing.T) {
	cmd := startSleeper(t, "sleep", "60")
	pid := cmd.Process.Pid
	if err := Terminate(pid); err != nil {
		t.Fatalf("Terminate: %v", err)
	}
	awaitDead(t, pid)
}

func TestKill(t *testing.T) {
	// The child traps TERM, so only the immediate signal can end it.
	cmd := startSleeper(t, "/bin/sh", "-c", "trap '' TERM; while true; do sleep 1; done")
	pid := cmd.Process.Pid

	_ = Terminate(pid)
	time.Sleep(200 * time.Millisecond)
	if !Alive(pid) {
		t.Skipf("shell did not ignore TERM; cannot exercise Kill")
	}
	if err := Kill(pid); err != nil {
		t.Fatalf("Kill: %v", err)
	}
	awaitDead(t, pid)
}

func TestSignalingDeadPidIsNotAnError(t *testing.T) {
	if err := Terminate(1 << 28); err != nil {
		t.Fatalf("Terminate on dead pid: %v", err)
	}
	if err := Kill(1 << 28); err != nil {
		t.Fatalf("Kill on dead pid: %v", err)
	}
}

func TestStartUnix(t *testing.T) {
	start := StartUnix(os.Getpid())
	if start <= 0 {
		t.Fatalf("StartUnix returned %d for a live process", start)
	}
	now := time.Now().Unix()
	if start > now+5 {
		t.Fatalf("start time %d is in the future (now %d)", start, now)
	}
	// The test process has not been running for a year.
	if start < now-365*24*3600 {
		t.Fatalf("start time %d implausibly old", start)
	}
}

func TestFindByCmdlineRejectsEmptyPattern(t *testing.T) {
	pids, err := FindByCmdline(context.Background(), "")
	if err == nil {
		t.Fatalf("empty pattern must be rejected, matched %d processes", len(pids))
	}
}

func TestFindByCmdline(t *testing.T) {
	marker := fmt.Sprintf("osproc-marker-%d", os.Getpid())
	cmd := startSleeper(t, "/bin/sh", "-c", fmt.Sprintf("while true; do sleep 1; done # %s", marker))

	var pids []int
	var err error
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		pids, err = FindByCmdline(context.Background(), marker)
		if err == nil && len(pids) > 0 {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("FindByCmdline: %v", err)
	}
	found := false
	for _, pid := range pids {
		if pid == cmd.Process.Pid {
			found = true
		}
		if pid == os.Getpid() {
			t.Fatalf("scan must exclude the calling process")
		}
	}
	if !found {
		t.Fatalf("marker process %d not found in %v", cmd.Process.Pid, pids)
	}

	// The exclude list removes the match again.
	pids, err = FindByCmdline(context.Background(), marker, cmd.Process.Pid)
	if err != nil {
		t.Fatalf("FindByCmdline with exclude: %v", err)
	}
	for _, pid := range pids {
		if pid == cmd.Process.Pid {
			t.Fatalf("excluded pid still returned")
		}
	}
}
