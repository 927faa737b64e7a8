//go:build !windows

package terminator

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/stealthdesk/stealthdesk/internal/descriptor"
	"github.com/stealthdesk/stealthdesk/internal/osproc"
	"github.com/stealthdesk/stealthdesk/internal/prober"
)

func newTestTerminator(t *testing.T) (*Terminator, *descriptor.Store) {
	t.Helper()
	st, err := descriptor.OpenStore(t.TempDir())
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	tr := &Terminator{
		Store:      st,
		Prober:     prober.New(st),
		ProxyGrace: 3 * time.Second,
	}
	return tr, st
}

// startSleeper spawns a long-running child and arranges for it to be reaped,
// so liveness probes see it disappear once signaled.
func startSleeper(t *testing.T) int {
	t.Helper()
	cmd := exec.Command("sleep", "60")
	if err := cmd.Start(); err != nil {
		t.Fatalf("start sleeper: %v", err)
	}
	go func() { _ = cmd.Wait() }()
	t.Cleanup(func() { _ = cmd.Process.Kill() })
	return cmd.Process.Pid
}

func awaitDead(t *testing.T, pid int) {
	t.Helper()
	deadline := time.Now().Add(4 * time.Second)
	for time.Now().Before(deadline) {
		if !osproc.Alive(pid) {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatalf("pid %d still alive", pid)
}

func TestStopUnknownIDIsNotAnError(t *testing.T) {
	tr, _ := newTestTerminator(t)
	signaled, err := tr.Stop(context.Background(), uuid.NewString())
	if err != nil {
		t.Fatalf("Stop of unknown id: %v", err)
	}
	if signaled {
		t.Fatalf("nothing existed to signal")
	}
}

func TestStopSignalsAndDeletes(t *testing.T) {
	tr, st := newTestTerminator(t)
	pid := startSleeper(t)

	d := descriptor.NewProxy(descriptor.ProxyParams{Upstream: "DIRECT"})
	d.PID = pid
	d.StartUnix = osproc.StartUnix(pid)
	if err := st.Save(d); err != nil {
		t.Fatalf("Save: %v", err)
	}

	signaled, err := tr.Stop(context.Background(), d.ID)
	if err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if !signaled {
		t.Fatalf("a live worker should have been signaled")
	}
	awaitDead(t, pid)
	if _, err := st.Get(d.ID); !errors.Is(err, descriptor.ErrNotFound) {
		t.Fatalf("descriptor survived Stop: %v", err)
	}
}

func TestStopTwiceIsIdempotent(t *testing.T) {
	tr, st := newTestTerminator(t)
	pid := startSleeper(t)

	d := descriptor.NewProxy(descriptor.ProxyParams{Upstream: "DIRECT"})
	d.PID = pid
	d.StartUnix = osproc.StartUnix(pid)
	if err := st.Save(d); err != nil {
		t.Fatalf("Save: %v", err)
	}

	if _, err := tr.Stop(context.Background(), d.ID); err != nil {
		t.Fatalf("first Stop: %v", err)
	}
	signaled, err := tr.Stop(context.Background(), d.ID)
	if err != nil {
		t.Fatalf("second Stop: %v", err)
	}
	if signaled {
		t.Fatalf("second Stop found something to signal")
	}
}

func TestStopPendingDescriptorJustCleans(t *testing.T) {
	tr, st := newTestTerminator(t)
	d := descriptor.NewProxy(descriptor.ProxyParams{Upstream: "DIRECT"})
	if err := st.Save(d); err != nil {
		t.Fatalf("Save: %v", err)
	}

	signaled, err := tr.Stop(context.Background(), d.ID)
	if err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if signaled {
		t.Fatalf("pending descriptor has no process to signal")
	}
	if _, err := st.Get(d.ID); !errors.Is(err, descriptor.ErrNotFound) {
		t.Fatalf("pending descriptor survived Stop: %v", err)
	}
}

func TestStopStalePIDStillDeletes(t *testing.T) {
	tr, st := newTestTerminator(t)
	d := descriptor.NewProxy(descriptor.ProxyParams{Upstream: "DIRECT"})
	// A pid far past the usual pid_max models a process gone since a previous
	// application run.
	d.PID = 1 << 28
	if err := st.Save(d); err != nil {
		t.Fatalf("Save: %v", err)
	}

	signaled, err := tr.Stop(context.Background(), d.ID)
	if err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if signaled {
		t.Fatalf("a dead pid must not count as signaled")
	}
	if _, err := st.Get(d.ID); !errors.Is(err, descriptor.ErrNotFound) {
		t.Fatalf("stale descriptor survived Stop: %v", err)
	}
}

// The pattern sweep must reach a process that mentions the worker id on its
// command line even when the registry has no pid for it at all.
func TestStopSweepsByCommandLine(t *testing.T) {
	tr, _ := newTestTerminator(t)
	id := uuid.NewString()

	// The compound command keeps the shell itself alive with the id visible
	// in its argv.
	cmd := exec.Command("/bin/sh", "-c", fmt.Sprintf("while true; do sleep 1; done # worker %s", id))
	if err := cmd.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	go func() { _ = cmd.Wait() }()
	t.Cleanup(func() { _ = cmd.Process.Kill() })

	if _, err := tr.Stop(context.Background(), id); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	awaitDead(t, cmd.Process.Pid)
}

// Stop with an empty or implausibly short id must never run the pattern
// sweep: an empty pattern matches every command line on the host, so an
// unguarded Phase 3 would kill unrelated processes.
func TestStopShortIDNeverSweepsBystanders(t *testing.T) {
	tr, _ := newTestTerminator(t)
	bystander := startSleeper(t)

	for _, id := range []string{"", "a", "abc123"} {
		signaled, err := tr.Stop(context.Background(), id)
		if err != nil {
			t.Fatalf("Stop(%q): %v", id, err)
		}
		if signaled {
			t.Fatalf("Stop(%q) claims to have signaled something", id)
		}
	}

	// Give any wrongly issued signal time to land.
	time.Sleep(300 * time.Millisecond)
	if !osproc.Alive(bystander) {
		t.Fatalf("bystander process was killed by a short-id sweep")
	}
}

func TestStopAllClearsRegistry(t *testing.T) {
	tr, st := newTestTerminator(t)
	pids := []int{startSleeper(t), startSleeper(t)}
	for _, pid := range pids {
		d := descriptor.NewProxy(descriptor.ProxyParams{Upstream: "DIRECT"})
		d.PID = pid
		d.StartUnix = osproc.StartUnix(pid)
		if err := st.Save(d); err != nil {
			t.Fatalf("Save: %v", err)
		}
	}
	// One pending descriptor alongside the live ones.
	if err := st.Save(descriptor.NewProxy(descriptor.ProxyParams{Upstream: "DIRECT"})); err != nil {
		t.Fatalf("Save: %v", err)
	}

	if err := tr.StopAll(context.Background()); err != nil {
		t.Fatalf("StopAll: %v", err)
	}
	for _, pid := range pids {
		awaitDead(t, pid)
	}
	all, err := st.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(all) != 0 {
		t.Fatalf("registry not empty after StopAll: %d entries", len(all))
	}
}
