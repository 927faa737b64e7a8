// Package terminator drives the layered shutdown sequence: cooperative
// signal, forceful kill, pattern-fallback sweep, registry cleanup. It must
// work even when the supervisor has no handle on the child: the worker is
// detached, may have outlived a previous application run, and its tracked pid
// may be a wrapper whose descendants hold the real resource.
package terminator

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/stealthdesk/stealthdesk/internal/descriptor"
	"github.com/stealthdesk/stealthdesk/internal/metrics"
	"github.com/stealthdesk/stealthdesk/internal/osproc"
	"github.com/stealthdesk/stealthdesk/internal/prober"
)

// sweepGrace is how long the pattern-fallback phase waits between its own
// cooperative and forceful rounds.
const sweepGrace = 2 * time.Second

// minSweepID is the shortest id the pattern sweep will match on. Descriptor
// ids are uuids; anything shorter risks matching unrelated processes, and an
// empty id would match every process on the host.
const minSweepID = 8

type Terminator struct {
	Store        *descriptor.Store
	Prober       *prober.Prober
	Log          *slog.Logger
	ProxyGrace   time.Duration
	BrowserGrace time.Duration
}

func (t *Terminator) log() *slog.Logger {
	if t.Log != nil {
		return t.Log
	}
	return slog.Default()
}

func (t *Terminator) grace(kind descriptor.Kind) time.Duration {
	if kind == descriptor.KindBrowser {
		if t.BrowserGrace > 0 {
			return t.BrowserGrace
		}
		return 15 * time.Second
	}
	if t.ProxyGrace > 0 {
		return t.ProxyGrace
	}
	return 5 * time.Second
}

// Stop runs all four phases for one worker. The returned bool reports whether
// anything was actually signaled; an unknown id is "already stopped", never
// an error, and the descriptor is gone when Stop returns no matter what.
func (t *Terminator) Stop(ctx context.Context, id string) (bool, error) {
	d, err := t.Store.Get(id)
	if err != nil {
		// Unknown id: nothing to signal, but still sweep in case a stale
		// process from a lost registry entry references this id.
		t.sweepByID(ctx, id)
		return false, nil
	}

	signaled := false

	// Phase 1: cooperative. Give the worker its grace window to flush and
	// close the fronted resource.
	if d.PID > 0 && t.Prober.Owns(d) {
		signaled = true
		t.log().Info("stopping worker", "id", id, "kind", d.Kind, "pid", d.PID)
		if err := osproc.Terminate(d.PID); err != nil {
			t.log().Warn("cooperative signal failed", "id", id, "pid", d.PID, "error", err)
		}
		t.awaitExit(ctx, d.PID, t.grace(d.Kind))

		// Phase 2: forceful, only if the probe still sees it.
		if osproc.Alive(d.PID) {
			t.log().Warn("worker ignored cooperative stop, killing", "id", id, "pid", d.PID)
			if err := osproc.Kill(d.PID); err != nil {
				t.log().Warn("kill failed", "id", id, "pid", d.PID, "error", err)
			}
		}
	}

	// Phase 3: pattern fallback, unconditionally. The tracked pid may be a
	// launcher shim whose children hold the socket or the browser profile.
	t.sweepByID(ctx, id)

	// Phase 4: cleanup, unconditionally. A stale-but-harmless OS process is
	// preferable to a stuck registry entry.
	if err := t.Store.Delete(id); err != nil {
		t.log().Warn("failed to delete descriptor", "id", id, "error", err)
	}
	metrics.IncStop(string(d.Kind))
	return signaled, nil
}

// StopAll stops every listed worker concurrently; one worker's failure never
// blocks or fails another's.
func (t *Terminator) StopAll(ctx context.Context) error {
	all, err := t.Store.List()
	if err != nil {
		return err
	}
	var wg sync.WaitGroup
	for _, d := range all {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			if _, err := t.Stop(ctx, id); err != nil {
				t.log().Warn("stop failed", "id", id, "error", err)
			}
		}(d.ID)
	}
	wg.Wait()
	return nil
}

// awaitExit polls until the pid is gone, the grace window lapses, or ctx is
// done. Stop itself is not cancellable past this point; phases 3 and 4 always
// run.
func (t *Terminator) awaitExit(ctx context.Context, pid int, grace time.Duration) {
	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) {
		if !osproc.Alive(pid) {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(100 * time.Millisecond):
		}
	}
}

// sweepByID terminates every process whose command line mentions the worker
// id: first cooperatively, then, after a short wait, forcefully. Best-effort;
// an intermediate shim that strips the id from its children defeats it.
func (t *Terminator) sweepByID(ctx context.Context, id string) {
	if len(id) < minSweepID {
		t.log().Warn("refusing pattern sweep for implausibly short id", "id", id)
		return
	}
	pids, err := osproc.FindByCmdline(ctx, id)
	if err != nil {
		t.log().Warn("pattern sweep failed", "id", id, "error", err)
		return
	}
	if len(pids) == 0 {
		return
	}
	t.log().Info("pattern sweep", "id", id, "pids", pids)
	for _, pid := range pids {
		_ = osproc.Terminate(pid)
	}
	deadline := time.Now().Add(sweepGrace)
	for time.Now().Before(deadline) {
		alive := false
		for _, pid := range pids {
			if osproc.Alive(pid) {
				alive = true
				break
			}
		}
		if !alive {
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
	for _, pid := range pids {
		if osproc.Alive(pid) {
			_ = osproc.Kill(pid)
		}
	}
}
