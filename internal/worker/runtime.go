// Package worker is the code a spawned child runs immediately on startup.
// Every worker follows the same three-phase contract: resolve its descriptor,
// bind the fronted resource and report readiness over the handshake, then
// serve until it is told to stop.
package worker

import (
	"context"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	"github.com/stealthdesk/stealthdesk/internal/descriptor"
	"github.com/stealthdesk/stealthdesk/internal/handshake"
	"github.com/stealthdesk/stealthdesk/internal/logger"
	"github.com/stealthdesk/stealthdesk/internal/osproc"
)

// Phase is the worker state machine:
// Resolving -> Reporting -> Serving -> ShuttingDown -> Exited,
// with Failed terminal from Resolving or Reporting.
type Phase int32

const (
	PhaseResolving Phase = iota
	PhaseReporting
	PhaseServing
	PhaseShuttingDown
	PhaseExited
	PhaseFailed
)

func (p Phase) String() string {
	switch p {
	case PhaseResolving:
		return "resolving"
	case PhaseReporting:
		return "reporting"
	case PhaseServing:
		return "serving"
	case PhaseShuttingDown:
		return "shutting-down"
	case PhaseExited:
		return "exited"
	case PhaseFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Runtime carries the pieces shared by all worker kinds. Its logger writes to
// a rotating file: stdout belongs to the handshake and the process has no
// terminal.
type Runtime struct {
	ID    string
	Store *descriptor.Store
	Log   *slog.Logger

	phase     atomic.Int32
	logCloser io.Closer

	// Handshake endpoints. In a spawned worker these are the real stdio
	// pipes; in-process tests substitute buffers and a no-op redirect.
	out       io.Writer
	errOut    io.Writer
	dropStdio func()
}

func NewRuntime(id string, st *descriptor.Store, logCfg logger.Config) *Runtime {
	log, closer := logCfg.WorkerLogger(id)
	return &Runtime{
		ID:        id,
		Store:     st,
		Log:       log,
		logCloser: closer,
		out:       os.Stdout,
		errOut:    os.Stderr,
		dropStdio: osproc.RedirectStdioToNull,
	}
}

func (r *Runtime) Close() {
	if r.logCloser != nil {
		_ = r.logCloser.Close()
	}
}

func (r *Runtime) Phase() Phase { return Phase(r.phase.Load()) }

func (r *Runtime) setPhase(p Phase) {
	old := Phase(r.phase.Swap(int32(p)))
	if old != p {
		r.Log.Debug("phase transition", "from", old.String(), "to", p.String())
	}
}

// Resolve loads the descriptor named by the worker's only argument. A missing
// descriptor is a handshake failure: the line goes to stderr and the caller
// exits non-zero.
func (r *Runtime) Resolve() (*descriptor.Descriptor, error) {
	r.setPhase(PhaseResolving)
	d, err := r.Store.Get(r.ID)
	if err != nil {
		r.Fail("descriptor missing", err)
		return nil, err
	}
	return d, nil
}

// Report records this process's identity and runtime facts in the store and
// emits the single readiness line on stdout. From that line on the worker
// counts as ready; failures in deeper initialization are logged, not fatal.
// The handshake pipes are dropped afterwards so the worker survives the
// supervisor closing its end.
func (r *Runtime) Report(d *descriptor.Descriptor, info descriptor.RuntimeInfo) error {
	r.setPhase(PhaseReporting)
	pid := os.Getpid()
	d.PID = pid
	d.StartUnix = osproc.StartUnix(pid)
	d.Runtime = info
	if err := r.Store.Update(d); err != nil {
		// Concurrently deleted means the launch was abandoned; stop here.
		r.Fail("descriptor deleted during startup", err)
		return err
	}
	err := handshake.WriteSuccess(r.out, handshake.Success{
		ID:          d.ID,
		PID:         pid,
		StartUnix:   d.StartUnix,
		Port:        info.Port,
		Endpoint:    info.Endpoint,
		ProfileDir:  info.ProfileDir,
		DevToolsURL: info.DevToolsURL,
	})
	r.dropStdio()
	if err != nil {
		return err
	}
	r.Log.Info("worker ready", "kind", d.Kind, "pid", pid, "port", info.Port)
	return nil
}

// Fail emits a failure record on stderr and marks the runtime failed. Safe to
// call only before Report.
func (r *Runtime) Fail(reason string, err error) {
	r.setPhase(PhaseFailed)
	r.Log.Error("worker failed to start", "reason", reason, "error", err)
	_ = handshake.WriteFailure(r.errOut, r.ID, reason, err)
}

// Serve blocks until a cooperative signal arrives, ctx is cancelled, or the
// underlying library disconnects (done fires), then runs shutdown exactly
// once. Every exit path is logged so a worker never dies silently.
func (r *Runtime) Serve(ctx context.Context, done <-chan error, shutdown func()) {
	r.setPhase(PhaseServing)
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		r.Log.Info("asked to stop", "signal", sig.String())
	case <-ctx.Done():
		r.Log.Info("asked to stop", "reason", "context cancelled")
	case err := <-done:
		if err != nil {
			r.Log.Error("backing resource disconnected", "error", err)
		} else {
			r.Log.Info("backing resource closed")
		}
	}

	r.setPhase(PhaseShuttingDown)
	shutdown()
	r.setPhase(PhaseExited)
	r.Log.Info("worker exited cleanly")
}
