// Package launcher creates descriptors, spawns detached worker processes and
// drives the startup handshake.
package launcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/stealthdesk/stealthdesk/internal/descriptor"
	"github.com/stealthdesk/stealthdesk/internal/handshake"
	"github.com/stealthdesk/stealthdesk/internal/metrics"
	"github.com/stealthdesk/stealthdesk/internal/osproc"
)

var (
	// ErrConfiguration marks invalid launch parameters; never retried.
	ErrConfiguration = errors.New("invalid launch configuration")
	// ErrHandshakeTimeout marks a child that stayed silent past the bound.
	ErrHandshakeTimeout = errors.New("worker handshake timed out")
	// ErrHandshakeFailure marks a child that explicitly reported an error.
	ErrHandshakeFailure = errors.New("worker reported startup failure")
	// ErrExitedEarly marks a child that exited before any handshake record.
	ErrExitedEarly = errors.New("worker exited without confirmation")
)

// Launcher spawns one worker per Launch call. Launches are independent: no
// global lock, each handshake keyed by its own descriptor id, so interleaved
// output from concurrent launches cannot cross-contaminate outcomes.
type Launcher struct {
	Store          *descriptor.Store
	Log            *slog.Logger
	ProxyTimeout   time.Duration
	BrowserTimeout time.Duration

	// ConfigPath, when set, is forwarded to self-executed workers so both
	// sides resolve the same registry and log directories.
	ConfigPath string

	// CommandFor builds the worker command for a kind/id pair. The default
	// re-executes the current binary with the hidden worker subcommand.
	// Tests substitute scripted children here.
	CommandFor func(kind descriptor.Kind, id string) (*exec.Cmd, error)
}

// selfCommand is the default CommandFor: `<this binary> worker <kind> <id>`.
// Only the id travels on the command line; the worker re-reads its parameters
// from the store, which both avoids argument-encoding limits and keeps the id
// visible to the pattern-fallback kill.
func (l *Launcher) selfCommand(kind descriptor.Kind, id string) (*exec.Cmd, error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("locate executable: %w", err)
	}
	args := []string{"worker", string(kind), id}
	if l.ConfigPath != "" {
		args = append(args, "--config", l.ConfigPath)
	}
	// #nosec G204 -- re-executing ourselves with a fixed argument shape
	return exec.Command(exe, args...), nil
}

func (l *Launcher) timeout(kind descriptor.Kind) time.Duration {
	if kind == descriptor.KindBrowser {
		if l.BrowserTimeout > 0 {
			return l.BrowserTimeout
		}
		return 60 * time.Second
	}
	if l.ProxyTimeout > 0 {
		return l.ProxyTimeout
	}
	return 15 * time.Second
}

// Launch persists the pending descriptor, spawns the worker and waits for its
// handshake. On success the returned descriptor carries the reported pid and
// runtime facts and the child keeps running detached. On any failure the
// descriptor is removed and no child survives.
func (l *Launcher) Launch(ctx context.Context, d *descriptor.Descriptor) (*descriptor.Descriptor, error) {
	if err := d.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfiguration, err)
	}

	// Persist before spawning so a crash mid-spawn still leaves an auditable,
	// reapable record instead of a silent leak.
	if err := l.Store.Save(d); err != nil {
		return nil, fmt.Errorf("persist pending descriptor: %w", err)
	}

	res, err := l.spawnAndConfirm(ctx, d)
	if err != nil {
		// Full unwind: no partial descriptor left behind.
		_ = l.Store.Delete(d.ID)
		metrics.IncLaunchFailure(string(d.Kind), failureReason(err))
		return nil, err
	}

	d.PID = res.PID
	d.StartUnix = res.StartUnix
	if d.StartUnix == 0 {
		d.StartUnix = osproc.StartUnix(d.PID)
	}
	d.Runtime = descriptor.RuntimeInfo{
		Port:        res.Port,
		Endpoint:    res.Endpoint,
		ProfileDir:  res.ProfileDir,
		DevToolsURL: res.DevToolsURL,
	}
	if err := l.Store.Save(d); err != nil {
		l.log().Warn("launched worker but failed to persist descriptor", "id", d.ID, "error", err)
	}
	metrics.IncLaunch(string(d.Kind))
	l.log().Info("worker launched", "id", d.ID, "kind", d.Kind, "pid", d.PID)
	return d, nil
}

func (l *Launcher) spawnAndConfirm(ctx context.Context, d *descriptor.Descriptor) (*handshake.Success, error) {
	commandFor := l.CommandFor
	if commandFor == nil {
		commandFor = l.selfCommand
	}
	cmd, err := commandFor(d.Kind, d.ID)
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, err
	}
	osproc.SetDetachedAttrs(cmd)

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("spawn worker: %w", err)
	}
	pid := cmd.Process.Pid

	// One scanner per stream; records with foreign ids are dropped inside
	// Scan, so concurrent launches never see each other's lines.
	msgs := make(chan handshake.Message, 1)
	var scanners sync.WaitGroup
	scanners.Add(2)
	go func() {
		defer scanners.Done()
		handshake.Scan(stdout, d.ID, msgs)
	}()
	go func() {
		defer scanners.Done()
		handshake.Scan(stderr, d.ID, msgs)
	}()

	// Both streams at EOF means the child is gone (or closed its stdio).
	// Waiting for the scanners first guarantees a failure record written just
	// before exit is never lost to the exit race. The cmd.Wait afterwards
	// reaps the child whenever it eventually exits.
	exited := make(chan error, 1)
	go func() {
		scanners.Wait()
		exited <- cmd.Wait()
	}()

	timer := time.NewTimer(l.timeout(d.Kind))
	defer timer.Stop()

	select {
	case m := <-msgs:
		if m.Failure != nil {
			l.killAndReap(pid, exited)
			return nil, fmt.Errorf("%w: %s", ErrHandshakeFailure, m.Failure.Message)
		}
		return m.Success, nil
	case err := <-exited:
		// Streams were drained before Wait; a last-gasp record has priority.
		select {
		case m := <-msgs:
			if m.Success != nil {
				return m.Success, nil
			}
			return nil, fmt.Errorf("%w: %s", ErrHandshakeFailure, m.Failure.Message)
		default:
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrExitedEarly, err)
		}
		return nil, ErrExitedEarly
	case <-timer.C:
		l.killAndReap(pid, exited)
		return nil, fmt.Errorf("%w after %s", ErrHandshakeTimeout, l.timeout(d.Kind))
	case <-ctx.Done():
		l.killAndReap(pid, exited)
		return nil, ctx.Err()
	}
}

// killAndReap force-kills a child we gave up on and waits briefly for the
// exit so no zombie lingers while the supervisor lives.
func (l *Launcher) killAndReap(pid int, exited <-chan error) {
	_ = osproc.Kill(pid)
	select {
	case <-exited:
	case <-time.After(2 * time.Second):
		l.log().Warn("worker did not exit after kill", "pid", pid)
	}
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, ErrConfiguration):
		return "configuration"
	case errors.Is(err, ErrHandshakeTimeout):
		return "timeout"
	case errors.Is(err, ErrHandshakeFailure):
		return "handshake"
	case errors.Is(err, ErrExitedEarly):
		return "exited"
	default:
		return "other"
	}
}

func (l *Launcher) log() *slog.Logger {
	if l.Log != nil {
		return l.Log
	}
	return slog.Default()
}
