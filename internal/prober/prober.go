// Package prober answers "is this worker still alive" and keeps the registry
// honest: listing deletes descriptors whose process no longer exists.
package prober

import (
	"log/slog"
	"time"

	"github.com/stealthdesk/stealthdesk/internal/descriptor"
	"github.com/stealthdesk/stealthdesk/internal/metrics"
	"github.com/stealthdesk/stealthdesk/internal/osproc"
)

// DefaultPendingGrace bounds how long a descriptor may sit without a pid
// before listing reaps it. Covers a launcher that crashed mid-spawn.
const DefaultPendingGrace = 5 * time.Minute

type Prober struct {
	Store        *descriptor.Store
	PendingGrace time.Duration
	Log          *slog.Logger
}

func New(st *descriptor.Store) *Prober {
	return &Prober{Store: st, PendingGrace: DefaultPendingGrace, Log: slog.Default()}
}

// IsRunning is a zero-effect existence probe against the OS process table.
// A true result proves existence, not identity.
func (p *Prober) IsRunning(pid int) bool { return osproc.Alive(pid) }

// Owns reports whether the descriptor's pid is alive and, when a start time
// was recorded at handshake, that the pid has not been reused by an unrelated
// process since.
func (p *Prober) Owns(d *descriptor.Descriptor) bool {
	if d.PID <= 0 || !osproc.Alive(d.PID) {
		return false
	}
	if d.StartUnix > 0 {
		if cur := osproc.StartUnix(d.PID); cur > 0 && cur != d.StartUnix {
			return false
		}
	}
	return true
}

// ListManaged combines the store with the liveness probe. Descriptors whose
// process is gone, and pending descriptors past the grace window, are deleted
// on the way out, so listing is self-cleaning and ProcessGone never surfaces
// as an error.
func (p *Prober) ListManaged() ([]*descriptor.Descriptor, error) {
	all, err := p.Store.List()
	if err != nil {
		return nil, err
	}
	grace := p.PendingGrace
	if grace <= 0 {
		grace = DefaultPendingGrace
	}
	var out []*descriptor.Descriptor
	for _, d := range all {
		if d.PID <= 0 {
			if time.Since(d.CreatedAt) > grace {
				p.reap(d, "pending past grace")
			} else {
				out = append(out, d)
			}
			continue
		}
		if !p.Owns(d) {
			p.reap(d, "process gone")
			continue
		}
		out = append(out, d)
	}
	return out, nil
}

func (p *Prober) reap(d *descriptor.Descriptor, reason string) {
	if err := p.Store.Delete(d.ID); err != nil {
		p.log().Warn("failed to reap descriptor", "id", d.ID, "error", err)
		return
	}
	metrics.IncReaped(string(d.Kind))
	p.log().Info("reaped stale descriptor", "id", d.ID, "kind", d.Kind, "pid", d.PID, "reason", reason)
}

func (p *Prober) log() *slog.Logger {
	if p.Log != nil {
		return p.Log
	}
	return slog.Default()
}
