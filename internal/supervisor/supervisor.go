// Package supervisor wires the store, prober, launcher and terminator into
// the facade the rest of the application uses.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/stealthdesk/stealthdesk/internal/config"
	"github.com/stealthdesk/stealthdesk/internal/descriptor"
	"github.com/stealthdesk/stealthdesk/internal/history"
	"github.com/stealthdesk/stealthdesk/internal/history/sqlite"
	"github.com/stealthdesk/stealthdesk/internal/launcher"
	"github.com/stealthdesk/stealthdesk/internal/metrics"
	"github.com/stealthdesk/stealthdesk/internal/prober"
	"github.com/stealthdesk/stealthdesk/internal/terminator"
	"github.com/stealthdesk/stealthdesk/internal/worker"
)

type Supervisor struct {
	cfg    config.Config
	store  *descriptor.Store
	prober *prober.Prober
	launch *launcher.Launcher
	term   *terminator.Terminator
	log    *slog.Logger

	mu    sync.Mutex
	sinks []history.Sink
}

// New builds a supervisor from configuration. The optional sqlite audit sink
// is opened here when history_dsn is set.
func New(cfg config.Config) (*Supervisor, error) {
	st, err := descriptor.OpenStore(cfg.StoreDir)
	if err != nil {
		return nil, err
	}
	log := slog.Default()
	pr := prober.New(st)
	pr.Log = log
	s := &Supervisor{
		cfg:    cfg,
		store:  st,
		prober: pr,
		launch: &launcher.Launcher{
			Store:          st,
			Log:            log,
			ProxyTimeout:   cfg.Proxy.HandshakeTimeout,
			BrowserTimeout: cfg.Browser.HandshakeTimeout,
			ConfigPath:     cfg.Path,
		},
		term: &terminator.Terminator{
			Store:        st,
			Prober:       pr,
			Log:          log,
			ProxyGrace:   cfg.Proxy.StopGrace,
			BrowserGrace: cfg.Browser.StopGrace,
		},
		log: log,
	}
	if cfg.HistoryDSN != "" {
		sink, err := sqlite.New(cfg.HistoryDSN)
		if err != nil {
			log.Warn("history sink unavailable", "dsn", cfg.HistoryDSN, "error", err)
		} else {
			s.AddHistorySink(sink)
		}
	}
	return s, nil
}

// Store exposes the registry to the worker entry points, which share it with
// the supervisor side.
func (s *Supervisor) Store() *descriptor.Store { return s.store }

// AddHistorySink attaches an audit sink; sink errors are logged, never fatal.
func (s *Supervisor) AddHistorySink(sink history.Sink) {
	s.mu.Lock()
	s.sinks = append(s.sinks, sink)
	s.mu.Unlock()
}

// LaunchProxy starts a forwarding proxy worker and returns its descriptor
// once the worker has confirmed readiness.
func (s *Supervisor) LaunchProxy(ctx context.Context, params descriptor.ProxyParams) (*descriptor.Descriptor, error) {
	d, err := s.launch.Launch(ctx, descriptor.NewProxy(params))
	if err != nil {
		return nil, err
	}
	s.record(ctx, history.EventLaunch, d, "upstream="+params.Upstream)
	return d, nil
}

// LaunchBrowser starts a browser automation worker for one profile.
func (s *Supervisor) LaunchBrowser(ctx context.Context, params descriptor.BrowserParams) (*descriptor.Descriptor, error) {
	d, err := s.launch.Launch(ctx, descriptor.NewBrowser(params))
	if err != nil {
		return nil, err
	}
	s.record(ctx, history.EventLaunch, d, "profile="+d.Runtime.ProfileDir)
	return d, nil
}

// Stop drives the full termination sequence for one worker. From the
// registry's perspective it always succeeds: the descriptor is gone when Stop
// returns.
func (s *Supervisor) Stop(ctx context.Context, id string) (bool, error) {
	d, _ := s.store.Get(id)
	signaled, err := s.term.Stop(ctx, id)
	if d != nil {
		s.record(ctx, history.EventStop, d, "")
	}
	return signaled, err
}

// StopAll stops every tracked worker concurrently.
func (s *Supervisor) StopAll(ctx context.Context) error {
	all, err := s.store.List()
	if err != nil {
		return err
	}
	var wg sync.WaitGroup
	for _, d := range all {
		wg.Add(1)
		go func(d *descriptor.Descriptor) {
			defer wg.Done()
			if _, err := s.Stop(ctx, d.ID); err != nil {
				s.log.Warn("stop failed", "id", d.ID, "error", err)
			}
		}(d)
	}
	wg.Wait()
	return nil
}

// List returns the currently tracked workers; the self-healing pass deletes
// descriptors whose process no longer exists.
func (s *Supervisor) List(_ context.Context) ([]*descriptor.Descriptor, error) {
	out, err := s.prober.ListManaged()
	if err != nil {
		return nil, err
	}
	metrics.SetTracked(len(out))
	return out, nil
}

// RunWorker runs a worker entry point inside the current process. Launch
// re-executes the host binary with `worker <kind> <id>` arguments; hosts that
// embed the supervisor route that invocation here.
func (s *Supervisor) RunWorker(ctx context.Context, kind descriptor.Kind, id string) error {
	switch kind {
	case descriptor.KindProxy:
		return worker.RunProxy(ctx, s.store, s.cfg.Log, id)
	case descriptor.KindBrowser:
		opts := worker.BrowserOptions{
			ExecPath:    s.cfg.Browser.ExecPath,
			ProfileBase: s.cfg.ProfileDir,
		}
		return worker.RunBrowser(ctx, s.store, s.cfg.Log, opts, id)
	}
	return fmt.Errorf("unknown worker kind %q", kind)
}

// Close releases the audit sinks. Running workers are left alone: they are
// detached on purpose and survive the application.
func (s *Supervisor) Close() error {
	s.mu.Lock()
	sinks := s.sinks
	s.sinks = nil
	s.mu.Unlock()
	for _, sink := range sinks {
		_ = sink.Close()
	}
	return nil
}

func (s *Supervisor) record(ctx context.Context, typ history.EventType, d *descriptor.Descriptor, detail string) {
	s.mu.Lock()
	sinks := append([]history.Sink(nil), s.sinks...)
	s.mu.Unlock()
	if len(sinks) == 0 {
		return
	}
	evt := history.Event{
		Type:       typ,
		OccurredAt: time.Now().UTC(),
		WorkerID:   d.ID,
		Kind:       string(d.Kind),
		PID:        d.PID,
		Detail:     detail,
	}
	for _, sink := range sinks {
		if err := sink.Send(ctx, evt); err != nil {
			s.log.Warn("history sink write failed", "error", err)
		}
	}
}
