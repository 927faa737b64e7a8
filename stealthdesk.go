// Package stealthdesk supervises the helper processes a browser-profile
// manager depends on: local forwarding proxies and anti-detect browser
// workers. Workers run as fully detached OS processes that survive
// application restarts; a file-backed descriptor registry plus liveness
// probing keeps the two sides consistent.
package stealthdesk

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/stealthdesk/stealthdesk/internal/config"
	"github.com/stealthdesk/stealthdesk/internal/descriptor"
	"github.com/stealthdesk/stealthdesk/internal/history"
	"github.com/stealthdesk/stealthdesk/internal/metrics"
	"github.com/stealthdesk/stealthdesk/internal/supervisor"
)

// Re-export core types for external consumers. These are aliases, so
// conversions are zero-cost.

type Descriptor = descriptor.Descriptor

type Kind = descriptor.Kind

const (
	KindProxy   = descriptor.KindProxy
	KindBrowser = descriptor.KindBrowser
)

type ProxyParams = descriptor.ProxyParams

type BrowserParams = descriptor.BrowserParams

type RuntimeInfo = descriptor.RuntimeInfo

type Config = config.Config

type HistorySink = history.Sink

// Supervisor is a thin facade over internal/supervisor. It provides the only
// entry points the UI and CLI layers use.
type Supervisor struct{ inner *supervisor.Supervisor }

// New builds a supervisor with default configuration.
func New() (*Supervisor, error) { return NewWithConfig(config.Default()) }

// NewWithConfig builds a supervisor from an explicit configuration.
func NewWithConfig(cfg Config) (*Supervisor, error) {
	inner, err := supervisor.New(cfg)
	if err != nil {
		return nil, err
	}
	return &Supervisor{inner: inner}, nil
}

// LoadConfig reads a TOML configuration file; an empty path yields defaults.
func LoadConfig(path string) (*Config, error) { return config.Load(path) }

func (s *Supervisor) LaunchProxy(ctx context.Context, p ProxyParams) (*Descriptor, error) {
	return s.inner.LaunchProxy(ctx, p)
}

func (s *Supervisor) LaunchBrowser(ctx context.Context, p BrowserParams) (*Descriptor, error) {
	return s.inner.LaunchBrowser(ctx, p)
}

func (s *Supervisor) Stop(ctx context.Context, id string) (bool, error) {
	return s.inner.Stop(ctx, id)
}

func (s *Supervisor) StopAll(ctx context.Context) error { return s.inner.StopAll(ctx) }

func (s *Supervisor) List(ctx context.Context) ([]*Descriptor, error) { return s.inner.List(ctx) }

func (s *Supervisor) AddHistorySink(sink HistorySink) { s.inner.AddHistorySink(sink) }

// RunWorker runs a worker entry point in the current process. A host that
// embeds the supervisor must dispatch the re-executed `worker <kind> <id>`
// arguments of its own binary here; the stealthdesk CLI does this itself.
func (s *Supervisor) RunWorker(ctx context.Context, kind Kind, id string) error {
	return s.inner.RunWorker(ctx, kind, id)
}

func (s *Supervisor) Close() error { return s.inner.Close() }

// Metrics helpers (public facade).

func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }

func RegisterMetricsDefault() error { return metrics.Register(prometheus.DefaultRegisterer) }
