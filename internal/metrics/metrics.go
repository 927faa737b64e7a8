package metrics

import (
	"errors"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

// Package-level Prometheus collectors, registered via Register. Helpers no-op
// until Register succeeds so library users who never opt in pay nothing.
var (
	regOK atomic.Bool

	launches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "stealthdesk",
			Subsystem: "worker",
			Name:      "launches_total",
			Help:      "Number of successful worker launches.",
		}, []string{"kind"},
	)
	launchFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "stealthdesk",
			Subsystem: "worker",
			Name:      "launch_failures_total",
			Help:      "Number of failed worker launches.",
		}, []string{"kind", "reason"},
	)
	stops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "stealthdesk",
			Subsystem: "worker",
			Name:      "stops_total",
			Help:      "Number of stop sequences driven to completion.",
		}, []string{"kind"},
	)
	reaped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "stealthdesk",
			Subsystem: "worker",
			Name:      "reaped_total",
			Help:      "Stale descriptors removed by the self-healing listing.",
		}, []string{"kind"},
	)
	tracked = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "stealthdesk",
			Subsystem: "worker",
			Name:      "tracked",
			Help:      "Descriptors currently tracked in the registry.",
		},
	)
)

// Register registers all collectors with r. Safe to call repeatedly; an
// AlreadyRegisteredError from a shared registry is ignored.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	for _, c := range []prometheus.Collector{launches, launchFailures, stops, reaped, tracked} {
		if err := r.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

func IncLaunch(kind string) {
	if regOK.Load() {
		launches.WithLabelValues(kind).Inc()
	}
}

func IncLaunchFailure(kind, reason string) {
	if regOK.Load() {
		launchFailures.WithLabelValues(kind, reason).Inc()
	}
}

func IncStop(kind string) {
	if regOK.Load() {
		stops.WithLabelValues(kind).Inc()
	}
}

func IncReaped(kind string) {
	if regOK.Load() {
		reaped.WithLabelValues(kind).Inc()
	}
}

func SetTracked(n int) {
	if regOK.Load() {
		tracked.Set(float64(n))
	}
}
