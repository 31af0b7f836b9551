// Package metrics exposes job and process activity to Prometheus. The
// collectors are fed from the event bus so producers stay unaware of them.
package metrics

import (
	"context"
	"errors"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"naspanel/internal/eventbus"
	logx "naspanel/pkg/logx"
)

const namespace = "naspanel"

type Metrics struct {
	gatherer prometheus.Gatherer

	jobRuns     *prometheus.CounterVec
	jobDuration *prometheus.HistogramVec
	jobSkips    *prometheus.CounterVec
	processes   prometheus.Gauge
	busDropped  prometheus.CounterFunc
}

// MustNew registers the collectors with reg, reusing collectors that are
// already registered. A nil reg uses a fresh registry.
func MustNew(reg *prometheus.Registry, bus eventbus.Bus) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	m := &Metrics{
		gatherer: reg,
		jobRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_runs_total",
			Help:      "Finished job runs by result.",
		}, []string{"job", "result"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_run_duration_seconds",
			Help:      "Duration of job runs.",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900, 3600},
		}, []string{"job"}),
		jobSkips: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_skips_total",
			Help:      "Firings dropped because the previous run was still in progress.",
		}, []string{"job"}),
		processes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_processes",
			Help:      "Tracked install processes currently running.",
		}),
	}
	collectors := []prometheus.Collector{m.jobRuns, m.jobDuration, m.jobSkips, m.processes}
	if bus != nil {
		m.busDropped = prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "event_bus_dropped_total",
			Help:      "Events dropped because a subscriber was full.",
		}, func() float64 { return float64(bus.Dropped()) })
		collectors = append(collectors, m.busDropped)
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			var already prometheus.AlreadyRegisteredError
			if !errors.As(err, &already) {
				panic(err)
			}
			switch existing := already.ExistingCollector.(type) {
			case *prometheus.CounterVec:
				switch c {
				case m.jobRuns:
					m.jobRuns = existing
				case m.jobSkips:
					m.jobSkips = existing
				}
			case *prometheus.HistogramVec:
				m.jobDuration = existing
			case prometheus.Gauge:
				m.processes = existing
			}
		}
	}
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// Observe updates the collectors for one event.
func (m *Metrics) Observe(ev eventbus.Event) {
	switch ev.Type {
	case eventbus.JobFinished, eventbus.JobFailed:
		run, ok := ev.Data.(eventbus.JobRun)
		if !ok {
			return
		}
		result := "ok"
		if ev.Type == eventbus.JobFailed {
			result = "failed"
		}
		m.jobRuns.WithLabelValues(run.JobID, result).Inc()
		m.jobDuration.WithLabelValues(run.JobID).Observe(run.Duration.Seconds())
	case eventbus.JobSkipped:
		if run, ok := ev.Data.(eventbus.JobRun); ok {
			m.jobSkips.WithLabelValues(run.JobID).Inc()
		}
	case eventbus.ProcessStarted:
		m.processes.Inc()
	case eventbus.ProcessFinished:
		m.processes.Dec()
	}
}

// Run feeds the collectors from bus until ctx ends.
func (m *Metrics) Run(ctx context.Context, bus eventbus.Bus, log logx.Logger) error {
	ch, unsub := bus.Subscribe(256, "job.", "process.")
	defer unsub()
	log.Debug("metrics subscriber started")
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			m.Observe(ev)
		}
	}
}
