// Package metrics holds the Prometheus collectors exported by schedkit.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"schedkit/internal/pool"
)

const namespace = "schedkit"

// Scheduler groups the collectors updated by the scheduler service.
// A nil *Scheduler is valid and records nothing.
type Scheduler struct {
	JobRuns        *prometheus.CounterVec
	JobRunDuration *prometheus.HistogramVec
	JobsRegistered prometheus.Gauge
	JobsSuspended  prometheus.Gauge
	ContextWait    prometheus.Histogram
	CancelTimeouts prometheus.Counter
	CatchUpSkipped *prometheus.CounterVec
}

func NewScheduler() *Scheduler {
	return &Scheduler{
		JobRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_runs_total",
			Help:      "Completed job executions, by job and outcome.",
		}, []string{"job", "outcome"}),
		JobRunDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_run_duration_seconds",
			Help:      "Duration of job executions.",
			Buckets:   []float64{.005, .01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 300},
		}, []string{"job"}),
		JobsRegistered: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "jobs_registered",
			Help:      "Number of jobs currently registered.",
		}),
		JobsSuspended: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "jobs_suspended",
			Help:      "Number of registered jobs that are paused.",
		}),
		ContextWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "context_acquire_wait_seconds",
			Help:      "Time jobs waited for a pooled execution context.",
			Buckets:   []float64{.001, .005, .025, .1, .25, 1, 5, 30},
		}),
		CancelTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cancel_timeouts_total",
			Help:      "Cancellations whose job loop did not exit within the grace period.",
		}),
		CatchUpSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "interval_slots_skipped_total",
			Help:      "Interval slots skipped because they were already in the past.",
		}, []string{"job"}),
	}
}

func (m *Scheduler) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.JobRuns, m.JobRunDuration, m.JobsRegistered, m.JobsSuspended,
		m.ContextWait, m.CancelTimeouts, m.CatchUpSkipped,
	}
}

func (m *Scheduler) ObserveRun(job, outcome string, took time.Duration) {
	if m == nil {
		return
	}
	m.JobRuns.WithLabelValues(job, outcome).Inc()
	m.JobRunDuration.WithLabelValues(job).Observe(took.Seconds())
}

func (m *Scheduler) ObserveContextWait(took time.Duration) {
	if m == nil {
		return
	}
	m.ContextWait.Observe(took.Seconds())
}

func (m *Scheduler) AddRegistered(delta float64) {
	if m == nil {
		return
	}
	m.JobsRegistered.Add(delta)
}

func (m *Scheduler) AddSuspended(delta float64) {
	if m == nil {
		return
	}
	m.JobsSuspended.Add(delta)
}

func (m *Scheduler) IncCancelTimeout() {
	if m == nil {
		return
	}
	m.CancelTimeouts.Inc()
}

func (m *Scheduler) AddSkipped(job string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.CatchUpSkipped.WithLabelValues(job).Add(float64(n))
}

// Forget drops per-job series once a job is cancelled.
func (m *Scheduler) Forget(job string) {
	if m == nil {
		return
	}
	m.JobRuns.DeletePartialMatch(prometheus.Labels{"job": job})
	m.JobRunDuration.DeleteLabelValues(job)
	m.CatchUpSkipped.DeleteLabelValues(job)
}

// PoolCollectors exposes pool sizing as gauges read on scrape.
func PoolCollectors(stats func() pool.Stats) []prometheus.Collector {
	gauge := func(name, help string, v func(pool.Stats) float64) prometheus.Collector {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      name,
			Help:      help,
		}, func() float64 { return v(stats()) })
	}
	return []prometheus.Collector{
		gauge("live_contexts", "Execution contexts created (idle + in use).", func(s pool.Stats) float64 { return float64(s.Live) }),
		gauge("idle_contexts", "Execution contexts waiting in the idle stash.", func(s pool.Stats) float64 { return float64(s.Idle) }),
		gauge("max_contexts", "Configured maximum number of execution contexts.", func(s pool.Stats) float64 { return float64(s.Max) }),
	}
}

// Registry is a private registry so tests and multiple apps in one process do not
// collide on the default registerer.
type Registry struct {
	reg *prometheus.Registry
}

func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return &Registry{reg: reg}
}

func (r *Registry) MustRegister(cs ...prometheus.Collector) { r.reg.MustRegister(cs...) }

func (r *Registry) RegisterScheduler(m *Scheduler) { r.reg.MustRegister(m.collectors()...) }

func (r *Registry) Gatherer() prometheus.Gatherer { return r.reg }

func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{Registry: r.reg})
}
