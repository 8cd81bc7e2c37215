// Package metrics exposes a small set of prometheus/client_golang
// gauges over the Night Scheduler's running state: queue depth,
// resource status, and budget utilization. Collected on demand by the
// start subcommand's optional /metrics HTTP endpoint rather than
// pushed, so a CLI invocation that never serves metrics never pays for
// a registry.
package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nocturnal-agent/nocturnal/internal/nocturnal"
	"github.com/nocturnal-agent/nocturnal/internal/nocturnal/cost"
	"github.com/nocturnal-agent/nocturnal/internal/nocturnal/queue"
	"github.com/nocturnal-agent/nocturnal/internal/nocturnal/resources"
)

// Sources is every subsystem a Registry samples when scraped.
type Sources struct {
	Queue     *queue.Queue
	Resources *resources.Monitor
	Cost      *cost.Tracker
}

// Registry is a prometheus.Registry wired to one Night Scheduler run.
type Registry struct {
	reg *prometheus.Registry
	src Sources

	queuePending   prometheus.Gauge
	queueRunning   prometheus.Gauge
	queueCompleted prometheus.Gauge
	queueFailed    prometheus.Gauge
	resourceStatus *prometheus.GaugeVec
	budgetUtil     prometheus.Gauge
}

// New constructs a Registry sampling src on every scrape.
func New(src Sources) *Registry {
	r := &Registry{
		reg: prometheus.NewRegistry(),
		src: src,
		queuePending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "nocturnal_queue_pending_tasks", Help: "Tasks waiting in the priority queue.",
		}),
		queueRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "nocturnal_queue_running_tasks", Help: "Tasks currently executing.",
		}),
		queueCompleted: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "nocturnal_queue_completed_tasks", Help: "Tasks completed this session.",
		}),
		queueFailed: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "nocturnal_queue_failed_tasks", Help: "Tasks failed this session.",
		}),
		resourceStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "nocturnal_resource_status", Help: "1 if the current resource status matches this label's level, 0 otherwise.",
		}, []string{"level"}),
		budgetUtil: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "nocturnal_budget_utilization_ratio", Help: "Fraction of the monthly budget spent so far.",
		}),
	}
	r.reg.MustRegister(r.queuePending, r.queueRunning, r.queueCompleted, r.queueFailed, r.resourceStatus, r.budgetUtil)
	return r
}

// Collect samples every source into the registered gauges. Call before
// each scrape; a sampling error from one source doesn't block the
// others.
func (r *Registry) Collect() {
	if r.src.Queue != nil {
		pending, running, completed, failed := r.src.Queue.Counts()
		r.queuePending.Set(float64(pending))
		r.queueRunning.Set(float64(running))
		r.queueCompleted.Set(float64(completed))
		r.queueFailed.Set(float64(failed))
	}

	if r.src.Resources != nil {
		for _, level := range []nocturnal.ResourceStatus{
			nocturnal.ResourceHealthy, nocturnal.ResourceWarning, nocturnal.ResourceCritical, nocturnal.ResourceEmergency,
		} {
			r.resourceStatus.WithLabelValues(string(level)).Set(0)
		}
		if _, status, err := r.src.Resources.Sample(context.Background()); err == nil {
			r.resourceStatus.WithLabelValues(string(status)).Set(1)
		}
	}

	if r.src.Cost != nil {
		if status, err := r.src.Cost.BudgetStatus(); err == nil && !status.MonthlyBudget.IsZero() {
			ratio, _ := status.CurrentSpend.Div(status.MonthlyBudget).Float64()
			r.budgetUtil.Set(ratio)
		}
	}
}

// Handler returns the HTTP handler to mount at /metrics, sampling
// every source on each request.
func (r *Registry) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		r.Collect()
		promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{}).ServeHTTP(w, req)
	})
}
