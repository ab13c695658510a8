package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "cranker"

// Metrics holds every collector the service exports. Each instance owns its registry so tests
// can build as many as they like.
type Metrics struct {
	registry *prometheus.Registry

	Cycles            *prometheus.CounterVec
	Operations        *prometheus.CounterVec
	Errors            *prometheus.CounterVec
	StageDuration     *prometheus.HistogramVec
	State             *prometheus.GaugeVec
	EpochProgress     prometheus.Gauge
	Epoch             prometheus.Gauge
	LastCompleted     prometheus.Gauge
	AvailableStake    prometheus.Gauge
	EligibleCount     prometheus.Gauge
	DirectedStake     prometheus.Gauge
	PoolStake         prometheus.Gauge
	PoolReserve       prometheus.Gauge
	ManagedValidators prometheus.Gauge
}

// New registers the collectors, plus Go runtime and process collectors, under the "cranker"
// namespace. cluster is attached to every series as a constant label.
func New(cluster string) *Metrics {
	reg := prometheus.NewRegistry()
	labels := prometheus.Labels{"cluster": cluster}

	m := &Metrics{
		registry: reg,
		Cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "cycles_total", ConstLabels: labels,
			Help: "Crank cycles by result (completed, partial, deferred, aborted, skipped, dry_run).",
		}, []string{"result"}),
		Operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "operations_total", ConstLabels: labels,
			Help: "Stake operations by final state and kind.",
		}, []string{"state", "kind"}),
		Errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "errors_total", ConstLabels: labels,
			Help: "Errors by stage and class.",
		}, []string{"stage", "class"}),
		StageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "stage_duration_seconds", ConstLabels: labels,
			Help:    "Time spent per orchestrator stage.",
			Buckets: []float64{0.05, 0.1, 0.5, 1, 5, 15, 30, 60, 120, 300},
		}, []string{"stage"}),
		State: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "state", ConstLabels: labels,
			Help: "1 for the orchestrator's current state, 0 otherwise.",
		}, []string{"state"}),
		EpochProgress: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "epoch_progress_ratio", ConstLabels: labels,
			Help: "Elapsed fraction of the current epoch.",
		}),
		Epoch: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "epoch", ConstLabels: labels,
			Help: "Current chain epoch.",
		}),
		LastCompleted: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "last_completed_epoch", ConstLabels: labels,
			Help: "Last epoch marked complete.",
		}),
		AvailableStake: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "available_delegation_lamports", ConstLabels: labels,
			Help: "Stake available for standard delegation in the last plan.",
		}),
		EligibleCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "eligible_validators", ConstLabels: labels,
			Help: "Eligible validators in the last plan.",
		}),
		DirectedStake: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "directed_stake_lamports", ConstLabels: labels,
			Help: "Directed stake in the last plan.",
		}),
		PoolStake: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "pool_total_lamports", ConstLabels: labels,
			Help: "Total lamports managed by the pool.",
		}),
		PoolReserve: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "pool_reserve_lamports", ConstLabels: labels,
			Help: "Undelegated lamports in the pool reserve.",
		}),
		ManagedValidators: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "pool_validators", ConstLabels: labels,
			Help: "Validators the pool currently stakes to.",
		}),
	}

	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.Cycles, m.Operations, m.Errors, m.StageDuration, m.State,
		m.EpochProgress, m.Epoch, m.LastCompleted,
		m.AvailableStake, m.EligibleCount, m.DirectedStake,
		m.PoolStake, m.PoolReserve, m.ManagedValidators,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// SetState flips the state gauge to current.
func (m *Metrics) SetState(current string, all []string) {
	for _, s := range all {
		v := 0.0
		if s == current {
			v = 1
		}
		m.State.WithLabelValues(s).Set(v)
	}
}

// ObserveStage records how long a stage took.
func (m *Metrics) ObserveStage(stage string, started time.Time) {
	m.StageDuration.WithLabelValues(stage).Observe(time.Since(started).Seconds())
}
