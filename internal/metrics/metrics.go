package metrics

import (
	"net/http"
	"time"

	"fogsched/internal/core"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "fogsched"

var states = []core.State{core.StateIdle, core.StateRunning, core.StateStopping}

// Metrics records controller activity. It implements core.Observer.
type Metrics struct {
	registry *prometheus.Registry

	ticks        prometheus.Counter
	ticksSkipped prometheus.Counter
	tickFaults   prometheus.Counter
	runsStarted  prometheus.Counter
	runsFinished *prometheus.CounterVec
	runDuration  prometheus.Histogram
	state        *prometheus.GaugeVec
	want         prometheus.Gauge
	enabled      prometheus.Gauge
	windows      prometheus.Gauge
}

// New registers the collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Metrics{
		registry: reg,
		ticks: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ticks_total",
			Help:      "Schedule evaluations performed.",
		}),
		ticksSkipped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ticks_skipped_total",
			Help:      "Ticks skipped because the previous one was still running.",
		}),
		tickFaults: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tick_faults_total",
			Help:      "Ticks aborted by an internal fault.",
		}),
		runsStarted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_started_total",
			Help:      "Fog task runs started.",
		}),
		runsFinished: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_finished_total",
			Help:      "Fog task runs finished, by outcome.",
		}, []string{"outcome"}),
		runDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Wall time of finished fog task runs.",
			Buckets:   prometheus.ExponentialBuckets(60, 2, 10),
		}),
		state: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "controller_state",
			Help:      "1 for the controller's current state.",
		}, []string{"state"}),
		want: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "should_run",
			Help:      "Result of the last schedule evaluation.",
		}),
		enabled: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "config_enabled",
			Help:      "Whether the schedule is enabled.",
		}),
		windows: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "config_windows",
			Help:      "Number of configured time windows.",
		}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) TickEvaluated(want bool, state core.State) {
	m.ticks.Inc()
	m.want.Set(boolToFloat(want))
	for _, s := range states {
		m.state.WithLabelValues(string(s)).Set(boolToFloat(s == state))
	}
}

func (m *Metrics) TickSkipped() { m.ticksSkipped.Inc() }

func (m *Metrics) TickFailed() { m.tickFaults.Inc() }

func (m *Metrics) RunStarted() { m.runsStarted.Inc() }

func (m *Metrics) RunFinished(outcome core.Outcome, duration time.Duration) {
	m.runsFinished.WithLabelValues(string(outcome)).Inc()
	m.runDuration.Observe(duration.Seconds())
}

func (m *Metrics) ConfigChanged(cfg core.Config) {
	m.enabled.Set(boolToFloat(cfg.Enabled))
	m.windows.Set(float64(len(cfg.Windows)))
}

func boolToFloat(v bool) float64 {
	if v {
		return 1
	}
	return 0
}

var _ core.Observer = (*Metrics)(nil)
