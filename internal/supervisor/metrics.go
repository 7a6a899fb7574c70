package supervisor

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ilocn/warden/internal/protocol"
	"github.com/ilocn/warden/internal/task"
)

// Metrics exposes Prometheus collectors describing supervisor activity. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	tasks         *prometheus.GaugeVec
	events        *prometheus.CounterVec
	requestErrors *prometheus.CounterVec
	relayFaults   prometheus.Counter
	runDuration   *prometheus.HistogramVec
}

var (
	defaultMetricsOnce sync.Once
	sharedMetrics      *Metrics
)

// DefaultMetrics returns metrics registered with the global Prometheus
// registry, created once per process.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		sharedMetrics = MustNewMetrics(prometheus.DefaultRegisterer)
	})
	return sharedMetrics
}

// MustNewMetrics registers the supervisor collectors with reg and panics on
// a registration conflict. Tests pass a fresh prometheus.NewRegistry().
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		tasks: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "warden",
			Subsystem: "supervisor",
			Name:      "tasks",
			Help:      "Number of task records by status.",
		}, []string{"status"}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "warden",
			Subsystem: "supervisor",
			Name:      "events_total",
			Help:      "Status events published, by kind.",
		}, []string{"kind"}),
		requestErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "warden",
			Subsystem: "supervisor",
			Name:      "request_errors_total",
			Help:      "Control requests rejected, by request kind.",
		}, []string{"request"}),
		relayFaults: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "warden",
			Subsystem: "supervisor",
			Name:      "relay_faults_total",
			Help:      "Faults recovered inside the control loop.",
		}),
		runDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "warden",
			Subsystem: "supervisor",
			Name:      "run_duration_seconds",
			Help:      "Wall time from unit start to terminal status, by outcome.",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 30, 60, 300},
		}, []string{"outcome"}),
	}
	reg.MustRegister(m.tasks, m.events, m.requestErrors, m.relayFaults, m.runDuration)
	return m
}

func (m *Metrics) setTaskCounts(counts map[task.Status]int) {
	if m == nil {
		return
	}
	for _, st := range task.AllStatuses() {
		m.tasks.WithLabelValues(string(st)).Set(float64(counts[st]))
	}
}

func (m *Metrics) event(ev protocol.Event) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(string(ev.Kind())).Inc()
}

func (m *Metrics) requestError(kind protocol.Kind) {
	if m == nil {
		return
	}
	m.requestErrors.WithLabelValues(string(kind)).Inc()
}

func (m *Metrics) relayFault() {
	if m == nil {
		return
	}
	m.relayFaults.Inc()
}

func (m *Metrics) observeRun(outcome task.Status, d time.Duration) {
	if m == nil {
		return
	}
	m.runDuration.WithLabelValues(string(outcome)).Observe(d.Seconds())
}
