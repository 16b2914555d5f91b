package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Event names. Each one is exported as a label value of
// pstreamer_relay_events_total.
const (
	SessionCreated      = "session_created"
	SessionDestroyed    = "session_destroyed"
	SessionReaped       = "session_reaped"
	SessionCreateFailed = "session_create_failed"
	TooManySessions     = "too_many_sessions"
	PortsExhausted      = "ports_exhausted"

	PacketsRelayed       = "packets_relayed"
	PacketsNotRTP        = "packets_not_rtp"
	PacketsRateLimited   = "packets_rate_limited"
	ViewerAttached       = "viewer_attached"
	ViewerDetached       = "viewer_detached"
	ViewerQueueDrops     = "viewer_queue_drops"
	GatewayErrors        = "gateway_errors"
	TaskRuns             = "task_runs"
	ChannelRowSkipped    = "channel_row_skipped"
	LoopEventPanics      = "loop_event_panics"
	DescriptorReadFailed = "descriptor_read_failed"
)

// Metrics is a concurrency-safe counter registry mirrored into a private
// Prometheus registry.
//
// Inc/Add/Get keep working without a scraper so enforcement logic stays
// testable; Handler exposes the same values for scraping.
type Metrics struct {
	mu sync.Mutex
	m  map[string]uint64

	reg    *prometheus.Registry
	events *prometheus.CounterVec

	ActiveSessions prometheus.Gauge
	Descriptors    prometheus.Gauge
	Tasks          prometheus.Gauge
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		m:   make(map[string]uint64),
		reg: reg,
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pstreamer_relay_events_total",
			Help: "Internal event counters.",
		}, []string{"event"}),
		ActiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pstreamer_relay_active_sessions",
			Help: "Number of live relay sessions.",
		}),
		Descriptors: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pstreamer_relay_registered_descriptors",
			Help: "Number of I/O descriptors registered with the event loop.",
		}),
		Tasks: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pstreamer_relay_scheduled_tasks",
			Help: "Number of periodic tasks known to the scheduler.",
		}),
	}
	reg.MustRegister(m.events, m.ActiveSessions, m.Descriptors, m.Tasks)
	return m
}

func (m *Metrics) Inc(name string) {
	m.Add(name, 1)
}

func (m *Metrics) Add(name string, n uint64) {
	m.mu.Lock()
	m.m[name] += n
	m.mu.Unlock()
	m.events.WithLabelValues(name).Add(float64(n))
}

func (m *Metrics) Get(name string) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m[name]
}

func (m *Metrics) Snapshot() map[string]uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]uint64, len(m.m))
	for k, v := range m.m {
		out[k] = v
	}
	return out
}

// Registry returns the Prometheus registry backing m.
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }
