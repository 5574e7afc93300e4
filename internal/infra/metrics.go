package infra

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics collects process counters. Registered once at startup; components
// count silently-handled errors here per the error policy.
type Metrics struct {
	EventsProcessed      *prometheus.CounterVec // stream events by market+type
	DiffsDropped         *prometheus.CounterVec // stale diffs by market
	SequencingViolations *prometheus.CounterVec
	BufferOverflows      *prometheus.CounterVec
	SnapshotsApplied     *prometheus.CounterVec
	Reconnects           *prometheus.CounterVec
	WatchdogFires        *prometheus.CounterVec
	AlertsSent           *prometheus.CounterVec // by kind
	AlertsDeduped        *prometheus.CounterVec
	AlertsDropped        *prometheus.CounterVec // queue overflow / permanent failure
	StoreErrors          prometheus.Counter
	BookReady            *prometheus.GaugeVec // 1 when ready

	registry *prometheus.Registry
}

// NewMetrics builds and registers all collectors on a private registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		EventsProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wallwatch_events_processed_total",
			Help: "Stream events processed, by market and event type.",
		}, []string{"market", "type"}),
		DiffsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wallwatch_diffs_dropped_total",
			Help: "Depth diffs dropped as stale.",
		}, []string{"market"}),
		SequencingViolations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wallwatch_sequencing_violations_total",
			Help: "Diff continuity violations forcing a re-anchor.",
		}, []string{"market"}),
		BufferOverflows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wallwatch_buffer_overflows_total",
			Help: "Entries evicted from bounded buffers.",
		}, []string{"buffer"}),
		SnapshotsApplied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wallwatch_snapshots_applied_total",
			Help: "REST snapshots applied, by market.",
		}, []string{"market"}),
		Reconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wallwatch_ws_reconnects_total",
			Help: "WebSocket reconnect attempts, by stream.",
		}, []string{"stream"}),
		WatchdogFires: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wallwatch_watchdog_fires_total",
			Help: "Silence watchdog forced reconnects, by stream.",
		}, []string{"stream"}),
		AlertsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wallwatch_alerts_sent_total",
			Help: "Alerts delivered to the sink, by kind.",
		}, []string{"kind"}),
		AlertsDeduped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wallwatch_alerts_deduped_total",
			Help: "Alerts suppressed by cooldown, by kind.",
		}, []string{"kind"}),
		AlertsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wallwatch_alerts_dropped_total",
			Help: "Alerts dropped on overflow or permanent sink failure.",
		}, []string{"kind"}),
		StoreErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "wallwatch_store_errors_total",
			Help: "Persistence errors handled locally.",
		}),
		BookReady: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "wallwatch_book_ready",
			Help: "Order book readiness, by market.",
		}, []string{"market"}),

		registry: prometheus.NewRegistry(),
	}

	m.registry.MustRegister(
		m.EventsProcessed, m.DiffsDropped, m.SequencingViolations,
		m.BufferOverflows, m.SnapshotsApplied, m.Reconnects, m.WatchdogFires,
		m.AlertsSent, m.AlertsDeduped, m.AlertsDropped, m.StoreErrors,
		m.BookReady,
	)

	return m
}

// Registry exposes the private registry for the ops handler.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
