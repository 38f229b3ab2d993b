package monitor

import (
	"time"

	"github.com/glimte/mmate-lite/internal/reliability"
	"github.com/glimte/mmate-lite/messaging"
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus registry and the messaging meters. It
// implements messaging.MetricsCollector.
type Metrics struct {
	Registry *prometheus.Registry

	SendsTotal       *prometheus.CounterVec
	FlushItems       *prometheus.HistogramVec
	FlushDuration    *prometheus.HistogramVec
	CallsTotal       *prometheus.CounterVec
	CallDuration     *prometheus.HistogramVec
	DeliveriesTotal  *prometheus.CounterVec
	PendingCalls     *prometheus.GaugeVec
	BreakerState     *prometheus.GaugeVec
	ConnectionEvents *prometheus.CounterVec
}

var _ messaging.MetricsCollector = (*Metrics)(nil)

// NewMetrics creates a custom Prometheus registry with the mmate metrics
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,
		SendsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mmate_sends_total",
			Help: "Total number of messages written to the broker.",
		}, []string{"destination", "kind", "status"}),
		FlushItems: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mmate_pack_flush_items",
			Help:    "Number of items per pack queue flush.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10),
		}, []string{"destination"}),
		FlushDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mmate_pack_flush_duration_seconds",
			Help:    "Duration of pack queue flushes in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"destination", "status"}),
		CallsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mmate_rpc_calls_total",
			Help: "Total number of RPC calls by outcome.",
		}, []string{"destination", "outcome"}),
		CallDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mmate_rpc_call_duration_seconds",
			Help:    "Duration of RPC calls in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"destination", "outcome"}),
		DeliveriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mmate_deliveries_total",
			Help: "Total number of inbound deliveries by outcome.",
		}, []string{"destination", "outcome"}),
		PendingCalls: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "mmate_rpc_pending_calls",
			Help: "Number of RPC calls awaiting a reply.",
		}, []string{"destination"}),
		BreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "mmate_circuit_breaker_state",
			Help: "Circuit breaker state (0 closed, 1 half-open, 2 open).",
		}, []string{"name"}),
		ConnectionEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mmate_connection_events_total",
			Help: "Broker connection state changes.",
		}, []string{"event"}),
	}

	reg.MustRegister(
		m.SendsTotal,
		m.FlushItems,
		m.FlushDuration,
		m.CallsTotal,
		m.CallDuration,
		m.DeliveriesTotal,
		m.PendingCalls,
		m.BreakerState,
		m.ConnectionEvents,
	)
	return m
}

func status(ok bool) string {
	if ok {
		return "success"
	}
	return "error"
}

// RecordSend implements messaging.MetricsCollector
func (m *Metrics) RecordSend(destination string, kind string, success bool) {
	m.SendsTotal.WithLabelValues(destination, kind, status(success)).Inc()
}

// RecordFlush implements messaging.MetricsCollector
func (m *Metrics) RecordFlush(destination string, items int, duration time.Duration, err error) {
	m.FlushItems.WithLabelValues(destination).Observe(float64(items))
	m.FlushDuration.WithLabelValues(destination, status(err == nil)).Observe(duration.Seconds())
}

// RecordCall implements messaging.MetricsCollector
func (m *Metrics) RecordCall(destination string, outcome messaging.CallOutcome, duration time.Duration) {
	m.CallsTotal.WithLabelValues(destination, string(outcome)).Inc()
	m.CallDuration.WithLabelValues(destination, string(outcome)).Observe(duration.Seconds())
}

// RecordDelivery implements messaging.MetricsCollector
func (m *Metrics) RecordDelivery(destination string, outcome messaging.DeliveryOutcome) {
	m.DeliveriesTotal.WithLabelValues(destination, string(outcome)).Inc()
}

// SetPendingCalls implements messaging.MetricsCollector
func (m *Metrics) SetPendingCalls(destination string, count int) {
	m.PendingCalls.WithLabelValues(destination).Set(float64(count))
}

// BreakerListener returns a state change listener that keeps BreakerState current
func (m *Metrics) BreakerListener() reliability.StateChangeFunc {
	return func(name string, from, to reliability.State) {
		m.BreakerState.WithLabelValues(name).Set(float64(to))
	}
}

// OnConnected counts successful (re)connections
func (m *Metrics) OnConnected() {
	m.ConnectionEvents.WithLabelValues("connected").Inc()
}

// OnDisconnected counts lost connections
func (m *Metrics) OnDisconnected(err error) {
	m.ConnectionEvents.WithLabelValues("disconnected").Inc()
}

// OnReconnecting counts reconnection attempts
func (m *Metrics) OnReconnecting(attempt int) {
	m.ConnectionEvents.WithLabelValues("reconnecting").Inc()
}
