// ABOUTME: Prometheus collectors for the chat transport and conversation sessions
// ABOUTME: A nil *Metrics is valid and records nothing, so components can run without metrics

package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "stazy_chat"

// Metrics groups every collector the chat core updates.
type Metrics struct {
	registry *prometheus.Registry

	transportState    *prometheus.GaugeVec
	connectAttempts   *prometheus.CounterVec
	framesReceived    *prometheus.CounterVec
	framesPublished   prometheus.Counter
	publishFailures   *prometheus.CounterVec
	activeTopics      prometheus.Gauge
	decodeFailures    prometheus.Counter
	openSessions      prometheus.Gauge
	echoesSuppressed  prometheus.Counter
	pendingEchoes     prometheus.Gauge
	historyFetchTimes prometheus.Histogram
}

// New creates the collectors and registers them on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		transportState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "transport_state",
			Help:      "1 for the transport's current connection state, 0 otherwise.",
		}, []string{"state"}),
		connectAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connect_attempts_total",
			Help:      "Connection attempts by outcome.",
		}, []string{"result"}),
		framesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_received_total",
			Help:      "Inbound frames delivered to subscribers.",
		}, []string{"topic"}),
		framesPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_published_total",
			Help:      "Outbound frames accepted by the transport.",
		}),
		publishFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "publish_failures_total",
			Help:      "Outbound frames rejected by the transport.",
		}, []string{"reason"}),
		activeTopics: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_topics",
			Help:      "Topics currently subscribed.",
		}),
		decodeFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decode_failures_total",
			Help:      "Inbound frames dropped because they could not be decoded.",
		}),
		openSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "open_sessions",
			Help:      "Conversation sessions currently open.",
		}),
		echoesSuppressed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "echoes_suppressed_total",
			Help:      "Broker echoes of our own sends that were absorbed.",
		}),
		pendingEchoes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_echoes",
			Help:      "Sends still waiting for their broker echo.",
		}),
		historyFetchTimes: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "history_fetch_seconds",
			Help:      "Latency of conversation history fetches.",
			Buckets:   prometheus.DefBuckets,
		}),
	}

	m.registry.MustRegister(
		m.transportState,
		m.connectAttempts,
		m.framesReceived,
		m.framesPublished,
		m.publishFailures,
		m.activeTopics,
		m.decodeFailures,
		m.openSessions,
		m.echoesSuppressed,
		m.pendingEchoes,
		m.historyFetchTimes,
	)
	return m
}

// Registry exposes the underlying registry for tests and custom exporters.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// SetTransportState marks state as the current one among all known states.
func (m *Metrics) SetTransportState(state string, all []string) {
	if m == nil {
		return
	}
	for _, s := range all {
		v := 0.0
		if s == state {
			v = 1
		}
		m.transportState.WithLabelValues(s).Set(v)
	}
}

// ConnectAttempt counts a connection attempt; result is "ok", "auth", "network" or "timeout".
func (m *Metrics) ConnectAttempt(result string) {
	if m == nil {
		return
	}
	m.connectAttempts.WithLabelValues(result).Inc()
}

// FrameReceived counts an inbound frame for topic.
func (m *Metrics) FrameReceived(topic string) {
	if m == nil {
		return
	}
	m.framesReceived.WithLabelValues(topic).Inc()
}

// FramePublished counts an accepted outbound frame.
func (m *Metrics) FramePublished() {
	if m == nil {
		return
	}
	m.framesPublished.Inc()
}

// PublishFailed counts a rejected outbound frame.
func (m *Metrics) PublishFailed(reason string) {
	if m == nil {
		return
	}
	m.publishFailures.WithLabelValues(reason).Inc()
}

// SetActiveTopics records the number of subscribed topics.
func (m *Metrics) SetActiveTopics(n int) {
	if m == nil {
		return
	}
	m.activeTopics.Set(float64(n))
}

// DecodeFailed counts a dropped inbound frame.
func (m *Metrics) DecodeFailed() {
	if m == nil {
		return
	}
	m.decodeFailures.Inc()
}

// SessionOpened increments the open session gauge.
func (m *Metrics) SessionOpened() {
	if m == nil {
		return
	}
	m.openSessions.Inc()
}

// SessionClosed decrements the open session gauge.
func (m *Metrics) SessionClosed() {
	if m == nil {
		return
	}
	m.openSessions.Dec()
}

// EchoSuppressed counts an absorbed echo frame.
func (m *Metrics) EchoSuppressed() {
	if m == nil {
		return
	}
	m.echoesSuppressed.Inc()
}

// SetPendingEchoes records how many sends are waiting for their echo.
func (m *Metrics) SetPendingEchoes(n int) {
	if m == nil {
		return
	}
	m.pendingEchoes.Set(float64(n))
}

// ObserveHistoryFetch records how long a history fetch took, in seconds.
func (m *Metrics) ObserveHistoryFetch(seconds float64) {
	if m == nil {
		return
	}
	m.historyFetchTimes.Observe(seconds)
}
