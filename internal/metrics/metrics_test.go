// ABOUTME: Tests for the chat metrics collectors
// ABOUTME: Verifies nil safety, state gauges, counters, and the exposition handler

package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics

	assert.NotPanics(t, func() {
		m.SetTransportState("Connected", []string{"Connected"})
		m.ConnectAttempt("ok")
		m.FrameReceived("/topic/messages/a")
		m.FramePublished()
		m.PublishFailed("not_connected")
		m.SetActiveTopics(2)
		m.DecodeFailed()
		m.SessionOpened()
		m.SessionClosed()
		m.EchoSuppressed()
		m.SetPendingEchoes(1)
		m.ObserveHistoryFetch(0.1)
	})
	assert.Nil(t, m.Registry())

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestTransportStateIsOneHot(t *testing.T) {
	m := New()
	all := []string{"Disconnected", "Connecting", "Connected", "Reconnecting"}

	m.SetTransportState("Connecting", all)
	m.SetTransportState("Connected", all)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.transportState.WithLabelValues("Connected")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.transportState.WithLabelValues("Connecting")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.transportState.WithLabelValues("Disconnected")))
}

func TestCounters(t *testing.T) {
	m := New()

	m.ConnectAttempt("ok")
	m.ConnectAttempt("network")
	m.ConnectAttempt("network")
	m.FramePublished()
	m.DecodeFailed()
	m.SessionOpened()
	m.SessionOpened()
	m.SessionClosed()
	m.SetPendingEchoes(3)
	m.SetPendingEchoes(2)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.pendingEchoes))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.connectAttempts.WithLabelValues("network")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.framesPublished))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.decodeFailures))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.openSessions))
}

func TestHandlerExposesMetrics(t *testing.T) {
	m := New()
	m.FramePublished()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "stazy_chat_frames_published_total 1")
}
