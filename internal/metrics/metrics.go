// Package metrics provides Prometheus instrumentation for the chat client. It
// exposes gauges for connection and presence state, counters for realtime
// event routing, and a histogram for HTTP API latency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionState is 0 when disconnected, 1 while connecting and 2 when
	// the realtime connection is up and announced.
	ConnectionState = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chatclient_connection_state",
		Help: "Realtime connection state (0=disconnected, 1=connecting, 2=connected)",
	})

	// ReconnectAttempts counts reconnect dials, labeled by outcome:
	// "success" or "failure".
	ReconnectAttempts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chatclient_reconnect_attempts_total",
		Help: "Total number of reconnect attempts",
	}, []string{"outcome"})

	// EventsReceived counts inbound realtime frames by event type.
	EventsReceived = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chatclient_events_received_total",
		Help: "Total number of realtime events received",
	}, []string{"type"})

	// EventsDropped counts inbound frames discarded before reaching a
	// listener, labeled by reason: "malformed", "stale", "unannounced".
	EventsDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chatclient_events_dropped_total",
		Help: "Total number of realtime events dropped before dispatch",
	}, []string{"reason"})

	// MessagesRouted counts newMessage events seen by the conversation
	// router, labeled by result: "accepted", "duplicate", "filtered",
	// "malformed".
	MessagesRouted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chatclient_messages_routed_total",
		Help: "Total number of inbound chat messages processed by the router",
	}, []string{"result"})

	// OnlineUsers tracks the size of the last presence roster.
	OnlineUsers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chatclient_online_users",
		Help: "Number of users in the last presence roster",
	})

	// APIRequestDuration records HTTP API latency in seconds.
	APIRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "chatclient_api_request_duration_seconds",
		Help:    "HTTP API request latency in seconds",
		Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5},
	}, []string{"route", "status"}) // status = "2xx", "4xx", "5xx", "error"
)

func init() {
	prometheus.MustRegister(
		ConnectionState,
		ReconnectAttempts,
		EventsReceived,
		EventsDropped,
		MessagesRouted,
		OnlineUsers,
		APIRequestDuration,
	)
}

// StatusClass maps an HTTP status code to the label used by
// APIRequestDuration. A zero code means the request never got a response.
func StatusClass(code int) string {
	switch {
	case code == 0:
		return "error"
	case code < 300:
		return "2xx"
	case code < 400:
		return "3xx"
	case code < 500:
		return "4xx"
	default:
		return "5xx"
	}
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
