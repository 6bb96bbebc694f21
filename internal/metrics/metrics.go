// Package metrics provides Prometheus instrumentation for the chat client
// and the reference server. Client collectors describe channel traffic
// (requests, acknowledgements, pushed events); server collectors describe
// connections and message handling.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ClientRequests counts requests written to the channel, labeled by call.
	ClientRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "livechat_client_requests_total",
		Help: "Requests emitted on the event channel",
	}, []string{"call"})

	// ClientAckLatency records the time from request to acknowledgement.
	ClientAckLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "livechat_client_ack_latency_seconds",
		Help:    "Time from request to acknowledgement",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 5},
	}, []string{"call"})

	// ClientEvents counts pushed events received, labeled by event name.
	ClientEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "livechat_client_events_total",
		Help: "Server-pushed events received on the event channel",
	}, []string{"event"})

	// ClientIntents counts intents issued through the session client, labeled
	// by intent: "join", "send" or "typing".
	ClientIntents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "livechat_client_intents_total",
		Help: "Intents issued through the session client",
	}, []string{"intent"})

	// ConnectionsTotal tracks the current number of active WebSocket connections.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "livechat_connections_total",
		Help: "Current number of active WebSocket connections",
	})

	// MessagesTotal counts createMessage calls handled by the server, labeled
	// by outcome: "created", "rejected", "blocked" or "rate_limited".
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "livechat_messages_total",
		Help: "Total number of createMessage calls processed",
	}, []string{"outcome"})

	// RequestLatency records server-side request handling latency in seconds.
	RequestLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "livechat_request_latency_seconds",
		Help:    "Server request handling latency in seconds",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	}, []string{"call"})
)

func init() {
	prometheus.MustRegister(
		ClientRequests,
		ClientAckLatency,
		ClientEvents,
		ClientIntents,
		ConnectionsTotal,
		MessagesTotal,
		RequestLatency,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
