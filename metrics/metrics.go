// Package metrics holds the Prometheus instruments shared by the sync client
// and the reference server. They register on the default registry.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// FramesSent counts outbound websocket frames by the side writing them.
	FramesSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "canvas_sync_frames_sent_total",
		Help: "Websocket frames written",
	}, []string{"side"})

	FramesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "canvas_sync_frames_received_total",
		Help: "Websocket frames decoded by the sync client",
	}, []string{"type"})

	MalformedFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "canvas_sync_malformed_frames_total",
		Help: "Inbound frames dropped because they could not be decoded",
	})

	// Mutations counts local mutation lineages by terminal outcome.
	Mutations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "canvas_sync_mutations_total",
		Help: "Local mutations by outcome",
	}, []string{"outcome"})

	PendingMutations = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "canvas_sync_pending_mutations",
		Help: "Local mutations not yet confirmed or rejected",
	})

	Reconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "canvas_sync_reconnect_attempts_total",
		Help: "Reconnection attempts made by the recovery controller",
	})

	ReconnectDelay = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "canvas_sync_reconnect_delay_seconds",
		Help:    "Backoff delay before each reconnection attempt",
		Buckets: prometheus.ExponentialBuckets(0.5, 2, 8),
	})

	// ServerMutations counts mutations handled by the reference server by status.
	ServerMutations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "canvas_server_mutations_total",
		Help: "Mutations applied by the reference server by status",
	}, []string{"status"})

	ServerConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "canvas_server_connections",
		Help: "Open websocket connections on the reference server",
	})

	ServerRateLimited = promauto.NewCounter(prometheus.CounterOpts{
		Name: "canvas_server_rate_limited_total",
		Help: "Client frames refused by the per-connection rate limit",
	})
)

const (
	SideClient = "client"
	SideServer = "server"
)

const (
	OutcomeConfirmed  = "confirmed"
	OutcomeSuperseded = "superseded"
	OutcomeConflict   = "conflict"
	OutcomeError      = "error"
	OutcomeAbandoned  = "abandoned"
)
