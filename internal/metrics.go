package internal

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ConnectionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "push_connections_total",
			Help: "Accepted websocket connections",
		},
	)

	AuthAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "push_auth_attempts_total",
			Help: "Authentication attempts by result (ok/error)",
		},
		[]string{"result"},
	)

	InboundFramesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "push_inbound_frames_total",
			Help: "Frames read from authenticated peers",
		},
	)

	// InboundFramesDropped counts frames discarded because the per-connection
	// buffer was full.
	InboundFramesDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "push_inbound_frames_dropped_total",
			Help: "Inbound frames dropped on a full per-connection buffer",
		},
	)

	SentCountsDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "push_sent_counts_dropped_total",
			Help: "Delivery counts not recorded in presence because the queue was full",
		},
	)

	ClusterEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "push_cluster_events_total",
			Help: "Events received from other gateway instances by type",
		},
		[]string{"type"},
	)
)
