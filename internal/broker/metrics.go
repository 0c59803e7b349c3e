package broker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// PeersConnected is the current size of the registry.
	PeersConnected = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "push_peers_connected",
			Help: "Number of authenticated peers in the registry",
		},
	)

	// CommandsTotal counts commands applied by the loop, by kind.
	CommandsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "push_commands_total",
			Help: "Control commands applied by the broker loop",
		},
		[]string{"command"},
	)

	// SendsTotal counts attempted sends by result (ok/error).
	SendsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "push_sends_total",
			Help: "Push attempts against peer sinks by result",
		},
		[]string{"result"},
	)

	// EvictionsTotal counts peers removed because a send failed.
	EvictionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "push_evictions_total",
			Help: "Peers evicted after a failed send",
		},
	)

	// CommandQueueDepth is sampled each time the loop takes a command.
	CommandQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "push_command_queue_depth",
			Help: "Commands waiting in the broker channel",
		},
	)
)
