package client

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var sentOperations = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "simulator_client_sent_operations_total",
		Help: "Operations sent by the coordinator client",
	},
	[]string{"operation"},
)

var receivedReplies = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "simulator_client_replies_total",
		Help: "Replies received by the coordinator client, by response type",
	},
	[]string{"response"},
)

var unmatchedReplies = promauto.NewCounter(
	prometheus.CounterOpts{
		Name: "simulator_client_unmatched_replies_total",
		Help: "Replies without a pending request, e.g. duplicates or replies to expired requests",
	},
)

var pendingRequestsGauge = promauto.NewGauge(
	prometheus.GaugeOpts{
		Name: "simulator_client_pending_requests",
		Help: "Requests waiting for a reply",
	},
)

var lostConnections = promauto.NewCounter(
	prometheus.CounterOpts{
		Name: "simulator_client_lost_connections_total",
		Help: "Agent connections closed by the remote side",
	},
)
