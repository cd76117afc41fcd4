package mtr

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PeerConnectionsTotal counts the total number of peer connections
var PeerConnectionsTotal = promauto.NewCounter(
	prometheus.CounterOpts{
		Name: "mepassa_bootstrap_peer_connections_total",
		Help: "Total number of peer connections",
	},
)

// PeerDisconnectionsTotal counts the total number of peer disconnections
var PeerDisconnectionsTotal = promauto.NewCounter(
	prometheus.CounterOpts{
		Name: "mepassa_bootstrap_peer_disconnections_total",
		Help: "Total number of peer disconnections",
	},
)

// ConnectionErrorsTotal counts connection errors by kind
var ConnectionErrorsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "mepassa_bootstrap_connection_errors_total",
		Help: "Total number of connection errors",
	},
	[]string{"type"},
)

// StorageWritesTotal counts peer records written to the persistent store
var StorageWritesTotal = promauto.NewCounter(
	prometheus.CounterOpts{
		Name: "mepassa_bootstrap_storage_writes_total",
		Help: "Total number of peer store writes",
	},
)

// StorageWriteFailuresTotal counts failed peer store writes
var StorageWriteFailuresTotal = promauto.NewCounter(
	prometheus.CounterOpts{
		Name: "mepassa_bootstrap_storage_write_failures_total",
		Help: "Total number of failed peer store writes",
	},
)

// StorageDroppedWritesTotal counts writes dropped because the write queue was full
var StorageDroppedWritesTotal = promauto.NewCounter(
	prometheus.CounterOpts{
		Name: "mepassa_bootstrap_storage_dropped_writes_total",
		Help: "Total number of peer store writes dropped under overload",
	},
)

// StaleEvictionsTotal counts stale peer records removed from the store
var StaleEvictionsTotal = promauto.NewCounter(
	prometheus.CounterOpts{
		Name: "mepassa_bootstrap_stale_evictions_total",
		Help: "Total number of stale peer records evicted",
	},
)

// PingFailuresTotal counts failed liveness probes
var PingFailuresTotal = promauto.NewCounter(
	prometheus.CounterOpts{
		Name: "mepassa_bootstrap_ping_failures_total",
		Help: "Total number of failed pings",
	},
)

// ConnectionResetTotal counts connections closed after exhausting the ping retry budget
var ConnectionResetTotal = promauto.NewCounter(
	prometheus.CounterOpts{
		Name: "mepassa_bootstrap_connection_reset_total",
		Help: "Total number of connections reset due to ping failure",
	},
)

// DHTQueriesTotal counts DHT self-lookup queries by outcome
var DHTQueriesTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "mepassa_bootstrap_dht_queries_total",
		Help: "Total number of DHT queries",
	},
	[]string{"outcome"},
)

// EventsDroppedTotal counts node events dropped because the event queue was full
var EventsDroppedTotal = promauto.NewCounter(
	prometheus.CounterOpts{
		Name: "mepassa_bootstrap_events_dropped_total",
		Help: "Total number of node events dropped under overload",
	},
)
