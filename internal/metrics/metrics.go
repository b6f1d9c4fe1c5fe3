package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	PeerMessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "routerd_peer_messages_total",
			Help: "BGP messages by peer, kind and direction.",
		},
		[]string{"peer", "kind", "direction"},
	)

	PeerEstablished = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "routerd_peer_established",
			Help: "Peer session established (0/1).",
		},
		[]string{"peer"},
	)

	PeerTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "routerd_peer_transitions_total",
			Help: "FSM transitions into Established.",
		},
		[]string{"peer"},
	)

	BestPathChangesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "routerd_best_path_changes_total",
			Help: "Decision-table winner changes.",
		},
		[]string{"afi"},
	)

	RoutesSuppressedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "routerd_routes_suppressed_total",
			Help: "Routes suppressed by flap damping.",
		},
		[]string{"afi"},
	)

	MfeaVifsUp = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "routerd_mfea_vifs_up",
			Help: "Multicast vifs currently installed in the kernel.",
		},
		[]string{"family"},
	)

	MfeaMfcOpsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "routerd_mfea_mfc_ops_total",
			Help: "MFC add/delete operations.",
		},
		[]string{"op"},
	)

	MfeaSignalsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "routerd_mfea_signals_total",
			Help: "Kernel signals multiplexed to protocol modules.",
		},
		[]string{"type"},
	)

	FeedPublishTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "routerd_feed_publish_total",
			Help: "Route-feed events published to Kafka.",
		},
		[]string{"topic", "kind"},
	)

	FeedPublishErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "routerd_feed_publish_errors_total",
			Help: "Route-feed publish failures.",
		},
		[]string{"topic"},
	)
)

func Register() {
	prometheus.MustRegister(
		PeerMessagesTotal,
		PeerEstablished,
		PeerTransitionsTotal,
		BestPathChangesTotal,
		RoutesSuppressedTotal,
		MfeaVifsUp,
		MfeaMfcOpsTotal,
		MfeaSignalsTotal,
		FeedPublishTotal,
		FeedPublishErrorsTotal,
	)
}
