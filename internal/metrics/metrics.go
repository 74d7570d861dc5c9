package metrics

import "github.com/prometheus/client_golang/prometheus"

const (
	auctionDurationBucketStart  = 0.05
	auctionDurationBucketFactor = 2.0
	auctionDurationBucketCount  = 10
)

const (
	bidderLatencyBucketStart  = 0.01
	bidderLatencyBucketFactor = 2.0
	bidderLatencyBucketCount  = 12
)

var AuctionDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name: "routing_auction_duration_seconds",
		Help: "Wall-clock time from auction start until every bidder settled",
		Buckets: prometheus.ExponentialBuckets(
			auctionDurationBucketStart,
			auctionDurationBucketFactor,
			auctionDurationBucketCount,
		),
	},
	[]string{"result"},
)

var BidderLatency = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name: "routing_bidder_latency_seconds",
		Help: "Latency of a single bid solicitation",
		Buckets: prometheus.ExponentialBuckets(
			bidderLatencyBucketStart,
			bidderLatencyBucketFactor,
			bidderLatencyBucketCount,
		),
	},
	[]string{"bidder", "status"},
)

var RoutingSource = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "routing_calls_total",
		Help: "Routed calls by the path that produced the destination",
	},
	[]string{"source"},
)

var CapacityReservations = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "routing_capacity_reservations_total",
		Help: "Reserve attempts against capacity counters by target kind and result",
	},
	[]string{"kind", "result"},
)

var RecorderFailures = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "routing_decision_write_failures_total",
		Help: "Routing decisions dropped because the sink rejected the write",
	},
)

func init() {
	prometheus.MustRegister(AuctionDuration)
	prometheus.MustRegister(BidderLatency)
	prometheus.MustRegister(RoutingSource)
	prometheus.MustRegister(CapacityReservations)
	prometheus.MustRegister(RecorderFailures)
}
