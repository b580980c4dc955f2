// Package metrics declares the relayer's prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ============================================
	// Orders and coordinator
	// ============================================
	OrdersSubmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fusionrelay_orders_submitted_total",
			Help: "Orders submitted to the order book, by result reason",
		},
		[]string{"result"},
	)

	OrdersActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fusionrelay_orders_active",
		Help: "Orders held in the coordinator state table",
	})

	OrderTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fusionrelay_order_transitions_total",
			Help: "Order state transitions",
		},
		[]string{"from", "to"},
	)

	EventsBuffered = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fusionrelay_events_buffered",
		Help: "Chain events waiting for their prerequisite state",
	})

	EventsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fusionrelay_events_dropped_total",
			Help: "Chain events discarded by the coordinator",
		},
		[]string{"reason"},
	)

	InvariantViolations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fusionrelay_invariant_violations_total",
		Help: "Orders rejected before locking because of a protocol invariant violation",
	})

	// ============================================
	// Auction and planner
	// ============================================
	Bids = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fusionrelay_bids_total",
			Help: "Bids received, by result reason",
		},
		[]string{"result"},
	)

	AuctionsClosed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fusionrelay_auctions_closed_total",
			Help: "Auctions closed, by outcome",
		},
		[]string{"outcome"},
	)

	FillRatio = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "fusionrelay_fill_ratio",
		Help:    "Fill ratio chosen by the partial-fill planner",
		Buckets: []float64{0.1, 0.25, 0.5, 0.75, 0.9, 0.99, 1},
	})

	// ============================================
	// Settlement executor
	// ============================================
	ExecutorAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fusionrelay_executor_attempts_total",
			Help: "Chain adapter calls issued by the settlement executor",
		},
		[]string{"chain", "action", "result"},
	)

	ExecutorDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fusionrelay_executor_call_duration_seconds",
			Help:    "Chain adapter call latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"chain", "action"},
	)

	StuckLegs = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fusionrelay_stuck_legs_total",
			Help: "Settlement actions that exhausted their retries",
		},
		[]string{"chain", "action"},
	)

	// ============================================
	// Dual-chain monitor
	// ============================================
	MonitorEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fusionrelay_monitor_events_total",
			Help: "Chain events forwarded to the coordinator",
		},
		[]string{"chain", "kind"},
	)

	MonitorDuplicates = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fusionrelay_monitor_duplicates_total",
			Help: "Repeated chain event deliveries suppressed by the monitor",
		},
		[]string{"chain"},
	)

	MonitorResubscribes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fusionrelay_monitor_resubscribes_total",
			Help: "Event stream resubscriptions after errors",
		},
		[]string{"chain"},
	)

	NATSConnectionStatus = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fusionrelay_nats_connection_status",
		Help: "NATS connection status (1=connected, 0=disconnected)",
	})

	// ============================================
	// Archive
	// ============================================
	OrdersArchived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fusionrelay_orders_archived_total",
		Help: "Terminal orders moved to cold storage",
	})

	// ============================================
	// API server
	// ============================================
	HTTPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fusionrelay_http_requests_total",
			Help: "HTTP requests served, by route and status",
		},
		[]string{"method", "route", "status"},
	)

	HTTPDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fusionrelay_http_request_duration_seconds",
			Help:    "HTTP request latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)
)
