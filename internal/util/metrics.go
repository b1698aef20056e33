package util

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	TradesCreatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "trades_created_total",
		Help: "Total number of trades created",
	})

	TradeTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trade_transitions_total",
		Help: "Total number of trade transition requests",
	}, []string{"action", "result"})

	TradeTransitionLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "trade_transition_latency_seconds",
		Help:    "Latency of trade transitions including persistence",
		Buckets: prometheus.DefBuckets,
	})

	TradePriceUpdatesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "trade_price_updates_total",
		Help: "Total number of price changes applied to trades",
	})

	OffersCreatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "offers_created_total",
		Help: "Total number of offers created",
	})

	OffersResolvedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "offers_resolved_total",
		Help: "Total number of offer transitions",
	}, []string{"status"})

	TransferVerificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "transfer_verifications_total",
		Help: "Total number of item transfer verifications",
	}, []string{"state", "degraded"})

	TransferRequestsFailed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "transfer_requests_failed_total",
		Help: "Total number of transfer requests the item service refused or never answered",
	})

	ItemServiceLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "item_service_latency_seconds",
		Help:    "Latency of calls to the item service",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation"})

	SweptTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sweeper_transitions_total",
		Help: "Total number of records expired or failed by the sweeper",
	}, []string{"kind", "action"})

	RealtimeConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "realtime_connections",
		Help: "Number of open real-time connections",
	})

	RealtimeEventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "realtime_events_published_total",
		Help: "Total number of events published to the hub",
	}, []string{"type"})

	RealtimeEventsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "realtime_events_dropped_total",
		Help: "Total number of events dropped because a connection send queue was full",
	})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})
)
