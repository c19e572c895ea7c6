package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SpotsActive = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "parksphere", Name: "spots_active", Help: "Currently declared spots"})

	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "parksphere", Name: "requests_total", Help: "Lifecycle operations by outcome"},
		[]string{"operation", "outcome"},
	)

	SettlementsTotal  = promauto.NewCounter(prometheus.CounterOpts{Namespace: "parksphere", Name: "settlements_total", Help: "Completed credit settlements"})
	SettlementLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "parksphere",
		Name:      "settlement_latency_minutes",
		Help:      "Minutes between acceptance and confirmed arrival",
		Buckets:   []float64{1, 2, 5, 10, 15, 30, 60},
	})

	SpotsExpired = promauto.NewCounter(prometheus.CounterOpts{Namespace: "parksphere", Name: "spots_expired_total", Help: "Spots retired by the expiry sweeper"})
	SweepErrors  = promauto.NewCounter(prometheus.CounterOpts{Namespace: "parksphere", Name: "sweep_errors_total", Help: "Expiry sweep failures"})

	NotificationsSent = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "parksphere", Name: "notifications_sent_total", Help: "Realtime events delivered"},
		[]string{"event"},
	)
	NotificationsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "parksphere", Name: "notifications_dropped_total", Help: "Realtime events that failed to deliver"},
		[]string{"event"},
	)

	SessionsConnected = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "parksphere", Name: "ws_sessions_connected", Help: "Live websocket sessions"})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "parksphere", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "parksphere",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
