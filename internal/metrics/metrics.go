package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "livechat_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "livechat_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	// Conversation metrics
	MessagesPosted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "livechat_messages_posted_total",
			Help: "Total messages posted",
		},
		[]string{"origin"}, // "visitor", "bot" or "agent"
	)

	Escalations = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "livechat_escalations_total",
			Help: "Total rooms escalated to a human agent",
		},
	)

	RoomsArchived = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "livechat_rooms_archived_total",
			Help: "Total rooms archived",
		},
	)

	MessagesDeleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "livechat_messages_deleted_total",
			Help: "Total moderation deletes",
		},
		[]string{"result"}, // "deleted" or "failed"
	)

	// Push metrics
	PushEventsSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "livechat_push_events_sent_total",
			Help: "Total push frames queued to clients",
		},
		[]string{"event"},
	)

	PushEventsDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "livechat_push_events_dropped_total",
			Help: "Push frames dropped because a client buffer was full",
		},
	)

	PushConnections = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "livechat_push_connections",
			Help: "Open push connections",
		},
		[]string{"role"},
	)

	// Rate limit metrics
	RateLimitHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "livechat_rate_limit_hits_total",
			Help: "Total rate limit hits",
		},
		[]string{"endpoint"},
	)

	// Client sync metrics
	SyncAnomalies = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "livechat_sync_anomalies_total",
			Help: "Events discarded by the session store",
		},
		[]string{"kind"},
	)

	TransportReconnects = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "livechat_transport_reconnects_total",
			Help: "Push transport reconnect attempts",
		},
	)

	// Infrastructure metrics
	RedisLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "livechat_redis_latency_seconds",
			Help:    "Redis operation latency",
			Buckets: []float64{.0001, .0005, .001, .005, .01, .05},
		},
	)

	DBLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "livechat_db_latency_seconds",
			Help:    "Room directory query latency",
			Buckets: []float64{.001, .005, .01, .025, .05, .1},
		},
	)
)
