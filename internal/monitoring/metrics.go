package monitoring

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus metrics for the gateway, scraped at /metrics.
var (
	ConnectionsOpened = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gw_connections_opened_total",
		Help: "WebSocket connections accepted",
	})

	ConnectionsClosed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gw_connections_closed_total",
		Help: "WebSocket connections closed, by close code",
	}, []string{"code"})

	ConnectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "gw_connections_active",
		Help: "Currently open WebSocket connections",
	})

	ConnectionsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gw_connections_rejected_total",
		Help: "Handshakes rejected before upgrade, by reason",
	}, []string{"reason"})

	MessagesIn = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gw_messages_in_total",
		Help: "Inbound envelopes, by type",
	}, []string{"type"})

	MessagesOut = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gw_messages_out_total",
		Help: "Outbound envelopes, by type",
	}, []string{"type"})

	ErrorsSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gw_errors_total",
		Help: "ERROR envelopes sent, by code",
	}, []string{"code"})

	Subscribes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gw_subscribes_total",
		Help: "Successful subscriptions, by topic",
	}, []string{"topic"})

	Unsubscribes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gw_unsubscribes_total",
		Help: "Unsubscriptions, by topic",
	}, []string{"topic"})

	RateLimitDrops = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gw_rate_limited_total",
		Help: "Inbound envelopes dropped by the per-connection bucket",
	})

	SlowConsumerDisconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gw_slow_consumer_disconnects_total",
		Help: "Connections closed because the write queue stayed full",
	})

	BroadcastDrops = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gw_broadcast_drops_total",
		Help: "Broadcast envelopes dropped per subscriber, by topic",
	}, []string{"topic"})

	RequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "gw_request_duration_seconds",
		Help:    "REQUEST/COMMAND latency from dispatch to terminal reply",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
	}, []string{"topic", "action"})

	WriteQueueDepth = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "gw_write_queue_depth",
		Help:    "Send queue depth sampled at enqueue time",
		Buckets: []float64{0, 8, 32, 64, 128, 256, 512, 768, 1024},
	})

	OfflineStored = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gw_offline_stored_total",
		Help: "Envelopes persisted for offline recipients",
	})

	OfflineReplayed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gw_offline_replayed_total",
		Help: "Offline envelopes replayed on subscribe",
	})

	AuthExpirations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gw_auth_expirations_total",
		Help: "Live connections whose token expired",
	})

	CPUUsagePercent = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "gw_cpu_usage_percent",
		Help: "Host CPU usage percent",
	})

	MemoryUsedBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "gw_memory_used_bytes",
		Help: "Host memory in use",
	})
)

// RecordClose increments the close counter for a WebSocket close code.
func RecordClose(code int) {
	ConnectionsClosed.WithLabelValues(strconv.Itoa(code)).Inc()
}

// RecordError increments the ERROR counter for an application error code.
func RecordError(code int) {
	ErrorsSent.WithLabelValues(strconv.Itoa(code)).Inc()
}

// ObserveRequest records the latency of a terminal REQUEST/COMMAND reply.
func ObserveRequest(topic, action string, elapsed time.Duration) {
	RequestDuration.WithLabelValues(topic, action).Observe(elapsed.Seconds())
}

// MetricsHandler returns the Prometheus scrape handler.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
