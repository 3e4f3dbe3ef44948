package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	BulkRuns             = prometheus.NewCounter(prometheus.CounterOpts{Name: "portal_bulk_runs_total", Help: "Bulk operations started"})
	BulkItemsProcessed   = prometheus.NewCounter(prometheus.CounterOpts{Name: "portal_bulk_items_processed_total", Help: "Bulk items mutated successfully"})
	BulkItemsFailed      = prometheus.NewCounter(prometheus.CounterOpts{Name: "portal_bulk_items_failed_total", Help: "Bulk items that failed validation or persistence"})
	BulkInFlight         = prometheus.NewGauge(prometheus.GaugeOpts{Name: "portal_bulk_inflight", Help: "Bulk item mutations currently dispatched"})
	FeedReconnects       = prometheus.NewCounter(prometheus.CounterOpts{Name: "portal_feed_reconnects_total", Help: "Reconnect attempts triggered by feed transport failures"})
	FeedSubscriptions    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "portal_feed_subscriptions", Help: "Physical change-feed connections currently open"})
	NotificationsPushed  = prometheus.NewCounter(prometheus.CounterOpts{Name: "portal_notifications_pushed_total", Help: "Browser notifications emitted"})
	NotificationsDeduped = prometheus.NewCounter(prometheus.CounterOpts{Name: "portal_notifications_deduped_total", Help: "Redelivered notifications suppressed by the dedup cache"})
	RateLimitRejects     = prometheus.NewCounter(prometheus.CounterOpts{Name: "portal_rate_limit_rejects_total", Help: "Bulk requests rejected by the rate limiter"})
)

// Handler exposes the /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			BulkRuns,
			BulkItemsProcessed,
			BulkItemsFailed,
			BulkInFlight,
			FeedReconnects,
			FeedSubscriptions,
			NotificationsPushed,
			NotificationsDeduped,
			RateLimitRejects,
		)
	})
	return promhttp.Handler()
}
