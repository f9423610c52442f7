package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Merge sources.
const (
	SourceLive     = "live"
	SourceBackfill = "backfill"
)

var (
	ExecutionsMerged = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "executions_merged_total", Help: "Executions appended to a symbol window"},
		[]string{"symbol", "source"},
	)
	ExecutionsDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "executions_dropped_total", Help: "Malformed executions discarded during merge"},
		[]string{"symbol"},
	)
	WindowRecords = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{Name: "window_records", Help: "Records currently held per symbol window"},
		[]string{"symbol"},
	)
	WindowNewestAge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{Name: "window_newest_age_seconds", Help: "Age of the newest execution per symbol window"},
		[]string{"symbol"},
	)
	PrunePasses = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "prune_passes_total", Help: "Full retention/dedup passes over the store"},
	)
	BackfillPages = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "backfill_pages_total", Help: "History pages fetched by the backfill crawler"},
		[]string{"symbol"},
	)
	FeedMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "feed_messages_total", Help: "Execution messages received from the live feed"},
		[]string{"symbol"},
	)
	FeedReconnects = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "feed_reconnects_total", Help: "Live feed reconnect attempts"},
	)
)

func init() {
	prometheus.MustRegister(
		ExecutionsMerged,
		ExecutionsDropped,
		WindowRecords,
		WindowNewestAge,
		PrunePasses,
		BackfillPages,
		FeedMessages,
		FeedReconnects,
	)
}

// Handler exposes the default registry in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.Handler()
}
