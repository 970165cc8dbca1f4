package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BuildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "trapline_build_info",
			Help: "Build information of the trapline enricher",
		},
		[]string{"version", "commit", "date"},
	)

	EnrichTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trapline_enrich_total",
		Help: "Total number of IP enrichment cascades, by result",
	}, []string{"result"})

	EnrichDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "trapline_enrich_duration_seconds",
		Help:    "Duration of one IP enrichment cascade",
		Buckets: prometheus.ExponentialBuckets(0.005, 2, 12), // ≈ 5ms .. 10s
	}, []string{"source"})

	ProviderLookupsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trapline_provider_lookups_total",
		Help: "Total number of provider lookups, by provider and result",
	}, []string{"provider", "result"})

	BlobCacheOpsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trapline_blob_cache_ops_total",
		Help: "Blob cache operations, by service and op (hit, miss, store, error)",
	}, []string{"service", "op"})

	QuotaRemaining = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "trapline_provider_quota_remaining",
		Help: "Remaining daily quota for quota-capped providers",
	}, []string{"provider"})

	SessionsSummarizedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "trapline_sessions_summarized_total",
		Help: "Total number of honeypot sessions summarized",
	})

	DeadLettersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trapline_dead_letters_total",
		Help: "Total number of payloads routed to the dead-letter sink, by reason",
	}, []string{"reason"})

	RefreshRowsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trapline_refresh_rows_total",
		Help: "Rows touched by the staleness engine, by operation and result",
	}, []string{"op", "result"})
)
