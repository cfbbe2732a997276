package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	IngestionRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "campuskb_ingestion_runs_total",
		Help: "Ingestion runs by outcome (active, error, rejected).",
	}, []string{"outcome"})

	IngestionChunks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "campuskb_ingestion_chunks_total",
		Help: "Chunks embedded and upserted across all runs.",
	})

	Queries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "campuskb_queries_total",
		Help: "Answer requests by outcome (answered, no_match, error).",
	}, []string{"outcome"})

	QueryLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "campuskb_query_duration_seconds",
		Help:    "End-to-end answer latency.",
		Buckets: prometheus.DefBuckets,
	})

	RateLimited = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "campuskb_rate_limited_total",
		Help: "Requests rejected by the rate limiter, by route.",
	}, []string{"route"})
)
