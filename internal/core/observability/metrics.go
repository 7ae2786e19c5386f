package observability

import (
	"errors"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms to ~20s
		},
		[]string{"method", "route", "status"},
	)

	upstreamLatencySeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "upstream_latency_seconds",
			Help:    "Latency of upstream calls in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		},
		[]string{"upstream"},
	)

	upstreamErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "upstream_errors_total",
			Help: "Failed upstream calls by reason.",
		},
		[]string{"upstream", "reason"},
	)
)

// registered by Init only
var (
	cacheResults = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tile_cache_results_total",
			Help: "Tile cache lookups by outcome and tier.",
		},
		[]string{"outcome", "tier"},
	)

	cacheOpsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "redis_operations_total",
			Help: "Redis operations by op and result.",
		},
		[]string{"op", "result"},
	)

	cacheOpDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "redis_operation_duration_seconds",
			Help:    "Duration of Redis operations in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12),
		},
		[]string{"op"},
	)

	dispatchRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "render_dispatch_runs_total",
			Help: "Render dispatcher runs by error policy and outcome.",
		},
		[]string{"policy", "outcome"},
	)

	dispatchOpsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "render_dispatch_ops_total",
			Help: "Source render operations by outcome.",
		},
		[]string{"outcome"},
	)

	dispatchDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "render_dispatch_duration_seconds",
			Help:    "Wall time of one dispatcher run in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		},
		[]string{"policy"},
	)

	renderSharedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "render_shared_total",
			Help: "Tile renders served from an in-flight render of the same tile.",
		},
	)

	tilesServedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tiles_served_total",
			Help: "Tiles served by protocol and origin (cache, render, blank).",
		},
		[]string{"service", "origin"},
	)

	invalidationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tile_invalidations_total",
			Help: "Invalidation events by result.",
		},
		[]string{"result"},
	)

	invalidatedKeysTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tile_invalidated_keys_total",
			Help: "Tile cache keys deleted by invalidation events.",
		},
	)

	kafkaConsumerErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kafka_consumer_errors_total",
			Help: "Kafka consumer errors by kind.",
		},
		[]string{"kind"},
	)
)

func collectors() []prometheus.Collector {
	return []prometheus.Collector{
		httpRequestsTotal, httpRequestDurationSeconds, upstreamLatencySeconds, upstreamErrorsTotal,
		cacheResults, cacheOpsTotal, cacheOpDurationSeconds,
		dispatchRunsTotal, dispatchOpsTotal, dispatchDurationSeconds, renderSharedTotal,
		tilesServedTotal, invalidationsTotal, invalidatedKeysTotal, kafkaConsumerErrors,
	}
}

// Init registers every collector on reg. Registering twice on the same registry is a no-op.
func Init(reg prometheus.Registerer, enabled bool) {
	if !enabled || reg == nil {
		return
	}
	for _, c := range collectors() {
		if err := reg.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			panic(err)
		}
	}
}

func ObserveHTTP(method, route string, status int, durationSeconds float64) {
	st := strconv.Itoa(status)
	httpRequestsTotal.WithLabelValues(method, route, st).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route, st).Observe(durationSeconds)
}

func ObserveUpstreamLatency(upstream string, durationSeconds float64) {
	upstreamLatencySeconds.WithLabelValues(upstream).Observe(durationSeconds)
}

func IncUpstreamError(upstream, reason string) {
	upstreamErrorsTotal.WithLabelValues(upstream, reason).Inc()
}

func AddCacheHits(tier string, n int) {
	if n > 0 {
		cacheResults.WithLabelValues("hit", tier).Add(float64(n))
	}
}

func AddCacheMisses(tier string, n int) {
	if n > 0 {
		cacheResults.WithLabelValues("miss", tier).Add(float64(n))
	}
}

func ObserveCacheOp(op string, err error, durationSeconds float64) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	cacheOpsTotal.WithLabelValues(op, result).Inc()
	cacheOpDurationSeconds.WithLabelValues(op).Observe(durationSeconds)
}

// ObserveDispatch records one dispatcher run with ops operations of which failed returned an
// error. err is the run error (fail-fast abort).
func ObserveDispatch(policy string, ops, failed int, err error, durationSeconds float64) {
	outcome := "ok"
	switch {
	case err != nil:
		outcome = "aborted"
	case failed > 0:
		outcome = "partial"
	}
	dispatchRunsTotal.WithLabelValues(policy, outcome).Inc()
	if ok := ops - failed; ok > 0 {
		dispatchOpsTotal.WithLabelValues("ok").Add(float64(ok))
	}
	if failed > 0 {
		dispatchOpsTotal.WithLabelValues("error").Add(float64(failed))
	}
	dispatchDurationSeconds.WithLabelValues(policy).Observe(durationSeconds)
}

func IncRenderShared() { renderSharedTotal.Inc() }

func IncTileServed(service, origin string) {
	tilesServedTotal.WithLabelValues(service, origin).Inc()
}

func ObserveInvalidation(result string, keys int) {
	invalidationsTotal.WithLabelValues(result).Inc()
	if keys > 0 {
		invalidatedKeysTotal.Add(float64(keys))
	}
}

func IncKafkaConsumerError(kind string) {
	kafkaConsumerErrors.WithLabelValues(kind).Inc()
}
