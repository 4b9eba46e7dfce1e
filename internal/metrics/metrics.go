package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the gateway
type Metrics struct {
	// Provider metrics
	RequestsTotal   *prometheus.CounterVec
	ProviderLatency *prometheus.HistogramVec
	TokensTotal     *prometheus.CounterVec
	CostUSD         *prometheus.CounterVec

	// Router metrics
	RoutedTotal   *prometheus.CounterVec
	FallbackDepth prometheus.Histogram

	// Cache metrics
	CacheHits      prometheus.Counter
	CacheMisses    prometheus.Counter
	CacheEvictions prometheus.Counter
	CacheSize      prometheus.Gauge

	// Batcher metrics
	BatchSize prometheus.Histogram
	BatchWait prometheus.Histogram

	// Approval metrics
	ApprovalsTotal *prometheus.CounterVec

	// Trust metrics
	TrustSignalLevel *prometheus.GaugeVec

	// GC metrics
	GCFreedTotal *prometheus.CounterVec
	GCDuration   prometheus.Histogram

	// Event bus metrics
	EventsDropped prometheus.Gauge

	// Memory metrics
	HeapInUse prometheus.Gauge
	HeapRatio prometheus.Gauge
}

// New creates and registers all Prometheus metrics
func New() *Metrics {
	return &Metrics{
		RequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "atlas_requests_total",
				Help: "Total provider completions processed",
			},
			[]string{"provider", "model", "finish_reason"},
		),

		ProviderLatency: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "atlas_provider_latency_seconds",
				Help:    "Provider completion latency",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
			},
			[]string{"provider", "model"},
		),

		TokensTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "atlas_tokens_total",
				Help: "Total tokens in and out, by direction",
			},
			[]string{"provider", "model", "direction"}, // direction: input, output
		),

		CostUSD: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "atlas_cost_usd_total",
				Help: "Accumulated spend in USD",
			},
			[]string{"provider", "model"},
		),

		RoutedTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "atlas_routed_total",
				Help: "Routing decisions by detected complexity",
			},
			[]string{"complexity"}, // simple, moderate, complex
		),

		FallbackDepth: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "atlas_route_fallback_depth",
				Help:    "How many candidates were tried before one answered",
				Buckets: []float64{0, 1, 2, 3, 4, 5, 8},
			},
		),

		CacheHits: promauto.NewCounter(prometheus.CounterOpts{
			Name: "atlas_cache_hits_total",
			Help: "Prompt cache hits",
		}),
		CacheMisses: promauto.NewCounter(prometheus.CounterOpts{
			Name: "atlas_cache_misses_total",
			Help: "Prompt cache misses",
		}),
		CacheEvictions: promauto.NewCounter(prometheus.CounterOpts{
			Name: "atlas_cache_evictions_total",
			Help: "Prompt cache evictions (LRU and expiry)",
		}),
		CacheSize: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "atlas_cache_size",
			Help: "Live prompt cache entries",
		}),

		BatchSize: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "atlas_batch_size",
			Help:    "Items per dispatched batch",
			Buckets: []float64{1, 2, 3, 5, 8, 10},
		}),
		BatchWait: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "atlas_batch_wait_seconds",
			Help:    "Time items spent queued before dispatch",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5},
		}),

		ApprovalsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "atlas_approvals_total",
				Help: "Approval queue transitions",
			},
			[]string{"action"}, // created, approved, denied, expired, auto_approved
		),

		TrustSignalLevel: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "atlas_trust_signal_level",
				Help: "Latest classification per trust signal (0 normal, 1 warning, 2 stop)",
			},
			[]string{"type"},
		),

		GCFreedTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "atlas_gc_freed_total",
				Help: "Objects reclaimed by gc passes, by resource",
			},
			[]string{"resource"}, // sessions, cache_entries, approvals, tickets
		),
		GCDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "atlas_gc_duration_seconds",
			Help:    "Duration of gc passes",
			Buckets: prometheus.DefBuckets,
		}),

		EventsDropped: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "atlas_events_dropped_total",
			Help: "Events lost to full subscriber buffers",
		}),

		HeapInUse: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "atlas_heap_inuse_bytes",
			Help: "Go heap in use, sampled by sysmon",
		}),
		HeapRatio: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "atlas_heap_usage_ratio",
			Help: "Heap in use over the configured budget",
		}),
	}
}

// RecordCompletion records one provider call outcome.
func (m *Metrics) RecordCompletion(provider, model, finishReason string, latencySec float64, inputTokens, outputTokens int, costUSD float64) {
	m.RequestsTotal.WithLabelValues(provider, model, finishReason).Inc()
	m.ProviderLatency.WithLabelValues(provider, model).Observe(latencySec)
	m.TokensTotal.WithLabelValues(provider, model, "input").Add(float64(inputTokens))
	m.TokensTotal.WithLabelValues(provider, model, "output").Add(float64(outputTokens))
	if costUSD > 0 {
		m.CostUSD.WithLabelValues(provider, model).Add(costUSD)
	}
}

// RecordRoute records one routing decision.
func (m *Metrics) RecordRoute(complexity string, fallbackDepth int) {
	m.RoutedTotal.WithLabelValues(complexity).Inc()
	m.FallbackDepth.Observe(float64(fallbackDepth))
}

// RecordCacheHit / Miss / Eviction update the cache counters.
func (m *Metrics) RecordCacheHit()      { m.CacheHits.Inc() }
func (m *Metrics) RecordCacheMiss()     { m.CacheMisses.Inc() }
func (m *Metrics) RecordCacheEviction() { m.CacheEvictions.Inc() }
func (m *Metrics) SetCacheSize(n int)   { m.CacheSize.Set(float64(n)) }

// RecordBatch records a dispatched batch.
func (m *Metrics) RecordBatch(size int, maxWaitSec float64) {
	m.BatchSize.Observe(float64(size))
	m.BatchWait.Observe(maxWaitSec)
}

// RecordApproval records a queue transition.
func (m *Metrics) RecordApproval(action string) {
	m.ApprovalsTotal.WithLabelValues(action).Inc()
}

// SetTrustSignal publishes the latest classification for a signal.
func (m *Metrics) SetTrustSignal(signalType, level string) {
	v := 0.0
	switch level {
	case "warning":
		v = 1.0
	case "stop":
		v = 2.0
	}
	m.TrustSignalLevel.WithLabelValues(signalType).Set(v)
}

// RecordGC records one gc pass.
func (m *Metrics) RecordGC(sessions, cacheEntries, approvals, tickets int, durationSec float64) {
	m.GCFreedTotal.WithLabelValues("sessions").Add(float64(sessions))
	m.GCFreedTotal.WithLabelValues("cache_entries").Add(float64(cacheEntries))
	m.GCFreedTotal.WithLabelValues("approvals").Add(float64(approvals))
	m.GCFreedTotal.WithLabelValues("tickets").Add(float64(tickets))
	m.GCDuration.Observe(durationSec)
}

// SetEventsDropped mirrors the bus-wide drop counter.
func (m *Metrics) SetEventsDropped(n int64) { m.EventsDropped.Set(float64(n)) }

// SetHeapUsage publishes the latest sysmon sample.
func (m *Metrics) SetHeapUsage(inuseBytes uint64, ratio float64) {
	m.HeapInUse.Set(float64(inuseBytes))
	m.HeapRatio.Set(ratio)
}
