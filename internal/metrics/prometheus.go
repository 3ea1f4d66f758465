package metrics

import (
	"sync"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/knowledge-assistant/backend/pkg/circuitbreaker"
)

var (
	QueryDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "knowledge_assistant_query_duration_seconds",
			Help:    "Query processing duration in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"outcome"},
	)

	QueryTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "knowledge_assistant_query_total",
			Help: "Total number of queries processed",
		},
		[]string{"outcome"},
	)

	RetrievedChunks = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "knowledge_assistant_retrieved_chunks",
			Help:    "Number of chunks surviving retrieval filters per query",
			Buckets: []float64{0, 1, 2, 3, 5, 10},
		},
	)

	IngestionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "knowledge_assistant_ingestion_duration_seconds",
			Help:    "Document ingestion duration in seconds",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300},
		},
		[]string{"file_type"},
	)

	DocumentsIngested = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "knowledge_assistant_documents_ingested_total",
			Help: "Total uploads by result",
		},
		[]string{"result"},
	)

	ChunksStored = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "knowledge_assistant_chunks_stored_total",
			Help: "Total chunks upserted into the vector store",
		},
	)

	LLMTokensUsed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "knowledge_assistant_llm_tokens_used",
			Help: "Total LLM tokens used",
		},
		[]string{"model", "type"},
	)

	CacheHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "knowledge_assistant_cache_hits_total",
			Help: "Total cache hits",
		},
		[]string{"cache_type"},
	)

	CacheMisses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "knowledge_assistant_cache_misses_total",
			Help: "Total cache misses",
		},
		[]string{"cache_type"},
	)

	CircuitBreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "knowledge_assistant_circuit_breaker_state",
			Help: "Circuit breaker state (0 closed, 1 half-open, 2 open)",
		},
		[]string{"name"},
	)
)

var registerOnce sync.Once

// Init registers all collectors with the default registry. Safe to call more than once.
func Init() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			QueryDuration,
			QueryTotal,
			RetrievedChunks,
			IngestionDuration,
			DocumentsIngested,
			ChunksStored,
			LLMTokensUsed,
			CacheHits,
			CacheMisses,
			CircuitBreakerState,
		)
	})
}

// ObserveBreaker is a circuitbreaker.Config.OnStateChange hook.
func ObserveBreaker(name string, _ circuitbreaker.State, to circuitbreaker.State) {
	CircuitBreakerState.WithLabelValues(name).Set(float64(to))
}

func MetricsHandler() fiber.Handler {
	return adaptor.HTTPHandler(promhttp.Handler())
}
