package metrics

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ChatTurns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "txspend_chat_turns_total",
			Help: "Total conversational turns processed",
		},
		[]string{"status"},
	)

	ChatTurnDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "txspend_chat_turn_duration_seconds",
			Help:    "End-to-end duration of one chat turn",
			Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60},
		},
	)

	ToolInvocations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "txspend_tool_invocations_total",
			Help: "Tool invocations by tool name and outcome",
		},
		[]string{"tool", "status"},
	)

	QueryDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "txspend_query_duration_seconds",
			Help:    "Remote query execution duration by path",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300, 600},
		},
		[]string{"path"},
	)

	QueryRowsReturned = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "txspend_query_rows_returned",
			Help:    "Rows returned per query by path",
			Buckets: []float64{0, 1, 5, 10, 25, 100, 1000, 10000},
		},
		[]string{"path"},
	)

	LLMTokensUsed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "txspend_llm_tokens_used",
			Help: "Total LLM tokens used",
		},
		[]string{"model", "type"},
	)

	CacheHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "txspend_cache_hits_total",
			Help: "Total cache hits",
		},
		[]string{"cache_type"},
	)

	CacheMisses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "txspend_cache_misses_total",
			Help: "Total cache misses",
		},
		[]string{"cache_type"},
	)

	BulkDownloads = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "txspend_bulk_downloads_total",
			Help: "Bulk download executions by outcome",
		},
		[]string{"status"},
	)

	CSVBytesWritten = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "txspend_csv_bytes_written_total",
			Help: "Total CSV bytes streamed to clients",
		},
	)

	RetryAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "txspend_retry_attempts_total",
			Help: "Retry outcomes by operation",
		},
		[]string{"operation", "outcome"},
	)

	BreakerTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "txspend_circuit_transitions_total",
			Help: "Circuit breaker state transitions",
		},
		[]string{"name", "to"},
	)

	BreakerRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "txspend_circuit_rejections_total",
			Help: "Requests rejected by an open or saturated circuit",
		},
		[]string{"name"},
	)
)

func Init() {
	prometheus.MustRegister(ChatTurns)
	prometheus.MustRegister(ChatTurnDuration)
	prometheus.MustRegister(ToolInvocations)
	prometheus.MustRegister(QueryDuration)
	prometheus.MustRegister(QueryRowsReturned)
	prometheus.MustRegister(LLMTokensUsed)
	prometheus.MustRegister(CacheHits)
	prometheus.MustRegister(CacheMisses)
	prometheus.MustRegister(BulkDownloads)
	prometheus.MustRegister(CSVBytesWritten)
	prometheus.MustRegister(RetryAttempts)
	prometheus.MustRegister(BreakerTransitions)
	prometheus.MustRegister(BreakerRejections)
}

func MetricsHandler() fiber.Handler {
	return adaptor.HTTPHandler(promhttp.Handler())
}
