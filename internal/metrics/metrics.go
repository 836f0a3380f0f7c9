package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
	OutcomeEmpty   = "empty_input"
	OutcomeAborted = "aborted"
)

var (
	AnalysesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "perplex_analyses_total",
		Help: "Total number of analysis runs by outcome",
	}, []string{"outcome"})

	PositionsScored = promauto.NewCounter(prometheus.CounterOpts{
		Name: "perplex_positions_scored_total",
		Help: "Total number of token positions scored",
	})

	AnalysisDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "perplex_analysis_duration_seconds",
		Help:    "Wall time of complete analysis runs",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
	})

	Perplexity = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "perplex_sequence_perplexity",
		Help:    "Aggregate perplexity of analyzed sequences",
		Buckets: []float64{1, 2, 5, 10, 20, 50, 100, 200, 500, 1000},
	})

	TokenRank = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "perplex_token_rank",
		Help:    "Rank of observed tokens within the predicted distribution",
		Buckets: []float64{1, 2, 5, 10, 50, 100, 300, 1000, 10000},
	})

	SequenceLength = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "perplex_sequence_length_tokens",
		Help:    "Distribution of analyzed sequence lengths",
		Buckets: []float64{2, 10, 50, 100, 500, 1000, 2000, 4000, 8000},
	})

	BackendRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "perplex_backend_request_duration_seconds",
		Help:    "Latency of distribution requests to the inference backend",
		Buckets: prometheus.DefBuckets,
	}, []string{"backend", "status"})

	AnalysisErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "perplex_analysis_errors_total",
		Help: "Total number of analysis errors by kind",
	}, []string{"kind"})

	SessionCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "perplex_session_cache_hits_total",
		Help: "Distribution requests that extended the session context incrementally",
	})

	SessionCacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "perplex_session_cache_misses_total",
		Help: "Distribution requests that forced the session context to be rebuilt",
	})

	SessionsOpen = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "perplex_backend_sessions_open",
		Help: "Backend sessions currently open",
	})

	TokenizerEncodeLength = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "perplex_tokenizer_encode_length",
		Help:    "Length of encoded token sequences",
		Buckets: []float64{1, 5, 10, 20, 50, 100, 200, 500, 1000, 4000},
	})

	TokenizerUnknownTokens = promauto.NewCounter(prometheus.CounterOpts{
		Name: "perplex_tokenizer_unknown_tokens_total",
		Help: "Count of characters encoded as the unknown token",
	})

	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "perplex_http_requests_total",
		Help: "HTTP requests by route and status code",
	}, []string{"route", "code"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "perplex_http_request_duration_seconds",
		Help:    "HTTP request latency by route",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})
)

// RecordAnalysis records the outcome of one analysis run. perplexity and
// positions are only observed for successful runs.
func RecordAnalysis(outcome string, positions int, perplexity float64, duration time.Duration) {
	AnalysesTotal.WithLabelValues(outcome).Inc()
	if outcome != OutcomeSuccess {
		return
	}
	AnalysisDuration.Observe(duration.Seconds())
	Perplexity.Observe(perplexity)
	SequenceLength.Observe(float64(positions + 1))
}

func RecordPosition(rank int) {
	PositionsScored.Inc()
	TokenRank.Observe(float64(rank))
}

func RecordBackendRequest(backend string, duration time.Duration, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	BackendRequestDuration.WithLabelValues(backend, status).Observe(duration.Seconds())
}

func RecordAnalysisError(kind string) {
	AnalysisErrors.WithLabelValues(kind).Inc()
}

func RecordSessionCache(hit bool) {
	if hit {
		SessionCacheHits.Inc()
	} else {
		SessionCacheMisses.Inc()
	}
}

func RecordSessionOpened() { SessionsOpen.Inc() }

func RecordSessionClosed() { SessionsOpen.Dec() }

func RecordTokenizerEncode(tokens, unknown int) {
	TokenizerEncodeLength.Observe(float64(tokens))
	if unknown > 0 {
		TokenizerUnknownTokens.Add(float64(unknown))
	}
}

func RecordHTTPRequest(route string, code int, duration time.Duration) {
	HTTPRequests.WithLabelValues(route, strconv.Itoa(code)).Inc()
	HTTPRequestDuration.WithLabelValues(route).Observe(duration.Seconds())
}
