package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Counter: responses served from the fingerprint cache.
	CacheHitsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ai_cache_hits_total",
			Help: "Total number of AI responses served from cache.",
		},
	)

	// Counter: upstream provider calls by provider name and outcome.
	ProviderRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ai_provider_requests_total",
			Help: "Total upstream AI provider requests.",
		},
		[]string{"provider", "outcome"},
	)

	// Histogram: upstream provider round-trip latency in seconds.
	ProviderLatencySeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ai_provider_latency_seconds",
			Help:    "Upstream AI provider request latency in seconds.",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"provider"},
	)

	// Counter: times the orchestrator promoted a fallback provider.
	FallbackSwitchesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ai_fallback_switches_total",
			Help: "Total number of fallback provider promotions.",
		},
	)

	// Histogram: HTTP latency for the assistant's own endpoints.
	HTTPLatencySeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "medlit_http_latency_seconds",
			Help:    "HTTP request latency for the assistant in seconds.",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 15, 60},
		},
		[]string{"path", "method", "status_code"},
	)
)

// Register is called once in main() to register metrics.
func Register() {
	prometheus.MustRegister(
		CacheHitsTotal,
		ProviderRequestsTotal,
		ProviderLatencySeconds,
		FallbackSwitchesTotal,
		HTTPLatencySeconds,
	)
}

// Handler exposes the /metrics endpoint for Prometheus to scrape.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware measures HTTP latency for each request.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		// capture status code
		rec := &statusRecorder{
			ResponseWriter: w,
			statusCode:     http.StatusOK,
		}

		next.ServeHTTP(rec, r)

		HTTPLatencySeconds.
			WithLabelValues(r.URL.Path, r.Method, strconv.Itoa(rec.statusCode)).
			Observe(time.Since(start).Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.statusCode = code
	r.ResponseWriter.WriteHeader(code)
}
