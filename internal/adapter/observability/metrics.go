package observability

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"route", "method", "status"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"route", "method"},
	)

	LLMRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gauntlet_llm_requests_total",
			Help: "Total number of LLM requests by operation (generate, judge)",
		},
		[]string{"op"},
	)
	LLMRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gauntlet_llm_request_duration_seconds",
			Help:    "LLM request duration in seconds by operation",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"op"},
	)

	TasksEnqueuedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "gauntlet_tasks_enqueued_total",
			Help: "Total number of attempt tasks admitted to the queue",
		},
	)
	TasksProcessing = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "gauntlet_tasks_processing",
			Help: "Number of attempt tasks currently held by workers",
		},
	)
	TasksCompletedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "gauntlet_tasks_completed_total",
			Help: "Total number of attempt tasks finalized",
		},
	)
	TasksFailedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "gauntlet_tasks_failed_total",
			Help: "Total number of attempt tasks abandoned after a fatal error",
		},
	)
	QueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "gauntlet_queue_depth",
			Help: "Number of pending tasks waiting in the queue",
		},
	)

	GradesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gauntlet_grades_total",
			Help: "Total number of graded attempts by final outcome (PASS, FAIL, ERROR)",
		},
		[]string{"outcome"},
	)
	RewardClaimsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gauntlet_reward_claims_total",
			Help: "Total number of reward claim protocol runs by result",
		},
		[]string{"result"},
	)
)

func InitMetrics() {
	prometheus.MustRegister(HTTPRequestsTotal)
	prometheus.MustRegister(HTTPRequestDuration)
	prometheus.MustRegister(LLMRequestsTotal)
	prometheus.MustRegister(LLMRequestDuration)
	prometheus.MustRegister(TasksEnqueuedTotal)
	prometheus.MustRegister(TasksProcessing)
	prometheus.MustRegister(TasksCompletedTotal)
	prometheus.MustRegister(TasksFailedTotal)
	prometheus.MustRegister(QueueDepth)
	prometheus.MustRegister(GradesTotal)
	prometheus.MustRegister(RewardClaimsTotal)
}

// HTTPMetricsMiddleware records Prometheus metrics for each request.
func HTTPMetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		dur := time.Since(start).Seconds()
		// Route pattern may be unavailable outside chi router; guard nil
		var route string
		if rc := chi.RouteContext(r.Context()); rc != nil {
			route = rc.RoutePattern()
		}
		if route == "" {
			// fallback when route pattern is unavailable
			route = r.URL.Path
		}
		method := r.Method
		status := ww.Status()
		HTTPRequestsTotal.WithLabelValues(route, method, http.StatusText(status)).Inc()
		HTTPRequestDuration.WithLabelValues(route, method).Observe(dur)
	})
}

func EnqueueTask() {
	TasksEnqueuedTotal.Inc()
}

func StartProcessingTask() {
	TasksProcessing.Inc()
}

func CompleteTask() {
	TasksProcessing.Dec()
	TasksCompletedTotal.Inc()
}

func FailTask() {
	TasksProcessing.Dec()
	TasksFailedTotal.Inc()
}

// ObserveGrade records one graded attempt. ERROR is reported for attempts
// that ended on the transient path without a counted turn.
func ObserveGrade(outcome string) {
	GradesTotal.WithLabelValues(outcome).Inc()
}

// ObserveClaim records one reward claim protocol run by its outcome.
func ObserveClaim(result string) {
	RewardClaimsTotal.WithLabelValues(result).Inc()
}
