package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Realtime metrics
	LiveConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "calorily_live_connections",
			Help: "Number of open WebSocket connections",
		},
	)

	NotificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "calorily_notifications_total",
			Help: "Push attempts per connection by event type and outcome",
		},
		[]string{"event", "outcome"},
	)

	// Analysis metrics
	AnalysisJobsStarted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "calorily_analysis_jobs_started_total",
			Help: "Total number of analysis jobs dispatched",
		},
	)

	AnalysisJobsFinished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "calorily_analysis_jobs_finished_total",
			Help: "Total number of analysis jobs finished by outcome",
		},
		[]string{"outcome"},
	)

	AnalysisDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "calorily_analysis_duration_seconds",
			Help:    "Time from dispatch to job end in seconds",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 20, 40, 80},
		},
	)

	AnalysisJobsInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "calorily_analysis_jobs_in_flight",
			Help: "Number of analysis jobs currently running",
		},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "calorily_api_requests_total",
			Help: "Total number of API requests by route and status",
		},
		[]string{"route", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "calorily_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)
)

func init() {
	prometheus.MustRegister(LiveConnections)
	prometheus.MustRegister(NotificationsTotal)
	prometheus.MustRegister(AnalysisJobsStarted)
	prometheus.MustRegister(AnalysisJobsFinished)
	prometheus.MustRegister(AnalysisDuration)
	prometheus.MustRegister(AnalysisJobsInFlight)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer measures the duration of an operation.
type Timer struct {
	start time.Time
}

func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

func (t *Timer) ObserveDuration(h prometheus.Observer) {
	h.Observe(t.Duration().Seconds())
}

func (t *Timer) ObserveDurationVec(h *prometheus.HistogramVec, labels ...string) {
	h.WithLabelValues(labels...).Observe(t.Duration().Seconds())
}
