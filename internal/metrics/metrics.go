package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	MovieAPICalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "movieanalyzer_moviedb_calls_total",
			Help: "Count of movie database API calls",
		},
		[]string{"method", "status"},
	)
	MovieAPIDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "movieanalyzer_moviedb_duration_seconds",
			Help:    "Time taken by movie database API calls",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"method"},
	)
	CacheOperations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "movieanalyzer_cache_operations_total",
			Help: "Count of movie cache lookups",
		},
		[]string{"kind", "result"}, // hit, miss, error
	)
	Analyses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "movieanalyzer_analyses_total",
			Help: "Count of analyze actions",
		},
		[]string{"status"},
	)
	ChatAnswers = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "movieanalyzer_chat_answers_total",
			Help: "Count of chat answers produced",
		},
		[]string{"provider", "status"},
	)
	ChatDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "movieanalyzer_chat_duration_seconds",
			Help:    "Time taken to answer a chat message",
			Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60},
		},
	)
	QueuedJobs = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "movieanalyzer_worker_queued_jobs",
			Help: "Jobs waiting in the dispatcher",
		},
	)
)

var once sync.Once

// Init registers all collectors with the default registry. Safe to call more than once.
func Init() {
	once.Do(func() {
		prometheus.MustRegister(
			MovieAPICalls,
			MovieAPIDuration,
			CacheOperations,
			Analyses,
			ChatAnswers,
			ChatDuration,
			QueuedJobs,
		)
	})
}
