// Package metrics provides Prometheus metrics for monitoring background tasks.
package metrics

import (
	"time"

	"github.com/nadmax/finboard/internal/task"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	TasksCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "finboard_tasks_created_total",
			Help: "Total number of background tasks created",
		},
		[]string{"kind"},
	)
	TasksCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "finboard_tasks_completed_total",
			Help: "Total number of tasks completed successfully",
		},
		[]string{"kind"},
	)
	TasksFailed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "finboard_tasks_failed_total",
			Help: "Total number of tasks that failed, by error class",
		},
		[]string{"kind", "class"},
	)
	TasksCancelled = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "finboard_tasks_cancelled_total",
			Help: "Total number of tasks cancelled by users",
		},
		[]string{"kind"},
	)
	TasksRetried = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "finboard_tasks_retried_total",
			Help: "Total number of task retries",
		},
		[]string{"kind"},
	)
	TasksActive = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "finboard_tasks_active",
			Help: "Current number of processing tasks by kind",
		},
		[]string{"kind"},
	)
	TaskDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "finboard_task_duration_seconds",
			Help:    "Task execution duration in seconds",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		},
		[]string{"kind", "status"},
	)
	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "finboard_queue_depth",
			Help: "Current number of jobs waiting in the dispatch queue",
		},
	)
	CacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "finboard_cache_lookups_total",
			Help: "Total number of cache lookups by result",
		},
		[]string{"cache", "result"},
	)
	NotificationsSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "finboard_notifications_total",
			Help: "Total number of task notifications by outcome",
		},
		[]string{"outcome"},
	)
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "finboard_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "finboard_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint"},
	)
)

func RecordTaskCreated(kind task.Kind) {
	TasksCreated.WithLabelValues(kind.String()).Inc()
}

func RecordTaskCompleted(kind task.Kind, duration time.Duration) {
	TasksCompleted.WithLabelValues(kind.String()).Inc()
	TaskDuration.WithLabelValues(kind.String(), string(task.StatusCompleted)).Observe(duration.Seconds())
}

func RecordTaskFailed(kind task.Kind, class string, duration time.Duration) {
	TasksFailed.WithLabelValues(kind.String(), class).Inc()
	TaskDuration.WithLabelValues(kind.String(), string(task.StatusFailed)).Observe(duration.Seconds())
}

func RecordTaskCancelled(kind task.Kind) {
	TasksCancelled.WithLabelValues(kind.String()).Inc()
}

func RecordTaskRetried(kind task.Kind) {
	TasksRetried.WithLabelValues(kind.String()).Inc()
}

func UpdateActiveTasks(byKind map[task.Kind]int) {
	TasksActive.Reset()
	for kind, count := range byKind {
		TasksActive.WithLabelValues(kind.String()).Set(float64(count))
	}
}

func UpdateQueueDepth(depth int) {
	QueueDepth.Set(float64(depth))
}

func RecordCacheLookup(cache string, hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	CacheLookups.WithLabelValues(cache, result).Inc()
}

func RecordNotification(outcome string) {
	NotificationsSent.WithLabelValues(outcome).Inc()
}

func RecordHTTPRequest(method, endpoint, status string, duration time.Duration) {
	HTTPRequestsTotal.WithLabelValues(method, endpoint, status).Inc()
	HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}
