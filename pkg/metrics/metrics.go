package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Task metrics
	TasksProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_tasks_processed_total",
			Help: "Total number of tasks processed by outcome",
		},
		[]string{"outcome"},
	)

	TaskDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "courier_task_duration_seconds",
			Help:    "End-to-end task processing duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 12),
		},
	)

	// Gateway metrics
	RequestRetries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "courier_http_retries_total",
			Help: "Total number of HTTP request retries against the task server",
		},
	)

	RequestErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_http_errors_total",
			Help: "Total number of terminal HTTP errors by kind",
		},
		[]string{"kind"},
	)

	// File transfer metrics
	FileDownloads = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_file_downloads_total",
			Help: "Total number of file downloads by outcome",
		},
		[]string{"outcome"},
	)

	FileUploads = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_file_uploads_total",
			Help: "Total number of file uploads by outcome",
		},
		[]string{"outcome"},
	)

	// IPC metrics
	ChannelFaults = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "courier_ipc_channel_faults_total",
			Help: "Total number of IPC channel faults (broken pipe or malformed message)",
		},
	)
)

func init() {
	prometheus.MustRegister(TasksProcessed)
	prometheus.MustRegister(TaskDuration)
	prometheus.MustRegister(RequestRetries)
	prometheus.MustRegister(RequestErrors)
	prometheus.MustRegister(FileDownloads)
	prometheus.MustRegister(FileUploads)
	prometheus.MustRegister(ChannelFaults)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
