/*
Package metrics exposes Prometheus metrics for the Courier sidecar.

Metrics are package-level collectors registered at init time and incremented
from the gateway, filestore, ipc and handler packages. The run command serves
them on METRICS_ADDR together with a /healthz/live liveness route:

	GET /metrics       Prometheus exposition
	GET /healthz/live  200 while the run loop is alive

Key series:

	courier_tasks_processed_total{outcome}   terminal task outcomes
	courier_task_duration_seconds            end-to-end task latency
	courier_http_retries_total               gateway retry pressure
	courier_file_downloads_total{outcome}    hash-verified downloads
	courier_ipc_channel_faults_total         broken pipes / bad messages
*/
package metrics
