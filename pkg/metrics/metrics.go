// Package metrics exposes the relay's Prometheus instrumentation: message
// throughput, route selection outcomes, dispatch results, and job runs.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	MessagesProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mqttrelay_messages_processed_total",
		Help: "The total number of MQTT messages successfully processed",
	}, []string{"client"})

	MessagesFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mqttrelay_messages_failed_total",
		Help: "The total number of MQTT messages that failed processing",
	}, []string{"client", "reason"})

	RouteTiesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mqttrelay_route_ties_total",
		Help: "The total number of route selections that resolved a tie after all tiebreakers",
	}, []string{"client"})

	PointsExtracted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mqttrelay_points_extracted_total",
		Help: "The total number of parsed points extracted from messages",
	}, []string{"client"})

	DispatchTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mqttrelay_dispatch_total",
		Help: "The total number of dispatch attempts by resulting status",
	}, []string{"destination_kind", "status"})

	DispatchLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "mqttrelay_dispatch_duration_seconds",
		Help:    "Time taken to dispatch a batch of points to a destination",
		Buckets: prometheus.DefBuckets,
	}, []string{"destination_kind"})

	ProcessingLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "mqttrelay_processing_duration_seconds",
		Help:    "Time taken to process a single MQTT message end to end",
		Buckets: prometheus.DefBuckets,
	}, []string{"client"})

	JobRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mqttrelay_job_runs_total",
		Help: "The total number of job runs by exit code",
	}, []string{"job", "exit_code"})

	ReencryptRowsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mqttrelay_reencrypt_rows_total",
		Help: "The total number of rows re-encrypted during key rotation",
	}, []string{"table"})
)
