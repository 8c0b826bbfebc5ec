// Package prompush implements a Prometheus Pushgateway backend for the
// metrics package.
//
// Sync runs are short-lived batch jobs, so collected metrics are pushed to a
// Pushgateway on Flush instead of being exposed on a scrape endpoint. All
// Prometheus-specific dependencies stay in this package.
package prompush

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"

	"koboetl/internal/metrics"
)

// Backend is a Prometheus Pushgateway metrics backend.
type Backend struct {
	gatewayURL string // e.g. http://pushgateway:9091
	jobName    string // Pushgateway "job" group
	reg        *prometheus.Registry

	stepCounter   *prometheus.CounterVec   // kobo_step_total
	stepDuration  *prometheus.SummaryVec   // kobo_step_duration_seconds
	recordCounter *prometheus.CounterVec   // kobo_records_total
	batchCounter  *prometheus.CounterVec   // kobo_batches_total
	queryDuration *prometheus.HistogramVec // kobo_query_duration_seconds
}

// NewBackend constructs a Prometheus Pushgateway backend.
// jobName is the Pushgateway "job" grouping key and defaults to "koboetl".
func NewBackend(jobName, gatewayURL string) (*Backend, error) {
	if gatewayURL == "" {
		return nil, fmt.Errorf("prompush: gateway URL is required")
	}
	if jobName == "" {
		jobName = "koboetl"
	}

	b := &Backend{
		gatewayURL: gatewayURL,
		jobName:    jobName,
		reg:        prometheus.NewRegistry(),
		stepCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: metrics.StepTotal,
			Help: "Sync step executions, partitioned by form, step and status.",
		}, []string{"form", "step", "status"}),
		stepDuration: prometheus.NewSummaryVec(prometheus.SummaryOpts{
			Name:       metrics.StepDuration,
			Help:       "Duration of sync steps in seconds.",
			Objectives: map[float64]float64{0.5: 0.05, 0.9: 0.01, 0.99: 0.001},
		}, []string{"form", "step", "status"}),
		recordCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: metrics.RecordsTotal,
			Help: "Submissions per sync outcome (fetched, created, updated, unchanged, skipped, errors).",
		}, []string{"form", "kind"}),
		batchCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: metrics.BatchesTotal,
			Help: "Committed sync batches.",
		}, []string{"form"}),
		queryDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    metrics.QueryDuration,
			Help:    "Latency of semantic queries in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"dataset", "status"}),
	}

	for name, c := range map[string]prometheus.Collector{
		"step counter":   b.stepCounter,
		"step summary":   b.stepDuration,
		"record counter": b.recordCounter,
		"batch counter":  b.batchCounter,
		"query latency":  b.queryDuration,
	} {
		if err := b.reg.Register(c); err != nil {
			return nil, fmt.Errorf("prompush: register %s: %w", name, err)
		}
	}
	return b, nil
}

func (b *Backend) IncCounter(name string, delta float64, labels metrics.Labels) {
	switch name {
	case metrics.StepTotal:
		if b.stepCounter == nil {
			return
		}
		b.stepCounter.WithLabelValues(labels["form"], labels["step"], labels["status"]).Add(delta)

	case metrics.RecordsTotal:
		if b.recordCounter == nil {
			return
		}
		b.recordCounter.WithLabelValues(labels["form"], labels["kind"]).Add(delta)

	case metrics.BatchesTotal:
		if b.batchCounter == nil {
			return
		}
		b.batchCounter.WithLabelValues(labels["form"]).Add(delta)
	}
}

func (b *Backend) ObserveHistogram(name string, value float64, labels metrics.Labels) {
	switch name {
	case metrics.StepDuration:
		if b.stepDuration == nil {
			return
		}
		b.stepDuration.WithLabelValues(labels["form"], labels["step"], labels["status"]).Observe(value)

	case metrics.QueryDuration:
		if b.queryDuration == nil {
			return
		}
		b.queryDuration.WithLabelValues(labels["dataset"], labels["status"]).Observe(value)
	}
}

// Flush pushes the current registry to the Pushgateway.
func (b *Backend) Flush() error {
	return push.New(b.gatewayURL, b.jobName).
		Gatherer(b.reg).
		Push()
}
