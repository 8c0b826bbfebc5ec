// Package metrics provides a small, backend-agnostic abstraction for recording
// operational metrics of sync runs and semantic queries.
//
// Metrics are recorded through a global, pluggable Backend that defaults to a
// no-op implementation, so callers never need to check whether a backend is
// configured. Concrete systems live in subpackages (prompush, datadog).
package metrics

import "time"

// Metric names emitted by the helpers below.
const (
	StepTotal     = "kobo_step_total"
	StepDuration  = "kobo_step_duration_seconds"
	RecordsTotal  = "kobo_records_total"
	BatchesTotal  = "kobo_batches_total"
	QueryDuration = "kobo_query_duration_seconds"
)

// Labels are string key/value pairs attached to a metric.
type Labels map[string]string

// Backend is the minimal interface for metrics backends.
type Backend interface {
	// IncCounter increments a counter by delta.
	IncCounter(name string, delta float64, labels Labels)
	// ObserveHistogram records a value in a latency/duration style metric.
	ObserveHistogram(name string, value float64, labels Labels)
	// Flush pushes or flushes metrics, if the backend needs it (e.g. Pushgateway).
	Flush() error
}

type nopBackend struct{}

func (nopBackend) IncCounter(string, float64, Labels) {}
func (nopBackend) ObserveHistogram(string, float64, Labels) {}
func (nopBackend) Flush() error { return nil }

var backend Backend = nopBackend{}

// SetBackend installs a concrete backend. Passing nil keeps the existing backend.
func SetBackend(b Backend) {
	if b == nil {
		return
	}
	backend = b
}

// Flush delegates to the current backend.
func Flush() error {
	return backend.Flush()
}

func status(err error) string {
	if err != nil {
		return "failure"
	}
	return "success"
}

// RecordStep records latency and success/failure of one sync step
// (fetch, schema, batch, cursor, project) for form.
func RecordStep(form, step string, err error, d time.Duration) {
	lbls := Labels{
		"form":   form,
		"step":   step,
		"status": status(err),
	}
	backend.IncCounter(StepTotal, 1, lbls)
	backend.ObserveHistogram(StepDuration, d.Seconds(), lbls)
}

// RecordRow increments the record counter of form for kind. Kinds mirror the
// sync summary: "fetched", "created", "updated", "unchanged", "skipped",
// "errors".
func RecordRow(form, kind string, delta int64) {
	if delta <= 0 {
		return
	}
	backend.IncCounter(RecordsTotal, float64(delta), Labels{
		"form": form,
		"kind": kind,
	})
}

// RecordBatches increments the committed batch counter of form.
func RecordBatches(form string, delta int64) {
	if delta <= 0 {
		return
	}
	backend.IncCounter(BatchesTotal, float64(delta), Labels{
		"form": form,
	})
}

// RecordQuery records the latency of a semantic query on dataset.
func RecordQuery(dataset string, err error, d time.Duration) {
	backend.ObserveHistogram(QueryDuration, d.Seconds(), Labels{
		"dataset": dataset,
		"status":  status(err),
	})
}
