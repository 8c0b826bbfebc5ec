package syncer

import (
	"fmt"
	"sync"
	"time"
)

// Status is the terminal state of a run.
type Status string

const (
	StatusDone           Status = "DONE"
	StatusDoneWithErrors Status = "DONE_WITH_ERRORS"
	StatusSkipped        Status = "SKIPPED_ALREADY_RUNNING"
)

// maxErrorSamples bounds Summary.ErrorSamples.
const maxErrorSamples = 5

// Summary reports one sync run. A run always produces a summary, also when
// records failed.
type Summary struct {
	RunID        string     `json:"run_id"`
	Form         string     `json:"form"`
	Status       Status     `json:"status"`
	Since        *time.Time `json:"since,omitempty"`
	CountIn      int        `json:"count_in"`
	Created      int        `json:"created"`
	Updated      int        `json:"updated"`
	Unchanged    int        `json:"unchanged"`
	Skipped      int        `json:"skipped"`
	Errors       int        `json:"errors"`
	ErrorSamples []string   `json:"error_samples,omitempty"`
	Batches      int        `json:"batches"`
	Cursor       *time.Time `json:"cursor,omitempty"`
	StartedAt    time.Time  `json:"started_at"`
	Duration     Duration   `json:"duration"`
}

// Duration marshals as a Go duration string.
type Duration time.Duration

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).Round(time.Millisecond).String()), nil
}

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

func (s Summary) String() string {
	return fmt.Sprintf("form=%s status=%s in=%d created=%d updated=%d unchanged=%d skipped=%d errors=%d batches=%d",
		s.Form, s.Status, s.CountIn, s.Created, s.Updated, s.Unchanged, s.Skipped, s.Errors, s.Batches)
}

// errAgg counts errors and keeps the first limit messages.
type errAgg struct {
	mu    sync.Mutex
	limit int
	count int
	first []string
}

func newErrAgg(limit int) *errAgg {
	return &errAgg{limit: limit}
}

func (a *errAgg) add(msg string) {
	a.mu.Lock()
	if a.count < a.limit {
		a.first = append(a.first, msg)
	}
	a.count++
	a.mu.Unlock()
}

func (a *errAgg) samples() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.first...)
}

// RecordError is a failure to map or write one submission. The record is
// skipped and counted; the run continues.
type RecordError struct {
	Form     string
	Identity string
	Err      error
}

func (e *RecordError) Error() string {
	return fmt.Sprintf("record %s/%s: %v", e.Form, e.Identity, e.Err)
}

func (e *RecordError) Unwrap() error { return e.Err }
