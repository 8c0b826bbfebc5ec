// Package datadog sends kobo metrics to a DogStatsD agent.
//
// Metric names are rewritten to Datadog's dotted style: the kobo_ prefix
// is dropped and underscores become dots, so kobo_records_total is sent as
// records.total under the configured Namespace. Labels become sorted
// "key:value" tags. Duration metrics (suffix _seconds) are sent as
// distributions so percentiles aggregate across hosts.
package datadog

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/DataDog/datadog-go/v5/statsd"

	"koboetl/internal/metrics"
)

// Config holds Datadog backend configuration.
type Config struct {
	// Addr is the DogStatsD address, e.g. "127.0.0.1:8125" or "unix:///var/run/datadog/dsd.socket".
	Addr string
	// Namespace prefixes every metric name, e.g. "kobo.".
	Namespace string
	// GlobalTags are attached to every metric, e.g. "service:koboetl".
	GlobalTags []string
}

// sender is the part of statsd.ClientInterface the backend uses.
type sender interface {
	Count(name string, value int64, tags []string, rate float64) error
	Histogram(name string, value float64, tags []string, rate float64) error
	Distribution(name string, value float64, tags []string, rate float64) error
	Close() error
}

// Backend implements metrics.Backend over a statsd client.
type Backend struct {
	client sender
}

// NewBackend dials the agent at cfg.Addr.
func NewBackend(cfg Config) (*Backend, error) {
	if cfg.Addr == "" {
		return nil, errors.New("datadog: Addr is required")
	}
	var opts []statsd.Option
	if cfg.Namespace != "" {
		opts = append(opts, statsd.WithNamespace(cfg.Namespace))
	}
	if len(cfg.GlobalTags) > 0 {
		opts = append(opts, statsd.WithTags(cfg.GlobalTags))
	}
	c, err := statsd.New(cfg.Addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("datadog: create client: %w", err)
	}
	return &Backend{client: c}, nil
}

func (b *Backend) IncCounter(name string, delta float64, labels metrics.Labels) {
	if b.client == nil {
		return
	}
	_ = b.client.Count(metricName(name), int64(math.Round(delta)), tags(labels), 1)
}

func (b *Backend) ObserveHistogram(name string, value float64, labels metrics.Labels) {
	if b.client == nil {
		return
	}
	if strings.HasSuffix(name, "_seconds") {
		_ = b.client.Distribution(metricName(name), value, tags(labels), 1)
		return
	}
	_ = b.client.Histogram(metricName(name), value, tags(labels), 1)
}

// Flush closes the client, which sends anything still buffered. It is
// meant for process shutdown.
func (b *Backend) Flush() error {
	if b.client == nil {
		return nil
	}
	return b.client.Close()
}

// metricName maps kobo_step_duration_seconds to step.duration.seconds.
func metricName(name string) string {
	return strings.ReplaceAll(strings.TrimPrefix(name, "kobo_"), "_", ".")
}

func tags(lbls metrics.Labels) []string {
	if len(lbls) == 0 {
		return nil
	}
	out := make([]string, 0, len(lbls))
	for k, v := range lbls {
		if v == "" {
			continue
		}
		out = append(out, k+":"+v)
	}
	sort.Strings(out)
	return out
}
