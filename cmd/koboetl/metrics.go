package main

import (
	"log"
	"os"

	"koboetl/internal/config"
	"koboetl/internal/metrics"
	"koboetl/internal/metrics/datadog"
	"koboetl/internal/metrics/prompush"
)

// setupMetrics installs the metrics backend and returns its flush function.
// The backend is chosen by flag, then env METRICS_BACKEND, then config.
func setupMetrics(cfg *config.Config, backendFlg, gatewayFlg string, verbose bool) func() {
	nop := func() {}

	backendName := backendFlg
	if backendName == "" {
		backendName = os.Getenv("METRICS_BACKEND")
	}
	if backendName == "" {
		backendName = cfg.Metrics.Backend
	}

	var backend metrics.Backend
	switch backendName {
	case "pushgateway":
		// Decide Pushgateway URL: flag → env → config → default.
		gwURL := gatewayFlg
		if gwURL == "" {
			gwURL = os.Getenv("PUSHGATEWAY_URL")
		}
		if gwURL == "" {
			gwURL = cfg.Metrics.PushgatewayURL
		}
		if gwURL == "" {
			gwURL = "http://localhost:9091"
		}

		jobName := cfg.Metrics.JobName
		if jobName == "" {
			jobName = "koboetl"
		}

		b, err := prompush.NewBackend(jobName, gwURL)
		if err != nil {
			log.Printf("metrics: failed to init prom push backend: %v; using nop", err)
			return nop
		}
		log.Printf("metrics: url=%v, backend=%v, job_name=%v", gwURL, backendName, jobName)
		backend = b

	case "datadog":
		addr := cfg.Metrics.DatadogAddr
		if addr == "" {
			addr = os.Getenv("DD_DOGSTATSD_URL")
		}
		b, err := datadog.NewBackend(datadog.Config{
			Addr:       addr,
			Namespace:  "kobo.",
			GlobalTags: []string{"service:koboetl"},
		})
		if err != nil {
			log.Printf("metrics: failed to init datadog backend: %v; using nop", err)
			return nop
		}
		log.Printf("metrics: addr=%v, backend=%v", addr, backendName)
		backend = b

	case "", "none":
		// metrics disabled; nop backend remains
		if verbose {
			log.Printf("metrics: disabled (backend=%q)", backendName)
		}
		return nop

	default:
		log.Printf("metrics: unknown backend %q; metrics disabled", backendName)
		return nop
	}

	metrics.SetBackend(backend)
	return func() {
		if err := metrics.Flush(); err != nil {
			log.Printf("metrics: flush error: %v", err)
		}
	}
}
