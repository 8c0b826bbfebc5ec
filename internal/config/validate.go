package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/robfig/cron/v3"

	"koboetl/internal/expr"
	"koboetl/internal/semantic"
	"koboetl/internal/source"
)

// IssueSeverity represents the severity of a configuration issue.
type IssueSeverity string

const (
	// SeverityError indicates a configuration error that should block execution.
	SeverityError IssueSeverity = "error"
	// SeverityWarning indicates a finding that is surfaced to users but does
	// not block execution.
	SeverityWarning IssueSeverity = "warning"
)

// Issue describes a single validation finding.
//
// Path is a dotted path into the config (e.g. "storage.kind",
// "datasets[1].computed[0].expr"). Message is human-readable.
type Issue struct {
	Severity IssueSeverity
	Path     string
	Message  string
}

// Error implements the error interface so an Issue can be treated as a single
// error in contexts that expect error.
func (i Issue) Error() string {
	return fmt.Sprintf("%s at %s: %s", i.Severity, i.Path, i.Message)
}

// HasErrors reports whether issues contains at least one SeverityError.
func HasErrors(issues []Issue) bool {
	for _, iss := range issues {
		if iss.Severity == SeverityError {
			return true
		}
	}
	return false
}

// Validate performs static validation of cfg. It does not mutate cfg.
// Callers decide whether warnings are fatal.
//
// Example:
//
//	cfg, err := config.Load("koboetl.json")
//	if err != nil { ... }
//	for _, iss := range config.Validate(cfg) {
//	    fmt.Printf("%s: %s: %s\n", iss.Severity, iss.Path, iss.Message)
//	}
func Validate(cfg *Config) []Issue {
	var issues []Issue
	issues = append(issues, validateStorage(cfg.Storage)...)
	issues = append(issues, validateHTTP(cfg.HTTP)...)
	issues = append(issues, validateSources(cfg.Sources)...)
	issues = append(issues, validateDatasets(cfg.Datasets, cfg.Sources)...)
	issues = append(issues, validateRuntime(cfg.Runtime)...)
	issues = append(issues, validateMetrics(cfg.Metrics)...)
	return issues
}

func errorf(path, format string, a ...any) Issue {
	return Issue{Severity: SeverityError, Path: path, Message: fmt.Sprintf(format, a...)}
}

func warnf(path, format string, a ...any) Issue {
	return Issue{Severity: SeverityWarning, Path: path, Message: fmt.Sprintf(format, a...)}
}

// validateStorage validates the storage section.
func validateStorage(s Storage) []Issue {
	var issues []Issue

	if strings.TrimSpace(s.Kind) == "" {
		return append(issues, errorf("storage.kind", "storage.kind must not be empty"))
	}

	// Unknown kinds are warnings; a backend may be registered by another build.
	known := map[string]struct{}{
		"sqlite":   {},
		"postgres": {},
		"mysql":    {},
		"mssql":    {},
	}
	if _, ok := known[s.Kind]; !ok {
		issues = append(issues, warnf("storage.kind",
			"unknown storage kind %q; ensure a matching backend is registered", s.Kind))
	}
	if strings.TrimSpace(s.DSN) == "" {
		issues = append(issues, errorf("storage.dsn", "%s storage requires a non-empty dsn", s.Kind))
	}
	if s.MaxOpenConns < 0 {
		issues = append(issues, errorf("storage.max_open_conns", "max_open_conns must be >= 0"))
	}
	return issues
}

// validateHTTP validates the http section.
func validateHTTP(h HTTP) []Issue {
	var issues []Issue
	for _, d := range []struct {
		path string
		v    Duration
	}{
		{"http.timeout", h.Timeout},
		{"http.initial_backoff", h.InitialBackoff},
		{"http.max_backoff", h.MaxBackoff},
	} {
		if d.v < 0 {
			issues = append(issues, errorf(d.path, "duration must be >= 0, got %s", d.v.D()))
		}
	}
	if h.InitialBackoff > 0 && h.MaxBackoff > 0 && h.MaxBackoff < h.InitialBackoff {
		issues = append(issues, warnf("http.max_backoff",
			"max_backoff %s is below initial_backoff %s; every retry waits max_backoff", h.MaxBackoff.D(), h.InitialBackoff.D()))
	}
	if h.InsecureSkipVerify {
		issues = append(issues, warnf("http.insecure_skip_verify", "TLS certificate verification is disabled"))
	}
	return issues
}

// validateSources validates each source and the uniqueness of names and
// tables.
func validateSources(srcs []Source) []Issue {
	var issues []Issue
	if len(srcs) == 0 {
		issues = append(issues, warnf("sources", "no sources configured; nothing will be synced"))
	}
	names := map[string]int{}
	tables := map[string]int{}
	for i, s := range srcs {
		path := fmt.Sprintf("sources[%d]", i)
		issues = append(issues, validateSource(path, s)...)
		if s.Name != "" {
			if j, dup := names[s.Name]; dup {
				issues = append(issues, errorf(path+".name", "source name %q already used by sources[%d]", s.Name, j))
			} else {
				names[s.Name] = i
			}
		}
		if s.Table != "" {
			if j, dup := tables[s.Table]; dup {
				issues = append(issues, errorf(path+".table", "table %q already used by sources[%d]", s.Table, j))
			} else {
				tables[s.Table] = i
			}
		}
	}
	return issues
}

func validateSource(path string, s Source) []Issue {
	var issues []Issue

	if strings.TrimSpace(s.Name) == "" {
		issues = append(issues, errorf(path+".name", "source name must not be empty"))
	}
	switch u, err := url.Parse(s.ServerURL); {
	case strings.TrimSpace(s.ServerURL) == "":
		issues = append(issues, errorf(path+".server_url", "server_url must not be empty"))
	case err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "":
		issues = append(issues, errorf(path+".server_url", "server_url %q must be an absolute http(s) URL", s.ServerURL))
	case u.Scheme == "http":
		issues = append(issues, warnf(path+".server_url", "server_url uses plain http; the API token is sent unencrypted"))
	}
	if strings.TrimSpace(s.AssetUID) == "" {
		issues = append(issues, errorf(path+".asset_uid", "asset_uid must not be empty"))
	}
	if strings.TrimSpace(s.Token) == "" {
		issues = append(issues, warnf(path+".token", "no API token; only public assets can be read"))
	}
	switch source.Mode(strings.ToLower(string(s.Mode))) {
	case "", source.ModeAuto, source.ModeOData, source.ModeREST:
	default:
		issues = append(issues, errorf(path+".mode", "unknown mode %q; expected auto, odata or rest", s.Mode))
	}
	if s.Table != "" && !semantic.ValidCode(s.Table) {
		issues = append(issues, errorf(path+".table", "table %q must match [A-Za-z_][A-Za-z0-9_]*", s.Table))
	}
	for j, g := range s.RepeatGroups {
		if strings.TrimSpace(g) == "" {
			issues = append(issues, errorf(fmt.Sprintf("%s.repeat_groups[%d]", path, j), "repeat group must not be empty"))
		}
	}
	if s.Schedule != "" {
		if _, err := cron.ParseStandard(s.Schedule); err != nil {
			issues = append(issues, errorf(path+".schedule", "invalid cron expression %q: %v", s.Schedule, err))
		}
		if !s.IsActive() {
			issues = append(issues, warnf(path+".schedule", "source is inactive; its schedule never fires"))
		}
	}
	return issues
}

// validateDatasets validates each dataset against the semantic rules, the
// configured sources and its computed metric formulas.
func validateDatasets(dss []semantic.Dataset, srcs []Source) []Issue {
	var issues []Issue
	sources := map[string]bool{}
	for _, s := range srcs {
		sources[s.Name] = true
	}
	names := map[string]int{}
	for i := range dss {
		ds := &dss[i]
		path := fmt.Sprintf("datasets[%d]", i)
		if j, dup := names[ds.Name]; dup {
			issues = append(issues, errorf(path+".name", "dataset %q already declared by datasets[%d]", ds.Name, j))
		} else {
			names[ds.Name] = i
		}
		if err := ds.Validate(); err != nil {
			for _, e := range flatten(err) {
				issues = append(issues, errorf(path, "%v", e))
			}
		}
		if ds.Source != "" && !sources[ds.Source] {
			issues = append(issues, errorf(path+".source", "source %q is not a configured source", ds.Source))
		}
		for j, f := range ds.Filters {
			if f.Op != "" && !f.Op.Valid() {
				issues = append(issues, warnf(fmt.Sprintf("%s.filters[%d].op", path, j),
					"unknown operator %q; it behaves as eq", f.Op))
			}
		}
		for j, m := range ds.DefaultMetrics {
			if m.Agg != "" && !semantic.Agg(strings.ToLower(string(m.Agg))).Valid() {
				issues = append(issues, warnf(fmt.Sprintf("%s.default_metrics[%d].agg", path, j),
					"unknown aggregation %q; sum is used", m.Agg))
			}
		}
		for j, m := range ds.Measures {
			if m.DefaultAgg != "" && !semantic.Agg(strings.ToLower(string(m.DefaultAgg))).Valid() {
				issues = append(issues, warnf(fmt.Sprintf("%s.measures[%d].default_agg", path, j),
					"unknown aggregation %q; sum is used", m.DefaultAgg))
			}
		}
		issues = append(issues, validateComputed(path, ds)...)
	}
	return issues
}

// validateComputed compiles every formula of ds, checks that identifiers name
// measures or computed metrics and that the formulas can be ordered.
func validateComputed(path string, ds *semantic.Dataset) []Issue {
	var issues []Issue
	defs := make([]expr.Def, 0, len(ds.Computed))
	compiled := true
	for j, c := range ds.Computed {
		cpath := fmt.Sprintf("%s.computed[%d]", path, j)
		defs = append(defs, expr.Def{Code: c.Code, Expr: c.Expr})
		prog, err := expr.Compile(c.Expr)
		if err != nil {
			compiled = false
			issues = append(issues, errorf(cpath+".expr", "%v", err))
			continue
		}
		for _, v := range prog.Vars() {
			_, measure := ds.Measure(v)
			_, computed := ds.ComputedMetric(v)
			if !measure && !computed {
				issues = append(issues, errorf(cpath+".expr", "%q is not a measure or computed metric of %s", v, ds.Name))
			}
		}
		for _, d := range prog.Dims() {
			_, dim := ds.Dimension(d)
			_, computed := ds.ComputedMetric(d)
			if !dim && !computed {
				issues = append(issues, warnf(cpath+".expr", "DIM(%q) is not a dimension of %s; only filter values can match", d, ds.Name))
			}
		}
		if c.Round != nil && !c.IsMeasure() {
			issues = append(issues, warnf(cpath+".round", "round is ignored for computed dimensions"))
		}
	}
	if !compiled {
		return issues
	}
	if _, err := expr.Order(defs); err != nil {
		issues = append(issues, errorf(path+".computed", "%v", err))
	}
	return issues
}

// flatten expands errors.Join trees into their leaves.
func flatten(err error) []error {
	var j interface{ Unwrap() []error }
	if !errors.As(err, &j) {
		return []error{err}
	}
	var out []error
	for _, e := range j.Unwrap() {
		out = append(out, flatten(e)...)
	}
	return out
}

// validateRuntime validates the runtime section.
func validateRuntime(r Runtime) []Issue {
	var issues []Issue
	if r.BatchSize < 0 {
		issues = append(issues, errorf("runtime.batch_size", "batch_size must be >= 0 (0 uses the default)"))
	}
	if r.Concurrency < 0 {
		issues = append(issues, errorf("runtime.concurrency", "concurrency must be >= 0 (0 uses the default)"))
	}
	if r.BatchSize > 10000 {
		issues = append(issues, warnf("runtime.batch_size", "batch_size %d holds a transaction open for many records", r.BatchSize))
	}
	return issues
}

// validateMetrics validates the metrics section.
func validateMetrics(m Metrics) []Issue {
	var issues []Issue
	switch strings.ToLower(m.Backend) {
	case "", "none":
	case "pushgateway":
		if m.PushgatewayURL != "" {
			if u, err := url.Parse(m.PushgatewayURL); err != nil || u.Host == "" {
				issues = append(issues, errorf("metrics.pushgateway_url", "pushgateway_url %q must be an absolute URL", m.PushgatewayURL))
			}
		}
	case "datadog":
		if strings.TrimSpace(m.DatadogAddr) == "" {
			issues = append(issues, errorf("metrics.datadog_addr", "datadog backend requires datadog_addr"))
		}
	default:
		issues = append(issues, warnf("metrics.backend", "unknown metrics backend %q; metrics disabled", m.Backend))
	}
	return issues
}
