// Package semantic is the semantic catalog: per analytical dataset it
// declares dimensions, measures, filters and computed metrics over the
// submissions of one source form, and projects raw payloads into the
// dimension and measure maps of a wide row.
package semantic

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// DimType classifies a dimension.
type DimType string

const (
	DimCode   DimType = "code"
	DimText   DimType = "text"
	DimDate   DimType = "date"
	DimNumber DimType = "number"
	DimGeo    DimType = "geo"
)

// Agg is an aggregation function.
type Agg string

const (
	AggSum   Agg = "sum"
	AggAvg   Agg = "avg"
	AggMin   Agg = "min"
	AggMax   Agg = "max"
	AggCount Agg = "count"
)

// Valid reports whether a is a supported aggregation.
func (a Agg) Valid() bool {
	switch a {
	case AggSum, AggAvg, AggMin, AggMax, AggCount:
		return true
	}
	return false
}

// Normalize lowercases a and maps empty or unknown values to sum.
func (a Agg) Normalize() Agg {
	n := Agg(strings.ToLower(strings.TrimSpace(string(a))))
	if !n.Valid() {
		return AggSum
	}
	return n
}

// Op is a filter operator.
type Op string

const (
	OpEq       Op = "eq"
	OpIn       Op = "in"
	OpContains Op = "contains"
	OpBetween  Op = "between"
	OpGte      Op = "gte"
	OpLte      Op = "lte"
)

// Valid reports whether o is a known operator.
func (o Op) Valid() bool {
	switch o {
	case OpEq, OpIn, OpContains, OpBetween, OpGte, OpLte:
		return true
	}
	return false
}

// Normalize lowercases o. Empty means in; unknown operators behave as eq.
func (o Op) Normalize() Op {
	n := Op(strings.ToLower(strings.TrimSpace(string(o))))
	switch {
	case n == "":
		return OpIn
	case !n.Valid():
		return OpEq
	}
	return n
}

// Kind of a computed metric.
type Kind string

const (
	KindDimension Kind = "dimension"
	KindMeasure   Kind = "measure"
)

// Dimension is a grouping attribute projected from a source path.
type Dimension struct {
	Code            string  `json:"code"`
	Label           string  `json:"label,omitempty"`
	Path            string  `json:"path"`
	Type            DimType `json:"dtype,omitempty"`
	Transform       string  `json:"transform,omitempty"`
	TransformParams Params  `json:"transform_params,omitempty"`
	IsTime          bool    `json:"is_time,omitempty"`
	IsGeo           bool    `json:"is_geo,omitempty"`
}

// Measure is a numeric value projected from a source path.
type Measure struct {
	Code            string `json:"code"`
	Label           string `json:"label,omitempty"`
	Path            string `json:"path"`
	Transform       string `json:"transform,omitempty"`
	TransformParams Params `json:"transform_params,omitempty"`
	DefaultAgg      Agg    `json:"default_agg,omitempty"`
}

// FilterDef binds a request filter code to a dimension and an operator.
type FilterDef struct {
	Code    string `json:"code"`
	Label   string `json:"label,omitempty"`
	DimCode string `json:"dim_code"`
	Op      Op     `json:"op,omitempty"`
}

// ComputedMetric derives a dimension or measure from other codes through an
// expression. Round, when set, rounds measure results to that many decimals.
type ComputedMetric struct {
	Code  string `json:"code"`
	Kind  Kind   `json:"kind,omitempty"`
	Expr  string `json:"expr"`
	Title string `json:"title,omitempty"`
	Round *int   `json:"round,omitempty"`
}

// IsMeasure reports whether c yields a measure. An empty kind means measure.
func (c ComputedMetric) IsMeasure() bool { return c.Kind != KindDimension }

// MetricRef selects a measure and its aggregation.
type MetricRef struct {
	Code string `json:"code"`
	Agg  Agg    `json:"agg,omitempty"`
}

// Dataset is one analytical view over the submissions of Source.
type Dataset struct {
	Name             string           `json:"name"`
	Source           string           `json:"source"`
	Description      string           `json:"description,omitempty"`
	Dimensions       []Dimension      `json:"dimensions"`
	Measures         []Measure        `json:"measures"`
	Filters          []FilterDef      `json:"filters,omitempty"`
	Computed         []ComputedMetric `json:"computed,omitempty"`
	DefaultGroupDims []string         `json:"default_group_dims,omitempty"`
	DefaultMetrics   []MetricRef      `json:"default_metrics,omitempty"`
}

// Dimension looks up a dimension by code.
func (d *Dataset) Dimension(code string) (Dimension, bool) {
	for _, x := range d.Dimensions {
		if x.Code == code {
			return x, true
		}
	}
	return Dimension{}, false
}

// Measure looks up a measure by code.
func (d *Dataset) Measure(code string) (Measure, bool) {
	for _, x := range d.Measures {
		if x.Code == code {
			return x, true
		}
	}
	return Measure{}, false
}

// Filter looks up a filter definition by code.
func (d *Dataset) Filter(code string) (FilterDef, bool) {
	for _, x := range d.Filters {
		if x.Code == code {
			return x, true
		}
	}
	return FilterDef{}, false
}

// ComputedMetric looks up a computed metric by code.
func (d *Dataset) ComputedMetric(code string) (ComputedMetric, bool) {
	for _, x := range d.Computed {
		if x.Code == code {
			return x, true
		}
	}
	return ComputedMetric{}, false
}

// Validate checks the internal consistency of d: codes are identifiers and
// unique, transforms exist, filters and defaults reference declared codes.
func (d *Dataset) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("dataset %s: "+format, append([]any{d.Name}, args...)...))
	}
	if !ValidCode(d.Name) {
		add("name must be an identifier")
	}
	if strings.TrimSpace(d.Source) == "" {
		add("source must not be empty")
	}

	seen := map[string]string{}
	claim := func(code, what string) {
		switch {
		case !ValidCode(code):
			add("%s code %q must match [A-Za-z_][A-Za-z0-9_]*", what, code)
		case seen[code] != "":
			add("%s code %q already used by a %s", what, code, seen[code])
		default:
			seen[code] = what
		}
	}
	for _, x := range d.Dimensions {
		claim(x.Code, "dimension")
		if !IsTransform(x.Transform) || x.Transform == DeriveSum {
			add("dimension %s: unknown transform %q", x.Code, x.Transform)
		}
	}
	for _, x := range d.Measures {
		claim(x.Code, "measure")
		switch {
		case x.Transform == DeriveSum:
			for _, s := range x.TransformParams.StringSlice("sources") {
				if m, ok := d.Measure(s); !ok || m.Transform == DeriveSum {
					add("measure %s: derive_sum source %q is not a base measure", x.Code, s)
				}
			}
		case !IsTransform(x.Transform):
			add("measure %s: unknown transform %q", x.Code, x.Transform)
		}
	}
	for _, x := range d.Computed {
		claim(x.Code, "computed metric")
		if strings.TrimSpace(x.Expr) == "" {
			add("computed metric %s: empty expression", x.Code)
		}
		if x.Kind != "" && x.Kind != KindDimension && x.Kind != KindMeasure {
			add("computed metric %s: unknown kind %q", x.Code, x.Kind)
		}
	}
	for _, f := range d.Filters {
		if !ValidCode(f.Code) {
			add("filter code %q must be an identifier", f.Code)
		}
		if _, ok := d.Dimension(f.DimCode); !ok {
			add("filter %s: unknown dimension %q", f.Code, f.DimCode)
		}
	}
	for _, g := range d.DefaultGroupDims {
		if _, ok := d.Dimension(g); !ok {
			add("default group dimension %q is not declared", g)
		}
	}
	for _, m := range d.DefaultMetrics {
		if _, ok := d.Measure(m.Code); !ok {
			add("default metric %q is not a declared measure", m.Code)
		}
	}
	return errors.Join(errs...)
}

// Catalog holds the datasets in use. It is safe for concurrent use and can
// be swapped wholesale when configuration is reloaded.
type Catalog struct {
	mu       sync.RWMutex
	datasets map[string]*Dataset
}

// NewCatalog validates datasets and indexes them by name.
func NewCatalog(datasets []Dataset) (*Catalog, error) {
	c := &Catalog{}
	if err := c.Replace(datasets); err != nil {
		return nil, err
	}
	return c, nil
}

// Replace installs datasets, leaving the catalog unchanged on error.
func (c *Catalog) Replace(datasets []Dataset) error {
	next := make(map[string]*Dataset, len(datasets))
	var errs []error
	for i := range datasets {
		ds := datasets[i]
		if err := ds.Validate(); err != nil {
			errs = append(errs, err)
			continue
		}
		if _, dup := next[ds.Name]; dup {
			errs = append(errs, fmt.Errorf("dataset %s: declared twice", ds.Name))
			continue
		}
		next[ds.Name] = &ds
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}
	c.mu.Lock()
	c.datasets = next
	c.mu.Unlock()
	return nil
}

// Get returns the dataset called name.
func (c *Catalog) Get(name string) (*Dataset, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ds, ok := c.datasets[name]
	return ds, ok
}

// Names lists dataset names in sorted order.
func (c *Catalog) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.datasets))
	for n := range c.datasets {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// ForSource returns the datasets projected from form, sorted by name.
func (c *Catalog) ForSource(form string) []*Dataset {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []*Dataset
	for _, ds := range c.datasets {
		if ds.Source == form {
			out = append(out, ds)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
