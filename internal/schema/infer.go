package schema

import (
	"encoding/json"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Options tune inference.
type Options struct {
	// RepeatGroups are prefixes declared as repeat groups up front.
	RepeatGroups []string
	// MaxLength is the width given to string fields (default 255).
	MaxLength int
}

func (o Options) maxLength() int {
	if o.MaxLength <= 0 {
		return 255
	}
	return o.MaxLength
}

var boolLiterals = map[string]bool{
	"true": true, "false": true, "yes": true, "no": true,
	"oui": true, "non": true, "vrai": true, "faux": true,
}

var (
	dateLayouts     = []string{"2006-01-02", "02/01/2006"}
	datetimeLayouts = []string{
		time.RFC3339Nano,
		"2006-01-02T15:04:05.999999999",
		"2006-01-02T15:04:05.999999999-0700",
		"2006-01-02 15:04:05",
	}
)

// InferValue guesses the type of one sampled value. The first match wins:
// boolean literal, date, datetime, integer, decimal, string. JSON booleans
// and numbers map directly; lists of scalars are strings.
func InferValue(path string, v any) (Type, bool) {
	if isGeoPath(path) {
		return TypeGeo, true
	}
	switch x := v.(type) {
	case nil:
		return "", false
	case bool:
		return TypeBoolean, true
	case json.Number:
		if _, err := x.Int64(); err == nil {
			return TypeInteger, true
		}
		return TypeDecimal, true
	case float64:
		if x == float64(int64(x)) {
			return TypeInteger, true
		}
		return TypeDecimal, true
	case int, int64:
		return TypeInteger, true
	case []any:
		return TypeString, true
	case string:
		return inferString(x)
	default:
		return TypeString, true
	}
}

func inferString(s string) (Type, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", false
	}
	if boolLiterals[strings.ToLower(s)] {
		return TypeBoolean, true
	}
	for _, l := range dateLayouts {
		if _, err := time.Parse(l, s); err == nil {
			return TypeDate, true
		}
	}
	for _, l := range datetimeLayouts {
		if _, err := time.Parse(l, s); err == nil {
			return TypeDatetime, true
		}
	}
	if isInt(s) {
		return TypeInteger, true
	}
	if _, err := strconv.ParseFloat(s, 64); err == nil {
		return TypeDecimal, true
	}
	return TypeString, true
}

// isInt requires a signed base-10 integer that fits in int64.
func isInt(s string) bool {
	_, err := strconv.ParseInt(s, 10, 64)
	return err == nil
}

func isGeoPath(path string) bool {
	p := strings.ToLower(path)
	return p == "_geolocation" || strings.HasSuffix(p, "/_geolocation") || strings.HasSuffix(p, "geopoint")
}

// merge combines the types seen for one path: integers widen to decimal,
// dates to datetime, anything else disagreeing to string.
func merge(a, b Type) Type {
	switch {
	case a == "":
		return b
	case b == "" || a == b:
		return a
	case (a == TypeInteger && b == TypeDecimal) || (a == TypeDecimal && b == TypeInteger):
		return TypeDecimal
	case (a == TypeDate && b == TypeDatetime) || (a == TypeDatetime && b == TypeDate):
		return TypeDatetime
	default:
		return TypeString
	}
}

type pathInfo struct {
	typ    Type
	list   bool
	repeat bool
}

// Infer derives the mappings that samples imply for form and that existing
// does not already contain. Existing canonical names are kept and reserved,
// so repeated calls only ever add. The result is sorted by external path.
func Infer(existing []FieldMapping, form string, samples []map[string]any, opts Options) []FieldMapping {
	known := map[string]FieldMapping{}
	for _, m := range existing {
		known[m.ExternalPath] = m
	}

	parentPaths := map[string]*pathInfo{}
	childPaths := map[string]map[string]*pathInfo{} // prefix -> item key -> info
	observe := func(dst map[string]*pathInfo, path string, v any) {
		pi := dst[path]
		if pi == nil {
			pi = &pathInfo{}
			dst[path] = pi
		}
		if _, ok := v.([]any); ok {
			pi.list = true
		}
		if t, ok := InferValue(path, v); ok {
			pi.typ = merge(pi.typ, t)
		}
	}

	declared := append([]string(nil), opts.RepeatGroups...)
	for _, m := range existing {
		if m.IsRepeat {
			declared = append(declared, m.ExternalPath)
		}
	}
	for _, s := range samples {
		flat := Flatten(s, declared...)
		for p, v := range flat.Fields {
			observe(parentPaths, p, v)
		}
		for prefix, items := range flat.Groups {
			pi := parentPaths[prefix]
			if pi == nil {
				pi = &pathInfo{}
				parentPaths[prefix] = pi
			}
			pi.repeat = true
			if childPaths[prefix] == nil {
				childPaths[prefix] = map[string]*pathInfo{}
			}
			for _, it := range items {
				for k, v := range it {
					observe(childPaths[prefix], k, v)
				}
			}
		}
	}
	for _, d := range opts.RepeatGroups {
		if parentPaths[d] == nil {
			parentPaths[d] = &pathInfo{repeat: true}
		}
		parentPaths[d].repeat = true
	}
	// A list-valued (usually empty) path with a sibling "<path>_count" is a
	// repeat group too.
	for p, pi := range parentPaths {
		if _, ok := parentPaths[p+"_count"]; ok && pi.list && !isGeoPath(p) {
			pi.repeat = true
		}
	}

	parentNamer := NewNamer(ParentSystemColumns...)
	childNamers := map[string]*Namer{}
	tableNamer := NewNamer()
	childNamer := func(prefix string) *Namer {
		if n := childNamers[prefix]; n != nil {
			return n
		}
		n := NewNamer(ChildSystemColumns...)
		childNamers[prefix] = n
		return n
	}
	for _, m := range existing {
		switch {
		case m.IsRepeat:
			tableNamer.used[m.CanonicalName] = true
		case m.RepeatPrefix != "":
			childNamer(m.RepeatPrefix).used[m.CanonicalName] = true
		default:
			parentNamer.used[m.CanonicalName] = true
		}
	}

	var out []FieldMapping
	for _, p := range sortedKeys(parentPaths) {
		pi := parentPaths[p]
		if _, ok := known[p]; ok {
			continue
		}
		if pi.repeat {
			out = append(out, FieldMapping{Form: form, ExternalPath: p, CanonicalName: tableNamer.Name(p), Type: TypeString, IsRepeat: true})
			continue
		}
		out = append(out, newMapping(form, p, "", pi.typ, parentNamer.Name(p), opts))
	}
	for _, prefix := range sortedKeys(childPaths) {
		n := childNamer(prefix)
		for _, k := range sortedKeys(childPaths[prefix]) {
			full := prefix + "/" + k
			if _, ok := known[full]; ok {
				continue
			}
			out = append(out, newMapping(form, full, prefix, childPaths[prefix][k].typ, n.Name(k), opts))
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ExternalPath < out[j].ExternalPath })
	return out
}

func newMapping(form, path, prefix string, t Type, canon string, opts Options) FieldMapping {
	if t == "" {
		t = TypeString
	}
	m := FieldMapping{Form: form, ExternalPath: path, CanonicalName: canon, Type: t, RepeatPrefix: prefix}
	if t == TypeString {
		m.MaxLength = opts.maxLength()
	}
	return m
}

func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
