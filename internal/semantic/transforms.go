package semantic

import (
	"encoding/json"
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Transform converts one extracted value. A nil result means null.
type Transform func(v any, p Params) any

// DeriveSum is the measure transform that adds other measures of the same
// row instead of reading a path.
const DeriveSum = "derive_sum"

var transforms = map[string]Transform{
	"identity":               func(v any, _ Params) any { return v },
	"to_date":                func(v any, _ Params) any { return nilIfEmpty(ToDate(v)) },
	"to_number":              func(v any, _ Params) any { return floatOrNil(ToNumber(v)) },
	"to_int":                 toInt,
	"to_bool":                toBool,
	"lat":                    func(v any, _ Params) any { return floatOrNil(Lat(v)) },
	"lon":                    func(v any, _ Params) any { return floatOrNil(Lon(v)) },
	"first_in_array":         firstInArray,
	"sum_array_field_number": sumArrayField,
}

// IsTransform reports whether name is a registered transform. Empty means
// identity.
func IsTransform(name string) bool {
	if name == "" || name == DeriveSum {
		return true
	}
	_, ok := transforms[name]
	return ok
}

// TransformNames lists the registered transforms in sorted order.
func TransformNames() []string {
	out := []string{DeriveSum}
	for n := range transforms {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Apply runs the named transform. Unknown names leave v unchanged.
func Apply(name string, v any, p Params) any {
	if fn, ok := transforms[name]; ok {
		return fn(v, p)
	}
	return v
}

var nullStrings = map[string]bool{"": true, "null": true, "none": true, "na": true, "n/a": true, "nan": true, "nil": true, "-": true}

// IsNullish reports nil, NaN and the textual spellings of "no value".
func IsNullish(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case float64:
		return math.IsNaN(t)
	case string:
		return nullStrings[strings.ToLower(strings.TrimSpace(t))]
	case []any:
		return len(t) == 0
	}
	return false
}

var dateLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05Z07:00",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04",
	"2006-01-02",
	"2006/01/02",
	"02/01/2006",
}

// ToDate returns v as an ISO date (YYYY-MM-DD), or "" when v is not a date.
// Datetimes keep their own calendar day.
func ToDate(v any) string {
	if IsNullish(v) {
		return ""
	}
	if t, ok := v.(time.Time); ok {
		return t.Format("2006-01-02")
	}
	s, ok := v.(string)
	if !ok {
		return ""
	}
	s = strings.TrimSpace(s)
	for _, l := range dateLayouts {
		if t, err := time.Parse(l, s); err == nil {
			return t.Format("2006-01-02")
		}
	}
	return ""
}

var nonNumeric = regexp.MustCompile(`[^\d.\-]`)

// ToNumber parses v leniently: booleans become 1/0, "1 234,56" and
// "1,234.56" are both understood, and stray characters are dropped as a last
// resort.
func ToNumber(v any) (float64, bool) {
	if IsNullish(v) {
		return 0, false
	}
	switch t := v.(type) {
	case bool:
		if t {
			return 1, true
		}
		return 0, true
	case float64:
		return t, true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	case string:
		s := strings.NewReplacer(" ", "", "\u00a0", "").Replace(strings.TrimSpace(t))
		switch {
		case strings.Contains(s, ",") && strings.Contains(s, "."):
			s = strings.ReplaceAll(s, ",", "")
		case strings.Contains(s, ","):
			s = strings.ReplaceAll(s, ",", ".")
		}
		if f, err := strconv.ParseFloat(s, 64); err == nil && !math.IsInf(f, 0) && !math.IsNaN(f) {
			return f, true
		}
		if f, err := strconv.ParseFloat(nonNumeric.ReplaceAllString(s, ""), 64); err == nil {
			return f, true
		}
	}
	return 0, false
}

func toInt(v any, _ Params) any {
	f, ok := ToNumber(v)
	if !ok {
		return nil
	}
	return math.Trunc(f)
}

func toBool(v any, _ Params) any {
	switch t := v.(type) {
	case nil:
		return nil
	case bool:
		return t
	}
	switch strings.ToLower(strings.TrimSpace(scalarText(v))) {
	case "1", "true", "vrai", "yes", "oui", "y":
		return true
	case "0", "false", "faux", "no", "non", "n":
		return false
	}
	return nil
}

// Lat extracts a latitude from a point given as [lat, lon], an object with
// lat/latitude keys, or "lat lon" / "lat,lon" text. Out-of-range values are
// rejected.
func Lat(v any) (float64, bool) {
	lat, _ := parseGeo(v)
	return inRange(lat, 90)
}

// Lon is Lat for the longitude.
func Lon(v any) (float64, bool) {
	_, lon := parseGeo(v)
	return inRange(lon, 180)
}

func inRange(v any, limit float64) (float64, bool) {
	f, ok := ToNumber(v)
	if !ok || f < -limit || f > limit {
		return 0, false
	}
	return f, true
}

func parseGeo(v any) (lat, lon any) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case []any:
		if len(t) >= 2 {
			return t[0], t[1]
		}
		return nil, nil
	case map[string]any:
		return firstOf(t, "lat", "latitude"), firstOf(t, "lon", "lng", "longitude")
	}
	parts := strings.Fields(strings.ReplaceAll(scalarText(v), ",", " "))
	if len(parts) >= 2 {
		return parts[0], parts[1]
	}
	return nil, nil
}

func firstOf(m map[string]any, keys ...string) any {
	for _, k := range keys {
		if v, ok := m[k]; ok && v != nil {
			return v
		}
	}
	return nil
}

// firstInArray reads the first item of a repeat group, optionally descends
// into the first item of the nested group named by "sublist", and returns the
// first non-null value of "sub_field" there.
func firstInArray(v any, p Params) any {
	item, ok := firstItem(v)
	if !ok {
		return nil
	}
	if sub := p.String("sublist", ""); sub != "" {
		m, ok := item.(map[string]any)
		if !ok {
			return nil
		}
		if item, ok = firstItem(FirstNonNull(Extract(m, sub))); !ok {
			return nil
		}
	}
	field := p.String("sub_field", "")
	if field == "" {
		return item
	}
	m, ok := item.(map[string]any)
	if !ok {
		return nil
	}
	return FirstNonNull(Extract(m, field))
}

// sumArrayField adds the numeric values of "field" over every item of a
// repeat group.
func sumArrayField(v any, p Params) any {
	field := p.String("field", "")
	var items []any
	switch t := v.(type) {
	case []any:
		items = t
	case map[string]any:
		items = []any{t}
	default:
		return nil
	}
	var (
		sum   float64
		found bool
	)
	for _, it := range items {
		m, ok := it.(map[string]any)
		if !ok {
			continue
		}
		for _, x := range Extract(m, field) {
			if f, ok := ToNumber(x); ok {
				sum += f
				found = true
			}
		}
	}
	if !found {
		return nil
	}
	return sum
}

func firstItem(v any) (any, bool) {
	switch t := v.(type) {
	case []any:
		if len(t) == 0 {
			return nil, false
		}
		return t[0], true
	case map[string]any:
		return t, true
	}
	return nil, false
}

// scalarText renders scalars as text; containers are JSON encoded.
func scalarText(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case json.Number:
		return t.String()
	}
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}

func nilIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func floatOrNil(f float64, ok bool) any {
	if !ok {
		return nil
	}
	return f
}
