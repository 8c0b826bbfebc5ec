package semantic

import (
	"encoding/json"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// SuggestOptions tunes Suggest.
type SuggestOptions struct {
	// Sample bounds the number of records inspected (default 200).
	Sample int
	// Expand lists repeat-group paths whose items are inspected too.
	Expand []string
	// Rename forces the code of a path or last segment.
	Rename map[string]string
}

// Suggestion is a starting point for a dataset declaration.
type Suggestion struct {
	Dimensions []Dimension `json:"dimensions"`
	Measures   []Measure   `json:"measures"`
	Filters    []FilterDef `json:"filters"`
}

// knownDims are administrative and veterinary codes that are always
// dimensions, in the order their filters are proposed.
var knownDims = []string{"region", "cercle", "commune", "antigene", "espece", "maladie"}

var dateLike = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}([T\s]\d{2}:\d{2}(:\d{2})?(\.\d+)?(Z|[+\-]\d{2}:\d{2})?)?$`)

type typeStats struct{ num, date, text int }

// Suggest inspects sample records and proposes dimensions, measures and
// filters:
//   - date-like values or date-named fields become time dimensions
//     (transform to_date) and the first one gets a "periode" between filter
//   - known codes (region, cercle, commune, antigene, espece, maladie) become
//     code dimensions with an "in" filter
//   - other numeric fields become sum measures (transform to_number), except
//     identifiers, system fields and phone numbers
func Suggest(records []map[string]any, opts SuggestOptions) Suggestion {
	if opts.Sample <= 0 {
		opts.Sample = 200
	}
	expand := map[string]bool{}
	for _, e := range opts.Expand {
		expand[strings.Trim(e, "/")] = true
	}

	stats := map[string]*typeStats{}
	for i, r := range records {
		if i >= opts.Sample {
			break
		}
		collectStats(r, "", expand, stats)
	}
	paths := make([]string, 0, len(stats))
	for p := range stats {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	var (
		out   Suggestion
		used  = map[string]bool{}
		title = cases.Title(language.Und)
	)
	for _, path := range paths {
		st := stats[path]
		last := path[strings.LastIndex(path, "/")+1:]
		lower := strings.ToLower(last)

		src := last
		if r, ok := opts.Rename[path]; ok {
			src = r
		} else if r, ok := opts.Rename[last]; ok {
			src = r
		}
		code := codeFromName(src)
		if used[code] {
			continue
		}
		label := title.String(strings.ReplaceAll(code, "_", " "))

		switch {
		case st.date > 0 || strings.HasPrefix(lower, "date") || strings.HasSuffix(lower, "date") ||
			lower == "_submission_time" || lower == "start" || lower == "end":
			out.Dimensions = append(out.Dimensions, Dimension{
				Code: code, Label: label, Path: path, Type: DimDate, Transform: "to_date", IsTime: true,
			})
		case isKnownDim(lower):
			out.Dimensions = append(out.Dimensions, Dimension{Code: code, Label: label, Path: path, Type: DimCode})
		case st.num > 0 && !strings.HasPrefix(lower, "_") && !strings.Contains(lower, "uuid") && lower != "id" &&
			!strings.Contains(lower, "phone") && !strings.Contains(lower, "telephone"):
			out.Measures = append(out.Measures, Measure{
				Code: code, Label: label, Path: path, Transform: "to_number", DefaultAgg: AggSum,
			})
		default:
			continue
		}
		used[code] = true
	}

	for _, d := range out.Dimensions {
		if d.IsTime {
			out.Filters = append(out.Filters, FilterDef{Code: "periode", Label: "Période", DimCode: d.Code, Op: OpBetween})
			break
		}
	}
	for _, k := range knownDims {
		for _, d := range out.Dimensions {
			if d.Code == k {
				out.Filters = append(out.Filters, FilterDef{Code: k, Label: title.String(k), DimCode: k, Op: OpIn})
				break
			}
		}
	}
	return out
}

func collectStats(node any, prefix string, expand map[string]bool, stats map[string]*typeStats) {
	switch t := node.(type) {
	case map[string]any:
		for k, v := range t {
			key := k
			if prefix != "" && !strings.HasPrefix(k, prefix+"/") {
				key = prefix + "/" + k
			}
			collectStats(v, key, expand, stats)
		}
	case []any:
		if !expand[prefix] {
			return
		}
		for _, it := range t {
			if m, ok := it.(map[string]any); ok {
				collectStats(m, prefix, expand, stats)
			}
		}
	default:
		if prefix == "" || t == nil || t == "" {
			return
		}
		st := stats[prefix]
		if st == nil {
			st = &typeStats{}
			stats[prefix] = st
		}
		switch {
		case looksLikeDate(t):
			st.date++
		case looksLikeNumber(t):
			st.num++
		default:
			st.text++
		}
	}
}

func looksLikeDate(v any) bool {
	s, ok := v.(string)
	if !ok {
		return false
	}
	s = strings.TrimSpace(s)
	return len(s) >= 8 && len(s) <= 35 && dateLike.MatchString(s)
}

func looksLikeNumber(v any) bool {
	switch t := v.(type) {
	case float64, int, int64:
		return true
	case json.Number:
		_, err := t.Float64()
		return err == nil
	case string:
		s := strings.TrimSpace(t)
		if s == "" {
			return false
		}
		_, err := strconv.ParseFloat(strings.ReplaceAll(s, ",", "."), 64)
		return err == nil
	}
	return false
}

func isKnownDim(name string) bool {
	for _, k := range knownDims {
		if k == name {
			return true
		}
	}
	return false
}

var nonIdent = regexp.MustCompile(`[^0-9A-Za-z_]`)

// codeFromName sanitizes the last segment of a path into a dimension or
// measure code.
func codeFromName(name string) string {
	code := strings.Trim(nonIdent.ReplaceAllString(name, "_"), "_")
	if code == "" {
		return "field"
	}
	if code[0] >= '0' && code[0] <= '9' {
		code = "c_" + code
	}
	return Alias(code)
}
