package schema

import "strings"

// SkippedKeys are top-level Kobo keys that never become mappings.
var SkippedKeys = map[string]bool{
	"_attachments":       true,
	"_notes":             true,
	"_tags":              true,
	"_validation_status": true,
	"_submission_time":   true,
	"_xform_id_string":   true,
	"__version__":        true,
	"_uuid":              true,
	"meta/instanceID":    true,
	"meta/instanceid":    true,
	"_submitted_by":      true,
	"_status":            true,
	"formhub/uuid":       true,
}

// Flat is a submission flattened into "/"-joined paths.
type Flat struct {
	// Fields holds scalar values and lists of scalars by path.
	Fields map[string]any
	// Groups holds repeat group items by prefix; item keys are relative to
	// the prefix and flattened the same way.
	Groups map[string][]map[string]any
}

// Flatten flattens payload. Any list containing a map is a repeat group, as
// is a list found at one of the declared prefixes.
func Flatten(payload map[string]any, declared ...string) Flat {
	f := Flat{Fields: map[string]any{}, Groups: map[string][]map[string]any{}}
	decl := map[string]bool{}
	for _, d := range declared {
		decl[d] = true
	}
	flattenInto("", payload, f.Fields, func(path string, list []any) bool {
		if !decl[path] && !hasMap(list) {
			return false
		}
		items := make([]map[string]any, 0, len(list))
		for _, it := range list {
			m, _ := it.(map[string]any)
			items = append(items, flattenItem(path, m))
		}
		f.Groups[path] = items
		return true
	})
	return f
}

// flattenItem flattens one repeat item; nested lists of maps stay as values.
func flattenItem(prefix string, item map[string]any) map[string]any {
	out := map[string]any{}
	flattenInto("", item, out, func(string, []any) bool { return false })
	rel := make(map[string]any, len(out))
	for k, v := range out {
		rel[strings.TrimPrefix(k, prefix+"/")] = v
	}
	return rel
}

func flattenInto(prefix string, in map[string]any, out map[string]any, group func(string, []any) bool) {
	for k, v := range in {
		path := k
		if prefix != "" {
			path = prefix + "/" + k
		}
		if SkippedKeys[path] {
			continue
		}
		switch t := v.(type) {
		case map[string]any:
			flattenInto(path, t, out, group)
		case []any:
			if !group(path, t) {
				out[path] = t
			}
		default:
			out[path] = v
		}
	}
}

func hasMap(list []any) bool {
	for _, x := range list {
		if _, ok := x.(map[string]any); ok {
			return true
		}
	}
	return false
}
