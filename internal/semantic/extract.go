package semantic

import (
	"sort"
	"strings"
)

// Extract returns every value found at the "/"-separated path in payload.
// Kobo exports mix nested objects with flattened keys ("grp/q1") and repeat
// items whose keys carry the full group path, so at each object level the
// lookup tries, in order:
//
//  1. the next path segment as a key
//  2. the whole remaining path as one flattened key
//  3. keys ending with "/" + remaining path
//  4. descending into every value with the same remaining path
//
// Lists are traversed item by item and their results concatenated. When the
// walk finds nothing, keys at the root equal to or ending with the path (or
// its last segment) are used, then the same suffix match anywhere in the
// tree. Object keys are visited in sorted order so results are stable.
func Extract(payload map[string]any, path string) []any {
	path = strings.Trim(path, "/")
	if path == "" || payload == nil {
		return nil
	}
	segs := strings.Split(path, "/")
	if vals := walk(payload, segs); len(vals) > 0 {
		return vals
	}

	last := segs[len(segs)-1]
	var out []any
	for _, k := range sortedKeys(payload) {
		if matchesSuffix(k, path, last) {
			out = append(out, payload[k])
		}
	}
	if len(out) > 0 {
		return out
	}
	return deepCollect(payload, path, last, nil)
}

func walk(node any, segs []string) []any {
	if node == nil {
		return nil
	}
	if len(segs) == 0 {
		return []any{node}
	}
	switch t := node.(type) {
	case map[string]any:
		if v, ok := t[segs[0]]; ok {
			return walk(v, segs[1:])
		}
		rest := strings.Join(segs, "/")
		if v, ok := t[rest]; ok {
			return walk(v, nil)
		}
		keys := sortedKeys(t)
		var out []any
		for _, k := range keys {
			if strings.HasSuffix(k, "/"+rest) {
				out = append(out, walk(t[k], nil)...)
			}
		}
		if len(out) > 0 {
			return out
		}
		for _, k := range keys {
			out = append(out, walk(t[k], segs)...)
		}
		return out
	case []any:
		var out []any
		for _, it := range t {
			out = append(out, walk(it, segs)...)
		}
		return out
	}
	return nil
}

func deepCollect(node any, path, last string, out []any) []any {
	switch t := node.(type) {
	case map[string]any:
		for _, k := range sortedKeys(t) {
			if matchesSuffix(k, path, last) {
				out = append(out, t[k])
			}
			out = deepCollect(t[k], path, last, out)
		}
	case []any:
		for _, it := range t {
			out = deepCollect(it, path, last, out)
		}
	}
	return out
}

func matchesSuffix(k, path, last string) bool {
	return k == path || k == last || strings.HasSuffix(k, "/"+path) || strings.HasSuffix(k, "/"+last)
}

// FirstNonNull returns the first value that is not nil, "" or an empty list.
func FirstNonNull(vals []any) any {
	for _, v := range vals {
		switch t := v.(type) {
		case nil:
			continue
		case string:
			if t == "" {
				continue
			}
		case []any:
			if len(t) == 0 {
				continue
			}
		}
		return v
	}
	return nil
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
