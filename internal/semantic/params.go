package semantic

import "encoding/json"

// Params is the free-form transform_params object of a dimension or measure.
// Accessors perform only minimal coercion and return the provided default
// when a key is absent or of an unexpected type.
type Params map[string]any

// String returns the string value for key or def.
func (p Params) String(key, def string) string {
	if v, ok := p[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return def
}

// Int returns the int value for key or def. JSON numbers decode as float64.
func (p Params) Int(key string, def int) int {
	if v, ok := p[key]; ok {
		switch n := v.(type) {
		case float64:
			return int(n)
		case int:
			return n
		}
	}
	return def
}

// Bool returns the bool value for key or def.
func (p Params) Bool(key string, def bool) bool {
	if v, ok := p[key]; ok {
		if b, ok := v.(bool); ok {
			return b
		}
	}
	return def
}

// StringSlice returns the strings of an array value; non-strings are skipped.
// A missing key yields nil.
func (p Params) StringSlice(key string) []string {
	if v, ok := p[key]; ok {
		switch vv := v.(type) {
		case []any:
			out := make([]string, 0, len(vv))
			for _, x := range vv {
				if s, ok := x.(string); ok {
					out = append(out, s)
				}
			}
			return out
		case []string:
			return vv
		}
	}
	return nil
}

// UnmarshalJSON decodes null into an empty, non-nil Params.
func (p *Params) UnmarshalJSON(b []byte) error {
	if len(b) == 0 || string(b) == "null" {
		*p = Params{}
		return nil
	}
	var tmp map[string]any
	if err := json.Unmarshal(b, &tmp); err != nil {
		return err
	}
	*p = Params(tmp)
	return nil
}
