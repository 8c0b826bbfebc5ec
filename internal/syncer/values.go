package syncer

import (
	"encoding/json"
	"fmt"
	"log"
	"math"
	"strconv"
	"strings"
	"unicode/utf8"

	"koboetl/internal/schema"
	"koboetl/internal/source"
	"koboetl/internal/storage"
)

// coercer turns flattened payload values into bind values for mapped
// columns. Values that cannot be coerced become NULL; oversized strings are
// truncated with a warning.
type coercer struct {
	d        storage.Dialect
	form     string
	identity string
}

// value coerces v for m. ok is false when v is absent or unusable.
func (c coercer) value(m schema.FieldMapping, v any) (any, bool) {
	if v == nil {
		return nil, false
	}
	switch m.Type {
	case schema.TypeInteger:
		return toInt(v)
	case schema.TypeDecimal:
		return toFloat(v)
	case schema.TypeBoolean:
		return toBool(v)
	case schema.TypeDate, schema.TypeDatetime:
		t, ok := source.ParseTime(scalar(v))
		if !ok {
			if s, _ := toString(v); strings.TrimSpace(s) != "" {
				log.Printf("syncer: coerced to null form=%s instance=%s column=%s type=%s value=%q",
					c.form, c.identity, m.CanonicalName, m.Type, s)
			}
			return nil, false
		}
		return c.d.TimeValue(t, m.Type == schema.TypeDate), true
	default:
		s, ok := toString(v)
		if !ok {
			return nil, false
		}
		return c.fit(m, s), true
	}
}

// fit truncates s to the declared width of m.
func (c coercer) fit(m schema.FieldMapping, s string) string {
	if m.MaxLength <= 0 || utf8.RuneCountInString(s) <= m.MaxLength {
		return s
	}
	log.Printf("syncer: value truncated form=%s instance=%s column=%s len=%d max=%d",
		c.form, c.identity, m.CanonicalName, utf8.RuneCountInString(s), m.MaxLength)
	return truncateRunes(s, m.MaxLength)
}

func truncateRunes(s string, n int) string {
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}

func scalar(v any) string {
	s, _ := toString(v)
	return s
}

func toString(v any) (string, bool) {
	switch x := v.(type) {
	case nil:
		return "", false
	case string:
		return x, true
	case json.Number:
		return x.String(), true
	case bool:
		return strconv.FormatBool(x), true
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64), true
	case []any, map[string]any:
		b, err := json.Marshal(x)
		if err != nil {
			return "", false
		}
		return string(b), true
	default:
		return fmt.Sprint(x), true
	}
}

func toInt(v any) (any, bool) {
	switch x := v.(type) {
	case json.Number:
		if n, err := x.Int64(); err == nil {
			return n, true
		}
		if f, err := x.Float64(); err == nil {
			return integral(f)
		}
	case float64:
		return integral(x)
	case int:
		return int64(x), true
	case int64:
		return x, true
	case bool:
		if x {
			return int64(1), true
		}
		return int64(0), true
	case string:
		s := strings.TrimSpace(x)
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			return n, true
		}
		if f, err := strconv.ParseFloat(strings.ReplaceAll(s, ",", "."), 64); err == nil {
			return integral(f)
		}
	}
	return nil, false
}

// integral converts f when it is a whole number within int64 range.
func integral(f float64) (any, bool) {
	if f != math.Trunc(f) || f < math.MinInt64 || f >= 1<<63 {
		return nil, false
	}
	return int64(f), true
}

func toFloat(v any) (any, bool) {
	var f float64
	switch x := v.(type) {
	case json.Number:
		n, err := x.Float64()
		if err != nil {
			return nil, false
		}
		f = n
	case float64:
		f = x
	case int:
		f = float64(x)
	case int64:
		f = float64(x)
	case string:
		n, err := strconv.ParseFloat(strings.ReplaceAll(strings.TrimSpace(x), ",", "."), 64)
		if err != nil {
			return nil, false
		}
		f = n
	default:
		return nil, false
	}
	if math.IsInf(f, 0) || math.IsNaN(f) {
		return nil, false
	}
	return f, true
}

var (
	trueWords  = map[string]bool{"true": true, "yes": true, "oui": true, "vrai": true, "1": true, "y": true, "o": true}
	falseWords = map[string]bool{"false": true, "no": true, "non": true, "faux": true, "0": true, "n": true}
)

func toBool(v any) (any, bool) {
	var b bool
	switch x := v.(type) {
	case bool:
		b = x
	case json.Number, float64, int, int64:
		n, ok := toFloat(x)
		if !ok {
			return nil, false
		}
		b = n.(float64) != 0
	case string:
		s := strings.ToLower(strings.TrimSpace(x))
		switch {
		case trueWords[s]:
			b = true
		case falseWords[s]:
			b = false
		default:
			return nil, false
		}
	default:
		return nil, false
	}
	return b, true
}
