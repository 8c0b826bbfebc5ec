// Package source is the Kobo source connector. It talks to a KoboToolbox
// server over one of two protocols (OData and plain REST JSON) and yields a
// finite, restartable sequence of raw submissions.
package source

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// RawRecord is one submission as received, plus the protocol metadata the
// sync engine needs.
type RawRecord struct {
	// Identity is the normalized instance identity; empty when none could be
	// derived.
	Identity    string
	SubmittedAt *time.Time
	FormID      string
	Version     string
	Payload     map[string]any
}

var (
	identityKeys   = []string{"meta/instanceID", "meta_instanceID", "instanceID", "_uuid", "uuid"}
	submissionKeys = []string{"_submission_time", "submission_time", "end", "start", "date_modified"}
	formKeys       = []string{"_xform_id_string", "xform_id", "form_id"}
	versionKeys    = []string{"__version__", "_version", "version"}
)

// NewRawRecord extracts identity, submission time, form id and version from
// payload.
func NewRawRecord(payload map[string]any) RawRecord {
	r := RawRecord{Payload: payload}
	r.Identity = ExtractIdentity(payload)
	if s := firstString(payload, submissionKeys); s != "" {
		if t, ok := ParseTime(s); ok {
			r.SubmittedAt = &t
		}
	}
	r.FormID = firstString(payload, formKeys)
	r.Version = firstString(payload, versionKeys)
	return r
}

// ExtractIdentity returns the normalized instance identity of a submission.
// Explicit instance identities win; otherwise the numeric row id is used with
// an "oid:" prefix so it can never collide with a real instance id.
func ExtractIdentity(payload map[string]any) string {
	for _, k := range identityKeys {
		if s := scalarString(payload[k]); s != "" {
			return NormalizeIdentity(s)
		}
	}
	if meta, ok := payload["meta"].(map[string]any); ok {
		if s := scalarString(meta["instanceID"]); s != "" {
			return NormalizeIdentity(s)
		}
	}
	for _, k := range []string{"_id", "id"} {
		if s := scalarString(payload[k]); s != "" {
			return "oid:" + strings.TrimSpace(s)
		}
	}
	return ""
}

// NormalizeIdentity strips a leading "uuid:" (any case), trims and
// lower-cases, so "uuid:ABC" and "abc" name the same submission.
func NormalizeIdentity(s string) string {
	s = strings.TrimSpace(s)
	if len(s) >= 5 && strings.EqualFold(s[:5], "uuid:") {
		s = strings.TrimSpace(s[5:])
	}
	return strings.ToLower(s)
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05.999999999-0700",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02",
	"02/01/2006",
}

// ParseTime parses the timestamp shapes Kobo emits. Values without a zone
// are taken as UTC.
func ParseTime(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, l := range timeLayouts {
		if t, err := time.Parse(l, s); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

// FormatCursor renders t the way both protocols expect it in filters
// (UTC, second precision, no zone suffix).
func FormatCursor(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05")
}

func firstString(m map[string]any, keys []string) string {
	for _, k := range keys {
		if s := scalarString(m[k]); s != "" {
			return s
		}
	}
	return ""
}

func scalarString(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(x)
	case json.Number:
		return x.String()
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case int:
		return strconv.Itoa(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case bool:
		return strconv.FormatBool(x)
	default:
		return ""
	}
}

// String is used in log lines.
func (r RawRecord) String() string {
	at := "-"
	if r.SubmittedAt != nil {
		at = r.SubmittedAt.Format(time.RFC3339)
	}
	return fmt.Sprintf("identity=%s submitted_at=%s form=%s", r.Identity, at, r.FormID)
}
