// Package schema is the schema catalog: it turns sampled Kobo submissions
// into field mappings (external path -> canonical column, type, repeat
// group) and persists them per form.
package schema

import "strings"

// Type is the declared type of a mapped field.
type Type string

const (
	TypeBoolean  Type = "boolean"
	TypeDate     Type = "date"
	TypeDatetime Type = "datetime"
	TypeInteger  Type = "integer"
	TypeDecimal  Type = "decimal"
	TypeString   Type = "string"
	TypeGeo      Type = "geo"
)

// Valid reports whether t is a known type.
func (t Type) Valid() bool {
	switch t {
	case TypeBoolean, TypeDate, TypeDatetime, TypeInteger, TypeDecimal, TypeString, TypeGeo:
		return true
	}
	return false
}

// Kind returns the logical kind passed to a backend's MapType.
func (t Type) Kind() string {
	if t == TypeGeo {
		return "text"
	}
	return string(t)
}

// FieldMapping maps one external path of a form to a canonical column.
//
// A mapping with IsRepeat set describes a repeat group prefix; its
// CanonicalName names the child table. Mappings with a RepeatPrefix are
// columns of that child table and their ExternalPath is "<prefix>/<key>".
type FieldMapping struct {
	Form          string `json:"form"`
	ExternalPath  string `json:"external_path"`
	CanonicalName string `json:"canonical_name"`
	Type          Type   `json:"type"`
	IsRepeat      bool   `json:"is_repeat"`
	RepeatPrefix  string `json:"repeat_prefix,omitempty"`
	MaxLength     int    `json:"max_length,omitempty"`
}

// ItemKey returns the key of a child field inside one repeat item.
func (m FieldMapping) ItemKey() string {
	if m.RepeatPrefix == "" {
		return m.ExternalPath
	}
	return strings.TrimPrefix(m.ExternalPath, m.RepeatPrefix+"/")
}

// Parent reports whether the mapping is a column of the parent table.
func (m FieldMapping) Parent() bool { return !m.IsRepeat && m.RepeatPrefix == "" }

// Split partitions mappings into parent columns, repeat groups (by prefix)
// and child columns (by prefix), preserving order.
func Split(ms []FieldMapping) (parent []FieldMapping, groups []FieldMapping, children map[string][]FieldMapping) {
	children = map[string][]FieldMapping{}
	for _, m := range ms {
		switch {
		case m.IsRepeat:
			groups = append(groups, m)
		case m.RepeatPrefix != "":
			children[m.RepeatPrefix] = append(children[m.RepeatPrefix], m)
		default:
			parent = append(parent, m)
		}
	}
	return parent, groups, children
}

// Parent and child system columns. Canonical names never take these.
var (
	ParentSystemColumns = []string{
		"instance_id", "xform_id_string", "form_version", "submission_time",
		"submitted_by", "status", "geojson", "raw_json", "payload_hash",
		"created_at", "updated_at",
	}
	ChildSystemColumns = []string{"id", "parent_id", "item_index", "raw_json"}
)

var reserved = func() map[string]bool {
	m := map[string]bool{}
	for _, c := range ParentSystemColumns {
		m[c] = true
	}
	for _, c := range ChildSystemColumns {
		m[c] = true
	}
	return m
}()

// IsReserved reports whether name is a system column name.
func IsReserved(name string) bool { return reserved[name] }
