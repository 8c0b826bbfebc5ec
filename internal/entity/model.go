// Package entity is the entity store. A form's submissions live in one
// parent table plus one child table per repeat group; those tables are
// described as data (column catalogs derived from field mappings) and their
// physical DDL is driven through the storage dialect.
package entity

import (
	"sort"
	"strconv"
	"strings"

	"github.com/zeebo/xxh3"

	"koboetl/internal/ddl"
	"koboetl/internal/schema"
)

// Kind tells parent and child models apart.
type Kind string

const (
	KindParent Kind = "parent"
	KindChild  Kind = "child"
)

// IdentityLength is the width of identity columns.
const IdentityLength = 255

// Model is the column catalog of one physical table.
type Model struct {
	Form  string
	Kind  Kind
	Table string
	// Prefix is the repeat group path of a child model.
	Prefix string
	// Fields are the mapped (non-system) columns.
	Fields []schema.FieldMapping
	Def    ddl.TableDef
}

// Key identifies a model within the registry.
func (m Model) Key() Key { return Key{Form: m.Form, Kind: m.Kind, Prefix: m.Prefix} }

// Fingerprint changes whenever the declared column set changes.
func (m Model) Fingerprint() uint64 {
	var b strings.Builder
	b.WriteString(m.Def.FQN)
	for _, c := range m.Def.Columns {
		b.WriteByte('|')
		b.WriteString(c.Name)
		b.WriteByte(':')
		b.WriteString(c.Type)
		b.WriteString(strconv.Itoa(c.Length))
	}
	return xxh3.HashString(b.String())
}

// Field returns the mapping backing column name.
func (m Model) Field(column string) (schema.FieldMapping, bool) {
	for _, f := range m.Fields {
		if f.CanonicalName == column {
			return f, true
		}
	}
	return schema.FieldMapping{}, false
}

// ChildTable names the child table of a repeat group.
func ChildTable(parent, group string) string {
	return schema.ShortIdent(parent + "__" + group)
}

// ParentSystemColumns are present on every parent table.
func ParentSystemColumns() []ddl.ColumnDef {
	return []ddl.ColumnDef{
		{Name: "instance_id", Type: "string", Length: IdentityLength, PrimaryKey: true},
		{Name: "xform_id_string", Type: "string", Length: IdentityLength, Nullable: true},
		{Name: "form_version", Type: "string", Length: IdentityLength, Nullable: true},
		{Name: "submission_time", Type: "datetime", Nullable: true},
		{Name: "submitted_by", Type: "string", Length: IdentityLength, Nullable: true},
		{Name: "status", Type: "string", Length: 64, Nullable: true},
		{Name: "geojson", Type: "text", Nullable: true},
		{Name: "raw_json", Type: "text", Nullable: true},
		{Name: "payload_hash", Type: "string", Length: 32, Nullable: true},
		{Name: "created_at", Type: "datetime"},
		{Name: "updated_at", Type: "datetime"},
	}
}

// ChildSystemColumns are present on every child table.
func ChildSystemColumns() []ddl.ColumnDef {
	return []ddl.ColumnDef{
		{Name: "id", Type: "string", Length: IdentityLength + 12, PrimaryKey: true},
		{Name: "parent_id", Type: "string", Length: IdentityLength},
		{Name: "item_index", Type: "integer"},
		{Name: "raw_json", Type: "text", Nullable: true},
	}
}

// ChildID is the primary key of item index of parentID.
func ChildID(parentID string, index int) string {
	return parentID + "#" + strconv.Itoa(index)
}

func fieldColumn(m schema.FieldMapping) ddl.ColumnDef {
	return ddl.ColumnDef{Name: m.CanonicalName, Type: m.Type.Kind(), Length: m.MaxLength, Nullable: true}
}

// BuildModels derives the parent model and one child model per repeat group
// from mappings. Children are ordered by table name.
func BuildModels(form, table string, mappings []schema.FieldMapping) (Model, []Model) {
	parentFields, groups, childFields := schema.Split(mappings)

	parent := Model{Form: form, Kind: KindParent, Table: table, Fields: parentFields}
	parent.Def = ddl.TableDef{FQN: table, Columns: ParentSystemColumns()}
	for _, f := range parentFields {
		parent.Def.Columns = append(parent.Def.Columns, fieldColumn(f))
	}

	children := make([]Model, 0, len(groups))
	for _, g := range groups {
		name := ChildTable(table, g.CanonicalName)
		c := Model{Form: form, Kind: KindChild, Table: name, Prefix: g.ExternalPath, Fields: childFields[g.ExternalPath]}
		c.Def = ddl.TableDef{
			FQN:     name,
			Columns: ChildSystemColumns(),
			Unique:  [][]string{{"parent_id", "item_index"}},
			ForeignKeys: []ddl.ForeignKey{{
				Columns: []string{"parent_id"}, RefTable: table,
				RefColumns: []string{"instance_id"}, OnDelete: "CASCADE",
			}},
		}
		for _, f := range c.Fields {
			c.Def.Columns = append(c.Def.Columns, fieldColumn(f))
		}
		children = append(children, c)
	}
	sort.Slice(children, func(i, j int) bool { return children[i].Table < children[j].Table })
	return parent, children
}
