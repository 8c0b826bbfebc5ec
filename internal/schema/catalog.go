package schema

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"sync"
	"time"

	"koboetl/internal/ddl"
	"koboetl/internal/storage"
)

// MappingsTable persists field mappings; (form, external_path) is unique.
const MappingsTable = "kobo_field_mappings"

var mappingColumns = []string{
	"form", "external_path", "canonical_name", "field_type",
	"is_repeat", "repeat_prefix", "max_length", "created_at",
}

// Catalog stores and grows the field mappings of each form.
type Catalog struct {
	db *storage.DB

	mu   sync.RWMutex
	opts map[string]Options
}

// NewCatalog returns a catalog over db. Call EnsureTable once before use.
func NewCatalog(db *storage.DB) *Catalog {
	return &Catalog{db: db, opts: map[string]Options{}}
}

// SetOptions configures inference for form.
func (c *Catalog) SetOptions(form string, o Options) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.opts[form] = o
}

func (c *Catalog) options(form string) Options {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.opts[form]
}

// EnsureTable creates the mappings table when missing.
func (c *Catalog) EnsureTable(ctx context.Context) error {
	stmt, err := c.db.Dialect.CreateTableSQL(ddl.TableDef{
		FQN: MappingsTable,
		Columns: []ddl.ColumnDef{
			{Name: "form", Type: "string", Length: 191, PrimaryKey: true},
			{Name: "external_path", Type: "string", Length: 191, PrimaryKey: true},
			{Name: "canonical_name", Type: "string", Length: 63},
			{Name: "field_type", Type: "string", Length: 16},
			{Name: "is_repeat", Type: "integer", Default: "0"},
			{Name: "repeat_prefix", Type: "string", Length: 191, Nullable: true},
			{Name: "max_length", Type: "integer", Nullable: true},
			{Name: "created_at", Type: "string", Length: 40},
		},
	})
	if err != nil {
		return err
	}
	_, err = storage.ApplyDDL(ctx, c.db, "catalog", []string{stmt})
	return err
}

// Mappings returns the stored mappings of form ordered by external path.
func (c *Catalog) Mappings(ctx context.Context, form string) ([]FieldMapping, error) {
	rows, err := c.db.QueryContext(ctx, c.db.Rebind(fmt.Sprintf(
		"SELECT %s, %s, %s, %s, %s, %s FROM %s WHERE %s = ? ORDER BY %s",
		c.q("external_path"), c.q("canonical_name"), c.q("field_type"), c.q("is_repeat"),
		c.q("repeat_prefix"), c.q("max_length"), c.db.Q(MappingsTable), c.q("form"), c.q("external_path"))), form)
	if err != nil {
		return nil, fmt.Errorf("schema: load mappings for %s: %w", form, err)
	}
	defer rows.Close()

	var out []FieldMapping
	for rows.Next() {
		var (
			m      = FieldMapping{Form: form}
			typ    string
			repeat int64
			prefix sql.NullString
			maxLen sql.NullInt64
		)
		if err := rows.Scan(&m.ExternalPath, &m.CanonicalName, &typ, &repeat, &prefix, &maxLen); err != nil {
			return nil, fmt.Errorf("schema: scan mapping: %w", err)
		}
		m.Type = Type(typ)
		m.IsRepeat = repeat != 0
		m.RepeatPrefix = prefix.String
		m.MaxLength = int(maxLen.Int64)
		out = append(out, m)
	}
	return out, rows.Err()
}

// EnsureMappings bootstraps the mappings of form from samples. It is a no-op
// returning the stored mappings when any exist.
func (c *Catalog) EnsureMappings(ctx context.Context, form string, samples []map[string]any) ([]FieldMapping, error) {
	existing, err := c.Mappings(ctx, form)
	if err != nil || len(existing) > 0 {
		return existing, err
	}
	all, _, err := c.Extend(ctx, form, samples)
	return all, err
}

// Extend adds mappings for paths in samples that form does not map yet and
// returns the full set plus the added ones. Existing mappings are never
// renamed or removed.
func (c *Catalog) Extend(ctx context.Context, form string, samples []map[string]any) (all, added []FieldMapping, err error) {
	existing, err := c.Mappings(ctx, form)
	if err != nil {
		return nil, nil, err
	}
	added = Infer(existing, form, samples, c.options(form))
	if len(added) == 0 {
		return existing, nil, nil
	}
	if err := c.Save(ctx, added); err != nil {
		return nil, nil, err
	}
	log.Printf("schema: mappings extended form=%s added=%d total=%d", form, len(added), len(existing)+len(added))
	return append(existing, added...), added, nil
}

// Save inserts mappings in one transaction.
func (c *Catalog) Save(ctx context.Context, ms []FieldMapping) error {
	now := time.Now().UTC().Format(time.RFC3339)
	ins := c.db.InsertSQL(MappingsTable, mappingColumns)
	return c.db.WithTx(ctx, func(tx *sql.Tx) error {
		for _, m := range ms {
			if !m.Type.Valid() {
				return fmt.Errorf("schema: mapping %s: invalid type %q", m.ExternalPath, m.Type)
			}
			var prefix any
			if m.RepeatPrefix != "" {
				prefix = m.RepeatPrefix
			}
			repeat := 0
			if m.IsRepeat {
				repeat = 1
			}
			if _, err := tx.ExecContext(ctx, ins, m.Form, m.ExternalPath, m.CanonicalName, string(m.Type),
				repeat, prefix, m.MaxLength, now); err != nil {
				return fmt.Errorf("schema: save mapping %s/%s: %w", m.Form, m.ExternalPath, err)
			}
		}
		return nil
	})
}

func (c *Catalog) q(col string) string { return c.db.Dialect.QuoteIdent(col) }
