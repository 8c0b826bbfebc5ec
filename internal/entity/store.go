package entity

import (
	"context"
	"fmt"
	"log"
	"strings"

	"koboetl/internal/schema"
	"koboetl/internal/storage"
)

// Store owns the physical tables of the registered forms.
type Store struct {
	db  *storage.DB
	reg *Registry
}

// NewStore returns a store over db. reg may be nil for a private registry.
func NewStore(db *storage.DB, reg *Registry) *Store {
	if reg == nil {
		reg = NewRegistry()
	}
	return &Store{db: db, reg: reg}
}

// DB returns the underlying handle.
func (s *Store) DB() *storage.DB { return s.db }

// Registry returns the model registry.
func (s *Store) Registry() *Registry { return s.reg }

// EnsureSchema registers the models implied by mappings for form and makes
// the physical tables match them. It returns the applied DDL.
func (s *Store) EnsureSchema(ctx context.Context, form, table string, mappings []schema.FieldMapping) ([]string, error) {
	if strings.TrimSpace(table) == "" {
		return nil, fmt.Errorf("entity: form %s: table must not be empty", form)
	}
	parent, children := BuildModels(form, table, mappings)
	s.reg.Register(parent)
	for _, c := range children {
		s.reg.Register(c)
	}
	return s.apply(ctx, form, append([]Model{parent}, children...))
}

// Reconcile adds the columns registered for form that are missing from the
// live tables and returns them as "table.column". Existing columns and rows
// are never touched.
func (s *Store) Reconcile(ctx context.Context, form string) ([]string, error) {
	models := s.reg.Models(form)
	if len(models) == 0 {
		return nil, fmt.Errorf("entity: form %s is not registered", form)
	}
	stmts, added, err := s.plan(ctx, models)
	if err != nil {
		return nil, err
	}
	if _, err := storage.ApplyDDL(ctx, s.db, form, stmts); err != nil {
		return nil, err
	}
	return added, nil
}

func (s *Store) apply(ctx context.Context, form string, models []Model) ([]string, error) {
	stmts, added, err := s.plan(ctx, models)
	if err != nil {
		return nil, err
	}
	applied, err := storage.ApplyDDL(ctx, s.db, form, stmts)
	if err != nil {
		return applied, err
	}
	if len(added) > 0 {
		log.Printf("entity: schema reconciled form=%s added=%s", form, strings.Join(added, ","))
	}
	return applied, nil
}

// plan returns the CREATE TABLE / ADD COLUMN statements needed for models,
// parents first so child foreign keys resolve.
func (s *Store) plan(ctx context.Context, models []Model) (stmts, added []string, err error) {
	d := s.db.Dialect
	for _, m := range models {
		live, exists, err := s.db.Columns(ctx, nil, m.Table)
		if err != nil {
			return nil, nil, err
		}
		if !exists {
			stmt, err := d.CreateTableSQL(m.Def)
			if err != nil {
				return nil, nil, fmt.Errorf("entity: %s: %w", m.Table, err)
			}
			stmts = append(stmts, stmt)
			continue
		}
		for _, c := range m.Def.Columns {
			if live[strings.ToLower(c.Name)] {
				continue
			}
			c.Nullable = true
			c.PrimaryKey = false
			c.Default = ""
			stmt, err := d.AddColumnSQL(m.Table, c)
			if err != nil {
				return nil, nil, fmt.Errorf("entity: %s.%s: %w", m.Table, c.Name, err)
			}
			stmts = append(stmts, stmt)
			added = append(added, m.Table+"."+c.Name)
		}
	}
	return stmts, added, nil
}
