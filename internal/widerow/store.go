// Package widerow is the wide row store: one denormalized fact row per
// submission and dataset, holding the dimension and measure maps projected by
// the semantic catalog. Wide rows carry no source of truth of their own and
// can always be rebuilt from the parent entities.
package widerow

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math"
	"sync"
	"time"

	"koboetl/internal/ddl"
	"koboetl/internal/entity"
	"koboetl/internal/metrics"
	"koboetl/internal/semantic"
	"koboetl/internal/storage"
)

// Table holds the wide rows of every dataset.
const Table = "kobo_wide_rows"

// Row is one wide row.
type Row struct {
	Dataset     string
	InstanceID  string
	Source      string
	SubmittedAt *time.Time
	Dims        map[string]string
	Meas        map[string]float64
}

// Store reads parent entities and maintains their wide rows.
type Store struct {
	db       *storage.DB
	entities *entity.Store
	catalog  *semantic.Catalog

	mu     sync.RWMutex
	tables map[string]string
	now    func() time.Time
}

// New returns a store projecting the datasets of catalog.
func New(db *storage.DB, entities *entity.Store, catalog *semantic.Catalog) *Store {
	return &Store{db: db, entities: entities, catalog: catalog, tables: map[string]string{}, now: time.Now}
}

// SetTable records the parent table of form. Forms synced in this process
// are also resolved through the entity registry.
func (s *Store) SetTable(form, table string) {
	s.mu.Lock()
	s.tables[form] = table
	s.mu.Unlock()
}

func (s *Store) table(form string) (string, error) {
	s.mu.RLock()
	t, ok := s.tables[form]
	s.mu.RUnlock()
	if ok {
		return t, nil
	}
	if m, ok := s.entities.Registry().Parent(form); ok {
		return m.Table, nil
	}
	return "", fmt.Errorf("widerow: no parent table known for form %s", form)
}

// EnsureTable creates Table when missing.
func (s *Store) EnsureTable(ctx context.Context) error {
	stmt, err := s.db.Dialect.CreateTableSQL(ddl.TableDef{
		FQN: Table,
		Columns: []ddl.ColumnDef{
			{Name: "dataset", Type: "string", Length: 191, PrimaryKey: true},
			{Name: "instance_id", Type: "string", Length: entity.IdentityLength, PrimaryKey: true},
			{Name: "source", Type: "string", Length: 191},
			{Name: "submitted_at", Type: "string", Length: 40, Nullable: true},
			{Name: "dims", Type: "text"},
			{Name: "meas", Type: "text"},
			{Name: "created_at", Type: "string", Length: 40},
			{Name: "updated_at", Type: "string", Length: 40},
		},
	})
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, stmt); err != nil && !storage.IsAlreadyExists(err) {
		return fmt.Errorf("widerow: create %s: %w", Table, err)
	}
	idx := s.db.Dialect.CreateIndexSQL("ix_kobo_wide_rows_source", Table, []string{"source"})
	if _, err := s.db.ExecContext(ctx, idx); err != nil && !storage.IsAlreadyExists(err) {
		return fmt.Errorf("widerow: index %s: %w", Table, err)
	}
	return nil
}

// Project refreshes the wide rows of ids in every dataset bound to form. It
// satisfies syncer.Projector.
func (s *Store) Project(ctx context.Context, form string, ids []string) error {
	datasets := s.catalog.ForSource(form)
	if len(datasets) == 0 || len(ids) == 0 {
		return nil
	}
	table, err := s.table(form)
	if err != nil {
		return err
	}
	rows, err := s.project(ctx, datasets, table, ids)
	if err != nil {
		return err
	}
	err = s.db.WithTx(ctx, func(tx *sql.Tx) error {
		for _, r := range rows {
			if err := s.upsert(ctx, tx, r); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	log.Printf("widerow: projected form=%s datasets=%d rows=%d", form, len(datasets), len(rows))
	return nil
}

// Rebuild re-projects every parent row of the dataset's source and replaces
// all of its wide rows. It returns the number of rows written.
func (s *Store) Rebuild(ctx context.Context, dataset string) (n int, err error) {
	start := time.Now()
	defer func() { metrics.RecordStep(dataset, "rebuild", err, time.Since(start)) }()

	ds, ok := s.catalog.Get(dataset)
	if !ok {
		return 0, fmt.Errorf("widerow: unknown dataset %s", dataset)
	}
	table, err := s.table(ds.Source)
	if err != nil {
		return 0, err
	}
	rows, err := s.project(ctx, []*semantic.Dataset{ds}, table, nil)
	if err != nil {
		return 0, err
	}
	err = s.db.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, s.db.Rebind(fmt.Sprintf("DELETE FROM %s WHERE %s = ?",
			s.db.Q(Table), s.qi("dataset"))), dataset); err != nil {
			return fmt.Errorf("widerow: clear %s: %w", dataset, err)
		}
		for _, r := range rows {
			if err := s.insert(ctx, tx, r, s.stamp()); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	metrics.RecordRow(dataset, "wide_row", int64(len(rows)))
	log.Printf("widerow: rebuilt dataset=%s rows=%d", dataset, len(rows))
	return len(rows), nil
}

// project reads the parent rows first and only then writes, so a single
// connection backend never waits on itself.
func (s *Store) project(ctx context.Context, datasets []*semantic.Dataset, table string, ids []string) ([]Row, error) {
	var rows []Row
	err := s.entities.EachRaw(ctx, table, ids, func(e entity.RawEntity) error {
		var payload map[string]any
		if e.Raw != "" {
			if err := json.Unmarshal([]byte(e.Raw), &payload); err != nil {
				log.Printf("widerow: skipped unreadable payload table=%s id=%s err=%v", table, e.ID, err)
				return nil
			}
		}
		for _, ds := range datasets {
			p := ds.Project(payload)
			rows = append(rows, Row{
				Dataset:     ds.Name,
				InstanceID:  e.ID,
				Source:      ds.Source,
				SubmittedAt: e.SubmittedAt,
				Dims:        p.Dims,
				Meas:        p.Meas,
			})
		}
		return nil
	})
	return rows, err
}

func (s *Store) upsert(ctx context.Context, q storage.Querier, r Row) error {
	var one int
	err := q.QueryRowContext(ctx, s.db.Rebind(fmt.Sprintf("SELECT 1 FROM %s WHERE %s = ? AND %s = ?",
		s.db.Q(Table), s.qi("dataset"), s.qi("instance_id"))), r.Dataset, r.InstanceID).Scan(&one)
	stamp := s.stamp()
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return s.insert(ctx, q, r, stamp)
	case err != nil:
		return fmt.Errorf("widerow: lookup %s/%s: %w", r.Dataset, r.InstanceID, err)
	}
	dims, meas, err := encode(r)
	if err != nil {
		return err
	}
	_, err = q.ExecContext(ctx, s.db.Rebind(fmt.Sprintf("UPDATE %s SET %s = ?, %s = ?, %s = ?, %s = ?, %s = ? WHERE %s = ? AND %s = ?",
		s.db.Q(Table), s.qi("source"), s.qi("submitted_at"), s.qi("dims"), s.qi("meas"), s.qi("updated_at"),
		s.qi("dataset"), s.qi("instance_id"))),
		r.Source, timeText(r.SubmittedAt), dims, meas, stamp, r.Dataset, r.InstanceID)
	if err != nil {
		return fmt.Errorf("widerow: update %s/%s: %w", r.Dataset, r.InstanceID, err)
	}
	return nil
}

func (s *Store) insert(ctx context.Context, q storage.Querier, r Row, stamp string) error {
	dims, meas, err := encode(r)
	if err != nil {
		return err
	}
	cols := []string{"dataset", "instance_id", "source", "submitted_at", "dims", "meas", "created_at", "updated_at"}
	if _, err := q.ExecContext(ctx, s.db.InsertSQL(Table, cols),
		r.Dataset, r.InstanceID, r.Source, timeText(r.SubmittedAt), dims, meas, stamp, stamp); err != nil {
		return fmt.Errorf("widerow: insert %s/%s: %w", r.Dataset, r.InstanceID, err)
	}
	return nil
}

// Get returns the wide row of id in dataset.
func (s *Store) Get(ctx context.Context, dataset, id string) (Row, bool, error) {
	r := Row{Dataset: dataset, InstanceID: id}
	var (
		at         sql.NullString
		dims, meas string
	)
	err := s.db.QueryRowContext(ctx, s.db.Rebind(fmt.Sprintf("SELECT %s, %s, %s, %s FROM %s WHERE %s = ? AND %s = ?",
		s.qi("source"), s.qi("submitted_at"), s.qi("dims"), s.qi("meas"), s.db.Q(Table),
		s.qi("dataset"), s.qi("instance_id"))), dataset, id).Scan(&r.Source, &at, &dims, &meas)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return Row{}, false, nil
	case err != nil:
		return Row{}, false, fmt.Errorf("widerow: get %s/%s: %w", dataset, id, err)
	}
	if at.Valid {
		if t, err := time.Parse(time.RFC3339Nano, at.String); err == nil {
			r.SubmittedAt = &t
		}
	}
	if err := json.Unmarshal([]byte(dims), &r.Dims); err != nil {
		return Row{}, false, fmt.Errorf("widerow: dims of %s/%s: %w", dataset, id, err)
	}
	if err := json.Unmarshal([]byte(meas), &r.Meas); err != nil {
		return Row{}, false, fmt.Errorf("widerow: meas of %s/%s: %w", dataset, id, err)
	}
	return r, true, nil
}

// Count returns the number of wide rows of dataset.
func (s *Store) Count(ctx context.Context, dataset string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, s.db.Rebind(fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE %s = ?",
		s.db.Q(Table), s.qi("dataset"))), dataset).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("widerow: count %s: %w", dataset, err)
	}
	return n, nil
}

// Insert writes rows directly, replacing existing rows with the same key.
// It serves loaders and tests that produce projections themselves.
func (s *Store) Insert(ctx context.Context, rows []Row) error {
	return s.db.WithTx(ctx, func(tx *sql.Tx) error {
		for _, r := range rows {
			if err := s.upsert(ctx, tx, r); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) stamp() string { return s.now().UTC().Format(time.RFC3339Nano) }

func (s *Store) qi(c string) string { return s.db.Dialect.QuoteIdent(c) }

func encode(r Row) (dims, meas string, err error) {
	d := r.Dims
	if d == nil {
		d = map[string]string{}
	}
	// NaN and infinite sums are stored as absent, which queries read as null.
	m := make(map[string]float64, len(r.Meas))
	for k, v := range r.Meas {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			log.Printf("widerow: dropped non-finite measure dataset=%s id=%s measure=%s", r.Dataset, r.InstanceID, k)
			continue
		}
		m[k] = v
	}
	db, err := json.Marshal(d)
	if err != nil {
		return "", "", fmt.Errorf("widerow: encode dims: %w", err)
	}
	mb, err := json.Marshal(m)
	if err != nil {
		return "", "", fmt.Errorf("widerow: encode meas: %w", err)
	}
	return string(db), string(mb), nil
}

func timeText(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}
