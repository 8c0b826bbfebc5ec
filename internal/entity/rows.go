package entity

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"koboetl/internal/source"
	"koboetl/internal/storage"
)

// Row is a set of column values.
type Row map[string]any

func (r Row) columns() []string {
	cols := make([]string, 0, len(r))
	for c := range r {
		cols = append(cols, c)
	}
	sort.Strings(cols)
	return cols
}

// ParentHash returns the stored payload hash of id and whether the row
// exists.
func (s *Store) ParentHash(ctx context.Context, q storage.Querier, m Model, id string) (string, bool, error) {
	var h sql.NullString
	err := q.QueryRowContext(ctx, s.db.Rebind(fmt.Sprintf("SELECT %s FROM %s WHERE %s = ?",
		s.qi("payload_hash"), s.db.Q(m.Table), s.qi("instance_id"))), id).Scan(&h)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return "", false, nil
	case err != nil:
		return "", false, fmt.Errorf("entity: lookup %s %s: %w", m.Table, id, err)
	}
	return h.String, true, nil
}

// InsertParent inserts a new parent row.
func (s *Store) InsertParent(ctx context.Context, q storage.Querier, m Model, row Row) error {
	cols := row.columns()
	args := make([]any, len(cols))
	for i, c := range cols {
		args[i] = row[c]
	}
	if _, err := q.ExecContext(ctx, s.db.InsertSQL(m.Table, cols), args...); err != nil {
		return fmt.Errorf("entity: insert %s: %w", m.Table, err)
	}
	return nil
}

// UpdateParent overwrites the columns present in row for id.
func (s *Store) UpdateParent(ctx context.Context, q storage.Querier, m Model, id string, row Row) error {
	cols := row.columns()
	sets := make([]string, 0, len(cols))
	args := make([]any, 0, len(cols)+1)
	for _, c := range cols {
		if c == "instance_id" {
			continue
		}
		sets = append(sets, s.qi(c)+" = ?")
		args = append(args, row[c])
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)
	stmt := fmt.Sprintf("UPDATE %s SET %s WHERE %s = ?", s.db.Q(m.Table), strings.Join(sets, ", "), s.qi("instance_id"))
	if _, err := q.ExecContext(ctx, s.db.Rebind(stmt), args...); err != nil {
		return fmt.Errorf("entity: update %s %s: %w", m.Table, id, err)
	}
	return nil
}

// ReplaceChildren deletes the stored items of parentID in the child table of
// m and inserts rows in their place.
func (s *Store) ReplaceChildren(ctx context.Context, q storage.Querier, m Model, parentID string, rows []Row) error {
	del := fmt.Sprintf("DELETE FROM %s WHERE %s = ?", s.db.Q(m.Table), s.qi("parent_id"))
	if _, err := q.ExecContext(ctx, s.db.Rebind(del), parentID); err != nil {
		return fmt.Errorf("entity: clear %s for %s: %w", m.Table, parentID, err)
	}
	for _, r := range rows {
		cols := r.columns()
		args := make([]any, len(cols))
		for i, c := range cols {
			args[i] = r[c]
		}
		if _, err := q.ExecContext(ctx, s.db.InsertSQL(m.Table, cols), args...); err != nil {
			return fmt.Errorf("entity: insert %s item %v: %w", m.Table, r["item_index"], err)
		}
	}
	return nil
}

// CountChildren returns the number of stored items of parentID.
func (s *Store) CountChildren(ctx context.Context, m Model, parentID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, s.db.Rebind(fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE %s = ?",
		s.db.Q(m.Table), s.qi("parent_id"))), parentID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("entity: count %s: %w", m.Table, err)
	}
	return n, nil
}

// RawEntity is the stored payload of one parent row.
type RawEntity struct {
	ID          string
	SubmittedAt *time.Time
	Raw         string
}

// rawChunk bounds the number of identities per IN list.
const rawChunk = 200

// EachRaw calls fn with every parent row of table in identity order, or only
// with the rows whose identity is in ids when ids is not empty.
func (s *Store) EachRaw(ctx context.Context, table string, ids []string, fn func(RawEntity) error) error {
	base := fmt.Sprintf("SELECT %s, %s, %s FROM %s", s.qi("instance_id"), s.qi("submission_time"),
		s.qi("raw_json"), s.db.Q(table))
	order := " ORDER BY " + s.qi("instance_id")
	if len(ids) == 0 {
		return s.eachRaw(ctx, table, base+order, nil, fn)
	}
	for start := 0; start < len(ids); start += rawChunk {
		chunk := ids[start:min(start+rawChunk, len(ids))]
		args := make([]any, len(chunk))
		for i, id := range chunk {
			args[i] = id
		}
		q := base + " WHERE " + s.qi("instance_id") + " IN (" + strings.Repeat("?, ", len(chunk)-1) + "?)" + order
		if err := s.eachRaw(ctx, table, s.db.Rebind(q), args, fn); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) eachRaw(ctx context.Context, table, query string, args []any, fn func(RawEntity) error) error {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("entity: scan %s: %w", table, err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			e   RawEntity
			at  any
			raw sql.NullString
		)
		if err := rows.Scan(&e.ID, &at, &raw); err != nil {
			return fmt.Errorf("entity: scan %s: %w", table, err)
		}
		e.SubmittedAt = scanTime(at)
		e.Raw = raw.String
		if err := fn(e); err != nil {
			return err
		}
	}
	return rows.Err()
}

// scanTime accepts the shapes drivers return for datetime columns.
func scanTime(v any) *time.Time {
	var s string
	switch t := v.(type) {
	case time.Time:
		u := t.UTC()
		return &u
	case string:
		s = t
	case []byte:
		s = string(t)
	default:
		return nil
	}
	if t, ok := source.ParseTime(s); ok {
		return &t
	}
	return nil
}

func (s *Store) qi(c string) string { return s.db.Dialect.QuoteIdent(c) }
