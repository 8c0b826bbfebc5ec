package syncer

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"koboetl/internal/ddl"
	"koboetl/internal/storage"
)

// CursorsTable stores the resumable since-cursor of each form.
const CursorsTable = "kobo_sync_cursors"

// Cursors reads and advances per-form sync cursors.
type Cursors struct {
	db *storage.DB
}

// NewCursors returns the cursor store over db.
func NewCursors(db *storage.DB) *Cursors { return &Cursors{db: db} }

// EnsureTable creates CursorsTable when missing.
func (c *Cursors) EnsureTable(ctx context.Context) error {
	stmt, err := c.db.Dialect.CreateTableSQL(ddl.TableDef{
		FQN: CursorsTable,
		Columns: []ddl.ColumnDef{
			{Name: "form", Type: "string", Length: 191, PrimaryKey: true},
			{Name: "cursor_at", Type: "string", Length: 40},
			{Name: "updated_at", Type: "string", Length: 40},
		},
	})
	if err != nil {
		return err
	}
	if _, err := c.db.ExecContext(ctx, stmt); err != nil && !storage.IsAlreadyExists(err) {
		return fmt.Errorf("syncer: create %s: %w", CursorsTable, err)
	}
	return nil
}

// Get returns the stored cursor of form, or nil when none exists.
func (c *Cursors) Get(ctx context.Context, form string) (*time.Time, error) {
	return c.get(ctx, c.db, form)
}

func (c *Cursors) get(ctx context.Context, q storage.Querier, form string) (*time.Time, error) {
	var at string
	err := q.QueryRowContext(ctx, c.db.Rebind(fmt.Sprintf("SELECT %s FROM %s WHERE %s = ?",
		c.q("cursor_at"), c.db.Q(CursorsTable), c.q("form"))), form).Scan(&at)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, nil
	case err != nil:
		return nil, fmt.Errorf("syncer: read cursor %s: %w", form, err)
	}
	t, err := time.Parse(time.RFC3339Nano, at)
	if err != nil {
		return nil, fmt.Errorf("syncer: cursor %s: %w", form, err)
	}
	return &t, nil
}

// Advance moves the cursor of form to at. A cursor never moves backward; the
// returned time is the cursor in force afterwards.
func (c *Cursors) Advance(ctx context.Context, q storage.Querier, form string, at time.Time) (time.Time, error) {
	at = at.UTC()
	cur, err := c.get(ctx, q, form)
	if err != nil {
		return time.Time{}, err
	}
	stamp := time.Now().UTC().Format(time.RFC3339Nano)
	switch {
	case cur == nil:
		_, err = q.ExecContext(ctx, c.db.InsertSQL(CursorsTable, []string{"form", "cursor_at", "updated_at"}),
			form, at.Format(time.RFC3339Nano), stamp)
	case at.After(*cur):
		_, err = q.ExecContext(ctx, c.db.Rebind(fmt.Sprintf("UPDATE %s SET %s = ?, %s = ? WHERE %s = ?",
			c.db.Q(CursorsTable), c.q("cursor_at"), c.q("updated_at"), c.q("form"))),
			at.Format(time.RFC3339Nano), stamp, form)
	default:
		return *cur, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("syncer: advance cursor %s: %w", form, err)
	}
	return at, nil
}

// Reset forgets the cursor of form so the next run is a full sync.
func (c *Cursors) Reset(ctx context.Context, form string) error {
	_, err := c.db.ExecContext(ctx, c.db.Rebind(fmt.Sprintf("DELETE FROM %s WHERE %s = ?",
		c.db.Q(CursorsTable), c.q("form"))), form)
	if err != nil {
		return fmt.Errorf("syncer: reset cursor %s: %w", form, err)
	}
	return nil
}

func (c *Cursors) q(s string) string { return c.db.Dialect.QuoteIdent(s) }
