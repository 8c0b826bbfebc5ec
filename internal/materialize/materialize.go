// Package materialize snapshots the default aggregation of a dataset into a
// physical table, mv_<dataset>, and keeps a registry of the tables it owns so
// they can be refreshed by name.
package materialize

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"
	"unicode/utf8"

	"koboetl/internal/ddl"
	"koboetl/internal/metrics"
	"koboetl/internal/query"
	"koboetl/internal/semantic"
	"koboetl/internal/storage"
)

// RegistryTable maps materialized tables to their dataset.
const RegistryTable = "kobo_materialized"

const (
	// DefaultMaxRows caps the rows of one snapshot.
	DefaultMaxRows = 1_000_000
	// dimLength is the width of dimension columns; longer values are cut.
	dimLength = 255
	// indexedDims is the number of leading group dimensions indexed.
	indexedDims = 2
)

// ErrUnknownTable is returned by Refresh for tables not in the registry.
var ErrUnknownTable = errors.New("materialize: unknown table")

// Snapshot describes one materialized table.
type Snapshot struct {
	Table       string    `json:"table"`
	Dataset     string    `json:"dataset"`
	Rows        int64     `json:"rows"`
	RefreshedAt time.Time `json:"refreshed_at"`
}

// Publisher publishes and refreshes snapshots.
type Publisher struct {
	db      *storage.DB
	queries *query.Service
	maxRows int
	now     func() time.Time
}

// New returns a publisher. maxRows <= 0 selects DefaultMaxRows.
func New(db *storage.DB, queries *query.Service, maxRows int) *Publisher {
	if maxRows <= 0 {
		maxRows = DefaultMaxRows
	}
	return &Publisher{db: db, queries: queries, maxRows: maxRows, now: time.Now}
}

// TableName returns the snapshot table of dataset.
func TableName(dataset string) string { return semantic.Alias("mv_" + dataset) }

// EnsureTable creates RegistryTable when missing.
func (p *Publisher) EnsureTable(ctx context.Context) error {
	stmt, err := p.db.Dialect.CreateTableSQL(ddl.TableDef{
		FQN: RegistryTable,
		Columns: []ddl.ColumnDef{
			{Name: "table_name", Type: "string", Length: 191, PrimaryKey: true},
			{Name: "dataset", Type: "string", Length: 191},
			{Name: "refreshed_at", Type: "string", Length: 40},
			{Name: "row_count", Type: "bigint"},
		},
	})
	if err != nil {
		return err
	}
	if _, err := p.db.ExecContext(ctx, stmt); err != nil && !storage.IsAlreadyExists(err) {
		return fmt.Errorf("materialize: create %s: %w", RegistryTable, err)
	}
	return nil
}

// Publish runs the dataset's default grouping and metrics without filters
// and replaces the contents of its snapshot table with the result.
func (p *Publisher) Publish(ctx context.Context, dataset string) (snap Snapshot, err error) {
	start := time.Now()
	defer func() { metrics.RecordStep(dataset, "publish", err, time.Since(start)) }()

	ds, err := p.queries.Dataset(dataset)
	if err != nil {
		return Snapshot{}, err
	}
	res, err := p.queries.QueryWithComputed(ctx, ds.Name, query.Request{
		GroupDims: ds.DefaultGroupDims,
		Metrics:   ds.DefaultMetrics,
		Limit:     p.maxRows,
	})
	if err != nil {
		return Snapshot{}, err
	}

	table := TableName(ds.Name)
	def, keep := tableDef(table, res.Columns)
	create, err := p.db.Dialect.CreateTableSQL(def)
	if err != nil {
		return Snapshot{}, err
	}
	prelude := []string{p.db.Dialect.DropTableSQL(table), create}
	indexed := 0
	for _, c := range res.Columns {
		if indexed == indexedDims || c.Kind != semantic.KindDimension {
			continue
		}
		name := semantic.Alias("ix_" + table + "_" + c.Header)
		prelude = append(prelude, p.db.Dialect.CreateIndexSQL(name, table, []string{c.Header}))
		indexed++
	}

	cols := make([]string, len(keep))
	for i, k := range keep {
		cols[i] = res.Columns[k].Header
	}
	rows := make([][]any, len(res.Rows))
	for r, row := range res.Rows {
		out := make([]any, len(keep))
		for i, k := range keep {
			out[i] = cellValue(res.Columns[k], row[k], table)
		}
		rows[r] = out
	}
	if len(res.Rows) == p.maxRows {
		log.Printf("materialize: snapshot reached the row cap table=%s rows=%d", table, p.maxRows)
	}

	n, err := p.db.CopyFrom(ctx, prelude, table, cols, rows)
	if err != nil {
		return Snapshot{}, fmt.Errorf("materialize: load %s: %w", table, err)
	}
	snap = Snapshot{Table: table, Dataset: ds.Name, Rows: n, RefreshedAt: p.now().UTC()}
	if err := p.record(ctx, snap); err != nil {
		return Snapshot{}, err
	}
	metrics.RecordRow(ds.Name, "materialized", n)
	log.Printf("materialize: published dataset=%s table=%s rows=%d", ds.Name, table, n)
	return snap, nil
}

// Refresh re-resolves the dataset of table from the registry and publishes
// it again, fully replacing the previous contents.
func (p *Publisher) Refresh(ctx context.Context, table string) (Snapshot, error) {
	var dataset string
	err := p.db.QueryRowContext(ctx, p.db.Rebind(fmt.Sprintf("SELECT %s FROM %s WHERE %s = ?",
		p.qi("dataset"), p.db.Q(RegistryTable), p.qi("table_name"))), table).Scan(&dataset)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return Snapshot{}, fmt.Errorf("%w: %s", ErrUnknownTable, table)
	case err != nil:
		return Snapshot{}, fmt.Errorf("materialize: lookup %s: %w", table, err)
	}
	return p.Publish(ctx, dataset)
}

// List returns the registered snapshots ordered by table name.
func (p *Publisher) List(ctx context.Context) ([]Snapshot, error) {
	rows, err := p.db.QueryContext(ctx, fmt.Sprintf("SELECT %s, %s, %s, %s FROM %s ORDER BY %s",
		p.qi("table_name"), p.qi("dataset"), p.qi("refreshed_at"), p.qi("row_count"),
		p.db.Q(RegistryTable), p.qi("table_name")))
	if err != nil {
		return nil, fmt.Errorf("materialize: list: %w", err)
	}
	defer rows.Close()
	var out []Snapshot
	for rows.Next() {
		var (
			s  Snapshot
			at string
		)
		if err := rows.Scan(&s.Table, &s.Dataset, &at, &s.Rows); err != nil {
			return nil, fmt.Errorf("materialize: scan: %w", err)
		}
		s.RefreshedAt, _ = time.Parse(time.RFC3339Nano, at)
		out = append(out, s)
	}
	return out, rows.Err()
}

func (p *Publisher) record(ctx context.Context, s Snapshot) error {
	at := s.RefreshedAt.Format(time.RFC3339Nano)
	return p.db.WithTx(ctx, func(tx *sql.Tx) error {
		var one int
		err := tx.QueryRowContext(ctx, p.db.Rebind(fmt.Sprintf("SELECT 1 FROM %s WHERE %s = ?",
			p.db.Q(RegistryTable), p.qi("table_name"))), s.Table).Scan(&one)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			_, err = tx.ExecContext(ctx, p.db.InsertSQL(RegistryTable, []string{"table_name", "dataset", "refreshed_at", "row_count"}),
				s.Table, s.Dataset, at, s.Rows)
		case err == nil:
			_, err = tx.ExecContext(ctx, p.db.Rebind(fmt.Sprintf("UPDATE %s SET %s = ?, %s = ?, %s = ? WHERE %s = ?",
				p.db.Q(RegistryTable), p.qi("dataset"), p.qi("refreshed_at"), p.qi("row_count"), p.qi("table_name"))),
				s.Dataset, at, s.Rows, s.Table)
		}
		if err != nil {
			return fmt.Errorf("materialize: register %s: %w", s.Table, err)
		}
		return nil
	})
}

func (p *Publisher) qi(c string) string { return p.db.Dialect.QuoteIdent(c) }

// tableDef maps result columns to a table: text for dimensions, float for
// measures. keep lists the result column indexes loaded, skipping repeated
// headers.
func tableDef(table string, cols []query.Column) (ddl.TableDef, []int) {
	def := ddl.TableDef{FQN: table}
	seen := map[string]bool{}
	var keep []int
	for i, c := range cols {
		if seen[c.Header] {
			continue
		}
		seen[c.Header] = true
		keep = append(keep, i)
		col := ddl.ColumnDef{Name: c.Header, Type: "float", Nullable: true}
		if c.Kind == semantic.KindDimension {
			col = ddl.ColumnDef{Name: c.Header, Type: "string", Length: dimLength, Nullable: true}
		}
		def.Columns = append(def.Columns, col)
	}
	return def, keep
}

func cellValue(c query.Column, v any, table string) any {
	if c.Kind != semantic.KindDimension {
		if _, ok := v.(float64); !ok {
			return nil
		}
		return v
	}
	if v == nil {
		return nil
	}
	s := semantic.Text(v)
	if utf8.RuneCountInString(s) > dimLength {
		log.Printf("materialize: truncated value table=%s column=%s length=%d", table, c.Header, utf8.RuneCountInString(s))
		s = string([]rune(s)[:dimLength])
	}
	return s
}
