package syncer

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"koboetl/internal/entity"
	"koboetl/internal/schema"
	"koboetl/internal/source"
	"koboetl/internal/storage"
	"koboetl/internal/storage/sqlite"
)

type fakeFetcher struct {
	mu    sync.Mutex
	recs  []map[string]any
	err   error
	since []*time.Time
}

func (f *fakeFetcher) Fetch(_ context.Context, since *time.Time) iter.Seq2[source.RawRecord, error] {
	f.mu.Lock()
	f.since = append(f.since, since)
	recs, ferr := f.recs, f.err
	f.mu.Unlock()
	return func(yield func(source.RawRecord, error) bool) {
		for _, p := range recs {
			if !yield(source.NewRawRecord(p), nil) {
				return
			}
		}
		if ferr != nil {
			yield(source.RawRecord{}, ferr)
		}
	}
}

func openTestDB(t *testing.T) *storage.DB {
	t.Helper()
	db, err := sqlite.NewRepository(context.Background(), storage.Config{DSN: filepath.Join(t.TempDir(), "kobo.db")})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func newTestEngine(t *testing.T, cfg Config) (*Engine, *storage.DB) {
	t.Helper()
	db := openTestDB(t)
	if cfg.Holder == "" {
		cfg.Holder = "test"
	}
	e := New(db, schema.NewCatalog(db), entity.NewStore(db, nil), cfg)
	if err := e.EnsureTables(context.Background()); err != nil {
		t.Fatalf("EnsureTables: %v", err)
	}
	return e, db
}

func submission(id, at string, kv ...any) map[string]any {
	m := map[string]any{"meta/instanceID": "uuid:" + id, "_submission_time": at, "_xform_id_string": "hh"}
	for i := 0; i+1 < len(kv); i += 2 {
		m[kv[i].(string)] = kv[i+1]
	}
	return m
}

func members(ages ...string) []any {
	out := make([]any, len(ages))
	for i, a := range ages {
		out[i] = map[string]any{"members/age": a}
	}
	return out
}

func count(t *testing.T, db *storage.DB, query string, args ...any) int {
	t.Helper()
	var n int
	if err := db.QueryRowContext(context.Background(), query, args...).Scan(&n); err != nil {
		t.Fatalf("%s: %v", query, err)
	}
	return n
}

func TestSyncIsIdempotent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	e, db := newTestEngine(t, Config{})
	f := &fakeFetcher{recs: []map[string]any{
		submission("A1", "2024-03-01T10:00:00Z", "district", "Thiès", "size", "4", "members", members("30", "12")),
		submission("B2", "2024-03-02T10:00:00Z", "district", "Kaolack", "size", "2"),
	}}
	src := Source{Form: "hh", Table: "households", Fetcher: f}

	first, err := e.Sync(ctx, src, Options{})
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if first.Status != StatusDone || first.Created != 2 || first.CountIn != 2 {
		t.Fatalf("first run = %+v", first)
	}
	if first.RunID == "" || first.Cursor == nil || !first.Cursor.Equal(time.Date(2024, 3, 2, 10, 0, 0, 0, time.UTC)) {
		t.Fatalf("run id / cursor = %q %v", first.RunID, first.Cursor)
	}

	second, err := e.Sync(ctx, src, Options{Full: true})
	if err != nil {
		t.Fatalf("second Sync: %v", err)
	}
	if second.Created != 0 || second.Updated != 0 || second.Unchanged != 2 {
		t.Fatalf("second run = %+v", second)
	}
	if n := count(t, db, `SELECT COUNT(*) FROM households`); n != 2 {
		t.Fatalf("parents = %d, want 2", n)
	}
	if n := count(t, db, `SELECT COUNT(*) FROM households__members WHERE parent_id = ?`, "a1"); n != 2 {
		t.Fatalf("children = %d, want 2", n)
	}
	if n := count(t, db, `SELECT size FROM households WHERE instance_id = ?`, "a1"); n != 4 {
		t.Fatalf("size = %d, want 4", n)
	}
}

func TestSyncUsesStoredCursor(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	e, _ := newTestEngine(t, Config{})
	f := &fakeFetcher{recs: []map[string]any{submission("A1", "2024-03-01T10:00:00Z", "district", "Thiès")}}
	src := Source{Form: "hh", Table: "households", Fetcher: f}

	if _, err := e.Sync(ctx, src, Options{}); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if _, err := e.Sync(ctx, src, Options{}); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if _, err := e.Sync(ctx, src, Options{Full: true}); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if len(f.since) != 3 || f.since[0] != nil || f.since[1] == nil || f.since[2] != nil {
		t.Fatalf("since per run = %v", f.since)
	}
	if !f.since[1].Equal(time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)) {
		t.Fatalf("cursor = %v", f.since[1])
	}
}

func TestSyncReplacesChildren(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	e, db := newTestEngine(t, Config{})
	f := &fakeFetcher{recs: []map[string]any{
		submission("A1", "2024-03-01T10:00:00Z", "members", members("30", "12", "5")),
	}}
	src := Source{Form: "hh", Table: "households", Fetcher: f}
	if _, err := e.Sync(ctx, src, Options{}); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if n := count(t, db, `SELECT COUNT(*) FROM households__members`); n != 3 {
		t.Fatalf("children after first sync = %d, want 3", n)
	}

	f.recs = []map[string]any{submission("A1", "2024-03-01T11:00:00Z", "members", members("31"))}
	sum, err := e.Sync(ctx, src, Options{})
	if err != nil || sum.Updated != 1 {
		t.Fatalf("second Sync = %+v, %v", sum, err)
	}
	if n := count(t, db, `SELECT COUNT(*) FROM households__members`); n != 1 {
		t.Fatalf("children after second sync = %d, want 1", n)
	}
	if n := count(t, db, `SELECT age FROM households__members WHERE id = ?`, "a1#0"); n != 31 {
		t.Fatalf("age = %d, want 31", n)
	}
}

func TestSyncAddsColumnsForNewFields(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	e, db := newTestEngine(t, Config{})
	f := &fakeFetcher{recs: []map[string]any{submission("A1", "2024-03-01T10:00:00Z", "district", "Thiès")}}
	src := Source{Form: "hh", Table: "households", Fetcher: f}
	if _, err := e.Sync(ctx, src, Options{}); err != nil {
		t.Fatalf("Sync: %v", err)
	}

	f.recs = []map[string]any{submission("B2", "2024-03-02T10:00:00Z", "district", "Kaolack", "note", "ok")}
	if _, err := e.Sync(ctx, src, Options{}); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	live, _, err := db.Columns(ctx, nil, "households")
	if err != nil || !live["note"] {
		t.Fatalf("note column missing: %v %v", live, err)
	}
	var district string
	if err := db.QueryRowContext(ctx, `SELECT district FROM households WHERE instance_id = 'a1'`).Scan(&district); err != nil || district != "Thiès" {
		t.Fatalf("existing row changed: %q %v", district, err)
	}
	if n := count(t, db, `SELECT COUNT(*) FROM households WHERE note IS NULL`); n != 1 {
		t.Fatalf("old row must have a null note, got %d null rows", n)
	}
}

func TestSyncCountsAndTruncates(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	e, db := newTestEngine(t, Config{BatchSize: 2})
	f := &fakeFetcher{recs: []map[string]any{
		submission("A1", "2024-03-01T10:00:00Z", "district", "Tambacounda", "members_count", "3", "members", members("1", "2", "3")),
		{"district": "no identity"},
		submission("A1", "2024-03-01T12:00:00Z", "district", "Ziguinchor"),
		submission("C3", "2024-03-03T10:00:00Z", "district", "Dakar", "members", members("1", "2")),
	}}
	src := Source{Form: "hh", Table: "households", Fetcher: f, MaxLength: 5, RepeatGroups: []string{"members"}}
	sum, err := e.Sync(ctx, src, Options{})
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if sum.CountIn != 4 || sum.Skipped != 1 || sum.Batches != 2 {
		t.Fatalf("summary = %+v", sum)
	}
	// A1 appears in two batches: created by the first, updated by the second.
	if sum.Created != 2 || sum.Updated != 1 {
		t.Fatalf("created/updated = %d/%d", sum.Created, sum.Updated)
	}
	var district string
	if err := db.QueryRowContext(ctx, `SELECT district FROM households WHERE instance_id = 'a1'`).Scan(&district); err != nil {
		t.Fatalf("read: %v", err)
	}
	if district != "Zigui" {
		t.Fatalf("district = %q, want truncated Zigui", district)
	}
	// Missing counts are derived from the group.
	if n := count(t, db, `SELECT members_count FROM households WHERE instance_id = 'c3'`); n != 2 {
		t.Fatalf("members_count = %d, want 2", n)
	}
	// A group missing from an updated submission leaves no stale children.
	if n := count(t, db, `SELECT COUNT(*) FROM households__members WHERE parent_id = 'a1'`); n != 0 {
		t.Fatalf("a1 children = %d, want 0", n)
	}
}

func TestSyncFetchErrorKeepsCommittedRecords(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	e, db := newTestEngine(t, Config{})
	f := &fakeFetcher{
		recs: []map[string]any{submission("A1", "2024-03-01T10:00:00Z", "district", "Thiès")},
		err:  errors.New("page 2: status 400"),
	}
	sum, err := e.Sync(ctx, Source{Form: "hh", Table: "households", Fetcher: f}, Options{})
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if sum.Status != StatusDoneWithErrors || sum.Errors != 1 || len(sum.ErrorSamples) != 1 {
		t.Fatalf("summary = %+v", sum)
	}
	if n := count(t, db, `SELECT COUNT(*) FROM households`); n != 1 {
		t.Fatalf("parents = %d, want 1", n)
	}
}

func TestSyncExhaustedAborts(t *testing.T) {
	t.Parallel()

	e, _ := newTestEngine(t, Config{})
	f := &fakeFetcher{err: source.ErrExhausted}
	sum, err := e.Sync(context.Background(), Source{Form: "hh", Table: "households", Fetcher: f}, Options{})
	if !errors.Is(err, source.ErrExhausted) {
		t.Fatalf("err = %v, want ErrExhausted", err)
	}
	if sum.Status != StatusDoneWithErrors || sum.CountIn != 0 {
		t.Fatalf("summary = %+v", sum)
	}
}

func TestSyncSkipsWhenLocked(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	e, db := newTestEngine(t, Config{})
	if _, err := db.ExecContext(ctx, db.InsertSQL(LocksTable, []string{"token", "holder", "acquired_at"}),
		"form:hh", "other", time.Now().UTC().Format(time.RFC3339Nano)); err != nil {
		t.Fatalf("seed lock: %v", err)
	}
	f := &fakeFetcher{recs: []map[string]any{submission("A1", "2024-03-01T10:00:00Z")}}
	sum, err := e.Sync(ctx, Source{Form: "hh", Table: "households", Fetcher: f}, Options{})
	if !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("err = %v, want ErrAlreadyRunning", err)
	}
	if sum.Status != StatusSkipped || len(f.since) != 0 {
		t.Fatalf("summary = %+v fetches = %d", sum, len(f.since))
	}
}

func TestStaleLockIsBroken(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	e, db := newTestEngine(t, Config{LockTTL: time.Hour})
	if _, err := db.ExecContext(ctx, db.InsertSQL(LocksTable, []string{"token", "holder", "acquired_at"}),
		"form:hh", "crashed", time.Now().Add(-2*time.Hour).UTC().Format(time.RFC3339Nano)); err != nil {
		t.Fatalf("seed lock: %v", err)
	}
	f := &fakeFetcher{recs: []map[string]any{submission("A1", "2024-03-01T10:00:00Z")}}
	sum, err := e.Sync(ctx, Source{Form: "hh", Table: "households", Fetcher: f}, Options{})
	if err != nil || sum.Status != StatusDone {
		t.Fatalf("Sync = %+v, %v", sum, err)
	}
	if n := count(t, db, `SELECT COUNT(*) FROM kobo_sync_locks`); n != 0 {
		t.Fatalf("lock rows after run = %d, want 0", n)
	}
}

func TestSyncAll(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	e, db := newTestEngine(t, Config{Concurrency: 2})
	srcs := []Source{
		{Form: "hh", Table: "households", Active: true, Fetcher: &fakeFetcher{recs: []map[string]any{submission("A1", "2024-03-01T10:00:00Z")}}},
		{Form: "off", Table: "disabled", Active: false, Fetcher: &fakeFetcher{}},
		{Form: "clinic", Table: "clinics", Active: true, Fetcher: &fakeFetcher{recs: []map[string]any{submission("K1", "2024-03-01T10:00:00Z")}}},
	}
	sums, err := e.SyncAll(ctx, srcs, Options{})
	if err != nil {
		t.Fatalf("SyncAll: %v", err)
	}
	if len(sums) != 2 || sums[0].Form != "hh" || sums[1].Form != "clinic" {
		t.Fatalf("summaries = %+v", sums)
	}
	for _, s := range sums {
		if s.Created != 1 || s.Status != StatusDone {
			t.Fatalf("summary = %+v", s)
		}
	}
	if _, ok, _ := db.Columns(ctx, nil, "disabled"); ok {
		t.Fatalf("inactive source must not be synced")
	}
}

type recordingProjector struct {
	mu  sync.Mutex
	ids []string
}

func (p *recordingProjector) Project(_ context.Context, form string, ids []string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ids = append(p.ids, ids...)
	return nil
}

func TestSyncProjectsTouchedRecords(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	e, _ := newTestEngine(t, Config{})
	p := &recordingProjector{}
	e.SetProjector(p)
	f := &fakeFetcher{recs: []map[string]any{submission("A1", "2024-03-01T10:00:00Z"), submission("B2", "2024-03-01T11:00:00Z")}}
	src := Source{Form: "hh", Table: "households", Fetcher: f}
	if _, err := e.Sync(ctx, src, Options{}); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if _, err := e.Sync(ctx, src, Options{Full: true}); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if strings.Join(p.ids, ",") != "a1,b2" {
		t.Fatalf("projected ids = %v; unchanged records must not be projected", p.ids)
	}
}

func TestDedupeKeepsLastOccurrence(t *testing.T) {
	t.Parallel()

	in := []source.RawRecord{
		{Identity: "a", Version: "1"},
		{Identity: "b"},
		{Identity: ""},
		{Identity: "a", Version: "2"},
	}
	got := dedupe(in)
	if len(got) != 3 || got[0].Identity != "b" || got[1].Identity != "" || got[2].Version != "2" {
		t.Fatalf("dedupe = %+v", got)
	}
}

func TestCursorNeverMovesBackward(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	_, db := newTestEngine(t, Config{})
	c := NewCursors(db)
	late := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	if got, err := c.Advance(ctx, db, "hh", late); err != nil || !got.Equal(late) {
		t.Fatalf("Advance = %v %v", got, err)
	}
	if got, err := c.Advance(ctx, db, "hh", late.Add(-time.Hour)); err != nil || !got.Equal(late) {
		t.Fatalf("Advance backward = %v %v", got, err)
	}
	if err := c.Reset(ctx, "hh"); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if cur, err := c.Get(ctx, "hh"); err != nil || cur != nil {
		t.Fatalf("Get after reset = %v %v", cur, err)
	}
}

func TestBatchProgressIsVerboseOnly(t *testing.T) {
	t.Parallel()

	for _, verbose := range []bool{false, true} {
		var lines []string
		logf := func(format string, args ...any) { lines = append(lines, fmt.Sprintf(format, args...)) }
		e, _ := newTestEngine(t, Config{BatchSize: 2, Verbose: verbose, Logf: logf})
		f := &fakeFetcher{recs: []map[string]any{
			submission("A1", "2024-03-01T10:00:00Z", "district", "Dakar"),
			submission("B2", "2024-03-02T10:00:00Z", "district", "Thies"),
			submission("C3", "2024-03-03T10:00:00Z", "district", "Kolda"),
		}}
		if _, err := e.Sync(context.Background(), Source{Form: "hh", Table: "households", Fetcher: f}, Options{}); err != nil {
			t.Fatalf("Sync: %v", err)
		}
		want := 0
		if verbose {
			want = 2
		}
		if len(lines) != want {
			t.Fatalf("verbose=%v: progress lines = %q, want %d", verbose, lines, want)
		}
		if verbose && !strings.HasPrefix(lines[0], "syncer: batch #1 form=hh records=2") {
			t.Fatalf("progress line = %q", lines[0])
		}
	}
}
