// Package syncer is the sync engine. It drives the source connector into the
// schema catalog and the entity store: every submission is mapped to a parent
// row plus its repeat-group child rows and upserted by identity, one
// transaction per batch, and the form's cursor advances past committed
// batches only.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log"
	"os"
	"time"

	"github.com/google/uuid"

	"koboetl/internal/entity"
	"koboetl/internal/metrics"
	"koboetl/internal/schema"
	"koboetl/internal/source"
	"koboetl/internal/storage"
)

// Fetcher yields the submissions of one form received at or after since.
type Fetcher interface {
	Fetch(ctx context.Context, since *time.Time) iter.Seq2[source.RawRecord, error]
}

// Projector refreshes rows derived from the parent entities of form, such as
// semantic wide rows, for the given identities.
type Projector interface {
	Project(ctx context.Context, form string, ids []string) error
}

// Source describes one logical form to sync.
type Source struct {
	Form         string
	Table        string
	Fetcher      Fetcher
	RepeatGroups []string
	MaxLength    int
	Active       bool
}

// Options select the records of one run. Full ignores the stored cursor;
// Since overrides it. Limit caps the number of fetched records when > 0.
type Options struct {
	Since *time.Time
	Full  bool
	Limit int
}

// Config tunes the engine.
type Config struct {
	// BatchSize is the number of records per transaction (default 500).
	BatchSize int
	// Concurrency bounds parallel forms in SyncAll (default 4).
	Concurrency int
	// LockTTL is the age after which a held lock is considered abandoned
	// (default 6h; negative disables breaking).
	LockTTL time.Duration
	// Holder names this process in the lock table (default host:pid).
	Holder string
	// Verbose enables one progress line per committed batch.
	Verbose bool
	// Logf receives the progress lines (default log.Printf).
	Logf func(format string, args ...any)
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = 500
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
	if c.LockTTL == 0 {
		c.LockTTL = 6 * time.Hour
	}
	if c.Logf == nil {
		c.Logf = log.Printf
	}
	if c.Holder == "" {
		host, _ := os.Hostname()
		c.Holder = fmt.Sprintf("%s:%d", host, os.Getpid())
	}
	return c
}

// Engine runs syncs against one database.
type Engine struct {
	db        *storage.DB
	catalog   *schema.Catalog
	store     *entity.Store
	cursors   *Cursors
	locks     *locker
	guard     runGuard
	projector Projector
	cfg       Config
	now       func() time.Time
}

// New returns an engine over db. Call EnsureTables before the first run.
func New(db *storage.DB, catalog *schema.Catalog, store *entity.Store, cfg Config) *Engine {
	cfg = cfg.withDefaults()
	e := &Engine{
		db:      db,
		catalog: catalog,
		store:   store,
		cursors: NewCursors(db),
		cfg:     cfg,
		now:     time.Now,
	}
	e.locks = &locker{db: db, holder: cfg.Holder, ttl: cfg.LockTTL, now: func() time.Time { return e.now() }}
	return e
}

// SetProjector installs the projection step run after each sync.
func (e *Engine) SetProjector(p Projector) { e.projector = p }

// Cursors returns the cursor store.
func (e *Engine) Cursors() *Cursors { return e.cursors }

// EnsureTables creates the catalog, cursor and lock tables.
func (e *Engine) EnsureTables(ctx context.Context) error {
	if err := e.catalog.EnsureTable(ctx); err != nil {
		return err
	}
	if err := e.cursors.EnsureTable(ctx); err != nil {
		return err
	}
	return ensureLocksTable(ctx, e.db)
}

// lock takes the in-process guard and the database lock for token.
func (e *Engine) lock(ctx context.Context, token string) (func(), error) {
	if !e.guard.TryLock(token) {
		return nil, fmt.Errorf("%w: %q in this process", ErrAlreadyRunning, token)
	}
	if err := e.locks.acquire(ctx, token); err != nil {
		e.guard.Unlock(token)
		return nil, err
	}
	return func() {
		if err := e.locks.release(context.WithoutCancel(ctx), token); err != nil {
			log.Printf("syncer: %v", err)
		}
		e.guard.Unlock(token)
	}, nil
}

// Wait blocks until running syncs finish or ctx is done.
func (e *Engine) Wait(ctx context.Context) { e.guard.WaitAll(ctx) }

// Sync runs one form. It returns a summary in every case; the error is
// non-nil only when the run could not proceed: its lock is held
// (ErrAlreadyRunning), every protocol failed (source.ErrExhausted) or the
// storage setup failed.
func (e *Engine) Sync(ctx context.Context, src Source, opts Options) (Summary, error) {
	sum := Summary{RunID: uuid.NewString(), Form: src.Form, StartedAt: e.now().UTC()}
	finish := func(err error) (Summary, error) {
		sum.Duration = Duration(e.now().Sub(sum.StartedAt))
		metrics.RecordStep(src.Form, "sync", err, time.Duration(sum.Duration))
		log.Printf("syncer: run finished run=%s %s duration=%s", sum.RunID, sum, time.Duration(sum.Duration).Round(time.Millisecond))
		return sum, err
	}

	if src.Fetcher == nil || src.Table == "" {
		sum.Status = StatusDoneWithErrors
		return finish(fmt.Errorf("syncer: form %s: fetcher and table are required", src.Form))
	}
	release, err := e.lock(ctx, "form:"+src.Form)
	if err != nil {
		if errors.Is(err, ErrAlreadyRunning) {
			sum.Status = StatusSkipped
		} else {
			sum.Status = StatusDoneWithErrors
		}
		return finish(err)
	}
	defer release()

	r := &run{e: e, src: src, sum: &sum, errs: newErrAgg(maxErrorSamples)}
	err = r.execute(ctx, opts)
	sum.ErrorSamples = r.errs.samples()
	sum.Status = StatusDone
	if err != nil || sum.Errors > 0 || r.errs.count > 0 {
		sum.Status = StatusDoneWithErrors
	}

	metrics.RecordRow(src.Form, "fetched", int64(sum.CountIn))
	metrics.RecordRow(src.Form, "created", int64(sum.Created))
	metrics.RecordRow(src.Form, "updated", int64(sum.Updated))
	metrics.RecordRow(src.Form, "unchanged", int64(sum.Unchanged))
	metrics.RecordRow(src.Form, "skipped", int64(sum.Skipped))
	metrics.RecordRow(src.Form, "errors", int64(sum.Errors))
	metrics.RecordBatches(src.Form, int64(sum.Batches))
	return finish(err)
}
