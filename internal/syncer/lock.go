package syncer

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"koboetl/internal/ddl"
	"koboetl/internal/storage"
)

// LocksTable holds the advisory run locks shared by every process using the
// same database.
const LocksTable = "kobo_sync_locks"

// FullSyncToken is the lock taken by SyncAll.
const FullSyncToken = "full sync"

// ErrAlreadyRunning is returned when the lock of a run is held elsewhere.
var ErrAlreadyRunning = errors.New("syncer: already running")

// runGuard prevents two runs of the same token inside one process.
type runGuard struct {
	mu      sync.Mutex
	running map[string]struct{}
	wg      sync.WaitGroup
}

func (g *runGuard) TryLock(token string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.running == nil {
		g.running = make(map[string]struct{})
	}
	if _, ok := g.running[token]; ok {
		return false
	}
	g.running[token] = struct{}{}
	g.wg.Add(1)
	return true
}

func (g *runGuard) Unlock(token string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.running, token)
	g.wg.Done()
}

// WaitAll blocks until the running tokens are released or ctx is done.
func (g *runGuard) WaitAll(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
}

// locker takes advisory locks in LocksTable. A lock is a row keyed by token;
// inserting it fails while another holder owns it. Rows older than ttl are
// considered abandoned and broken.
type locker struct {
	db     *storage.DB
	holder string
	ttl    time.Duration
	now    func() time.Time
}

func ensureLocksTable(ctx context.Context, db *storage.DB) error {
	stmt, err := db.Dialect.CreateTableSQL(ddl.TableDef{
		FQN: LocksTable,
		Columns: []ddl.ColumnDef{
			{Name: "token", Type: "string", Length: 191, PrimaryKey: true},
			{Name: "holder", Type: "string", Length: 255},
			{Name: "acquired_at", Type: "string", Length: 40},
		},
	})
	if err != nil {
		return err
	}
	if _, err := db.ExecContext(ctx, stmt); err != nil && !storage.IsAlreadyExists(err) {
		return fmt.Errorf("syncer: create %s: %w", LocksTable, err)
	}
	return nil
}

// acquire returns nil when the lock is now owned by l.holder.
func (l *locker) acquire(ctx context.Context, token string) error {
	now := l.now().UTC()
	ins := l.db.InsertSQL(LocksTable, []string{"token", "holder", "acquired_at"})
	if _, err := l.db.ExecContext(ctx, ins, token, l.holder, now.Format(time.RFC3339Nano)); err == nil {
		return nil
	}

	var holder, at string
	q := l.db.Rebind(fmt.Sprintf("SELECT %s, %s FROM %s WHERE %s = ?",
		l.q("holder"), l.q("acquired_at"), l.db.Q(LocksTable), l.q("token")))
	err := l.db.QueryRowContext(ctx, q, token).Scan(&holder, &at)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		// Released between the insert and the read.
		return l.acquireOnce(ctx, token, now)
	case err != nil:
		return fmt.Errorf("syncer: read lock %q: %w", token, err)
	}

	acquired, perr := time.Parse(time.RFC3339Nano, at)
	if perr == nil && l.ttl > 0 && now.Sub(acquired) > l.ttl {
		del := l.db.Rebind(fmt.Sprintf("DELETE FROM %s WHERE %s = ? AND %s = ?",
			l.db.Q(LocksTable), l.q("token"), l.q("acquired_at")))
		if _, err := l.db.ExecContext(ctx, del, token, at); err != nil {
			return fmt.Errorf("syncer: break stale lock %q: %w", token, err)
		}
		log.Printf("syncer: broke stale lock token=%q holder=%s acquired_at=%s", token, holder, at)
		return l.acquireOnce(ctx, token, now)
	}
	return fmt.Errorf("%w: %q held by %s since %s", ErrAlreadyRunning, token, holder, at)
}

func (l *locker) acquireOnce(ctx context.Context, token string, now time.Time) error {
	ins := l.db.InsertSQL(LocksTable, []string{"token", "holder", "acquired_at"})
	if _, err := l.db.ExecContext(ctx, ins, token, l.holder, now.Format(time.RFC3339Nano)); err != nil {
		return fmt.Errorf("%w: %q", ErrAlreadyRunning, token)
	}
	return nil
}

func (l *locker) release(ctx context.Context, token string) error {
	del := l.db.Rebind(fmt.Sprintf("DELETE FROM %s WHERE %s = ? AND %s = ?",
		l.db.Q(LocksTable), l.q("token"), l.q("holder")))
	if _, err := l.db.ExecContext(ctx, del, token, l.holder); err != nil {
		return fmt.Errorf("syncer: release lock %q: %w", token, err)
	}
	return nil
}

func (l *locker) q(c string) string { return l.db.Dialect.QuoteIdent(c) }
