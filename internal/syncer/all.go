package syncer

import (
	"context"
	"errors"
	"fmt"
	"log"

	"golang.org/x/sync/errgroup"
)

// SyncAll syncs the active sources concurrently under the full sync lock.
// Summaries are returned in the order of srcs (inactive sources omitted).
// When the lock is held, no form runs and ErrAlreadyRunning is returned.
func (e *Engine) SyncAll(ctx context.Context, srcs []Source, opts Options) ([]Summary, error) {
	release, err := e.lock(ctx, FullSyncToken)
	if err != nil {
		return nil, err
	}
	defer release()

	var active []Source
	for _, s := range srcs {
		if s.Active {
			active = append(active, s)
		}
	}
	log.Printf("syncer: full sync started forms=%d concurrency=%d", len(active), e.cfg.Concurrency)

	out := make([]Summary, len(active))
	errs := make([]error, len(active))
	var g errgroup.Group
	g.SetLimit(e.cfg.Concurrency)
	for i, s := range active {
		g.Go(func() error {
			sum, err := e.Sync(ctx, s, opts)
			out[i] = sum
			if err != nil {
				errs[i] = fmt.Errorf("%s: %w", s.Form, err)
			}
			return nil
		})
	}
	_ = g.Wait()
	return out, errors.Join(errs...)
}
