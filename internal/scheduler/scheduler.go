// Package scheduler runs the syncs of sources that carry a cron schedule.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"koboetl/internal/syncer"
)

// Runner runs one sync. *syncer.Engine satisfies it.
type Runner interface {
	Sync(ctx context.Context, src syncer.Source, opts syncer.Options) (syncer.Summary, error)
}

// Entry describes one scheduled source.
type Entry struct {
	Form     string    `json:"form"`
	Schedule string    `json:"schedule"`
	Next     time.Time `json:"next"`
	Prev     time.Time `json:"prev,omitzero"`
}

// Scheduler fires incremental syncs on five-field cron expressions. Runs of
// the same form never overlap: a tick that arrives while the previous run
// is still going is skipped.
type Scheduler struct {
	runner Runner
	cron   *cron.Cron

	mu      sync.Mutex
	ctx     context.Context
	entries map[string]scheduled
}

type scheduled struct {
	id       cron.EntryID
	schedule string
}

// New returns a stopped scheduler. opts are passed to cron.New, e.g.
// cron.WithLocation.
func New(runner Runner, opts ...cron.Option) *Scheduler {
	logger := cron.PrintfLogger(log.Default())
	opts = append([]cron.Option{
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	}, opts...)
	return &Scheduler{
		runner:  runner,
		cron:    cron.New(opts...),
		ctx:     context.Background(),
		entries: map[string]scheduled{},
	}
}

// Add schedules src on schedule. Inactive sources and empty schedules are
// ignored. Adding a form again replaces its previous schedule.
func (s *Scheduler) Add(src syncer.Source, schedule string) error {
	if schedule == "" || !src.Active {
		return nil
	}
	if _, err := cron.ParseStandard(schedule); err != nil {
		return fmt.Errorf("scheduler: form %s: invalid schedule %q: %w", src.Form, schedule, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.entries[src.Form]; ok {
		s.cron.Remove(old.id)
	}
	id, err := s.cron.AddFunc(schedule, func() { s.run(src) })
	if err != nil {
		return fmt.Errorf("scheduler: form %s: %w", src.Form, err)
	}
	s.entries[src.Form] = scheduled{id: id, schedule: schedule}
	log.Printf("scheduler: scheduled form=%s schedule=%q", src.Form, schedule)
	return nil
}

// Remove unschedules form.
func (s *Scheduler) Remove(form string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[form]; ok {
		s.cron.Remove(e.id)
		delete(s.entries, form)
	}
}

// Entries lists the scheduled forms sorted by name. Next is zero until the
// scheduler is started.
func (s *Scheduler) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entry, 0, len(s.entries))
	for form, e := range s.entries {
		ce := s.cron.Entry(e.id)
		out = append(out, Entry{Form: form, Schedule: e.schedule, Next: ce.Next, Prev: ce.Prev})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Form < out[j].Form })
	return out
}

// Run starts the scheduler and blocks until ctx is done, then waits for
// running syncs to finish. Runs receive ctx, so cancelling it also asks
// them to stop.
func (s *Scheduler) Run(ctx context.Context) error {
	s.mu.Lock()
	s.ctx = ctx
	n := len(s.entries)
	s.mu.Unlock()
	if n == 0 {
		log.Printf("scheduler: no schedules configured")
	}
	s.cron.Start()
	<-ctx.Done()
	<-s.cron.Stop().Done()
	log.Printf("scheduler: stopped")
	return nil
}

func (s *Scheduler) run(src syncer.Source) {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	if ctx.Err() != nil {
		return
	}
	sum, err := s.runner.Sync(ctx, src, syncer.Options{})
	switch {
	case errors.Is(err, syncer.ErrAlreadyRunning):
		log.Printf("scheduler: form=%s skipped, a sync is already running", src.Form)
	case err != nil:
		log.Printf("scheduler: form=%s failed: %v", src.Form, err)
	default:
		log.Printf("scheduler: form=%s %s", src.Form, sum)
	}
}
