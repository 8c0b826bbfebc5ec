package main

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"koboetl/internal/config"
	"koboetl/internal/query"
	"koboetl/internal/scheduler"
	"koboetl/internal/semantic"
	"koboetl/internal/server"
	"koboetl/internal/source"
	"koboetl/internal/syncer"
)

// run dispatches cmd. Positional arguments precede the command flags, e.g.
// "query surveillance -group region".
func (r *runner) run(ctx context.Context, cmd string, args []string) error {
	switch cmd {
	case "sync":
		return r.sync(ctx, args)
	case "sync-all":
		return r.syncAll(ctx, args)
	case "query":
		return r.query(ctx, args)
	case "publish":
		name, err := oneArg(cmd, args)
		if err != nil {
			return err
		}
		snap, err := r.c.publisher.Publish(ctx, name)
		if err != nil {
			return err
		}
		return writeJSON(r.out, snap)
	case "refresh":
		name, err := oneArg(cmd, args)
		if err != nil {
			return err
		}
		snap, err := r.c.publisher.Refresh(ctx, name)
		if err != nil {
			return err
		}
		return writeJSON(r.out, snap)
	case "list":
		list, err := r.c.publisher.List(ctx)
		if err != nil {
			return err
		}
		return writeJSON(r.out, list)
	case "rebuild":
		name, err := oneArg(cmd, args)
		if err != nil {
			return err
		}
		n, err := r.c.rows.Rebuild(ctx, name)
		if err != nil {
			return err
		}
		fmt.Fprintf(r.out, "rebuilt dataset=%s rows=%d\n", name, n)
		return nil
	case "suggest":
		return r.suggest(ctx, args)
	case "schedule":
		sched := scheduler.New(r.c.engine)
		r.schedule(sched)
		return sched.Run(ctx)
	case "serve":
		return r.serve(ctx)
	}
	return fmt.Errorf("unknown command %q (see -h)", cmd)
}

func oneArg(cmd string, args []string) (string, error) {
	if len(args) != 1 || strings.HasPrefix(args[0], "-") {
		return "", fmt.Errorf("usage: koboetl %s <name>", cmd)
	}
	return args[0], nil
}

// split separates the leading positional argument from the flags.
func split(cmd string, args []string) (string, []string, error) {
	if len(args) == 0 || strings.HasPrefix(args[0], "-") {
		return "", nil, fmt.Errorf("usage: koboetl %s <name> [flags]", cmd)
	}
	return args[0], args[1:], nil
}

func syncFlags(cmd string, args []string) (syncer.Options, error) {
	fs := flag.NewFlagSet(cmd, flag.ContinueOnError)
	full := fs.Bool("full", false, "ignore the stored cursor and fetch every submission")
	since := fs.String("since", "", "fetch submissions received at or after this time (RFC 3339 or YYYY-MM-DD)")
	limit := fs.Int("limit", 0, "stop after this many submissions (0 = no limit)")
	if err := fs.Parse(args); err != nil {
		return syncer.Options{}, err
	}
	opts := syncer.Options{Full: *full, Limit: *limit}
	if *since != "" {
		t, ok := source.ParseTime(*since)
		if !ok {
			return syncer.Options{}, fmt.Errorf("-since %q is not a date or timestamp", *since)
		}
		opts.Since = &t
	}
	return opts, nil
}

func (r *runner) sync(ctx context.Context, args []string) error {
	form, rest, err := split("sync", args)
	if err != nil {
		return err
	}
	opts, err := syncFlags("sync", rest)
	if err != nil {
		return err
	}
	src, err := r.c.syncSource(form)
	if err != nil {
		return err
	}
	sum, err := r.c.engine.Sync(ctx, src, opts)
	if werr := writeJSON(r.out, sum); werr != nil {
		return werr
	}
	return err
}

func (r *runner) syncAll(ctx context.Context, args []string) error {
	opts, err := syncFlags("sync-all", args)
	if err != nil {
		return err
	}
	sums, err := r.c.engine.SyncAll(ctx, r.c.syncSources(), opts)
	if werr := writeJSON(r.out, sums); werr != nil {
		return werr
	}
	return err
}

// filterFlag collects -filter key=value flags. A comma separates list
// values and ".." separates range bounds.
type filterFlag map[string]any

func (f filterFlag) String() string { return fmt.Sprint(map[string]any(f)) }

func (f filterFlag) Set(s string) error {
	key, val, ok := strings.Cut(s, "=")
	if !ok || key == "" {
		return fmt.Errorf("filter %q must be key=value", s)
	}
	switch {
	case strings.Contains(val, ".."):
		lo, hi, _ := strings.Cut(val, "..")
		f[key] = []any{nilIfEmpty(lo), nilIfEmpty(hi)}
	case strings.Contains(val, ","):
		var list []any
		for _, v := range strings.Split(val, ",") {
			list = append(list, strings.TrimSpace(v))
		}
		f[key] = list
	default:
		f[key] = val
	}
	return nil
}

func nilIfEmpty(s string) any {
	if s = strings.TrimSpace(s); s == "" {
		return nil
	}
	return s
}

func codes(s string) []string {
	var out []string
	for _, c := range strings.Split(s, ",") {
		if c = strings.TrimSpace(c); c != "" {
			out = append(out, c)
		}
	}
	return out
}

func (r *runner) query(ctx context.Context, args []string) error {
	dataset, rest, err := split("query", args)
	if err != nil {
		return err
	}
	filters := filterFlag{}
	fs := flag.NewFlagSet("query", flag.ContinueOnError)
	group := fs.String("group", "", "comma-separated dimensions (computed dimensions allowed)")
	metricList := fs.String("metrics", "", "comma-separated metrics as code[:agg]")
	rollup := fs.String("rollup", "", "comma-separated dimensions to roll the result up to")
	limit := fs.Int("limit", 0, "maximum rows (0 = default)")
	format := fs.String("format", "json", "output format: json or csv")
	fs.Var(filters, "filter", "filter as key=value, key=a,b or key=from..to (repeatable)")
	if err := fs.Parse(rest); err != nil {
		return err
	}

	req := query.Request{GroupDims: codes(*group), Filters: filters, Limit: *limit}
	for _, m := range codes(*metricList) {
		code, agg, _ := strings.Cut(m, ":")
		req.Metrics = append(req.Metrics, semantic.MetricRef{Code: code, Agg: semantic.Agg(agg)})
	}
	res, err := r.c.queries.QueryWithComputed(ctx, dataset, req)
	if err != nil {
		return err
	}
	if keep := codes(*rollup); len(keep) > 0 {
		if res, err = r.c.queries.Rollup(dataset, res, keep); err != nil {
			return err
		}
	}

	switch *format {
	case "csv":
		return writeCSV(r.out, res)
	case "json":
		return writeJSON(r.out, res)
	}
	return fmt.Errorf("unknown format %q", *format)
}

func (r *runner) suggest(ctx context.Context, args []string) error {
	form, rest, err := split("suggest", args)
	if err != nil {
		return err
	}
	fs := flag.NewFlagSet("suggest", flag.ContinueOnError)
	sample := fs.Int("sample", 200, "number of submissions to inspect")
	if err := fs.Parse(rest); err != nil {
		return err
	}
	s, ok := r.c.configSource(form)
	if !ok {
		return fmt.Errorf("unknown form %q", form)
	}
	conn, err := r.c.connector(s)
	if err != nil {
		return err
	}
	recs, err := conn.Collect(ctx, nil, *sample)
	if err != nil && len(recs) == 0 {
		return err
	}
	if err != nil {
		log.Printf("suggest: using %d submissions after error: %v", len(recs), err)
	}
	payloads := make([]map[string]any, len(recs))
	for i, rec := range recs {
		payloads[i] = rec.Payload
	}
	sg := semantic.Suggest(payloads, semantic.SuggestOptions{Sample: *sample, Expand: s.RepeatGroups})
	return writeJSON(r.out, semantic.Dataset{
		Name:       semantic.Alias(form),
		Source:     form,
		Dimensions: sg.Dimensions,
		Measures:   sg.Measures,
		Filters:    sg.Filters,
	})
}

// schedule (re)installs the schedules of the configured sources on sched.
func (r *runner) schedule(sched *scheduler.Scheduler) {
	r.c.mu.RLock()
	srcs := append([]config.Source(nil), r.c.sources...)
	r.c.mu.RUnlock()

	keep := map[string]bool{}
	for _, s := range srcs {
		if s.Schedule == "" || !s.IsActive() {
			continue
		}
		conn, err := r.c.connector(s)
		if err != nil {
			log.Printf("scheduler: form=%s skipped: %v", s.Name, err)
			continue
		}
		if err := sched.Add(s.SyncSource(conn), s.Schedule); err != nil {
			log.Printf("%v", err)
			continue
		}
		keep[s.Name] = true
	}
	for _, e := range sched.Entries() {
		if !keep[e.Form] {
			sched.Remove(e.Form)
		}
	}
}

func (r *runner) serve(ctx context.Context) error {
	sched := scheduler.New(r.c.engine)
	r.schedule(sched)
	g, ctx := errgroup.WithContext(ctx)
	srv := server.New(server.Deps{
		Syncer:    r.c.engine,
		Queries:   r.c.queries,
		Publisher: r.c.publisher,
		DB:        r.c.db,
		Sources:   r.c.syncSources,
		Context:   ctx,
	})
	g.Go(func() error { return srv.Run(ctx, r.addr) })
	g.Go(func() error { return sched.Run(ctx) })
	g.Go(func() error {
		return config.Watch(ctx, r.cfgPath, 0, func(cfg *config.Config) {
			r.c.reload(cfg)
			r.schedule(sched)
		})
	})
	err := g.Wait()

	waitCtx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	r.c.engine.Wait(waitCtx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func writeCSV(w io.Writer, res query.Result) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(res.Headers); err != nil {
		return err
	}
	rec := make([]string, len(res.Headers))
	for _, row := range res.Rows {
		for i, v := range row {
			rec[i] = ""
			if v != nil {
				rec[i] = semantic.Text(v)
			}
		}
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
