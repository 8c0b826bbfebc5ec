package syncer

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/zeebo/xxh3"

	"koboetl/internal/entity"
	"koboetl/internal/metrics"
	"koboetl/internal/schema"
	"koboetl/internal/source"
)

type outcome int

const (
	outcomeCreated outcome = iota
	outcomeUpdated
	outcomeUnchanged
	outcomeSkipped
)

// run is the state of one Sync call.
type run struct {
	e    *Engine
	src  Source
	sum  *Summary
	errs *errAgg

	mappings []schema.FieldMapping
	groups   []string
	schemaFP string
	ready    bool
	touched  []string
}

func (r *run) fail(msg string) {
	r.errs.add(msg)
	log.Printf("syncer: %s", msg)
}

func (r *run) execute(ctx context.Context, opts Options) error {
	form := r.src.Form
	since := opts.Since
	if opts.Full {
		since = nil
	} else if since == nil {
		cur, err := r.e.cursors.Get(ctx, form)
		if err != nil {
			return err
		}
		since = cur
	}
	r.sum.Since = since
	r.e.catalog.SetOptions(form, schema.Options{RepeatGroups: r.src.RepeatGroups, MaxLength: r.src.MaxLength})

	size := r.e.cfg.BatchSize
	batch := make([]source.RawRecord, 0, size)
	start := time.Now()
	var fetchErr error
	for rec, err := range r.src.Fetcher.Fetch(ctx, since) {
		if err != nil {
			fetchErr = err
			break
		}
		r.sum.CountIn++
		batch = append(batch, rec)
		if len(batch) >= size {
			if err := r.flush(ctx, batch); err != nil {
				return err
			}
			batch = batch[:0]
		}
		if opts.Limit > 0 && r.sum.CountIn >= opts.Limit {
			break
		}
	}
	metrics.RecordStep(form, "fetch", fetchErr, time.Since(start))

	if fetchErr != nil {
		// Nothing fetched and no protocol usable: the run cannot proceed.
		if r.sum.CountIn == 0 && (errors.Is(fetchErr, source.ErrExhausted) || ctx.Err() != nil) {
			r.fail(fetchErr.Error())
			return fetchErr
		}
		r.sum.Errors++
		r.fail(fetchErr.Error())
	}
	if err := r.flush(ctx, batch); err != nil {
		return err
	}
	r.project(ctx)
	return nil
}

// flush writes one batch in a transaction. Storage setup failures are
// returned; a failed transaction counts the whole batch as errors.
func (r *run) flush(ctx context.Context, batch []source.RawRecord) error {
	if len(batch) == 0 {
		return nil
	}
	form := r.src.Form
	recs := dedupe(batch)
	if err := r.ensureSchema(ctx, recs); err != nil {
		return err
	}

	parent, _ := r.e.store.Registry().Parent(form)
	children := r.e.store.Registry().Children(form)
	d := r.e.db.Dialect

	var (
		counts  [4]int
		failed  int
		maxAt   time.Time
		touched []string
		cursor  time.Time
	)
	start := time.Now()
	err := r.e.db.WithTx(ctx, func(tx *sql.Tx) error {
		for i, rec := range recs {
			sp := "kobo_rec_" + strconv.Itoa(i)
			if _, err := tx.ExecContext(ctx, d.SavepointSQL(sp)); err != nil {
				return fmt.Errorf("savepoint: %w", err)
			}
			out, err := r.write(ctx, tx, parent, children, rec)
			if err != nil {
				if _, rerr := tx.ExecContext(ctx, d.RollbackToSQL(sp)); rerr != nil {
					return fmt.Errorf("rollback to savepoint: %w", rerr)
				}
				failed++
				r.fail(err.Error())
				continue
			}
			if rel := d.ReleaseSQL(sp); rel != "" {
				if _, err := tx.ExecContext(ctx, rel); err != nil {
					return fmt.Errorf("release savepoint: %w", err)
				}
			}
			counts[out]++
			if out == outcomeCreated || out == outcomeUpdated {
				touched = append(touched, rec.Identity)
			}
			if out != outcomeSkipped && rec.SubmittedAt != nil && rec.SubmittedAt.After(maxAt) {
				maxAt = *rec.SubmittedAt
			}
		}
		if maxAt.IsZero() {
			return nil
		}
		var err error
		cursor, err = r.e.cursors.Advance(ctx, tx, form, maxAt)
		return err
	})
	metrics.RecordStep(form, "batch", err, time.Since(start))
	if err != nil {
		r.sum.Errors += len(recs)
		r.fail(fmt.Sprintf("batch of %d rolled back: %v", len(recs), err))
		return nil
	}

	r.sum.Batches++
	r.sum.Created += counts[outcomeCreated]
	r.sum.Updated += counts[outcomeUpdated]
	r.sum.Unchanged += counts[outcomeUnchanged]
	r.sum.Skipped += counts[outcomeSkipped]
	r.sum.Errors += failed
	if !cursor.IsZero() {
		c := cursor
		r.sum.Cursor = &c
	}
	r.touched = append(r.touched, touched...)
	if r.e.cfg.Verbose {
		r.e.cfg.Logf("syncer: batch #%d form=%s records=%d created=%d updated=%d unchanged=%d skipped=%d errors=%d elapsed=%s",
			r.sum.Batches, form, len(recs), counts[outcomeCreated], counts[outcomeUpdated], counts[outcomeUnchanged],
			counts[outcomeSkipped], failed, time.Since(start).Truncate(time.Millisecond))
	}
	return nil
}

// ensureSchema extends the mappings with the paths of recs and brings the
// tables in line when the mappings changed.
func (r *run) ensureSchema(ctx context.Context, recs []source.RawRecord) error {
	form := r.src.Form
	samples := make([]map[string]any, len(recs))
	for i, rec := range recs {
		samples[i] = rec.Payload
	}
	start := time.Now()
	all, added, err := r.e.catalog.Extend(ctx, form, samples)
	if err != nil {
		metrics.RecordStep(form, "schema", err, time.Since(start))
		return err
	}
	if r.ready && len(added) == 0 {
		return nil
	}
	if _, err := r.e.store.EnsureSchema(ctx, form, r.src.Table, all); err != nil {
		metrics.RecordStep(form, "schema", err, time.Since(start))
		return err
	}
	metrics.RecordStep(form, "schema", nil, time.Since(start))

	r.mappings = all
	r.groups = r.groups[:0]
	for _, m := range all {
		if m.IsRepeat {
			r.groups = append(r.groups, m.ExternalPath)
		}
	}
	var fp strings.Builder
	for _, m := range r.e.store.Registry().Models(form) {
		fp.WriteString(strconv.FormatUint(m.Fingerprint(), 16))
		fp.WriteByte('.')
	}
	r.schemaFP = fp.String()
	r.ready = true
	return nil
}

// dedupe keeps the last occurrence of every identity, in order of those last
// occurrences. Records without identity are kept.
func dedupe(batch []source.RawRecord) []source.RawRecord {
	last := make(map[string]int, len(batch))
	for i, rec := range batch {
		if rec.Identity != "" {
			last[rec.Identity] = i
		}
	}
	out := make([]source.RawRecord, 0, len(batch))
	for i, rec := range batch {
		if rec.Identity == "" || last[rec.Identity] == i {
			out = append(out, rec)
		}
	}
	return out
}

// payloadHash fingerprints a payload together with the table models it is
// written through, so schema changes rewrite unchanged payloads.
func (r *run) payloadHash(raw []byte) string {
	h := xxh3.New()
	h.Write(raw)
	h.WriteString(r.schemaFP)
	return strconv.FormatUint(h.Sum64(), 16)
}

func (r *run) write(ctx context.Context, tx *sql.Tx, parent entity.Model, children []entity.Model, rec source.RawRecord) (outcome, error) {
	if rec.Identity == "" {
		return outcomeSkipped, nil
	}
	recErr := func(err error) error { return &RecordError{Form: r.src.Form, Identity: rec.Identity, Err: err} }

	raw, err := json.Marshal(rec.Payload)
	if err != nil {
		return 0, recErr(fmt.Errorf("encode payload: %w", err))
	}
	hash := r.payloadHash(raw)
	stored, exists, err := r.e.store.ParentHash(ctx, tx, parent, rec.Identity)
	if err != nil {
		return 0, recErr(err)
	}
	if exists && stored == hash {
		return outcomeUnchanged, nil
	}

	flat := schema.Flatten(rec.Payload, r.groups...)
	c := coercer{d: r.e.db.Dialect, form: r.src.Form, identity: rec.Identity}
	row := r.parentRow(c, rec, flat, raw, hash, !exists)
	if exists {
		err = r.e.store.UpdateParent(ctx, tx, parent, rec.Identity, row)
	} else {
		err = r.e.store.InsertParent(ctx, tx, parent, row)
	}
	if err != nil {
		return 0, recErr(err)
	}

	// Children are always replaced; a group missing from the payload has no
	// items any more.
	for _, cm := range children {
		rows, err := childRows(c, cm, rec.Identity, flat.Groups[cm.Prefix])
		if err != nil {
			return 0, recErr(err)
		}
		if err := r.e.store.ReplaceChildren(ctx, tx, cm, rec.Identity, rows); err != nil {
			return 0, recErr(err)
		}
	}
	if exists {
		return outcomeUpdated, nil
	}
	return outcomeCreated, nil
}

func (r *run) parentRow(c coercer, rec source.RawRecord, flat schema.Flat, raw []byte, hash string, insert bool) entity.Row {
	d := r.e.db.Dialect
	now := d.TimeValue(r.e.now(), false)
	row := entity.Row{
		"instance_id":     rec.Identity,
		"xform_id_string": nullString(rec.FormID),
		"form_version":    nullString(rec.Version),
		"submission_time": nil,
		"submitted_by":    nullString(firstText(rec.Payload, "_submitted_by", "submitted_by")),
		"status":          nullString(firstText(rec.Payload, "_status", "status")),
		"geojson":         nil,
		"raw_json":        string(raw),
		"payload_hash":    hash,
		"updated_at":      now,
	}
	if insert {
		row["created_at"] = now
	}
	if rec.SubmittedAt != nil {
		row["submission_time"] = d.TimeValue(*rec.SubmittedAt, false)
	}
	for _, k := range []string{"_geolocation", "geojson"} {
		if g, ok := rec.Payload[k]; ok && g != nil {
			if s, ok := toString(g); ok {
				row["geojson"] = s
				break
			}
		}
	}

	parent, _ := r.e.store.Registry().Parent(r.src.Form)
	for _, m := range parent.Fields {
		v, ok := c.value(m, flat.Fields[m.ExternalPath])
		if !ok && strings.HasSuffix(m.ExternalPath, "_count") {
			if items, isGroup := flat.Groups[strings.TrimSuffix(m.ExternalPath, "_count")]; isGroup {
				v, ok = c.value(m, int64(len(items)))
			}
		}
		switch {
		case ok:
			row[m.CanonicalName] = v
		case insert:
			row[m.CanonicalName] = nil
		}
	}
	return row
}

func childRows(c coercer, cm entity.Model, parentID string, items []map[string]any) ([]entity.Row, error) {
	rows := make([]entity.Row, 0, len(items))
	for idx, item := range items {
		raw, err := json.Marshal(item)
		if err != nil {
			return nil, fmt.Errorf("encode %s item %d: %w", cm.Prefix, idx, err)
		}
		row := entity.Row{
			"id":         entity.ChildID(parentID, idx),
			"parent_id":  parentID,
			"item_index": int64(idx),
			"raw_json":   string(raw),
		}
		for _, f := range cm.Fields {
			v, ok := c.value(f, item[f.ItemKey()])
			if !ok {
				v = nil
			}
			row[f.CanonicalName] = v
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func (r *run) project(ctx context.Context) {
	if r.e.projector == nil || len(r.touched) == 0 {
		return
	}
	start := time.Now()
	err := r.e.projector.Project(ctx, r.src.Form, r.touched)
	metrics.RecordStep(r.src.Form, "project", err, time.Since(start))
	if err != nil {
		r.fail(fmt.Sprintf("projection: %v", err))
	}
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func firstText(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if s, ok := toString(m[k]); ok && s != "" {
			return s
		}
	}
	return ""
}
