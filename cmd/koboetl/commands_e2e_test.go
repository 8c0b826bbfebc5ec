package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"koboetl/internal/config"
	"koboetl/internal/materialize"
	"koboetl/internal/query"
	"koboetl/internal/semantic"
	"koboetl/internal/syncer"
)

// fakeKobo serves one asset through the REST data endpoint only, so the
// connector has to fall back from OData.
func fakeKobo(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v2/assets/a1/data/" {
			http.NotFound(w, r)
			return
		}
		fmt.Fprint(w, `{"next": null, "results": [
		  {"_id": 1, "_uuid": "u1", "_submission_time": "2025-01-10T08:00:00", "region": "Kayes", "sick": "5", "exposed": 200},
		  {"_id": 2, "_uuid": "u2", "_submission_time": "2025-01-11T08:00:00", "region": "Kayes", "sick": "3", "exposed": 120},
		  {"_id": 3, "_uuid": "u3", "_submission_time": "2025-01-12T08:00:00", "region": "Mopti", "sick": "2", "exposed": 50}
		]}`)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestRunner(t *testing.T) (*runner, *bytes.Buffer) {
	t.Helper()
	srv := fakeKobo(t)
	dir := t.TempDir()
	doc := fmt.Sprintf(`{
	  "storage": {"kind": "sqlite", "dsn": %q},
	  "http": {"max_retries": -1, "timeout": "5s"},
	  "sources": [{"name": "cases", "server_url": %q, "asset_uid": "a1", "token": "t"}],
	  "datasets": [{
	    "name": "surveillance", "source": "cases",
	    "dimensions": [{"code": "region", "path": "region"}],
	    "measures": [
	      {"code": "sick", "path": "sick", "transform": "to_number"},
	      {"code": "exposed", "path": "exposed", "transform": "to_number"}
	    ],
	    "computed": [{"code": "rate", "expr": "sick * 100 / exposed", "round": 2}],
	    "default_group_dims": ["region"],
	    "default_metrics": [{"code": "sick", "agg": "sum"}]
	  }]
	}`, filepath.Join(dir, "kobo.db"), srv.URL)
	path := filepath.Join(dir, "koboetl.json")
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if issues := config.Validate(cfg); config.HasErrors(issues) {
		t.Fatalf("Validate: %+v", issues)
	}
	c, err := newContainer(context.Background(), cfg, true)
	if err != nil {
		t.Fatalf("newContainer: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	out := &bytes.Buffer{}
	return &runner{c: c, out: out, cfgPath: path, addr: "127.0.0.1:0"}, out
}

func TestSyncQueryPublishEndToEnd(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	r, out := newTestRunner(t)

	if err := r.run(ctx, "sync", []string{"cases"}); err != nil {
		t.Fatalf("sync: %v\n%s", err, out)
	}
	var sum syncer.Summary
	if err := json.Unmarshal(out.Bytes(), &sum); err != nil {
		t.Fatalf("summary: %v\n%s", err, out)
	}
	if sum.Status != syncer.StatusDone || sum.CountIn != 3 || sum.Created != 3 {
		t.Fatalf("summary = %+v", sum)
	}

	out.Reset()
	if err := r.run(ctx, "query", []string{"surveillance", "-group", "region", "-metrics", "rate", "-format", "csv"}); err != nil {
		t.Fatalf("query: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 3 || lines[0] != "region,exposed__sum,sick__sum,rate" {
		t.Fatalf("csv = %q", out.String())
	}
	if !containsLine(lines, "Kayes,320,8,2.5") || !containsLine(lines, "Mopti,50,2,4") {
		t.Fatalf("csv rows = %q", lines)
	}

	out.Reset()
	if err := r.run(ctx, "query", []string{"surveillance", "-metrics", "sick:max", "-filter", "region=Kayes"}); err != nil {
		t.Fatalf("query json: %v", err)
	}
	var res query.Result
	if err := json.Unmarshal(out.Bytes(), &res); err != nil {
		t.Fatalf("result: %v\n%s", err, out)
	}
	if len(res.Rows) != 1 || res.Rows[0][0] != 5.0 {
		t.Fatalf("filtered result = %+v", res)
	}

	out.Reset()
	if err := r.run(ctx, "publish", []string{"surveillance"}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	var snap materialize.Snapshot
	if err := json.Unmarshal(out.Bytes(), &snap); err != nil || snap.Table != "mv_surveillance" || snap.Rows != 2 {
		t.Fatalf("snapshot = %+v %v", snap, err)
	}

	out.Reset()
	if err := r.run(ctx, "refresh", []string{"mv_surveillance"}); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	out.Reset()
	if err := r.run(ctx, "rebuild", []string{"surveillance"}); err != nil {
		t.Fatalf("rebuild: %v", err)
	}
	if got := strings.TrimSpace(out.String()); got != "rebuilt dataset=surveillance rows=3" {
		t.Fatalf("rebuild output = %q", got)
	}

	// A second run finds nothing newer than the cursor.
	out.Reset()
	if err := r.run(ctx, "sync-all", nil); err != nil {
		t.Fatalf("sync-all: %v", err)
	}
	var sums []syncer.Summary
	if err := json.Unmarshal(out.Bytes(), &sums); err != nil || len(sums) != 1 || sums[0].Created != 0 {
		t.Fatalf("sync-all = %+v %v", sums, err)
	}
}

func TestSuggest(t *testing.T) {
	t.Parallel()

	r, out := newTestRunner(t)
	if err := r.run(context.Background(), "suggest", []string{"cases", "-sample", "10"}); err != nil {
		t.Fatalf("suggest: %v", err)
	}
	var ds semantic.Dataset
	if err := json.Unmarshal(out.Bytes(), &ds); err != nil {
		t.Fatalf("dataset: %v\n%s", err, out)
	}
	if ds.Source != "cases" {
		t.Fatalf("suggested dataset = %+v", ds)
	}
	if _, ok := ds.Dimension("region"); !ok {
		t.Fatalf("region not suggested as a dimension: %+v", ds.Dimensions)
	}
	if _, ok := ds.Measure("exposed"); !ok {
		t.Fatalf("exposed not suggested as a measure: %+v", ds.Measures)
	}
}

func TestRunRejectsBadInvocations(t *testing.T) {
	t.Parallel()

	r, _ := newTestRunner(t)
	ctx := context.Background()
	for _, tc := range []struct {
		cmd  string
		args []string
	}{
		{"sync", nil},
		{"sync", []string{"other"}},
		{"sync", []string{"cases", "-since", "yesterday"}},
		{"publish", []string{"a", "b"}},
		{"query", []string{"surveillance", "-filter", "novalue"}},
		{"query", []string{"surveillance", "-format", "xml"}},
		{"refresh", []string{"mv_unknown"}},
		{"launch", nil},
	} {
		if err := r.run(ctx, tc.cmd, tc.args); err == nil {
			t.Fatalf("%s %v: expected an error", tc.cmd, tc.args)
		}
	}
}

func TestFilterFlag(t *testing.T) {
	t.Parallel()

	f := filterFlag{}
	for _, s := range []string{"region=Kayes,Mopti", "periode=2025-01-01..", "espece=bovin"} {
		if err := f.Set(s); err != nil {
			t.Fatalf("Set(%q): %v", s, err)
		}
	}
	if got := fmt.Sprint(f["region"]); got != "[Kayes Mopti]" {
		t.Fatalf("list filter = %s", got)
	}
	if b, ok := f["periode"].([]any); !ok || b[0] != "2025-01-01" || b[1] != nil {
		t.Fatalf("range filter = %#v", f["periode"])
	}
	if f["espece"] != "bovin" {
		t.Fatalf("scalar filter = %#v", f["espece"])
	}
}

func containsLine(lines []string, want string) bool {
	for _, l := range lines {
		if l == want {
			return true
		}
	}
	return false
}
