package semantic

import (
	"encoding/json"
	"testing"
)

func TestSuggest(t *testing.T) {
	t.Parallel()

	records := []map[string]any{
		{
			"_id":              12.0,
			"_submission_time": "2025-01-02T10:00:00",
			"today":            "2025-01-02",
			"region":           "Kayes",
			"grp/maladie":      "PPR",
			"nb_malades":       "5",
			"telephone":        "76000000",
			"commentaire":      "rien",
			"animaux": []any{
				map[string]any{"animaux/poids": "120,5"},
			},
		},
		{"region": "Sikasso", "nb_malades": 3.0, "uuid_ref": "4", "exposes": json.Number("200")},
	}

	got := Suggest(records, SuggestOptions{Expand: []string{"animaux"}, Rename: map[string]string{"today": "jour"}})

	dims := map[string]Dimension{}
	for _, d := range got.Dimensions {
		dims[d.Code] = d
	}
	if d, ok := dims["submission_time"]; !ok || !d.IsTime || d.Transform != "to_date" {
		t.Fatalf("submission time dimension = %+v (%v)", d, ok)
	}
	if d, ok := dims["jour"]; !ok || d.Path != "today" || d.Type != DimDate {
		t.Fatalf("renamed date dimension = %+v (%v)", d, ok)
	}
	if d, ok := dims["maladie"]; !ok || d.Type != DimCode || d.Path != "grp/maladie" {
		t.Fatalf("maladie dimension = %+v (%v)", d, ok)
	}
	if _, ok := dims["commentaire"]; ok {
		t.Fatalf("free text must not become a dimension")
	}

	meas := map[string]Measure{}
	for _, m := range got.Measures {
		meas[m.Code] = m
	}
	if m, ok := meas["nb_malades"]; !ok || m.DefaultAgg != AggSum || m.Transform != "to_number" || m.Label != "Nb Malades" {
		t.Fatalf("nb_malades measure = %+v (%v)", m, ok)
	}
	if m, ok := meas["exposes"]; !ok || m.DefaultAgg != AggSum {
		t.Fatalf("decoded JSON number not suggested as a measure: %+v", got.Measures)
	}
	if _, ok := meas["poids"]; !ok {
		t.Fatalf("expanded repeat field missing: %+v", got.Measures)
	}
	for _, skip := range []string{"_id", "telephone", "uuid_ref"} {
		if _, ok := meas[skip]; ok {
			t.Fatalf("%s must not become a measure", skip)
		}
	}

	if len(got.Filters) != 3 {
		t.Fatalf("filters = %+v", got.Filters)
	}
	if f := got.Filters[0]; f.Code != "periode" || f.Op != OpBetween || f.DimCode != "submission_time" {
		t.Fatalf("periode filter = %+v", f)
	}
	if f := got.Filters[1]; f.Code != "region" || f.Op != OpIn {
		t.Fatalf("region filter = %+v", f)
	}
	if f := got.Filters[2]; f.Code != "maladie" || f.Op != OpIn {
		t.Fatalf("maladie filter = %+v", f)
	}
}
