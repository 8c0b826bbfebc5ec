package semantic

import (
	"reflect"
	"testing"
)

func vaccinationPayload() map[string]any {
	return map[string]any{
		"DateVaccination": "2025-03-04T08:00:00Z",
		"region":          "Kayes",
		"grp/cercle":      "Bafoulabe",
		"grp": map[string]any{
			"commune": "Mahina",
		},
		"sites": []any{
			map[string]any{
				"sites/vaccines": "10",
				"sites/elevage": []any{
					map[string]any{"sites/elevage/espece": "bovin"},
				},
			},
			map[string]any{"sites/vaccines": 5.0},
		},
		"sites_nat": []any{
			map[string]any{"sites_nat/vaccines": "2"},
		},
		"meta": map[string]any{"instanceID": "uuid:1"},
	}
}

func TestExtract(t *testing.T) {
	t.Parallel()

	p := vaccinationPayload()
	tests := []struct {
		path string
		want []any
	}{
		{"region", []any{"Kayes"}},
		{"grp/cercle", []any{"Bafoulabe"}},
		{"grp/commune", []any{"Mahina"}},
		{"commune", []any{"Mahina"}},
		{"sites/vaccines", []any{"10", 5.0}},
		{"sites/elevage/espece", []any{"bovin"}},
		{"meta/instanceID", []any{"uuid:1"}},
		{"instanceID", []any{"uuid:1"}},
		{"missing", nil},
		{"", nil},
	}
	for _, tt := range tests {
		if got := Extract(p, tt.path); !reflect.DeepEqual(got, tt.want) {
			t.Errorf("Extract(%q) = %#v, want %#v", tt.path, got, tt.want)
		}
	}
}

func TestFirstNonNull(t *testing.T) {
	t.Parallel()

	if got := FirstNonNull([]any{nil, "", []any{}, "x", "y"}); got != "x" {
		t.Fatalf("FirstNonNull = %#v", got)
	}
	if got := FirstNonNull(nil); got != nil {
		t.Fatalf("FirstNonNull(nil) = %#v", got)
	}
}

func TestProject(t *testing.T) {
	t.Parallel()

	ds := Dataset{
		Name:   "vaccination",
		Source: "vacc",
		Dimensions: []Dimension{
			{Code: "date", Path: "DateVaccination", Type: DimDate, Transform: "to_date", IsTime: true},
			{Code: "region", Path: "region", Type: DimCode},
			{Code: "cercle", Path: "grp/cercle", Type: DimCode},
			{Code: "espece", Path: "sites", Type: DimCode, Transform: "first_in_array",
				TransformParams: Params{"sublist": "sites/elevage", "sub_field": "sites/elevage/espece"}},
			{Code: "absent", Path: "nowhere"},
		},
		Measures: []Measure{
			{Code: "vaccins_attr", Path: "sites", Transform: "sum_array_field_number",
				TransformParams: Params{"field": "sites/vaccines"}},
			{Code: "vaccins_nat", Path: "sites_nat/vaccines", Transform: "to_number"},
			{Code: "vaccins_total", Transform: DeriveSum,
				TransformParams: Params{"sources": []any{"vaccins_attr", "vaccins_nat"}}},
			{Code: "none", Path: "region", Transform: "to_number"},
		},
	}
	got := ds.Project(vaccinationPayload())

	wantDims := map[string]string{"date": "2025-03-04", "region": "Kayes", "cercle": "Bafoulabe", "espece": "bovin"}
	if !reflect.DeepEqual(got.Dims, wantDims) {
		t.Fatalf("Dims = %#v, want %#v", got.Dims, wantDims)
	}
	wantMeas := map[string]float64{"vaccins_attr": 15, "vaccins_nat": 2, "vaccins_total": 17}
	if !reflect.DeepEqual(got.Meas, wantMeas) {
		t.Fatalf("Meas = %#v, want %#v", got.Meas, wantMeas)
	}
}
