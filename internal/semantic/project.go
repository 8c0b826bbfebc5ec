package semantic

// Projection is the dimension and measure maps of one wide row. Null values
// are left out of both maps.
type Projection struct {
	Dims map[string]string
	Meas map[string]float64
}

// Project maps one raw payload onto the dataset's dimensions and measures.
//
// A dimension takes the first non-null value found at its path, passed
// through its transform. A measure applies its transform to every value
// found and sums the numeric results, so repeat-group fields add up across
// items. derive_sum measures are computed last from the other measures.
func (d *Dataset) Project(payload map[string]any) Projection {
	p := Projection{
		Dims: make(map[string]string, len(d.Dimensions)),
		Meas: make(map[string]float64, len(d.Measures)),
	}
	for _, dim := range d.Dimensions {
		v := Apply(dim.Transform, FirstNonNull(Extract(payload, dim.Path)), dim.TransformParams)
		if IsNullish(v) {
			continue
		}
		if s := scalarText(v); s != "" {
			p.Dims[dim.Code] = s
		}
	}

	var derived []Measure
	for _, m := range d.Measures {
		if m.Transform == DeriveSum {
			derived = append(derived, m)
			continue
		}
		var (
			sum   float64
			found bool
		)
		for _, v := range Extract(payload, m.Path) {
			if f, ok := ToNumber(Apply(m.Transform, v, m.TransformParams)); ok {
				sum += f
				found = true
			}
		}
		if found {
			p.Meas[m.Code] = sum
		}
	}
	for _, m := range derived {
		var (
			sum   float64
			found bool
		)
		for _, src := range m.TransformParams.StringSlice("sources") {
			if f, ok := p.Meas[src]; ok {
				sum += f
				found = true
			}
		}
		if found {
			p.Meas[m.Code] = sum
		}
	}
	return p
}

// Text renders v the way wide rows store dimension values.
func Text(v any) string { return scalarText(v) }
