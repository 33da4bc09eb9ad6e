package domain

import (
	"fmt"
	"math"
)

// Observation is one retained high-quality pixel.
type Observation struct {
	Value      float64 `json:"no2_tropospheric_column"`
	Latitude   float64 `json:"latitude"`
	Longitude  float64 `json:"longitude"`
	SourceFile string  `json:"source_file"`
}

// CornerMean reduces a bounds array along its trailing corner axis, returning
// one value per pixel. NaN corners are ignored; a pixel whose corners are all
// NaN yields NaN.
func CornerMean(bounds Field) ([]float64, error) {
	if len(bounds.Shape) == 0 {
		return nil, fmt.Errorf("%w: %s has no corner axis", ErrShapeMismatch, bounds.Name)
	}
	if err := bounds.checkLength(); err != nil {
		return nil, err
	}
	corners := bounds.Shape[len(bounds.Shape)-1]
	if corners == 0 {
		return nil, ErrEmptyGeolocation
	}

	out := make([]float64, len(bounds.Values)/corners)
	for i := range out {
		sum, n := 0.0, 0
		for _, v := range bounds.Values[i*corners : (i+1)*corners] {
			if math.IsNaN(v) {
				continue
			}
			sum += v
			n++
		}
		if n == 0 {
			out[i] = math.NaN()
			continue
		}
		out[i] = sum / float64(n)
	}
	return out, nil
}

// QualityMask marks the elements whose quality flag equals 0.
func QualityMask(flag Field) []bool {
	mask := make([]bool, len(flag.Values))
	for i, v := range flag.Values {
		mask[i] = v == 0
	}
	return mask
}

// FlattenGranule applies the quality mask to a granule and returns its
// observations in row-major pixel order, each tagged with the granule name.
func FlattenGranule(g Granule) ([]Observation, error) {
	if err := g.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", g.Name, err)
	}

	lat, err := CornerMean(g.Geolocation.LatitudeBounds)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", g.Name, err)
	}
	lon, err := CornerMean(g.Geolocation.LongitudeBounds)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", g.Name, err)
	}

	mask := QualityMask(g.Product.QualityFlag)
	kept := 0
	for _, keep := range mask {
		if keep {
			kept++
		}
	}
	if kept == 0 {
		return nil, fmt.Errorf("%s: %w", g.Name, ErrNoQualityPixels)
	}

	values := g.Product.Column.Values
	out := make([]Observation, 0, kept)
	for i, keep := range mask {
		if !keep {
			continue
		}
		out = append(out, Observation{
			Value:      values[i],
			Latitude:   lat[i],
			Longitude:  lon[i],
			SourceFile: g.Name,
		})
	}
	return out, nil
}
