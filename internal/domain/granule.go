package domain

import (
	"fmt"
	"slices"
)

// Field is a decoded n-dimensional numeric array stored in row-major order.
// Missing values are NaN.
type Field struct {
	Name   string
	Shape  []int
	Values []float64
}

// Size returns the number of elements implied by the shape.
func (f Field) Size() int {
	if len(f.Shape) == 0 {
		return 0
	}
	n := 1
	for _, d := range f.Shape {
		n *= d
	}
	return n
}

func (f Field) checkLength() error {
	if len(f.Values) != f.Size() {
		return fmt.Errorf("%w: %s has %d values for shape %v", ErrShapeMismatch, f.Name, len(f.Values), f.Shape)
	}
	return nil
}

// ProductView exposes the measurement and quality-flag arrays of a granule.
type ProductView struct {
	Column      Field
	QualityFlag Field
}

// GeolocationView exposes the per-pixel corner coordinates of a granule.
// Both bounds arrays carry a trailing corner axis.
type GeolocationView struct {
	LatitudeBounds  Field
	LongitudeBounds Field
}

// Granule is one source file opened for a single processing pass.
type Granule struct {
	Path        string
	Name        string
	Product     ProductView
	Geolocation GeolocationView
}

// Validate checks that the product and geolocation arrays describe the same
// pixels: measurement and quality share a shape, and each bounds array has
// that shape plus a non-empty corner axis.
func (g Granule) Validate() error {
	col, qa := g.Product.Column, g.Product.QualityFlag
	lat, lon := g.Geolocation.LatitudeBounds, g.Geolocation.LongitudeBounds

	for _, f := range []Field{col, qa, lat, lon} {
		if err := f.checkLength(); err != nil {
			return err
		}
	}
	if lat.Size() == 0 || lon.Size() == 0 {
		return ErrEmptyGeolocation
	}
	if !slices.Equal(col.Shape, qa.Shape) {
		return fmt.Errorf("%w: %s %v vs %s %v", ErrShapeMismatch, col.Name, col.Shape, qa.Name, qa.Shape)
	}
	for _, b := range []Field{lat, lon} {
		if len(b.Shape) != len(col.Shape)+1 {
			return fmt.Errorf("%w: %s rank %d, want %d", ErrShapeMismatch, b.Name, len(b.Shape), len(col.Shape)+1)
		}
		if !slices.Equal(b.Shape[:len(col.Shape)], col.Shape) {
			return fmt.Errorf("%w: %s %v does not cover %s %v", ErrShapeMismatch, b.Name, b.Shape, col.Name, col.Shape)
		}
	}
	return nil
}
