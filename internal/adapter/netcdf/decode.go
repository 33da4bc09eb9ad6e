package netcdf

import (
	"errors"
	"fmt"
	"math"
	"reflect"

	"github.com/batchatco/go-native-netcdf/netcdf/api"

	"github.com/couchcryptid/tempo-no2-etl/internal/domain"
)

// decodeVariable flattens a variable's nested slices into a Field, masking
// _FillValue and missing_value to NaN and applying scale_factor/add_offset.
func decodeVariable(name string, v *api.Variable) (domain.Field, error) {
	shape, values, err := flatten(v.Values)
	if err != nil {
		return domain.Field{}, fmt.Errorf("%w: variable %s: %w", domain.ErrUnreadable, name, err)
	}

	// Mask values are compared at the variable's own precision.
	single := elemKind(v.Values) == reflect.Float32
	var masks []float64
	for _, key := range []string{"_FillValue", "missing_value"} {
		f, ok := attrFloat(v.Attributes, key)
		if !ok || math.IsNaN(f) {
			continue
		}
		if single {
			f = float64(float32(f))
		}
		masks = append(masks, f)
	}
	scale, hasScale := attrFloat(v.Attributes, "scale_factor")
	offset, hasOffset := attrFloat(v.Attributes, "add_offset")

	for i, x := range values {
		for _, m := range masks {
			if x == m {
				x = math.NaN()
				break
			}
		}
		if hasScale {
			x *= scale
		}
		if hasOffset {
			x += offset
		}
		values[i] = x
	}

	return domain.Field{Name: name, Shape: shape, Values: values}, nil
}

func elemKind(v any) reflect.Kind {
	if v == nil {
		return reflect.Invalid
	}
	t := reflect.TypeOf(v)
	for t.Kind() == reflect.Slice {
		t = t.Elem()
	}
	return t.Kind()
}

// flatten walks nested slices in row-major order. A scalar becomes a
// one-element field.
func flatten(v any) ([]int, []float64, error) {
	rv := reflect.ValueOf(v)
	if !rv.IsValid() {
		return nil, nil, errors.New("no values")
	}

	var shape []int
	for t := rv; t.Kind() == reflect.Slice; t = t.Index(0) {
		shape = append(shape, t.Len())
		if t.Len() == 0 {
			break
		}
	}
	if len(shape) == 0 {
		x, err := toFloat(rv)
		if err != nil {
			return nil, nil, err
		}
		return []int{1}, []float64{x}, nil
	}

	n := 1
	for _, d := range shape {
		n *= d
	}
	out := make([]float64, 0, n)
	if err := appendValues(&out, rv, shape); err != nil {
		return nil, nil, err
	}
	return shape, out, nil
}

func appendValues(out *[]float64, rv reflect.Value, shape []int) error {
	if rv.Kind() != reflect.Slice {
		return fmt.Errorf("expected %d more dimensions, got %s", len(shape), rv.Kind())
	}
	if rv.Len() != shape[0] {
		return fmt.Errorf("ragged array: length %d, want %d", rv.Len(), shape[0])
	}
	if len(shape) == 1 {
		return appendLeaf(out, rv)
	}
	for i := range rv.Len() {
		if err := appendValues(out, rv.Index(i), shape[1:]); err != nil {
			return err
		}
	}
	return nil
}

func appendLeaf(out *[]float64, rv reflect.Value) error {
	switch s := rv.Interface().(type) {
	case []float32:
		for _, x := range s {
			*out = append(*out, float64(x))
		}
	case []float64:
		*out = append(*out, s...)
	case []uint8:
		for _, x := range s {
			*out = append(*out, float64(x))
		}
	case []int16:
		for _, x := range s {
			*out = append(*out, float64(x))
		}
	default:
		for i := range rv.Len() {
			x, err := toFloat(rv.Index(i))
			if err != nil {
				return err
			}
			*out = append(*out, x)
		}
	}
	return nil
}

func toFloat(rv reflect.Value) (float64, error) {
	switch rv.Kind() {
	case reflect.Float32, reflect.Float64:
		return rv.Float(), nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return float64(rv.Int()), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return float64(rv.Uint()), nil
	default:
		return 0, fmt.Errorf("unsupported element type %s", rv.Type())
	}
}

// attrFloat reads a numeric attribute stored either as a scalar or as a
// one-element array.
func attrFloat(attrs api.AttributeMap, key string) (float64, bool) {
	if attrs == nil {
		return 0, false
	}
	val, ok := attrs.Get(key)
	if !ok || val == nil {
		return 0, false
	}
	rv := reflect.ValueOf(val)
	if rv.Kind() == reflect.Slice {
		if rv.Len() == 0 {
			return 0, false
		}
		rv = rv.Index(0)
	}
	f, err := toFloat(rv)
	if err != nil {
		return 0, false
	}
	return f, true
}
