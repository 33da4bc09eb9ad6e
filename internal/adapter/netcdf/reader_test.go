package netcdf

import (
	"context"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/batchatco/go-native-netcdf/netcdf/api"
	"github.com/batchatco/go-native-netcdf/netcdf/cdf"
	"github.com/batchatco/go-native-netcdf/netcdf/util"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/couchcryptid/tempo-no2-etl/internal/domain"
)

const testFill = float32(-1e30)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func attrs(t *testing.T, kv map[string]any) api.AttributeMap {
	t.Helper()
	keys := make([]string, 0, len(kv))
	for k := range kv {
		keys = append(keys, k)
	}
	om, err := util.NewOrderedMap(keys, kv)
	require.NoError(t, err)
	return om
}

// rootLayout reads every variable from the root group, which is all a
// classic-format file can hold.
func rootLayout() Layout {
	l := DefaultLayout()
	l.ProductGroup = ""
	l.GeolocationGroup = ""
	return l
}

// writeGranule writes a 1x3 classic-format granule with a fill value in the
// measurement and four corners per pixel.
func writeGranule(t *testing.T, dir string, skip string) string {
	t.Helper()
	path := filepath.Join(dir, "TEMPO_NO2_L2_V03_20240601T180000Z_S008G01.nc")
	w, err := cdf.OpenWriter(path)
	require.NoError(t, err)

	vars := []struct {
		name string
		v    api.Variable
	}{
		{"vertical_column_troposphere", api.Variable{
			Values:     [][]float32{{1.5e15, testFill, 3.5e15}},
			Dimensions: []string{"mirror_step", "xtrack"},
			Attributes: attrs(t, map[string]any{"_FillValue": testFill}),
		}},
		{"main_data_quality_flag", api.Variable{
			Values:     [][]int16{{0, 0, 1}},
			Dimensions: []string{"mirror_step", "xtrack"},
			Attributes: attrs(t, map[string]any{}),
		}},
		{"latitude_bounds", api.Variable{
			Values:     [][][]float32{{{20, 21, 21, 20}, {22, 23, 23, 22}, {24, 25, 25, 24}}},
			Dimensions: []string{"mirror_step", "xtrack", "corner"},
			Attributes: attrs(t, map[string]any{}),
		}},
		{"longitude_bounds", api.Variable{
			Values:     [][][]float32{{{-100, -100, -99, -99}, {-98, -98, -97, -97}, {-96, -96, -95, -95}}},
			Dimensions: []string{"mirror_step", "xtrack", "corner"},
			Attributes: attrs(t, map[string]any{}),
		}},
	}
	for _, v := range vars {
		if v.name == skip {
			continue
		}
		require.NoError(t, w.AddVar(v.name, v.v))
	}
	require.NoError(t, w.Close())
	return path
}

func TestReadGranule(t *testing.T) {
	path := writeGranule(t, t.TempDir(), "")
	r := NewReader(rootLayout(), discardLogger())

	g, err := r.ReadGranule(context.Background(), path)
	require.NoError(t, err)

	assert.Equal(t, filepath.Base(path), g.Name)
	assert.Equal(t, []int{1, 3}, g.Product.Column.Shape)
	assert.InDelta(t, 1.5e15, g.Product.Column.Values[0], 1e8)
	assert.True(t, math.IsNaN(g.Product.Column.Values[1]), "fill value must decode to NaN")
	assert.Equal(t, []float64{0, 0, 1}, g.Product.QualityFlag.Values)
	assert.Equal(t, []int{1, 3, 4}, g.Geolocation.LatitudeBounds.Shape)
	require.NoError(t, g.Validate())

	obs, err := domain.FlattenGranule(g)
	require.NoError(t, err)
	require.Len(t, obs, 2)
	assert.Equal(t, 20.5, obs[0].Latitude)
	assert.Equal(t, -99.5, obs[0].Longitude)
	assert.True(t, math.IsNaN(obs[1].Value), "masked measurement keeps its row")
}

func TestReadGranule_MissingVariable(t *testing.T) {
	path := writeGranule(t, t.TempDir(), "main_data_quality_flag")
	r := NewReader(rootLayout(), discardLogger())

	_, err := r.ReadGranule(context.Background(), path)
	require.ErrorIs(t, err, domain.ErrMissingField)
	assert.Contains(t, err.Error(), "main_data_quality_flag")
}

// testdata/tempo_no2_groups.nc is a NetCDF4/HDF5 file laid out like a TEMPO
// L2 granule: a 2x2 float32 column with _FillValue -1e30 at (0,1), a uint8
// quality flag with 1 at (1,0), and 2x2x4 corner bounds in the geolocation
// group. Regenerate with testdata/gen_groups.py.
func TestReadGranule_HDF5Groups(t *testing.T) {
	path := filepath.Join("testdata", "tempo_no2_groups.nc")
	r := NewReader(DefaultLayout(), discardLogger())

	g, err := r.ReadGranule(context.Background(), path)
	require.NoError(t, err)
	require.NoError(t, g.Validate())

	assert.Equal(t, "tempo_no2_groups.nc", g.Name)
	assert.Equal(t, []int{2, 2}, g.Product.Column.Shape)
	assert.Equal(t, []int{2, 2}, g.Product.QualityFlag.Shape)
	assert.Equal(t, []int{2, 2, 4}, g.Geolocation.LatitudeBounds.Shape)
	assert.Equal(t, []int{2, 2, 4}, g.Geolocation.LongitudeBounds.Shape)
	assert.InDelta(t, 1e15, g.Product.Column.Values[0], 1e8)
	assert.True(t, math.IsNaN(g.Product.Column.Values[1]), "fill value must decode to NaN")
	assert.Equal(t, []float64{0, 0, 1, 0}, g.Product.QualityFlag.Values)

	obs, err := domain.FlattenGranule(g)
	require.NoError(t, err)
	require.Len(t, obs, 3)
	assert.Equal(t, 30.5, obs[0].Latitude)
	assert.Equal(t, -99.5, obs[0].Longitude)
	assert.Equal(t, 30.5, obs[1].Latitude)
	assert.Equal(t, -97.5, obs[1].Longitude)
	assert.True(t, math.IsNaN(obs[1].Value))
	assert.Equal(t, 32.5, obs[2].Latitude)
	assert.Equal(t, -97.5, obs[2].Longitude)
	assert.InDelta(t, 4e15, obs[2].Value, 1e8)
	for _, o := range obs {
		assert.Equal(t, "tempo_no2_groups.nc", o.SourceFile)
	}
}

func TestReadGranule_HDF5MissingVariable(t *testing.T) {
	layout := DefaultLayout()
	layout.Quality = "quality_flag"
	_, err := NewReader(layout, discardLogger()).
		ReadGranule(context.Background(), filepath.Join("testdata", "tempo_no2_groups.nc"))
	require.ErrorIs(t, err, domain.ErrMissingField)
	assert.Contains(t, err.Error(), "quality_flag")
}

func TestReadGranule_MissingGroup(t *testing.T) {
	path := writeGranule(t, t.TempDir(), "")
	r := NewReader(DefaultLayout(), discardLogger())

	_, err := r.ReadGranule(context.Background(), path)
	require.ErrorIs(t, err, domain.ErrMissingField)
	assert.Contains(t, err.Error(), "product")
}

func TestReadGranule_Unreadable(t *testing.T) {
	dir := t.TempDir()
	garbage := filepath.Join(dir, "TEMPO_NO2_L2_bad.nc")
	require.NoError(t, os.WriteFile(garbage, []byte("not a netcdf file"), 0o644))
	r := NewReader(DefaultLayout(), discardLogger())

	_, err := r.ReadGranule(context.Background(), garbage)
	assert.ErrorIs(t, err, domain.ErrUnreadable)

	_, err = r.ReadGranule(context.Background(), filepath.Join(dir, "absent.nc"))
	assert.ErrorIs(t, err, domain.ErrUnreadable)
}

func TestReadGranule_DoesNotModifyFile(t *testing.T) {
	path := writeGranule(t, t.TempDir(), "")
	before, err := os.ReadFile(path)
	require.NoError(t, err)

	_, err = NewReader(rootLayout(), discardLogger()).ReadGranule(context.Background(), path)
	require.NoError(t, err)

	after, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestReadGranule_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewReader(DefaultLayout(), discardLogger()).ReadGranule(ctx, "/nonexistent.nc")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDecodeVariable_ScaleOffsetAndMissing(t *testing.T) {
	v := &api.Variable{
		Values: [][]int16{{10, -999, 20}, {30, 40, -1}},
		Attributes: attrs(t, map[string]any{
			"missing_value": []int16{-999},
			"_FillValue":    int16(-1),
			"scale_factor":  float32(0.5),
			"add_offset":    float64(100),
		}),
	}
	f, err := decodeVariable("scaled", v)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 3}, f.Shape)
	assert.Equal(t, 105.0, f.Values[0])
	assert.True(t, math.IsNaN(f.Values[1]))
	assert.Equal(t, 110.0, f.Values[2])
	assert.Equal(t, 120.0, f.Values[4])
	assert.True(t, math.IsNaN(f.Values[5]))
}

func TestDecodeVariable_DoubleFillOnFloatData(t *testing.T) {
	v := &api.Variable{
		Values:     []float32{9.96921e36, 1},
		Attributes: attrs(t, map[string]any{"_FillValue": float64(9.96921e36)}),
	}
	f, err := decodeVariable("column", v)
	require.NoError(t, err)
	assert.True(t, math.IsNaN(f.Values[0]))
	assert.Equal(t, 1.0, f.Values[1])
}

func TestFlatten(t *testing.T) {
	tests := []struct {
		name      string
		in        any
		wantShape []int
		want      []float64
		wantErr   bool
	}{
		{"scalar", float64(3), []int{1}, []float64{3}, false},
		{"vector", []uint8{1, 2}, []int{2}, []float64{1, 2}, false},
		{"matrix", [][]int32{{1, 2}, {3, 4}}, []int{2, 2}, []float64{1, 2, 3, 4}, false},
		{"cube", [][][]float64{{{1, 2}}, {{3, 4}}}, []int{2, 1, 2}, []float64{1, 2, 3, 4}, false},
		{"empty", []float32{}, []int{0}, []float64{}, false},
		{"ragged", [][]float32{{1, 2}, {3}}, nil, nil, true},
		{"strings", []string{"a"}, nil, nil, true},
		{"nil", nil, nil, nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			shape, values, err := flatten(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantShape, shape)
			assert.Equal(t, tt.want, values)
		})
	}
}
