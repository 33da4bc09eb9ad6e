package export

import (
	"bytes"
	"context"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/couchcryptid/tempo-no2-etl/internal/domain"
	"github.com/couchcryptid/tempo-no2-etl/internal/pipeline"
)

func testSnapshot() pipeline.Snapshot {
	obs := []domain.Observation{
		{Value: 1.5e15, Latitude: 10.0, Longitude: -100.0, SourceFile: "TEMPO_NO2_L2_A.nc"},
		{Value: 2.5e15, Latitude: 10.0, Longitude: -100.02, SourceFile: "TEMPO_NO2_L2_A.nc"},
		{Value: 4e15, Latitude: 10.2, Longitude: -100.2, SourceFile: "TEMPO_NO2_L2_B.nc"},
		{Value: math.NaN(), Latitude: 30.5, Longitude: -110.5, SourceFile: "TEMPO_NO2_L2_B.nc"},
	}
	grid, ok := domain.Aggregate(obs, domain.DefaultCellSize)
	return pipeline.Snapshot{
		CycleID:      "cycle-1",
		GeneratedAt:  time.Date(2024, 5, 1, 18, 0, 0, 0, time.UTC),
		Observations: obs,
		Grid:         grid,
		HasGrid:      ok,
	}
}

func TestCSVExporter_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out", "observations.csv")
	e := NewCSVExporter(path)
	assert.Equal(t, "csv", e.Name())

	snap := testSnapshot()
	got, err := e.Export(context.Background(), snap)
	require.NoError(t, err)
	assert.Equal(t, path, got)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(raw), "no2_tropospheric_column,latitude,longitude,source_file\n"))
	assert.Contains(t, string(raw), ",30.5,-110.5,TEMPO_NO2_L2_B.nc")

	rows, err := ReadObservationsCSV(path)
	require.NoError(t, err)
	require.Len(t, rows, len(snap.Observations))
	for i, want := range snap.Observations {
		if math.IsNaN(want.Value) {
			assert.True(t, math.IsNaN(rows[i].Value))
		} else {
			assert.Equal(t, want.Value, rows[i].Value)
		}
		assert.Equal(t, want.Latitude, rows[i].Latitude)
		assert.Equal(t, want.Longitude, rows[i].Longitude)
		assert.Equal(t, want.SourceFile, rows[i].SourceFile)
	}
}

func TestCSVExporter_EmptyTableSkipped(t *testing.T) {
	path := filepath.Join(t.TempDir(), "observations.csv")
	got, err := NewCSVExporter(path).Export(context.Background(), pipeline.Snapshot{})
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.NoFileExists(t, path)
}

func TestCSVExporter_ReplacesPreviousFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "observations.csv")
	e := NewCSVExporter(path)
	snap := testSnapshot()

	_, err := e.Export(context.Background(), snap)
	require.NoError(t, err)
	snap.Observations = snap.Observations[:1]
	_, err = e.Export(context.Background(), snap)
	require.NoError(t, err)

	rows, err := ReadObservationsCSV(path)
	require.NoError(t, err)
	assert.Len(t, rows, 1)

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp files must not be left behind")
}

func TestReadObservations_Errors(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"missing column", "no2_tropospheric_column,latitude,longitude\n1,2,3\n"},
		{"bad value", "no2_tropospheric_column,latitude,longitude,source_file\nabc,2,3,a.nc\n"},
		{"bad latitude", "no2_tropospheric_column,latitude,longitude,source_file\n1,x,3,a.nc\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ReadObservations(strings.NewReader(tt.input))
			assert.Error(t, err)
		})
	}
}

func TestReadObservations_EmptyInput(t *testing.T) {
	rows, err := ReadObservations(strings.NewReader(""))
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestXLSXExporter_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "grid.xlsx")
	e := NewXLSXExporter(path)
	assert.Equal(t, "xlsx", e.Name())

	snap := testSnapshot()
	snap.Grid.Cells[0].Label = "Somewhere, MX"
	got, err := e.Export(context.Background(), snap)
	require.NoError(t, err)
	assert.Equal(t, path, got)

	cells, err := ReadCellsXLSX(path)
	require.NoError(t, err)
	require.Len(t, cells, len(snap.Grid.Cells))
	for i, want := range snap.Grid.Cells {
		assert.InDelta(t, want.LatBin, cells[i].LatBin, 1e-12)
		assert.InDelta(t, want.LonBin, cells[i].LonBin, 1e-12)
		assert.Equal(t, want.Count, cells[i].Count)
		assert.Equal(t, want.Label, cells[i].Label)
		if math.IsNaN(want.Mean) {
			assert.True(t, math.IsNaN(cells[i].Mean))
		} else {
			assert.InEpsilon(t, want.Mean, cells[i].Mean, 1e-12)
		}
	}
}

func TestXLSXExporter_NoGridSkipped(t *testing.T) {
	path := filepath.Join(t.TempDir(), "grid.xlsx")
	got, err := NewXLSXExporter(path).Export(context.Background(), pipeline.Snapshot{})
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.NoFileExists(t, path)
}

func TestHTMLMapExporter_Render(t *testing.T) {
	path := filepath.Join(t.TempDir(), "map.html")
	e := NewHTMLMapExporter(path)
	assert.Equal(t, "html", e.Name())
	assert.Nil(t, e.Latest())

	snap := testSnapshot()
	snap.Grid.Cells[0].Label = "Hotspot Town"
	got, err := e.Export(context.Background(), snap)
	require.NoError(t, err)
	assert.Equal(t, path, got)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	page := string(raw)
	assert.Contains(t, page, "echarts")
	assert.Contains(t, page, "Hotspot Town")
	assert.Contains(t, page, "#fcffa4")
	assert.Equal(t, raw, e.Latest())
}

func TestHTMLMapExporter_MemoryOnly(t *testing.T) {
	e := NewHTMLMapExporter("")
	got, err := e.Export(context.Background(), testSnapshot())
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.NotEmpty(t, e.Latest())
}

func TestRenderHTMLMap_AllNaN(t *testing.T) {
	g := domain.Grid{CellSize: 0.11, Cells: []domain.Cell{{Mean: math.NaN(), Count: 2}}}
	var buf bytes.Buffer
	require.NoError(t, RenderHTMLMap(&buf, g, "empty"))
	assert.Contains(t, buf.String(), "cells=0")
}

func TestPNGMapExporter_WritesImage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "map.png")
	e := NewPNGMapExporter(path)
	assert.Equal(t, "png", e.Name())

	got, err := e.Export(context.Background(), testSnapshot())
	require.NoError(t, err)
	assert.Equal(t, path, got)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(raw, []byte("\x89PNG\r\n\x1a\n")))
}

func TestPNGMapExporter_NoGridSkipped(t *testing.T) {
	path := filepath.Join(t.TempDir(), "map.png")
	got, err := NewPNGMapExporter(path).Export(context.Background(), pipeline.Snapshot{})
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.NoFileExists(t, path)
}

func TestExporters_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	dir := t.TempDir()
	exporters := []pipeline.Exporter{
		NewCSVExporter(filepath.Join(dir, "a.csv")),
		NewXLSXExporter(filepath.Join(dir, "a.xlsx")),
		NewHTMLMapExporter(filepath.Join(dir, "a.html")),
		NewPNGMapExporter(filepath.Join(dir, "a.png")),
	}
	for _, e := range exporters {
		_, err := e.Export(ctx, testSnapshot())
		assert.ErrorIs(t, err, context.Canceled, e.Name())
	}
}
