package export

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"

	"github.com/couchcryptid/tempo-no2-etl/internal/domain"
	"github.com/couchcryptid/tempo-no2-etl/internal/fsutil"
	"github.com/couchcryptid/tempo-no2-etl/internal/pipeline"
)

var observationHeader = []string{"no2_tropospheric_column", "latitude", "longitude", "source_file"}

// CSVExporter writes the full observation table, one row per observation.
type CSVExporter struct {
	path string
}

// NewCSVExporter returns an exporter that replaces path on every cycle.
func NewCSVExporter(path string) *CSVExporter {
	return &CSVExporter{path: path}
}

func (e *CSVExporter) Name() string { return "csv" }

// Export writes snap.Observations. An empty table leaves the file untouched.
func (e *CSVExporter) Export(ctx context.Context, snap pipeline.Snapshot) (string, error) {
	if len(snap.Observations) == 0 {
		return "", nil
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	err := fsutil.WriteAtomic(e.path, func(w io.Writer) error {
		return WriteObservations(w, snap.Observations)
	})
	if err != nil {
		return "", fmt.Errorf("write csv: %w", err)
	}
	return e.path, nil
}

// WriteObservations encodes obs as CSV with a header row. NaN values are
// written as empty fields.
func WriteObservations(w io.Writer, obs []domain.Observation) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(observationHeader); err != nil {
		return err
	}
	for _, o := range obs {
		rec := []string{formatFloat(o.Value), formatFloat(o.Latitude), formatFloat(o.Longitude), o.SourceFile}
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// ReadObservationsCSV parses a file written by CSVExporter.
func ReadObservationsCSV(path string) ([]domain.Observation, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ReadObservations(f)
}

// ReadObservations parses CSV produced by WriteObservations. Columns are
// located by header name so extra columns are tolerated.
func ReadObservations(r io.Reader) ([]domain.Observation, error) {
	cr := csv.NewReader(r)
	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}

	idx := make(map[string]int, len(header))
	for i, h := range header {
		idx[h] = i
	}
	for _, col := range observationHeader {
		if _, ok := idx[col]; !ok {
			return nil, fmt.Errorf("missing column %q", col)
		}
	}

	var out []domain.Observation
	for line := 2; ; line++ {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}

		var o domain.Observation
		if o.Value, err = parseFloat(rec[idx["no2_tropospheric_column"]]); err != nil {
			return nil, fmt.Errorf("line %d: value: %w", line, err)
		}
		if o.Latitude, err = parseFloat(rec[idx["latitude"]]); err != nil {
			return nil, fmt.Errorf("line %d: latitude: %w", line, err)
		}
		if o.Longitude, err = parseFloat(rec[idx["longitude"]]); err != nil {
			return nil, fmt.Errorf("line %d: longitude: %w", line, err)
		}
		o.SourceFile = rec[idx["source_file"]]
		out = append(out, o)
	}
}

func formatFloat(v float64) string {
	if math.IsNaN(v) {
		return ""
	}
	return strconv.FormatFloat(v, 'g', -1, 64)
}

func parseFloat(s string) (float64, error) {
	if s == "" {
		return math.NaN(), nil
	}
	return strconv.ParseFloat(s, 64)
}
