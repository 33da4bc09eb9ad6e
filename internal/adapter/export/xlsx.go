package export

import (
	"context"
	"fmt"
	"io"
	"math"
	"strconv"

	"github.com/xuri/excelize/v2"

	"github.com/couchcryptid/tempo-no2-etl/internal/domain"
	"github.com/couchcryptid/tempo-no2-etl/internal/fsutil"
	"github.com/couchcryptid/tempo-no2-etl/internal/pipeline"
)

// CellSheet is the worksheet holding the aggregated grid.
const CellSheet = "cells"

var cellHeader = []any{"lat_bin", "lon_bin", "no2_mean", "count", "label"}

// XLSXExporter writes the aggregated grid as a workbook with one row per cell.
type XLSXExporter struct {
	path string
}

func NewXLSXExporter(path string) *XLSXExporter {
	return &XLSXExporter{path: path}
}

func (e *XLSXExporter) Name() string { return "xlsx" }

func (e *XLSXExporter) Export(ctx context.Context, snap pipeline.Snapshot) (string, error) {
	if !snap.HasGrid {
		return "", nil
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	f, err := buildWorkbook(snap.Grid)
	if err != nil {
		return "", err
	}
	defer f.Close()

	err = fsutil.WriteAtomic(e.path, func(w io.Writer) error {
		_, err := f.WriteTo(w)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("write xlsx: %w", err)
	}
	return e.path, nil
}

func buildWorkbook(g domain.Grid) (*excelize.File, error) {
	f := excelize.NewFile()
	if err := f.SetSheetName(f.GetSheetName(0), CellSheet); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("rename sheet: %w", err)
	}
	if err := f.SetSheetRow(CellSheet, "A1", &cellHeader); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("write header: %w", err)
	}
	for i, c := range g.Cells {
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			_ = f.Close()
			return nil, err
		}
		var mean any = c.Mean
		if math.IsNaN(c.Mean) {
			mean = ""
		}
		row := []any{c.LatBin, c.LonBin, mean, c.Count, c.Label}
		if err := f.SetSheetRow(CellSheet, cell, &row); err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("write row %d: %w", i+2, err)
		}
	}
	return f, nil
}

// ReadCellsXLSX parses the cells sheet of a workbook written by XLSXExporter.
func ReadCellsXLSX(path string) ([]domain.Cell, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	rows, err := f.GetRows(CellSheet, excelize.Options{RawCellValue: true})
	if err != nil {
		return nil, fmt.Errorf("read sheet %s: %w", CellSheet, err)
	}
	if len(rows) == 0 {
		return nil, nil
	}

	out := make([]domain.Cell, 0, len(rows)-1)
	for i, row := range rows[1:] {
		// GetRows trims trailing empty cells.
		for len(row) < len(cellHeader) {
			row = append(row, "")
		}
		var c domain.Cell
		if c.LatBin, err = strconv.ParseFloat(row[0], 64); err != nil {
			return nil, fmt.Errorf("row %d: lat_bin: %w", i+2, err)
		}
		if c.LonBin, err = strconv.ParseFloat(row[1], 64); err != nil {
			return nil, fmt.Errorf("row %d: lon_bin: %w", i+2, err)
		}
		if c.Mean, err = parseFloat(row[2]); err != nil {
			return nil, fmt.Errorf("row %d: no2_mean: %w", i+2, err)
		}
		if c.Count, err = strconv.Atoi(row[3]); err != nil {
			return nil, fmt.Errorf("row %d: count: %w", i+2, err)
		}
		c.Label = row[4]
		out = append(out, c)
	}
	return out, nil
}
