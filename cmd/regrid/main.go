// Command regrid re-bins an exported observation table at another cell size
// and writes the grid artifacts, without touching any granules.
//
// Usage:
//
//	go run ./cmd/regrid \
//	  -csv output/tempo_no2_observations.csv \
//	  -cell-size 0.25 \
//	  -xlsx-out output/no2_grid_025.xlsx \
//	  -html-out output/no2_map_025.html
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/couchcryptid/tempo-no2-etl/internal/adapter/export"
	"github.com/couchcryptid/tempo-no2-etl/internal/domain"
	"github.com/couchcryptid/tempo-no2-etl/internal/pipeline"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	csvPath := flag.String("csv", "output/tempo_no2_observations.csv", "observation table written by the pipeline")
	cellSize := flag.Float64("cell-size", domain.DefaultCellSize, "new cell size in degrees")
	xlsxOut := flag.String("xlsx-out", "", "output path for the grid workbook")
	htmlOut := flag.String("html-out", "", "output path for the HTML map")
	pngOut := flag.String("png-out", "", "output path for the PNG map")
	flag.Parse()

	if *cellSize <= 0 {
		return fmt.Errorf("-cell-size must be positive, got %g", *cellSize)
	}
	if *xlsxOut == "" && *htmlOut == "" && *pngOut == "" {
		flag.Usage()
		return fmt.Errorf("at least one of -xlsx-out, -html-out, -png-out is required")
	}

	obs, err := export.ReadObservationsCSV(*csvPath)
	if err != nil {
		return fmt.Errorf("read observations: %w", err)
	}
	snap := regrid(obs, *cellSize, time.Now().UTC())
	if !snap.HasGrid {
		return fmt.Errorf("%s has no binnable observations", *csvPath)
	}

	var exporters []pipeline.Exporter
	if *xlsxOut != "" {
		exporters = append(exporters, export.NewXLSXExporter(*xlsxOut))
	}
	if *htmlOut != "" {
		exporters = append(exporters, export.NewHTMLMapExporter(*htmlOut))
	}
	if *pngOut != "" {
		exporters = append(exporters, export.NewPNGMapExporter(*pngOut))
	}

	for _, e := range exporters {
		path, err := e.Export(context.Background(), snap)
		if err != nil {
			return fmt.Errorf("%s export: %w", e.Name(), err)
		}
		fmt.Printf("Wrote %s\n", path)
	}
	fmt.Printf("Regridded %d observations into %d cells at %g°\n", len(obs), len(snap.Grid.Cells), *cellSize)
	return nil
}

func regrid(obs []domain.Observation, cellSize float64, now time.Time) pipeline.Snapshot {
	grid, ok := domain.Aggregate(obs, cellSize)
	return pipeline.Snapshot{
		CycleID:      "regrid-" + uuid.NewString(),
		GeneratedAt:  now,
		Observations: obs,
		Grid:         grid,
		HasGrid:      ok,
	}
}
