// Command validate checks that the exported grid workbook agrees with the
// exported observation table: every cell's count and mean must equal what a
// fresh aggregation of the CSV produces at the same cell size.
//
// Usage:
//
//	go run ./cmd/validate \
//	  -csv output/tempo_no2_observations.csv \
//	  -xlsx output/no2_grid.xlsx \
//	  -cell-size 0.11
package main

import (
	"flag"
	"fmt"
	"math"
	"os"

	"github.com/couchcryptid/tempo-no2-etl/internal/adapter/export"
	"github.com/couchcryptid/tempo-no2-etl/internal/domain"
)

// relTolerance bounds the relative mean error introduced by summation order.
const relTolerance = 1e-9

// phase tracks pass/fail for a validation phase.
type phase struct {
	name   string
	errors []string
}

func (p *phase) errorf(format string, args ...any) {
	p.errors = append(p.errors, fmt.Sprintf(format, args...))
}

func (p *phase) passed() bool { return len(p.errors) == 0 }

func main() {
	csvPath := flag.String("csv", "output/tempo_no2_observations.csv", "observation table written by the pipeline")
	xlsxPath := flag.String("xlsx", "output/no2_grid.xlsx", "grid workbook written by the pipeline")
	cellSize := flag.Float64("cell-size", domain.DefaultCellSize, "cell size in degrees used for the export")
	flag.Parse()

	if *csvPath == "" || *xlsxPath == "" || *cellSize <= 0 {
		flag.Usage()
		os.Exit(1)
	}

	if code := run(*csvPath, *xlsxPath, *cellSize); code != 0 {
		os.Exit(code)
	}
}

func run(csvPath, xlsxPath string, cellSize float64) int {
	fmt.Println("=== NO2 Export Integrity Validation ===")
	fmt.Println()

	obs, err := export.ReadObservationsCSV(csvPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: load observation CSV: %v\n", err)
		return 1
	}
	cells, err := export.ReadCellsXLSX(xlsxPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: load grid workbook: %v\n", err)
		return 1
	}

	phases := []*phase{
		validateObservations(obs),
		validateCoverage(obs, cells),
		validateAggregation(obs, cells, cellSize),
		validateOrdering(cells),
	}

	allPassed := true
	for _, p := range phases {
		status := "\033[32mPASS\033[0m"
		if !p.passed() {
			status = fmt.Sprintf("\033[31mFAIL (%d errors)\033[0m", len(p.errors))
			allPassed = false
		}
		fmt.Printf("  %-42s %s\n", p.name, status)
	}

	fmt.Println()
	fmt.Printf("Records: %d observations, %d cells, cell size %g°\n", len(obs), len(cells), cellSize)

	for _, p := range phases {
		if p.passed() {
			continue
		}
		fmt.Printf("\n--- %s ---\n", p.name)
		for i, e := range p.errors {
			fmt.Printf("  [%d] %s\n", i+1, e)
		}
	}

	if allPassed {
		fmt.Println("\nAll validations passed.")
		return 0
	}
	fmt.Println("\nValidation FAILED.")
	return 1
}

// validateObservations checks every row has usable coordinates and a source.
func validateObservations(obs []domain.Observation) *phase {
	p := &phase{name: "Observation table integrity"}
	for i, o := range obs {
		line := i + 2
		if math.IsNaN(o.Latitude) || o.Latitude < -90 || o.Latitude > 90 {
			p.errorf("line %d: latitude %v out of range", line, o.Latitude)
		}
		if math.IsNaN(o.Longitude) || o.Longitude < -180 || o.Longitude > 180 {
			p.errorf("line %d: longitude %v out of range", line, o.Longitude)
		}
		if o.SourceFile == "" {
			p.errorf("line %d: empty source_file", line)
		}
	}
	return p
}

// validateCoverage checks that cell counts add up to the binnable rows.
func validateCoverage(obs []domain.Observation, cells []domain.Cell) *phase {
	p := &phase{name: "Cell counts cover observation table"}
	binnable := 0
	for _, o := range obs {
		if !math.IsNaN(o.Latitude) && !math.IsNaN(o.Longitude) {
			binnable++
		}
	}
	total := 0
	for _, c := range cells {
		if c.Count <= 0 {
			p.errorf("cell (%g, %g): non-positive count %d", c.LatBin, c.LonBin, c.Count)
		}
		total += c.Count
	}
	if total != binnable {
		p.errorf("cell counts sum to %d, observation table has %d binnable rows", total, binnable)
	}
	return p
}

// validateAggregation recomputes the grid and compares cell by cell.
func validateAggregation(obs []domain.Observation, cells []domain.Cell, cellSize float64) *phase {
	p := &phase{name: "Cell means match recomputation"}

	want, _ := domain.Aggregate(obs, cellSize)
	expected := make(map[domain.CellKey]domain.Cell, len(want.Cells))
	for _, c := range want.Cells {
		expected[c.CellKey] = c
	}

	seen := make(map[domain.CellKey]bool, len(cells))
	for _, got := range cells {
		key := matchKey(expected, got.CellKey)
		exp, ok := expected[key]
		if !ok {
			p.errorf("cell (%g, %g): not produced by recomputation", got.LatBin, got.LonBin)
			continue
		}
		if seen[key] {
			p.errorf("cell (%g, %g): duplicated", got.LatBin, got.LonBin)
		}
		seen[key] = true

		if got.Count != exp.Count {
			p.errorf("cell (%g, %g): count %d, recomputed %d", got.LatBin, got.LonBin, got.Count, exp.Count)
		}
		if !meansEqual(got.Mean, exp.Mean) {
			p.errorf("cell (%g, %g): mean %g, recomputed %g", got.LatBin, got.LonBin, got.Mean, exp.Mean)
		}
	}
	for key := range expected {
		if !seen[key] {
			p.errorf("cell (%g, %g): missing from workbook", key.LatBin, key.LonBin)
		}
	}
	return p
}

// validateOrdering checks the workbook is sorted by latitude then longitude.
func validateOrdering(cells []domain.Cell) *phase {
	p := &phase{name: "Cells sorted by lat_bin, lon_bin"}
	for i := 1; i < len(cells); i++ {
		a, b := cells[i-1], cells[i]
		if a.LatBin > b.LatBin || (a.LatBin == b.LatBin && a.LonBin >= b.LonBin) {
			p.errorf("row %d: (%g, %g) does not follow (%g, %g)", i+2, b.LatBin, b.LonBin, a.LatBin, a.LonBin)
		}
	}
	return p
}

// matchKey finds the expected key equal to k, tolerating the last-bit drift
// a spreadsheet round trip can introduce.
func matchKey(expected map[domain.CellKey]domain.Cell, k domain.CellKey) domain.CellKey {
	if _, ok := expected[k]; ok {
		return k
	}
	for e := range expected {
		if math.Abs(e.LatBin-k.LatBin) < 1e-9 && math.Abs(e.LonBin-k.LonBin) < 1e-9 {
			return e
		}
	}
	return k
}

func meansEqual(a, b float64) bool {
	if math.IsNaN(a) || math.IsNaN(b) {
		return math.IsNaN(a) && math.IsNaN(b)
	}
	if a == b {
		return true
	}
	return math.Abs(a-b) <= relTolerance*math.Max(math.Abs(a), math.Abs(b))
}
