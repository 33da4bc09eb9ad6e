package domain

import (
	"cmp"
	"math"
	"slices"
	"time"

	"gonum.org/v1/gonum/floats"
)

// DefaultCellSize is the grid spacing in degrees used for NO2 aggregation.
const DefaultCellSize = 0.11

// CellKey identifies a grid cell by its southwest corner.
type CellKey struct {
	LatBin float64 `json:"lat_bin"`
	LonBin float64 `json:"lon_bin"`
}

// Center returns the coordinates of the middle of the cell.
func (k CellKey) Center(cellSize float64) (lat, lon float64) {
	return k.LatBin + cellSize/2, k.LonBin + cellSize/2
}

// Cell is one populated grid cell.
type Cell struct {
	CellKey
	Mean  float64 `json:"no2_mean"`
	Count int     `json:"count"`
	Label string  `json:"label,omitempty"`
}

// CellSnapshot is a cell as recorded by one past cycle.
type CellSnapshot struct {
	CycleID     string
	GeneratedAt time.Time
	Cell
}

// Grid is the result of an aggregation pass over the observation table.
type Grid struct {
	CellSize float64
	Cells    []Cell
}

// Range returns the smallest and largest finite cell means. ok is false when
// no cell has a finite mean.
func (g Grid) Range() (lo, hi float64, ok bool) {
	finite := make([]float64, 0, len(g.Cells))
	for _, c := range g.Cells {
		if !math.IsNaN(c.Mean) && !math.IsInf(c.Mean, 0) {
			finite = append(finite, c.Mean)
		}
	}
	if len(finite) == 0 {
		return 0, 0, false
	}
	return floats.Min(finite), floats.Max(finite), true
}

// FloorDiv divides a by b and rounds toward negative infinity using the
// fmod-based divmod rules of float floor division: the remainder takes the
// sign of b and the quotient is snapped to the nearest integral value.
func FloorDiv(a, b float64) float64 {
	if b == 0 || math.IsNaN(a) || math.IsNaN(b) {
		return math.NaN()
	}

	mod := math.Mod(a, b)
	div := (a - mod) / b
	if mod != 0 && (b < 0) != (mod < 0) {
		div -= 1.0
	}

	if div == 0 {
		return math.Copysign(0, a/b)
	}
	fl := math.Floor(div)
	if div-fl > 0.5 {
		fl += 1.0
	}
	return fl
}

// Bin maps a coordinate pair to the key of the cell containing it.
func Bin(lat, lon, cellSize float64) CellKey {
	return CellKey{
		LatBin: FloorDiv(lat, cellSize) * cellSize,
		LonBin: FloorDiv(lon, cellSize) * cellSize,
	}
}

// Aggregate bins every observation and averages the measurement per cell.
// Cells are sorted by latitude bin, then longitude bin. NaN measurements are
// left out of a cell's mean; observations whose coordinates bin to NaN are
// not grouped at all. ok is false when there is nothing to aggregate.
func Aggregate(obs []Observation, cellSize float64) (Grid, bool) {
	if len(obs) == 0 {
		return Grid{}, false
	}

	type bucket struct {
		values []float64
		count  int
	}
	buckets := make(map[CellKey]*bucket)
	for _, o := range obs {
		key := Bin(o.Latitude, o.Longitude, cellSize)
		if math.IsNaN(key.LatBin) || math.IsNaN(key.LonBin) {
			continue
		}
		b, ok := buckets[key]
		if !ok {
			b = &bucket{}
			buckets[key] = b
		}
		b.count++
		if !math.IsNaN(o.Value) {
			b.values = append(b.values, o.Value)
		}
	}
	if len(buckets) == 0 {
		return Grid{}, false
	}

	cells := make([]Cell, 0, len(buckets))
	for key, b := range buckets {
		mean := math.NaN()
		if len(b.values) > 0 {
			mean = floats.Sum(b.values) / float64(len(b.values))
		}
		cells = append(cells, Cell{CellKey: key, Mean: mean, Count: b.count})
	}
	slices.SortFunc(cells, func(a, b Cell) int {
		if c := cmp.Compare(a.LatBin, b.LatBin); c != 0 {
			return c
		}
		return cmp.Compare(a.LonBin, b.LonBin)
	})

	return Grid{CellSize: cellSize, Cells: cells}, true
}
