package domain

import (
	"cmp"
	"context"
	"log/slog"
	"math"
	"slices"
)

// LabelHotspots reverse-geocodes the centers of the n cells with the highest
// finite mean and stores the place name in Cell.Label. Cells keep their
// order. A nil geocoder or a failed lookup leaves labels empty.
func LabelHotspots(ctx context.Context, grid Grid, geocoder Geocoder, n int, logger *slog.Logger) Grid {
	if geocoder == nil || n <= 0 || len(grid.Cells) == 0 {
		return grid
	}

	idx := make([]int, 0, len(grid.Cells))
	for i, c := range grid.Cells {
		if !math.IsNaN(c.Mean) && !math.IsInf(c.Mean, 0) {
			idx = append(idx, i)
		}
	}
	slices.SortStableFunc(idx, func(a, b int) int {
		return cmp.Compare(grid.Cells[b].Mean, grid.Cells[a].Mean)
	})
	if len(idx) > n {
		idx = idx[:n]
	}

	cells := slices.Clone(grid.Cells)
	for _, i := range idx {
		if ctx.Err() != nil {
			break
		}
		lat, lon := cells[i].Center(grid.CellSize)
		result, err := geocoder.ReverseGeocode(ctx, lat, lon)
		if err != nil {
			logger.Warn("reverse geocoding failed",
				"lat", lat,
				"lon", lon,
				"error", err,
			)
			continue
		}
		label := result.PlaceName
		if label == "" {
			label = result.FormattedAddress
		}
		cells[i].Label = label
	}
	return Grid{CellSize: grid.CellSize, Cells: cells}
}
