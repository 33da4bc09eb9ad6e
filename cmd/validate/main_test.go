package main

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/couchcryptid/tempo-no2-etl/internal/domain"
)

func testObservations() []domain.Observation {
	return []domain.Observation{
		{Value: 1, Latitude: 10.0, Longitude: -100.0, SourceFile: "a.nc"},
		{Value: 3, Latitude: 10.0, Longitude: -100.02, SourceFile: "a.nc"},
		{Value: 5, Latitude: 10.2, Longitude: -100.2, SourceFile: "b.nc"},
	}
}

func TestValidateAggregation_Pass(t *testing.T) {
	obs := testObservations()
	grid, ok := domain.Aggregate(obs, domain.DefaultCellSize)
	assert.True(t, ok)

	assert.True(t, validateAggregation(obs, grid.Cells, domain.DefaultCellSize).passed())
	assert.True(t, validateCoverage(obs, grid.Cells).passed())
	assert.True(t, validateOrdering(grid.Cells).passed())
}

func TestValidateAggregation_DetectsDrift(t *testing.T) {
	obs := testObservations()
	grid, _ := domain.Aggregate(obs, domain.DefaultCellSize)
	grid.Cells[0].Mean += 1
	grid.Cells[1].Count++

	p := validateAggregation(obs, grid.Cells, domain.DefaultCellSize)
	assert.Len(t, p.errors, 2)
	assert.False(t, validateCoverage(obs, grid.Cells).passed())
}

func TestValidateAggregation_MissingAndExtraCells(t *testing.T) {
	obs := testObservations()
	grid, _ := domain.Aggregate(obs, domain.DefaultCellSize)
	cells := append([]domain.Cell{}, grid.Cells[1:]...)
	cells = append(cells, domain.Cell{CellKey: domain.CellKey{LatBin: 50, LonBin: 50}, Mean: 1, Count: 1})

	p := validateAggregation(obs, cells, domain.DefaultCellSize)
	assert.Len(t, p.errors, 2)
}

func TestValidateObservations(t *testing.T) {
	obs := testObservations()
	obs = append(obs, domain.Observation{Value: 1, Latitude: 95, Longitude: math.NaN()})
	p := validateObservations(obs)
	assert.Len(t, p.errors, 3)
}

func TestValidateOrdering(t *testing.T) {
	cells := []domain.Cell{
		{CellKey: domain.CellKey{LatBin: 10, LonBin: -100}},
		{CellKey: domain.CellKey{LatBin: 9, LonBin: -100}},
	}
	assert.False(t, validateOrdering(cells).passed())
}

func TestMeansEqual(t *testing.T) {
	assert.True(t, meansEqual(math.NaN(), math.NaN()))
	assert.False(t, meansEqual(math.NaN(), 1))
	assert.True(t, meansEqual(1e15, 1e15*(1+1e-12)))
	assert.False(t, meansEqual(1e15, 1.1e15))
}
