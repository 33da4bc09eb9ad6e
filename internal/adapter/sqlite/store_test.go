package sqlite

import (
	"context"
	"io"
	"log/slog"
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/couchcryptid/tempo-no2-etl/internal/domain"
	"github.com/couchcryptid/tempo-no2-etl/internal/pipeline"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "history.db"), slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func snapshot(id string, at time.Time, mean float64) pipeline.Snapshot {
	return pipeline.Snapshot{
		CycleID:     id,
		GeneratedAt: at,
		HasGrid:     true,
		Grid: domain.Grid{
			CellSize: 0.11,
			Cells: []domain.Cell{
				{CellKey: domain.CellKey{LatBin: 9.9, LonBin: -100.1}, Mean: mean, Count: 2, Label: "Somewhere"},
				{CellKey: domain.CellKey{LatBin: 10.12, LonBin: -100.21}, Mean: math.NaN(), Count: 1},
			},
		},
	}
}

func TestStore_ExportAndHistory(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	t0 := time.Date(2024, 5, 1, 18, 0, 0, 0, time.UTC)

	assert.Equal(t, "sqlite", s.Name())
	loc, err := s.Export(ctx, snapshot("c1", t0, 2e15))
	require.NoError(t, err)
	assert.NotEmpty(t, loc)
	_, err = s.Export(ctx, snapshot("c2", t0.Add(10*time.Second), 3e15))
	require.NoError(t, err)

	n, err := s.Cycles(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	hist, err := s.History(ctx, domain.CellKey{LatBin: 9.9, LonBin: -100.1})
	require.NoError(t, err)
	require.Len(t, hist, 2)
	assert.Equal(t, "c1", hist[0].CycleID)
	assert.Equal(t, 2e15, hist[0].Mean)
	assert.Equal(t, 3e15, hist[1].Mean)
	assert.Equal(t, "Somewhere", hist[1].Label)
	assert.True(t, hist[1].GeneratedAt.Equal(t0.Add(10*time.Second)))

	nan, err := s.History(ctx, domain.CellKey{LatBin: 10.12, LonBin: -100.21})
	require.NoError(t, err)
	require.Len(t, nan, 2)
	assert.True(t, math.IsNaN(nan[0].Mean))
	assert.Equal(t, 1, nan[0].Count)
}

func TestStore_ReexportReplacesCycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	t0 := time.Date(2024, 5, 1, 18, 0, 0, 0, time.UTC)

	_, err := s.Export(ctx, snapshot("c1", t0, 2e15))
	require.NoError(t, err)
	_, err = s.Export(ctx, snapshot("c1", t0, 5e15))
	require.NoError(t, err)

	hist, err := s.History(ctx, domain.CellKey{LatBin: 9.9, LonBin: -100.1})
	require.NoError(t, err)
	require.Len(t, hist, 1)
	assert.Equal(t, 5e15, hist[0].Mean)
}

func TestStore_NoGridSkipped(t *testing.T) {
	s := openTestStore(t)
	loc, err := s.Export(context.Background(), pipeline.Snapshot{})
	require.NoError(t, err)
	assert.Empty(t, loc)

	n, err := s.Cycles(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestOpen_ReopenIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.db")
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	s1, err := Open(path, logger)
	require.NoError(t, err)
	_, err = s1.Export(context.Background(), snapshot("c1", time.Now(), 1))
	require.NoError(t, err)
	require.NoError(t, s1.Close())

	s2, err := Open(path, logger)
	require.NoError(t, err)
	defer s2.Close()
	require.NoError(t, s2.Ping(context.Background()))

	n, err := s2.Cycles(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestStore_CheckReadiness(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.CheckReadiness(context.Background()))

	require.NoError(t, s.Close())
	err := s.CheckReadiness(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sqlite unavailable")
}
