package main

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/couchcryptid/tempo-no2-etl/internal/domain"
	"github.com/couchcryptid/tempo-no2-etl/internal/status"
)

type stubCheck struct {
	err   error
	calls int
}

func (s *stubCheck) CheckReadiness(context.Context) error {
	s.calls++
	return s.err
}

func TestReadinessChecks(t *testing.T) {
	ok := &stubCheck{}
	assert.NoError(t, readinessChecks{ok}.CheckReadiness(context.Background()))

	down := errors.New("sqlite unavailable")
	failing, after := &stubCheck{err: down}, &stubCheck{}
	err := readinessChecks{ok, failing, after}.CheckReadiness(context.Background())
	assert.ErrorIs(t, err, down)
	assert.Zero(t, after.calls, "checks stop at the first failure")
}

func TestLogPreviousStatus(t *testing.T) {
	path := filepath.Join(t.TempDir(), "download_status.json")
	prev := domain.Status{
		State:     domain.StateError,
		Phase:     domain.PhaseExporting,
		Files:     []string{},
		Message:   "1 of 4 exports failed",
		Cycle:     "c7",
		UpdatedAt: time.Date(2024, 5, 1, 18, 0, 0, 0, time.UTC),
	}
	require.NoError(t, status.NewFileWriter(path).Publish(context.Background(), prev))

	var buf bytes.Buffer
	logPreviousStatus(path, slog.New(slog.NewTextHandler(&buf, nil)))
	assert.Contains(t, buf.String(), "previous run status")
	assert.Contains(t, buf.String(), "state=error")
	assert.Contains(t, buf.String(), "cycle=c7")
}

func TestLogPreviousStatus_MissingOrCorrupt(t *testing.T) {
	dir := t.TempDir()

	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	logPreviousStatus("", logger)
	logPreviousStatus(filepath.Join(dir, "absent.json"), logger)
	assert.Empty(t, buf.String())

	corrupt := filepath.Join(dir, "status.json")
	require.NoError(t, os.WriteFile(corrupt, []byte("{"), 0o644))
	logPreviousStatus(corrupt, logger)
	assert.Contains(t, buf.String(), "previous status file unreadable")
}
