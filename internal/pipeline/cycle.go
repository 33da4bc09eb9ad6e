package pipeline

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/couchcryptid/tempo-no2-etl/internal/domain"
)

// SkippedFile records a granule that contributed nothing to the table.
type SkippedFile struct {
	Path   string
	Reason string
	Err    error
}

// CycleResult summarizes one cycle.
type CycleResult struct {
	CycleID   string
	State     domain.State
	NewFiles  []string
	Skipped   []SkippedFile
	Appended  int
	TableRows int
	Cells     int
	Artifacts []string
	// FailedSinks names the exporters that returned an error.
	FailedSinks []string
}

// RunCycle performs one discover-process-aggregate-export pass against acc.
// File-level and sink-level failures are logged and reported in the result;
// they never abort the cycle.
func (p *Pipeline) RunCycle(ctx context.Context, acc *domain.Accumulator) CycleResult {
	start := p.clock.Now()
	res := CycleResult{CycleID: uuid.NewString()}
	defer func() {
		p.metrics.CycleDuration.Observe(p.clock.Since(start).Seconds())
	}()

	p.publish(ctx, p.status(res.CycleID, domain.StateRunning, domain.PhaseDiscovering, "searching for granules"))
	p.acquire(ctx)

	candidates, err := p.stages.Discoverer.Discover(ctx)
	if err != nil {
		p.logger.Error("granule discovery failed", "cycle", res.CycleID, "error", err)
		res.State = domain.StateError
		p.publish(ctx, p.status(res.CycleID, domain.StateError, domain.PhaseDiscovering, "discovery failed: "+err.Error()))
		return res
	}

	pending := acc.Processed.Filter(candidates)
	if len(pending) == 0 {
		p.logger.Info("no new granules", "cycle", res.CycleID, "table_rows", acc.Table.Len())
		res.State = domain.StateDone
		res.TableRows = acc.Table.Len()
		p.publish(ctx, p.status(res.CycleID, domain.StateDone, domain.PhaseDiscovering, "no new files"))
		p.ready.Store(true)
		return res
	}

	for _, path := range pending {
		res.NewFiles = append(res.NewFiles, filepath.Base(path))
	}
	p.publish(ctx, p.status(res.CycleID, domain.StateRunning, domain.PhaseProcessing,
		fmt.Sprintf("processing %d new files", len(pending)), res.NewFiles...))

	for _, path := range pending {
		if ctx.Err() != nil {
			p.logger.Info("cycle interrupted", "cycle", res.CycleID, "reason", ctx.Err())
			res.State = domain.StatePending
			return res
		}
		p.processFile(ctx, acc, path, &res)
	}

	res.TableRows = acc.Table.Len()
	p.metrics.TableRows.Set(float64(res.TableRows))
	if res.TableRows == 0 {
		p.logger.Info("observation table empty, skipping export", "cycle", res.CycleID, "skipped", len(res.Skipped))
		res.State = domain.StateDone
		p.publish(ctx, p.status(res.CycleID, domain.StateDone, domain.PhaseProcessing, "no valid observations"))
		p.ready.Store(true)
		return res
	}

	p.publish(ctx, p.status(res.CycleID, domain.StateRunning, domain.PhaseAggregating,
		fmt.Sprintf("aggregating %d observations", res.TableRows)))
	snap := p.snapshot(ctx, res.CycleID, acc)
	res.Cells = len(snap.Grid.Cells)
	p.metrics.GridCells.Set(float64(res.Cells))

	p.publish(ctx, p.status(res.CycleID, domain.StateRunning, domain.PhaseExporting, "exporting results"))
	p.export(ctx, snap, &res)

	if len(res.FailedSinks) > 0 {
		res.State = domain.StateError
		p.publish(ctx, p.status(res.CycleID, domain.StateError, domain.PhaseExporting,
			"export failed: "+strings.Join(res.FailedSinks, ", "), res.Artifacts...))
	} else {
		res.State = domain.StateDone
		p.publish(ctx, p.status(res.CycleID, domain.StateDone, domain.PhaseExporting,
			fmt.Sprintf("exported %d observations in %d cells", res.TableRows, res.Cells), res.Artifacts...))
	}

	p.logger.Info("cycle complete",
		"cycle", res.CycleID,
		"new_files", len(res.NewFiles),
		"skipped", len(res.Skipped),
		"appended", res.Appended,
		"table_rows", res.TableRows,
		"cells", res.Cells,
		"failed_sinks", len(res.FailedSinks),
	)
	p.ready.Store(true)
	return res
}

// acquire fetches recent granules when an Acquirer is configured. Failures
// leave the cycle to run on whatever is already on disk.
func (p *Pipeline) acquire(ctx context.Context) {
	if p.stages.Acquirer == nil {
		return
	}
	to := p.clock.Now().UTC()
	from := to.Add(-p.settings.SearchWindow)

	paths, err := p.stages.Acquirer.Acquire(ctx, from, to)
	p.metrics.GranulesDownloaded.Add(float64(len(paths)))
	if err != nil {
		p.metrics.AcquireFailures.Inc()
		p.logger.Warn("granule acquisition failed, using local files",
			"from", from,
			"to", to,
			"error", err,
		)
		return
	}
	if len(paths) > 0 {
		p.logger.Info("granules acquired", "count", len(paths))
	}
}

// processFile reads one granule and appends its observations. The file is
// marked processed whatever the outcome so it is never retried.
func (p *Pipeline) processFile(ctx context.Context, acc *domain.Accumulator, path string, res *CycleResult) {
	obs, err := p.stages.Processor.Process(ctx, path)
	acc.Processed.Add(path)
	if err != nil {
		reason := domain.SkipReason(err)
		p.logger.Warn("granule skipped",
			"path", path,
			"reason", reason,
			"error", err,
		)
		p.metrics.GranulesProcessed.WithLabelValues(reason).Inc()
		res.Skipped = append(res.Skipped, SkippedFile{Path: path, Reason: reason, Err: err})
		return
	}

	acc.Table.Append(obs...)
	res.Appended += len(obs)
	p.metrics.GranulesProcessed.WithLabelValues("ok").Inc()
	p.metrics.ObservationsAppended.Add(float64(len(obs)))
	p.logger.Debug("granule processed", "path", path, "observations", len(obs))
}

func (p *Pipeline) snapshot(ctx context.Context, cycleID string, acc *domain.Accumulator) Snapshot {
	rows := acc.Table.Rows()
	grid, ok := domain.Aggregate(rows, p.settings.CellSize)
	if ok && p.stages.Geocoder != nil {
		grid = domain.LabelHotspots(ctx, grid, p.stages.Geocoder, p.settings.HotspotLabels, p.logger)
	}
	return Snapshot{
		CycleID:      cycleID,
		GeneratedAt:  p.clock.Now().UTC(),
		Observations: rows,
		Grid:         grid,
		HasGrid:      ok,
	}
}

// export runs every exporter; one failing sink does not stop the others.
func (p *Pipeline) export(ctx context.Context, snap Snapshot, res *CycleResult) {
	for _, e := range p.stages.Exporters {
		loc, err := e.Export(ctx, snap)
		if err != nil {
			p.logger.Error("export failed", "sink", e.Name(), "cycle", snap.CycleID, "error", err)
			p.metrics.ExportFailures.WithLabelValues(e.Name()).Inc()
			res.FailedSinks = append(res.FailedSinks, e.Name())
			continue
		}
		if loc != "" {
			res.Artifacts = append(res.Artifacts, loc)
		}
	}
}

func (p *Pipeline) status(cycleID string, state domain.State, phase domain.Phase, msg string, files ...string) domain.Status {
	s := domain.NewStatus(state, phase, msg, files...)
	s.Cycle = cycleID
	s.UpdatedAt = p.clock.Now().UTC()
	return s
}
