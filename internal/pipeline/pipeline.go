package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/couchcryptid/tempo-no2-etl/internal/domain"
	"github.com/couchcryptid/tempo-no2-etl/internal/observability"
)

// Acquirer fetches granules for a time window into the local data directory
// and returns the paths it wrote.
type Acquirer interface {
	Acquire(ctx context.Context, from, to time.Time) ([]string, error)
}

// Discoverer lists candidate granule paths.
type Discoverer interface {
	Discover(ctx context.Context) ([]string, error)
}

// Processor turns one granule file into observations.
type Processor interface {
	Process(ctx context.Context, path string) ([]domain.Observation, error)
}

// Exporter writes one artifact from a cycle snapshot and returns its location.
type Exporter interface {
	Name() string
	Export(ctx context.Context, snap Snapshot) (string, error)
}

// StatusPublisher receives a status report after every phase transition.
type StatusPublisher interface {
	Publish(ctx context.Context, s domain.Status) error
}

// Snapshot is the read-only view of the accumulated state handed to exporters.
type Snapshot struct {
	CycleID      string
	GeneratedAt  time.Time
	Observations []domain.Observation
	Grid         domain.Grid
	HasGrid      bool
}

// Stages groups the collaborators of a Pipeline. Acquirer, Geocoder, Status,
// and Clock are optional.
type Stages struct {
	Acquirer   Acquirer
	Discoverer Discoverer
	Processor  Processor
	Exporters  []Exporter
	Status     StatusPublisher
	Geocoder   domain.Geocoder
	Clock      clockwork.Clock
}

// Settings tunes cycle behavior.
type Settings struct {
	CellSize      float64
	PollInterval  time.Duration
	SearchWindow  time.Duration
	HotspotLabels int
}

// Pipeline orchestrates the discover-process-aggregate-export cycle.
type Pipeline struct {
	stages   Stages
	settings Settings
	clock    clockwork.Clock
	logger   *slog.Logger
	metrics  *observability.Metrics
	ready    atomic.Bool
	trigger  chan struct{}
	last     domain.Status
}

// New creates a Pipeline with the given stages and observability.
func New(stages Stages, settings Settings, logger *slog.Logger, metrics *observability.Metrics) *Pipeline {
	clk := stages.Clock
	if clk == nil {
		clk = clockwork.NewRealClock()
	}
	if settings.CellSize <= 0 {
		settings.CellSize = domain.DefaultCellSize
	}
	return &Pipeline{
		stages:   stages,
		settings: settings,
		clock:    clk,
		logger:   logger,
		metrics:  metrics,
		trigger:  make(chan struct{}, 1),
	}
}

// CheckReadiness returns nil once the pipeline has completed a cycle.
func (p *Pipeline) CheckReadiness(_ context.Context) error {
	if !p.ready.Load() {
		return errors.New("pipeline has not completed a cycle yet")
	}
	return nil
}

// Trigger asks a sleeping monitor loop to start its next cycle now. It
// reports false when a request is already pending.
func (p *Pipeline) Trigger() bool {
	select {
	case p.trigger <- struct{}{}:
		return true
	default:
		return false
	}
}

// RunOnce executes a single cycle over a fresh accumulator.
func (p *Pipeline) RunOnce(ctx context.Context) CycleResult {
	p.logger.Info("batch run started", "cell_size", p.settings.CellSize)
	return p.RunCycle(ctx, &domain.Accumulator{})
}

// Run executes cycles until the context is cancelled, sleeping PollInterval
// between them. The accumulator lives for the duration of the call.
func (p *Pipeline) Run(ctx context.Context) error {
	p.logger.Info("monitor started",
		"interval", p.settings.PollInterval,
		"cell_size", p.settings.CellSize,
	)
	p.metrics.PipelineRunning.Set(1)
	defer p.metrics.PipelineRunning.Set(0)

	acc := &domain.Accumulator{}
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("monitor stopping", "reason", ctx.Err())
			return nil
		default:
		}

		p.RunCycle(ctx, acc)

		if !p.sleep(ctx) {
			p.logger.Info("monitor stopping", "reason", ctx.Err())
			return nil
		}
	}
}

// sleep waits for the poll interval or a trigger. Returns false if the
// context was cancelled first.
func (p *Pipeline) sleep(ctx context.Context) bool {
	if p.settings.PollInterval <= 0 {
		return ctx.Err() == nil
	}

	sleeping := p.last
	sleeping.Phase = domain.PhaseSleeping
	sleeping.UpdatedAt = p.clock.Now().UTC()
	p.publish(ctx, sleeping)

	timer := p.clock.NewTimer(p.settings.PollInterval)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.Chan():
		return true
	case <-p.trigger:
		p.logger.Info("refresh requested")
		return true
	}
}

func (p *Pipeline) publish(ctx context.Context, s domain.Status) {
	p.last = s
	if p.stages.Status == nil {
		return
	}
	if err := p.stages.Status.Publish(ctx, s); err != nil {
		p.logger.Warn("status publish failed", "state", s.State, "phase", s.Phase, "error", err)
	}
}
