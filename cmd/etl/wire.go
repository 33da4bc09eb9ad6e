package main

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"log/slog"
	"time"

	sharedobs "github.com/couchcryptid/storm-data-shared/observability"

	"github.com/couchcryptid/tempo-no2-etl/internal/adapter/earthdata"
	"github.com/couchcryptid/tempo-no2-etl/internal/adapter/export"
	kafkaadapter "github.com/couchcryptid/tempo-no2-etl/internal/adapter/kafka"
	"github.com/couchcryptid/tempo-no2-etl/internal/adapter/mapbox"
	mqttadapter "github.com/couchcryptid/tempo-no2-etl/internal/adapter/mqtt"
	"github.com/couchcryptid/tempo-no2-etl/internal/adapter/netcdf"
	"github.com/couchcryptid/tempo-no2-etl/internal/adapter/sqlite"
	"github.com/couchcryptid/tempo-no2-etl/internal/config"
	"github.com/couchcryptid/tempo-no2-etl/internal/observability"
	"github.com/couchcryptid/tempo-no2-etl/internal/pipeline"
	"github.com/couchcryptid/tempo-no2-etl/internal/status"
)

const mqttConnectTimeout = 10 * time.Second

// app holds the wired pipeline and the resources main needs after startup.
type app struct {
	pipeline *pipeline.Pipeline
	tracker  *status.Tracker
	htmlMap  *export.HTMLMapExporter
	history  *sqlite.Store
	closers  []namedCloser
	logger   *slog.Logger
}

type namedCloser struct {
	name string
	c    io.Closer
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].c.Close(); err != nil {
			a.logger.Error("close error", "component", a.closers[i].name, "error", err)
		}
	}
}

// build wires every enabled adapter into a Pipeline. Optional sinks that fail
// to start are logged and left out so the core exports still run.
func build(ctx context.Context, cfg *config.Config, logger *slog.Logger, metrics *observability.Metrics) *app {
	a := &app{tracker: status.NewTracker(), logger: logger}

	reader := netcdf.NewReader(netcdf.Layout{
		ProductGroup:     cfg.ProductGroup,
		GeolocationGroup: cfg.GeolocationGroup,
		Measurement:      cfg.MeasurementVar,
		Quality:          cfg.QualityVar,
		LatitudeBounds:   cfg.LatBoundsVar,
		LongitudeBounds:  cfg.LonBoundsVar,
	}, logger)

	stages := pipeline.Stages{
		Discoverer: pipeline.GlobDiscoverer{Dir: cfg.DataDir, Pattern: cfg.GranulePattern},
		Processor:  pipeline.GranuleProcessor{Reader: reader},
	}

	if cfg.EarthdataEnabled {
		stages.Acquirer = earthdata.NewClient(earthdata.Options{
			Token:     cfg.EarthdataToken,
			ShortName: cfg.EarthdataShortName,
			BBox:      cfg.EarthdataBBox,
			DataDir:   cfg.DataDir,
			BaseURL:   cfg.EarthdataCMRURL,
			Timeout:   cfg.EarthdataTimeout,
		}, logger)
		logger.Info("earthdata acquisition enabled", "short_name", cfg.EarthdataShortName, "window", cfg.SearchWindow)
	} else {
		logger.Info("earthdata acquisition disabled; processing local granules only", "dir", cfg.DataDir)
	}

	if cfg.MapboxEnabled {
		client := mapbox.NewClient(cfg.MapboxToken, cfg.MapboxTimeout, metrics, logger)
		stages.Geocoder = mapbox.NewCachedGeocoder(client, cfg.MapboxCacheSize, metrics)
		metrics.GeocodeEnabled.Set(1)
		logger.Info("mapbox hotspot labelling enabled", "hotspots", cfg.HotspotLabels, "cache_size", cfg.MapboxCacheSize)
	} else {
		logger.Info("mapbox hotspot labelling disabled")
	}

	stages.Exporters = a.exporters(cfg, logger)
	stages.Status = a.statusSinks(ctx, cfg, logger)

	a.pipeline = pipeline.New(stages, pipeline.Settings{
		CellSize:      cfg.CellSize,
		PollInterval:  cfg.PollInterval,
		SearchWindow:  cfg.SearchWindow,
		HotspotLabels: cfg.HotspotLabels,
	}, logger, metrics)
	return a
}

func (a *app) exporters(cfg *config.Config, logger *slog.Logger) []pipeline.Exporter {
	var out []pipeline.Exporter
	if cfg.OutputCSV != "" {
		out = append(out, export.NewCSVExporter(cfg.OutputCSV))
	}
	if cfg.OutputXLSX != "" {
		out = append(out, export.NewXLSXExporter(cfg.OutputXLSX))
	}
	// The HTML map is always rendered so /map can serve it; the path only
	// controls whether it is also written to disk.
	a.htmlMap = export.NewHTMLMapExporter(cfg.OutputHTML)
	out = append(out, a.htmlMap)
	if cfg.OutputPNG != "" {
		out = append(out, export.NewPNGMapExporter(cfg.OutputPNG))
	}

	if cfg.SQLitePath != "" {
		store, err := sqlite.Open(cfg.SQLitePath, logger)
		if err != nil {
			logger.Error("sqlite history disabled", "path", cfg.SQLitePath, "error", err)
		} else {
			out = append(out, store)
			a.history = store
			a.closers = append(a.closers, namedCloser{"sqlite", store})
		}
	}

	if cfg.KafkaEnabled {
		pub := kafkaadapter.NewCellPublisher(cfg, logger)
		out = append(out, pub)
		a.closers = append(a.closers, namedCloser{"kafka", pub})
		logger.Info("kafka cell stream enabled", "topic", cfg.KafkaTopic, "brokers", cfg.KafkaBrokers)
	}

	names := make([]string, len(out))
	for i, e := range out {
		names[i] = e.Name()
	}
	logger.Info("exporters configured", "sinks", names)
	return out
}

// readiness returns the checks /readyz runs: the pipeline's first cycle and,
// when history is enabled, a database ping.
func (a *app) readiness() readinessChecks {
	checks := readinessChecks{a.pipeline}
	if a.history != nil {
		checks = append(checks, a.history)
	}
	return checks
}

// readinessChecks is ready only when every check passes.
type readinessChecks []sharedobs.ReadinessChecker

func (r readinessChecks) CheckReadiness(ctx context.Context) error {
	for _, c := range r {
		if err := c.CheckReadiness(ctx); err != nil {
			return err
		}
	}
	return nil
}

// logPreviousStatus reports what the status file said before this process
// started, so a restart after a failed cycle is visible in the logs.
func logPreviousStatus(path string, logger *slog.Logger) {
	if path == "" {
		return
	}
	prev, err := status.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return
	case err != nil:
		logger.Warn("previous status file unreadable", "path", path, "error", err)
		return
	}
	logger.Info("previous run status",
		"state", prev.State,
		"phase", prev.Phase,
		"cycle", prev.Cycle,
		"updated_at", prev.UpdatedAt,
		"message", prev.Message,
	)
}

func (a *app) statusSinks(ctx context.Context, cfg *config.Config, logger *slog.Logger) status.Fanout {
	sinks := status.Fanout{a.tracker}
	if cfg.StatusFile != "" {
		sinks = append(sinks, status.NewFileWriter(cfg.StatusFile))
	}
	if cfg.MQTTBrokerURL != "" {
		pub := mqttadapter.NewPublisher(mqttadapter.Options{
			BrokerURL: cfg.MQTTBrokerURL,
			ClientID:  cfg.MQTTClientID,
			Topic:     cfg.MQTTTopic,
		}, logger)
		connectCtx, cancel := context.WithTimeout(ctx, mqttConnectTimeout)
		if err := pub.Connect(connectCtx); err != nil {
			// The client keeps retrying in the background.
			logger.Warn("mqtt broker not reachable yet", "broker", cfg.MQTTBrokerURL, "error", err)
		}
		cancel()
		sinks = append(sinks, pub)
		a.closers = append(a.closers, namedCloser{"mqtt", pub})
	}
	return sinks
}
