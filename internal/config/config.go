package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	sharedcfg "github.com/couchcryptid/storm-data-shared/config"
)

// Run modes.
const (
	ModeMonitor = "monitor"
	ModeBatch   = "batch"
)

// Config holds all service settings, populated from environment variables.
type Config struct {
	RunMode         string
	HTTPAddr        string
	LogLevel        string
	LogFormat       string
	ShutdownTimeout time.Duration

	// Granule discovery and binning.
	DataDir        string
	GranulePattern string
	CellSize       float64
	PollInterval   time.Duration
	SearchWindow   time.Duration

	// Granule layout.
	ProductGroup     string
	GeolocationGroup string
	MeasurementVar   string
	QualityVar       string
	LatBoundsVar     string
	LonBoundsVar     string

	// Export artifacts. An empty path disables the sink.
	OutputCSV  string
	OutputXLSX string
	OutputHTML string
	OutputPNG  string
	StatusFile string

	// NASA Earthdata search and download.
	EarthdataEnabled   bool
	EarthdataToken     string
	EarthdataShortName string
	EarthdataBBox      [4]float64 // west, south, east, north
	EarthdataCMRURL    string
	EarthdataTimeout   time.Duration

	// Kafka cell stream.
	KafkaEnabled bool
	KafkaBrokers []string
	KafkaTopic   string

	// Mapbox hotspot labelling.
	MapboxToken     string
	MapboxEnabled   bool
	MapboxTimeout   time.Duration
	MapboxCacheSize int
	HotspotLabels   int

	// MQTT status publishing. Disabled when the broker URL is empty.
	MQTTBrokerURL string
	MQTTTopic     string
	MQTTClientID  string

	// SQLite cell history. Disabled when the path is empty.
	SQLitePath string
}

// Load reads configuration from environment variables, applying defaults where unset.
func Load() (*Config, error) {
	shutdownTimeout, err := sharedcfg.ParseShutdownTimeout()
	if err != nil {
		return nil, err
	}

	pollInterval, err := parsePositiveDuration("POLL_INTERVAL", "10s")
	if err != nil {
		return nil, err
	}
	searchWindow, err := parsePositiveDuration("SEARCH_WINDOW", "2h")
	if err != nil {
		return nil, err
	}
	earthdataTimeout, err := parsePositiveDuration("EARTHDATA_TIMEOUT", "60s")
	if err != nil {
		return nil, err
	}
	mapboxTimeout, err := parsePositiveDuration("MAPBOX_TIMEOUT", "5s")
	if err != nil {
		return nil, err
	}

	cellSize, err := strconv.ParseFloat(sharedcfg.EnvOrDefault("CELL_SIZE", "0.11"), 64)
	if err != nil || cellSize <= 0 || math.IsInf(cellSize, 0) || math.IsNaN(cellSize) {
		return nil, errors.New("invalid CELL_SIZE: must be a positive number of degrees")
	}

	bbox, err := parseBBox(sharedcfg.EnvOrDefault("EARTHDATA_BBOX", "-125.469,15.820,-99.453,35.859"))
	if err != nil {
		return nil, err
	}

	hotspots, err := parseNonNegativeInt("HOTSPOT_LABELS", 5)
	if err != nil {
		return nil, err
	}

	earthdataToken := os.Getenv("EARTHDATA_TOKEN")
	mapboxToken := os.Getenv("MAPBOX_TOKEN")

	cfg := &Config{
		RunMode:         strings.ToLower(sharedcfg.EnvOrDefault("RUN_MODE", ModeMonitor)),
		HTTPAddr:        sharedcfg.EnvOrDefault("HTTP_ADDR", ":8080"),
		LogLevel:        sharedcfg.EnvOrDefault("LOG_LEVEL", "info"),
		LogFormat:       sharedcfg.EnvOrDefault("LOG_FORMAT", "json"),
		ShutdownTimeout: shutdownTimeout,

		DataDir:        sharedcfg.EnvOrDefault("DATA_DIR", "./data"),
		GranulePattern: sharedcfg.EnvOrDefault("GRANULE_PATTERN", "TEMPO_NO2_L2_*.nc"),
		CellSize:       cellSize,
		PollInterval:   pollInterval,
		SearchWindow:   searchWindow,

		ProductGroup:     sharedcfg.EnvOrDefault("PRODUCT_GROUP", "product"),
		GeolocationGroup: sharedcfg.EnvOrDefault("GEOLOCATION_GROUP", "geolocation"),
		MeasurementVar:   sharedcfg.EnvOrDefault("MEASUREMENT_VAR", "vertical_column_troposphere"),
		QualityVar:       sharedcfg.EnvOrDefault("QUALITY_VAR", "main_data_quality_flag"),
		LatBoundsVar:     sharedcfg.EnvOrDefault("LAT_BOUNDS_VAR", "latitude_bounds"),
		LonBoundsVar:     sharedcfg.EnvOrDefault("LON_BOUNDS_VAR", "longitude_bounds"),

		OutputCSV:  envOrDefaultAllowEmpty("OUTPUT_CSV", "output/tempo_no2_observations.csv"),
		OutputXLSX: envOrDefaultAllowEmpty("OUTPUT_XLSX", "output/no2_grid.xlsx"),
		OutputHTML: envOrDefaultAllowEmpty("OUTPUT_HTML", "output/no2_map.html"),
		OutputPNG:  os.Getenv("OUTPUT_PNG"),
		StatusFile: envOrDefaultAllowEmpty("STATUS_FILE", "output/download_status.json"),

		EarthdataEnabled:   envBool("EARTHDATA_ENABLED", earthdataToken != ""),
		EarthdataToken:     earthdataToken,
		EarthdataShortName: sharedcfg.EnvOrDefault("EARTHDATA_SHORT_NAME", "TEMPO_NO2_L2"),
		EarthdataBBox:      bbox,
		EarthdataCMRURL:    strings.TrimRight(sharedcfg.EnvOrDefault("EARTHDATA_CMR_URL", "https://cmr.earthdata.nasa.gov"), "/"),
		EarthdataTimeout:   earthdataTimeout,

		KafkaEnabled: envBool("KAFKA_ENABLED", false),
		KafkaBrokers: sharedcfg.ParseBrokers(sharedcfg.EnvOrDefault("KAFKA_BROKERS", "localhost:9092")),
		KafkaTopic:   sharedcfg.EnvOrDefault("KAFKA_TOPIC", "no2-grid-cells"),

		MapboxToken:     mapboxToken,
		MapboxEnabled:   envBool("MAPBOX_ENABLED", mapboxToken != ""),
		MapboxTimeout:   mapboxTimeout,
		MapboxCacheSize: parseMapboxCacheSize(),
		HotspotLabels:   hotspots,

		MQTTBrokerURL: os.Getenv("MQTT_BROKER_URL"),
		MQTTTopic:     sharedcfg.EnvOrDefault("MQTT_TOPIC", "tempo/no2/status"),
		MQTTClientID:  sharedcfg.EnvOrDefault("MQTT_CLIENT_ID", "tempo-no2-etl"),

		SQLitePath: os.Getenv("SQLITE_PATH"),
	}

	if cfg.RunMode != ModeMonitor && cfg.RunMode != ModeBatch {
		return nil, fmt.Errorf("invalid RUN_MODE %q: must be %s or %s", cfg.RunMode, ModeMonitor, ModeBatch)
	}
	if cfg.GranulePattern == "" {
		return nil, errors.New("GRANULE_PATTERN is required")
	}
	if cfg.EarthdataEnabled && cfg.EarthdataToken == "" {
		return nil, errors.New("EARTHDATA_ENABLED is true but EARTHDATA_TOKEN is not set")
	}
	if cfg.KafkaEnabled && len(cfg.KafkaBrokers) == 0 {
		return nil, errors.New("KAFKA_BROKERS is required when KAFKA_ENABLED is true")
	}
	if cfg.KafkaEnabled && cfg.KafkaTopic == "" {
		return nil, errors.New("KAFKA_TOPIC is required when KAFKA_ENABLED is true")
	}
	if cfg.MapboxEnabled && cfg.MapboxToken == "" {
		return nil, errors.New("MAPBOX_ENABLED is true but MAPBOX_TOKEN is not set")
	}

	return cfg, nil
}

func parsePositiveDuration(key, fallback string) (time.Duration, error) {
	d, err := time.ParseDuration(sharedcfg.EnvOrDefault(key, fallback))
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("invalid %s: must be a positive duration", key)
	}
	return d, nil
}

func parseNonNegativeInt(key string, fallback int) (int, error) {
	s := os.Getenv(key)
	if s == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid %s: must be a non-negative integer", key)
	}
	return n, nil
}

func parseBBox(s string) ([4]float64, error) {
	var bbox [4]float64
	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return bbox, errors.New("invalid EARTHDATA_BBOX: want west,south,east,north")
	}
	for i, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return bbox, fmt.Errorf("invalid EARTHDATA_BBOX: %w", err)
		}
		bbox[i] = v
	}
	if bbox[0] >= bbox[2] || bbox[1] >= bbox[3] {
		return bbox, errors.New("invalid EARTHDATA_BBOX: west/south must be less than east/north")
	}
	return bbox, nil
}

// envOrDefaultAllowEmpty returns fallback only when key is unset, so an
// explicitly empty value can disable an output.
func envOrDefaultAllowEmpty(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		return v == "true"
	}
	return fallback
}

func parseMapboxCacheSize() int {
	if s := os.Getenv("MAPBOX_CACHE_SIZE"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 {
			return n
		}
	}
	return 1000
}
