package observability

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	sharedobs "github.com/couchcryptid/storm-data-shared/observability"
	"github.com/lmittmann/tint"

	"github.com/couchcryptid/tempo-no2-etl/internal/config"
)

// NewLogger creates the process logger and sets it as the slog default.
// LOG_FORMAT=text selects a colored console handler; anything else is JSON.
func NewLogger(cfg *config.Config) *slog.Logger {
	if !strings.EqualFold(cfg.LogFormat, "text") {
		return sharedobs.NewLogger(cfg.LogLevel, cfg.LogFormat)
	}
	logger := slog.New(newTextHandler(os.Stdout, cfg.LogLevel))
	slog.SetDefault(logger)
	return logger
}

func newTextHandler(w io.Writer, level string) slog.Handler {
	return tint.NewHandler(w, &tint.Options{
		Level:      parseLevel(level),
		TimeFormat: time.TimeOnly,
	})
}

func parseLevel(s string) slog.Level {
	var lvl slog.Level
	if strings.EqualFold(s, "warning") {
		return slog.LevelWarn
	}
	if err := lvl.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return lvl
}
