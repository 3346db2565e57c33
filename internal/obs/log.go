package obs

import (
	"io"
	"os"
	"sync"

	"github.com/rs/zerolog"

	"codecanvas.io/internal/config"
)

var (
	loggerMu sync.RWMutex
	logger   = zerolog.New(os.Stdout).With().Timestamp().Logger()
)

// NewLogger creates the structured service logger. Non-empty identity
// fields from the config are attached to every line.
func NewLogger(cfg *config.Config, version string) zerolog.Logger {
	return newLogger(os.Stdout, cfg, version)
}

func newLogger(w io.Writer, cfg *config.Config, version string) zerolog.Logger {
	ctx := zerolog.New(w).With().Timestamp()
	if cfg != nil && cfg.ServiceName != "" {
		ctx = ctx.Str("service", cfg.ServiceName)
	}
	if version != "" {
		ctx = ctx.Str("version", version)
	}
	l := ctx.Logger()

	levelName := ""
	if cfg != nil {
		levelName = cfg.LogLevel
	}
	level, err := zerolog.ParseLevel(levelName)
	if err != nil || levelName == "" {
		level = zerolog.InfoLevel
	}
	return l.Level(level)
}

// SetLogger replaces the process-wide logger used by packages that are not
// handed one explicitly (audit).
func SetLogger(l zerolog.Logger) {
	loggerMu.Lock()
	logger = l
	loggerMu.Unlock()
}

// Logger returns the process-wide logger.
func Logger() zerolog.Logger {
	loggerMu.RLock()
	defer loggerMu.RUnlock()
	return logger
}
