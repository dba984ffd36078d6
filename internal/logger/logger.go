package logger

import (
	"os"
	"strings"

	"github.com/rs/zerolog"
)

// Options selects the output of New.
type Options struct {
	// Component is added to every line as "component".
	Component string
	// Console forces human readable output; it is always used when ENV=development.
	Console bool
	// DefaultLevel applies when LOG_LEVEL is unset or invalid.
	DefaultLevel zerolog.Level
}

func New(opts Options) zerolog.Logger {
	// For Google Cloud Logging, the level field name should be "severity".
	zerolog.LevelFieldName = "severity"
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	ctx := zerolog.New(os.Stderr).With().Timestamp()
	if opts.Component != "" {
		ctx = ctx.Str("component", opts.Component)
	}
	logger := ctx.Logger()

	if opts.Console || os.Getenv("ENV") == "development" {
		logger = logger.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
	return logger.Level(levelFromEnv(opts.DefaultLevel))
}

func levelFromEnv(fallback zerolog.Level) zerolog.Level {
	raw := strings.TrimSpace(os.Getenv("LOG_LEVEL"))
	if raw == "" {
		return fallback
	}
	level, err := zerolog.ParseLevel(strings.ToLower(raw))
	if err != nil || level == zerolog.NoLevel {
		return fallback
	}
	return level
}
