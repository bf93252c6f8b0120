package log

import (
	"io"
	"log/slog"
	"os"
)

// New constructs the service logger at info level, writing JSON to stdout
func New(service, env, version string) *slog.Logger {
	return NewWithLevel(service, env, version, slog.LevelInfo)
}

// NewWithLevel constructs the service logger at the provided level
func NewWithLevel(
	service, env, version string, lvl slog.Level,
) *slog.Logger {
	return NewWithWriter(os.Stdout, service, env, version, lvl)
}

// NewWithWriter constructs the service logger against an arbitrary sink.
// The env attribute is omitted when no deployment environment is set.
func NewWithWriter(
	w io.Writer, service, env, version string, lvl slog.Level,
) *slog.Logger {
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: lvl,
	})

	logger := slog.New(handler).With(
		slog.String("service", service),
		slog.String("version", version))
	if env != "" {
		logger = logger.With(slog.String("env", env))
	}
	return logger
}
