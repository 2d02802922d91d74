package internal

import (
	"io"
	"log/slog"
)

// serviceName tags every record so shipped logs can be filtered per service.
const serviceName = "fortuna"

// NewLogger builds the process logger: text in development, JSON otherwise.
// level accepts debug, info, warn or error in any case; anything else is info.
func NewLogger(w io.Writer, env string, level string) *slog.Logger {
	var logLevel slog.Level
	if err := logLevel.UnmarshalText([]byte(level)); err != nil {
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: logLevel,
	}

	var handler slog.Handler
	if env == "development" {
		handler = slog.NewTextHandler(w, opts)
	} else {
		handler = slog.NewJSONHandler(w, opts)
	}

	return slog.New(handler).With("service", serviceName)
}
