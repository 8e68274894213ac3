package logging

import (
	"log/slog"
	"os"
	"strings"
)

// Init installs the process-wide logger tagged with the service name.
// Format "text" is for local runs; anything else gets JSON.
func Init(service, format string) *slog.Logger {
	var h slog.Handler
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "text":
		h = slog.NewTextHandler(os.Stdout, nil)
	default:
		h = slog.NewJSONHandler(os.Stdout, nil)
	}

	logger := slog.New(h).With("service", service)
	slog.SetDefault(logger)
	return logger
}
