package logging

import (
	"log/slog"
	"os"
	"strings"
)

// Init installs the process-wide logger for one notifyd binary. JSON is the
// shipped default; "text" is for local stacks. The service name labels every
// line so the dispatcher, receipts, and callback-sender logs can be told
// apart in a shared pipeline.
func Init(service, format string) *slog.Logger {
	format = strings.ToLower(strings.TrimSpace(format))

	var handler slog.Handler
	if format == "text" {
		handler = slog.NewTextHandler(os.Stdout, nil)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, nil)
	}

	logger := slog.New(handler).With("service", service)
	slog.SetDefault(logger)

	if format != "" && format != "json" && format != "text" {
		logger.Warn("unknown log format, defaulting to json", "format", format)
	}
	return logger
}
