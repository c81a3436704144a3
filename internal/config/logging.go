package config

import (
	"io"
	"log/slog"
	"os"
	"strings"

	slogmulti "github.com/samber/slog-multi"
)

// secretKeys are attribute keys whose values never reach a log sink.
var secretKeys = []string{"token", "session_cookie", "authorization", "cookie", "password"}

const redacted = "[REDACTED]"

func redactSecrets(_ []string, a slog.Attr) slog.Attr {
	key := strings.ToLower(a.Key)
	for _, s := range secretKeys {
		if key == s {
			return slog.String(a.Key, redacted)
		}
	}
	return a
}

func handlerOptions(level slog.Level) *slog.HandlerOptions {
	return &slog.HandlerOptions{Level: level, ReplaceAttr: redactSecrets}
}

// SetupLogger creates a logger writing text to stderr and, when logFile is
// set, JSON to that file. Returns the logger and a cleanup function.
func SetupLogger(logFile string, level slog.Level) (*slog.Logger, func() error) {
	stderrHandler := slog.NewTextHandler(os.Stderr, handlerOptions(level))
	noop := func() error { return nil }

	if logFile == "" {
		return slog.New(stderrHandler), noop
	}

	file, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		logger := slog.New(stderrHandler)
		logger.Warn("unable to open log file, logging to stderr only", "file", logFile, "error", err)
		return logger, noop
	}

	fileHandler := slog.NewJSONHandler(file, handlerOptions(level))
	return slog.New(slogmulti.Fanout(stderrHandler, fileHandler)), file.Close
}

// SetupLoggerWithWriters creates a logger with custom writers (for testing).
func SetupLoggerWithWriters(stderr, file io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slogmulti.Fanout(
		slog.NewTextHandler(stderr, handlerOptions(level)),
		slog.NewJSONHandler(file, handlerOptions(level)),
	))
}
