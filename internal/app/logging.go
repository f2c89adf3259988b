package app

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// SetupLogging installs the process-wide slog handler.
func SetupLogging(w io.Writer, level string, jsonLogs bool) {
	opts := &slog.HandlerOptions{Level: ParseLevel(level)}

	var handler slog.Handler = slog.NewTextHandler(w, opts)
	if jsonLogs {
		handler = slog.NewJSONHandler(w, opts)
	}
	slog.SetDefault(slog.New(handler))
}

// ParseLevel maps a config level name to a slog level. Unknown names
// mean info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// logToFile redirects the default logger to path while a full-screen view
// owns the terminal. The returned func restores the previous logger.
func logToFile(path string, level slog.Level) func() {
	prev := slog.Default()
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		slog.Warn("log_file_unavailable", "path", path, "error", err)
		return func() {}
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(f, &slog.HandlerOptions{Level: level})))
	return func() {
		slog.SetDefault(prev)
		f.Close()
	}
}

// LogPath is where a flash run logs while the progress view is up.
func LogPath(workDir string) string {
	return filepath.Join(workDir, "ruuf.log")
}
