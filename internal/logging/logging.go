package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// Setup configures the global structured logger from LOG_LEVEL and
// LOG_FORMAT and returns it.
func Setup() *slog.Logger {
	logger := slog.New(NewHandler(os.Stdout, os.Getenv("LOG_FORMAT"), os.Getenv("LOG_LEVEL")))
	slog.SetDefault(logger)
	return logger
}

// NewHandler builds a handler for format (json, text or pretty) at level.
// Empty values fall back to environment-aware defaults.
func NewHandler(w io.Writer, format, level string) slog.Handler {
	opts := &slog.HandlerOptions{
		Level:     parseLevel(level),
		AddSource: os.Getenv("LOG_SOURCE") == "true",
	}

	if format == "" {
		format = "pretty"
		if isProduction() {
			format = "json"
		}
	}

	switch strings.ToLower(format) {
	case "json":
		return slog.NewJSONHandler(w, opts)
	case "pretty":
		opts.ReplaceAttr = func(_ []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				return slog.String("time", a.Value.Time().Format("15:04:05.000"))
			}
			return a
		}
		return slog.NewTextHandler(w, opts)
	default:
		return slog.NewTextHandler(w, opts)
	}
}

func parseLevel(level string) slog.Level {
	if level == "" {
		if isProduction() {
			return slog.LevelInfo
		}
		return slog.LevelDebug
	}
	switch strings.ToUpper(level) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// EnvironmentName returns the detected runtime environment.
func EnvironmentName() string {
	for _, key := range []string{"ENV", "GO_ENV", "ENVIRONMENT", "APP_ENV"} {
		if v := os.Getenv(key); v != "" {
			return v
		}
	}
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "kubernetes"
	}
	return "development"
}

func isProduction() bool {
	env := strings.ToLower(EnvironmentName())
	return strings.HasPrefix(env, "prod") || env == "kubernetes"
}
