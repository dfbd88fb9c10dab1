// Package logging configures the process-wide slog logger and provides
// helpers for logging attacker-controlled values and message lifecycle
// events.
package logging

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"unicode"
)

// Config represents the logging section of the configuration
type Config struct {
	Level  string // debug, info, warn, error
	Format string // json or text
	// Output is stdout, stderr or a file path opened for appending
	Output string
}

var (
	levelVar = new(slog.LevelVar)

	mu     sync.Mutex
	output io.Closer
)

// Setup installs the default slog logger described by cfg. The returned
// logger is also set as slog.Default.
func Setup(cfg Config) (*slog.Logger, error) {
	level, err := StringToLevel(cfg.Level)
	if err != nil {
		return nil, err
	}

	w, closer, err := openOutput(cfg.Output)
	if err != nil {
		return nil, err
	}

	opts := &slog.HandlerOptions{
		Level:       levelVar,
		ReplaceAttr: replaceAttr,
	}
	var handler slog.Handler
	switch strings.ToLower(cfg.Format) {
	case "", "json":
		handler = slog.NewJSONHandler(w, opts)
	case "text":
		handler = slog.NewTextHandler(w, opts)
	default:
		if closer != nil {
			closer.Close()
		}
		return nil, fmt.Errorf("unsupported log format %q", cfg.Format)
	}

	mu.Lock()
	if output != nil {
		output.Close()
	}
	output = closer
	mu.Unlock()

	levelVar.Set(level)
	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger, nil
}

// Close releases a log file opened by Setup
func Close() error {
	mu.Lock()
	defer mu.Unlock()
	if output == nil {
		return nil
	}
	err := output.Close()
	output = nil
	return err
}

func openOutput(dest string) (io.Writer, io.Closer, error) {
	switch dest {
	case "", "stdout":
		return os.Stdout, nil, nil
	case "stderr":
		return os.Stderr, nil, nil
	}
	f, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return nil, nil, fmt.Errorf("open log file: %w", err)
	}
	return f, f, nil
}

// SetLevel changes the level of the logger installed by Setup at runtime
func SetLevel(level slog.Level) {
	levelVar.Set(level)
}

// GetLevel returns the current level
func GetLevel() slog.Level {
	return levelVar.Level()
}

// LevelToString converts slog.Level to string
func LevelToString(level slog.Level) string {
	switch level {
	case slog.LevelDebug:
		return "DEBUG"
	case slog.LevelInfo:
		return "INFO"
	case slog.LevelWarn:
		return "WARN"
	case slog.LevelError:
		return "ERROR"
	default:
		return "INFO"
	}
}

// StringToLevel converts string to slog.Level. An empty string is info.
func StringToLevel(levelStr string) (slog.Level, error) {
	switch strings.ToUpper(levelStr) {
	case "DEBUG":
		return slog.LevelDebug, nil
	case "", "INFO":
		return slog.LevelInfo, nil
	case "WARN", "WARNING":
		return slog.LevelWarn, nil
	case "ERROR":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, errors.New("invalid log level: " + levelStr)
	}
}

// Sanitize normalizes s to a single line and removes control characters
// that could be used for log injection
func Sanitize(s string) string {
	// Replace CR/LF with spaces to avoid multi-line injection
	s = strings.ReplaceAll(s, "\r", " ")
	s = strings.ReplaceAll(s, "\n", " ")

	// Drop other control characters except tab
	var b strings.Builder
	for _, r := range s {
		if r == '\t' || !unicode.IsControl(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

var sensitiveKeys = []string{
	"password",
	"pass",
	"token",
	"secret",
	"authorization",
	"private_key",
	"encryption_key",
}

// replaceAttr redacts sensitive keys and keeps string values on one line
func replaceAttr(_ []string, a slog.Attr) slog.Attr {
	key := strings.ToLower(a.Key)
	for _, sk := range sensitiveKeys {
		if strings.Contains(key, sk) {
			return slog.String(a.Key, "***REDACTED***")
		}
	}
	if a.Value.Kind() == slog.KindString {
		return slog.String(a.Key, Sanitize(a.Value.String()))
	}
	return a
}
