package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	lj "gopkg.in/natefinch/lumberjack.v2"
)

// Rotation defaults for worker log files.
const (
	DefaultMaxSizeMB  = 10
	DefaultMaxBackups = 3
	DefaultMaxAgeDays = 7
)

// Config describes supervisor logging plus the rotating per-worker files.
// Workers cannot log to stdout (reserved for the handshake) or a terminal
// (they are detached), so each one gets Dir/worker-<id>.log.
type Config struct {
	Level      string `json:"level" mapstructure:"level"` // debug, info, warn, error
	NoColor    bool   `json:"no_color" mapstructure:"no_color"`
	Dir        string `json:"dir" mapstructure:"dir"` // worker log directory
	MaxSizeMB  int    `json:"max_size_mb" mapstructure:"max_size_mb"`
	MaxBackups int    `json:"max_backups" mapstructure:"max_backups"`
	MaxAgeDays int    `json:"max_age_days" mapstructure:"max_age_days"`
	Compress   bool   `json:"compress" mapstructure:"compress"`
}

// ParseLevel maps a config string to a slog level, defaulting to info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
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

// Setup installs the process-wide default logger writing to w.
func (c Config) Setup(w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: ParseLevel(c.Level)}
	var h slog.Handler
	if c.NoColor {
		h = slog.NewTextHandler(w, opts)
	} else {
		h = NewColorTextHandler(w, opts)
	}
	l := slog.New(h)
	slog.SetDefault(l)
	return l
}

// WorkerWriter returns a rotating writer for one worker's log file.
// An empty Dir falls back to the OS temp dir so a detached worker always has
// somewhere to report errors.
func (c Config) WorkerWriter(id string) io.WriteCloser {
	dir := c.Dir
	if dir == "" {
		dir = filepath.Join(os.TempDir(), "stealthdesk-logs")
	}
	_ = os.MkdirAll(dir, 0o750)
	return &lj.Logger{
		Filename:   filepath.Join(dir, fmt.Sprintf("worker-%s.log", id)),
		MaxSize:    valOr(c.MaxSizeMB, DefaultMaxSizeMB),
		MaxBackups: valOr(c.MaxBackups, DefaultMaxBackups),
		MaxAge:     valOr(c.MaxAgeDays, DefaultMaxAgeDays),
		Compress:   c.Compress,
	}
}

// WorkerLogger builds the slog logger a worker uses after it detaches.
func (c Config) WorkerLogger(id string) (*slog.Logger, io.Closer) {
	w := c.WorkerWriter(id)
	h := slog.NewTextHandler(w, &slog.HandlerOptions{Level: ParseLevel(c.Level)})
	return slog.New(h).With("worker", id), w
}

func valOr(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
