package config

import (
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	defaultListenAddr   = ":8080"
	defaultDBPath       = "packtivity.db"
	defaultWorkers      = 2
	defaultSyncBackend  = "defaultsync"
	defaultAsyncBackend = "taskqueue"
	defaultPollInterval = 500 * time.Millisecond
	defaultPoolRetain   = time.Hour
	defaultTaskLease    = time.Minute

	envListenAddr   = "PACKTIVITY_LISTEN_ADDR"
	envDBPath       = "PACKTIVITY_DB_PATH"
	envLogLevel     = "PACKTIVITY_LOG_LEVEL"
	envWorkers      = "PACKTIVITY_WORKERS"
	envSyncBackend  = "PACKTIVITY_SYNCBACKEND"
	envAsyncBackend = "PACKTIVITY_ASYNCBACKEND"
	envPlugins      = "PACKTIVITY_PLUGINS"
	envPollInterval = "PACKTIVITY_POLL_INTERVAL"
	envTaskTimeout  = "PACKTIVITY_TASK_TIMEOUT"
	envPoolRetain   = "PACKTIVITY_POOL_RETENTION"
	envTaskLease    = "PACKTIVITY_TASK_LEASE"
)

// Config holds service and worker configuration loaded from environment variables.
type Config struct {
	ListenAddr   string
	DBPath       string
	LogLevel     slog.Level
	// Workers is the number of in-process queue workers; 0 disables them.
	Workers      int
	SyncBackend  string
	AsyncBackend string
	Plugins      []string
	PollInterval time.Duration
	// TaskTimeout bounds one queued task run; zero means no limit.
	TaskTimeout time.Duration
	// PoolRetention is how long finished multiproc futures stay pollable.
	PoolRetention time.Duration
	// TaskLease is how long a running task may go without a worker
	// heartbeat before it is requeued; zero disables leases.
	TaskLease time.Duration
}

// Load reads configuration from environment variables with sensible defaults.
func Load() Config {
	cfg := Config{
		ListenAddr:   defaultListenAddr,
		DBPath:       defaultDBPath,
		LogLevel:     slog.LevelInfo,
		Workers:      defaultWorkers,
		SyncBackend:  defaultSyncBackend,
		AsyncBackend: defaultAsyncBackend,
		PollInterval: defaultPollInterval,

		PoolRetention: defaultPoolRetain,
		TaskLease:     defaultTaskLease,
	}

	if v := os.Getenv(envListenAddr); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv(envDBPath); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv(envLogLevel); v != "" {
		cfg.LogLevel = parseLogLevel(v)
	}
	if v := os.Getenv(envWorkers); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			cfg.Workers = n
		}
	}
	if v := os.Getenv(envSyncBackend); v != "" {
		cfg.SyncBackend = v
	}
	if v := os.Getenv(envAsyncBackend); v != "" {
		cfg.AsyncBackend = v
	}
	if v := os.Getenv(envPlugins); v != "" {
		cfg.Plugins = splitList(v)
	}
	if v := os.Getenv(envPollInterval); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.PollInterval = d
		}
	}
	if v := os.Getenv(envTaskTimeout); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.TaskTimeout = d
		}
	}
	if v := os.Getenv(envPoolRetain); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.PoolRetention = d
		}
	}
	if v := os.Getenv(envTaskLease); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d >= 0 {
			cfg.TaskLease = d
		}
	}

	return cfg
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func parseBool(s string) bool {
	b, err := strconv.ParseBool(strings.TrimSpace(s))
	return err == nil && b
}

// splitList splits a comma separated list, dropping blanks.
func splitList(s string) []string {
	var out []string
	for part := range strings.SplitSeq(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// NewLogger creates a structured JSON logger writing to w at the configured level.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}
