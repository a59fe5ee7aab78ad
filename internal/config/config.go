package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	// DefaultAddr is the HTTP address serving the dashboard feed and operational endpoints.
	DefaultAddr = ":43128"
	// DefaultGRPCAddr is the address of the gRPC health service. Empty disables it.
	DefaultGRPCAddr = ":43129"
	// DefaultTickHz is the host loop frequency driving visibility passes.
	DefaultTickHz = 20.0
	// DefaultSensorRange is the sensor reach applied to objects without their own range.
	DefaultSensorRange = 2500.0
	// DefaultCellSize is the edge length of a spatial hash cell.
	DefaultCellSize = 100.0
	// DefaultRefreshPasses forces every field of view to recompute after this many passes. Zero disables it.
	DefaultRefreshPasses = 0
	// DefaultPingInterval controls the keepalive cadence for feed connections.
	DefaultPingInterval = 30 * time.Second
	// DefaultFeedBuffer bounds queued frames per feed client.
	DefaultFeedBuffer = 16
	// DefaultFeedBytesPerSecond caps per-client feed throughput. Zero disables throttling.
	DefaultFeedBytesPerSecond = 0.0

	// DefaultReplayFlushWindow bounds how frequently replay flushes may be requested.
	DefaultReplayFlushWindow = time.Minute
	// DefaultReplayFlushBurst sets how many flush requests may be made per window.
	DefaultReplayFlushBurst = 1
	// DefaultReplayMaxSessions caps retained replay sessions.
	DefaultReplayMaxSessions = 20
	// DefaultReplayMaxAge prunes replay sessions older than this.
	DefaultReplayMaxAge = 72 * time.Hour

	// DefaultLogLevel controls verbosity.
	DefaultLogLevel = "info"
	// DefaultLogMaxSizeMB caps the size of a single log file before rotation.
	DefaultLogMaxSizeMB = 100
	// DefaultLogMaxBackups limits retained rotated log files.
	DefaultLogMaxBackups = 10
	// DefaultLogMaxAgeDays controls how long rotated log files are kept on disk.
	DefaultLogMaxAgeDays = 7
	// DefaultLogCompress toggles zstd compression for rotated log files.
	DefaultLogCompress = true
)

// Config captures all runtime tunables for the radar host.
type Config struct {
	Address           string
	GRPCAddress       string
	GRPCSharedSecret  string
	AllowedOrigins    []string
	TickHz            float64
	SensorRange       float64
	CellSize          float64
	RefreshPasses     int
	PingInterval      time.Duration
	FeedBuffer        int
	FeedBytesPerSec   float64
	FeedSecret        string
	ScenarioPath      string
	ReplayDir         string
	AdminToken        string
	ReplayFlushWindow time.Duration
	ReplayFlushBurst  int
	ReplayMaxSessions int
	ReplayMaxAge      time.Duration
	Logging           LoggingConfig
}

// LoggingConfig captures structured logging configuration options.
// An empty Path logs to stdout only.
type LoggingConfig struct {
	Level      string
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// Load reads the configuration from environment variables, applying defaults
// and reporting every invalid override in a single error.
func Load() (*Config, error) {
	cfg := &Config{
		Address:           getString("RADAR_ADDR", DefaultAddr),
		GRPCAddress:       getStringAllowEmpty("RADAR_GRPC_ADDR", DefaultGRPCAddr),
		GRPCSharedSecret:  strings.TrimSpace(os.Getenv("RADAR_GRPC_SHARED_SECRET")),
		AllowedOrigins:    parseList(os.Getenv("RADAR_ALLOWED_ORIGINS")),
		TickHz:            DefaultTickHz,
		SensorRange:       DefaultSensorRange,
		CellSize:          DefaultCellSize,
		RefreshPasses:     DefaultRefreshPasses,
		PingInterval:      DefaultPingInterval,
		FeedBuffer:        DefaultFeedBuffer,
		FeedBytesPerSec:   DefaultFeedBytesPerSecond,
		FeedSecret:        strings.TrimSpace(os.Getenv("RADAR_FEED_SECRET")),
		ScenarioPath:      strings.TrimSpace(os.Getenv("RADAR_SCENARIO_PATH")),
		ReplayDir:         strings.TrimSpace(os.Getenv("RADAR_REPLAY_DIR")),
		AdminToken:        strings.TrimSpace(os.Getenv("RADAR_ADMIN_TOKEN")),
		ReplayFlushWindow: DefaultReplayFlushWindow,
		ReplayFlushBurst:  DefaultReplayFlushBurst,
		ReplayMaxSessions: DefaultReplayMaxSessions,
		ReplayMaxAge:      DefaultReplayMaxAge,
		Logging: LoggingConfig{
			Level:      getString("RADAR_LOG_LEVEL", DefaultLogLevel),
			Path:       strings.TrimSpace(os.Getenv("RADAR_LOG_PATH")),
			MaxSizeMB:  DefaultLogMaxSizeMB,
			MaxBackups: DefaultLogMaxBackups,
			MaxAgeDays: DefaultLogMaxAgeDays,
			Compress:   DefaultLogCompress,
		},
	}

	var problems []string

	parsePositiveFloat("RADAR_TICK_HZ", &cfg.TickHz, &problems)
	parsePositiveFloat("RADAR_SENSOR_RANGE", &cfg.SensorRange, &problems)
	parsePositiveFloat("RADAR_CELL_SIZE", &cfg.CellSize, &problems)
	parseNonNegativeFloat("RADAR_FEED_BYTES_PER_SEC", &cfg.FeedBytesPerSec, &problems)
	parseInt("RADAR_REFRESH_PASSES", &cfg.RefreshPasses, 0, &problems)
	parseInt("RADAR_FEED_BUFFER", &cfg.FeedBuffer, 1, &problems)
	parseInt("RADAR_LOG_MAX_SIZE_MB", &cfg.Logging.MaxSizeMB, 1, &problems)
	parseInt("RADAR_LOG_MAX_BACKUPS", &cfg.Logging.MaxBackups, 0, &problems)
	parseInt("RADAR_LOG_MAX_AGE_DAYS", &cfg.Logging.MaxAgeDays, 0, &problems)
	parseInt("RADAR_REPLAY_FLUSH_BURST", &cfg.ReplayFlushBurst, 1, &problems)
	parseInt("RADAR_REPLAY_MAX_SESSIONS", &cfg.ReplayMaxSessions, 0, &problems)
	parseDuration("RADAR_REPLAY_MAX_AGE", &cfg.ReplayMaxAge, &problems)
	parseDuration("RADAR_PING_INTERVAL", &cfg.PingInterval, &problems)
	parseDuration("RADAR_REPLAY_FLUSH_WINDOW", &cfg.ReplayFlushWindow, &problems)

	if raw := strings.TrimSpace(os.Getenv("RADAR_LOG_COMPRESS")); raw != "" {
		value, err := strconv.ParseBool(raw)
		if err != nil {
			problems = append(problems, fmt.Sprintf("RADAR_LOG_COMPRESS must be a boolean value, got %q", raw))
		} else {
			cfg.Logging.Compress = value
		}
	}

	if cfg.ScenarioPath != "" {
		if _, err := os.Stat(cfg.ScenarioPath); err != nil {
			problems = append(problems, fmt.Sprintf("RADAR_SCENARIO_PATH is not readable: %v", err))
		}
	}

	if len(problems) > 0 {
		return nil, errors.New(strings.Join(problems, "; "))
	}

	return cfg, nil
}

func parsePositiveFloat(key string, target *float64, problems *[]string) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil || !(value > 0) || math.IsInf(value, 0) {
		*problems = append(*problems, fmt.Sprintf("%s must be a positive number, got %q", key, raw))
		return
	}
	*target = value
}

func parseNonNegativeFloat(key string, target *float64, problems *[]string) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil || !(value >= 0) || math.IsInf(value, 0) {
		*problems = append(*problems, fmt.Sprintf("%s must be a non-negative number, got %q", key, raw))
		return
	}
	*target = value
}

func parseInt(key string, target *int, minimum int, problems *[]string) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value < minimum {
		*problems = append(*problems, fmt.Sprintf("%s must be an integer >= %d, got %q", key, minimum, raw))
		return
	}
	*target = value
}

func parseDuration(key string, target *time.Duration, problems *[]string) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return
	}
	duration, err := time.ParseDuration(raw)
	if err != nil || duration <= 0 {
		*problems = append(*problems, fmt.Sprintf("%s must be a positive duration, got %q", key, raw))
		return
	}
	*target = duration
}

func getString(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}

func getStringAllowEmpty(key, fallback string) string {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	return strings.TrimSpace(value)
}

func parseList(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	values := make([]string, 0, len(parts))
	for _, part := range parts {
		if item := strings.TrimSpace(part); item != "" {
			values = append(values, item)
		}
	}
	return values
}
