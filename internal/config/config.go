package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Mode selects which accounting sources the agent consults. It is chosen
// once at startup and never changes for the process lifetime.
type Mode string

const (
	// ModeLocal accounts against the bare host: all CPUs, raw memory.
	ModeLocal Mode = "local"
	// ModeSlurm accounts against a Slurm allocation: the cpuset, Slurm
	// environment and cgroup limits take priority over host counters.
	ModeSlurm Mode = "slurm"
)

// Config represents runtime configuration sourced from environment variables.
type Config struct {
	Mode             Mode
	OutputDir        string
	SamplePeriod     time.Duration
	Continuous       bool
	ListenAddr       string
	EnableHTTP       bool
	EnablePrometheus bool
	EnablePprof      bool
	LogLevel         slog.Level
	ProcRoot         string
	CgroupRoot       string
	WS               WebsocketConfig
}

// WebsocketConfig captures tunables for WebSocket handling.
type WebsocketConfig struct {
	MaxClients   int
	WriteTimeout time.Duration
}

// Load parses configuration from environment variables, applying defaults.
func Load() (Config, error) {
	cfg := Config{
		Mode:             resolveMode(strings.TrimSpace(os.Getenv("JOBSCOPE_MODE"))),
		OutputDir:        "./snapshots",
		SamplePeriod:     2 * time.Second,
		Continuous:       true,
		ListenAddr:       ":8090",
		LogLevel:         slog.LevelInfo,
		ProcRoot:         "/proc",
		CgroupRoot:       "/sys/fs/cgroup",
		WS: WebsocketConfig{
			MaxClients:   64,
			WriteTimeout: 3 * time.Second,
		},
	}

	if cfg.Mode != ModeLocal && cfg.Mode != ModeSlurm {
		return Config{}, fmt.Errorf("parse JOBSCOPE_MODE: unsupported mode %q", os.Getenv("JOBSCOPE_MODE"))
	}

	if value := strings.TrimSpace(os.Getenv("JOBSCOPE_OUTPUT_DIR")); value != "" {
		cfg.OutputDir = value
	}

	if value := strings.TrimSpace(os.Getenv("JOBSCOPE_SAMPLE_PERIOD")); value != "" {
		period, err := time.ParseDuration(value)
		if err != nil {
			return Config{}, fmt.Errorf("parse JOBSCOPE_SAMPLE_PERIOD: %w", err)
		}
		if period <= 0 {
			return Config{}, fmt.Errorf("JOBSCOPE_SAMPLE_PERIOD must be > 0")
		}
		cfg.SamplePeriod = period
	}

	if value := strings.TrimSpace(os.Getenv("JOBSCOPE_CONTINUOUS")); value != "" {
		continuous, err := strconv.ParseBool(value)
		if err != nil {
			return Config{}, fmt.Errorf("parse JOBSCOPE_CONTINUOUS: %w", err)
		}
		cfg.Continuous = continuous
	}

	if value := strings.TrimSpace(os.Getenv("JOBSCOPE_LISTEN_ADDR")); value != "" {
		cfg.ListenAddr = value
	}

	if value := strings.TrimSpace(os.Getenv("JOBSCOPE_ENABLE_HTTP")); value != "" {
		enabled, err := strconv.ParseBool(value)
		if err != nil {
			return Config{}, fmt.Errorf("parse JOBSCOPE_ENABLE_HTTP: %w", err)
		}
		cfg.EnableHTTP = enabled
	}

	if value := strings.TrimSpace(os.Getenv("JOBSCOPE_ENABLE_PROMETHEUS")); value != "" {
		enabled, err := strconv.ParseBool(value)
		if err != nil {
			return Config{}, fmt.Errorf("parse JOBSCOPE_ENABLE_PROMETHEUS: %w", err)
		}
		cfg.EnablePrometheus = enabled
	}

	if value := strings.TrimSpace(os.Getenv("JOBSCOPE_ENABLE_PPROF")); value != "" {
		enabled, err := strconv.ParseBool(value)
		if err != nil {
			return Config{}, fmt.Errorf("parse JOBSCOPE_ENABLE_PPROF: %w", err)
		}
		cfg.EnablePprof = enabled
	}

	if value := strings.TrimSpace(os.Getenv("JOBSCOPE_LOG_LEVEL")); value != "" {
		level, err := parseLogLevel(value)
		if err != nil {
			return Config{}, fmt.Errorf("parse JOBSCOPE_LOG_LEVEL: %w", err)
		}
		cfg.LogLevel = level
	}

	if value := strings.TrimSpace(os.Getenv("JOBSCOPE_PROC_ROOT")); value != "" {
		cfg.ProcRoot = value
	}

	if value := strings.TrimSpace(os.Getenv("JOBSCOPE_CGROUP_ROOT")); value != "" {
		cfg.CgroupRoot = value
	}

	if value := strings.TrimSpace(os.Getenv("JOBSCOPE_WS_MAX_CLIENTS")); value != "" {
		maxClients, err := strconv.Atoi(value)
		if err != nil {
			return Config{}, fmt.Errorf("parse JOBSCOPE_WS_MAX_CLIENTS: %w", err)
		}
		if maxClients <= 0 {
			return Config{}, fmt.Errorf("JOBSCOPE_WS_MAX_CLIENTS must be > 0")
		}
		cfg.WS.MaxClients = maxClients
	}

	if value := strings.TrimSpace(os.Getenv("JOBSCOPE_WS_WRITE_TIMEOUT")); value != "" {
		timeout, err := time.ParseDuration(value)
		if err != nil {
			return Config{}, fmt.Errorf("parse JOBSCOPE_WS_WRITE_TIMEOUT: %w", err)
		}
		if timeout <= 0 {
			return Config{}, fmt.Errorf("JOBSCOPE_WS_WRITE_TIMEOUT must be > 0")
		}
		cfg.WS.WriteTimeout = timeout
	}

	return cfg, nil
}

// resolveMode maps the JOBSCOPE_MODE value to a fixed Mode. The empty
// value and "auto" select slurm when the agent runs inside a Slurm
// allocation (the launcher starts it under srun) and local otherwise.
func resolveMode(raw string) Mode {
	switch strings.ToLower(raw) {
	case "", "auto":
		if strings.TrimSpace(os.Getenv("SLURM_JOB_ID")) != "" {
			return ModeSlurm
		}
		return ModeLocal
	case string(ModeLocal):
		return ModeLocal
	case string(ModeSlurm):
		return ModeSlurm
	default:
		return Mode(raw)
	}
}

func parseLogLevel(input string) (slog.Level, error) {
	switch strings.ToUpper(strings.TrimSpace(input)) {
	case "DEBUG":
		return slog.LevelDebug, nil
	case "INFO":
		return slog.LevelInfo, nil
	case "WARN", "WARNING":
		return slog.LevelWarn, nil
	case "ERROR":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unsupported log level %q", input)
	}
}
