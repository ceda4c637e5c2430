// Package config builds the daemon's configuration from two layers,
// following the teacher's ws/config.go shape: an env-tagged struct
// (parsed with caarlos0/env, optionally primed from a .env file) for
// ambient, rarely-touched daemon knobs, and a CLI flag layer — spec.md
// §6's explicit `-l`/`-m`/`-d`/`-p`/`-u`/`-f`/`-r`/`-v` surface plus
// positional driver specifications — for what an operator actually
// sets per invocation.
package config

import (
	"flag"
	"fmt"
	"math"
	"strings"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Config holds the daemon's full configuration after Load and
// ParseFlags have both run.
type Config struct {
	// Ambient, env-tagged (rarely overridden per invocation).
	LogLevel          string  `env:"HYDROGEND_LOG_LEVEL" envDefault:"info"`
	LogFormat         string  `env:"HYDROGEND_LOG_FORMAT" envDefault:"json"`
	MaxQueueBytes     int64   `env:"HYDROGEND_MAX_QUEUE_BYTES" envDefault:"134217728"`
	MaxStreamBytes    int64   `env:"HYDROGEND_MAX_STREAM_BYTES" envDefault:"5242880"`
	FanoutRatePerSec  float64 `env:"HYDROGEND_FANOUT_RATE" envDefault:"2000"`
	FanoutBurst       int     `env:"HYDROGEND_FANOUT_BURST" envDefault:"4000"`
	DriverPrefix      string  `env:"HYDROGENPREFIX" envDefault:""`
	MetricsAddr       string  `env:"HYDROGEND_METRICS_ADDR" envDefault:":9100"`

	// CLI surface, spec.md §6 (populated by ParseFlags).
	LogDir          string   // -l
	ClientKillMB    int      // -m
	StreamDropMB    int      // -d
	TCPPort         int      // -p
	UnixSocketPath  string   // -u
	FifoPath        string   // -f
	MaxRestarts     int      // -r
	Verbosity       int      // -v, -vv, -vvv
	DriverSpecs     []string // positional args
}

// Load reads the ambient env layer, optionally primed by a .env file
// in the working directory (ignored if absent — a convenience for
// development, never required in production).
func Load(logger *zerolog.Logger) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		if logger != nil {
			logger.Debug().Msg("no .env file found, using environment variables only")
		}
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("config: parse env: %w", err)
	}
	return cfg, nil
}

// ParseFlags fills in the CLI surface from argv, per spec.md §6. It
// mutates cfg in place and returns any flag-parsing error (the caller
// is expected to exit with status 2 on error, per spec.md's usage-error
// exit code).
func (c *Config) ParseFlags(args []string) error {
	fs := flag.NewFlagSet("hydrogend", flag.ContinueOnError)
	fs.StringVar(&c.LogDir, "l", "", "log directory")
	fs.IntVar(&c.ClientKillMB, "m", 128, "per-client kill threshold (MB)")
	fs.IntVar(&c.StreamDropMB, "d", 5, "streaming-BLOB drop threshold (MB), 0 disables")
	fs.IntVar(&c.TCPPort, "p", 7624, "TCP port")
	fs.StringVar(&c.UnixSocketPath, "u", "/tmp/hydrogenserver", "UNIX socket path")
	fs.StringVar(&c.FifoPath, "f", "", "control FIFO path")
	fs.IntVar(&c.MaxRestarts, "r", 10, "max driver restarts")

	var v1, v2, v3 bool
	fs.BoolVar(&v1, "v", false, "verbose")
	fs.BoolVar(&v2, "vv", false, "more verbose")
	fs.BoolVar(&v3, "vvv", false, "most verbose")

	if err := fs.Parse(args); err != nil {
		return err
	}
	switch {
	case v3:
		c.Verbosity = 3
	case v2:
		c.Verbosity = 2
	case v1:
		c.Verbosity = 1
	}
	c.DriverSpecs = fs.Args()

	// -m and -d are in megabytes; when given they replace the env-sourced
	// byte limits. -d 0 lifts the streaming-BLOB limit.
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "m":
			c.MaxQueueBytes = int64(c.ClientKillMB) * 1024 * 1024
		case "d":
			c.MaxStreamBytes = int64(c.StreamDropMB) * 1024 * 1024
			if c.StreamDropMB == 0 {
				c.MaxStreamBytes = math.MaxInt64
			}
		}
	})
	return nil
}

// Validate checks the combined configuration for errors, per the
// range/logical checks the teacher's Validate does.
func (c *Config) Validate() error {
	if c.TCPPort < 1 || c.TCPPort > 65535 {
		return fmt.Errorf("config: TCP port must be 1-65535, got %d", c.TCPPort)
	}
	if c.ClientKillMB < 1 {
		return fmt.Errorf("config: client kill threshold must be > 0, got %d", c.ClientKillMB)
	}
	if c.StreamDropMB < 0 {
		return fmt.Errorf("config: stream drop threshold must be >= 0, got %d", c.StreamDropMB)
	}
	if c.MaxRestarts < 0 {
		return fmt.Errorf("config: max restarts must be >= 0, got %d", c.MaxRestarts)
	}
	if c.MaxQueueBytes < 1 {
		return fmt.Errorf("config: HYDROGEND_MAX_QUEUE_BYTES must be > 0, got %d", c.MaxQueueBytes)
	}
	if c.MaxStreamBytes < 1 {
		return fmt.Errorf("config: HYDROGEND_MAX_STREAM_BYTES must be > 0, got %d", c.MaxStreamBytes)
	}
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.LogLevel)] {
		return fmt.Errorf("config: HYDROGEND_LOG_LEVEL must be one of debug/info/warn/error, got %q", c.LogLevel)
	}
	validFormats := map[string]bool{"json": true, "pretty": true}
	if !validFormats[strings.ToLower(c.LogFormat)] {
		return fmt.Errorf("config: HYDROGEND_LOG_FORMAT must be one of json/pretty, got %q", c.LogFormat)
	}
	return nil
}

// LogConfig logs the effective configuration once at startup, in the
// teacher's structured style.
func (c *Config) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Str("log_dir", c.LogDir).
		Int("client_kill_mb", c.ClientKillMB).
		Int("stream_drop_mb", c.StreamDropMB).
		Int("tcp_port", c.TCPPort).
		Str("unix_socket_path", c.UnixSocketPath).
		Str("fifo_path", c.FifoPath).
		Int("max_restarts", c.MaxRestarts).
		Int("verbosity", c.Verbosity).
		Int("driver_spec_count", len(c.DriverSpecs)).
		Int64("max_queue_bytes", c.MaxQueueBytes).
		Int64("max_stream_bytes", c.MaxStreamBytes).
		Str("driver_prefix", c.DriverPrefix).
		Msg("hydrogend configuration loaded")
}
