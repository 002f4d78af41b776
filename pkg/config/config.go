// Package config resolves taskrun settings from defaults, a YAML or TOML
// file, a .env file and TASKRUN_* environment variables, in that order.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"taskrun/pkg/codec"
	"taskrun/pkg/protocol"

	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// Config holds everything the controller needs for one run.
type Config struct {
	StartPort        int      `yaml:"start_port" toml:"start_port"`
	MaxPortAttempts  int      `yaml:"max_port_attempts" toml:"max_port_attempts"`
	GracePeriod      Duration `yaml:"grace_period" toml:"grace_period"`
	PollInterval     Duration `yaml:"poll_interval" toml:"poll_interval"`
	TickInterval     Duration `yaml:"tick_interval" toml:"tick_interval"`
	HandshakeTimeout Duration `yaml:"handshake_timeout" toml:"handshake_timeout"`
	DrainWindow      Duration `yaml:"drain_window" toml:"drain_window"`
	Codec            string   `yaml:"codec" toml:"codec"`

	Worker WorkerConfig `yaml:"worker" toml:"worker"`
	Log    LogConfig    `yaml:"log" toml:"log"`
}

// WorkerConfig describes the worker executable. The bound port is appended
// after Args when it is launched.
type WorkerConfig struct {
	Path string   `yaml:"path" toml:"path"`
	Args []string `yaml:"args,omitempty" toml:"args,omitempty"`
	Dir  string   `yaml:"dir,omitempty" toml:"dir,omitempty"`
	Env  []string `yaml:"env,omitempty" toml:"env,omitempty"`
}

// LogConfig configures the zap logger built by pkg/observability.
type LogConfig struct {
	Level       string         `yaml:"level" toml:"level"`
	Format      string         `yaml:"format" toml:"format"` // console | json
	Outputs     []string       `yaml:"outputs" toml:"outputs"`
	Development bool           `yaml:"development" toml:"development"`
	Rotation    RotationConfig `yaml:"rotation" toml:"rotation"`
}

// RotationConfig enables lumberjack rotation for file outputs.
type RotationConfig struct {
	Enable     bool   `yaml:"enable" toml:"enable"`
	Filename   string `yaml:"filename,omitempty" toml:"filename,omitempty"`
	MaxSizeMB  int    `yaml:"max_size_mb" toml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups" toml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days" toml:"max_age_days"`
	Compress   bool   `yaml:"compress" toml:"compress"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		StartPort:        protocol.DefaultStartPort,
		MaxPortAttempts:  protocol.DefaultMaxPortAttempts,
		GracePeriod:      Duration(protocol.DefaultGracePeriod),
		PollInterval:     Duration(protocol.DefaultPollInterval),
		TickInterval:     Duration(protocol.DefaultTickInterval),
		HandshakeTimeout: Duration(protocol.DefaultHandshakeTimeout),
		DrainWindow:      Duration(protocol.DefaultDrainWindow),
		Codec:            codec.Default,
		Log: LogConfig{
			Level:   "info",
			Format:  "console",
			Outputs: []string{"stderr"},
		},
	}
}

// Resolve builds the effective configuration: defaults, then the file at
// path (skipped when empty), then dotEnvPath loaded into the environment
// (skipped when empty or missing), then TASKRUN_* variables.
func Resolve(path, dotEnvPath string) (Config, error) {
	cfg := Default()
	if path != "" {
		if err := cfg.LoadFile(path); err != nil {
			return Config{}, err
		}
	}
	if err := LoadDotEnv(dotEnvPath); err != nil {
		return Config{}, err
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadFile overlays the YAML (.yaml, .yml) or TOML (.toml) file at path
// onto c. Keys absent from the file keep their current values.
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path) //nolint:gosec // path is supplied by the operator
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, c); err != nil {
			return fmt.Errorf("parse yaml config %s: %w", path, err)
		}
	case ".toml":
		if err := toml.Unmarshal(data, c); err != nil {
			return fmt.Errorf("parse toml config %s: %w", path, err)
		}
	default:
		return fmt.Errorf("config %s: unsupported extension (want .yaml, .yml or .toml)", path)
	}
	return nil
}

// LoadDotEnv loads KEY=VALUE pairs from path into the process environment
// without overriding variables that are already set. A missing file is not
// an error.
func LoadDotEnv(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load env file %s: %w", path, err)
	}
	return nil
}

// Validate rejects settings the orchestrator cannot run with.
func (c *Config) Validate() error {
	if c.StartPort <= 0 || c.StartPort > protocol.MaxPort {
		return fmt.Errorf("start_port %d out of range 1-%d", c.StartPort, protocol.MaxPort)
	}
	if c.MaxPortAttempts <= 0 {
		return fmt.Errorf("max_port_attempts must be positive, got %d", c.MaxPortAttempts)
	}
	for name, d := range map[string]Duration{
		"grace_period":      c.GracePeriod,
		"poll_interval":     c.PollInterval,
		"tick_interval":     c.TickInterval,
		"handshake_timeout": c.HandshakeTimeout,
		"drain_window":      c.DrainWindow,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", name, d)
		}
	}
	if _, err := codec.ByName(c.Codec); err != nil {
		return fmt.Errorf("codec: %w", err)
	}
	return nil
}

// Duration is a time.Duration that reads from strings such as "1s" or
// "250ms" in YAML and TOML.
type Duration time.Duration

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

// UnmarshalText implements encoding.TextUnmarshaler (used by go-toml).
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", text, err)
	}
	*d = Duration(v)
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("duration: %w", err)
	}
	return d.UnmarshalText([]byte(s))
}
