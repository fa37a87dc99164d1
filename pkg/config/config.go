// Package config handles TOML configuration parsing for cartoflow.
//
// TOML was chosen over YAML for simplicity and fewer footguns.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Config is the full server configuration.
type Config struct {
	Server    ServerConfig     `toml:"server"`
	Paths     PathsConfig      `toml:"paths"`
	Engine    EngineConfig     `toml:"engine"`
	Schedules []ScheduleConfig `toml:"schedules"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	// Listen is the bind address (default ":8642")
	Listen string `toml:"listen"`

	// AuthTokenHash is the bcrypt hash of the API bearer token.
	// Empty disables authentication.
	AuthTokenHash string `toml:"auth_token_hash"`
}

// PathsConfig locates the on-disk state roots.
type PathsConfig struct {
	// Scripts is the script registry root (programs + metadata index)
	Scripts string `toml:"scripts"`

	// Executions is the execution workspace root
	Executions string `toml:"executions"`

	// Data is the layer store root
	Data string `toml:"data"`
}

// EngineConfig tunes the execution engine.
type EngineConfig struct {
	// Timeout is the wall-clock limit per execution (default 30s).
	// Global only; there is no per-script override.
	Timeout Duration `toml:"timeout"`

	// Python is the interpreter binary (default "python3")
	Python string `toml:"python"`

	// LogRetention is how long execution logs stay uncompressed
	// before archival (default 168h)
	LogRetention Duration `toml:"log_retention"`
}

// ScheduleConfig binds a registered script to a cron expression.
type ScheduleConfig struct {
	Script string `toml:"script"`
	Cron   string `toml:"cron"`

	// Parameters passed on every scheduled run (raw strings; values
	// that parse as JSON are decoded at submission, like the API)
	Parameters map[string]string `toml:"parameters"`
}

// Duration is a wrapper around time.Duration for TOML parsing.
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler for go-toml/v2.
func (d *Duration) UnmarshalText(text []byte) error {
	dur, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(text), err)
	}
	d.Duration = dur
	return nil
}

// MarshalText implements encoding.TextMarshaler for go-toml/v2.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Load reads a configuration file from the given path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data, filepath.Dir(path))
}

// Parse parses TOML configuration from bytes. Relative paths resolve
// against baseDir.
func Parse(data []byte, baseDir string) (*Config, error) {
	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyDefaults(baseDir)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns a configuration rooted under dir with all defaults.
func Default(dir string) *Config {
	cfg := &Config{}
	cfg.applyDefaults(dir)
	return cfg
}

// applyDefaults sets default values for unspecified fields.
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Listen == "" {
		c.Server.Listen = ":8642"
	}
	if c.Paths.Scripts == "" {
		c.Paths.Scripts = filepath.Join(baseDir, "scripts")
	}
	if c.Paths.Executions == "" {
		c.Paths.Executions = filepath.Join(baseDir, "executions")
	}
	if c.Paths.Data == "" {
		c.Paths.Data = filepath.Join(baseDir, "data")
	}

	for _, p := range []*string{&c.Paths.Scripts, &c.Paths.Executions, &c.Paths.Data} {
		if !filepath.IsAbs(*p) {
			*p = filepath.Join(baseDir, *p)
		}
	}

	if c.Engine.Timeout.Duration == 0 {
		c.Engine.Timeout.Duration = 30 * time.Second
	}
	if c.Engine.Python == "" {
		c.Engine.Python = "python3"
	}
	if c.Engine.LogRetention.Duration == 0 {
		c.Engine.LogRetention.Duration = 168 * time.Hour
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Engine.Timeout.Duration < time.Second {
		return fmt.Errorf("engine timeout too short: %v", c.Engine.Timeout.Duration)
	}
	if strings.ContainsAny(c.Engine.Python, " \t") {
		return fmt.Errorf("python interpreter must be a bare binary name or path: %q", c.Engine.Python)
	}

	seen := make(map[string]bool)
	for i, s := range c.Schedules {
		if s.Script == "" {
			return fmt.Errorf("schedule %d: script is required", i)
		}
		if s.Cron == "" {
			return fmt.Errorf("schedule %d: cron expression is required", i)
		}
		if len(strings.Fields(s.Cron)) != 5 {
			return fmt.Errorf("schedule %d: cron must have 5 fields (min hour dom mon dow)", i)
		}
		if seen[s.Script] {
			return fmt.Errorf("schedule %d: duplicate schedule for script %s", i, s.Script)
		}
		seen[s.Script] = true
	}
	return nil
}
