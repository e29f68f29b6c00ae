// Package config loads pdfcombine settings from defaults, an optional YAML
// file and PDFCOMBINE_* environment variables (optionally from .env files).
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/wudi/pdfcombine/security"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "PDFCOMBINE_"

// Config holds all configuration for a merge run.
type Config struct {
	Merge  MergeConfig  `yaml:"merge"`
	Parser ParserConfig `yaml:"parser"`
	Writer WriterConfig `yaml:"writer"`
	Log    LogConfig    `yaml:"log"`
}

// MergeConfig holds page assembly policy.
type MergeConfig struct {
	// ReferenceWidth is the visual width pages are normalized to.
	ReferenceWidth float64 `yaml:"reference_width"`
	// Tolerance is the width difference below which no scaling happens.
	Tolerance float64 `yaml:"tolerance"`
	// AllowEmpty writes an output with zero pages when every item was skipped.
	AllowEmpty bool `yaml:"allow_empty"`
	// Prefetch is the number of sources parsed in parallel before assembly;
	// zero parses lazily in request order.
	Prefetch int `yaml:"prefetch"`
}

// ParserConfig holds source parsing settings.
type ParserConfig struct {
	// Strict disables structural repair of damaged sources.
	Strict bool            `yaml:"strict"`
	Limits security.Limits `yaml:"limits"`
}

// WriterConfig holds output serialization settings.
type WriterConfig struct {
	// Compression is the flate level for new and unfiltered streams; 0
	// disables compression.
	Compression int `yaml:"compression"`
	// Deterministic makes output reproducible: stable /ID and no dates.
	Deterministic bool `yaml:"deterministic"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json or console
}

// DefaultConfig returns the built-in configuration.
func DefaultConfig() *Config {
	return &Config{
		Merge: MergeConfig{
			ReferenceWidth: 595,
			Tolerance:      1.0,
			AllowEmpty:     true,
		},
		Parser: ParserConfig{
			Limits: security.DefaultLimits(),
		},
		Writer: WriterConfig{
			Compression: 6,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads configuration from a YAML file (optional, empty path skips it)
// and applies environment overrides. Values from envFiles are used for
// variables not set in the process environment; missing env files are
// ignored.
func Load(path string, envFiles ...string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	env, err := readEnv(envFiles)
	if err != nil {
		return nil, err
	}
	if err := applyEnvOverrides(cfg, env); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Merge.ReferenceWidth <= 0 {
		return fmt.Errorf("merge.reference_width must be positive, got %g", c.Merge.ReferenceWidth)
	}
	if c.Merge.Tolerance < 0 {
		return fmt.Errorf("merge.tolerance must not be negative, got %g", c.Merge.Tolerance)
	}
	if c.Merge.Prefetch < 0 {
		return fmt.Errorf("merge.prefetch must not be negative, got %d", c.Merge.Prefetch)
	}
	if c.Writer.Compression < -2 || c.Writer.Compression > 9 {
		return fmt.Errorf("writer.compression must be between -2 and 9, got %d", c.Writer.Compression)
	}
	if c.Log.Format != "json" && c.Log.Format != "console" {
		return fmt.Errorf("invalid log format: %s", c.Log.Format)
	}
	return c.Parser.Limits.Validate()
}

type lookupFunc func(key string) (string, bool)

func readEnv(files []string) (lookupFunc, error) {
	fromFiles := make(map[string]string)
	for _, f := range files {
		vals, err := godotenv.Read(f)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("read env file %s: %w", f, err)
		}
		for k, v := range vals {
			if _, seen := fromFiles[k]; !seen {
				fromFiles[k] = v
			}
		}
	}
	return func(key string) (string, bool) {
		if v, ok := os.LookupEnv(key); ok {
			return v, true
		}
		v, ok := fromFiles[key]
		return v, ok
	}, nil
}

// applyEnvOverrides applies PDFCOMBINE_* variables to cfg.
func applyEnvOverrides(cfg *Config, env lookupFunc) error {
	var errs []error
	str := func(name string, dst *string) {
		if v, ok := env(EnvPrefix + name); ok && v != "" {
			*dst = v
		}
	}
	float := func(name string, dst *float64) {
		if v, ok := env(EnvPrefix + name); ok && v != "" {
			f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
				return
			}
			*dst = f
		}
	}
	integer := func(name string, dst *int) {
		if v, ok := env(EnvPrefix + name); ok && v != "" {
			n, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
				return
			}
			*dst = n
		}
	}
	boolean := func(name string, dst *bool) {
		if v, ok := env(EnvPrefix + name); ok && v != "" {
			b, err := strconv.ParseBool(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
				return
			}
			*dst = b
		}
	}

	float("REFERENCE_WIDTH", &cfg.Merge.ReferenceWidth)
	float("TOLERANCE", &cfg.Merge.Tolerance)
	boolean("ALLOW_EMPTY", &cfg.Merge.AllowEmpty)
	integer("PREFETCH", &cfg.Merge.Prefetch)
	boolean("STRICT", &cfg.Parser.Strict)
	integer("COMPRESSION", &cfg.Writer.Compression)
	boolean("DETERMINISTIC", &cfg.Writer.Deterministic)
	str("LOG_LEVEL", &cfg.Log.Level)
	str("LOG_FORMAT", &cfg.Log.Format)

	return errors.Join(errs...)
}
