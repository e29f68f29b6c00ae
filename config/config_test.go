package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 595.0, cfg.Merge.ReferenceWidth)
	assert.Equal(t, 1.0, cfg.Merge.Tolerance)
	assert.True(t, cfg.Merge.AllowEmpty)
	assert.Equal(t, 0, cfg.Merge.Prefetch)
	assert.False(t, cfg.Parser.Strict)
	assert.Equal(t, 2*time.Minute, cfg.Parser.Limits.MaxParseTime)
	assert.Equal(t, 6, cfg.Writer.Compression)
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestLoadYAMLKeepsUnsetDefaults(t *testing.T) {
	path := writeFile(t, "pdfcombine.yaml", `
merge:
  reference_width: 612
  allow_empty: false
parser:
  strict: true
  limits:
    max_xref_depth: 5
    max_parse_time: 30s
writer:
  deterministic: true
log:
  level: debug
  format: console
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 612.0, cfg.Merge.ReferenceWidth)
	assert.Equal(t, 1.0, cfg.Merge.Tolerance)
	assert.False(t, cfg.Merge.AllowEmpty)
	assert.True(t, cfg.Parser.Strict)
	assert.Equal(t, 5, cfg.Parser.Limits.MaxXRefDepth)
	assert.Equal(t, 30*time.Second, cfg.Parser.Limits.MaxParseTime)
	assert.Equal(t, 100, cfg.Parser.Limits.MaxIndirectDepth)
	assert.True(t, cfg.Writer.Deterministic)
	assert.Equal(t, "console", cfg.Log.Format)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("PDFCOMBINE_REFERENCE_WIDTH", "600.5")
	t.Setenv("PDFCOMBINE_PREFETCH", "4")
	t.Setenv("PDFCOMBINE_ALLOW_EMPTY", "false")
	t.Setenv("PDFCOMBINE_LOG_LEVEL", "warn")

	envFile := writeFile(t, ".env", "PDFCOMBINE_PREFETCH=2\nPDFCOMBINE_TOLERANCE=0.5\n")
	cfg, err := Load("", envFile, filepath.Join(t.TempDir(), "missing.env"))
	require.NoError(t, err)

	assert.Equal(t, 600.5, cfg.Merge.ReferenceWidth)
	assert.Equal(t, 4, cfg.Merge.Prefetch, "process environment wins over .env")
	assert.Equal(t, 0.5, cfg.Merge.Tolerance)
	assert.False(t, cfg.Merge.AllowEmpty)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestEnvOverrideRejectsMalformedValues(t *testing.T) {
	t.Setenv("PDFCOMBINE_TOLERANCE", "wide")
	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "PDFCOMBINE_TOLERANCE")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero reference width", func(c *Config) { c.Merge.ReferenceWidth = 0 }},
		{"negative tolerance", func(c *Config) { c.Merge.Tolerance = -1 }},
		{"negative prefetch", func(c *Config) { c.Merge.Prefetch = -2 }},
		{"compression level", func(c *Config) { c.Writer.Compression = 12 }},
		{"log format", func(c *Config) { c.Log.Format = "xml" }},
		{"limits", func(c *Config) { c.Parser.Limits.MaxArraySize = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
	assert.NoError(t, DefaultConfig().Validate())
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}
