package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, ":8080", cfg.HTTP.Addr)
	assert.True(t, cfg.NATS.Embedded)
	assert.Equal(t, 12, cfg.Review.GroupSize)
	assert.Equal(t, 12, cfg.Review.MaxWorkers)
	assert.Equal(t, 12*time.Hour, cfg.Review.TaskInfoTTL)
	assert.Equal(t, 2*time.Hour, cfg.Review.ResultTTL)
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty addr", func(c *Config) { c.HTTP.Addr = "" }},
		{"empty devagent bin", func(c *Config) { c.Review.DevagentBin = "" }},
		{"empty rules project", func(c *Config) { c.Review.RulesProject = "" }},
		{"zero group size", func(c *Config) { c.Review.GroupSize = 0 }},
		{"negative max workers", func(c *Config) { c.Review.MaxWorkers = -1 }},
		{"zero task info ttl", func(c *Config) { c.Review.TaskInfoTTL = 0 }},
		{"zero result ttl", func(c *Config) { c.Review.ResultTTL = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "reviewd.yaml")

	data := `
http:
  addr: ":9090"
nats:
  url: "nats://broker:4222"
review:
  group_size: 4
  max_workers: 8
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0644))

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.HTTP.Addr)
	assert.Equal(t, "nats://broker:4222", cfg.NATS.URL)
	assert.Equal(t, 4, cfg.Review.GroupSize)
	assert.Equal(t, 8, cfg.Review.MaxWorkers)
	// Untouched values keep defaults
	assert.Equal(t, "devagent", cfg.Review.DevagentBin)
}

func TestMergePrecedence(t *testing.T) {
	base := DefaultConfig()

	override := &Config{}
	override.HTTP.Addr = ":7070"
	override.NATS.URL = "nats://other:4222"
	override.Review.GroupSize = 3

	base.Merge(override)

	assert.Equal(t, ":7070", base.HTTP.Addr)
	assert.Equal(t, "nats://other:4222", base.NATS.URL)
	assert.False(t, base.NATS.Embedded, "explicit URL disables embedded mode")
	assert.Equal(t, 3, base.Review.GroupSize)
	// Zero values in the override do not clobber defaults
	assert.Equal(t, 12, base.Review.MaxWorkers)
}

func TestMergeNilIsNoop(t *testing.T) {
	base := DefaultConfig()
	base.Merge(nil)
	assert.Equal(t, ":8080", base.HTTP.Addr)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("REVIEWD_NATS_URL", "nats://env:4222")
	t.Setenv("REVIEWD_SECRET_KEY", "hunter2")

	cfg := DefaultConfig()
	applyEnvOverrides(cfg)

	assert.Equal(t, "nats://env:4222", cfg.NATS.URL)
	assert.False(t, cfg.NATS.Embedded)
	assert.Equal(t, "hunter2", cfg.Auth.Secret)
}
