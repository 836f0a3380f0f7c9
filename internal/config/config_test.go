package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, BackendCount, cfg.Backend)
	assert.Equal(t, 0.1, cfg.Smoothing)
	assert.Equal(t, 30*time.Second, cfg.RequestTimeout)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, 5, cfg.TopK)
	assert.NoError(t, cfg.Validate())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"valid default", func(c *Config) {}, ""},
		{"unknown backend", func(c *Config) { c.Backend = "gpu" }, "invalid backend"},
		{"zero smoothing", func(c *Config) { c.Smoothing = 0 }, "invalid smoothing"},
		{"flight without address", func(c *Config) {
			c.Backend = BackendFlight
			c.BackendAddr = ""
		}, "invalid backend_addr"},
		{"flight ignores smoothing", func(c *Config) {
			c.Backend = BackendFlight
			c.Smoothing = 0
		}, ""},
		{"negative timeout", func(c *Config) { c.RequestTimeout = -time.Second }, "invalid request_timeout"},
		{"negative rate", func(c *Config) { c.RateLimit = -1 }, "invalid rate_limit"},
		{"rate without burst", func(c *Config) { c.RateBurst = 0 }, "invalid rate_burst"},
		{"rate disabled without burst", func(c *Config) {
			c.RateLimit = 0
			c.RateBurst = 0
		}, ""},
		{"bad log format", func(c *Config) { c.LogFormat = "xml" }, "invalid log_format"},
		{"zero top k", func(c *Config) { c.TopK = 0 }, "invalid top_k"},
		{"negative parallelism", func(c *Config) { c.Parallelism = -1 }, "invalid parallelism"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"PERPLEX_MODEL":           "llama3:8b",
		"PERPLEX_BACKEND":         "flight",
		"PERPLEX_BACKEND_ADDR":    "inference:9000",
		"PERPLEX_SMOOTHING":       "0.5",
		"PERPLEX_RATE_LIMIT":      "2.5",
		"PERPLEX_RATE_BURST":      "4",
		"PERPLEX_REQUEST_TIMEOUT": "2m",
		"PERPLEX_ALLOWED_ORIGINS": "http://a.test, http://b.test,",
		"PERPLEX_LOG_FORMAT":      "json",
		"PERPLEX_TOP_K":           "10",
		"PERPLEX_PARALLELISM":     "2",
	}
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}

	cfg := Default()
	require.NoError(t, cfg.applyEnv(lookup))

	assert.Equal(t, "llama3:8b", cfg.ModelPath)
	assert.Equal(t, BackendFlight, cfg.Backend)
	assert.Equal(t, "inference:9000", cfg.BackendAddr)
	assert.Equal(t, 0.5, cfg.Smoothing)
	assert.Equal(t, 2.5, cfg.RateLimit)
	assert.Equal(t, 4, cfg.RateBurst)
	assert.Equal(t, 2*time.Minute, cfg.RequestTimeout)
	assert.Equal(t, []string{"http://a.test", "http://b.test"}, cfg.AllowedOrigins)
	assert.Equal(t, "json", cfg.LogFormat)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, 10, cfg.TopK)
	assert.Equal(t, 2, cfg.Parallelism)
}

func TestApplyEnvInvalidNumbers(t *testing.T) {
	for _, key := range []string{"PERPLEX_SMOOTHING", "PERPLEX_RATE_LIMIT", "PERPLEX_RATE_BURST", "PERPLEX_REQUEST_TIMEOUT", "PERPLEX_TOP_K"} {
		t.Run(key, func(t *testing.T) {
			cfg := Default()
			err := cfg.applyEnv(func(k string) (string, bool) {
				if k == key {
					return "not-a-number", true
				}
				return "", false
			})
			assert.Error(t, err)
		})
	}
}

func TestSettingsRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), SettingsFileName)

	s, err := LoadSettings(path)
	require.NoError(t, err)
	assert.Empty(t, s.ModelPath)

	require.NoError(t, SaveSettings(path, Settings{ModelPath: "/models/tiny.gguf"}))

	s, err = LoadSettings(path)
	require.NoError(t, err)
	assert.Equal(t, "/models/tiny.gguf", s.ModelPath)
}

func TestLoadSettingsCorrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), SettingsFileName)
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	_, err := LoadSettings(path)
	assert.Error(t, err)
}

func TestLoadLayersSources(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	require.NoError(t, SaveSettings(filepath.Join(home, SettingsFileName), Settings{ModelPath: "/from/settings.gguf"}))

	work := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(work, ".env"), []byte("PERPLEX_LOG_LEVEL=debug\nPERPLEX_METRICS_ADDR=:9100\n"), 0o644))
	t.Chdir(work)

	t.Setenv("PERPLEX_LOG_LEVEL", "warn")
	// Registered so the value loaded from .env is removed after the test.
	t.Setenv("PERPLEX_METRICS_ADDR", "")
	require.NoError(t, os.Unsetenv("PERPLEX_METRICS_ADDR"))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "/from/settings.gguf", cfg.ModelPath)
	assert.Equal(t, ":9100", cfg.MetricsAddr)
	// Variables already set win over .env.
	assert.Equal(t, "warn", cfg.LogLevel)
}

func TestLoadMalformedEnvFile(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	work := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(work, ".env"), []byte("PERPLEX-MODEL=x.gguf\n"), 0o644))
	t.Chdir(work)

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "load .env")
}
