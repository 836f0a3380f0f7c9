package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	BackendCount  = "count"
	BackendFlight = "flight"

	// SettingsFileName lives in the user's home directory.
	SettingsFileName = ".perplex_settings.json"

	envPrefix = "PERPLEX_"
)

type Config struct {
	// ModelPath is a GGUF file or an Ollama model name.
	ModelPath string

	Backend        string
	BackendAddr    string
	CorpusPath     string
	Smoothing      float64
	RequestTimeout time.Duration

	// TopK is the leaderboard size. Parallelism bounds the goroutines that
	// score materialized distributions; 0 means GOMAXPROCS.
	TopK        int
	Parallelism int

	HTTPAddr       string
	MetricsAddr    string
	RateLimit      float64
	RateBurst      int
	AllowedOrigins []string
	APIKey         string

	LogLevel  string
	LogFormat string
}

// Settings is the persisted part of the configuration.
type Settings struct {
	ModelPath string `json:"model_path,omitempty"`
}

func Default() Config {
	return Config{
		Backend:        BackendCount,
		BackendAddr:    "localhost:8815",
		Smoothing:      0.1,
		RequestTimeout: 30 * time.Second,
		TopK:           5,
		HTTPAddr:       ":8080",
		RateLimit:      5,
		RateBurst:      10,
		AllowedOrigins: []string{"*"},
		LogLevel:       "info",
		LogFormat:      "console",
	}
}

func (c *Config) Validate() error {
	switch c.Backend {
	case BackendCount:
		if c.Smoothing <= 0 {
			return fmt.Errorf("invalid smoothing: %g (must be positive)", c.Smoothing)
		}
	case BackendFlight:
		if c.BackendAddr == "" {
			return fmt.Errorf("invalid backend_addr: empty (required for the flight backend)")
		}
	default:
		return fmt.Errorf("invalid backend: %q (must be %q or %q)", c.Backend, BackendCount, BackendFlight)
	}
	if c.RequestTimeout < 0 {
		return fmt.Errorf("invalid request_timeout: %s (must be non-negative)", c.RequestTimeout)
	}
	if c.TopK < 1 {
		return fmt.Errorf("invalid top_k: %d (must be at least 1)", c.TopK)
	}
	if c.Parallelism < 0 {
		return fmt.Errorf("invalid parallelism: %d (must be non-negative)", c.Parallelism)
	}
	if c.RateLimit < 0 {
		return fmt.Errorf("invalid rate_limit: %g (must be non-negative)", c.RateLimit)
	}
	if c.RateLimit > 0 && c.RateBurst <= 0 {
		return fmt.Errorf("invalid rate_burst: %d (must be positive when rate_limit is set)", c.RateBurst)
	}
	switch strings.ToLower(c.LogFormat) {
	case "console", "json":
	default:
		return fmt.Errorf("invalid log_format: %q (must be console or json)", c.LogFormat)
	}
	return nil
}

// Load layers defaults, the settings file, a .env file and PERPLEX_*
// environment variables, in that order. Flags are applied by the caller.
func Load() (Config, error) {
	cfg := Default()

	path, err := SettingsPath()
	if err == nil {
		s, err := LoadSettings(path)
		if err != nil {
			return cfg, err
		}
		if s.ModelPath != "" {
			cfg.ModelPath = s.ModelPath
		}
	}

	if err := loadEnvFile(); err != nil {
		return cfg, fmt.Errorf("load .env: %w", err)
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(envPrefix + key); ok && v != "" {
			*dst = v
		}
	}
	str("MODEL", &c.ModelPath)
	str("BACKEND", &c.Backend)
	str("BACKEND_ADDR", &c.BackendAddr)
	str("CORPUS", &c.CorpusPath)
	str("HTTP_ADDR", &c.HTTPAddr)
	str("METRICS_ADDR", &c.MetricsAddr)
	str("API_KEY", &c.APIKey)
	str("LOG_LEVEL", &c.LogLevel)
	str("LOG_FORMAT", &c.LogFormat)

	if v, ok := lookup(envPrefix + "ALLOWED_ORIGINS"); ok && v != "" {
		c.AllowedOrigins = splitList(v)
	}
	if v, ok := lookup(envPrefix + "SMOOTHING"); ok && v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("invalid %sSMOOTHING: %w", envPrefix, err)
		}
		c.Smoothing = f
	}
	if v, ok := lookup(envPrefix + "RATE_LIMIT"); ok && v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("invalid %sRATE_LIMIT: %w", envPrefix, err)
		}
		c.RateLimit = f
	}
	for key, dst := range map[string]*int{"TOP_K": &c.TopK, "PARALLELISM": &c.Parallelism} {
		if v, ok := lookup(envPrefix + key); ok && v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("invalid %s%s: %w", envPrefix, key, err)
			}
			*dst = n
		}
	}
	if v, ok := lookup(envPrefix + "RATE_BURST"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %sRATE_BURST: %w", envPrefix, err)
		}
		c.RateBurst = n
	}
	if v, ok := lookup(envPrefix + "REQUEST_TIMEOUT"); ok && v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid %sREQUEST_TIMEOUT: %w", envPrefix, err)
		}
		c.RequestTimeout = d
	}
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// SettingsPath returns the settings file location in the home directory.
func SettingsPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, SettingsFileName), nil
}

// LoadSettings reads the settings file. A missing file yields empty
// settings.
func LoadSettings(path string) (Settings, error) {
	var s Settings
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return s, err
	}
	if err := json.Unmarshal(data, &s); err != nil {
		return s, fmt.Errorf("parse %s: %w", path, err)
	}
	return s, nil
}

// SaveSettings writes s to path as indented JSON.
func SaveSettings(path string, s Settings) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// loadEnvFile loads the nearest .env in the working directory or up to
// four of its parents.
func loadEnvFile() error {
	dir, err := os.Getwd()
	if err != nil {
		return err
	}

	for i := 0; i < 5; i++ {
		envPath := filepath.Join(dir, ".env")
		if _, err := os.Stat(envPath); err == nil {
			return godotenv.Load(envPath)
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return nil
}
