package config

import (
	"fmt"
	"kinewatchd/internal/heatmap"
	"kinewatchd/internal/rate"
	"kinewatchd/internal/scheduler"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the fully processed daemon configuration.
type Config struct {
	ListenAddr   string
	LogLevel     string
	LogFormat    string
	DatabasePath string
	UserAgent    string

	// SnapshotURL is where players without pushed graphics fetch a snapshot from.
	// "{player}" is replaced by the player id. Empty disables remote snapshots.
	SnapshotURL string

	// Rate is the speed range used until the store provides one.
	Rate        rate.Config
	Backoff     scheduler.Backoff
	Calibration heatmap.Calibration

	ExtractWorkers        int
	CacheEvictionInterval time.Duration
	ShutdownTimeout       time.Duration
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		ListenAddr:            ":8686",
		LogLevel:              "info",
		LogFormat:             "text",
		DatabasePath:          "data/kinewatch.db",
		UserAgent:             "kinewatchd/1.0",
		Rate:                  rate.Default,
		Backoff:               scheduler.DefaultBackoff,
		Calibration:           heatmap.DefaultCalibration,
		ExtractWorkers:        4,
		CacheEvictionInterval: 30 * time.Second,
		ShutdownTimeout:       5 * time.Second,
	}
}

type rawBackoff struct {
	Base   string  `yaml:"base"`
	Factor float64 `yaml:"factor"`
	Max    string  `yaml:"max"`
}

type rawCalibration struct {
	X0    *float64 `yaml:"x0"`
	XSpan *float64 `yaml:"xSpan"`
	YMax  *float64 `yaml:"yMax"`
}

// rawConfig is the intermediate structure that maps directly to the YAML file.
type rawConfig struct {
	Listen      string          `yaml:"listen"`
	LogLevel    string          `yaml:"logLevel"`
	LogFormat   string          `yaml:"logFormat"`
	Database    string          `yaml:"database"`
	UserAgent   string          `yaml:"userAgent"`
	SnapshotURL string          `yaml:"snapshotURL"`
	Rate        rate.Patch      `yaml:"rate"`
	Backoff     *rawBackoff     `yaml:"backoff"`
	Calibration *rawCalibration `yaml:"calibration"`
	Workers     int             `yaml:"extractWorkers"`
	Eviction    string          `yaml:"cacheEvictionInterval"`
	Shutdown    string          `yaml:"shutdownTimeout"`
}

// LoadConfig reads the YAML file at path, if any, and applies KINEWATCH_*
// environment overrides on top of it.
func LoadConfig(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file at %s: %w", path, err)
		}
		if err := Parse(data, cfg); err != nil {
			return nil, err
		}
	}
	if err := ApplyEnv(cfg, os.LookupEnv); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse merges a YAML document into cfg. Keys that are absent keep their value.
func Parse(data []byte, cfg *Config) error {
	var raw rawConfig
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("failed to unmarshal config YAML: %w", err)
	}

	setString(&cfg.ListenAddr, raw.Listen)
	setString(&cfg.LogLevel, raw.LogLevel)
	setString(&cfg.LogFormat, raw.LogFormat)
	setString(&cfg.DatabasePath, raw.Database)
	setString(&cfg.UserAgent, raw.UserAgent)
	if raw.SnapshotURL != "" {
		if err := checkSnapshotURL(raw.SnapshotURL); err != nil {
			return err
		}
		cfg.SnapshotURL = raw.SnapshotURL
	}
	cfg.Rate = cfg.Rate.Apply(raw.Rate)

	if raw.Workers > 0 {
		cfg.ExtractWorkers = raw.Workers
	}
	if err := setDuration(&cfg.CacheEvictionInterval, raw.Eviction, "cacheEvictionInterval"); err != nil {
		return err
	}
	if err := setDuration(&cfg.ShutdownTimeout, raw.Shutdown, "shutdownTimeout"); err != nil {
		return err
	}

	if rb := raw.Backoff; rb != nil {
		b := cfg.Backoff
		if err := setDuration(&b.Base, rb.Base, "backoff.base"); err != nil {
			return err
		}
		if err := setDuration(&b.Max, rb.Max, "backoff.max"); err != nil {
			return err
		}
		if rb.Factor != 0 {
			b.Factor = rb.Factor
		}
		if b.Base <= 0 || b.Factor < 1 || b.Max < b.Base {
			return fmt.Errorf("invalid backoff: base %v, factor %g, max %v", b.Base, b.Factor, b.Max)
		}
		cfg.Backoff = b
	}

	if rc := raw.Calibration; rc != nil {
		c := cfg.Calibration
		if rc.X0 != nil {
			c.X0 = *rc.X0
		}
		if rc.XSpan != nil {
			c.XSpan = *rc.XSpan
		}
		if rc.YMax != nil {
			c.YMax = *rc.YMax
		}
		// An unusable calibration silently falls back to the player's convention.
		cfg.Calibration = c.OrDefault()
	}
	return nil
}

// ApplyEnv overrides cfg from environment variables looked up with lookup.
func ApplyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	get := func(key string) (string, bool) {
		v, ok := lookup(key)
		v = strings.TrimSpace(v)
		return v, ok && v != ""
	}

	if v, ok := get("KINEWATCH_LISTEN"); ok {
		cfg.ListenAddr = v
	}
	if v, ok := get("KINEWATCH_LOG_LEVEL"); ok {
		cfg.LogLevel = v
	}
	if v, ok := get("KINEWATCH_LOG_FORMAT"); ok {
		cfg.LogFormat = v
	}
	if v, ok := get("KINEWATCH_DB"); ok {
		cfg.DatabasePath = v
	}
	if v, ok := get("KINEWATCH_USER_AGENT"); ok {
		cfg.UserAgent = v
	}
	if v, ok := get("KINEWATCH_SNAPSHOT_URL"); ok {
		if err := checkSnapshotURL(v); err != nil {
			return err
		}
		cfg.SnapshotURL = v
	}

	var patch rate.Patch
	for key, dst := range map[string]**float64{
		"KINEWATCH_MIN_SPEED": &patch.MinSpeed,
		"KINEWATCH_MAX_SPEED": &patch.MaxSpeed,
	} {
		v, ok := get(key)
		if !ok {
			continue
		}
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", key, v, err)
		}
		*dst = &f
	}
	cfg.Rate = cfg.Rate.Apply(patch)

	if v, ok := get("KINEWATCH_EXTRACT_WORKERS"); ok {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return fmt.Errorf("invalid KINEWATCH_EXTRACT_WORKERS %q", v)
		}
		cfg.ExtractWorkers = n
	}
	return nil
}

func checkSnapshotURL(v string) error {
	u, err := url.Parse(strings.ReplaceAll(v, "{player}", "x"))
	if err != nil {
		return fmt.Errorf("invalid snapshotURL %q: %w", v, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("invalid snapshotURL %q: want an http(s) URL", v)
	}
	return nil
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setDuration(dst *time.Duration, v, name string) error {
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("invalid %s %q: %w", name, v, err)
	}
	if d <= 0 {
		return fmt.Errorf("invalid %s %q: must be positive", name, v)
	}
	*dst = d
	return nil
}
