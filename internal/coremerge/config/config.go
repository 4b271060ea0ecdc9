// Package config loads the core merger's recognised options (spec §6.3)
// from a YAML file using viper, the way internal/labelmutex/policy.go and
// cmd/bd/config.go load beads' own settings.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/spf13/viper"
)

// MissingDimensionStrategy holds fact.missingDimensionStrategy. The fact
// loader does not read it: each relationship's own MissingStrategy decides,
// and a relationship that declares none gets a null FK column.
type MissingDimensionStrategy string

const (
	StrategyError       MissingDimensionStrategy = "error"
	StrategySkip        MissingDimensionStrategy = "skip"
	StrategyNull        MissingDimensionStrategy = "null"
	StrategyPlaceholder MissingDimensionStrategy = "placeholder"
)

// SCD2Strategy selects between the fingerprint-hash fast path and a
// pure per-field diff (§9 "fingerprint strategy parity").
type SCD2Strategy string

const (
	SCD2StrategyHash  SCD2Strategy = "hash"
	SCD2StrategyField SCD2Strategy = "field"
)

// LogLevel mirrors monitoring.logLevel.
type LogLevel string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

// Config holds every recognised option from spec §6.3, with the section's
// defaults pre-applied.
type Config struct {
	Dimension struct {
		BatchSize       int
		EnableSCD2      bool
		SCD2Strategy    SCD2Strategy
		ChangeThreshold float64 // per-handler default; handlers may override
		Timeout         time.Duration
	}
	Fact struct {
		BatchSize                int
		EnableFKValidation       bool
		MissingDimensionStrategy MissingDimensionStrategy
		UpsertMode               string
	}
	Cache struct {
		EnableDimensionCache bool
		MaxCacheSize         int
		TTL                  time.Duration
		RefreshInterval      time.Duration
	}
	ErrorHandling struct {
		ContinueOnError bool
		MaxErrors       int
		MaxErrorRate    float64
		MaxRetries      int
		RetryDelay      time.Duration
	}
	Monitoring struct {
		EnableMetrics           bool
		EnableProgressTracking  bool
		ProgressUpdateInterval  time.Duration
		LogLevel                LogLevel
	}
}

// Default returns the §6.3 defaults.
func Default() *Config {
	c := &Config{}
	c.Dimension.BatchSize = 500
	c.Dimension.EnableSCD2 = true
	c.Dimension.SCD2Strategy = SCD2StrategyHash
	c.Dimension.ChangeThreshold = 0.45
	c.Dimension.Timeout = 300 * time.Second

	c.Fact.BatchSize = 1000
	c.Fact.EnableFKValidation = true
	c.Fact.MissingDimensionStrategy = StrategySkip
	c.Fact.UpsertMode = "upsert"

	c.Cache.EnableDimensionCache = true
	c.Cache.MaxCacheSize = 1_000_000
	c.Cache.TTL = 300 * time.Second
	c.Cache.RefreshInterval = 60 * time.Second

	c.ErrorHandling.ContinueOnError = true
	c.ErrorHandling.MaxErrors = 1000
	c.ErrorHandling.MaxErrorRate = 0.05
	c.ErrorHandling.MaxRetries = 3
	c.ErrorHandling.RetryDelay = time.Second

	c.Monitoring.EnableMetrics = true
	c.Monitoring.EnableProgressTracking = true
	c.Monitoring.ProgressUpdateInterval = 5 * time.Second
	c.Monitoring.LogLevel = LogLevelInfo
	return c
}

// Load reads a YAML config file and overlays it on top of the §6.3
// defaults. A missing file is not an error — Default() is returned as-is,
// matching ParseMutexGroups' "absent config is not fatal" convention.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	setDefaults(v, cfg)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) || errors.Is(err, fs.ErrNotExist) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read core merger config %q: %w", path, err)
	}

	cfg.Dimension.BatchSize = v.GetInt("dimension.batchSize")
	cfg.Dimension.EnableSCD2 = v.GetBool("dimension.enableSCD2")
	cfg.Dimension.SCD2Strategy = SCD2Strategy(v.GetString("dimension.scd2Strategy"))
	cfg.Dimension.ChangeThreshold = v.GetFloat64("dimension.changeThreshold")
	if ms := v.GetInt64("dimension.timeoutMs"); ms > 0 {
		cfg.Dimension.Timeout = time.Duration(ms) * time.Millisecond
	}

	cfg.Fact.BatchSize = v.GetInt("fact.batchSize")
	cfg.Fact.EnableFKValidation = v.GetBool("fact.enableFKValidation")
	cfg.Fact.MissingDimensionStrategy = MissingDimensionStrategy(v.GetString("fact.missingDimensionStrategy"))
	cfg.Fact.UpsertMode = v.GetString("fact.upsertMode")

	cfg.Cache.EnableDimensionCache = v.GetBool("cache.enableDimensionCache")
	cfg.Cache.MaxCacheSize = v.GetInt("cache.maxCacheSize")
	if ms := v.GetInt64("cache.cacheTtlMs"); ms > 0 {
		cfg.Cache.TTL = time.Duration(ms) * time.Millisecond
	}
	if ms := v.GetInt64("cache.cacheRefreshInterval"); ms > 0 {
		cfg.Cache.RefreshInterval = time.Duration(ms) * time.Millisecond
	}

	cfg.ErrorHandling.ContinueOnError = v.GetBool("errorHandling.continueOnError")
	cfg.ErrorHandling.MaxErrors = v.GetInt("errorHandling.maxErrors")
	cfg.ErrorHandling.MaxErrorRate = v.GetFloat64("errorHandling.maxErrorRate")
	cfg.ErrorHandling.MaxRetries = v.GetInt("errorHandling.maxRetries")
	if ms := v.GetInt64("errorHandling.retryDelayMs"); ms > 0 {
		cfg.ErrorHandling.RetryDelay = time.Duration(ms) * time.Millisecond
	}

	cfg.Monitoring.EnableMetrics = v.GetBool("monitoring.enableMetrics")
	cfg.Monitoring.EnableProgressTracking = v.GetBool("monitoring.enableProgressTracking")
	if ms := v.GetInt64("monitoring.progressUpdateInterval"); ms > 0 {
		cfg.Monitoring.ProgressUpdateInterval = time.Duration(ms) * time.Millisecond
	}
	if lvl := v.GetString("monitoring.logLevel"); lvl != "" {
		cfg.Monitoring.LogLevel = LogLevel(lvl)
	}

	return cfg, nil
}

// setDefaults registers cfg's current values as viper defaults so a config
// file only needs to mention the keys it overrides.
func setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("dimension.batchSize", cfg.Dimension.BatchSize)
	v.SetDefault("dimension.enableSCD2", cfg.Dimension.EnableSCD2)
	v.SetDefault("dimension.scd2Strategy", string(cfg.Dimension.SCD2Strategy))
	v.SetDefault("dimension.changeThreshold", cfg.Dimension.ChangeThreshold)
	v.SetDefault("dimension.timeoutMs", cfg.Dimension.Timeout.Milliseconds())

	v.SetDefault("fact.batchSize", cfg.Fact.BatchSize)
	v.SetDefault("fact.enableFKValidation", cfg.Fact.EnableFKValidation)
	v.SetDefault("fact.missingDimensionStrategy", string(cfg.Fact.MissingDimensionStrategy))
	v.SetDefault("fact.upsertMode", cfg.Fact.UpsertMode)

	v.SetDefault("cache.enableDimensionCache", cfg.Cache.EnableDimensionCache)
	v.SetDefault("cache.maxCacheSize", cfg.Cache.MaxCacheSize)
	v.SetDefault("cache.cacheTtlMs", cfg.Cache.TTL.Milliseconds())
	v.SetDefault("cache.cacheRefreshInterval", cfg.Cache.RefreshInterval.Milliseconds())

	v.SetDefault("errorHandling.continueOnError", cfg.ErrorHandling.ContinueOnError)
	v.SetDefault("errorHandling.maxErrors", cfg.ErrorHandling.MaxErrors)
	v.SetDefault("errorHandling.maxErrorRate", cfg.ErrorHandling.MaxErrorRate)
	v.SetDefault("errorHandling.maxRetries", cfg.ErrorHandling.MaxRetries)
	v.SetDefault("errorHandling.retryDelayMs", cfg.ErrorHandling.RetryDelay.Milliseconds())

	v.SetDefault("monitoring.enableMetrics", cfg.Monitoring.EnableMetrics)
	v.SetDefault("monitoring.enableProgressTracking", cfg.Monitoring.EnableProgressTracking)
	v.SetDefault("monitoring.progressUpdateInterval", cfg.Monitoring.ProgressUpdateInterval.Milliseconds())
	v.SetDefault("monitoring.logLevel", string(cfg.Monitoring.LogLevel))
}
