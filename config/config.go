package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"
)

var (
	cfg     *Config
	cfgOnce sync.Once
	cfgErr  error
)

// Get returns the global config, loading it on first call.
// Panics if config loading fails.
func Get() *Config {
	// If config was set via SetForTesting, return it directly
	if cfg != nil {
		return cfg
	}
	cfgOnce.Do(func() {
		cfg, cfgErr = Load()
	})
	if cfgErr != nil {
		panic(fmt.Sprintf("failed to load config: %v", cfgErr))
	}
	return cfg
}

// MustLoad loads config and panics on error. Call once at startup.
func MustLoad() {
	_ = Get()
}

// SetForTesting sets a custom config for testing purposes.
// This bypasses the sync.Once and allows tests to configure the global config.
// Only use in tests.
func SetForTesting(c *Config) {
	cfg = c
	cfgErr = nil
}

// Config holds all configuration for the balance query engine.
type Config struct {
	Store  StoreConfig
	Engine EngineConfig
	Writer WriterConfig
	Source SourceConfig
	Log    LogConfig
}

// StoreConfig holds SQLite durable-tier configuration.
type StoreConfig struct {
	Path string
}

// EngineConfig holds the tunable thresholds of the coalescing engine.
// The defaults were chosen empirically; treat them as knobs, not invariants.
type EngineConfig struct {
	MaxGridPeriods int           // Maximum distinct periods in one grid plan (default 24)
	MaxPeriodGap   int           // Maximum gap between consecutive grid periods, in months (default 2)
	BatchDebounce  time.Duration // Window a batch group collects arrivals before firing (default 500ms)
	BatchChunkSize int           // Maximum keys per backend batch call (default 100)
	OpenPeriodTTL  time.Duration // Cache TTL for the current open period (default 5m)
	MemCacheSize   int           // Maximum entries in the memory cache tier (default 50000)
}

// WriterConfig holds configuration for the coalesced durable writer.
type WriterConfig struct {
	FlushInterval time.Duration // How often pending writes are merged to disk (default 1s)
	MaxPending    int           // Hard cap on pending items before fail-fast clearing (default 1000)
}

// SourceConfig holds backend data source client configuration.
type SourceConfig struct {
	RateLimit float64 // Backend calls per second, 0 disables limiting (default 4)
	RateBurst int     // Burst allowance for the rate limiter (default 8)
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string
	Format string
}

// Default returns a Config with all default values.
func Default() *Config {
	homeDir, _ := os.UserHomeDir()

	return &Config{
		Store: StoreConfig{
			Path: filepath.Join(homeDir, ".balancegrid", "cache.db"),
		},
		Engine: EngineConfig{
			MaxGridPeriods: 24,
			MaxPeriodGap:   2,
			BatchDebounce:  500 * time.Millisecond,
			BatchChunkSize: 100,
			OpenPeriodTTL:  5 * time.Minute,
			MemCacheSize:   50000,
		},
		Writer: WriterConfig{
			FlushInterval: 1 * time.Second,
			MaxPending:    1000,
		},
		Source: SourceConfig{
			RateLimit: 4,
			RateBurst: 8,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads configuration from environment variables.
// Returns an error for invalid values.
func Load() (*Config, error) {
	cfg := Default()

	// Store configuration
	if path := os.Getenv("BALANCEGRID_SQLITE_PATH"); path != "" {
		cfg.Store.Path = path
	}

	// Engine configuration
	if v := os.Getenv("GRID_MAX_PERIODS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid GRID_MAX_PERIODS %q: %w", v, err)
		}
		cfg.Engine.MaxGridPeriods = n
	}

	if v := os.Getenv("GRID_MAX_GAP"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid GRID_MAX_GAP %q: %w", v, err)
		}
		cfg.Engine.MaxPeriodGap = n
	}

	if v := os.Getenv("BATCH_DEBOUNCE"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("invalid BATCH_DEBOUNCE %q: %w", v, err)
		}
		cfg.Engine.BatchDebounce = d
	}

	if v := os.Getenv("BATCH_CHUNK_SIZE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid BATCH_CHUNK_SIZE %q: %w", v, err)
		}
		cfg.Engine.BatchChunkSize = n
	}

	if v := os.Getenv("OPEN_PERIOD_TTL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("invalid OPEN_PERIOD_TTL %q: %w", v, err)
		}
		cfg.Engine.OpenPeriodTTL = d
	}

	if v := os.Getenv("MEM_CACHE_SIZE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid MEM_CACHE_SIZE %q: %w", v, err)
		}
		cfg.Engine.MemCacheSize = n
	}

	// Writer configuration
	if v := os.Getenv("WRITE_FLUSH_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("invalid WRITE_FLUSH_INTERVAL %q: %w", v, err)
		}
		cfg.Writer.FlushInterval = d
	}

	if v := os.Getenv("WRITE_MAX_PENDING"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid WRITE_MAX_PENDING %q: %w", v, err)
		}
		cfg.Writer.MaxPending = n
	}

	// Source configuration
	if v := os.Getenv("SOURCE_RATE_LIMIT"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid SOURCE_RATE_LIMIT %q: %w", v, err)
		}
		cfg.Source.RateLimit = f
	}

	if v := os.Getenv("SOURCE_RATE_BURST"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid SOURCE_RATE_BURST %q: %w", v, err)
		}
		cfg.Source.RateBurst = n
	}

	// Log configuration
	if level := os.Getenv("BALANCEGRID_LOG_LEVEL"); level != "" {
		cfg.Log.Level = level
	}

	if format := os.Getenv("BALANCEGRID_LOG_FORMAT"); format != "" {
		cfg.Log.Format = format
	}

	return cfg, nil
}
