package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type ServerConfig struct {
	Host         string `yaml:"host" json:"host"`
	Port         int    `yaml:"port" json:"port"`
	ReadTimeout  int    `yaml:"read_timeout" json:"read_timeout"`   // seconds
	WriteTimeout int    `yaml:"write_timeout" json:"write_timeout"` // seconds
	RefetchRate  int    `yaml:"refetch_rate" json:"refetch_rate"`   // refetches per minute per client
	RefetchBurst int    `yaml:"refetch_burst" json:"refetch_burst"`
}

type CacheConfig struct {
	MemorySize       int    `yaml:"memory_size" json:"memory_size"` // entries
	MemoryTTL        int    `yaml:"memory_ttl" json:"memory_ttl"`   // seconds
	RedisAddr        string `yaml:"redis_addr,omitempty" json:"redis_addr,omitempty"`
	RedisDB          int    `yaml:"redis_db,omitempty" json:"redis_db,omitempty"`
	RedisTTL         int    `yaml:"redis_ttl,omitempty" json:"redis_ttl,omitempty"` // seconds, 0 keeps forever
	Backend          string `yaml:"backend" json:"backend"`                         // sqlite or postgres
	Path             string `yaml:"path" json:"path"`
	PostgresDSN      string `yaml:"postgres_dsn,omitempty" json:"postgres_dsn,omitempty"`
	NegativeTTL      int    `yaml:"negative_ttl" json:"negative_ttl"` // seconds, 0 disables
	BreakerThreshold int    `yaml:"breaker_threshold" json:"breaker_threshold"`
	BreakerTimeout   int    `yaml:"breaker_timeout" json:"breaker_timeout"` // seconds
}

type QueryConfig struct {
	MaxCachedItems int     `yaml:"max_cached_items" json:"max_cached_items"`
	PruneChance    float64 `yaml:"prune_chance" json:"prune_chance"`
	LockTTL        int     `yaml:"lock_ttl" json:"lock_ttl"`         // seconds
	LockTimeout    int     `yaml:"lock_timeout" json:"lock_timeout"` // seconds
	WriteRetries   int     `yaml:"write_retries" json:"write_retries"`
}

type PrecomputeConfig struct {
	Interval       int `yaml:"interval" json:"interval"`               // seconds
	SweepInterval  int `yaml:"sweep_interval" json:"sweep_interval"`   // seconds
	ActivityWindow int `yaml:"activity_window" json:"activity_window"` // seconds
	Concurrency    int `yaml:"concurrency" json:"concurrency"`
	RetryCount     int `yaml:"retry_count" json:"retry_count"`
	RetryDelay     int `yaml:"retry_delay" json:"retry_delay"` // seconds
	Timeout        int `yaml:"timeout" json:"timeout"`         // seconds per job
}

type StoreConfig struct {
	Backend string `yaml:"backend" json:"backend"` // memory, sqlite or postgres
	Path    string `yaml:"path,omitempty" json:"path,omitempty"`
	DSN     string `yaml:"dsn,omitempty" json:"dsn,omitempty"`
}

type LogConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"` // json or console
}

type Config struct {
	// Admin HTTP server
	Server ServerConfig `yaml:"server" json:"server"`

	// Cache tiers, fastest first
	Cache CacheConfig `yaml:"cache" json:"cache"`

	// Cached query behaviour
	Query QueryConfig `yaml:"query" json:"query"`

	// Batch recompute of precomputed queries
	Precompute PrecomputeConfig `yaml:"precompute" json:"precompute"`

	// Primary store queries are recomputed from
	Store StoreConfig `yaml:"store" json:"store"`

	Log LogConfig `yaml:"log" json:"log"`
}

// Default returns default configuration
func Default() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		Server: ServerConfig{
			Host:         "127.0.0.1",
			Port:         9012,
			ReadTimeout:  15,
			WriteTimeout: 15,
			RefetchRate:  30,
			RefetchBurst: 5,
		},
		Cache: CacheConfig{
			MemorySize:       10000,
			MemoryTTL:        300,
			Backend:          "sqlite",
			Path:             filepath.Join(home, ".querycached", "cache.db"),
			BreakerThreshold: 5,
			BreakerTimeout:   30,
		},
		Query: QueryConfig{
			MaxCachedItems: 1000,
			PruneChance:    0.1,
			LockTTL:        30,
			LockTimeout:    30,
			WriteRetries:   3,
		},
		Precompute: PrecomputeConfig{
			Interval:       86400, // 24 hours
			SweepInterval:  3600,
			ActivityWindow: 86400,
			Concurrency:    5,
			RetryCount:     2,
			RetryDelay:     1,
			Timeout:        120,
		},
		Store: StoreConfig{
			Backend: "sqlite",
			Path:    filepath.Join(home, ".querycached", "store.db"),
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Normalize fills every unset field with its default
func (c *Config) Normalize() {
	d := Default()

	if c.Server.Host == "" {
		c.Server.Host = d.Server.Host
	}
	if c.Server.Port == 0 {
		c.Server.Port = d.Server.Port
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = d.Server.ReadTimeout
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = d.Server.WriteTimeout
	}
	if c.Server.RefetchRate == 0 {
		c.Server.RefetchRate = d.Server.RefetchRate
	}
	if c.Server.RefetchBurst == 0 {
		c.Server.RefetchBurst = d.Server.RefetchBurst
	}

	if c.Cache.MemorySize == 0 {
		c.Cache.MemorySize = d.Cache.MemorySize
	}
	if c.Cache.Backend == "" {
		c.Cache.Backend = d.Cache.Backend
	}
	if c.Cache.Backend == "sqlite" && c.Cache.Path == "" {
		c.Cache.Path = d.Cache.Path
	}
	if c.Cache.BreakerThreshold == 0 {
		c.Cache.BreakerThreshold = d.Cache.BreakerThreshold
	}
	if c.Cache.BreakerTimeout == 0 {
		c.Cache.BreakerTimeout = d.Cache.BreakerTimeout
	}

	if c.Query.MaxCachedItems == 0 {
		c.Query.MaxCachedItems = d.Query.MaxCachedItems
	}
	if c.Query.PruneChance == 0 {
		c.Query.PruneChance = d.Query.PruneChance
	}
	if c.Query.LockTTL == 0 {
		c.Query.LockTTL = d.Query.LockTTL
	}
	if c.Query.LockTimeout == 0 {
		c.Query.LockTimeout = d.Query.LockTimeout
	}
	if c.Query.WriteRetries == 0 {
		c.Query.WriteRetries = d.Query.WriteRetries
	}

	if c.Precompute.Interval == 0 {
		c.Precompute.Interval = d.Precompute.Interval
	}
	if c.Precompute.SweepInterval == 0 {
		c.Precompute.SweepInterval = d.Precompute.SweepInterval
	}
	if c.Precompute.ActivityWindow == 0 {
		c.Precompute.ActivityWindow = d.Precompute.ActivityWindow
	}
	if c.Precompute.Concurrency == 0 {
		c.Precompute.Concurrency = d.Precompute.Concurrency
	}
	if c.Precompute.Timeout == 0 {
		c.Precompute.Timeout = d.Precompute.Timeout
	}

	if c.Store.Backend == "" {
		c.Store.Backend = d.Store.Backend
	}
	if c.Store.Backend == "sqlite" && c.Store.Path == "" {
		c.Store.Path = d.Store.Path
	}

	if c.Log.Level == "" {
		c.Log.Level = d.Log.Level
	}
	if c.Log.Format == "" {
		c.Log.Format = d.Log.Format
	}
}

// Validate reports settings that cannot work together
func (c *Config) Validate() error {
	switch c.Cache.Backend {
	case "sqlite":
	case "postgres":
		if c.Cache.PostgresDSN == "" {
			return fmt.Errorf("cache.postgres_dsn is required for the postgres backend")
		}
	default:
		return fmt.Errorf("invalid cache backend: %s (must be sqlite or postgres)", c.Cache.Backend)
	}
	switch c.Store.Backend {
	case "memory", "sqlite":
	case "postgres":
		if c.Store.DSN == "" {
			return fmt.Errorf("store.dsn is required for the postgres backend")
		}
	default:
		return fmt.Errorf("invalid store backend: %s (must be memory, sqlite or postgres)", c.Store.Backend)
	}
	if c.Query.PruneChance < 0 || c.Query.PruneChance > 1 {
		return fmt.Errorf("query.prune_chance must be between 0 and 1, got %v", c.Query.PruneChance)
	}
	if c.Query.MaxCachedItems < 0 {
		return fmt.Errorf("query.max_cached_items must be positive")
	}
	return nil
}

// Load reads configuration from file (supports both YAML and JSON)
func Load() (*Config, error) {
	// Try config.json first
	if data, err := os.ReadFile(ConfigJSONPath()); err == nil {
		return parse(data, json.Unmarshal, "config.json")
	}

	data, err := os.ReadFile(ConfigPath())
	if err != nil {
		if os.IsNotExist(err) {
			// Return default config if file doesn't exist
			return Default(), nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return parse(data, yaml.Unmarshal, "config")
}

// LoadFile reads configuration from an explicit path
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if strings.HasSuffix(path, ".json") {
		return parse(data, json.Unmarshal, path)
	}
	return parse(data, yaml.Unmarshal, path)
}

func parse(data []byte, unmarshal func([]byte, any) error, name string) (*Config, error) {
	var cfg Config
	if err := unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", name, err)
	}
	cfg.Normalize()
	return &cfg, nil
}

// Save writes configuration to file
func Save(cfg *Config) error {
	path := ConfigPath()

	// Ensure directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Dir returns ~/.querycached
func Dir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".querycached")
}

// ConfigPath returns the path to the YAML config file
func ConfigPath() string {
	return filepath.Join(Dir(), "config.yml")
}

// ConfigJSONPath returns the path to the JSON config file
func ConfigJSONPath() string {
	// Check current directory first
	if _, err := os.Stat("config.json"); err == nil {
		return "config.json"
	}
	return filepath.Join(Dir(), "config.json")
}

// Set updates a configuration value
func (c *Config) Set(key, value string) error {
	switch key {
	case "server.host":
		c.Server.Host = value
	case "server.port":
		return setInt(&c.Server.Port, "port", value)
	case "server.read_timeout":
		return setInt(&c.Server.ReadTimeout, "timeout", value)
	case "server.write_timeout":
		return setInt(&c.Server.WriteTimeout, "timeout", value)
	case "server.refetch_rate":
		return setInt(&c.Server.RefetchRate, "rate", value)
	case "server.refetch_burst":
		return setInt(&c.Server.RefetchBurst, "burst", value)

	case "cache.memory_size":
		return setInt(&c.Cache.MemorySize, "size", value)
	case "cache.memory_ttl":
		return setInt(&c.Cache.MemoryTTL, "TTL", value)
	case "cache.redis_addr":
		c.Cache.RedisAddr = value
	case "cache.redis_db":
		return setInt(&c.Cache.RedisDB, "database", value)
	case "cache.redis_ttl":
		return setInt(&c.Cache.RedisTTL, "TTL", value)
	case "cache.backend":
		if value != "sqlite" && value != "postgres" {
			return fmt.Errorf("invalid cache backend: %s (must be sqlite or postgres)", value)
		}
		c.Cache.Backend = value
	case "cache.path":
		c.Cache.Path = value
	case "cache.postgres_dsn":
		c.Cache.PostgresDSN = value
	case "cache.negative_ttl":
		return setInt(&c.Cache.NegativeTTL, "TTL", value)
	case "cache.breaker_threshold":
		return setInt(&c.Cache.BreakerThreshold, "threshold", value)
	case "cache.breaker_timeout":
		return setInt(&c.Cache.BreakerTimeout, "timeout", value)

	case "query.max_cached_items":
		return setInt(&c.Query.MaxCachedItems, "item count", value)
	case "query.prune_chance":
		p, err := strconv.ParseFloat(value, 64)
		if err != nil || p < 0 || p > 1 {
			return fmt.Errorf("invalid prune chance: %s", value)
		}
		c.Query.PruneChance = p
	case "query.lock_ttl":
		return setInt(&c.Query.LockTTL, "TTL", value)
	case "query.lock_timeout":
		return setInt(&c.Query.LockTimeout, "timeout", value)
	case "query.write_retries":
		return setInt(&c.Query.WriteRetries, "retry count", value)

	case "precompute.interval":
		return setInt(&c.Precompute.Interval, "interval", value)
	case "precompute.sweep_interval":
		return setInt(&c.Precompute.SweepInterval, "interval", value)
	case "precompute.activity_window":
		return setInt(&c.Precompute.ActivityWindow, "window", value)
	case "precompute.concurrency":
		return setInt(&c.Precompute.Concurrency, "concurrency", value)
	case "precompute.retry_count":
		return setInt(&c.Precompute.RetryCount, "retry count", value)
	case "precompute.retry_delay":
		return setInt(&c.Precompute.RetryDelay, "delay", value)
	case "precompute.timeout":
		return setInt(&c.Precompute.Timeout, "timeout", value)

	case "store.backend":
		if value != "memory" && value != "sqlite" && value != "postgres" {
			return fmt.Errorf("invalid store backend: %s (must be memory, sqlite or postgres)", value)
		}
		c.Store.Backend = value
	case "store.path":
		c.Store.Path = value
	case "store.dsn":
		c.Store.DSN = value

	case "log.level":
		c.Log.Level = value
	case "log.format":
		if value != "json" && value != "console" {
			return fmt.Errorf("invalid log format: %s (must be json or console)", value)
		}
		c.Log.Format = value
	default:
		return fmt.Errorf("unknown config key: %s", key)
	}
	return nil
}

func setInt(dst *int, what, value string) error {
	n, err := strconv.Atoi(value)
	if err != nil {
		return fmt.Errorf("invalid %s value: %s", what, value)
	}
	*dst = n
	return nil
}

// Seconds converts a seconds field into a duration.
func Seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

// ToJSON converts config to JSON
func (c *Config) ToJSON() ([]byte, error) {
	return json.MarshalIndent(c, "", "  ")
}
