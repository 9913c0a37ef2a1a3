// Package config loads distwatch settings.
//
// Values are layered: built-in defaults, then a TOML file, then DISTWATCH_*
// environment variables. Command-line flags are applied last by the CLI.
//
//	registry = "https://registry.npmjs.org"
//	tags = ["latest", "beta"]
//	period = "20s"
//	fallback = true
//
//	[cache]
//	backend = "redis"
//	redis_addr = "localhost:6379"
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/charmbracelet/log"
	"github.com/kelseyhightower/envconfig"

	"github.com/matzehuels/distwatch/pkg/cleanup"
	"github.com/matzehuels/distwatch/pkg/poller"
	"github.com/matzehuels/distwatch/pkg/registry"
)

// EnvPrefix prefixes every environment variable, e.g. DISTWATCH_REGISTRY.
const EnvPrefix = "distwatch"

// Cache backends.
const (
	CacheFile  = "file"
	CacheNone  = "none"
	CacheRedis = "redis"
	CacheMongo = "mongo"
)

// Config holds all settings.
type Config struct {
	Registry      string        `toml:"registry" envconfig:"REGISTRY"`
	CDNRegistry   string        `toml:"cdn_registry" envconfig:"CDN_REGISTRY"`
	Tags          []string      `toml:"tags" envconfig:"TAGS"`
	Period        time.Duration `toml:"period" envconfig:"PERIOD"`
	Dependencies  bool          `toml:"dependencies" envconfig:"DEPENDENCIES"`
	ChildModules  []string      `toml:"child_modules" envconfig:"CHILD_MODULES"`
	Fallback      bool          `toml:"fallback" envconfig:"FALLBACK"`
	FallbackPaths []string      `toml:"fallback_paths" envconfig:"FALLBACK_PATHS"`
	Root          string        `toml:"root" envconfig:"ROOT"`
	Listen        string        `toml:"listen" envconfig:"LISTEN"`
	LogLevel      string        `toml:"log_level" envconfig:"LOG_LEVEL"`

	Cache   CacheConfig   `toml:"cache" envconfig:"CACHE"`
	Cleanup CleanupConfig `toml:"cleanup" envconfig:"CLEANUP"`
}

// CacheConfig selects the persistent metadata cache.
type CacheConfig struct {
	Backend string        `toml:"backend" envconfig:"BACKEND"`
	Dir     string        `toml:"dir" envconfig:"DIR"`
	TTL     time.Duration `toml:"ttl" envconfig:"TTL"`
	Scope   string        `toml:"scope" envconfig:"SCOPE"`

	RedisAddr     string `toml:"redis_addr" envconfig:"REDIS_ADDR"`
	RedisPassword string `toml:"redis_password" envconfig:"REDIS_PASSWORD"`
	RedisDB       int    `toml:"redis_db" envconfig:"REDIS_DB"`

	MongoURI        string `toml:"mongo_uri" envconfig:"MONGO_URI"`
	MongoDatabase   string `toml:"mongo_database" envconfig:"MONGO_DATABASE"`
	MongoCollection string `toml:"mongo_collection" envconfig:"MONGO_COLLECTION"`
}

// CleanupConfig tunes the stale install sweep.
type CleanupConfig struct {
	Interval  time.Duration `toml:"interval" envconfig:"INTERVAL"`
	Threshold time.Duration `toml:"threshold" envconfig:"THRESHOLD"`
}

// Default returns the built-in settings.
func Default() Config {
	return Config{
		Registry: registry.DefaultRegistry,
		Tags:     []string{"latest"},
		Period:   poller.DefaultPeriod,
		Fallback: true,
		LogLevel: "info",
		Cache: CacheConfig{
			Backend: CacheFile,
			TTL:     registry.DefaultCacheTTL,
		},
		Cleanup: CleanupConfig{
			Interval:  cleanup.DefaultInterval,
			Threshold: cleanup.DefaultThreshold,
		},
	}
}

// DefaultPath returns the config file looked up when no path is given.
func DefaultPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "distwatch", "config.toml"), nil
}

// Load builds a Config from defaults, the file at path and the environment.
// An empty path reads DefaultPath when that file exists.
func Load(path string) (Config, error) {
	cfg := Default()

	if path == "" {
		if p, err := DefaultPath(); err == nil {
			if _, err := os.Stat(p); err == nil {
				path = p
			}
		}
	}
	if path != "" {
		if err := decodeFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}

	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return Config{}, fmt.Errorf("config from environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func decodeFile(path string, cfg *Config) error {
	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return fmt.Errorf("config %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return fmt.Errorf("config %s: unknown keys %s", path, strings.Join(keys, ", "))
	}
	return nil
}

// Validate reports settings that can not work together.
func (c Config) Validate() error {
	var problems []error
	if c.Period <= 0 {
		problems = append(problems, fmt.Errorf("period must be positive, got %s", c.Period))
	}
	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		problems = append(problems, fmt.Errorf("log_level: %w", err))
	}
	switch c.Cache.Backend {
	case CacheFile, CacheNone:
	case CacheRedis:
		if c.Cache.RedisAddr == "" {
			problems = append(problems, errors.New("cache.redis_addr is required for the redis backend"))
		}
	case CacheMongo:
		if c.Cache.MongoURI == "" {
			problems = append(problems, errors.New("cache.mongo_uri is required for the mongo backend"))
		}
	default:
		problems = append(problems, fmt.Errorf("unknown cache backend %q (want file, none, redis or mongo)", c.Cache.Backend))
	}
	if c.Cleanup.Interval < 0 || c.Cleanup.Threshold < 0 {
		problems = append(problems, errors.New("cleanup durations must not be negative"))
	}
	return errors.Join(problems...)
}

// Level returns the parsed log level, defaulting to info.
func (c Config) Level() log.Level {
	lvl, err := log.ParseLevel(c.LogLevel)
	if err != nil {
		return log.InfoLevel
	}
	return lvl
}
