// Package cli implements the distwatch command-line interface.
//
// Commands log through charmbracelet/log. The logger built by [New] is
// handed to the library packages, which accept anything with Debug, Info,
// Warn and Error methods, and is attached to command contexts so helpers can
// reach it with loggerFromContext.
//
// # Commands
//
//   - watch: poll dist-tags, keep them installed, optionally serve the status API
//   - resolve: print which version each dist-tag resolves to
//   - install: install one exact version into a prefix
//   - clean: sweep stale installs once
//   - cache: manage the registry metadata cache
//
// All commands support --verbose (-v) for debug-level logging.
package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/matzehuels/distwatch/internal/config"
	"github.com/matzehuels/distwatch/pkg/buildinfo"
	"github.com/matzehuels/distwatch/pkg/cache"
	"github.com/matzehuels/distwatch/pkg/registry"
	"github.com/matzehuels/distwatch/pkg/watcher"
)

// =============================================================================
// Constants
// =============================================================================

const (
	// appName is the application name used for directories and display.
	appName = "distwatch"

	// connectTimeout bounds connecting to a redis or mongo cache backend.
	connectTimeout = 10 * time.Second
)

// Log levels exported for use in main.go.
const (
	LogDebug = log.DebugLevel
	LogInfo  = log.InfoLevel
)

// =============================================================================
// CLI - Central CLI State
// =============================================================================

// CLI holds shared state for all commands.
type CLI struct {
	Logger *log.Logger

	configPath string
	flags      *configFlags
}

// New creates a new CLI instance with a default logger.
func New(w io.Writer, level log.Level) *CLI {
	return &CLI{Logger: newLogger(w, level)}
}

// SetLogLevel updates the logger's level.
func (c *CLI) SetLogLevel(level log.Level) {
	c.Logger.SetLevel(level)
}

// RootCommand creates the root cobra command with all subcommands registered.
func (c *CLI) RootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "distwatch",
		Short: "distwatch keeps npm dist-tags installed on local disk",
		Long: `distwatch polls an npm registry for the versions behind one or more dist-tags,
installs each new version into its own directory and serves the current
installation to the processes that load it.`,
		Version:      buildinfo.Version,
		SilenceUsage: true,
	}

	root.SetVersionTemplate(buildinfo.Template())
	root.PersistentFlags().StringVar(&c.configPath, "config", "", "config file (default $XDG_CONFIG_HOME/distwatch/config.toml)")
	c.flags = bindConfigFlags(root.PersistentFlags())

	root.AddCommand(c.watchCommand())
	root.AddCommand(c.resolveCommand())
	root.AddCommand(c.installCommand())
	root.AddCommand(c.cleanCommand())
	root.AddCommand(c.cacheCommand())
	root.AddCommand(c.completionCommand())

	return root
}

// loadConfig reads the config file and environment and applies the flags
// set on cmd. Unless --verbose was given, the configured log level applies.
func (c *CLI) loadConfig(cmd *cobra.Command) (config.Config, error) {
	cfg, err := config.Load(c.configPath)
	if err != nil {
		return config.Config{}, err
	}
	c.flags.apply(cmd.Flags(), &cfg)
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	if f := cmd.Flags().Lookup("verbose"); f == nil || !f.Changed {
		c.SetLogLevel(cfg.Level())
	}
	return cfg, nil
}

// =============================================================================
// Factories
// =============================================================================

// newCache opens the configured persistent metadata cache.
func newCache(ctx context.Context, cfg config.CacheConfig) (cache.Cache, error) {
	switch cfg.Backend {
	case config.CacheNone:
		return cache.NewNullCache(), nil
	case config.CacheRedis:
		ctx, cancel := context.WithTimeout(ctx, connectTimeout)
		defer cancel()
		return cache.NewRedisCache(ctx, cache.RedisConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
	case config.CacheMongo:
		ctx, cancel := context.WithTimeout(ctx, connectTimeout)
		defer cancel()
		return cache.NewMongoCache(ctx, cache.MongoConfig{
			URI:        cfg.MongoURI,
			Database:   cfg.MongoDatabase,
			Collection: cfg.MongoCollection,
		})
	}

	dir, err := fileCacheDir(config.Config{Cache: cfg})
	if err != nil {
		return cache.NewNullCache(), nil
	}
	return cache.NewFileCache(dir)
}

// newRegistry builds a registry client from cfg.
func (c *CLI) newRegistry(cfg config.Config, store cache.Cache) (*registry.Client, error) {
	return registry.New(registry.Options{
		Registry:    cfg.Registry,
		CDNRegistry: cfg.CDNRegistry,
		Cache:       store,
		CacheTTL:    cfg.Cache.TTL,
		Keyer:       keyerFor(cfg),
		Logger:      c.Logger,
	})
}

// keyerFor returns the cache key builder for cfg's scope.
func keyerFor(cfg config.Config) cache.Keyer {
	return cache.NewScopedKeyer(cfg.Cache.Scope)
}

// watchOptions maps cfg onto watcher options.
func (c *CLI) watchOptions(cfg config.Config, store cache.Cache) watcher.Options {
	return watcher.Options{
		Tags:             cfg.Tags,
		Period:           cfg.Period,
		Registry:         cfg.Registry,
		CDNRegistry:      cfg.CDNRegistry,
		Dependencies:     cfg.Dependencies,
		ChildModules:     cfg.ChildModules,
		Fallback:         cfg.Fallback,
		FallbackPaths:    cfg.FallbackPaths,
		Cache:            store,
		CacheTTL:         cfg.Cache.TTL,
		CacheScope:       cfg.Cache.Scope,
		Root:             cfg.Root,
		CleanupInterval:  cfg.Cleanup.Interval,
		CleanupThreshold: cfg.Cleanup.Threshold,
		Logger:           c.Logger,
		OnError: func(err error) {
			c.Logger.Warn("poll_error", "err", err)
		},
	}
}

// =============================================================================
// Paths
// =============================================================================

// cacheDir returns the cache directory using XDG standard (~/.cache/distwatch/).
func cacheDir() (string, error) {
	if cacheHome := os.Getenv("XDG_CACHE_HOME"); cacheHome != "" {
		return filepath.Join(cacheHome, appName), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".cache", appName), nil
}

// installsRoot returns cfg.Root or the default installs root.
func installsRoot(cfg config.Config) (string, error) {
	if cfg.Root != "" {
		return cfg.Root, nil
	}
	root, err := watcher.DefaultRoot()
	if err != nil {
		return "", fmt.Errorf("installs root: %w", err)
	}
	return root, nil
}
