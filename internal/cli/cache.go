package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/matzehuels/distwatch/internal/config"
)

// cacheCommand creates the cache management command.
func (c *CLI) cacheCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Manage the registry metadata cache",
	}

	cmd.AddCommand(c.cacheClearCommand())
	cmd.AddCommand(c.cachePathCommand())

	return cmd
}

// cacheClearCommand creates the "cache clear" subcommand.
func (c *CLI) cacheClearCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "clear [package...]",
		Short: "Clear cached registry metadata",
		Long: `Delete cached registry metadata. With package names, only their entries are
deleted, which works for every backend. Without arguments the whole file
cache directory is emptied.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := c.loadConfig(cmd)
			if err != nil {
				return err
			}
			if len(args) > 0 {
				return c.clearPackages(cmd, cfg, args)
			}
			if cfg.Cache.Backend != config.CacheFile {
				return fmt.Errorf("clearing everything is only supported for the file cache; name the packages to clear from %s", cfg.Cache.Backend)
			}

			dir, err := fileCacheDir(cfg)
			if err != nil {
				return err
			}
			if _, err := os.Stat(dir); os.IsNotExist(err) {
				printInfo("Cache is empty")
				return nil
			}

			count := 0
			err = filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
				if err != nil || path == dir || d.IsDir() {
					return nil
				}
				if os.Remove(path) == nil {
					count++
				}
				return nil
			})
			if err != nil {
				return err
			}
			entries, _ := os.ReadDir(dir)
			for _, e := range entries {
				if e.IsDir() {
					os.Remove(filepath.Join(dir, e.Name()))
				}
			}

			printSuccess("Cleared %d cached entries", count)
			printDetail("Directory: %s", dir)
			return nil
		},
	}
}

// clearPackages deletes the metadata entries of names from the configured
// backend.
func (c *CLI) clearPackages(cmd *cobra.Command, cfg config.Config, names []string) error {
	ctx := cmd.Context()
	store, err := newCache(ctx, cfg.Cache)
	if err != nil {
		return err
	}
	defer store.Close()

	reg, err := c.newRegistry(cfg, store)
	if err != nil {
		return err
	}
	for _, name := range names {
		key := keyerFor(cfg).MetadataKey(name, reg.Label())
		if err := store.Delete(ctx, key); err != nil {
			return fmt.Errorf("clear %s: %w", name, err)
		}
		printSuccess("Cleared %s", name)
		printDetail("Key: %s", key)
	}
	return nil
}

// cachePathCommand creates the "cache path" subcommand.
func (c *CLI) cachePathCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "path",
		Short: "Print the file cache directory path",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := c.loadConfig(cmd)
			if err != nil {
				return err
			}
			dir, err := fileCacheDir(cfg)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), dir)
			return nil
		},
	}
}

// fileCacheDir returns the directory the file backend uses for cfg.
func fileCacheDir(cfg config.Config) (string, error) {
	if cfg.Cache.Dir != "" {
		return cfg.Cache.Dir, nil
	}
	base, err := cacheDir()
	if err != nil {
		return "", fmt.Errorf("get cache dir: %w", err)
	}
	return filepath.Join(base, "metadata"), nil
}
