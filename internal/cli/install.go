package cli

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	errs "github.com/matzehuels/distwatch/pkg/errors"
	"github.com/matzehuels/distwatch/pkg/install"
)

// installCommand creates the install command.
func (c *CLI) installCommand() *cobra.Command {
	var prefix string

	cmd := &cobra.Command{
		Use:   "install <package> <version>",
		Short: "Install one exact version",
		Long: `Install an exact version into a prefix directory, the same way a watcher
does. Without --prefix the version goes into the installs root next to the
versions a watcher would manage.`,
		Example: `  distwatch install my-widget 1.4.0
  distwatch install my-widget 1.4.0 --deps --prefix ./vendor/widget`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			name, version := args[0], args[1]
			if err := errs.ValidateNpmPackageName(name); err != nil {
				return err
			}
			if err := errs.ValidateExactVersion(name, version); err != nil {
				return err
			}

			cfg, err := c.loadConfig(cmd)
			if err != nil {
				return err
			}
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
			if prefix == "" {
				root, err := installsRoot(cfg)
				if err != nil {
					return err
				}
				prefix = install.Prefix(filepath.Join(root, reg.Label()), name, version)
			}
			if prefix, err = filepath.Abs(prefix); err != nil {
				return fmt.Errorf("prefix: %w", err)
			}

			prog := newProgress(c.Logger)
			inst := install.New(reg, install.Config{Logger: c.Logger})
			err = inst.Install(ctx, name, version, install.Options{
				Prefix:       prefix,
				Dependencies: cfg.Dependencies,
				ChildModules: cfg.ChildModules,
				OnError: func(err error) {
					printWarning("%v", err)
				},
			})
			if err != nil {
				return err
			}
			prog.done(fmt.Sprintf("Installed %s@%s", name, version))

			printSuccess("%s@%s", name, StyleHighlight.Render(version))
			printFile(install.ModuleDir(prefix, name))
			return nil
		},
	}

	cmd.Flags().StringVar(&prefix, "prefix", "", "install target directory")
	return cmd
}
