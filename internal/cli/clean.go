package cli

import (
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/matzehuels/distwatch/pkg/cleanup"
)

// cleanCommand creates the clean command.
func (c *CLI) cleanCommand() *cobra.Command {
	var threshold time.Duration

	cmd := &cobra.Command{
		Use:   "clean",
		Short: "Remove stale installs",
		Long: `Sweep every registry directory under the installs root once and remove the
installs that were not modified within the threshold.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := c.loadConfig(cmd)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("threshold") {
				cfg.Cleanup.Threshold = threshold
			}
			root, err := installsRoot(cfg)
			if err != nil {
				return err
			}

			entries, err := os.ReadDir(root)
			if os.IsNotExist(err) {
				printInfo("Nothing installed under %s", root)
				return nil
			}
			if err != nil {
				return err
			}

			removed := 0
			for _, e := range entries {
				if !e.IsDir() {
					continue
				}
				task := cleanup.New(cleanup.Options{
					Dir:       filepath.Join(root, e.Name()),
					Threshold: cfg.Cleanup.Threshold,
					Logger:    c.Logger,
					OnError: func(err error) {
						printWarning("%v", err)
					},
				})
				removed += task.Sweep(cmd.Context())
			}

			printSuccess("Removed %s stale installs", StyleNumber.Render(strconv.Itoa(removed)))
			printDetail("Root: %s", root)
			return nil
		},
	}

	cmd.Flags().DurationVar(&threshold, "threshold", cleanup.DefaultThreshold, "minimum age of removed installs")
	return cmd
}
