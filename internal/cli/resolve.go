package cli

import (
	"encoding/json"
	"os"

	"github.com/spf13/cobra"

	errs "github.com/matzehuels/distwatch/pkg/errors"
	"github.com/matzehuels/distwatch/pkg/poller"
)

// resolution is one line of resolve output.
type resolution struct {
	Tag      string `json:"tag"`
	TagValue string `json:"tag_version,omitempty"`
	Version  string `json:"version,omitempty"`
	Previous string `json:"previous_version,omitempty"`
	Error    string `json:"error,omitempty"`
}

// resolveCommand creates the resolve command.
func (c *CLI) resolveCommand() *cobra.Command {
	var (
		unstable []string
		asJSON   bool
	)

	cmd := &cobra.Command{
		Use:   "resolve <package>",
		Short: "Show the version each dist-tag resolves to",
		Long: `Fetch registry metadata once and print, for every configured dist-tag, the
version a watcher would install and its previous stable version.

Use --unstable to preview the effect of marking versions unstable.`,
		Example: `  distwatch resolve my-widget --tag latest --tag beta
  distwatch resolve my-widget --unstable 1.4.0 --json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
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

			prog := newProgress(c.Logger)
			res, err := reg.Fetch(ctx, args[0])
			if err != nil {
				return err
			}
			prog.done("Fetched " + args[0])

			stability := make(map[string]poller.Stability, len(unstable))
			for _, v := range unstable {
				if !errs.IsExactVersion(v) {
					return errs.New(errs.ErrCodeInvalidVersion, "--unstable wants exact versions, got %q", v)
				}
				stability[v] = poller.Unstable
			}

			out := make([]resolution, 0, len(cfg.Tags))
			for _, tag := range cfg.Tags {
				r := resolution{Tag: tag, TagValue: res.Metadata.DistTags[tag]}
				r.Version, r.Previous, err = poller.Resolve(res.Metadata, tag, stability)
				if err != nil {
					r.Error = err.Error()
				}
				out = append(out, r)
			}

			if asJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(out)
			}

			source := reg.Registry()
			if res.FromCDN {
				source = reg.CDNRegistry()
			}
			printInfo("%s %s", StyleTitle.Render(res.Metadata.Name), StyleDim.Render("from "+source))
			for _, r := range out {
				if r.Error != "" {
					printKeyValue(r.Tag, StyleWarning.Render(r.Error))
					continue
				}
				printKeyValue(r.Tag, r.Version+StyleDim.Render(" (previous "+r.Previous+")"))
			}
			return nil
		},
	}

	cmd.Flags().StringSliceVar(&unstable, "unstable", nil, "treat this version as unstable (repeatable)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}
