package cli

import (
	"context"
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/matzehuels/distwatch/internal/server"
	"github.com/matzehuels/distwatch/pkg/observability"
	"github.com/matzehuels/distwatch/pkg/observability/prom"
	"github.com/matzehuels/distwatch/pkg/watcher"
)

// watchCommand creates the watch command.
func (c *CLI) watchCommand() *cobra.Command {
	var listen string

	cmd := &cobra.Command{
		Use:   "watch <package>",
		Short: "Keep the versions behind dist-tags installed",
		Long: `Poll the registry for the package's dist-tags, install every newly resolved
version and keep serving the last good installation until interrupted.

With --listen, a status API exposes the installed modules, files inside them,
stability overrides and Prometheus metrics.`,
		Example: `  distwatch watch my-widget
  distwatch watch @acme/ui --tag latest --tag beta --deps --listen :8080`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := c.loadConfig(cmd)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("listen") {
				cfg.Listen = listen
			}

			ctx := withLogger(cmd.Context(), c.Logger)
			store, err := newCache(ctx, cfg.Cache)
			if err != nil {
				return err
			}
			defer store.Close()

			reg := prometheus.NewRegistry()
			reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
			prom.New(reg).Register()
			defer observability.Reset()

			w, err := watcher.Watch(ctx, args[0], c.watchOptions(cfg, store))
			if err != nil {
				return err
			}
			defer func() {
				w.Cancel()
				w.Wait()
			}()

			g, ctx := errgroup.WithContext(ctx)
			for _, tag := range w.Tags() {
				g.Go(func() error {
					reportFirst(ctx, w, tag)
					return nil
				})
			}
			if cfg.Listen != "" {
				srv := server.New(w, server.Options{Gatherer: reg, Logger: c.Logger})
				g.Go(func() error { return srv.Run(ctx, cfg.Listen) })
			}
			g.Go(func() error {
				<-ctx.Done()
				return nil
			})

			err = g.Wait()
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}

	cmd.Flags().StringVar(&listen, "listen", "", "address for the status API, e.g. :8080")
	return cmd
}

// reportFirst prints the outcome of the first resolution of tag.
func reportFirst(ctx context.Context, w *watcher.Watcher, tag string) {
	d, err := w.Get(ctx, tag)
	if ctx.Err() != nil {
		return
	}
	if err != nil {
		printWarning("%s@%s: %v", w.Name(), tag, err)
		return
	}
	printSuccess("%s@%s %s %s", w.Name(), tag, iconArrow, StyleHighlight.Render(d.Version))
	printDetail("%s", d.ModulePath)
	loggerFromContext(ctx).Debug("watch_ready", "name", w.Name(), "tag", tag,
		"version", d.Version, "previous", d.PreviousVersion)
}
