package cli

import (
	"time"

	"github.com/spf13/pflag"

	"github.com/matzehuels/distwatch/internal/config"
)

// configFlags are the persistent flags that override config values.
type configFlags struct {
	registry      string
	cdnRegistry   string
	tags          []string
	period        time.Duration
	dependencies  bool
	childModules  []string
	fallback      bool
	fallbackPaths []string
	root          string
	cache         string
	logLevel      string
}

func bindConfigFlags(fs *pflag.FlagSet) *configFlags {
	f := &configFlags{}
	fs.StringVar(&f.registry, "registry", "", "npm registry base URL")
	fs.StringVar(&f.cdnRegistry, "cdn-registry", "", "CDN mirror tried before the registry")
	fs.StringSliceVarP(&f.tags, "tag", "t", nil, "dist-tag to watch (repeatable)")
	fs.DurationVar(&f.period, "period", 0, "delay between polls")
	fs.BoolVar(&f.dependencies, "deps", false, "install runtime dependencies")
	fs.StringSliceVar(&f.childModules, "child", nil, "restrict --deps to these dependencies (repeatable)")
	fs.BoolVar(&f.fallback, "fallback", true, "serve a locally installed copy when resolution fails")
	fs.StringSliceVar(&f.fallbackPaths, "fallback-path", nil, "directory searched upward for node_modules (repeatable)")
	fs.StringVar(&f.root, "root", "", "installs root directory")
	fs.StringVar(&f.cache, "cache", "", "metadata cache backend: file, none, redis or mongo")
	fs.StringVar(&f.logLevel, "log-level", "", "log level: debug, info, warn or error")
	return f
}

// apply copies every flag the user set onto cfg.
func (f *configFlags) apply(fs *pflag.FlagSet, cfg *config.Config) {
	set := func(name string, fn func()) {
		if fs.Changed(name) {
			fn()
		}
	}
	set("registry", func() { cfg.Registry = f.registry })
	set("cdn-registry", func() { cfg.CDNRegistry = f.cdnRegistry })
	set("tag", func() { cfg.Tags = f.tags })
	set("period", func() { cfg.Period = f.period })
	set("deps", func() { cfg.Dependencies = f.dependencies })
	set("child", func() { cfg.ChildModules = f.childModules })
	set("fallback", func() { cfg.Fallback = f.fallback })
	set("fallback-path", func() { cfg.FallbackPaths = f.fallbackPaths })
	set("root", func() { cfg.Root = f.root })
	set("cache", func() { cfg.Cache.Backend = f.cache })
	set("log-level", func() { cfg.LogLevel = f.logLevel })
}
