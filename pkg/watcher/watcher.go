// Package watcher keeps a running process supplied with installed versions
// of an npm package.
//
// [Watch] starts one poller per dist-tag. The hosting application asks the
// Watcher for the current install ([Watcher.Get]), for files inside it
// ([Watcher.Read]) or for paths to hand to its own loader
// ([Watcher.ResolvePath], [Watcher.Import]). When live resolution fails and
// fallback is enabled, a copy of the package installed in an ordinary
// node_modules directory is used instead.
//
//	w, err := watcher.Watch(ctx, "my-widget", watcher.Options{
//	    Tags:     []string{"latest"},
//	    Fallback: true,
//	})
//	if err != nil {
//	    return err
//	}
//	defer w.Cancel()
//	details, err := w.Get(ctx, "")
package watcher

import (
	"context"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/golang/groupcache/lru"

	"github.com/matzehuels/distwatch/pkg/cache"
	"github.com/matzehuels/distwatch/pkg/cleanup"
	errs "github.com/matzehuels/distwatch/pkg/errors"
	"github.com/matzehuels/distwatch/pkg/fslock"
	"github.com/matzehuels/distwatch/pkg/httputil"
	"github.com/matzehuels/distwatch/pkg/install"
	"github.com/matzehuels/distwatch/pkg/logging"
	"github.com/matzehuels/distwatch/pkg/poller"
	"github.com/matzehuels/distwatch/pkg/registry"
)

const (
	// DefaultTag is watched when Options.Tags is empty.
	DefaultTag = "latest"

	// ReadCacheSize bounds the number of files kept by Read.
	ReadCacheSize = 20
)

// Loader loads code from an installed path on behalf of the hosting
// application.
type Loader interface {
	Load(ctx context.Context, path string) (any, error)
}

// LoaderFunc adapts a function to [Loader].
type LoaderFunc func(ctx context.Context, path string) (any, error)

// Load calls f.
func (f LoaderFunc) Load(ctx context.Context, path string) (any, error) { return f(ctx, path) }

// Options configures [Watch]. The zero value watches "latest" on the public
// npm registry with installs under [DefaultRoot].
type Options struct {
	// Tags lists the dist-tags to watch.
	Tags []string

	// Period between poll attempts of each tag.
	Period time.Duration

	// OnError receives poll, install and cleanup failures.
	OnError func(error)

	Registry    string
	CDNRegistry string

	// Dependencies installs each version's runtime dependencies alongside it,
	// optionally restricted to ChildModules.
	Dependencies bool
	ChildModules []string

	// Fallback enables serving a locally installed copy when live
	// resolution fails. FallbackPaths are searched upward for node_modules;
	// the working directory is used when empty.
	Fallback      bool
	FallbackPaths []string

	// Cache keeps the last fetched registry metadata for CacheTTL and serves
	// it when the registry is unreachable, also across restarts.
	// CacheScope namespaces keys when several deployments share a backend.
	Cache      cache.Cache
	CacheTTL   time.Duration
	CacheScope string

	// MemoryTTL bounds how long fetched metadata is reused in process
	// before the registry is asked again. Zero means the registry default.
	MemoryTTL time.Duration

	Logger logging.Logger

	// Root holds install directories, one subdirectory per registry label.
	Root string

	// Cleanup sweeps stale installs. When nil the watcher uses the
	// process-wide task for its installs directory, created with
	// CleanupInterval and CleanupThreshold by the first watcher of that
	// directory.
	Cleanup          *cleanup.Task
	CleanupInterval  time.Duration
	CleanupThreshold time.Duration

	// Lock tunes the per-module install lock.
	Lock fslock.Options

	HTTPClient *http.Client
}

// DefaultRoot returns the default installs root under the user cache dir.
func DefaultRoot() (string, error) {
	dir, err := os.UserCacheDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "distwatch", "modules"), nil
}

// Watcher serves installed versions of one package.
type Watcher struct {
	name    string
	opts    Options
	tags    []string
	pollers map[string]*poller.Poller
	reg     *registry.Client
	dir     string
	cleanup *cleanup.Task
	log     logging.Logger

	readMu sync.Mutex
	reads  *lru.Cache

	cancelOnce sync.Once
	stopCtx    func() bool
}

// Watch validates opts and starts polling every tag. Cancelling ctx cancels
// the watcher.
func Watch(ctx context.Context, name string, opts Options) (*Watcher, error) {
	if err := errs.ValidateNpmPackageName(name); err != nil {
		return nil, err
	}

	tags := slices.Compact(slices.Sorted(slices.Values(opts.Tags)))
	if len(tags) == 0 {
		tags = []string{DefaultTag}
	}

	if opts.Root == "" {
		root, err := DefaultRoot()
		if err != nil {
			return nil, errs.Wrap(errs.ErrCodeInvalidInput, err, "no installs root")
		}
		opts.Root = root
	}

	log := logging.OrDiscard(opts.Logger)
	reg, err := registry.New(registry.Options{
		Registry:    opts.Registry,
		CDNRegistry: opts.CDNRegistry,
		Cache:       opts.Cache,
		CacheTTL:    opts.CacheTTL,
		MemoryTTL:   opts.MemoryTTL,
		Keyer:       cache.NewScopedKeyer(opts.CacheScope),
		HTTP:        httputil.NewClient(opts.HTTPClient, registry.DefaultHeaders()),
		Logger:      log,
	})
	if err != nil {
		return nil, err
	}

	dir := filepath.Join(opts.Root, reg.Label())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errs.Wrap(errs.ErrCodeInvalidPath, err, "create installs root %s", dir)
	}

	w := &Watcher{
		name:    name,
		opts:    opts,
		tags:    tags,
		pollers: make(map[string]*poller.Poller, len(tags)),
		reg:     reg,
		dir:     dir,
		cleanup: opts.Cleanup,
		log:     log,
		reads:   lru.New(ReadCacheSize),
	}
	if w.cleanup == nil {
		w.cleanup = cleanup.Shared(cleanup.Options{
			Dir:       dir,
			Interval:  opts.CleanupInterval,
			Threshold: opts.CleanupThreshold,
			OnError:   opts.OnError,
			Logger:    log,
		})
	}

	inst := install.New(reg, install.Config{Lock: opts.Lock, Logger: log})
	for _, tag := range tags {
		w.pollers[tag] = poller.New(reg, inst, poller.Options{
			Name:         name,
			Tag:          tag,
			Period:       opts.Period,
			Dir:          dir,
			Dependencies: opts.Dependencies,
			ChildModules: opts.ChildModules,
			Cleanup:      w.cleanup,
			OnError:      opts.OnError,
			Logger:       log,
		})
	}
	for _, tag := range tags {
		w.pollers[tag].Start()
	}
	w.stopCtx = context.AfterFunc(ctx, w.Cancel)

	log.Info("watch", "name", name, "tags", strings.Join(tags, ","), "dir", dir)
	return w, nil
}

// Name returns the watched package name.
func (w *Watcher) Name() string { return w.name }

// Dir returns the installs root for the watcher's registry label.
func (w *Watcher) Dir() string { return w.dir }

// Tags returns the watched dist-tags, sorted.
func (w *Watcher) Tags() []string { return slices.Clone(w.tags) }

// Watching reports whether tag is watched.
func (w *Watcher) Watching(tag string) bool {
	_, ok := w.pollers[tag]
	return ok
}

// Get returns the installed details for tag. An empty tag selects the sole
// watched tag, or "latest" when several are watched.
func (w *Watcher) Get(ctx context.Context, tag string) (*poller.ModuleDetails, error) {
	return withPoller(ctx, w, tag, func(d *poller.ModuleDetails) (*poller.ModuleDetails, error) {
		return d, nil
	})
}

// ResolvePath returns the absolute path of path inside the module.
func (w *Watcher) ResolvePath(ctx context.Context, path, tag string) (string, error) {
	if err := errs.ValidatePath(path); err != nil {
		return "", err
	}
	return withPoller(ctx, w, tag, func(d *poller.ModuleDetails) (string, error) {
		return filepath.Join(d.ModulePath, filepath.FromSlash(path)), nil
	})
}

// ResolveDependencyPath returns the absolute path of path inside dependency
// dep of the module, resolved the way node resolves modules.
func (w *Watcher) ResolveDependencyPath(ctx context.Context, dep, path, tag string) (string, error) {
	if err := errs.ValidateNpmPackageName(dep); err != nil {
		return "", err
	}
	if err := errs.ValidatePath(path); err != nil {
		return "", err
	}
	return withPoller(ctx, w, tag, func(d *poller.ModuleDetails) (string, error) {
		depDir := resolveModuleDir(dep, d.ModulePath)
		if depDir == "" {
			return "", errs.New(errs.ErrCodeNotFound, "can not find dependency %s for %s", dep, d.ModulePath)
		}
		return filepath.Join(depDir, filepath.FromSlash(path)), nil
	})
}

// Import resolves path and hands it to loader.
func (w *Watcher) Import(ctx context.Context, loader Loader, path, tag string) (any, error) {
	if err := errs.ValidatePath(path); err != nil {
		return nil, err
	}
	return withPoller(ctx, w, tag, func(d *poller.ModuleDetails) (any, error) {
		return loader.Load(ctx, filepath.Join(d.ModulePath, filepath.FromSlash(path)))
	})
}

// Read returns the contents of path inside the module. Results are cached
// by absolute path.
func (w *Watcher) Read(ctx context.Context, path, tag string) ([]byte, error) {
	if err := errs.ValidatePath(path); err != nil {
		return nil, err
	}
	return withPoller(ctx, w, tag, func(d *poller.ModuleDetails) ([]byte, error) {
		file := filepath.Join(d.ModulePath, filepath.FromSlash(path))

		w.readMu.Lock()
		cached, ok := w.reads.Get(file)
		w.readMu.Unlock()
		if ok {
			return cached.([]byte), nil
		}

		data, err := os.ReadFile(file)
		if err != nil {
			return nil, err
		}
		w.readMu.Lock()
		w.reads.Add(file, data)
		w.readMu.Unlock()
		return data, nil
	})
}

// Snapshot returns the latest installed details per tag without waiting.
// Tags without a successful attempt are omitted.
func (w *Watcher) Snapshot() map[string]*poller.ModuleDetails {
	out := make(map[string]*poller.ModuleDetails, len(w.pollers))
	for tag, p := range w.pollers {
		if d, ok := p.Current(); ok {
			out[tag] = d
		}
	}
	return out
}

// MarkStable clears an Unstable override on every tag.
func (w *Watcher) MarkStable(version string) {
	for _, p := range w.pollers {
		p.MarkStable(version)
	}
}

// MarkUnstable excludes version from resolution on every tag.
func (w *Watcher) MarkUnstable(version string) {
	for _, p := range w.pollers {
		p.MarkUnstable(version)
	}
}

// Stability returns the overrides currently applied, taken from the first
// tag's poller; all pollers receive the same marks.
func (w *Watcher) Stability() map[string]poller.Stability {
	return w.pollers[w.tags[0]].Stability()
}

// FlushCache drops memoized registry metadata, including persisted entries,
// and the file read cache.
func (w *Watcher) FlushCache(ctx context.Context) error {
	w.readMu.Lock()
	w.reads.Clear()
	w.readMu.Unlock()
	return w.reg.Flush(ctx)
}

// Cancel stops every poller, releasing their hold on the cleanup task.
// In-flight attempts finish. Cancel is idempotent.
func (w *Watcher) Cancel() {
	w.cancelOnce.Do(func() {
		if w.stopCtx != nil {
			w.stopCtx()
		}
		for _, p := range w.pollers {
			p.Stop()
		}
		w.log.Info("watch_cancelled", "name", w.name)
	})
}

// Wait blocks until every poller has finished its last attempt after Cancel.
func (w *Watcher) Wait() {
	for _, p := range w.pollers {
		<-p.Done()
	}
}

func (w *Watcher) selectPoller(tag string) (*poller.Poller, string, error) {
	if tag != "" {
		p, ok := w.pollers[tag]
		if !ok {
			return nil, "", errs.New(errs.ErrCodeInvalidTag, "invalid tag: %s", tag)
		}
		return p, tag, nil
	}
	if len(w.tags) == 1 {
		return w.pollers[w.tags[0]], w.tags[0], nil
	}
	if p, ok := w.pollers[DefaultTag]; ok {
		return p, DefaultTag, nil
	}
	return nil, "", errs.New(errs.ErrCodeInvalidTag, "please specify tag: one of %s", strings.Join(w.tags, ", "))
}

// withPoller runs fn on the details of the selected tag, falling back to a
// local install when that fails and fallback is enabled.
func withPoller[T any](ctx context.Context, w *Watcher, tag string, fn func(*poller.ModuleDetails) (T, error)) (T, error) {
	var zero T
	p, tag, err := w.selectPoller(tag)
	if err != nil {
		return zero, err
	}

	d, liveErr := p.Result(ctx)
	if liveErr == nil {
		v, err := fn(d)
		if err == nil {
			return v, nil
		}
		liveErr = err
	}
	if ctx.Err() != nil {
		return zero, liveErr
	}

	if !w.opts.Fallback {
		return zero, liveErr
	}
	w.log.Warn("poll_error_fallback", "name", w.name, "tag", tag, "err", liveErr)

	local, fbErr := localDetails(w.name, w.opts.Root, w.fallbackPaths())
	if fbErr == nil {
		v, err := fn(local)
		if err == nil {
			return v, nil
		}
		fbErr = err
	}
	return zero, errs.Wrap(errs.ErrCodeFallbackResolution, errors.Join(liveErr, fbErr),
		"%s@%s from %s: live resolution and fallback failed", w.name, tag, w.reg.Registry())
}

func (w *Watcher) fallbackPaths() []string {
	if len(w.opts.FallbackPaths) > 0 {
		return w.opts.FallbackPaths
	}
	wd, err := os.Getwd()
	if err != nil {
		return nil
	}
	return []string{wd}
}
