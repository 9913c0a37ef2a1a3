// Package install downloads exact package versions from a registry and
// installs them into a flat node_modules tree under a prefix directory.
//
// Installs are idempotent: a module directory containing package.json is
// complete and is never rewritten. A module directory is only mutated while
// holding its [fslock] lock, and a failed install removes it entirely, so a
// reader never sees a partial module.
package install

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	errs "github.com/matzehuels/distwatch/pkg/errors"
	"github.com/matzehuels/distwatch/pkg/fslock"
	"github.com/matzehuels/distwatch/pkg/httputil"
	"github.com/matzehuels/distwatch/pkg/logging"
	"github.com/matzehuels/distwatch/pkg/memo"
	"github.com/matzehuels/distwatch/pkg/observability"
	"github.com/matzehuels/distwatch/pkg/registry"
)

const (
	// NodeModules is the directory holding installed packages under a prefix.
	NodeModules = "node_modules"

	// Manifest marks a complete module directory.
	Manifest = "package.json"
)

// Options controls one Install call.
type Options struct {
	// Prefix is the install target directory. Required.
	Prefix string

	// Dependencies installs the version's declared runtime dependencies into
	// the same prefix.
	Dependencies bool

	// ChildModules, when non-empty, restricts Dependencies to these names.
	ChildModules []string

	// OnError receives dependency failures that do not fail the install,
	// such as non-exact dependency versions.
	OnError func(error)
}

// Config configures an [Installer].
type Config struct {
	// Lock tunes the per-module filesystem lock.
	Lock fslock.Options

	// Attempts and RetryDelay control retries of transient download failures.
	Attempts   int
	RetryDelay time.Duration

	Logger logging.Logger
}

// removeAll deletes a failed install; replaced in tests.
var removeAll = os.RemoveAll

// Installer installs packages resolved through a registry client.
type Installer struct {
	reg    *registry.Client
	http   *httputil.Client
	cfg    Config
	log    logging.Logger
	flight memo.Group[struct{}]
}

// New creates an Installer fetching metadata and tarballs through reg.
func New(reg *registry.Client, cfg Config) *Installer {
	if cfg.Attempts <= 0 {
		cfg.Attempts = registry.DefaultAttempts
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = registry.DefaultRetryDelay
	}
	return &Installer{
		reg:  reg,
		http: reg.HTTP(),
		cfg:  cfg,
		log:  logging.OrDiscard(cfg.Logger),
	}
}

// ModuleDir returns the directory name is installed to under prefix.
func ModuleDir(prefix, name string) string {
	return filepath.Join(prefix, NodeModules, filepath.FromSlash(name))
}

// Installed reports whether name has a complete install under prefix.
func Installed(prefix, name string) bool {
	_, err := os.Stat(filepath.Join(ModuleDir(prefix, name), Manifest))
	return err == nil
}

// Install installs name@version into opts.Prefix, together with its
// dependencies when requested. The main package and its dependencies install
// concurrently; Install returns once all of them finished.
func (i *Installer) Install(ctx context.Context, name, version string, opts Options) error {
	if opts.Prefix == "" {
		return errs.New(errs.ErrCodeInvalidInput, "prefix required for flat install")
	}
	if err := errs.ValidateExactVersion(name, version); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	if opts.Dependencies {
		res, err := i.reg.Fetch(ctx, name)
		if err != nil {
			return err
		}
		entry, ok := res.Metadata.Versions[version]
		if !ok {
			return errs.New(errs.ErrCodeInstall, "no version %s found for %s", version, name)
		}

		var names []string
		for dep := range entry.Dependencies {
			if len(opts.ChildModules) > 0 && !slices.Contains(opts.ChildModules, dep) {
				continue
			}
			names = append(names, dep)
		}
		slices.Sort(names)
		i.log.Info("install_dependencies",
			"name", name, "version", version, "dependencies", strings.Join(names, ","))

		for _, dep := range names {
			depVersion := entry.Dependencies[dep]
			if err := errs.ValidateExactVersion(dep, depVersion); err != nil {
				i.report(opts, err)
				continue
			}
			g.Go(func() error {
				return i.InstallSingle(gctx, dep, depVersion, opts.Prefix)
			})
		}
	}

	i.log.Info("install", "name", name, "version", version, "registry", i.reg.Registry())
	g.Go(func() error {
		return i.InstallSingle(gctx, name, version, opts.Prefix)
	})

	if err := g.Wait(); err != nil {
		i.log.Error("install_error", "name", name, "version", version, "err", err)
		return err
	}
	return nil
}

// InstallSingle installs exactly name@version into prefix. Concurrent calls
// with the same arguments share one execution.
func (i *Installer) InstallSingle(ctx context.Context, name, version, prefix string) error {
	if err := errs.ValidateExactVersion(name, version); err != nil {
		return err
	}
	_, err, _ := i.flight.Do(memo.Key(name, "@", version, " ", prefix), func() (struct{}, error) {
		return struct{}{}, i.installSingle(ctx, name, version, prefix)
	})
	return err
}

func (i *Installer) installSingle(ctx context.Context, name, version, prefix string) error {
	if Installed(prefix, name) {
		return nil
	}

	res, err := i.reg.Fetch(ctx, name)
	if err != nil {
		return err
	}
	entry, ok := res.Metadata.Versions[version]
	if !ok {
		return errs.New(errs.ErrCodeInstall, "no version %s found for %s", version, name)
	}
	tarball, err := i.reg.TarballURL(entry, res.FromCDN)
	if err != nil {
		return err
	}

	moduleDir := ModuleDir(prefix, res.Metadata.Name)
	if err := os.MkdirAll(filepath.Dir(moduleDir), 0o755); err != nil {
		return errs.Wrap(errs.ErrCodeInstall, err, "create %s", filepath.Dir(moduleDir))
	}

	return fslock.With(ctx, moduleDir, i.cfg.Lock, func() error {
		// Another process may have finished while we waited for the lock.
		if Installed(prefix, res.Metadata.Name) {
			return nil
		}
		return i.unpack(ctx, res.Metadata.Name, version, tarball, prefix, moduleDir)
	})
}

// unpack runs with the module lock held.
func (i *Installer) unpack(ctx context.Context, name, version, tarball, prefix, moduleDir string) (err error) {
	hooks := observability.Install()
	hooks.OnInstallStart(ctx, name, version)
	start := time.Now()
	defer func() { hooks.OnInstallComplete(ctx, name, version, time.Since(start), err) }()

	if err := os.RemoveAll(moduleDir); err != nil {
		return errs.Wrap(errs.ErrCodeInstall, err, "remove leftover %s", moduleDir)
	}

	scratch, err := os.MkdirTemp(prefix, ".scratch-")
	if err != nil {
		return errs.Wrap(errs.ErrCodeInstall, err, "create scratch dir")
	}
	defer func() {
		if rmErr := os.RemoveAll(scratch); rmErr != nil {
			i.log.Warn("scratch_cleanup_failed", "dir", scratch, "err", rmErr)
		}
	}()

	if err := i.fetchInto(ctx, tarball, scratch, moduleDir); err != nil {
		if rmErr := removeAll(moduleDir); rmErr != nil {
			i.log.Error("install_cleanup_failed", "name", name, "version", version, "dir", moduleDir, "err", rmErr)
			err = errors.Join(err, fmt.Errorf("remove partial install %s: %w", moduleDir, rmErr))
		}
		return errs.Wrap(errs.ErrCodeInstall, err, "failed to install %s@%s from %s", name, version, tarball)
	}
	i.log.Debug("installed", "name", name, "version", version, "dir", moduleDir)
	return nil
}

func (i *Installer) fetchInto(ctx context.Context, tarball, scratch, moduleDir string) error {
	archive := filepath.Join(scratch, "package.tgz")
	err := httputil.Retry(ctx, i.cfg.Attempts, i.cfg.RetryDelay, func() error {
		f, err := os.Create(archive)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = i.http.Download(ctx, tarball, f)
		return err
	})
	if err != nil {
		return err
	}

	f, err := os.Open(archive)
	if err != nil {
		return err
	}
	defer f.Close()

	extracted := filepath.Join(scratch, "package")
	if err := extractTarGz(f, extracted); err != nil {
		return err
	}
	if err := os.Rename(extracted, moduleDir); err != nil {
		return err
	}
	if _, err := os.Stat(filepath.Join(moduleDir, Manifest)); err != nil {
		return errs.New(errs.ErrCodeInstall, "package not found at %s", filepath.Join(moduleDir, Manifest))
	}
	return nil
}

func (i *Installer) report(opts Options, err error) {
	if opts.OnError != nil {
		opts.OnError(err)
		return
	}
	i.log.Error("install_dependency_skipped", "err", err)
}

// Prefix returns the install target directory for name@version under root:
// root/<name with "/" replaced by "-">_<version>.
func Prefix(root, name, version string) string {
	return filepath.Join(root, strings.ReplaceAll(name, "/", "-")+"_"+version)
}
