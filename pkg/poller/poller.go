// Package poller keeps one dist-tag of a package resolved and installed.
//
// A [Poller] repeatedly fetches registry metadata, resolves the tag to an
// eligible version (see [Resolve]), installs that version when it changed,
// and caches the result. Readers always see a complete [ModuleDetails]: the
// previous one until the next attempt fully succeeds.
package poller

import (
	"context"
	"maps"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/matzehuels/distwatch/pkg/cleanup"
	errs "github.com/matzehuels/distwatch/pkg/errors"
	"github.com/matzehuels/distwatch/pkg/install"
	"github.com/matzehuels/distwatch/pkg/logging"
	"github.com/matzehuels/distwatch/pkg/observability"
	"github.com/matzehuels/distwatch/pkg/registry"
)

// DefaultPeriod is the delay between the end of one attempt and the start
// of the next.
const DefaultPeriod = 20 * time.Second

// Dependency is an installed runtime dependency of the module.
type Dependency struct {
	Version string `json:"version"`
	Path    string `json:"path"`
}

// ModuleDetails describes one installed module version. Values are replaced,
// never mutated.
type ModuleDetails struct {
	NodeModulesPath string                `json:"node_modules_path"`
	ModulePath      string                `json:"module_path"`
	Version         string                `json:"version"`
	PreviousVersion string                `json:"previous_version"`
	Dependencies    map[string]Dependency `json:"dependencies"`
}

// Fetcher returns registry metadata for a package.
type Fetcher interface {
	Fetch(ctx context.Context, name string) (*registry.Result, error)
}

// Installer installs an exact version into a prefix.
type Installer interface {
	Install(ctx context.Context, name, version string, opts install.Options) error
}

// Options configures a [Poller].
type Options struct {
	Name string
	Tag  string

	// Period between attempts. Zero means DefaultPeriod.
	Period time.Duration

	// Dir is the installs root for the registry label; each version installs
	// into a child directory of it.
	Dir string

	Dependencies bool
	ChildModules []string

	// Cleanup, when set, is held while the poller runs and told to keep
	// every directory the poller installs into.
	Cleanup *cleanup.Task

	// OnError receives attempt failures. When nil they are logged.
	OnError func(error)

	Logger logging.Logger
}

// Poller resolves and installs one dist-tag on a schedule.
type Poller struct {
	opts    Options
	fetcher Fetcher
	inst    Installer
	log     logging.Logger

	mu        sync.Mutex
	stability map[string]Stability
	details   *ModuleDetails
	lastErr   error
	started   bool

	firstDone chan struct{}
	firstOnce sync.Once
	stopCh    chan struct{}
	stopOnce  sync.Once
	done      chan struct{}
}

// New creates a Poller. Call Start to begin polling.
func New(fetcher Fetcher, inst Installer, opts Options) *Poller {
	if opts.Period <= 0 {
		opts.Period = DefaultPeriod
	}
	if opts.Tag == "" {
		opts.Tag = "latest"
	}
	return &Poller{
		opts:      opts,
		fetcher:   fetcher,
		inst:      inst,
		log:       logging.OrDiscard(opts.Logger),
		stability: make(map[string]Stability),
		firstDone: make(chan struct{}),
		stopCh:    make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Tag returns the watched dist-tag.
func (p *Poller) Tag() string { return p.opts.Tag }

// Start runs the first attempt immediately and schedules the following ones.
// Calling Start again, or after Stop, does nothing.
func (p *Poller) Start() *Poller {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started || p.isStopped() {
		return p
	}
	p.started = true
	if p.opts.Cleanup != nil {
		p.opts.Cleanup.Acquire()
	}
	go p.loop()
	return p
}

// Stop cancels future attempts and releases the cleanup task. An attempt in
// progress runs to completion. Stop is idempotent.
func (p *Poller) Stop() {
	p.stopOnce.Do(func() {
		close(p.stopCh)
		p.mu.Lock()
		started := p.started
		p.mu.Unlock()
		if !started {
			p.finishFirst()
			close(p.done)
			return
		}
		if p.opts.Cleanup != nil {
			p.opts.Cleanup.Release()
		}
	})
}

// Done is closed once the poller stopped and no attempt is running.
func (p *Poller) Done() <-chan struct{} { return p.done }

func (p *Poller) isStopped() bool {
	select {
	case <-p.stopCh:
		return true
	default:
		return false
	}
}

// Result returns the latest successful details. Before the first attempt
// finished it waits for it; if no attempt succeeded yet it returns the most
// recent attempt's error.
func (p *Poller) Result(ctx context.Context) (*ModuleDetails, error) {
	select {
	case <-p.firstDone:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.details != nil {
		return p.details, nil
	}
	if p.lastErr != nil {
		return nil, p.lastErr
	}
	return nil, errs.New(errs.ErrCodeStopped, "poller for %s@%s stopped before its first attempt", p.opts.Name, p.opts.Tag)
}

// Current returns the latest successful details without waiting.
func (p *Poller) Current() (*ModuleDetails, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.details, p.details != nil
}

// MarkStable clears an Unstable override. It applies from the next attempt.
func (p *Poller) MarkStable(version string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stability[version] = Stable
}

// MarkUnstable excludes version from resolution from the next attempt on.
func (p *Poller) MarkUnstable(version string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stability[version] = Unstable
}

// Stability returns a copy of the overrides.
func (p *Poller) Stability() map[string]Stability {
	p.mu.Lock()
	defer p.mu.Unlock()
	return maps.Clone(p.stability)
}

func (p *Poller) loop() {
	defer close(p.done)
	for {
		if p.isStopped() {
			p.finishFirst()
			return
		}

		p.runAttempt(context.Background())

		timer := time.NewTimer(p.opts.Period)
		select {
		case <-p.stopCh:
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func (p *Poller) finishFirst() {
	p.firstOnce.Do(func() { close(p.firstDone) })
}

func (p *Poller) runAttempt(ctx context.Context) {
	id := uuid.NewString()
	hooks := observability.Poll()
	hooks.OnPollStart(ctx, p.opts.Name, p.opts.Tag)
	start := time.Now()
	p.log.Debug("poll_start", "name", p.opts.Name, "tag", p.opts.Tag, "attempt", id)

	details, err := p.attempt(ctx, id)

	version := ""
	if details != nil {
		version = details.Version
	}
	hooks.OnPollComplete(ctx, p.opts.Name, p.opts.Tag, version, time.Since(start), err)

	p.mu.Lock()
	if err != nil {
		p.lastErr = err
	} else {
		p.details = details
		p.lastErr = nil
	}
	p.mu.Unlock()
	p.finishFirst()

	if err != nil {
		p.report(id, err)
		return
	}
	p.log.Debug("poll_complete", "name", p.opts.Name, "tag", p.opts.Tag, "attempt", id,
		"version", version, "elapsed", time.Since(start).Round(time.Millisecond))
}

func (p *Poller) attempt(ctx context.Context, id string) (*ModuleDetails, error) {
	res, err := p.fetcher.Fetch(ctx, p.opts.Name)
	if err != nil {
		return nil, err
	}
	meta := res.Metadata

	version, previous, err := Resolve(meta, p.opts.Tag, p.Stability())
	if err != nil {
		return nil, err
	}

	prefix := install.Prefix(p.opts.Dir, meta.Name, version)
	if cur, ok := p.Current(); ok && cur.Version == version && install.Installed(prefix, meta.Name) {
		if cur.PreviousVersion == previous {
			return cur, nil
		}
		next := *cur
		next.PreviousVersion = previous
		return &next, nil
	}

	if p.opts.Cleanup != nil {
		p.opts.Cleanup.Save(prefix)
	}

	p.log.Info("poll_install", "name", meta.Name, "tag", p.opts.Tag, "version", version, "attempt", id)
	err = p.inst.Install(ctx, meta.Name, version, install.Options{
		Prefix:       prefix,
		Dependencies: p.opts.Dependencies,
		ChildModules: p.opts.ChildModules,
		OnError:      p.opts.OnError,
	})
	if err != nil {
		return nil, err
	}

	nodeModules := filepath.Join(prefix, install.NodeModules)
	details := &ModuleDetails{
		NodeModulesPath: nodeModules,
		ModulePath:      install.ModuleDir(prefix, meta.Name),
		Version:         version,
		PreviousVersion: previous,
		Dependencies:    make(map[string]Dependency),
	}
	for dep, v := range meta.Versions[version].Dependencies {
		details.Dependencies[dep] = Dependency{Version: v, Path: install.ModuleDir(prefix, dep)}
	}
	return details, nil
}

func (p *Poller) report(id string, err error) {
	if p.opts.OnError != nil {
		p.opts.OnError(err)
		return
	}
	if errs.Recoverable(err) {
		p.log.Warn("poll_error", "name", p.opts.Name, "tag", p.opts.Tag, "attempt", id, "err", err)
		return
	}
	p.log.Error("poll_error", "name", p.opts.Name, "tag", p.opts.Tag, "attempt", id, "err", err)
}
