// Package cleanup removes stale install directories from an installs root.
package cleanup

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/matzehuels/distwatch/pkg/logging"
	"github.com/matzehuels/distwatch/pkg/observability"
)

// Defaults applied to zero Options fields.
const (
	DefaultInterval  = time.Hour
	DefaultThreshold = 24 * time.Hour
)

// Options configures a [Task].
type Options struct {
	// Dir is the installs root whose immediate children are swept.
	Dir string

	// Interval between scheduled sweeps.
	Interval time.Duration

	// Threshold is the minimum age (by mtime) of a removable child.
	Threshold time.Duration

	// OnError receives per-entry failures.
	OnError func(error)

	Logger logging.Logger
}

// Task periodically deletes children of Dir that are older than Threshold
// and were never saved. Pollers hold the task with Acquire and Release; the
// schedule pauses when the last holder releases and resumes on the next
// Acquire.
type Task struct {
	opts Options
	log  logging.Logger
	now  func() time.Time

	mu      sync.Mutex
	saved   map[string]struct{}
	holders int
	timer   *time.Timer
	gen     int
	stopped bool
}

var (
	sharedMu sync.Mutex
	shared   = make(map[string]*Task)
)

// Shared returns the process-wide task for opts.Dir, creating it from opts
// on first use. Every caller sweeping the same directory gets the same task
// and therefore the same keep set; Interval, Threshold and OnError of later
// callers are ignored. A task that was stopped with Stop is replaced.
func Shared(opts Options) *Task {
	dir := absPath(opts.Dir)
	sharedMu.Lock()
	defer sharedMu.Unlock()
	if t, ok := shared[dir]; ok && !t.isStopped() {
		return t
	}
	opts.Dir = dir
	t := New(opts)
	shared[dir] = t
	return t
}

// New creates a Task. The schedule does not run until Start.
func New(opts Options) *Task {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.Threshold <= 0 {
		opts.Threshold = DefaultThreshold
	}
	return &Task{
		opts:  opts,
		log:   logging.OrDiscard(opts.Logger),
		now:   time.Now,
		saved: make(map[string]struct{}),
	}
}

// Dir returns the swept directory.
func (t *Task) Dir() string { return t.opts.Dir }

// Start schedules a sweep every Interval. It is a no-op if the schedule is
// already running or the task was stopped.
func (t *Task) Start() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped || t.timer != nil {
		return
	}
	t.schedule()
}

// schedule must be called with mu held. A timer only reschedules itself while
// no pause or stop happened since it was armed.
func (t *Task) schedule() {
	t.gen++
	gen := t.gen
	t.timer = time.AfterFunc(t.opts.Interval, func() {
		t.Sweep(context.Background())
		t.mu.Lock()
		defer t.mu.Unlock()
		if !t.stopped && t.gen == gen {
			t.schedule()
		}
	})
}

// pause must be called with mu held.
func (t *Task) pause() {
	t.gen++
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
}

// Stop cancels the schedule for good. It is idempotent; a running sweep
// finishes.
func (t *Task) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
	t.pause()
}

func (t *Task) isStopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

// Acquire registers a holder and starts the schedule if needed.
func (t *Task) Acquire() {
	t.mu.Lock()
	t.holders++
	t.mu.Unlock()
	t.Start()
}

// Release drops a holder. The last release pauses the schedule until the
// next Acquire.
func (t *Task) Release() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.holders > 0 {
		t.holders--
	}
	if t.holders == 0 {
		t.pause()
	}
}

// Save adds path to the keep set. Saved paths are never removed.
func (t *Task) Save(path string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.saved[absPath(path)] = struct{}{}
}

// Saved reports whether path is in the keep set.
func (t *Task) Saved(path string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.saved[absPath(path)]
	return ok
}

// Sweep runs one pass over Dir and returns the number of removed children.
// A missing Dir is not an error.
func (t *Task) Sweep(ctx context.Context) int {
	entries, err := os.ReadDir(t.opts.Dir)
	if err != nil {
		if !os.IsNotExist(err) {
			t.report(err)
		}
		return 0
	}

	cutoff := t.now().Add(-t.opts.Threshold)
	removed := 0
	for _, e := range entries {
		if ctx.Err() != nil {
			break
		}
		child := filepath.Join(t.opts.Dir, e.Name())
		if t.Saved(child) {
			continue
		}
		info, err := os.Stat(child)
		if err != nil {
			if !os.IsNotExist(err) {
				t.report(err)
			}
			continue
		}
		if !info.ModTime().Before(cutoff) {
			continue
		}
		if err := os.RemoveAll(child); err != nil {
			t.report(err)
			continue
		}
		removed++
		t.log.Debug("cleanup_removed", "path", child, "mtime", info.ModTime())
	}

	observability.Install().OnSweep(ctx, t.opts.Dir, removed)
	return removed
}

func (t *Task) report(err error) {
	if t.opts.OnError != nil {
		t.opts.OnError(err)
		return
	}
	t.log.Error("cleanup_error", "dir", t.opts.Dir, "err", err)
}

func absPath(path string) string {
	if abs, err := filepath.Abs(path); err == nil {
		return abs
	}
	return filepath.Clean(path)
}
