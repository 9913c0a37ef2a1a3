// Package fslock provides cross-process mutual exclusion keyed by a
// directory path.
//
// A lock on path is the file path+".lock", created with O_EXCL. Waiters poll
// until the file disappears. A holder refreshes the file's mtime while it
// holds the lock; a lock file whose mtime is older than StaleAfter is treated
// as abandoned by a crashed process and reclaimed.
package fslock

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	errs "github.com/matzehuels/distwatch/pkg/errors"
)

// Suffix is appended to the locked path to form the lock file name.
const Suffix = ".lock"

// Defaults used when the corresponding Options field is zero.
const (
	DefaultPoll       = 100 * time.Millisecond
	DefaultStaleAfter = 2 * time.Minute
	DefaultTimeout    = 10 * time.Minute
)

// Options tunes lock acquisition.
type Options struct {
	// Timeout bounds how long Acquire waits. Zero means DefaultTimeout;
	// a negative value waits until ctx is done.
	Timeout time.Duration

	// Poll is the interval between acquisition attempts.
	Poll time.Duration

	// StaleAfter is the age after which an unrefreshed lock file is reclaimed.
	StaleAfter time.Duration
}

func (o Options) withDefaults() Options {
	if o.Timeout == 0 {
		o.Timeout = DefaultTimeout
	}
	if o.Poll <= 0 {
		o.Poll = DefaultPoll
	}
	if o.StaleAfter <= 0 {
		o.StaleAfter = DefaultStaleAfter
	}
	return o
}

// Lock is a held lock. Release it exactly once.
type Lock struct {
	file string
	stop chan struct{}
	done chan struct{}
	once sync.Once
}

// Path returns the lock file path for path.
func Path(path string) string {
	return filepath.Clean(path) + Suffix
}

// Acquire blocks until the lock for path is held, ctx is done, or the
// timeout expires. The parent directory of path must be creatable.
func Acquire(ctx context.Context, path string, opts Options) (*Lock, error) {
	opts = opts.withDefaults()
	file := Path(path)

	if err := os.MkdirAll(filepath.Dir(file), 0o755); err != nil {
		return nil, fmt.Errorf("create lock dir: %w", err)
	}

	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	ticker := time.NewTicker(opts.Poll)
	defer ticker.Stop()

	for {
		ok, err := tryCreate(file)
		if err != nil {
			return nil, err
		}
		if ok {
			l := &Lock{file: file, stop: make(chan struct{}), done: make(chan struct{})}
			go l.refresh(opts.StaleAfter / 4)
			return l, nil
		}

		if reclaimStale(file, opts.StaleAfter) {
			continue
		}

		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, errs.Wrap(errs.ErrCodeLockTimeout, ctx.Err(), "lock %s", path)
			}
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// With runs fn while holding the lock for path.
func With(ctx context.Context, path string, opts Options, fn func() error) error {
	l, err := Acquire(ctx, path, opts)
	if err != nil {
		return err
	}
	defer l.Release()
	return fn()
}

// Release removes the lock file. Calling it more than once is a no-op.
func (l *Lock) Release() error {
	var err error
	l.once.Do(func() {
		close(l.stop)
		<-l.done
		if rmErr := os.Remove(l.file); rmErr != nil && !os.IsNotExist(rmErr) {
			err = rmErr
		}
	})
	return err
}

func (l *Lock) refresh(every time.Duration) {
	defer close(l.done)
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-l.stop:
			return
		case now := <-t.C:
			_ = os.Chtimes(l.file, now, now)
		}
	}
}

func tryCreate(file string) (bool, error) {
	f, err := os.OpenFile(file, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("create lock %s: %w", file, err)
	}
	host, _ := os.Hostname()
	fmt.Fprintf(f, "%d@%s\n", os.Getpid(), host)
	return true, f.Close()
}

// reclaimStale removes file when its mtime is older than staleAfter.
// It reports whether the caller should retry at once.
func reclaimStale(file string, staleAfter time.Duration) bool {
	info, err := os.Stat(file)
	if err != nil {
		return os.IsNotExist(err)
	}
	if time.Since(info.ModTime()) < staleAfter {
		return false
	}
	return reclaim(file, staleAfter)
}

// reclaim moves file to a unique name before deleting it, so of several
// waiters that saw the same stale lock only one takes it. If the moved file
// turns out to be fresh, another waiter already reclaimed the stale lock and
// created its own; that lock is linked back into place.
func reclaim(file string, staleAfter time.Duration) bool {
	tomb := file + ".stale-" + uuid.NewString()
	if err := os.Rename(file, tomb); err != nil {
		return os.IsNotExist(err)
	}
	defer os.Remove(tomb)

	info, err := os.Stat(tomb)
	if err != nil || time.Since(info.ModTime()) >= staleAfter {
		return true
	}
	_ = os.Link(tomb, file)
	return false
}
