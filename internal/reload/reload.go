// Package reload watches configuration files and triggers hot reloads.
package reload

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/litmajor/mtaa-elders/internal/logging"
)

// DefaultDebounce is how long writes must settle before a reload.
const DefaultDebounce = 500 * time.Millisecond

// Reloadable re-reads its configuration.
type Reloadable interface {
	Reload() error
}

// Func adapts a function to Reloadable.
type Func func() error

func (f Func) Reload() error { return f() }

// Reloader watches files for changes and calls a Reloadable.
type Reloader struct {
	watcher  *fsnotify.Watcher
	target   Reloadable
	paths    []string
	debounce time.Duration
	log      logging.Logger

	mu      sync.Mutex
	reloads int
}

// New watches the given paths. Empty and missing paths are skipped.
func New(target Reloadable, paths []string, log logging.Logger) (*Reloader, error) {
	if log == nil {
		log = logging.NoOpLogger{}
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}

	var watched []string
	for _, p := range paths {
		if p == "" {
			continue
		}
		if _, err := os.Stat(p); err != nil {
			continue
		}
		if err := watcher.Add(p); err != nil {
			watcher.Close()
			return nil, fmt.Errorf("failed to watch %q: %w", p, err)
		}
		watched = append(watched, p)
	}

	return &Reloader{
		watcher:  watcher,
		target:   target,
		paths:    watched,
		debounce: DefaultDebounce,
		log:      log,
	}, nil
}

// Paths returns the files being watched.
func (r *Reloader) Paths() []string {
	return append([]string(nil), r.paths...)
}

// Reloads counts successful reloads.
func (r *Reloader) Reloads() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.reloads
}

// Run watches for changes until ctx is cancelled.
func (r *Reloader) Run(ctx context.Context) error {
	defer r.watcher.Close()

	var timer *time.Timer
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil

		case event, ok := <-r.watcher.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(r.debounce, r.fire)

		case err, ok := <-r.watcher.Errors:
			if !ok {
				return nil
			}
			r.log.Warn("file watcher error", "error", err)
		}
	}
}

func (r *Reloader) fire() {
	if err := r.target.Reload(); err != nil {
		r.log.Error("hot-reload failed", "error", err)
		return
	}
	r.mu.Lock()
	r.reloads++
	r.mu.Unlock()
	r.log.Info("hot-reload: configuration reloaded")
}
