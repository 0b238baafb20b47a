// Package watch re-runs a callback when files change.
package watch

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// DefaultDelay is the debounce window between the last event and the callback.
const DefaultDelay = 500 * time.Millisecond

// Watcher calls a function after any of a set of files changes. Parent
// directories are watched so files replaced by rename are still seen.
type Watcher struct {
	files  map[string]bool
	dirs   map[string]bool
	delay  time.Duration
	logger zerolog.Logger
}

// Option configures a Watcher.
type Option func(*Watcher)

// WithDelay sets the debounce window.
func WithDelay(d time.Duration) Option {
	return func(w *Watcher) { w.delay = d }
}

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(w *Watcher) { w.logger = logger }
}

// New creates a watcher for paths. A directory path matches every file
// below it; files are matched by absolute path.
func New(paths []string, opts ...Option) (*Watcher, error) {
	w := &Watcher{
		files:  make(map[string]bool),
		dirs:   make(map[string]bool),
		delay:  DefaultDelay,
		logger: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(w)
	}

	for _, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve %s: %w", p, err)
		}
		info, err := os.Stat(abs)
		if err != nil {
			return nil, fmt.Errorf("failed to stat %s: %w", p, err)
		}
		if info.IsDir() {
			w.dirs[abs] = true
		} else {
			w.files[abs] = true
		}
	}
	return w, nil
}

// Run blocks until ctx is done, calling onChange once per burst of changes.
// Calls run on the watching goroutine so they never overlap. An error from
// onChange is logged and watching goes on.
func (w *Watcher) Run(ctx context.Context, onChange func(context.Context) error) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer fsw.Close()

	if err := w.addAll(fsw); err != nil {
		return err
	}

	w.logger.Info().
		Int("files", len(w.files)).
		Int("dirs", len(w.dirs)).
		Msg("Watching for changes")

	var (
		timer  *time.Timer
		timerC <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case <-timerC:
			timerC = nil
			if err := onChange(ctx); err != nil {
				w.logger.Error().Err(err).Msg("Change handler failed")
			}

		case event, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			if event.Op&fsnotify.Create != 0 {
				w.addNewDir(fsw, event.Name)
			}
			if !w.matches(event.Name) {
				continue
			}

			w.logger.Debug().
				Str("file", event.Name).
				Str("op", event.Op.String()).
				Msg("File changed")

			if timer == nil {
				timer = time.NewTimer(w.delay)
			} else {
				timer.Reset(w.delay)
			}
			timerC = timer.C

		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Error().Err(err).Msg("Watcher error")
		}
	}
}

func (w *Watcher) addAll(fsw *fsnotify.Watcher) error {
	for file := range w.files {
		if err := fsw.Add(filepath.Dir(file)); err != nil {
			return fmt.Errorf("failed to watch %s: %w", filepath.Dir(file), err)
		}
	}
	for dir := range w.dirs {
		err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				return fsw.Add(path)
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("failed to watch %s: %w", dir, err)
		}
	}
	return nil
}

// addNewDir starts watching a directory created inside a watched tree.
func (w *Watcher) addNewDir(fsw *fsnotify.Watcher, path string) {
	info, err := os.Stat(path)
	if err != nil || !info.IsDir() || !w.underDir(path) {
		return
	}
	if err := fsw.Add(path); err != nil {
		w.logger.Warn().Err(err).Str("path", path).Msg("Failed to watch new directory")
	}
}

func (w *Watcher) matches(path string) bool {
	return w.files[path] || w.underDir(path)
}

func (w *Watcher) underDir(path string) bool {
	for dir := range w.dirs {
		if rel, err := filepath.Rel(dir, path); err == nil && rel != ".." && !filepath.IsAbs(rel) && !startsWithParent(rel) {
			return true
		}
	}
	return false
}

func startsWithParent(rel string) bool {
	return len(rel) >= 3 && rel[:3] == ".."+string(filepath.Separator)
}
