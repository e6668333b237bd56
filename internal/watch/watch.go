// Package watch adapts raw filesystem notifications into settled
// per-file changes for the sequencer.
package watch

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/kitbash/meshview/internal/logging"
)

// ExtFilter returns a predicate matching file names with one of the
// given extensions (case-insensitive). Extensions include the dot.
func ExtFilter(exts []string) func(string) bool {
	set := make(map[string]bool, len(exts))
	for _, e := range exts {
		set[strings.ToLower(e)] = true
	}
	return func(name string) bool {
		return set[strings.ToLower(filepath.Ext(name))]
	}
}

// Watcher watches a single directory (non-recursive) and reports the
// base names of files with raw create/modify/remove activity. The
// debouncer downstream decides what actually changed.
type Watcher struct {
	dir    string
	match  func(string) bool
	fw     *fsnotify.Watcher
	events chan string
}

// New creates a watcher for dir. Only names accepted by match are
// reported.
func New(dir string, match func(string) bool) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	if err := fw.Add(dir); err != nil {
		fw.Close()
		return nil, fmt.Errorf("watch %s: %w", dir, err)
	}
	return &Watcher{
		dir:    dir,
		match:  match,
		fw:     fw,
		events: make(chan string, 256),
	}, nil
}

// Events returns the channel of raw-activity file names. Closed when
// Run returns.
func (w *Watcher) Events() <-chan string {
	return w.events
}

// Run consumes fsnotify events until ctx is cancelled or the watch is
// lost. A non-nil return means the directory itself became unwatchable
// and no further synchronization is possible.
func (w *Watcher) Run(ctx context.Context) error {
	defer close(w.events)
	defer w.fw.Close()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.fw.Events:
			if !ok {
				return fmt.Errorf("watch on %s closed unexpectedly", w.dir)
			}
			if err := w.handle(ev); err != nil {
				return err
			}
		case err, ok := <-w.fw.Errors:
			if !ok {
				return fmt.Errorf("watch on %s closed unexpectedly", w.dir)
			}
			return fmt.Errorf("watch on %s lost: %w", w.dir, err)
		}
	}
}

func (w *Watcher) handle(ev fsnotify.Event) error {
	// Removal or rename of the watched directory itself is fatal.
	if filepath.Clean(ev.Name) == filepath.Clean(w.dir) {
		if ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
			return fmt.Errorf("watched directory %s was removed", w.dir)
		}
		return nil
	}

	if ev.Op&fsnotify.Chmod != 0 && ev.Op&^fsnotify.Chmod == 0 {
		return nil
	}

	name := filepath.Base(ev.Name)
	if !w.match(name) {
		return nil
	}

	select {
	case w.events <- name:
	default:
		// The debouncer re-stats at quiet-period expiry, so a dropped
		// duplicate notification for a busy file loses nothing.
		logging.L().Debug("raw event buffer full, dropping notification",
			zap.String("name", name))
	}
	return nil
}
