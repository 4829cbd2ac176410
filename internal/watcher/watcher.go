// Package watcher reloads the gateway configuration file when it changes
// on disk. Only hot-applicable settings (API keys, debug flag) are picked
// up; everything else requires a restart.
package watcher

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	log "github.com/nghyane/samba-mux/internal/logging"
)

const debounceInterval = 200 * time.Millisecond

// Watcher observes a single config file. Editors typically replace files
// via rename, so the parent directory is watched and events are filtered
// by name.
type Watcher struct {
	fs       *fsnotify.Watcher
	path     string
	onChange func()
}

// New prepares a watcher for the given file. onChange fires after writes
// settle; the callback must do its own error handling.
func New(path string, onChange func()) (*Watcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}
	fs, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create file watcher: %w", err)
	}
	if err := fs.Add(filepath.Dir(abs)); err != nil {
		_ = fs.Close()
		return nil, fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}
	return &Watcher{fs: fs, path: abs, onChange: onChange}, nil
}

// Watch blocks until ctx is cancelled, firing onChange for relevant
// events. Rapid event bursts collapse into one callback.
func (w *Watcher) Watch(ctx context.Context) error {
	defer w.fs.Close()

	var debounce *time.Timer
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()

	log.Debugf("watching %s for changes", w.path)
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-w.fs.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(debounceInterval, func() {
				log.Infof("configuration file changed, reloading")
				w.onChange()
			})
		case err, ok := <-w.fs.Errors:
			if !ok {
				return nil
			}
			log.WithError(err).Warn("file watcher error")
		}
	}
}
