//go:build harness

package harness

import (
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
)

// ScriptWatcher re-runs onChange whenever a .sh file under dir is written,
// a dev-loop helper (no test in this package drives it), grounded on
// SeleniaProject-Orizon's own fsnotify.NewWatcher/AddRecursive usage (the
// only pack repo that imports fsnotify).
type ScriptWatcher struct {
	w *fsnotify.Watcher
}

// NewScriptWatcher watches dir (non-recursively) for .sh file writes.
func NewScriptWatcher(dir string) (*ScriptWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.Add(dir); err != nil {
		w.Close()
		return nil, err
	}
	return &ScriptWatcher{w: w}, nil
}

// Run blocks, invoking onChange each time a .sh file under the watched
// directory is written, until the watcher is closed.
func (s *ScriptWatcher) Run(onChange func(path string)) {
	for {
		select {
		case ev, ok := <-s.w.Events:
			if !ok {
				return
			}
			if ev.Op&fsnotify.Write == 0 {
				continue
			}
			if strings.EqualFold(filepath.Ext(ev.Name), ".sh") {
				onChange(ev.Name)
			}
		case _, ok := <-s.w.Errors:
			if !ok {
				return
			}
		}
	}
}

// Close stops the watcher.
func (s *ScriptWatcher) Close() error {
	return s.w.Close()
}
