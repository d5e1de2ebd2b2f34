package install

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/codervisor/clawden/internal/common/logger"
	"github.com/codervisor/clawden/internal/runtime"
)

// Change reports that a runtime's current pointer moved.
type Change struct {
	Runtime runtime.Name
	// Version is empty when the pointer was removed.
	Version string
}

// Watcher reports current pointer changes under the runtimes directory,
// including those made by other clawden processes.
type Watcher struct {
	root    string
	fsw     *fsnotify.Watcher
	changes chan Change
	logger  *logger.Logger
}

// NewWatcher watches root and every runtime directory inside it.
func NewWatcher(root string, log *logger.Logger) (*Watcher, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &Watcher{
		root:    root,
		fsw:     fsw,
		changes: make(chan Change, 16),
		logger:  log.WithFields(zap.String("component", "install-watcher")),
	}
	if err := fsw.Add(root); err != nil {
		_ = fsw.Close()
		return nil, err
	}
	entries, _ := os.ReadDir(root)
	for _, e := range entries {
		if e.IsDir() && !strings.HasPrefix(e.Name(), ".") {
			w.watchRuntime(filepath.Join(root, e.Name()))
		}
	}
	return w, nil
}

// Changes delivers pointer changes until Run returns.
func (w *Watcher) Changes() <-chan Change { return w.changes }

// Run forwards filesystem events until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	defer close(w.changes)
	defer func() { _ = w.fsw.Close() }()
	for {
		select {
		case <-ctx.Done():
			return nil
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("install watcher error", zap.Error(err))
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			w.handle(ctx, ev)
		}
	}
}

func (w *Watcher) handle(ctx context.Context, ev fsnotify.Event) {
	dir, name := filepath.Split(ev.Name)
	dir = filepath.Clean(dir)

	if dir == filepath.Clean(w.root) {
		if ev.Op&fsnotify.Create != 0 && !strings.HasPrefix(name, ".") {
			if st, err := os.Stat(ev.Name); err == nil && st.IsDir() {
				w.watchRuntime(ev.Name)
			}
		}
		return
	}
	if name != currentLink || filepath.Dir(dir) != filepath.Clean(w.root) {
		return
	}

	change := Change{Runtime: runtime.Name(filepath.Base(dir))}
	if ev.Op&(fsnotify.Create|fsnotify.Write) != 0 {
		target, err := os.Readlink(ev.Name)
		if err != nil {
			return
		}
		change.Version = target
	} else if ev.Op&(fsnotify.Remove|fsnotify.Rename) == 0 {
		return
	} else if target, err := os.Readlink(ev.Name); err == nil {
		change.Version = target
	}

	select {
	case w.changes <- change:
	case <-ctx.Done():
	}
}

func (w *Watcher) watchRuntime(dir string) {
	if err := w.fsw.Add(dir); err != nil && !errors.Is(err, os.ErrNotExist) {
		w.logger.Warn("failed to watch runtime dir", zap.String("path", dir), zap.Error(err))
	}
}
