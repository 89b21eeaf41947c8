package plugin

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/dshills/flowkit/internal/logx"
)

// debounceWindow coalesces bursts of events for the same plugin, since
// editors and sync tools commonly emit several writes per save.
const debounceWindow = 500 * time.Millisecond

// Watcher reloads plugins when their source changes on disk. It watches
// each search path and each plugin directory beneath it, maps filesystem
// events back to the owning plugin directory, and calls Manager.Reload
// after a quiet period.
type Watcher struct {
	mu sync.Mutex

	manager *Manager
	watcher *fsnotify.Watcher

	// pending holds the debounce timers keyed by plugin directory.
	pending map[string]*time.Timer

	// roots are the watched search paths, used to map an event path to
	// a plugin directory name.
	roots []string

	closed  bool
	closeCh chan struct{}
	wg      sync.WaitGroup
}

// NewWatcher starts watching the manager's search paths for plugin
// changes. Close must be called to release the underlying watcher.
func NewWatcher(ctx context.Context, manager *Manager) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		manager: manager,
		watcher: fsw,
		pending: make(map[string]*time.Timer),
		closeCh: make(chan struct{}),
	}

	for _, root := range manager.discovery.Paths() {
		abs, err := filepath.Abs(root)
		if err != nil {
			continue
		}
		if _, err := os.Stat(abs); err != nil {
			continue
		}
		if err := w.watchTree(abs); err != nil {
			logx.Log.Warn().Str("path", abs).Err(err).Msg("cannot watch plugin path")
			continue
		}
		w.roots = append(w.roots, abs)
	}

	w.wg.Add(1)
	go w.processLoop(ctx)
	return w, nil
}

// watchTree adds a search path and its immediate plugin directories.
// Events fire for files directly inside watched directories, so one
// level of nesting covers descriptor and entry point edits.
func (w *Watcher) watchTree(root string) error {
	if err := w.watcher.Add(root); err != nil {
		return err
	}
	entries, err := os.ReadDir(root)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if !entry.IsDir() || skipDir(entry.Name()) {
			continue
		}
		if err := w.watcher.Add(filepath.Join(root, entry.Name())); err != nil {
			logx.Log.Warn().Str("dir", entry.Name()).Err(err).Msg("cannot watch plugin dir")
		}
	}
	return nil
}

// Close stops the watcher and cancels pending reloads.
func (w *Watcher) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	close(w.closeCh)
	for _, timer := range w.pending {
		timer.Stop()
	}
	w.mu.Unlock()

	err := w.watcher.Close()
	w.wg.Wait()
	return err
}

// processLoop handles incoming fsnotify events until closed.
func (w *Watcher) processLoop(ctx context.Context) {
	defer w.wg.Done()

	for {
		select {
		case <-w.closeCh:
			return
		case <-ctx.Done():
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(ctx, event)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logx.Log.Warn().Err(err).Msg("plugin watcher error")
		}
	}
}

// handleEvent maps a filesystem event to a plugin name and schedules a
// debounced reload.
func (w *Watcher) handleEvent(ctx context.Context, event fsnotify.Event) {
	if !event.Op.Has(fsnotify.Create) && !event.Op.Has(fsnotify.Write) &&
		!event.Op.Has(fsnotify.Remove) && !event.Op.Has(fsnotify.Rename) {
		return
	}

	dir, ok := w.pluginDirFor(event.Name)
	if !ok {
		return
	}

	// A new plugin directory needs its own watch before edits inside it
	// are visible.
	if event.Op.Has(fsnotify.Create) {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			_ = w.watcher.Add(event.Name)
		}
	}

	w.scheduleReload(ctx, dir)
}

// pluginDirFor resolves an event path to the plugin directory directly
// beneath one of the watched roots.
func (w *Watcher) pluginDirFor(path string) (string, bool) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", false
	}
	for _, root := range w.roots {
		rel, err := filepath.Rel(root, abs)
		if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
			continue
		}
		top := strings.Split(rel, string(filepath.Separator))[0]
		if skipDir(top) {
			return "", false
		}
		return filepath.Join(root, top), true
	}
	return "", false
}

// scheduleReload arms (or re-arms) the debounce timer for one plugin
// directory.
func (w *Watcher) scheduleReload(ctx context.Context, dir string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return
	}
	if timer, ok := w.pending[dir]; ok {
		timer.Reset(debounceWindow)
		return
	}
	w.pending[dir] = time.AfterFunc(debounceWindow, func() {
		w.mu.Lock()
		delete(w.pending, dir)
		closed := w.closed
		w.mu.Unlock()
		if closed {
			return
		}
		w.reload(ctx, dir)
	})
}

// reload maps the changed directory to the plugin it declares and runs
// the reload cycle. A brand new plugin has no prior mapping, so the
// directory is re-discovered first.
func (w *Watcher) reload(ctx context.Context, dir string) {
	name, ok := w.manager.PluginByDir(dir)
	if !ok {
		w.manager.Discover()
		if name, ok = w.manager.PluginByDir(dir); !ok {
			logx.Log.Debug().Str("dir", dir).Msg("change in non-plugin directory ignored")
			return
		}
	}

	logx.Log.Info().Str("plugin", name).Msg("source changed, reloading")
	if err := w.manager.Reload(ctx, name); err != nil {
		logx.Log.Warn().Str("plugin", name).Err(err).Msg("hot reload failed")
	}
}
