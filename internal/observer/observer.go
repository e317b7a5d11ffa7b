// Package observer watches the run artifacts directory with fsnotify so
// externally edited artifacts (a human revising a change request before
// approving the plan gate) surface as run activity without polling.
package observer

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ArtifactChangeCallback is called with the run id and the changed artifact
// files, batched per debounce window.
type ArtifactChangeCallback func(runID string, changedFiles []string)

// ArtifactWatcher monitors per-run artifact directories under the outputs
// root.
type ArtifactWatcher struct {
	watcher  *fsnotify.Watcher
	callback ArtifactChangeCallback
	root     string

	debounce     time.Duration
	pendingByRun map[string]map[string]struct{}
	timer        *time.Timer
	mu           sync.Mutex

	cancel context.CancelFunc
}

// NewArtifactWatcher creates a watcher rooted at the runs output directory
// (the directory whose children are per-run artifact dirs).
func NewArtifactWatcher(root string, callback ArtifactChangeCallback) (*ArtifactWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &ArtifactWatcher{
		watcher:      watcher,
		callback:     callback,
		root:         root,
		debounce:     500 * time.Millisecond,
		pendingByRun: make(map[string]map[string]struct{}),
	}, nil
}

// AddRun starts watching a run's artifact directory. Watching a run whose
// directory does not exist yet is not an error; call again after PLAN has
// seeded it.
func (w *ArtifactWatcher) AddRun(runID string) error {
	dir := filepath.Join(w.root, runID)
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return nil
	}
	return w.watcher.Add(dir)
}

// RemoveRun stops watching a run's artifact directory.
func (w *ArtifactWatcher) RemoveRun(runID string) {
	w.watcher.Remove(filepath.Join(w.root, runID))

	w.mu.Lock()
	delete(w.pendingByRun, runID)
	w.mu.Unlock()
}

// Start begins dispatching file events until ctx is cancelled or Stop is
// called.
func (w *ArtifactWatcher) Start(ctx context.Context) {
	ctx, w.cancel = context.WithCancel(ctx)

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-w.watcher.Events:
				if !ok {
					return
				}
				w.handleEvent(event)
			case _, ok := <-w.watcher.Errors:
				if !ok {
					return
				}
			}
		}
	}()
}

// Stop cancels dispatching and closes the underlying watcher.
func (w *ArtifactWatcher) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	w.watcher.Close()
}

// SetDebounce sets the batching window for change callbacks.
func (w *ArtifactWatcher) SetDebounce(d time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.debounce = d
}

func (w *ArtifactWatcher) handleEvent(event fsnotify.Event) {
	if !strings.HasSuffix(event.Name, ".md") && !strings.HasSuffix(event.Name, ".json") {
		return
	}
	if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
		return
	}

	runID := w.runFor(event.Name)
	if runID == "" {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.pendingByRun[runID] == nil {
		w.pendingByRun[runID] = make(map[string]struct{})
	}
	w.pendingByRun[runID][filepath.Base(event.Name)] = struct{}{}

	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, w.flush)
}

// runFor maps an event path back to the run id (the directory directly
// under the watch root).
func (w *ArtifactWatcher) runFor(path string) string {
	rel, err := filepath.Rel(w.root, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return ""
	}
	parts := strings.Split(filepath.ToSlash(rel), "/")
	if len(parts) < 2 {
		return ""
	}
	return parts[0]
}

func (w *ArtifactWatcher) flush() {
	w.mu.Lock()
	pending := w.pendingByRun
	w.pendingByRun = make(map[string]map[string]struct{})
	w.mu.Unlock()

	if w.callback == nil {
		return
	}
	for runID, fileMap := range pending {
		files := make([]string, 0, len(fileMap))
		for f := range fileMap {
			files = append(files, f)
		}
		if len(files) > 0 {
			w.callback(runID, files)
		}
	}
}
