package watch

import (
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/taskpilot/taskpilot/internal/events"
)

// DefaultDebounce coalesces bursts of file events (an agent writing many
// files in quick succession) into a single change notification.
const DefaultDebounce = 500 * time.Millisecond

// skipDirs are directory names never watched inside a workspace.
var skipDirs = map[string]bool{
	".git":         true,
	"node_modules": true,
	"vendor":       true,
	".idea":        true,
}

// Watcher observes per-task workspace directories and broadcasts a
// repo data-change event when files inside them are modified, so
// clients can refresh diff views without polling.
type Watcher struct {
	sink     events.Sink
	debounce time.Duration
	fw       *fsnotify.Watcher

	mu     sync.Mutex
	roots  map[string]string // workspace root -> task ID
	timers map[string]*time.Timer
	closed bool
}

// New creates a watcher. Call Start to begin delivering events and
// Close to release the underlying OS watches.
func New(sink events.Sink, debounce time.Duration) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	return &Watcher{
		sink:     sink,
		debounce: debounce,
		fw:       fw,
		roots:    make(map[string]string),
		timers:   make(map[string]*time.Timer),
	}, nil
}

// Start runs the event loop until Close is called.
func (w *Watcher) Start() {
	go w.loop()
}

func (w *Watcher) loop() {
	for {
		select {
		case ev, ok := <-w.fw.Events:
			if !ok {
				return
			}
			w.handle(ev)
		case err, ok := <-w.fw.Errors:
			if !ok {
				return
			}
			log.Printf("[watch] watcher error: %v", err)
		}
	}
}

func (w *Watcher) handle(ev fsnotify.Event) {
	if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
		return
	}
	if skipDirs[filepath.Base(ev.Name)] {
		return
	}

	// New directories must be watched too; fsnotify is not recursive.
	if ev.Op&fsnotify.Create != 0 {
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			if err := w.fw.Add(ev.Name); err != nil {
				log.Printf("[watch] adding %s: %v", ev.Name, err)
			}
		}
	}

	taskID := w.owner(ev.Name)
	if taskID == "" {
		return
	}
	w.schedule(taskID)
}

// owner maps a changed path to the task whose workspace contains it.
func (w *Watcher) owner(path string) string {
	w.mu.Lock()
	defer w.mu.Unlock()
	for root, taskID := range w.roots {
		if path == root || strings.HasPrefix(path, root+string(filepath.Separator)) {
			return taskID
		}
	}
	return ""
}

// schedule arms (or re-arms) the task's debounce timer.
func (w *Watcher) schedule(taskID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	if t, ok := w.timers[taskID]; ok {
		t.Reset(w.debounce)
		return
	}
	w.timers[taskID] = time.AfterFunc(w.debounce, func() {
		w.mu.Lock()
		delete(w.timers, taskID)
		closed := w.closed
		w.mu.Unlock()
		if closed {
			return
		}
		w.sink.Change("repo", "updated", taskID)
	})
}

// Add starts watching a task's workspace tree.
func (w *Watcher) Add(taskID, root string) error {
	root = filepath.Clean(root)

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if skipDirs[d.Name()] {
			return filepath.SkipDir
		}
		return w.fw.Add(path)
	})
	if err != nil {
		return err
	}

	w.mu.Lock()
	w.roots[root] = taskID
	w.mu.Unlock()
	log.Printf("[watch] task %s: watching %s", taskID, root)
	return nil
}

// Remove stops watching the task's workspace. Pending debounce timers
// are dropped.
func (w *Watcher) Remove(taskID string) {
	w.mu.Lock()
	var root string
	for r, id := range w.roots {
		if id == taskID {
			root = r
			break
		}
	}
	if root != "" {
		delete(w.roots, root)
	}
	if t, ok := w.timers[taskID]; ok {
		t.Stop()
		delete(w.timers, taskID)
	}
	w.mu.Unlock()

	if root == "" {
		return
	}
	for _, watched := range w.fw.WatchList() {
		if watched == root || strings.HasPrefix(watched, root+string(filepath.Separator)) {
			if err := w.fw.Remove(watched); err != nil {
				log.Printf("[watch] removing %s: %v", watched, err)
			}
		}
	}
	log.Printf("[watch] task %s: stopped watching %s", taskID, root)
}

// Close stops the watcher and cancels all pending notifications.
func (w *Watcher) Close() error {
	w.mu.Lock()
	w.closed = true
	for id, t := range w.timers {
		t.Stop()
		delete(w.timers, id)
	}
	w.mu.Unlock()
	return w.fw.Close()
}
