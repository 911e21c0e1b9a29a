// Package watcher tracks how many files live in each session's working
// directory and reports changes.
package watcher

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

const debounceInterval = 500 * time.Millisecond

// excludedDirs are directories excluded from file counting.
var excludedDirs = map[string]bool{
	"node_modules": true,
	".git":         true,
	"vendor":       true,
}

// UpdateCallback is called when the file count changes for a session.
type UpdateCallback func(sessionID string, fileCount int)

// Watcher monitors working directories for file changes.
type Watcher struct {
	mu       sync.RWMutex
	watchers map[string]*sessionWatcher // sessionID → watcher
	callback UpdateCallback
	logger   *zap.Logger
	wg       sync.WaitGroup
}

type sessionWatcher struct {
	sessionID string
	workDir   string
	fsWatcher *fsnotify.Watcher
	cancel    chan struct{}

	mu        sync.Mutex
	lastCount int
}

// New creates a new file system watcher.
func New(callback UpdateCallback, logger *zap.Logger) *Watcher {
	return &Watcher{
		watchers: make(map[string]*sessionWatcher),
		callback: callback,
		logger:   logger,
	}
}

// Watch starts watching a directory for a given session. Watching a session
// twice replaces the earlier watch.
func (w *Watcher) Watch(sessionID, workDir string) error {
	info, err := os.Stat(workDir)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("watch %s: not a directory", workDir)
	}

	fsW, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	sw := &sessionWatcher{
		sessionID: sessionID,
		workDir:   workDir,
		fsWatcher: fsW,
		cancel:    make(chan struct{}),
		lastCount: -1, // Force initial update.
	}

	if err := addDirsRecursive(fsW, workDir); err != nil {
		fsW.Close()
		return err
	}

	w.Unwatch(sessionID)
	w.mu.Lock()
	w.watchers[sessionID] = sw
	w.mu.Unlock()

	w.wg.Add(2)
	go func() {
		defer w.wg.Done()
		w.watchLoop(sw)
	}()
	go func() {
		defer w.wg.Done()
		w.recount(sw)
	}()

	w.logger.Debug("watching work dir", zap.String("session", sessionID), zap.String("dir", workDir))
	return nil
}

// Unwatch stops watching a session's directory.
func (w *Watcher) Unwatch(sessionID string) {
	w.mu.Lock()
	sw, ok := w.watchers[sessionID]
	if ok {
		delete(w.watchers, sessionID)
	}
	w.mu.Unlock()

	if ok {
		close(sw.cancel)
		sw.fsWatcher.Close()
	}
}

// Watching reports whether sessionID has an active watch.
func (w *Watcher) Watching(sessionID string) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	_, ok := w.watchers[sessionID]
	return ok
}

// watchLoop processes fsnotify events with debouncing.
func (w *Watcher) watchLoop(sw *sessionWatcher) {
	var timer *time.Timer
	fire := make(chan struct{}, 1)

	for {
		select {
		case <-sw.cancel:
			if timer != nil {
				timer.Stop()
			}
			return

		case <-fire:
			w.recount(sw)

		case event, ok := <-sw.fsWatcher.Events:
			if !ok {
				return
			}

			// If a new directory is created, watch it too.
			if event.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					base := filepath.Base(event.Name)
					if !excludedDirs[base] && (!isHidden(base) || base == ".claude") {
						sw.fsWatcher.Add(event.Name)
					}
				}
			}

			// Debounce: reset timer on each event.
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(debounceInterval, func() {
				select {
				case fire <- struct{}{}:
				default:
				}
			})

		case err, ok := <-sw.fsWatcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watcher error", zap.String("session", sw.sessionID), zap.Error(err))
		}
	}
}

// recount recalculates file count and notifies if changed.
func (w *Watcher) recount(sw *sessionWatcher) {
	count := CountFiles(sw.workDir)

	sw.mu.Lock()
	changed := count != sw.lastCount
	sw.lastCount = count
	sw.mu.Unlock()

	select {
	case <-sw.cancel:
		return
	default:
	}
	if changed && w.callback != nil {
		w.callback(sw.sessionID, count)
	}
}

// CountFiles counts all non-excluded files in a directory.
func CountFiles(dir string) int {
	count := 0
	filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil // Skip inaccessible paths.
		}

		name := d.Name()

		if d.IsDir() {
			if excludedDirs[name] {
				return filepath.SkipDir
			}
			// Skip hidden dirs except .claude.
			if isHidden(name) && name != ".claude" && path != dir {
				return filepath.SkipDir
			}
			return nil
		}

		// Skip hidden files (except inside .claude).
		rel, _ := filepath.Rel(dir, path)
		if isHidden(name) && !strings.HasPrefix(rel, ".claude") {
			return nil
		}

		count++
		return nil
	})
	return count
}

// Shutdown stops all watchers and waits for their goroutines.
func (w *Watcher) Shutdown() {
	w.mu.Lock()
	ids := make([]string, 0, len(w.watchers))
	for id := range w.watchers {
		ids = append(ids, id)
	}
	w.mu.Unlock()

	for _, id := range ids {
		w.Unwatch(id)
	}
	w.wg.Wait()
}

// addDirsRecursive adds a directory and its subdirectories to an fsnotify watcher.
func addDirsRecursive(w *fsnotify.Watcher, dir string) error {
	return filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() {
			return nil
		}

		name := d.Name()
		if excludedDirs[name] && path != dir {
			return filepath.SkipDir
		}
		if isHidden(name) && name != ".claude" && path != dir {
			return filepath.SkipDir
		}

		return w.Add(path)
	})
}

func isHidden(name string) bool {
	return len(name) > 0 && name[0] == '.'
}
