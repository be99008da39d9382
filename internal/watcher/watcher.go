// Package watcher implements the file-change router (C5): it watches the
// project tree for filesystem events (directories matched by exclude globs
// or .gitignore are not watched), keeps changes to files matching the
// include globs or explicitly registered, debounces bursts, and delivers a
// batch of
// canonicalized file-change events to whatever's listening (normally the
// semantic index manager).
//
// Directly grounded on the teacher's FileWatcher + eventDebouncer pair
// (internal/indexing/watcher.go): fsnotify for OS events, doublestar for
// glob matching, a recursive directory walk that adds watches and prunes
// ignored subtrees. What's new is routing through the shared
// internal/debounce package instead of a bespoke debouncer, and emitting
// the core's own types.FileChangeEvent instead of the teacher's
// FileEventType.
package watcher

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fsnotify/fsnotify"

	"github.com/standardbeagle/workspacecore/internal/config"
	"github.com/standardbeagle/workspacecore/internal/debounce"
	"github.com/standardbeagle/workspacecore/internal/debug"
	errs "github.com/standardbeagle/workspacecore/internal/errors"
	"github.com/standardbeagle/workspacecore/internal/pathutil"
	"github.com/standardbeagle/workspacecore/internal/types"
)

// Router watches cfg.Project.Root for changes to files matching
// cfg.Include (or registered via RegisterWatched) and delivers debounced
// batches on Events(). cfg.Exclude and .gitignore prune directories from
// the watch; they are not matched against individual files.
type Router struct {
	cfg       *config.Config
	fsWatcher *fsnotify.Watcher
	gitignore *config.GitignoreParser
	debouncer *debounce.Debouncer[types.FileID]

	ctx    chan struct{}
	cancel sync.Once
	wg     sync.WaitGroup

	mu         sync.Mutex
	watchedSet map[types.FileID]bool // files explicitly registered via RegisterWatched

	pendingKinds kindTracker

	events chan []types.FileChangeEvent

	// onBuildSettingsFile is consulted for every changed file; when true,
	// the router reports it separately so the caller can trigger a
	// build-graph reload instead of an ordinary re-index.
	onBuildSettingsFile func(types.FileID) bool
	buildSettingsEvents chan types.FileID
}

// New builds a Router for cfg. The build-settings predicate is normally
// the active build-system adapter's FileAffectsBuildSettings.
func New(cfg *config.Config, onBuildSettingsFile func(types.FileID) bool) (*Router, error) {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}

	var gi *config.GitignoreParser
	if cfg.Index.RespectGitignore {
		gi = config.NewGitignoreParser()
		if err := gi.LoadGitignore(cfg.Project.Root); err != nil {
			debug.LogWatcher("no .gitignore loaded: %v", err)
		}
	}

	r := &Router{
		cfg:                 cfg,
		fsWatcher:           fsWatcher,
		gitignore:           gi,
		ctx:                 make(chan struct{}),
		watchedSet:          make(map[types.FileID]bool),
		events:              make(chan []types.FileChangeEvent, 16),
		onBuildSettingsFile: onBuildSettingsFile,
		buildSettingsEvents: make(chan types.FileID, 16),
	}
	r.debouncer = debounce.New(time.Duration(cfg.Index.WatchDebounceMs)*time.Millisecond, r.flush)
	return r, nil
}

// Events returns the channel debounced, filtered change batches are
// delivered on.
func (r *Router) Events() <-chan []types.FileChangeEvent { return r.events }

// BuildSettingsEvents returns the channel files matching the build-graph
// predicate are delivered on, separately from ordinary source changes.
func (r *Router) BuildSettingsEvents() <-chan types.FileID { return r.buildSettingsEvents }

// Start begins watching cfg.Project.Root, adding fsnotify watches to every
// directory not pruned by exclude globs or .gitignore.
func (r *Router) Start() error {
	if !r.cfg.Index.WatchMode {
		debug.LogWatcher("watch mode disabled in configuration")
		return nil
	}
	if err := r.addWatches(r.cfg.Project.Root); err != nil {
		return fmt.Errorf("add watches under %s: %w", r.cfg.Project.Root, err)
	}

	r.wg.Add(1)
	go r.processEvents()
	return nil
}

// Stop closes the underlying fsnotify watcher and waits for the event
// loop to exit. Matching the teacher's eventDebouncer shutdown, any
// events still pending in the debounce window are dropped rather than
// forced through: the router is being torn down anyway.
func (r *Router) Stop() error {
	r.cancel.Do(func() { close(r.ctx) })
	r.debouncer.Stop()
	err := r.fsWatcher.Close()
	r.wg.Wait()
	return err
}

// RegisterWatched/UnregisterWatched mark a file as one the caller cares
// about independent of the include glob match, e.g. a file open in an
// editor that wouldn't otherwise match the configured patterns. A file
// inside a directory pruned by exclude globs or .gitignore still produces
// no events, since that directory is not watched.
func (r *Router) RegisterWatched(file types.FileID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.watchedSet[file] = true
}

func (r *Router) UnregisterWatched(file types.FileID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.watchedSet, file)
}

func (r *Router) isWatched(file types.FileID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.watchedSet[file]
}

func (r *Router) addWatches(root string) error {
	visited := make(map[string]bool)
	return filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if !info.IsDir() {
			return nil
		}
		real, err := filepath.EvalSymlinks(path)
		if err != nil {
			return nil
		}
		if visited[real] {
			return filepath.SkipDir
		}
		visited[real] = true

		if r.shouldIgnoreDir(path) {
			return filepath.SkipDir
		}
		if err := r.fsWatcher.Add(path); err != nil {
			debug.LogWatcher("failed to watch %s: %v", path, err)
		}
		return nil
	})
}

func (r *Router) shouldIgnoreDir(path string) bool {
	for _, pattern := range r.cfg.Exclude {
		dirPattern := strings.TrimSuffix(pattern, "/**")
		if matched, _ := doublestar.Match(dirPattern, filepath.Base(path)); matched {
			return true
		}
		if matched, _ := doublestar.Match(pattern, path); matched {
			return true
		}
	}
	if r.gitignore != nil {
		rel, err := filepath.Rel(r.cfg.Project.Root, path)
		if err != nil {
			rel = path
		}
		if r.gitignore.ShouldIgnore(filepath.ToSlash(rel), true) {
			return true
		}
	}
	return false
}

func (r *Router) processEvents() {
	defer r.wg.Done()
	for {
		select {
		case <-r.ctx:
			return
		case event, ok := <-r.fsWatcher.Events:
			if !ok {
				return
			}
			r.handleEvent(event)
		case err, ok := <-r.fsWatcher.Errors:
			if !ok {
				return
			}
			debug.LogWatcher("fsnotify error: %v", err)
		}
	}
}

func (r *Router) handleEvent(event fsnotify.Event) {
	path := event.Name
	info, statErr := os.Stat(path)

	if statErr != nil {
		if event.Op&fsnotify.Remove != 0 && r.shouldProcess(path) {
			r.recordChange(path, types.FileDeleted)
		}
		return
	}

	if info.IsDir() {
		if event.Op&fsnotify.Create != 0 && !r.shouldIgnoreDir(path) {
			if err := r.fsWatcher.Add(path); err != nil {
				debug.LogWatcher("failed to watch new directory %s: %v", path, err)
			}
		}
		return
	}

	if info.Size() > r.cfg.Index.MaxFileSize {
		return
	}
	if !r.shouldProcess(path) {
		return
	}

	switch {
	case event.Op&fsnotify.Create != 0:
		r.recordChange(path, types.FileCreated)
	case event.Op&fsnotify.Write != 0:
		r.recordChange(path, types.FileModified)
	case event.Op&fsnotify.Remove != 0:
		r.recordChange(path, types.FileDeleted)
	case event.Op&fsnotify.Rename != 0:
		r.recordChange(path, types.FileDeleted)
	}
}

func (r *Router) recordChange(path string, kind types.FileChangeKind) {
	file, err := pathutil.Canonical(path)
	if err != nil {
		file = types.FileID(path)
	}
	if r.onBuildSettingsFile != nil && r.onBuildSettingsFile(file) {
		select {
		case r.buildSettingsEvents <- file:
		default:
			err := errs.NewTaskError(errs.KindWatcherDroppedEvents, types.TaskKey{Kind: types.TaskIndex, File: file}, fmt.Errorf("build-settings subscriber too slow"))
			debug.LogWatcher("%s", err)
		}
		return
	}
	r.pendingKinds.set(file, kind)
	r.debouncer.Add(file)
}

func (r *Router) shouldProcess(path string) bool {
	file, err := pathutil.Canonical(path)
	if err == nil && r.isWatched(file) {
		return true
	}
	rel, relErr := filepath.Rel(r.cfg.Project.Root, path)
	for _, pattern := range r.cfg.Include {
		if matched, _ := doublestar.Match(pattern, path); matched {
			return true
		}
		if relErr == nil {
			if matched, _ := doublestar.Match(pattern, rel); matched {
				return true
			}
		}
	}
	return false
}

// kindTracker remembers the FileChangeKind to report for each pending file
// between Add and the debouncer's eventual flush, since the debouncer
// itself only tracks a set of keys, not arbitrary payloads. The most recent
// kind wins, except that a pending FileCreated is kept when writes to the
// same file follow it within the same window.
type kindTracker struct {
	mu    sync.Mutex
	kinds map[types.FileID]types.FileChangeKind
}

func (k *kindTracker) set(file types.FileID, kind types.FileChangeKind) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.kinds == nil {
		k.kinds = make(map[types.FileID]types.FileChangeKind)
	}
	if prev, ok := k.kinds[file]; ok && prev == types.FileCreated && kind == types.FileModified {
		return
	}
	k.kinds[file] = kind
}

func (k *kindTracker) take(file types.FileID) types.FileChangeKind {
	k.mu.Lock()
	defer k.mu.Unlock()
	kind := k.kinds[file]
	delete(k.kinds, file)
	return kind
}

// flush is the debouncer's callback: translate the batch of pending file
// IDs into FileChangeEvents using the kind recorded for each, and publish.
func (r *Router) flush(batch map[types.FileID]struct{}) {
	events := make([]types.FileChangeEvent, 0, len(batch))
	for file := range batch {
		kind := r.pendingKinds.take(file)
		events = append(events, types.FileChangeEvent{File: file, Kind: kind})
	}
	select {
	case r.events <- events:
	default:
		err := errs.NewTaskError(errs.KindWatcherDroppedEvents, types.TaskKey{}, fmt.Errorf("dropped a batch of %d file change events, subscriber too slow", len(events)))
		debug.LogWatcher("%s", err)
	}
}
