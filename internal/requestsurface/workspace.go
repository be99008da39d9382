// Package requestsurface wires C1 through C6 into one "workspace context"
// value (spec's design note: "owned by a single workspace context value
// passed explicitly to every entry point, not by module-level statics")
// and exposes the request surface named in the external interfaces section
// as plain Go methods: prepare, index, wait_for_quiescence,
// register_watched/unregister_watched, is_indexing, trigger_reindex.
//
// Two consumers sit on top of this package: an MCP tool surface
// (internal/mcpserver) and a CLI (cmd/workspacecore), both grounded on the
// teacher's own outer layers. Neither holds any of C1-C6's state directly;
// they only call into a *Workspace.
package requestsurface

import (
	"context"
	"fmt"

	"github.com/standardbeagle/workspacecore/internal/buildsystem"
	"github.com/standardbeagle/workspacecore/internal/config"
	"github.com/standardbeagle/workspacecore/internal/debug"
	"github.com/standardbeagle/workspacecore/internal/indexmanager"
	"github.com/standardbeagle/workspacecore/internal/indexstore"
	"github.com/standardbeagle/workspacecore/internal/quiescence"
	"github.com/standardbeagle/workspacecore/internal/tracker"
	"github.com/standardbeagle/workspacecore/internal/types"
	"github.com/standardbeagle/workspacecore/internal/watcher"
)

// Workspace is the core's single context value. Zero value is not usable;
// use New.
type Workspace struct {
	cfg     *config.Config
	adapter buildsystem.Adapter
	tracker *tracker.Tracker
	store   *indexstore.Store
	manager *indexmanager.Manager
	watcher *watcher.Router

	onDependenciesUpdated func([]types.FileID)
	onBuildSettings       func([]types.FileID)
}

// New constructs every component per cfg but does not start watching or
// take the initial build-graph snapshot; call Start for that.
func New(cfg *config.Config) (*Workspace, error) {
	adapter, err := buildsystem.NewFromConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("build-system adapter: %w", err)
	}

	tr := tracker.New()
	store := indexstore.Open(cfg.Index.IndexStorePath)
	mgr := indexmanager.New(cfg, adapter, tr, store)

	w := &Workspace{
		cfg:     cfg,
		adapter: adapter,
		tracker: tr,
		store:   store,
		manager: mgr,
	}

	if cfg.Index.WatchMode {
		router, err := watcher.New(cfg, adapter.FileAffectsBuildSettings)
		if err != nil {
			adapter.Close()
			return nil, fmt.Errorf("file watcher: %w", err)
		}
		w.watcher = router
		mgr.SetWatcher(router)
	}

	return w, nil
}

// OnDependenciesUpdated / OnBuildSettingsChanged register the
// dependencies_updated(F*) and file_build_settings_changed(F*)
// notifications named in §6. Call before Start.
func (w *Workspace) OnDependenciesUpdated(fn func([]types.FileID)) {
	w.onDependenciesUpdated = fn
	w.manager.OnDependenciesUpdated(fn)
}

func (w *Workspace) OnBuildSettingsChanged(fn func([]types.FileID)) {
	w.onBuildSettings = fn
	w.manager.OnBuildSettingsChanged(fn)
}

// Start takes the initial build-graph snapshot and, if watch mode is
// enabled, begins watching the project tree and routing its events into
// the semantic index manager.
func (w *Workspace) Start(ctx context.Context) error {
	if !w.cfg.Build.BackgroundIndexing {
		debug.LogManager("background_indexing disabled, workspace will only serve direct ensure calls")
	}
	if err := w.manager.Start(ctx); err != nil {
		return err
	}
	if w.watcher == nil {
		return nil
	}
	if err := w.watcher.Start(); err != nil {
		return fmt.Errorf("start file watcher: %w", err)
	}
	go w.routeWatcherEvents()
	return nil
}

// routeWatcherEvents feeds the router's two channels into the manager:
// ordinary batches go through OnFilesChanged directly; build-settings
// files (already separated by the router's own predicate) are wrapped as
// a synthetic FileChangeEvent so OnFilesChanged's existing
// FileAffectsBuildSettings branch triggers the graph reload, without
// needing a second entry point on the manager.
func (w *Workspace) routeWatcherEvents() {
	for {
		select {
		case batch, ok := <-w.watcher.Events():
			if !ok {
				return
			}
			w.manager.OnFilesChanged(batch)
		case file, ok := <-w.watcher.BuildSettingsEvents():
			if !ok {
				return
			}
			w.manager.OnFilesChanged([]types.FileChangeEvent{{File: file, Kind: types.FileModified}})
		}
	}
}

// Shutdown stops the watcher and the index manager, in that order so no
// further events arrive mid-teardown.
func (w *Workspace) Shutdown(ctx context.Context) error {
	if w.watcher != nil {
		if err := w.watcher.Stop(); err != nil {
			debug.LogManager("file watcher stop: %v", err)
		}
	}
	if err := w.manager.Shutdown(ctx); err != nil {
		return err
	}
	return w.adapter.Close()
}

// Prepare implements the prepare(T, priority) entry point, blocking until
// T is prepared or ctx ends.
func (w *Workspace) Prepare(ctx context.Context, target types.TargetID, priority types.Priority) (types.PreparationOutcome, error) {
	future := w.manager.EnsurePrepared(target, priority)
	return future.Wait(ctx), nil
}

// Index implements the index(F, priority) entry point, blocking until F is
// indexed in its canonical target or ctx ends.
func (w *Workspace) Index(ctx context.Context, file types.FileID, priority types.Priority) (types.IndexOutcome, error) {
	future, err := w.manager.EnsureIndexed(file, priority)
	if err != nil {
		return types.IndexOutcome{File: file}, err
	}
	return future.Wait(ctx), nil
}

// WaitForQuiescence implements wait_for_quiescence(opts).
func (w *Workspace) WaitForQuiescence(ctx context.Context, opts quiescence.Opts) error {
	return w.manager.WaitForQuiescence(ctx, opts)
}

// RegisterWatched / UnregisterWatched implement the per-consumer
// watched-file set entry points.
func (w *Workspace) RegisterWatched(file types.FileID) { w.manager.RegisterWatched(file) }

func (w *Workspace) UnregisterWatched(file types.FileID) { w.manager.UnregisterWatched(file) }

// IsIndexing implements is_indexing().
func (w *Workspace) IsIndexing() bool { return w.manager.IsIndexing() }

// TriggerReindex implements trigger_reindex().
func (w *Workspace) TriggerReindex() { w.manager.TriggerReindex() }

// Status is a snapshot of coarse scheduler/tracker state, consumed by the
// CLI's status subcommand.
type Status struct {
	Indexing bool `json:"indexing"`
}

func (w *Workspace) Status() Status {
	return Status{Indexing: w.manager.IsIndexing()}
}
