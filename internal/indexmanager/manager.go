// Package indexmanager implements the semantic index manager (C4): the
// component every other entry point talks to. It owns the glue between
// the up-to-date tracker (C2), the task scheduler (C3), and the
// build-system adapter (C1), and it is the scheduler's Runner — the thing
// that actually calls into the build system and updates the tracker when
// a task finishes.
//
// No teacher file plays this exact coordinating role (the teacher has no
// notion of a pluggable external build system), so the wiring here is new,
// but every piece it wires together follows an existing pattern: the
// scheduler's Runner interface, the tracker's flag API, and the debounced
// fan-out already built for the file-change router.
package indexmanager

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/standardbeagle/workspacecore/internal/buildsystem"
	"github.com/standardbeagle/workspacecore/internal/config"
	"github.com/standardbeagle/workspacecore/internal/debounce"
	"github.com/standardbeagle/workspacecore/internal/debug"
	errs "github.com/standardbeagle/workspacecore/internal/errors"
	"github.com/standardbeagle/workspacecore/internal/indexstore"
	"github.com/standardbeagle/workspacecore/internal/quiescence"
	"github.com/standardbeagle/workspacecore/internal/scheduler"
	"github.com/standardbeagle/workspacecore/internal/tracker"
	"github.com/standardbeagle/workspacecore/internal/types"
)

// watchRegistry is the slice of watcher.Router's surface register_watched
// and unregister_watched need. Declared as an interface here so this
// package doesn't import internal/watcher for two method names.
type watchRegistry interface {
	RegisterWatched(types.FileID)
	UnregisterWatched(types.FileID)
}

// Manager is the C4 semantic index manager. Zero value is not usable; use
// New.
type Manager struct {
	cfg     *config.Config
	adapter buildsystem.Adapter
	tracker *tracker.Tracker
	store   *indexstore.Store
	sched   *scheduler.Scheduler

	depDebouncer          *debounce.Debouncer[types.FileID]
	onDependenciesUpdated func([]types.FileID)
	onBuildSettings       func([]types.FileID)

	mu               sync.RWMutex
	fileTarget       map[types.FileID]types.TargetID
	targetSources    map[types.TargetID][]types.FileID
	targetDependents map[types.TargetID][]types.TargetID // direct, reverse of dependencies
	headerMainFile   map[types.FileID]types.FileID
	headerTarget     map[types.FileID]types.TargetID
	reloadInFlight   bool
	watcher          watchRegistry

	// pendingUnits counts index units currently in flight (§7's
	// pendingUnitCount). Only ever touched via atomic ops since RunIndex
	// runs concurrently across the scheduler's index slots.
	pendingUnits int64

	closeCh   chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// New builds a Manager over adapter, backed by tr and store, and starts
// its scheduler. Start must be called once before use to take the initial
// build-graph snapshot and begin watching for adapter-reported changes.
func New(cfg *config.Config, adapter buildsystem.Adapter, tr *tracker.Tracker, store *indexstore.Store) *Manager {
	m := &Manager{
		cfg:              cfg,
		adapter:          adapter,
		tracker:          tr,
		store:            store,
		fileTarget:       make(map[types.FileID]types.TargetID),
		targetSources:    make(map[types.TargetID][]types.FileID),
		targetDependents: make(map[types.TargetID][]types.TargetID),
		headerMainFile:   make(map[types.FileID]types.FileID),
		headerTarget:     make(map[types.FileID]types.TargetID),
		closeCh:          make(chan struct{}),
	}
	m.depDebouncer = debounce.New(
		time.Duration(cfg.Build.DependenciesUpdateDebounceMs)*time.Millisecond,
		m.flushDependenciesUpdated,
	)
	m.sched = scheduler.New(tr, m, cfg.Build.PrepSlots, cfg.Build.IndexSlots)
	return m
}

// OnDependenciesUpdated registers the callback fired with the debounced,
// unioned set of affected files 500ms (by default) after the last
// contributing event, per §4.4's dependency-update fan-out. Call before
// Start.
func (m *Manager) OnDependenciesUpdated(fn func([]types.FileID)) { m.onDependenciesUpdated = fn }

// OnBuildSettingsChanged registers the callback fired after a build-graph
// reload completes, with every file known to the reloaded graph's targets.
// Call before Start.
func (m *Manager) OnBuildSettingsChanged(fn func([]types.FileID)) { m.onBuildSettings = fn }

// SetWatcher wires the file-change router's register/unregister surface
// behind RegisterWatched/UnregisterWatched, so callers of this manager
// don't need a separate reference to the router.
func (m *Manager) SetWatcher(w watchRegistry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.watcher = w
}

// Start takes the initial build-graph snapshot and begins watching the
// adapter's change-event stream.
func (m *Manager) Start(ctx context.Context) error {
	if err := m.RefreshSnapshot(ctx); err != nil {
		return fmt.Errorf("initial build graph snapshot: %w", err)
	}
	m.wg.Add(1)
	go m.watchBuildGraphChanges()
	return nil
}

// Shutdown stops the debouncer, cancels every scheduler task, and waits
// for the change-event watcher goroutine to exit, or ctx to expire first.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.closeOnce.Do(func() { close(m.closeCh) })
	m.depDebouncer.Stop()
	if err := m.sched.Shutdown(ctx); err != nil {
		return err
	}
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RefreshSnapshot re-fetches targets and the topological order from the
// adapter and atomically replaces the manager's file/target indices and
// the scheduler's topological rank, per §4.5 rule 1's "re-snapshot them
// atomically."
func (m *Manager) RefreshSnapshot(ctx context.Context) error {
	targets, err := m.adapter.WorkspaceTargets(ctx)
	if err != nil {
		return fmt.Errorf("workspace targets: %w", err)
	}
	topo, err := m.adapter.TopologicalOrder(ctx)
	if err != nil {
		return fmt.Errorf("topological order: %w", err)
	}

	fileTarget := make(map[types.FileID]types.TargetID, len(targets))
	targetSources := make(map[types.TargetID][]types.FileID, len(targets))
	dependents := make(map[types.TargetID][]types.TargetID, len(targets))

	// targets is already in canonical (Name, DiscoverySeq) order, so the
	// first target to claim a file is its canonical one.
	for _, t := range targets {
		targetSources[t.ID] = append([]types.FileID(nil), t.Sources...)
		for _, f := range t.Sources {
			if _, claimed := fileTarget[f]; !claimed {
				fileTarget[f] = t.ID
			}
		}
		for _, dep := range t.Dependencies {
			dependents[dep] = append(dependents[dep], t.ID)
		}
	}

	m.mu.Lock()
	m.fileTarget = fileTarget
	m.targetSources = targetSources
	m.targetDependents = dependents
	m.mu.Unlock()

	m.sched.SetTopoOrder(topo)
	return nil
}

func (m *Manager) watchBuildGraphChanges() {
	defer m.wg.Done()
	for {
		select {
		case <-m.closeCh:
			return
		case change, ok := <-m.adapter.ChangeEvents():
			if !ok {
				return
			}
			m.handleBuildGraphChange(change)
		}
	}
}

func (m *Manager) handleBuildGraphChange(change buildsystem.BuildGraphChange) {
	switch change.Kind {
	case buildsystem.GraphReloaded:
		m.setReloadInFlight(true)
		defer m.setReloadInFlight(false)
		if err := m.RefreshSnapshot(context.Background()); err != nil {
			// Per §7: a failed reload keeps the prior snapshot active; log
			// and continue on stale data until the next attempt.
			debug.LogManager("%s", errs.NewBuildGraphError(err))
			return
		}
		if m.onBuildSettings != nil {
			m.onBuildSettings(m.allKnownFilesLocked())
		}
	case buildsystem.DependenciesUpdated:
		m.invalidateDependents(change.Targets)
	}
}

func (m *Manager) setReloadInFlight(v bool) {
	m.mu.Lock()
	m.reloadInFlight = v
	m.mu.Unlock()
}

// BuildGraphSettled reports whether no build-graph reload is currently in
// flight, satisfying quiescence.Synchronizer.
func (m *Manager) BuildGraphSettled() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return !m.reloadInFlight
}

// IsIndexing reports whether the scheduler has any queued or running task,
// satisfying both the is_indexing() request-surface entry point and
// quiescence.Synchronizer.
func (m *Manager) IsIndexing() bool { return m.sched.IsIndexing() }

// TriggerReindex invalidates every indexed flag while leaving preparation
// flags intact (R2); the request-surface trigger_reindex() entry point.
func (m *Manager) TriggerReindex() { m.tracker.TriggerReindex() }

// WaitForQuiescence resolves when, as opts request, there's no outstanding
// scheduler work (WaitForIndex) and any in-flight build-graph reload has
// settled (BuildGraphUpdates).
func (m *Manager) WaitForQuiescence(ctx context.Context, opts quiescence.Opts) error {
	return quiescence.Wait(ctx, m, opts)
}

func (m *Manager) allKnownFilesLocked() []types.FileID {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]types.FileID, 0, len(m.fileTarget))
	for f := range m.fileTarget {
		out = append(out, f)
	}
	return out
}

func (m *Manager) canonicalTargetFor(file types.FileID) (types.TargetID, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.fileTarget[file]
	return t, ok
}

// transitiveDependents returns every target reachable by following direct
// dependents outward from target, used to invalidate preparation
// transitively per invariant 3 / P5.
func (m *Manager) transitiveDependents(target types.TargetID) []types.TargetID {
	m.mu.RLock()
	defer m.mu.RUnlock()
	seen := make(map[types.TargetID]bool)
	var out []types.TargetID
	var visit func(types.TargetID)
	visit = func(t types.TargetID) {
		for _, dep := range m.targetDependents[t] {
			if seen[dep] {
				continue
			}
			seen[dep] = true
			out = append(out, dep)
			visit(dep)
		}
	}
	visit(target)
	return out
}

func (m *Manager) invalidateDependents(targets []types.TargetID) {
	var all []types.TargetID
	for _, t := range targets {
		all = append(all, t)
		all = append(all, m.transitiveDependents(t)...)
	}
	if len(all) > 0 {
		m.tracker.InvalidatePrepared(all...)
	}
}

func (m *Manager) flushDependenciesUpdated(batch map[types.FileID]struct{}) {
	if m.onDependenciesUpdated == nil {
		return
	}
	files := make([]types.FileID, 0, len(batch))
	for f := range batch {
		files = append(files, f)
	}
	m.onDependenciesUpdated(files)
}

// RegisterWatched / UnregisterWatched forward to whatever watcher was
// wired in via SetWatcher. A no-op if none was set (e.g. in tests that
// drive the manager directly without a file-change router).
func (m *Manager) RegisterWatched(file types.FileID) {
	m.mu.RLock()
	w := m.watcher
	m.mu.RUnlock()
	if w != nil {
		w.RegisterWatched(file)
	}
}

func (m *Manager) UnregisterWatched(file types.FileID) {
	m.mu.RLock()
	w := m.watcher
	m.mu.RUnlock()
	if w != nil {
		w.UnregisterWatched(file)
	}
}

// PreparationFuture is returned by EnsurePrepared. A nil-handle future is
// already satisfied (the fast path observed T as prepared without ever
// touching the scheduler).
type PreparationFuture struct {
	target  types.TargetID
	handle  *scheduler.Handle
	fastHit bool
}

// Wait blocks until preparation completes, fails, is cancelled, or ctx is
// done.
func (f *PreparationFuture) Wait(ctx context.Context) types.PreparationOutcome {
	if f.fastHit || f.handle == nil {
		return types.PreparationOutcome{Target: f.target, Status: types.StatusCompleted}
	}
	err := f.handle.Wait(ctx)
	return types.PreparationOutcome{Target: f.target, Status: f.handle.Status(), Err: err}
}

// IndexFuture is returned by EnsureIndexed, mirroring PreparationFuture.
type IndexFuture struct {
	file    types.FileID
	target  types.TargetID
	handle  *scheduler.Handle
	fastHit bool
}

func (f *IndexFuture) Wait(ctx context.Context) types.IndexOutcome {
	if f.fastHit || f.handle == nil {
		return types.IndexOutcome{File: f.file, Target: f.target, Status: types.StatusCompleted}
	}
	err := f.handle.Wait(ctx)
	return types.IndexOutcome{File: f.file, Target: f.target, Status: f.handle.Status(), Err: err}
}

// EnsurePrepared resolves when target is prepared. Per P4/the fast path,
// a target the tracker already considers prepared returns without
// touching the scheduler at all.
func (m *Manager) EnsurePrepared(target types.TargetID, priority types.Priority) *PreparationFuture {
	if m.tracker.IsPrepared(target) {
		return &PreparationFuture{target: target, fastHit: true}
	}
	h := m.sched.Submit(types.TaskKey{Kind: types.TaskPrepare, Target: target}, priority)
	return &PreparationFuture{target: target, handle: h}
}

// EnsureIndexed resolves when file is indexed in its canonical target.
// Before submitting any work it tries, in order: the tracker fast path,
// then a filesystem freshness check against the index store (so a
// close/reopen with no real edit doesn't re-trigger indexing).
func (m *Manager) EnsureIndexed(file types.FileID, priority types.Priority) (*IndexFuture, error) {
	target, ok := m.canonicalTargetFor(file)
	if !ok {
		if err := m.RefreshSnapshot(context.Background()); err != nil {
			return nil, err
		}
		target, ok = m.canonicalTargetFor(file)
		if !ok {
			key := types.TaskKey{Kind: types.TaskIndex, File: file}
			return nil, errs.NewTaskError(errs.KindBuildSettingsUnavailable, key,
				fmt.Errorf("%s is not a source file of any known target", file))
		}
	}

	if m.tracker.IsIndexed(file, target) {
		return &IndexFuture{file: file, target: target, fastHit: true}, nil
	}

	if fresh, err := m.checkFilesystemFreshness(file, target); err != nil {
		debug.LogManager("freshness check for %s in %s failed, scheduling anyway: %v", file, target, err)
	} else if fresh {
		m.tracker.MarkIndexed(file, target)
		return &IndexFuture{file: file, target: target, fastHit: true}, nil
	}

	h := m.sched.Submit(types.TaskKey{Kind: types.TaskIndex, File: file, Target: target}, priority)
	return &IndexFuture{file: file, target: target, handle: h}, nil
}

// checkFilesystemFreshness implements §4.4's filesystem freshness check:
// a unit file newer than F's modification time means the index is already
// up to date, even though the in-memory tracker (reset on process
// restart) doesn't know it.
func (m *Manager) checkFilesystemFreshness(file types.FileID, target types.TargetID) (bool, error) {
	info, err := os.Stat(string(file))
	if err != nil {
		return false, err
	}
	return m.store.IsFresherThan(file, target, info.ModTime())
}

// RunPrepare implements scheduler.Runner. It calls the build-system
// adapter (using the experimental prepare-for-indexing hint when
// configured and supported) and, on success, marks the tracker and feeds
// the target's sources into the dependency-update debouncer.
func (m *Manager) RunPrepare(ctx context.Context, target types.TargetID) error {
	var err error
	if m.cfg.Build.ExperimentalPrepareForIndexing {
		if pfi, ok := m.adapter.(buildsystem.PrepareForIndexer); ok {
			err = pfi.PrepareForIndexing(ctx, target)
		} else {
			err = m.adapter.Prepare(ctx, target)
		}
	} else {
		err = m.adapter.Prepare(ctx, target)
	}
	if err != nil {
		key := types.TaskKey{Kind: types.TaskPrepare, Target: target}
		return errs.NewTaskError(errs.KindPreparationFailed, key, err)
	}

	m.tracker.MarkPrepared(target)
	m.mu.RLock()
	sources := append([]types.FileID(nil), m.targetSources[target]...)
	m.mu.RUnlock()
	for _, f := range sources {
		m.depDebouncer.Add(f)
	}
	return nil
}

// RunIndex implements scheduler.Runner. It looks up the compile
// invocation, runs it as a child process (the compiler is what actually
// writes the index-store unit file the core later polls for), and on
// success marks the tracker.
func (m *Manager) RunIndex(ctx context.Context, file types.FileID, target types.TargetID) error {
	key := types.TaskKey{Kind: types.TaskIndex, File: file, Target: target}

	atomic.AddInt64(&m.pendingUnits, 1)
	defer m.decrementPendingUnits()

	inv, err := m.adapter.CompileInvocation(ctx, file, target)
	if err != nil {
		return errs.NewTaskError(errs.KindIndexCompileFailed, key, err)
	}
	if err := m.runCompile(ctx, inv); err != nil {
		return errs.NewTaskError(errs.KindIndexCompileFailed, key, err)
	}
	m.tracker.MarkIndexed(file, target)
	return nil
}

// decrementPendingUnits implements §7's internal-invariant-violation
// example: pendingUnitCount going negative (a bug in the increment/decrement
// pairing above, not something that should happen in correct operation) is
// logged, the counter is clamped back to 0, and index-change subscribers are
// notified to re-sync against the full known file set rather than whatever
// incremental state they'd otherwise trust.
func (m *Manager) decrementPendingUnits() {
	if atomic.AddInt64(&m.pendingUnits, -1) >= 0 {
		return
	}
	atomic.StoreInt64(&m.pendingUnits, 0)
	violation := errs.NewInvariantViolation("pendingUnitCount", "decremented below zero, clamped to 0")
	debug.LogManager("%s", errs.NewTaskError(errs.KindInternalInvariant, types.TaskKey{}, violation))
	if m.onDependenciesUpdated != nil {
		m.onDependenciesUpdated(m.allKnownFilesLocked())
	}
}

// runCompile spawns the compiler as a child process, the scheduling
// model's "each long-running external invocation runs in a child process"
// (§5). An invocation with no arguments (an empty fallback) is treated as
// a successful no-op rather than an error: there's nothing to run, and
// failing outright would make every file in an unrecognized target
// permanently un-indexable.
func (m *Manager) runCompile(ctx context.Context, inv types.CompileInvocation) error {
	if len(inv.Arguments) == 0 {
		return nil
	}
	cmd := exec.CommandContext(ctx, inv.Arguments[0], inv.Arguments[1:]...)
	cmd.Dir = inv.WorkingDir
	out, err := cmd.CombinedOutput()
	if err != nil {
		debug.LogManager("compile %s failed: %v\n%s", inv.File, err, out)
		return fmt.Errorf("compile %s: %w", inv.File, err)
	}
	return nil
}
