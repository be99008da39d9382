package indexmanager

import (
	"context"
	"strings"
	"time"

	errs "github.com/standardbeagle/workspacecore/internal/errors"
	"github.com/standardbeagle/workspacecore/internal/debug"
	"github.com/standardbeagle/workspacecore/internal/types"
)

// headerSuffixes classifies a changed file as a header for the re-indexing
// policy in §4.4. Language-agnostic by design: the build system, not this
// package, knows what's actually compilable, but these suffixes cover the
// common C-family case the compilation-database adapter targets.
var headerSuffixes = []string{".h", ".hh", ".hpp", ".hxx", ".inc", ".ipp"}

func isHeaderPath(file types.FileID) bool {
	s := string(file)
	for _, suffix := range headerSuffixes {
		if strings.HasSuffix(s, suffix) {
			return true
		}
	}
	return false
}

// RecordInclude tells the manager that mainFile (compiled in target)
// includes header, so a later edit to header can be resolved to a main
// file to re-index per §4.4's header policy. Intended to be called by an
// index reader once it has parsed a compilation's dependency output;
// nothing in this pass extracts that information from the compiler, so
// until something calls this, header edits with no prior index
// information are correctly treated as a no-op.
func (m *Manager) RecordInclude(header, mainFile types.FileID, target types.TargetID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.headerMainFile[header] = mainFile
	m.headerTarget[header] = target
}

// OnFilesChanged is the file-change router's entry point into the
// manager (§4.5). Build-settings files trigger a graph reload; everything
// else is routed to the re-indexing policy by file kind.
func (m *Manager) OnFilesChanged(events []types.FileChangeEvent) {
	needsReload := false
	for _, ev := range events {
		if m.adapter.FileAffectsBuildSettings(ev.File) {
			needsReload = true
			break
		}
	}
	if needsReload {
		m.triggerReload()
	}

	for _, ev := range events {
		if m.adapter.FileAffectsBuildSettings(ev.File) {
			continue
		}
		m.applyReindexPolicy(ev)
	}
}

// triggerReload asks the adapter to re-snapshot its graph in the
// background; the resulting GraphReloaded change event (whether pushed
// immediately by the compilation-database adapter or observed later via
// the external adapter's poll) drives the manager's own RefreshSnapshot
// through handleBuildGraphChange.
func (m *Manager) triggerReload() {
	m.setReloadInFlight(true)
	go func() {
		timeout := time.Duration(m.cfg.Build.WorkspaceRequestsTimeoutSec) * time.Second * 4
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := m.adapter.Reload(ctx); err != nil {
			// No GraphReloaded event will follow; clear the in-flight flag
			// here instead of leaving it set until the next successful one.
			debug.LogManager("%s", errs.NewBuildGraphError(err))
			m.setReloadInFlight(false)
		}
	}()
}

func (m *Manager) applyReindexPolicy(ev types.FileChangeEvent) {
	switch {
	case isHeaderPath(ev.File):
		m.applyHeaderPolicy(ev)
	case m.isKnownSource(ev.File):
		m.applySourcePolicy(ev)
	default:
		m.applyArtifactPolicy(ev)
	}
}

func (m *Manager) isKnownSource(file types.FileID) bool {
	_, ok := m.canonicalTargetFor(file)
	return ok
}

// applySourcePolicy implements §4.4's first-party source file rule:
// actively re-index F, and invalidate preparation for every target that
// transitively depends on F's target.
func (m *Manager) applySourcePolicy(ev types.FileChangeEvent) {
	target, ok := m.canonicalTargetFor(ev.File)
	if !ok {
		return
	}

	m.tracker.InvalidateIndexed(ev.File)
	if ev.Kind == types.FileDeleted {
		return
	}

	if dependents := m.transitiveDependents(target); len(dependents) > 0 {
		m.tracker.InvalidatePrepared(dependents...)
	}
	m.depDebouncer.Add(ev.File)
	m.sched.Submit(types.TaskKey{Kind: types.TaskIndex, File: ev.File, Target: target}, types.PriorityNormal)
}

// applyHeaderPolicy implements §4.4's header file rule: pick one main
// file previously known (via RecordInclude) to include the header and
// re-index it; a header with no prior index information is a no-op, per
// policy, rather than guessing at includers.
func (m *Manager) applyHeaderPolicy(ev types.FileChangeEvent) {
	m.mu.RLock()
	mainFile, hasMain := m.headerMainFile[ev.File]
	target, hasTarget := m.headerTarget[ev.File]
	m.mu.RUnlock()

	if ev.Kind == types.FileDeleted {
		m.mu.Lock()
		delete(m.headerMainFile, ev.File)
		delete(m.headerTarget, ev.File)
		m.mu.Unlock()
		return
	}
	if !hasMain || !hasTarget {
		return
	}

	m.tracker.InvalidateIndexed(mainFile)
	m.depDebouncer.Add(mainFile)
	m.sched.Submit(types.TaskKey{Kind: types.TaskIndex, File: mainFile, Target: target}, types.PriorityNormal)
}

// applyArtifactPolicy implements §4.5 rule 3: a produced-artifact file
// changing means some set of downstream files have updated dependencies,
// but this core doesn't track per-artifact consumers (that information
// belongs to the index the build system itself produces), so the
// artifact's own identifier is fed to the debouncer as a conservative
// stand-in signal rather than silently dropped.
func (m *Manager) applyArtifactPolicy(ev types.FileChangeEvent) {
	m.depDebouncer.Add(ev.File)
}
