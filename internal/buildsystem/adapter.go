// Package buildsystem defines the build-system adapter contract (C1) and
// its two concrete implementations: a compilation-database adapter reading
// static project files, and an external build-server adapter talking to a
// long-running build server process. Both sit behind one interface, the
// same polymorphic-dispatch shape the teacher uses for its own indexer and
// parser front ends (internal/interfaces/indexer.go, internal/parser/parser.go).
package buildsystem

import (
	"context"

	"github.com/standardbeagle/workspacecore/internal/types"
)

// Adapter is the contract every build-system integration implements.
// Query methods (WorkspaceTargets, Sources, ...) must be safe to call
// concurrently with each other and with ChangeEvents delivery.
type Adapter interface {
	// WorkspaceTargets returns every target currently known to the build
	// system, in canonical (Name, DiscoverySeq) order.
	WorkspaceTargets(ctx context.Context) ([]types.Target, error)

	// Sources returns the source files belonging to target.
	Sources(ctx context.Context, target types.TargetID) ([]types.FileID, error)

	// CompileInvocation returns the argument vector needed to compile file
	// in the context of target. When the build system has no real
	// invocation on file, the adapter synthesizes one (Kind =
	// InvocationFallback) rather than failing outright.
	CompileInvocation(ctx context.Context, file types.FileID, target types.TargetID) (types.CompileInvocation, error)

	// TopologicalOrder returns every target's dependencies-before-dependents
	// rank: a target earlier in the slice never depends on one later in it.
	TopologicalOrder(ctx context.Context) ([]types.TargetID, error)

	// Dependents returns the targets that directly depend on target.
	Dependents(ctx context.Context, target types.TargetID) ([]types.TargetID, error)

	// Prepare resolves target's dependency modules so it's ready to
	// compile. Blocks until preparation succeeds, fails, or ctx is done.
	Prepare(ctx context.Context, target types.TargetID) error

	// Reload re-snapshots the adapter's view of the build graph
	// immediately, used when the file-change router observes an edit to a
	// file FileAffectsBuildSettings reports true for. Publishes a
	// GraphReloaded event on ChangeEvents on success.
	Reload(ctx context.Context) error

	// FileAffectsBuildSettings reports whether a change to file should
	// trigger a build-graph reload (e.g. a manifest or lockfile) rather
	// than an ordinary source re-index.
	FileAffectsBuildSettings(file types.FileID) bool

	// ChangeEvents returns a channel the adapter publishes build-graph
	// change notifications on (dependency manifest edits, target added or
	// removed). Closed when the adapter is closed.
	ChangeEvents() <-chan BuildGraphChange

	// Close releases any resources (subprocess, socket connection) the
	// adapter holds.
	Close() error
}

// PrepareForIndexer is an optional capability an Adapter may implement: a
// variant of Prepare that tells the build system the result is wanted for
// indexing rather than running, matching the experimental_prepare_for_indexing
// configuration option (§6). Callers should type-assert for it and fall
// back to plain Prepare when an adapter doesn't implement it.
type PrepareForIndexer interface {
	PrepareForIndexing(ctx context.Context, target types.TargetID) error
}

// BuildGraphChangeKind distinguishes the build-graph events an adapter can
// report.
type BuildGraphChangeKind uint8

const (
	// GraphReloaded indicates the whole workspace target set should be
	// re-fetched and re-snapshotted.
	GraphReloaded BuildGraphChangeKind = iota
	// DependenciesUpdated indicates one target's dependency modules
	// changed without necessarily changing the target set itself.
	DependenciesUpdated
)

// BuildGraphChange is one build-graph event, as published on an adapter's
// ChangeEvents channel.
type BuildGraphChange struct {
	Kind    BuildGraphChangeKind
	Targets []types.TargetID // populated for DependenciesUpdated
}
