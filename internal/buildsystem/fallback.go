package buildsystem

import (
	"context"
	"time"

	"github.com/standardbeagle/workspacecore/internal/debug"
	"github.com/standardbeagle/workspacecore/internal/types"
)

// readinessGate reports whether queries against an adapter should be
// attempted at all before committing to its per-request timeout. The
// external adapter is the only implementation with a real handshake;
// the compilation-database adapter is ready the instant it's loaded.
type readinessGate interface {
	IsReady() bool
}

// WithTimeout wraps adapter so every query method is bounded by timeout,
// per the `build_server_workspace_requests_timeout` config value. If
// adapter additionally implements readinessGate and isn't ready yet, the
// bound collapses to an already-expired context, so a build server still
// completing its first handshake doesn't make every caller wait out the
// full timeout before the caller's fallback path engages.
func WithTimeout(adapter Adapter, timeout time.Duration) Adapter {
	return &timeoutAdapter{inner: adapter, timeout: timeout}
}

type timeoutAdapter struct {
	inner   Adapter
	timeout time.Duration
}

func (a *timeoutAdapter) bound(parent context.Context) (context.Context, context.CancelFunc) {
	if gate, ok := a.inner.(readinessGate); ok && !gate.IsReady() {
		debug.LogBuildSystem("adapter not ready, short-circuiting request")
		ctx, cancel := context.WithCancel(parent)
		cancel()
		return ctx, func() {}
	}
	return context.WithTimeout(parent, a.timeout)
}

func (a *timeoutAdapter) WorkspaceTargets(ctx context.Context) ([]types.Target, error) {
	ctx, cancel := a.bound(ctx)
	defer cancel()
	return a.inner.WorkspaceTargets(ctx)
}

func (a *timeoutAdapter) Sources(ctx context.Context, target types.TargetID) ([]types.FileID, error) {
	ctx, cancel := a.bound(ctx)
	defer cancel()
	return a.inner.Sources(ctx, target)
}

func (a *timeoutAdapter) CompileInvocation(ctx context.Context, file types.FileID, target types.TargetID) (types.CompileInvocation, error) {
	ctx, cancel := a.bound(ctx)
	defer cancel()
	return a.inner.CompileInvocation(ctx, file, target)
}

func (a *timeoutAdapter) TopologicalOrder(ctx context.Context) ([]types.TargetID, error) {
	ctx, cancel := a.bound(ctx)
	defer cancel()
	return a.inner.TopologicalOrder(ctx)
}

func (a *timeoutAdapter) Dependents(ctx context.Context, target types.TargetID) ([]types.TargetID, error) {
	ctx, cancel := a.bound(ctx)
	defer cancel()
	return a.inner.Dependents(ctx, target)
}

// Prepare is deliberately not bounded by timeout: unlike a build-graph
// query, a real preparation can legitimately run long, and shortening it
// would fail otherwise-successful builds. Cancellation still flows through
// ctx, just not this adapter's query-round-trip bound.
func (a *timeoutAdapter) Prepare(ctx context.Context, target types.TargetID) error {
	return a.inner.Prepare(ctx, target)
}

// Reload is deliberately not bounded either, for the same reason as
// Prepare: a real graph re-snapshot can legitimately take longer than a
// single query round trip.
func (a *timeoutAdapter) Reload(ctx context.Context) error {
	return a.inner.Reload(ctx)
}

// PrepareForIndexing forwards to the inner adapter's optional capability,
// if it has one, so wrapping with WithTimeout doesn't hide it from a type
// assertion.
func (a *timeoutAdapter) PrepareForIndexing(ctx context.Context, target types.TargetID) error {
	if pfi, ok := a.inner.(PrepareForIndexer); ok {
		return pfi.PrepareForIndexing(ctx, target)
	}
	return a.inner.Prepare(ctx, target)
}

func (a *timeoutAdapter) FileAffectsBuildSettings(file types.FileID) bool {
	return a.inner.FileAffectsBuildSettings(file)
}

func (a *timeoutAdapter) ChangeEvents() <-chan BuildGraphChange { return a.inner.ChangeEvents() }

func (a *timeoutAdapter) Close() error { return a.inner.Close() }
