// Package quiescence implements the synchronizer (C6): wait_for_quiescence
// resolves when, as the options request, the scheduler has no outstanding
// work (WaitForIndex) and any build-graph reload has settled
// (BuildGraphUpdates). There's no single event to block on —
// the underlying activity is scattered across the scheduler, an adapter's
// asynchronous reload, and a debounce timer — so this polls at a short
// fixed interval, the same shape as the external build-server adapter's
// handshake-polling loop (internal/buildsystem's ExternalAdapter.handshakeLoop
// ticker, adapted here to a different condition).
package quiescence

import (
	"context"
	"time"
)

// Opts mirrors the wait_for_quiescence(opts) request-surface parameters.
type Opts struct {
	BuildGraphUpdates bool
	WaitForIndex      bool
}

// Synchronizer is the capability C4 exposes that C6 needs: whether the
// scheduler currently holds any work, and whether an in-flight build-graph
// reload has settled.
type Synchronizer interface {
	IsIndexing() bool
	BuildGraphSettled() bool
}

const pollInterval = 10 * time.Millisecond

// Wait blocks until s reports a quiescent instant per opts, or ctx ends.
// Per the contract, this is a one-shot check repeated until it passes, not
// a guarantee of ongoing quiescence after it returns.
func Wait(ctx context.Context, s Synchronizer, opts Opts) error {
	if quiescent(s, opts) {
		return nil
	}
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if quiescent(s, opts) {
				return nil
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func quiescent(s Synchronizer, opts Opts) bool {
	if opts.WaitForIndex && s.IsIndexing() {
		return false
	}
	if opts.BuildGraphUpdates && !s.BuildGraphSettled() {
		return false
	}
	return true
}
