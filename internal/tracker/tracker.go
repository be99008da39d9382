// Package tracker implements the up-to-date tracker (C2): the fast path
// that lets the semantic index manager answer "is this prepared/indexed?"
// without talking to the build system or the scheduler.
//
// All state is in-memory and recomputable; nothing here is ever
// persisted. A single RWMutex guards both maps, since critical sections
// are bounded (no I/O, just map reads/writes) and reads vastly outnumber
// writes in steady state.
package tracker

import (
	"sync"

	"github.com/cespare/xxhash/v2"

	"github.com/standardbeagle/workspacecore/internal/types"
)

// indexKey packs (FileID, TargetID) into a single hashed key so the
// indexed-flag map stays flat (map[uint64]bool) instead of nested, the
// same flattening the teacher applies to its own object/symbol indexes.
type indexKey uint64

func hashIndexKey(file types.FileID, target types.TargetID) indexKey {
	h := xxhash.New()
	_, _ = h.WriteString(string(file))
	_, _ = h.Write([]byte{0})
	_, _ = h.WriteString(string(target))
	return indexKey(h.Sum64())
}

// Tracker is the up-to-date tracker. Zero value is not usable; use New.
type Tracker struct {
	mu sync.RWMutex

	prepared map[types.TargetID]bool

	// indexed maps a hashed (file,target) key to the indexed flag, and
	// indexedByFile maps file -> set of hashed keys so invalidate_indexed
	// can clear every target for a file in one pass without an O(n) scan
	// of the whole map.
	indexed       map[indexKey]bool
	indexedByFile map[types.FileID][]indexKey
}

// New creates an empty tracker. Per invariant 1, everything defaults to
// not-up-to-date; there is nothing to initialize beyond empty maps.
func New() *Tracker {
	return &Tracker{
		prepared:      make(map[types.TargetID]bool),
		indexed:       make(map[indexKey]bool),
		indexedByFile: make(map[types.FileID][]indexKey),
	}
}

// IsPrepared reports whether T has been prepared since its last
// invalidation.
func (t *Tracker) IsPrepared(target types.TargetID) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.prepared[target]
}

// MarkPrepared records that T completed preparation successfully.
func (t *Tracker) MarkPrepared(target types.TargetID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.prepared[target] = true
}

// InvalidatePrepared clears the preparation flag for every target in
// targets. Used both for direct invalidation (R1) and for dependency
// manifest changes that propagate to dependents (invariant 3).
func (t *Tracker) InvalidatePrepared(targets ...types.TargetID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, target := range targets {
		delete(t.prepared, target)
	}
}

// IsIndexed reports whether F has been indexed in T's context since the
// last invalidation of F or of T's prepared modules.
func (t *Tracker) IsIndexed(file types.FileID, target types.TargetID) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.indexed[hashIndexKey(file, target)]
}

// MarkIndexed records that F has been indexed in T's context. Per
// invariant 2, this has no effect on F's indexed flag in any other
// target.
func (t *Tracker) MarkIndexed(file types.FileID, target types.TargetID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	key := hashIndexKey(file, target)
	if !t.indexed[key] {
		t.indexedByFile[file] = append(t.indexedByFile[file], key)
	}
	t.indexed[key] = true
}

// InvalidateIndexed clears the indexed flag for every target of each file
// in files (invariant 4: modifying F invalidates index_up_to_date[F, ·]
// for all targets containing F).
func (t *Tracker) InvalidateIndexed(files ...types.FileID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, file := range files {
		for _, key := range t.indexedByFile[file] {
			delete(t.indexed, key)
		}
		delete(t.indexedByFile, file)
	}
}

// TriggerReindex invalidates every file's indexed flag while leaving
// preparation flags untouched (R2), matching the trigger_reindex()
// request-surface entry point.
func (t *Tracker) TriggerReindex() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.indexed = make(map[indexKey]bool)
	t.indexedByFile = make(map[types.FileID][]indexKey)
}

// PreparedCount returns the number of targets currently marked prepared,
// used for status reporting.
func (t *Tracker) PreparedCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.prepared)
}

// IndexedCount returns the number of (file,target) pairs currently marked
// indexed, used for status reporting.
func (t *Tracker) IndexedCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.indexed)
}
