// Package errors defines the typed error kinds from the core's error
// handling design: each kind carries enough context for a subscriber to
// decide whether to retry, surface, or silently log.
package errors

import (
	"fmt"
	"time"

	"github.com/standardbeagle/workspacecore/internal/types"
)

// ErrorKind names one of the error handling design's error kinds.
type ErrorKind string

const (
	KindBuildSettingsUnavailable ErrorKind = "build-settings-unavailable"
	KindPreparationFailed       ErrorKind = "preparation-failed"
	KindIndexCompileFailed      ErrorKind = "index-compile-failed"
	KindCancelled               ErrorKind = "cancelled"
	KindBuildGraphReloadFailed  ErrorKind = "build-graph-reload-failed"
	KindWatcherDroppedEvents    ErrorKind = "watcher-dropped-events"
	KindInternalInvariant       ErrorKind = "internal-invariant-violation"
)

// TaskError is returned to every subscriber of a failed or cancelled task.
// It is never promoted to a global failure; the scheduler attaches it only
// to the coalesced task's outcome.
type TaskError struct {
	Kind       ErrorKind
	Key        types.TaskKey
	Underlying error
	Timestamp  time.Time
}

// NewTaskError wraps an underlying error with the task it happened to.
func NewTaskError(kind ErrorKind, key types.TaskKey, err error) *TaskError {
	return &TaskError{Kind: kind, Key: key, Underlying: err, Timestamp: time.Now()}
}

func (e *TaskError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Key, e.Underlying)
}

func (e *TaskError) Unwrap() error { return e.Underlying }

// Recoverable reports whether re-submission is expected to help. Cancelled
// and preparation-failed tasks are recoverable (resubmission re-attempts
// the work); an internal invariant violation is not.
func (e *TaskError) Recoverable() bool {
	return e.Kind != KindInternalInvariant
}

// BuildGraphError is reported when a build-graph reload fails. Per the
// error handling design, the prior snapshot stays active; this error is
// informational, not terminal.
type BuildGraphError struct {
	Underlying error
	Timestamp  time.Time
}

func NewBuildGraphError(err error) *BuildGraphError {
	return &BuildGraphError{Underlying: err, Timestamp: time.Now()}
}

func (e *BuildGraphError) Error() string {
	return fmt.Sprintf("build graph reload failed, keeping prior snapshot: %v", e.Underlying)
}

func (e *BuildGraphError) Unwrap() error { return e.Underlying }

// InvariantViolation is logged and clamped rather than propagated; the
// core notifies index-change subscribers to re-sync after one occurs.
type InvariantViolation struct {
	Invariant string
	Detail    string
	Timestamp time.Time
}

func NewInvariantViolation(invariant, detail string) *InvariantViolation {
	return &InvariantViolation{Invariant: invariant, Detail: detail, Timestamp: time.Now()}
}

func (e *InvariantViolation) Error() string {
	return fmt.Sprintf("internal invariant violated (%s): %s", e.Invariant, e.Detail)
}

// ConfigError reports a malformed or out-of-range configuration value.
type ConfigError struct {
	Field      string
	Value      string
	Underlying error
}

func NewConfigError(field, value string, err error) *ConfigError {
	return &ConfigError{Field: field, Value: value, Underlying: err}
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config error for field %s (value %q): %v", e.Field, e.Value, e.Underlying)
}

func (e *ConfigError) Unwrap() error { return e.Underlying }
