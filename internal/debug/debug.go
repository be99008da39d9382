// Package debug provides gated diagnostic logging for the indexing core.
// Output is suppressed by default and must be explicitly enabled, since
// the core is usually driven by an MCP stdio transport where stray writes
// to stdout would corrupt the protocol stream.
package debug

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// StdioMode suppresses all debug output when the request surface is
// talking MCP over stdio, mirroring the teacher's MCPMode flag.
var StdioMode = false

var (
	mu     sync.Mutex
	output io.Writer
)

// SetOutput sets the writer debug output goes to. Pass nil to disable.
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	output = w
}

// SetStdioMode toggles suppression for MCP stdio transports.
func SetStdioMode(enabled bool) {
	StdioMode = enabled
}

func logf(component, format string, args ...interface{}) {
	mu.Lock()
	w := output
	mu.Unlock()

	if w == nil || StdioMode {
		return
	}

	ts := time.Now().Format("15:04:05.000")
	fmt.Fprintf(w, "[%s] %s: %s", ts, component, fmt.Sprintf(format, args...))
}

// LogScheduler logs task scheduler activity (submission, dequeue, cancel).
func LogScheduler(format string, args ...interface{}) { logf("scheduler", format, args...) }

// LogTracker logs up-to-date tracker state transitions.
func LogTracker(format string, args ...interface{}) { logf("tracker", format, args...) }

// LogWatcher logs file-change router activity.
func LogWatcher(format string, args ...interface{}) { logf("watcher", format, args...) }

// LogBuildSystem logs build-system adapter calls, including fallback use.
func LogBuildSystem(format string, args ...interface{}) { logf("buildsystem", format, args...) }

// LogManager logs semantic index manager orchestration decisions.
func LogManager(format string, args ...interface{}) { logf("manager", format, args...) }

// InitFile opens a timestamped log file under the OS temp dir and routes
// output there; returns the path so callers can report it.
func InitFile(prefix string) (string, error) {
	path := fmt.Sprintf("%s/%s-%s.log", os.TempDir(), prefix, time.Now().Format("2006-01-02T150405"))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return "", fmt.Errorf("open debug log: %w", err)
	}
	SetOutput(f)
	return path, nil
}
