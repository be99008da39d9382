package requestsurface

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/standardbeagle/workspacecore/internal/config"
	"github.com/standardbeagle/workspacecore/internal/pathutil"
	"github.com/standardbeagle/workspacecore/internal/quiescence"
	"github.com/standardbeagle/workspacecore/internal/types"
)

// newTestWorkspace returns a Workspace over a one-file, one-target
// compilation database, plus the canonical FileID of its only source
// (the same value the compiledb adapter itself computes, since the core
// keys everything on resolved-symlink absolute paths).
func newTestWorkspace(t *testing.T) (*Workspace, types.FileID) {
	t.Helper()
	dir := t.TempDir()
	srcPath := filepath.Join(dir, "a.swift")
	require.NoError(t, os.WriteFile(srcPath, []byte("struct A {}"), 0644))
	file, err := pathutil.Canonical(srcPath)
	require.NoError(t, err)

	db := `[{"directory": "` + dir + `", "file": "a.swift", "output": "Lib", "arguments": ["swiftc", "a.swift"]}]`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "compile_commands.json"), []byte(db), 0644))

	cfg := config.Default()
	cfg.Project.Root = dir
	cfg.Build.CompileCommandsPath = filepath.Join(dir, "compile_commands.json")
	cfg.Index.IndexStorePath = filepath.Join(dir, ".index", "store")
	cfg.Index.WatchMode = false // the scheduling behavior under test doesn't need a live fsnotify watcher

	w, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { w.Shutdown(context.Background()) })
	return w, file
}

func TestWorkspaceColdStartIndexesAndFastPathsSecondCall(t *testing.T) {
	w, file := newTestWorkspace(t)
	require.NoError(t, w.Start(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	outcome, err := w.Index(ctx, file, types.PriorityNormal)
	require.NoError(t, err)
	require.Equal(t, types.StatusCompleted, outcome.Status)

	again, err := w.Index(context.Background(), file, types.PriorityNormal)
	require.NoError(t, err)
	require.Equal(t, types.StatusCompleted, again.Status)
}

func TestWorkspacePrepareThenIsIndexing(t *testing.T) {
	w, _ := newTestWorkspace(t)
	require.NoError(t, w.Start(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	outcome, err := w.Prepare(ctx, "Lib", types.PriorityNormal)
	require.NoError(t, err)
	require.Equal(t, types.StatusCompleted, outcome.Status)
	require.False(t, w.IsIndexing())
}

func TestWorkspaceWaitForQuiescenceBlocksUntilDrained(t *testing.T) {
	w, file := newTestWorkspace(t)
	require.NoError(t, w.Start(context.Background()))

	_, err := w.Index(context.Background(), file, types.PriorityNormal)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, w.WaitForQuiescence(ctx, quiescence.Opts{WaitForIndex: true}))
	require.False(t, w.IsIndexing())
}

func TestWorkspaceTriggerReindexLeavesPreparationIntact(t *testing.T) {
	w, file := newTestWorkspace(t)
	require.NoError(t, w.Start(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := w.Index(ctx, file, types.PriorityNormal)
	require.NoError(t, err)

	w.TriggerReindex()

	outcome, err := w.Index(context.Background(), file, types.PriorityNormal)
	require.NoError(t, err)
	require.Equal(t, types.StatusCompleted, outcome.Status)
}

func TestWorkspaceRegisterUnregisterWatchedIsANoOpWithoutWatcher(t *testing.T) {
	w, file := newTestWorkspace(t)
	require.NoError(t, w.Start(context.Background()))

	require.NotPanics(t, func() {
		w.RegisterWatched(file)
		w.UnregisterWatched(file)
	})
}
