package watcher

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/standardbeagle/workspacecore/internal/config"
	"github.com/standardbeagle/workspacecore/internal/pathutil"
	"github.com/standardbeagle/workspacecore/internal/types"
)

func newTestConfig(t *testing.T, root string) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Project.Root = root
	cfg.Index.WatchMode = true
	cfg.Index.WatchDebounceMs = 30
	cfg.Index.RespectGitignore = false
	cfg.Include = []string{"**/*.swift"}
	return cfg
}

func TestRouterDeliversCreatedFile(t *testing.T) {
	root := t.TempDir()
	cfg := newTestConfig(t, root)

	r, err := New(cfg, func(types.FileID) bool { return false })
	require.NoError(t, err)
	require.NoError(t, r.Start())
	defer r.Stop()

	path := filepath.Join(root, "a.swift")
	require.NoError(t, os.WriteFile(path, []byte("struct A {}"), 0644))

	select {
	case batch := <-r.Events():
		require.Len(t, batch, 1)
		require.Equal(t, types.FileCreated, batch[0].Kind)
	case <-time.After(2 * time.Second):
		t.Fatal("expected a file change event")
	}
}

func TestRouterIgnoresNonMatchingFiles(t *testing.T) {
	root := t.TempDir()
	cfg := newTestConfig(t, root)

	r, err := New(cfg, func(types.FileID) bool { return false })
	require.NoError(t, err)
	require.NoError(t, r.Start())
	defer r.Stop()

	require.NoError(t, os.WriteFile(filepath.Join(root, "notes.txt"), []byte("hi"), 0644))

	select {
	case batch := <-r.Events():
		t.Fatalf("unexpected event batch for non-matching file: %v", batch)
	case <-time.After(150 * time.Millisecond):
	}
}

func TestRouterRoutesBuildSettingsFilesSeparately(t *testing.T) {
	root := t.TempDir()
	cfg := newTestConfig(t, root)
	cfg.Include = []string{"**/*"}

	r, err := New(cfg, func(f types.FileID) bool {
		return filepath.Base(string(f)) == "compile_commands.json"
	})
	require.NoError(t, err)
	require.NoError(t, r.Start())
	defer r.Stop()

	require.NoError(t, os.WriteFile(filepath.Join(root, "compile_commands.json"), []byte("[]"), 0644))

	select {
	case file := <-r.BuildSettingsEvents():
		require.Equal(t, "compile_commands.json", filepath.Base(string(file)))
	case <-time.After(2 * time.Second):
		t.Fatal("expected a build-settings event")
	}
}

func TestRegisterWatchedOverridesIncludeFilter(t *testing.T) {
	root := t.TempDir()
	cfg := newTestConfig(t, root)

	r, err := New(cfg, func(types.FileID) bool { return false })
	require.NoError(t, err)
	require.NoError(t, r.Start())
	defer r.Stop()

	path := filepath.Join(root, "README.md")
	require.NoError(t, os.WriteFile(path, []byte("hi"), 0644))
	canonical, err := pathutil.Canonical(path)
	require.NoError(t, err)
	r.RegisterWatched(canonical)

	require.NoError(t, os.WriteFile(path, []byte("updated"), 0644))

	select {
	case batch := <-r.Events():
		require.Len(t, batch, 1)
	case <-time.After(2 * time.Second):
		t.Fatal("expected registered file's change to be delivered despite not matching include globs")
	}
}
