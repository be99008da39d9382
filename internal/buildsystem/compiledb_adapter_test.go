package buildsystem

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/standardbeagle/workspacecore/internal/types"
)

func writeCompileDB(t *testing.T, dir string, entries string) string {
	t.Helper()
	path := filepath.Join(dir, "compile_commands.json")
	require.NoError(t, os.WriteFile(path, []byte(entries), 0644))
	return path
}

func TestLoadCompileDBGroupsByOutput(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.c"), []byte("int a;"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.c"), []byte("int b;"), 0644))

	db := `[
		{"directory": "` + dir + `", "file": "a.c", "output": "liba.o", "arguments": ["cc", "-c", "a.c"]},
		{"directory": "` + dir + `", "file": "b.c", "output": "liba.o", "arguments": ["cc", "-c", "b.c"]}
	]`
	path := writeCompileDB(t, dir, db)

	adapter, err := LoadCompileDB(path, "")
	require.NoError(t, err)
	defer adapter.Close()

	targets, err := adapter.WorkspaceTargets(context.Background())
	require.NoError(t, err)
	require.Len(t, targets, 1)
	require.Equal(t, types.TargetID("liba.o"), targets[0].ID)

	sources, err := adapter.Sources(context.Background(), "liba.o")
	require.NoError(t, err)
	require.Len(t, sources, 2)
}

func TestLoadCompileDBWithDepsManifest(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "core.c"), []byte("int core;"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "app.c"), []byte("int app;"), 0644))

	db := `[
		{"directory": "` + dir + `", "file": "core.c", "output": "Core", "arguments": ["cc", "-c", "core.c"]},
		{"directory": "` + dir + `", "file": "app.c", "output": "App", "arguments": ["cc", "-c", "app.c"]}
	]`
	dbPath := writeCompileDB(t, dir, db)

	depsPath := filepath.Join(dir, "deps.kdl")
	require.NoError(t, os.WriteFile(depsPath, []byte(`
target "App" {
    deps "Core"
}
`), 0644))

	adapter, err := LoadCompileDB(dbPath, depsPath)
	require.NoError(t, err)
	defer adapter.Close()

	order, err := adapter.TopologicalOrder(context.Background())
	require.NoError(t, err)
	require.Equal(t, []types.TargetID{"Core", "App"}, order)

	dependents, err := adapter.Dependents(context.Background(), "Core")
	require.NoError(t, err)
	require.Equal(t, []types.TargetID{"App"}, dependents)
}

func TestCompileInvocationFallsBackWhenUnknown(t *testing.T) {
	dir := t.TempDir()
	db := `[{"directory": "` + dir + `", "file": "a.c", "output": "A", "arguments": ["cc", "-c", "a.c"]}]`
	path := writeCompileDB(t, dir, db)

	adapter, err := LoadCompileDB(path, "")
	require.NoError(t, err)
	defer adapter.Close()

	inv, err := adapter.CompileInvocation(context.Background(), "unknown.c", "A")
	require.NoError(t, err)
	require.True(t, inv.IsFallback())
}
