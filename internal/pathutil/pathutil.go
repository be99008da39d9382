// Package pathutil canonicalizes filesystem paths into the FileID form
// the rest of the core keys on, and converts back to relative paths at
// output boundaries (CLI, MCP responses).
package pathutil

import (
	"path/filepath"
	"strings"

	"github.com/standardbeagle/workspacecore/internal/types"
)

// Canonical resolves path to an absolute path with symlinks resolved
// exactly once, per the data model's definition of a source file
// identifier. If symlink resolution fails (e.g. the file was deleted
// between discovery and lookup), the cleaned absolute path is used as a
// best-effort fallback rather than failing the caller.
func Canonical(path string) (types.FileID, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return types.FileID(filepath.Clean(abs)), nil
	}
	return types.FileID(resolved), nil
}

// ToRelative converts an absolute path to one relative to root, falling
// back to the absolute path when the conversion isn't meaningful (root
// unset, different volume, or the path lies outside root).
func ToRelative(absPath, root string) string {
	if absPath == "" || root == "" {
		return absPath
	}
	if !filepath.IsAbs(absPath) {
		return absPath
	}

	cleanAbs := filepath.Clean(absPath)
	cleanRoot := filepath.Clean(root)

	rel, err := filepath.Rel(cleanRoot, cleanAbs)
	if err != nil {
		return cleanAbs
	}
	if strings.HasPrefix(rel, "..") {
		return cleanAbs
	}
	return rel
}
