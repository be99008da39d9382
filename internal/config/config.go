// Package config loads and validates the core's configuration: project
// layout, build-system adapter selection, scheduler concurrency, and
// debounce timing. Two on-disk formats are accepted — KDL (the primary,
// matching the surrounding language-server convention) and TOML (an
// alternate format some embedding tools prefer) — both parsed into the
// same Config struct.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
)

// AdapterKind selects which build-system adapter implementation services
// the core's C1 contract.
type AdapterKind string

const (
	AdapterCompileDB AdapterKind = "compiledb"
	AdapterExternal  AdapterKind = "external"
)

// ConfigFormat selects which on-disk syntax Load parses.
type ConfigFormat string

const (
	FormatKDL  ConfigFormat = "kdl"
	FormatTOML ConfigFormat = "toml"
)

type Config struct {
	Version int
	Project Project
	Index   Index
	Build   Build
	Include []string
	Exclude []string
}

type Project struct {
	Root string
	Name string
}

type Index struct {
	MaxFileSize      int64
	RespectGitignore bool
	WatchMode        bool
	WatchDebounceMs  int

	// IndexStorePath / IndexDatabasePath override where the index store
	// reader looks for compiler-emitted unit/record files.
	IndexStorePath    string
	IndexDatabasePath string
}

type Build struct {
	Adapter                        AdapterKind
	CompileCommandsPath            string // used by the compiledb adapter
	ExternalSocketPath             string // used by the external adapter
	WorkspaceRequestsTimeoutSec    int
	ExperimentalPrepareForIndexing bool

	PrepSlots                 int
	IndexSlots                int
	DependenciesUpdateDebounceMs int
	BackgroundIndexing        bool
}

// Default returns a Config populated with the defaults named in the
// external interfaces section: prep_slots=1, index_slots=max(1,ncpu-1),
// dependencies_update_debounce_ms=500.
func Default() *Config {
	root, err := os.Getwd()
	if err != nil {
		root = "."
	}

	indexSlots := runtime.NumCPU() - 1
	if indexSlots < 1 {
		indexSlots = 1
	}

	return &Config{
		Version: 1,
		Project: Project{Root: root},
		Index: Index{
			MaxFileSize:       10 * 1024 * 1024,
			RespectGitignore:  true,
			WatchMode:         true,
			WatchDebounceMs:   200,
			IndexStorePath:    filepath.Join(root, ".index", "store"),
			IndexDatabasePath: filepath.Join(root, ".index", "db"),
		},
		Build: Build{
			Adapter:                      AdapterCompileDB,
			CompileCommandsPath:          filepath.Join(root, "compile_commands.json"),
			WorkspaceRequestsTimeoutSec:  2,
			PrepSlots:                    1,
			IndexSlots:                   indexSlots,
			DependenciesUpdateDebounceMs: 500,
			BackgroundIndexing:           true,
		},
		Include: []string{"**/*"},
	}
}

// Load reads a config file at path, inferring format from its extension
// (.kdl or .toml), and falls back to Default when no file exists.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		return cfg, nil
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}

	switch filepath.Ext(path) {
	case ".toml":
		loaded, err := LoadTOML(path, cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to load %s: %w", path, err)
		}
		cfg = loaded
	default:
		loaded, err := LoadKDL(path, cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to load %s: %w", path, err)
		}
		cfg = loaded
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}
