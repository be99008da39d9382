package config

import (
	"fmt"
	"os"
	"path/filepath"

	toml "github.com/pelletier/go-toml/v2"
)

// tomlDocument mirrors Config's overridable fields for workspacecore.toml,
// the alternate config format for embedders that prefer TOML over KDL.
type tomlDocument struct {
	Project struct {
		Root string `toml:"root"`
		Name string `toml:"name"`
	} `toml:"project"`
	Index struct {
		MaxFileSize       string `toml:"max_file_size"`
		RespectGitignore  *bool  `toml:"respect_gitignore"`
		WatchMode         *bool  `toml:"watch_mode"`
		WatchDebounceMs   int    `toml:"watch_debounce_ms"`
		IndexStorePath    string `toml:"index_store_path"`
		IndexDatabasePath string `toml:"index_database_path"`
	} `toml:"index"`
	Build struct {
		Adapter                        string `toml:"adapter"`
		CompileCommandsPath            string `toml:"compile_commands_path"`
		ExternalSocketPath             string `toml:"external_socket_path"`
		WorkspaceRequestsTimeoutSec    int    `toml:"workspace_requests_timeout_sec"`
		ExperimentalPrepareForIndexing *bool  `toml:"experimental_prepare_for_indexing"`
		PrepSlots                      int    `toml:"prep_slots"`
		IndexSlots                     int    `toml:"index_slots"`
		DependenciesUpdateDebounceMs   int    `toml:"dependencies_update_debounce_ms"`
		BackgroundIndexing             *bool  `toml:"background_indexing"`
	} `toml:"build"`
	Include []string `toml:"include"`
	Exclude []string `toml:"exclude"`
}

// LoadTOML parses a workspacecore.toml file into base, overriding only the
// fields the document sets.
func LoadTOML(path string, base *Config) (*Config, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	var doc tomlDocument
	if err := toml.Unmarshal(content, &doc); err != nil {
		return nil, fmt.Errorf("parse TOML: %w", err)
	}

	cfg := base
	dir := filepath.Dir(path)

	if doc.Project.Root != "" {
		cfg.Project.Root = resolveRoot(dir, doc.Project.Root)
	} else {
		cfg.Project.Root = dir
	}
	if doc.Project.Name != "" {
		cfg.Project.Name = doc.Project.Name
	}

	if doc.Index.MaxFileSize != "" {
		if sz, err := parseSize(doc.Index.MaxFileSize); err == nil {
			cfg.Index.MaxFileSize = sz
		}
	}
	if doc.Index.RespectGitignore != nil {
		cfg.Index.RespectGitignore = *doc.Index.RespectGitignore
	}
	if doc.Index.WatchMode != nil {
		cfg.Index.WatchMode = *doc.Index.WatchMode
	}
	if doc.Index.WatchDebounceMs != 0 {
		cfg.Index.WatchDebounceMs = doc.Index.WatchDebounceMs
	}
	if doc.Index.IndexStorePath != "" {
		cfg.Index.IndexStorePath = doc.Index.IndexStorePath
	}
	if doc.Index.IndexDatabasePath != "" {
		cfg.Index.IndexDatabasePath = doc.Index.IndexDatabasePath
	}

	if doc.Build.Adapter != "" {
		cfg.Build.Adapter = AdapterKind(doc.Build.Adapter)
	}
	if doc.Build.CompileCommandsPath != "" {
		cfg.Build.CompileCommandsPath = doc.Build.CompileCommandsPath
	}
	if doc.Build.ExternalSocketPath != "" {
		cfg.Build.ExternalSocketPath = doc.Build.ExternalSocketPath
	}
	if doc.Build.WorkspaceRequestsTimeoutSec != 0 {
		cfg.Build.WorkspaceRequestsTimeoutSec = doc.Build.WorkspaceRequestsTimeoutSec
	}
	if doc.Build.ExperimentalPrepareForIndexing != nil {
		cfg.Build.ExperimentalPrepareForIndexing = *doc.Build.ExperimentalPrepareForIndexing
	}
	if doc.Build.PrepSlots != 0 {
		cfg.Build.PrepSlots = doc.Build.PrepSlots
	}
	if doc.Build.IndexSlots != 0 {
		cfg.Build.IndexSlots = doc.Build.IndexSlots
	}
	if doc.Build.DependenciesUpdateDebounceMs != 0 {
		cfg.Build.DependenciesUpdateDebounceMs = doc.Build.DependenciesUpdateDebounceMs
	}
	if doc.Build.BackgroundIndexing != nil {
		cfg.Build.BackgroundIndexing = *doc.Build.BackgroundIndexing
	}

	if len(doc.Include) > 0 {
		cfg.Include = doc.Include
	}
	if len(doc.Exclude) > 0 {
		cfg.Exclude = doc.Exclude
	}

	return cfg, nil
}
