package config

import (
	"errors"
	"fmt"
	"runtime"

	coreerrors "github.com/standardbeagle/workspacecore/internal/errors"
)

// Validate checks cfg for out-of-range values and applies smart defaults
// for fields left at their zero value, in the same spirit as the
// upstream config validator: reject impossible values, fill in sane ones.
func Validate(cfg *Config) error {
	if err := validateProject(&cfg.Project); err != nil {
		return coreerrors.NewConfigError("project", "", err)
	}
	if err := validateIndex(&cfg.Index); err != nil {
		return coreerrors.NewConfigError("index", "", err)
	}
	if err := validateBuild(&cfg.Build); err != nil {
		return coreerrors.NewConfigError("build", "", err)
	}

	setSmartDefaults(cfg)
	return nil
}

func validateProject(p *Project) error {
	if p.Root == "" {
		return errors.New("project root cannot be empty")
	}
	return nil
}

func validateIndex(idx *Index) error {
	if idx.MaxFileSize <= 0 {
		return fmt.Errorf("MaxFileSize must be positive, got %d", idx.MaxFileSize)
	}
	if idx.WatchDebounceMs < 0 {
		return fmt.Errorf("WatchDebounceMs cannot be negative, got %d", idx.WatchDebounceMs)
	}
	return nil
}

func validateBuild(b *Build) error {
	if b.Adapter != AdapterCompileDB && b.Adapter != AdapterExternal {
		return fmt.Errorf("unknown build adapter %q", b.Adapter)
	}
	if b.PrepSlots < 0 {
		return fmt.Errorf("PrepSlots cannot be negative, got %d", b.PrepSlots)
	}
	if b.IndexSlots < 0 {
		return fmt.Errorf("IndexSlots cannot be negative, got %d", b.IndexSlots)
	}
	if b.DependenciesUpdateDebounceMs < 0 {
		return fmt.Errorf("DependenciesUpdateDebounceMs cannot be negative, got %d", b.DependenciesUpdateDebounceMs)
	}
	if b.WorkspaceRequestsTimeoutSec < 0 {
		return fmt.Errorf("WorkspaceRequestsTimeoutSec cannot be negative, got %d", b.WorkspaceRequestsTimeoutSec)
	}
	return nil
}

// setSmartDefaults fills in fields the caller left at zero value, mirroring
// the spec's stated defaults (prep_slots=1, index_slots=max(1,ncpu-1),
// debounce=500ms).
func setSmartDefaults(cfg *Config) {
	if cfg.Build.PrepSlots == 0 {
		cfg.Build.PrepSlots = 1
	}
	if cfg.Build.IndexSlots == 0 {
		cfg.Build.IndexSlots = max(1, runtime.NumCPU()-1)
	}
	if cfg.Build.DependenciesUpdateDebounceMs == 0 {
		cfg.Build.DependenciesUpdateDebounceMs = 500
	}
	if cfg.Build.WorkspaceRequestsTimeoutSec == 0 {
		cfg.Build.WorkspaceRequestsTimeoutSec = 2
	}
}
