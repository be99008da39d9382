package buildsystem

import (
	"fmt"
	"time"

	"github.com/standardbeagle/workspacecore/internal/config"
)

// NewFromConfig builds the configured Adapter, wrapping it with a
// workspace-requests timeout the way the indexing manager's fallback path
// expects (§4.1's "block no longer than the configured timeout before
// synthesizing fallback"). Mirrors the teacher's own config-driven
// construction of its indexing.MasterIndex in cmd/lci/main.go, one switch
// over a config-selected implementation rather than a registry.
func NewFromConfig(cfg *config.Config) (Adapter, error) {
	timeout := time.Duration(cfg.Build.WorkspaceRequestsTimeoutSec) * time.Second
	if timeout <= 0 {
		timeout = 2 * time.Second
	}

	switch cfg.Build.Adapter {
	case config.AdapterExternal:
		if cfg.Build.ExternalSocketPath == "" {
			return nil, fmt.Errorf("external_socket_path is required for the external build-system adapter")
		}
		return WithTimeout(DialExternal(cfg.Build.ExternalSocketPath, timeout), timeout), nil
	case config.AdapterCompileDB, "":
		if cfg.Build.CompileCommandsPath == "" {
			return nil, fmt.Errorf("compile_commands_path is required for the compiledb build-system adapter")
		}
		a, err := LoadCompileDB(cfg.Build.CompileCommandsPath, "")
		if err != nil {
			return nil, err
		}
		return WithTimeout(a, timeout), nil
	default:
		return nil, fmt.Errorf("unknown build_system_adapter %q", cfg.Build.Adapter)
	}
}
