package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	kdl "github.com/sblinch/kdl-go"
	"github.com/sblinch/kdl-go/document"
)

// LoadKDL parses a .workspacecore.kdl file into base (a pre-populated
// Config, normally config.Default()), overriding only the fields the
// document sets.
func LoadKDL(path string, base *Config) (*Config, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	doc, err := kdl.Parse(strings.NewReader(string(content)))
	if err != nil {
		return nil, fmt.Errorf("parse KDL: %w", err)
	}

	cfg := base
	dir := filepath.Dir(path)

	for _, n := range doc.Nodes {
		switch nodeName(n) {
		case "project":
			for _, cn := range n.Children {
				assignSimpleString(cn, "root", func(v string) { cfg.Project.Root = resolveRoot(dir, v) })
				assignSimpleString(cn, "name", func(v string) { cfg.Project.Name = v })
			}
		case "index":
			parseIndexNode(cfg, n)
		case "build":
			parseBuildNode(cfg, n)
		case "include":
			cfg.Include = collectStringArgs(n)
		case "exclude":
			cfg.Exclude = collectStringArgs(n)
		}
	}

	if cfg.Project.Root == "" {
		cfg.Project.Root = dir
	}

	return cfg, nil
}

func resolveRoot(configDir, root string) string {
	if filepath.IsAbs(root) {
		return filepath.Clean(root)
	}
	return filepath.Clean(filepath.Join(configDir, root))
}

func parseIndexNode(cfg *Config, n *document.Node) {
	for _, cn := range n.Children {
		switch nodeName(cn) {
		case "max_file_size":
			if s, ok := firstStringArg(cn); ok {
				if sz, err := parseSize(s); err == nil {
					cfg.Index.MaxFileSize = sz
				}
			} else if v, ok := firstIntArg(cn); ok {
				cfg.Index.MaxFileSize = int64(v)
			}
		case "respect_gitignore":
			if b, ok := firstBoolArg(cn); ok {
				cfg.Index.RespectGitignore = b
			}
		case "watch_mode":
			if b, ok := firstBoolArg(cn); ok {
				cfg.Index.WatchMode = b
			}
		case "watch_debounce_ms":
			if v, ok := firstIntArg(cn); ok {
				cfg.Index.WatchDebounceMs = v
			}
		case "index_store_path":
			if s, ok := firstStringArg(cn); ok {
				cfg.Index.IndexStorePath = s
			}
		case "index_database_path":
			if s, ok := firstStringArg(cn); ok {
				cfg.Index.IndexDatabasePath = s
			}
		}
	}
}

func parseBuildNode(cfg *Config, n *document.Node) {
	for _, cn := range n.Children {
		switch nodeName(cn) {
		case "adapter":
			if s, ok := firstStringArg(cn); ok {
				cfg.Build.Adapter = AdapterKind(s)
			}
		case "compile_commands_path":
			if s, ok := firstStringArg(cn); ok {
				cfg.Build.CompileCommandsPath = s
			}
		case "external_socket_path":
			if s, ok := firstStringArg(cn); ok {
				cfg.Build.ExternalSocketPath = s
			}
		case "workspace_requests_timeout_sec":
			if v, ok := firstIntArg(cn); ok {
				cfg.Build.WorkspaceRequestsTimeoutSec = v
			}
		case "experimental_prepare_for_indexing":
			if b, ok := firstBoolArg(cn); ok {
				cfg.Build.ExperimentalPrepareForIndexing = b
			}
		case "prep_slots":
			if v, ok := firstIntArg(cn); ok {
				cfg.Build.PrepSlots = v
			}
		case "index_slots":
			if v, ok := firstIntArg(cn); ok {
				cfg.Build.IndexSlots = v
			}
		case "dependencies_update_debounce_ms":
			if v, ok := firstIntArg(cn); ok {
				cfg.Build.DependenciesUpdateDebounceMs = v
			}
		case "background_indexing":
			if b, ok := firstBoolArg(cn); ok {
				cfg.Build.BackgroundIndexing = b
			}
		}
	}
}

func nodeName(n *document.Node) string {
	if n == nil || n.Name == nil {
		return ""
	}
	return n.Name.NodeNameString()
}

func firstIntArg(n *document.Node) (int, bool) {
	if len(n.Arguments) == 0 {
		return 0, false
	}
	switch v := n.Arguments[0].Value.(type) {
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	default:
		return 0, false
	}
}

func firstStringArg(n *document.Node) (string, bool) {
	if len(n.Arguments) == 0 {
		return "", false
	}
	if s, ok := n.Arguments[0].Value.(string); ok {
		return s, true
	}
	return "", false
}

func firstBoolArg(n *document.Node) (bool, bool) {
	if len(n.Arguments) == 0 {
		return false, false
	}
	if b, ok := n.Arguments[0].Value.(bool); ok {
		return b, true
	}
	return false, false
}

func collectStringArgs(n *document.Node) []string {
	if n == nil {
		return nil
	}
	out := make([]string, 0, len(n.Arguments))
	for _, a := range n.Arguments {
		if s, ok := a.Value.(string); ok {
			out = append(out, s)
		}
	}
	if len(out) == 0 && len(n.Children) > 0 {
		out = make([]string, 0, len(n.Children))
		for _, child := range n.Children {
			if s, ok := firstStringArg(child); ok {
				out = append(out, s)
			} else if child.Name != nil {
				if s, ok := child.Name.Value.(string); ok {
					out = append(out, s)
				}
			}
		}
	}
	return out
}

func assignSimpleString(n *document.Node, target string, set func(string)) {
	if nodeName(n) == target {
		if s, ok := firstStringArg(n); ok {
			set(s)
		}
	}
}

// parseSize handles size strings like "10MB", "500KB", "1GB".
func parseSize(s string) (int64, error) {
	s = strings.ToUpper(strings.TrimSpace(s))

	var multiplier int64 = 1
	var numStr string

	switch {
	case strings.HasSuffix(s, "GB"):
		multiplier = 1024 * 1024 * 1024
		numStr = strings.TrimSuffix(s, "GB")
	case strings.HasSuffix(s, "MB"):
		multiplier = 1024 * 1024
		numStr = strings.TrimSuffix(s, "MB")
	case strings.HasSuffix(s, "KB"):
		multiplier = 1024
		numStr = strings.TrimSuffix(s, "KB")
	case strings.HasSuffix(s, "B"):
		multiplier = 1
		numStr = strings.TrimSuffix(s, "B")
	default:
		numStr = s
	}

	num, err := strconv.ParseInt(numStr, 10, 64)
	if err != nil {
		return 0, err
	}

	return num * multiplier, nil
}
