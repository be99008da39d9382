package buildsystem

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/sblinch/kdl-go"
	"github.com/sblinch/kdl-go/document"

	"github.com/standardbeagle/workspacecore/internal/debug"
	"github.com/standardbeagle/workspacecore/internal/pathutil"
	"github.com/standardbeagle/workspacecore/internal/types"
)

// compileDBEntry mirrors one clang compile_commands.json entry.
type compileDBEntry struct {
	Directory string   `json:"directory"`
	File      string   `json:"file"`
	Output    string   `json:"output,omitempty"`
	Command   string   `json:"command,omitempty"`
	Arguments []string `json:"arguments,omitempty"`
}

// CompileDBAdapter reads a clang-style compile_commands.json and an
// optional sibling KDL dependency manifest, grouping compile entries into
// targets by declared output (or by directory, when no entry declares one).
type CompileDBAdapter struct {
	mu sync.RWMutex

	compileCommandsPath string
	depsManifestPath    string

	targets      map[types.TargetID]*types.Target
	invocations  map[types.FileID]map[types.TargetID]types.CompileInvocation
	deps         map[types.TargetID][]types.TargetID
	dependents   map[types.TargetID][]types.TargetID
	discoverySeq uint64

	changeEvents chan BuildGraphChange
}

// LoadCompileDB parses compileCommandsPath and, if depsManifestPath is
// non-empty and exists, layers in dependency edges declared there as KDL
// nodes of the form `target "Name" { deps "Other" "Another" }`.
func LoadCompileDB(compileCommandsPath, depsManifestPath string) (*CompileDBAdapter, error) {
	raw, err := os.ReadFile(compileCommandsPath)
	if err != nil {
		return nil, fmt.Errorf("read compile commands: %w", err)
	}

	var entries []compileDBEntry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("parse compile commands: %w", err)
	}

	a := &CompileDBAdapter{
		compileCommandsPath: compileCommandsPath,
		depsManifestPath:    depsManifestPath,
		targets:             make(map[types.TargetID]*types.Target),
		invocations:         make(map[types.FileID]map[types.TargetID]types.CompileInvocation),
		deps:                make(map[types.TargetID][]types.TargetID),
		dependents:          make(map[types.TargetID][]types.TargetID),
		changeEvents:        make(chan BuildGraphChange, 16),
	}

	for _, e := range entries {
		if err := a.addEntry(e); err != nil {
			debug.LogBuildSystem("skipping malformed compile entry for %s: %v", e.File, err)
		}
	}

	if depsManifestPath != "" {
		if _, err := os.Stat(depsManifestPath); err == nil {
			if err := a.loadDeps(depsManifestPath); err != nil {
				return nil, fmt.Errorf("load dependency manifest: %w", err)
			}
		}
	}

	return a, nil
}

// Reload re-reads compile_commands.json (and the dependency manifest, if
// configured) from disk and replaces the adapter's state wholesale, then
// publishes a GraphReloaded event. Used when the file-change router
// observes an edit to a file FileAffectsBuildSettings reports true for.
func (a *CompileDBAdapter) Reload(ctx context.Context) error {
	raw, err := os.ReadFile(a.compileCommandsPath)
	if err != nil {
		return fmt.Errorf("read compile commands: %w", err)
	}
	var entries []compileDBEntry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return fmt.Errorf("parse compile commands: %w", err)
	}

	fresh := &CompileDBAdapter{
		compileCommandsPath: a.compileCommandsPath,
		depsManifestPath:    a.depsManifestPath,
		targets:             make(map[types.TargetID]*types.Target),
		invocations:         make(map[types.FileID]map[types.TargetID]types.CompileInvocation),
		deps:                make(map[types.TargetID][]types.TargetID),
		dependents:          make(map[types.TargetID][]types.TargetID),
	}
	for _, e := range entries {
		if err := fresh.addEntry(e); err != nil {
			debug.LogBuildSystem("skipping malformed compile entry for %s: %v", e.File, err)
		}
	}
	if fresh.depsManifestPath != "" {
		if _, err := os.Stat(fresh.depsManifestPath); err == nil {
			if err := fresh.loadDeps(fresh.depsManifestPath); err != nil {
				return fmt.Errorf("load dependency manifest: %w", err)
			}
		}
	}

	a.mu.Lock()
	a.targets = fresh.targets
	a.invocations = fresh.invocations
	a.deps = fresh.deps
	a.dependents = fresh.dependents
	a.discoverySeq = fresh.discoverySeq
	a.mu.Unlock()

	select {
	case a.changeEvents <- BuildGraphChange{Kind: GraphReloaded}:
	default:
		debug.LogBuildSystem("dropping build-graph reload notification, subscriber too slow")
	}
	return nil
}

func (a *CompileDBAdapter) addEntry(e compileDBEntry) error {
	file, err := pathutil.Canonical(filepath.Join(e.Directory, e.File))
	if err != nil {
		file = types.FileID(e.File)
	}

	targetName := e.Output
	if targetName == "" {
		targetName = filepath.Base(e.Directory)
	}
	targetID := types.TargetID(targetName)

	t, ok := a.targets[targetID]
	if !ok {
		a.discoverySeq++
		t = &types.Target{
			ID:           targetID,
			Name:         targetName,
			Destination:  types.RunDestinationHost,
			DiscoverySeq: a.discoverySeq,
		}
		a.targets[targetID] = t
	}
	t.Sources = append(t.Sources, file)

	args := e.Arguments
	if len(args) == 0 && e.Command != "" {
		args = strings.Fields(e.Command)
	}

	if a.invocations[file] == nil {
		a.invocations[file] = make(map[types.TargetID]types.CompileInvocation)
	}
	a.invocations[file][targetID] = types.CompileInvocation{
		File:       file,
		Target:     targetID,
		Arguments:  args,
		WorkingDir: e.Directory,
		Kind:       types.InvocationNormal,
	}
	return nil
}

func (a *CompileDBAdapter) loadDeps(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	doc, err := kdl.Parse(strings.NewReader(string(raw)))
	if err != nil {
		return fmt.Errorf("parse KDL deps manifest: %w", err)
	}
	for _, n := range doc.Nodes {
		if kdlNodeName(n) != "target" {
			continue
		}
		name, ok := kdlFirstStringArg(n)
		if !ok {
			continue
		}
		target := types.TargetID(name)
		for _, child := range n.Children {
			if kdlNodeName(child) != "deps" {
				continue
			}
			for _, arg := range child.Arguments {
				if dep, ok := arg.Value.(string); ok {
					a.deps[target] = append(a.deps[target], types.TargetID(dep))
					a.dependents[types.TargetID(dep)] = append(a.dependents[types.TargetID(dep)], target)
				}
			}
		}
	}
	return nil
}

func kdlNodeName(n *document.Node) string {
	if n == nil || n.Name == nil {
		return ""
	}
	return n.Name.NodeNameString()
}

func kdlFirstStringArg(n *document.Node) (string, bool) {
	if len(n.Arguments) == 0 {
		return "", false
	}
	if s, ok := n.Arguments[0].Value.(string); ok {
		return s, true
	}
	return "", false
}

func (a *CompileDBAdapter) WorkspaceTargets(ctx context.Context) ([]types.Target, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]types.Target, 0, len(a.targets))
	for _, t := range a.targets {
		cp := *t
		cp.Dependencies = append([]types.TargetID(nil), a.deps[t.ID]...)
		out = append(out, cp)
	}
	sortTargets(out)
	return out, nil
}

func (a *CompileDBAdapter) Sources(ctx context.Context, target types.TargetID) ([]types.FileID, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	t, ok := a.targets[target]
	if !ok {
		return nil, fmt.Errorf("unknown target %q", target)
	}
	return append([]types.FileID(nil), t.Sources...), nil
}

func (a *CompileDBAdapter) CompileInvocation(ctx context.Context, file types.FileID, target types.TargetID) (types.CompileInvocation, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if byTarget, ok := a.invocations[file]; ok {
		if inv, ok := byTarget[target]; ok {
			return inv, nil
		}
	}
	// Fallback: no real compile entry for this file in this target. Per
	// the adapter contract, synthesize one rather than fail, flagged so
	// downstream index quality decisions can discount it.
	debug.LogBuildSystem("synthesizing fallback invocation for %s in %s", file, target)
	return types.CompileInvocation{
		File:       file,
		Target:     target,
		Arguments:  nil,
		WorkingDir: "",
		Kind:       types.InvocationFallback,
	}, nil
}

func (a *CompileDBAdapter) TopologicalOrder(ctx context.Context) ([]types.TargetID, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return topoSort(a.targets, a.deps), nil
}

func (a *CompileDBAdapter) Dependents(ctx context.Context, target types.TargetID) ([]types.TargetID, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return append([]types.TargetID(nil), a.dependents[target]...), nil
}

// Prepare is a no-op for the compilation-database adapter: everything
// needed to compile is already present in the parsed database, so there's
// no dependency-module resolution step to run.
func (a *CompileDBAdapter) Prepare(ctx context.Context, target types.TargetID) error {
	a.mu.RLock()
	_, ok := a.targets[target]
	a.mu.RUnlock()
	if !ok {
		return fmt.Errorf("unknown target %q", target)
	}
	return nil
}

// FileAffectsBuildSettings reports true for any file named
// compile_commands.json and any file with a .kdl extension, whether or not
// it is the database or dependency manifest this adapter loaded, since
// editing either of those changes what WorkspaceTargets/TopologicalOrder
// would report.
func (a *CompileDBAdapter) FileAffectsBuildSettings(file types.FileID) bool {
	base := filepath.Base(string(file))
	return base == "compile_commands.json" || strings.HasSuffix(base, ".kdl")
}

func (a *CompileDBAdapter) ChangeEvents() <-chan BuildGraphChange { return a.changeEvents }

func (a *CompileDBAdapter) Close() error {
	close(a.changeEvents)
	return nil
}

func sortTargets(targets []types.Target) {
	for i := 1; i < len(targets); i++ {
		for j := i; j > 0 && targets[j].Less(targets[j-1]); j-- {
			targets[j], targets[j-1] = targets[j-1], targets[j]
		}
	}
}

// topoSort produces a dependencies-before-dependents order over targets
// via a straightforward depth-first post-order traversal.
func topoSort(targets map[types.TargetID]*types.Target, deps map[types.TargetID][]types.TargetID) []types.TargetID {
	visited := make(map[types.TargetID]bool)
	var order []types.TargetID

	ids := make([]types.TargetID, 0, len(targets))
	for id := range targets {
		ids = append(ids, id)
	}
	// Deterministic traversal order: by (Name, DiscoverySeq), same
	// canonical order used to break ties over targets.
	sortTargetIDs(ids, targets)

	var visit func(id types.TargetID)
	visit = func(id types.TargetID) {
		if visited[id] {
			return
		}
		visited[id] = true
		for _, dep := range deps[id] {
			visit(dep)
		}
		order = append(order, id)
	}
	for _, id := range ids {
		visit(id)
	}
	return order
}

func sortTargetIDs(ids []types.TargetID, targets map[types.TargetID]*types.Target) {
	for i := 1; i < len(ids); i++ {
		for j := i; j > 0 && targets[ids[j]].Less(*targets[ids[j-1]]); j-- {
			ids[j], ids[j-1] = ids[j-1], ids[j]
		}
	}
}
