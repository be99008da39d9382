package buildsystem

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/standardbeagle/workspacecore/internal/debug"
	"github.com/standardbeagle/workspacecore/internal/types"
)

// ExternalAdapter talks to a long-running build server over a Unix domain
// socket, the same transport the teacher's internal/server package uses
// to let its CLI and MCP front ends share one persistent index process:
// an http.Client dialing a Unix socket instead of TCP, newline-free JSON
// bodies over plain HTTP verbs rather than a bespoke wire protocol.
type ExternalAdapter struct {
	httpClient *http.Client
	socketPath string
	timeout    time.Duration

	// ready records whether the build server has answered its first
	// handshake. It is read through IsReady by WithTimeout's wrapper
	// (fallback.go), which fails queries fast while it is false so the
	// caller's fallback path engages immediately instead of blocking for
	// the full timeout on every single request; the adapter's own methods
	// do not check it.
	ready atomic.Bool

	changeEvents chan BuildGraphChange
	closeOnce    sync.Once
	closeCh      chan struct{}
}

// DialExternal connects to a build server listening on socketPath. The
// connection itself is lazy (established per-request by the HTTP
// transport); DialExternal only starts the handshake/reload watcher.
func DialExternal(socketPath string, timeout time.Duration) *ExternalAdapter {
	a := &ExternalAdapter{
		httpClient: &http.Client{
			Transport: &http.Transport{
				DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
					var d net.Dialer
					return d.DialContext(ctx, "unix", socketPath)
				},
			},
			Timeout: timeout,
		},
		socketPath:   socketPath,
		timeout:      timeout,
		changeEvents: make(chan BuildGraphChange, 16),
		closeCh:      make(chan struct{}),
	}
	go a.handshakeLoop()
	return a
}

// handshakeLoop polls /ping until the build server answers, then flips
// ready and starts watching for reload notifications.
func (a *ExternalAdapter) handshakeLoop() {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		if a.ping() {
			a.ready.Store(true)
			debug.LogBuildSystem("external build server at %s is ready", a.socketPath)
			a.watchReloadNotifications()
			return
		}
		select {
		case <-ticker.C:
		case <-a.closeCh:
			return
		}
	}
}

func (a *ExternalAdapter) ping() bool {
	ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://unix/ping", nil)
	if err != nil {
		return false
	}
	resp, err := a.httpClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// watchReloadNotifications polls /events for build-graph change
// notifications for as long as the adapter is open. A production build
// server would push these over a long-lived stream; polling here keeps
// the adapter's dependency surface to net/http, matching the teacher's
// own client.
func (a *ExternalAdapter) watchReloadNotifications() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			a.pollEvents()
		case <-a.closeCh:
			return
		}
	}
}

func (a *ExternalAdapter) pollEvents() {
	var events []BuildGraphChange
	if err := a.getJSON(context.Background(), "/events", &events); err != nil {
		return
	}
	for _, e := range events {
		select {
		case a.changeEvents <- e:
		default:
			debug.LogBuildSystem("dropping build graph change event, subscriber too slow")
		}
	}
}

// IsReady reports whether the build server has completed its handshake.
func (a *ExternalAdapter) IsReady() bool { return a.ready.Load() }

func (a *ExternalAdapter) getJSON(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://unix"+path, nil)
	if err != nil {
		return err
	}
	resp, err := a.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("build server error (%d): %s", resp.StatusCode, body)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (a *ExternalAdapter) postJSON(ctx context.Context, path string, in, out interface{}) error {
	body, err := json.Marshal(in)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "http://unix"+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := a.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("build server error (%d): %s", resp.StatusCode, respBody)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (a *ExternalAdapter) WorkspaceTargets(ctx context.Context) ([]types.Target, error) {
	var targets []types.Target
	if err := a.getJSON(ctx, "/targets", &targets); err != nil {
		return nil, fmt.Errorf("workspace targets: %w", err)
	}
	return targets, nil
}

func (a *ExternalAdapter) Sources(ctx context.Context, target types.TargetID) ([]types.FileID, error) {
	var sources []types.FileID
	if err := a.getJSON(ctx, "/sources?target="+string(target), &sources); err != nil {
		return nil, fmt.Errorf("sources for %s: %w", target, err)
	}
	return sources, nil
}

type compileInvocationRequest struct {
	File   types.FileID   `json:"file"`
	Target types.TargetID `json:"target"`
}

func (a *ExternalAdapter) CompileInvocation(ctx context.Context, file types.FileID, target types.TargetID) (types.CompileInvocation, error) {
	var inv types.CompileInvocation
	err := a.postJSON(ctx, "/compile-invocation", compileInvocationRequest{File: file, Target: target}, &inv)
	if err != nil {
		// Per the adapter contract, fall back rather than propagate.
		debug.LogBuildSystem("build server had no invocation for %s in %s, synthesizing fallback: %v", file, target, err)
		return types.CompileInvocation{File: file, Target: target, Kind: types.InvocationFallback}, nil
	}
	return inv, nil
}

func (a *ExternalAdapter) TopologicalOrder(ctx context.Context) ([]types.TargetID, error) {
	var order []types.TargetID
	if err := a.getJSON(ctx, "/topological-order", &order); err != nil {
		return nil, fmt.Errorf("topological order: %w", err)
	}
	return order, nil
}

func (a *ExternalAdapter) Dependents(ctx context.Context, target types.TargetID) ([]types.TargetID, error) {
	var dependents []types.TargetID
	if err := a.getJSON(ctx, "/dependents?target="+string(target), &dependents); err != nil {
		return nil, fmt.Errorf("dependents of %s: %w", target, err)
	}
	return dependents, nil
}

func (a *ExternalAdapter) Prepare(ctx context.Context, target types.TargetID) error {
	return a.postJSON(ctx, "/prepare", map[string]interface{}{"target": target}, nil)
}

// PrepareForIndexing implements the optional experimental_prepare_for_indexing
// hint (§6): the same request as Prepare, with a flag set so a build server
// that understands it can skip work only useful for running the code.
func (a *ExternalAdapter) PrepareForIndexing(ctx context.Context, target types.TargetID) error {
	return a.postJSON(ctx, "/prepare", map[string]interface{}{"target": target, "forIndexing": true}, nil)
}

// FileAffectsBuildSettings asks the build server, since it alone knows
// which of its own manifest files (lockfiles, project files) matter.
func (a *ExternalAdapter) FileAffectsBuildSettings(file types.FileID) bool {
	var result struct {
		Affects bool `json:"affects"`
	}
	ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
	defer cancel()
	if err := a.getJSON(ctx, "/affects-build-settings?file="+string(file), &result); err != nil {
		return false
	}
	return result.Affects
}

// Reload asks the build server to re-snapshot its graph immediately,
// rather than waiting for the next /events poll, for callers that just
// observed an edit to a file FileAffectsBuildSettings reports true for.
func (a *ExternalAdapter) Reload(ctx context.Context) error {
	return a.postJSON(ctx, "/reload", nil, nil)
}

func (a *ExternalAdapter) ChangeEvents() <-chan BuildGraphChange { return a.changeEvents }

func (a *ExternalAdapter) Close() error {
	a.closeOnce.Do(func() {
		close(a.closeCh)
		close(a.changeEvents)
	})
	return nil
}

// DefaultSocketPath returns a project-specific Unix socket path, following
// the teacher's own per-root socket naming so multiple workspace sessions
// don't collide.
func DefaultSocketPath(root string) string {
	hash := uint32(2166136261)
	for _, c := range root {
		hash = (hash ^ uint32(c)) * 16777619
	}
	return fmt.Sprintf("%s/workspacecore-build-%08x.sock", os.TempDir(), hash)
}
