// Package mcpserver exposes the request surface (internal/requestsurface)
// as MCP tools, grounded on the teacher's internal/mcp/server.go:
// mcp.NewServer + one AddTool call per tool, a jsonschema.Schema literal
// for each tool's input, and a context/*mcp.CallToolRequest handler that
// unmarshals req.Params.Arguments and returns a *mcp.CallToolResult.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/standardbeagle/workspacecore/internal/debug"
	"github.com/standardbeagle/workspacecore/internal/quiescence"
	"github.com/standardbeagle/workspacecore/internal/requestsurface"
	"github.com/standardbeagle/workspacecore/internal/types"
)

// Server wraps one Workspace with an MCP stdio tool surface.
type Server struct {
	ws     *requestsurface.Workspace
	server *mcp.Server
}

// NewServer builds an MCP server over ws and registers every request
// surface tool.
func NewServer(ws *requestsurface.Workspace) *Server {
	s := &Server{
		ws: ws,
		server: mcp.NewServer(&mcp.Implementation{
			Name:    "workspacecore-mcp-server",
			Version: "0.1.0",
		}, nil),
	}
	s.registerTools()
	return s
}

// Start runs the MCP server over stdio until ctx is done.
func (s *Server) Start(ctx context.Context) error {
	debug.LogManager("starting MCP server with stdio transport")
	return s.server.Run(ctx, &mcp.StdioTransport{})
}

func jsonResponse(data interface{}) (*mcp.CallToolResult, error) {
	content, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("marshal response: %w", err)
	}
	return &mcp.CallToolResult{Content: []mcp.Content{&mcp.TextContent{Text: string(content)}}}, nil
}

func errorResponse(operation string, err error) (*mcp.CallToolResult, error) {
	return jsonResponse(map[string]interface{}{
		"success":   false,
		"operation": operation,
		"error":     err.Error(),
	})
}

func (s *Server) registerTools() {
	s.server.AddTool(&mcp.Tool{
		Name:        "prepare",
		Description: "Resolve a target's dependency modules so it's ready to compile. Blocks until preparation completes.",
		InputSchema: &jsonschema.Schema{
			Type: "object",
			Properties: map[string]*jsonschema.Schema{
				"target":   {Type: "string", Description: "Target identifier to prepare"},
				"priority": {Type: "integer", Description: "Scheduling priority (10=normal, 20=visible, 30=interactive); omitted or 0 means normal"},
			},
			Required: []string{"target"},
		},
	}, s.handlePrepare)

	s.server.AddTool(&mcp.Tool{
		Name:        "index",
		Description: "Index a file in its canonical target. Blocks until indexing completes.",
		InputSchema: &jsonschema.Schema{
			Type: "object",
			Properties: map[string]*jsonschema.Schema{
				"file":     {Type: "string", Description: "Absolute path of the source file to index"},
				"priority": {Type: "integer", Description: "Scheduling priority (10=normal, 20=visible, 30=interactive); omitted or 0 means normal"},
			},
			Required: []string{"file"},
		},
	}, s.handleIndex)

	s.server.AddTool(&mcp.Tool{
		Name:        "wait_for_quiescence",
		Description: "Block until, as the options request, no outstanding scheduler work remains and any in-flight build-graph reload has settled.",
		InputSchema: &jsonschema.Schema{
			Type: "object",
			Properties: map[string]*jsonschema.Schema{
				"build_graph_updates": {Type: "boolean", Description: "Also wait for any pending build-graph reload to settle"},
				"wait_for_index":      {Type: "boolean", Description: "Wait for the scheduler to have no queued or running tasks"},
			},
		},
	}, s.handleWaitForQuiescence)

	s.server.AddTool(&mcp.Tool{
		Name:        "register_watched",
		Description: "Mark a file as one the caller wants dependency-invalidation notifications for, independent of include globs. Files in excluded directories are not watched.",
		InputSchema: &jsonschema.Schema{
			Type:       "object",
			Properties: map[string]*jsonschema.Schema{"file": {Type: "string"}},
			Required:   []string{"file"},
		},
	}, s.handleRegisterWatched)

	s.server.AddTool(&mcp.Tool{
		Name:        "unregister_watched",
		Description: "Remove a file from the caller's watched-file set.",
		InputSchema: &jsonschema.Schema{
			Type:       "object",
			Properties: map[string]*jsonschema.Schema{"file": {Type: "string"}},
			Required:   []string{"file"},
		},
	}, s.handleUnregisterWatched)

	s.server.AddTool(&mcp.Tool{
		Name:        "is_indexing",
		Description: "Report whether the task scheduler currently holds any queued or running task.",
		InputSchema: &jsonschema.Schema{Type: "object"},
	}, s.handleIsIndexing)

	s.server.AddTool(&mcp.Tool{
		Name:        "trigger_reindex",
		Description: "Invalidate every indexed flag, leaving preparation flags intact. Subsequent index/prepare calls redo the affected work.",
		InputSchema: &jsonschema.Schema{Type: "object"},
	}, s.handleTriggerReindex)
}

type prepareParams struct {
	Target   string `json:"target"`
	Priority int    `json:"priority,omitempty"`
}

func (s *Server) handlePrepare(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var p prepareParams
	if err := json.Unmarshal(req.Params.Arguments, &p); err != nil {
		return errorResponse("prepare", fmt.Errorf("invalid parameters: %w", err))
	}
	outcome, err := s.ws.Prepare(ctx, types.TargetID(p.Target), priorityOrDefault(p.Priority))
	if err != nil {
		return errorResponse("prepare", err)
	}
	resp := map[string]interface{}{"target": string(outcome.Target), "status": outcome.Status.String()}
	if outcome.Err != nil {
		resp["error"] = outcome.Err.Error()
	}
	return jsonResponse(resp)
}

type indexParams struct {
	File     string `json:"file"`
	Priority int    `json:"priority,omitempty"`
}

func (s *Server) handleIndex(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var p indexParams
	if err := json.Unmarshal(req.Params.Arguments, &p); err != nil {
		return errorResponse("index", fmt.Errorf("invalid parameters: %w", err))
	}
	outcome, err := s.ws.Index(ctx, types.FileID(p.File), priorityOrDefault(p.Priority))
	if err != nil {
		return errorResponse("index", err)
	}
	resp := map[string]interface{}{"file": string(outcome.File), "target": string(outcome.Target), "status": outcome.Status.String()}
	if outcome.Err != nil {
		resp["error"] = outcome.Err.Error()
	}
	return jsonResponse(resp)
}

type quiescenceParams struct {
	BuildGraphUpdates bool `json:"build_graph_updates,omitempty"`
	WaitForIndex      bool `json:"wait_for_index,omitempty"`
}

func (s *Server) handleWaitForQuiescence(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var p quiescenceParams
	if len(req.Params.Arguments) > 0 {
		if err := json.Unmarshal(req.Params.Arguments, &p); err != nil {
			return errorResponse("wait_for_quiescence", fmt.Errorf("invalid parameters: %w", err))
		}
	}
	if err := s.ws.WaitForQuiescence(ctx, quiescence.Opts{BuildGraphUpdates: p.BuildGraphUpdates, WaitForIndex: p.WaitForIndex}); err != nil {
		return errorResponse("wait_for_quiescence", err)
	}
	return jsonResponse(map[string]interface{}{"success": true})
}

type fileParams struct {
	File string `json:"file"`
}

func (s *Server) handleRegisterWatched(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var p fileParams
	if err := json.Unmarshal(req.Params.Arguments, &p); err != nil {
		return errorResponse("register_watched", fmt.Errorf("invalid parameters: %w", err))
	}
	s.ws.RegisterWatched(types.FileID(p.File))
	return jsonResponse(map[string]interface{}{"success": true})
}

func (s *Server) handleUnregisterWatched(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var p fileParams
	if err := json.Unmarshal(req.Params.Arguments, &p); err != nil {
		return errorResponse("unregister_watched", fmt.Errorf("invalid parameters: %w", err))
	}
	s.ws.UnregisterWatched(types.FileID(p.File))
	return jsonResponse(map[string]interface{}{"success": true})
}

func (s *Server) handleIsIndexing(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return jsonResponse(map[string]interface{}{"indexing": s.ws.IsIndexing()})
}

func (s *Server) handleTriggerReindex(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	s.ws.TriggerReindex()
	return jsonResponse(map[string]interface{}{"success": true})
}

func priorityOrDefault(p int) types.Priority {
	if p == 0 {
		return types.PriorityNormal
	}
	return types.Priority(p)
}
