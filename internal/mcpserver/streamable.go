// Package mcpserver exposes fleet status and routing as MCP tools over the
// streamable HTTP transport.
package mcpserver

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/mark3labs/mcp-go/mcp"
	sdkserver "github.com/mark3labs/mcp-go/server"

	"github.com/gaspardpetit/fleetwatch/internal/fleet"
	"github.com/gaspardpetit/fleetwatch/internal/query"
)

// Fleet answers the questions the tools expose.
type Fleet interface {
	Status() query.View
	Route(requester, hint string) fleet.RoutingDecision
	ValidateHint(hint string) error
}

// NewServer returns an MCP server with the fleet_status and fleet_route
// tools registered.
func NewServer(f Fleet, version string) *sdkserver.MCPServer {
	srv := sdkserver.NewMCPServer(
		"fleetwatch",
		version,
		sdkserver.WithResourceCapabilities(false, false),
		sdkserver.WithToolCapabilities(false),
		sdkserver.WithPromptCapabilities(false),
	)
	srv.AddTool(mcp.NewTool("fleet_status",
		mcp.WithDescription("Latest fleet snapshot: nodes, health, VRAM and available model backends."),
	), func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return jsonResult(f.Status())
	})
	srv.AddTool(mcp.NewTool("fleet_route",
		mcp.WithDescription("Ordered model backends a node should try for its next inference request."),
		mcp.WithString("node", mcp.Required(), mcp.Description("Requesting node name")),
		mcp.WithString("hint", mcp.Description("Workload hint such as \"metered\", \"min-tier=Medium\" or \"model=qwen2.5-coder:7b\"")),
	), func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		node, err := req.RequireString("node")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		hint := req.GetString("hint", "")
		if err := f.ValidateHint(hint); err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return jsonResult(f.Route(node, hint))
	})
	return srv
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, err
	}
	return mcp.NewToolResultText(string(b)), nil
}

// NewHandler constructs a Streamable HTTP MCP handler serving the fleet tools.
func NewHandler(f Fleet, version string) http.Handler {
	return sdkserver.NewStreamableHTTPServer(
		NewServer(f, version),
		sdkserver.WithHTTPContextFunc(func(ctx context.Context, r *http.Request) context.Context {
			return ctx
		}),
	)
}
