package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
	sdkserver "github.com/mark3labs/mcp-go/server"

	"github.com/gaspardpetit/fleetwatch/internal/fleet"
	"github.com/gaspardpetit/fleetwatch/internal/query"
)

type stubFleet struct{}

func (stubFleet) Status() query.View {
	return query.View{Snapshot: &fleet.Snapshot{Seq: 4, Nodes: []fleet.Node{{Name: "nodeA", Health: fleet.HealthUp}}}, AgeSeconds: 1}
}

func (stubFleet) Route(requester, hint string) fleet.RoutingDecision {
	return fleet.RoutingDecision{RequestingNode: requester, Hint: hint, SnapshotSeq: 4,
		Backends: []fleet.ModelBackend{{ID: "remote/x", Kind: fleet.KindRemoteAPI, Model: "x", Cost: fleet.CostMetered, Available: true}}}
}

func (stubFleet) ValidateHint(hint string) error {
	if strings.Contains(hint, "bogus") {
		return errors.New("unknown hint key \"bogus\"")
	}
	return nil
}

func TestInitialize(t *testing.T) {
	mux := http.NewServeMux()
	mux.Handle("/mcp", NewHandler(stubFleet{}, "test"))
	srv := httptest.NewServer(mux)
	defer srv.Close()

	reqBody := []byte(`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"1.0"}}`)
	resp, err := http.Post(srv.URL+"/mcp", "application/json", bytes.NewReader(reqBody))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
	if sid := resp.Header.Get("Mcp-Session-Id"); sid == "" {
		t.Fatalf("missing session id")
	}
}

func callTool(t *testing.T, name string, args map[string]any) *mcp.CallToolResult {
	t.Helper()
	srv := sdkserver.NewTestStreamableHTTPServer(NewServer(stubFleet{}, "test"))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	cl, err := client.NewStreamableHttpClient(srv.URL + "/mcp")
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	defer func() { _ = cl.Close() }()
	if err := cl.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := cl.Initialize(ctx, mcp.InitializeRequest{}); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	tools, err := cl.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil || len(tools.Tools) != 2 {
		t.Fatalf("tools %v %v", tools, err)
	}
	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args
	res, err := cl.CallTool(ctx, req)
	if err != nil {
		t.Fatalf("call %s: %v", name, err)
	}
	return res
}

func text(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	if len(res.Content) == 0 {
		t.Fatal("empty result")
	}
	tc, ok := mcp.AsTextContent(res.Content[0])
	if !ok {
		t.Fatalf("unexpected content %T", res.Content[0])
	}
	return tc.Text
}

func TestFleetStatusTool(t *testing.T) {
	res := callTool(t, "fleet_status", nil)
	var view query.View
	if err := json.Unmarshal([]byte(text(t, res)), &view); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if view.Snapshot.Seq != 4 || len(view.Snapshot.Nodes) != 1 {
		t.Fatalf("view %+v", view)
	}
}

func TestFleetRouteTool(t *testing.T) {
	res := callTool(t, "fleet_route", map[string]any{"node": "nodeC", "hint": "metered"})
	var d fleet.RoutingDecision
	if err := json.Unmarshal([]byte(text(t, res)), &d); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if d.RequestingNode != "nodeC" || d.Hint != "metered" || len(d.Backends) != 1 {
		t.Fatalf("decision %+v", d)
	}

	res = callTool(t, "fleet_route", map[string]any{"node": "nodeC", "hint": "bogus=1"})
	if !res.IsError {
		t.Fatal("expected tool error for bad hint")
	}
	res = callTool(t, "fleet_route", map[string]any{})
	if !res.IsError {
		t.Fatal("expected tool error for missing node")
	}
}
