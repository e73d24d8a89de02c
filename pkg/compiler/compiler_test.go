package compiler_test

import (
	"testing"

	"github.com/pflow-dev/pflow/pkg/compiler"
	"github.com/pflow-dev/pflow/pkg/registry"
	"github.com/pflow-dev/pflow/pkg/stubnodes"
	"github.com/pflow-dev/pflow/pkg/types"
)

func testRegistry() *registry.Registry {
	r := registry.New()
	stubnodes.RegisterAll(r)
	return r
}

func TestCompileLinearChain(t *testing.T) {
	doc := &types.Document{
		Inputs: map[string]types.InputSpec{"n": {Type: types.TypeNumber}},
		Nodes: []types.NodeSpec{
			{ID: "a", Type: "stub-math", Params: map[string]any{"value": "${n}"}},
			{ID: "b", Type: "stub-echo", Params: map[string]any{"text": "doubled=${a.result}"}},
		},
		Edges:   []types.EdgeSpec{{From: "a", To: "b"}},
		Outputs: map[string]types.OutputSpec{"summary": {Source: "b.text"}},
	}
	flow, err := compiler.Compile(doc, testRegistry(), compiler.Options{})
	if err != nil {
		t.Fatalf("compile failed: %v", err)
	}
	if flow.EntryID != "a" {
		t.Fatalf("entry = %q, want a", flow.EntryID)
	}
	if len(flow.Nodes) != 2 {
		t.Fatalf("got %d compiled nodes, want 2", len(flow.Nodes))
	}
	if flow.Successors["a"]["default"] != "b" {
		t.Fatalf("successor wiring broken: %+v", flow.Successors)
	}
}

func TestCompileRejectsUnknownNodeType(t *testing.T) {
	doc := &types.Document{
		Nodes: []types.NodeSpec{{ID: "a", Type: "does-not-exist"}},
	}
	if _, err := compiler.Compile(doc, testRegistry(), compiler.Options{}); err == nil {
		t.Fatal("expected compilation to fail for an unknown node type")
	}
}

func TestCompileResolvesMCPVirtualEntry(t *testing.T) {
	r := testRegistry()
	r.MustRegister(registry.Entry{
		Type:      "mcp-slack-SLACK_SEND_MESSAGE",
		FilePath:  "virtual://mcp",
		MCPServer: "slack",
		MCPTool:   "SLACK_SEND_MESSAGE",
		Factory:   func() (any, error) { return stubnodes.NewEcho(), nil },
		Interface: registry.Interface{Inputs: []registry.Field{{Name: "text", Type: "string"}}},
	})
	doc := &types.Document{
		Nodes: []types.NodeSpec{{ID: "send", Type: "mcp-slack-SLACK_SEND_MESSAGE", Params: map[string]any{"text": "hi"}}},
	}
	flow, err := compiler.Compile(doc, r, compiler.Options{})
	if err != nil {
		t.Fatalf("compile failed: %v", err)
	}
	if flow.EntryID != "send" {
		t.Fatalf("got entry %q", flow.EntryID)
	}
}
