package runtime_test

import (
	"context"
	"testing"

	"github.com/pflow-dev/pflow/pkg/compiler"
	"github.com/pflow-dev/pflow/pkg/config"
	"github.com/pflow-dev/pflow/pkg/registry"
	"github.com/pflow-dev/pflow/pkg/repair"
	"github.com/pflow-dev/pflow/pkg/runtime"
	"github.com/pflow-dev/pflow/pkg/store"
	"github.com/pflow-dev/pflow/pkg/stubnodes"
	"github.com/pflow-dev/pflow/pkg/types"
)

func testRegistry() *registry.Registry {
	r := registry.New()
	stubnodes.RegisterAll(r)
	return r
}

func TestRunLinearChainProducesDeclaredOutput(t *testing.T) {
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
		t.Fatalf("compile: %v", err)
	}

	st := store.NewWithInputs(map[string]any{"n": 5})
	result, err := runtime.Run(context.Background(), flow, st)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.Failed {
		t.Fatalf("run failed: %v", result.Error)
	}
	if result.Outputs["summary"] != "doubled=10" {
		t.Fatalf("got output %v", result.Outputs["summary"])
	}
	if len(result.CompletedNodes) != 2 {
		t.Fatalf("got %d completed nodes, want 2", len(result.CompletedNodes))
	}
}

func TestRunRoutesByActionOnBatchPartialFailure(t *testing.T) {
	doc := &types.Document{
		Inputs: map[string]types.InputSpec{"vals": {Type: types.TypeArray}},
		Nodes: []types.NodeSpec{
			{
				ID: "squarer", Type: "stub-square",
				Params: map[string]any{"value": "${item}"},
				Batch: &types.BatchSpec{
					Items: "${vals}", As: "item", Parallel: false,
					ErrorHandling: types.ErrorHandlingContinue,
				},
			},
			{ID: "ok_path", Type: "stub-echo", Params: map[string]any{"text": "all good"}},
			{ID: "error_path", Type: "stub-echo", Params: map[string]any{"text": "some items failed"}},
		},
		Edges: []types.EdgeSpec{
			{From: "squarer", To: "ok_path", Action: "default"},
			{From: "squarer", To: "error_path", Action: "partial_failure"},
		},
		Outputs: map[string]types.OutputSpec{"final": {Source: "error_path.text"}},
	}
	flow, err := compiler.Compile(doc, testRegistry(), compiler.Options{})
	if err != nil {
		t.Fatalf("compile: %v", err)
	}

	st := store.NewWithInputs(map[string]any{"vals": []any{2.0, "bad", 4.0}})
	result, err := runtime.Run(context.Background(), flow, st)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.Failed {
		t.Fatalf("run should not fail in continue mode: %v", result.Error)
	}
	if result.Outputs["final"] != "some items failed" {
		t.Fatalf("got %v, expected the partial_failure branch to have run", result.Outputs["final"])
	}
}

// TestRunAutoParsesShellStdoutAcrossSubprocessBoundary exercises S5 from
// spec.md's testable-property scenarios: a stub-shell node's simulated
// stdout (a JSON array followed by a trailing newline) auto-parses into a
// list for a downstream node whose declared input is array-typed, without
// an intermediate node unpacking it explicitly.
func TestRunAutoParsesShellStdoutAcrossSubprocessBoundary(t *testing.T) {
	doc := &types.Document{
		Nodes: []types.NodeSpec{
			{ID: "emit", Type: "stub-shell", Params: map[string]any{"command": "echo '[1,2,3]'"}},
			{ID: "consume", Type: "stub-list-sum", Params: map[string]any{"items": "${emit.stdout}"}},
		},
		Edges:   []types.EdgeSpec{{From: "emit", To: "consume"}},
		Outputs: map[string]types.OutputSpec{"total": {Source: "consume.sum"}},
	}
	flow, err := compiler.Compile(doc, testRegistry(), compiler.Options{})
	if err != nil {
		t.Fatalf("compile: %v", err)
	}

	st := store.New()
	result, err := runtime.Run(context.Background(), flow, st)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.Failed {
		t.Fatalf("unexpected failure: %v", result.Error)
	}
	if result.Outputs["total"] != float64(6) {
		t.Fatalf("got %v, want 6", result.Outputs["total"])
	}
}

func TestRunStopsAtNodeWithNoMatchingSuccessor(t *testing.T) {
	doc := &types.Document{
		Inputs: map[string]types.InputSpec{"n": {Type: types.TypeNumber}},
		Nodes:  []types.NodeSpec{{ID: "a", Type: "stub-math", Params: map[string]any{"value": "${n}"}}},
	}
	flow, err := compiler.Compile(doc, testRegistry(), compiler.Options{})
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	st := store.NewWithInputs(map[string]any{"n": 3})
	result, err := runtime.Run(context.Background(), flow, st)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.Failed {
		t.Fatalf("unexpected failure: %v", result.Error)
	}
	if len(result.CompletedNodes) != 1 {
		t.Fatalf("got %d completed nodes, want 1", len(result.CompletedNodes))
	}
}

// fixParamsRepairer is a test-only repair.Collaborator that patches the
// failing node's params in the IR and hands back a document to recompile,
// exercising the graph-level repair tier of spec §4.5/§4.7.
type fixParamsRepairer struct {
	nodeID    string
	newParams map[string]any
}

func (f fixParamsRepairer) Repair(ctx context.Context, attempt repair.Attempt) (repair.Outcome, error) {
	if attempt.NodeID != f.nodeID || attempt.Doc == nil {
		return repair.Outcome{GiveUp: true}, nil
	}
	newDoc := *attempt.Doc
	newNodes := make([]types.NodeSpec, len(attempt.Doc.Nodes))
	copy(newNodes, attempt.Doc.Nodes)
	for i, n := range newNodes {
		if n.ID == f.nodeID {
			fixed := n
			fixed.Params = f.newParams
			newNodes[i] = fixed
		}
	}
	newDoc.Nodes = newNodes
	return repair.Outcome{Handled: true, NewDoc: &newDoc, ModifiedNodeIDs: []string{f.nodeID}}, nil
}

func TestRunRecompilesAndResumesAfterGraphLevelRepair(t *testing.T) {
	doc := &types.Document{
		Nodes:   []types.NodeSpec{{ID: "sq", Type: "stub-square", Params: map[string]any{"value": "bad"}}},
		Outputs: map[string]types.OutputSpec{"squared": {Source: "sq.result"}},
	}
	opts := compiler.Options{
		Config:   config.Default(),
		Repairer: fixParamsRepairer{nodeID: "sq", newParams: map[string]any{"value": 5.0}},
	}
	flow, err := compiler.Compile(doc, testRegistry(), opts)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}

	st := store.New()
	result, err := runtime.Run(context.Background(), flow, st)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.Failed {
		t.Fatalf("repair should have recovered the run: %v", result.Error)
	}
	if result.Outputs["squared"] != float64(25) {
		t.Fatalf("got %v, want 25", result.Outputs["squared"])
	}
	modified := st.Coord.ModifiedNodes
	if len(modified) != 1 || modified[0] != "sq" {
		t.Fatalf("got modified nodes %v, want [sq]", modified)
	}
}
