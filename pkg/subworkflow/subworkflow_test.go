package subworkflow_test

import (
	"context"
	"testing"

	"github.com/pflow-dev/pflow/pkg/compiler"
	"github.com/pflow-dev/pflow/pkg/node"
	"github.com/pflow-dev/pflow/pkg/registry"
	"github.com/pflow-dev/pflow/pkg/store"
	"github.com/pflow-dev/pflow/pkg/stubnodes"
	"github.com/pflow-dev/pflow/pkg/subworkflow"
	"github.com/pflow-dev/pflow/pkg/types"
)

func testRegistry() *registry.Registry {
	r := registry.New()
	stubnodes.RegisterAll(r)
	return r
}

func doublerDoc() *types.Document {
	return &types.Document{
		Inputs: map[string]types.InputSpec{"n": {Type: types.TypeNumber}},
		Nodes:  []types.NodeSpec{{ID: "d", Type: "stub-math", Params: map[string]any{"value": "${n}"}}},
		Outputs: map[string]types.OutputSpec{"doubled": {Source: "d.result"}},
	}
}

func TestSubworkflowRunsChildAndMapsOutput(t *testing.T) {
	reg := testRegistry()
	loader := subworkflow.MapLoader{"doubler": doublerDoc()}

	sw := subworkflow.New(reg, loader, compiler.Options{})
	if err := sw.SetParams(map[string]any{
		"workflow_name": "doubler",
		"param_mapping": map[string]any{"n": "${x}"},
		"output_mapping": map[string]any{
			"result": "expr:outputs.doubled",
		},
		"storage_mode": "mapped",
	}); err != nil {
		t.Fatalf("set params: %v", err)
	}

	st := store.NewWithInputs(map[string]any{"x": 7})
	ns := node.NewNamespaceNode(sw, "call")
	action, err := node.Run(context.Background(), ns, node.NewRootScope(st), "call", "subworkflow")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if action != "default" {
		t.Fatalf("got action %q", action)
	}
	v, ok := st.GetNamespaced("call", "result")
	if !ok || v != float64(14) {
		t.Fatalf("got (%v, %v), want 14", v, ok)
	}
}

func TestSubworkflowDetectsSelfCycle(t *testing.T) {
	reg := testRegistry()
	cyclic := &types.Document{
		Inputs: map[string]types.InputSpec{"n": {Type: types.TypeNumber}},
		Nodes: []types.NodeSpec{
			{
				ID: "recurse", Type: "subworkflow",
				Params: map[string]any{
					"workflow_name": "cyclic",
					"param_mapping": map[string]any{"n": "${n}"},
				},
			},
		},
	}
	loader := subworkflow.MapLoader{"cyclic": cyclic}
	subworkflow.Register(reg, loader, compiler.Options{})

	sw := subworkflow.New(reg, loader, compiler.Options{})
	if err := sw.SetParams(map[string]any{
		"workflow_name": "cyclic",
		"param_mapping": map[string]any{"n": "${x}"},
	}); err != nil {
		t.Fatalf("set params: %v", err)
	}

	st := store.NewWithInputs(map[string]any{"x": 1})
	_, err := node.Run(context.Background(), sw, node.NewRootScope(st), "entry", "subworkflow")
	if err == nil {
		t.Fatal("expected a cycle error")
	}
}

func TestSubworkflowSharedModeWritesDirectlyToParentStore(t *testing.T) {
	reg := testRegistry()
	loader := subworkflow.MapLoader{"doubler": doublerDoc()}

	sw := subworkflow.New(reg, loader, compiler.Options{})
	if err := sw.SetParams(map[string]any{
		"workflow_name": "doubler",
		"param_mapping": map[string]any{"n": "${x}"},
		"storage_mode":  "shared",
	}); err != nil {
		t.Fatalf("set params: %v", err)
	}

	st := store.NewWithInputs(map[string]any{"x": 3})
	if _, err := node.Run(context.Background(), sw, node.NewRootScope(st), "call", "subworkflow"); err != nil {
		t.Fatalf("run: %v", err)
	}
	// In shared mode the child's "d" node wrote directly onto the parent store.
	v, ok := st.GetNamespaced("d", "result")
	if !ok || v != float64(6) {
		t.Fatalf("got (%v, %v), want 6 under the child node's namespace on the shared store", v, ok)
	}
}
