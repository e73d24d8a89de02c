package ir

import (
	"testing"

	"github.com/pflow-dev/pflow/pkg/registry"
	"github.com/pflow-dev/pflow/pkg/types"
)

func testRegistry() *registry.Registry {
	r := registry.New()
	r.MustRegister(registry.Entry{
		Type: "stub-math",
		Interface: registry.Interface{
			Outputs: []registry.Field{{Name: "result", Type: "number"}},
		},
	})
	r.MustRegister(registry.Entry{Type: "stub-echo"})
	return r
}

func TestNormalizeFillsDefaults(t *testing.T) {
	doc := &types.Document{
		Nodes: []types.NodeSpec{{ID: "a", Type: "stub-math"}},
	}
	out := Normalize(doc)
	if out.IRVersion != types.DefaultIRVersion {
		t.Fatalf("got ir_version %q", out.IRVersion)
	}
	if out.TemplateResolutionMode != types.ModeStrict {
		t.Fatalf("got mode %q", out.TemplateResolutionMode)
	}
	if doc.IRVersion != "" {
		t.Fatal("Normalize must not mutate the caller's document")
	}
}

func TestValidateRejectsDuplicateNodeID(t *testing.T) {
	doc := Normalize(&types.Document{
		Nodes: []types.NodeSpec{
			{ID: "a", Type: "stub-math"},
			{ID: "a", Type: "stub-echo"},
		},
	})
	if err := Validate(doc, testRegistry()); err == nil {
		t.Fatal("expected duplicate id error")
	}
}

func TestValidateRejectsUnknownNodeType(t *testing.T) {
	doc := Normalize(&types.Document{
		Nodes: []types.NodeSpec{{ID: "a", Type: "does-not-exist"}},
	})
	if err := Validate(doc, testRegistry()); err == nil {
		t.Fatal("expected unknown type error")
	}
}

func TestValidateRejectsEdgeToUnknownNode(t *testing.T) {
	doc := Normalize(&types.Document{
		Nodes: []types.NodeSpec{{ID: "a", Type: "stub-math"}},
		Edges: []types.EdgeSpec{{From: "a", To: "b"}},
	})
	if err := Validate(doc, testRegistry()); err == nil {
		t.Fatal("expected dangling edge error")
	}
}

func TestValidateRejectsDuplicateEdgeAction(t *testing.T) {
	doc := Normalize(&types.Document{
		Nodes: []types.NodeSpec{
			{ID: "a", Type: "stub-math"},
			{ID: "b", Type: "stub-echo"},
			{ID: "c", Type: "stub-echo"},
		},
		Edges: []types.EdgeSpec{
			{From: "a", To: "b", Action: "default"},
			{From: "a", To: "c", Action: "default"},
		},
	})
	if err := Validate(doc, testRegistry()); err == nil {
		t.Fatal("expected duplicate (from,action) edge error")
	}
}

func TestValidateRejectsCycle(t *testing.T) {
	doc := Normalize(&types.Document{
		Nodes: []types.NodeSpec{
			{ID: "a", Type: "stub-math"},
			{ID: "b", Type: "stub-echo"},
		},
		Edges: []types.EdgeSpec{
			{From: "a", To: "b"},
			{From: "b", To: "a"},
		},
	})
	if err := Validate(doc, testRegistry()); err == nil {
		t.Fatal("expected cycle error")
	}
}

func TestValidateRejectsUnresolvableTemplateReference(t *testing.T) {
	doc := Normalize(&types.Document{
		Nodes: []types.NodeSpec{
			{ID: "a", Type: "stub-math"},
			{ID: "b", Type: "stub-echo", Params: map[string]any{
				"text": "${a.bogus_field}",
			}},
		},
		Edges: []types.EdgeSpec{{From: "a", To: "b"}},
	})
	if err := Validate(doc, testRegistry()); err == nil {
		t.Fatal("expected template validation error for unknown output field")
	}
}

func TestValidateAcceptsWellFormedChain(t *testing.T) {
	doc := Normalize(&types.Document{
		Inputs: map[string]types.InputSpec{"n": {Type: types.TypeNumber}},
		Nodes: []types.NodeSpec{
			{ID: "a", Type: "stub-math", Params: map[string]any{"value": "${n}"}},
			{ID: "b", Type: "stub-echo", Params: map[string]any{"text": "${a.result}"}},
		},
		Edges: []types.EdgeSpec{{From: "a", To: "b"}},
	})
	if err := Validate(doc, testRegistry()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestFillPlaceholdersForMissingRequiredInput(t *testing.T) {
	doc := &types.Document{
		Inputs: map[string]types.InputSpec{
			"required_field": {Type: types.TypeString, Required: true},
			"defaulted":      {Type: types.TypeString, Default: "fallback"},
		},
	}
	out := FillPlaceholders(doc, map[string]any{})
	if out["required_field"] != placeholderSentinel {
		t.Fatalf("got %v", out["required_field"])
	}
	if out["defaulted"] != "fallback" {
		t.Fatalf("got %v", out["defaulted"])
	}
}
