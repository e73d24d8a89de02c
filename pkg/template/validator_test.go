package template

import "testing"

func TestFlattenStructure(t *testing.T) {
	structure := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"items": map[string]any{
				"type": "array",
				"items": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"id": map[string]any{"type": "string"},
					},
				},
			},
			"status": map[string]any{"type": "string"},
		},
	}
	fields := FlattenStructure(structure)

	want := map[string]string{
		"items":             "array",
		"items[0]":          "object",
		"items[0].id":       "string",
		"status":            "string",
	}
	if len(fields) != len(want) {
		t.Fatalf("got %d fields, want %d: %+v", len(fields), len(want), fields)
	}
	for _, f := range fields {
		if want[f.Path] != f.Type {
			t.Errorf("field %q: got type %q, want %q", f.Path, f.Type, want[f.Path])
		}
	}
}

func TestValidateReferenceExactAndPrefix(t *testing.T) {
	fields := []FieldPath{{Path: "response.items[0].id", Type: "string"}}

	if issue := ValidateReference("n1", "response.items[0].id", fields); issue != nil {
		t.Fatalf("exact match should be valid, got %v", issue)
	}
	if issue := ValidateReference("n1", "response", fields); issue != nil {
		t.Fatalf("prefix match should be valid, got %v", issue)
	}
	issue := ValidateReference("n1", "response.bogus", fields)
	if issue == nil {
		t.Fatal("expected a validation issue for unknown field")
	}
	if issue.Reference != "${n1.response.bogus}" {
		t.Fatalf("got reference %q", issue.Reference)
	}
}

func TestValidateReferenceSuggestsSimilar(t *testing.T) {
	fields := []FieldPath{{Path: "statuscode", Type: "number"}}
	issue := ValidateReference("n1", "status_code", fields)
	if issue == nil {
		t.Fatal("expected issue")
	}
	if len(issue.SimilarPaths) == 0 {
		t.Fatal("expected at least one similar path suggestion")
	}
}
