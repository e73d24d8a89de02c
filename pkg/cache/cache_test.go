package cache_test

import (
	"context"
	"testing"

	"github.com/pflow-dev/pflow/pkg/cache"
	"github.com/pflow-dev/pflow/pkg/config"
	"github.com/pflow-dev/pflow/pkg/registry"
	"github.com/pflow-dev/pflow/pkg/stubnodes"
	"github.com/pflow-dev/pflow/pkg/template"
)

func testRegistry() *registry.Registry {
	r := registry.New()
	stubnodes.RegisterAll(r)
	return r
}

func newTestStore(t *testing.T) *cache.Store {
	t.Helper()
	cfg := config.Default()
	cfg.CacheRoot = t.TempDir()
	st, err := cache.New(cfg)
	if err != nil {
		t.Fatalf("cache.New: %v", err)
	}
	return st
}

func TestRegistryRunWritesAndReadsBack(t *testing.T) {
	cs := newTestStore(t)
	result, err := cache.RegistryRun(context.Background(), testRegistry(), cs, "stub-math", map[string]any{"value": 21.0})
	if err != nil {
		t.Fatalf("registry run: %v", err)
	}
	if result.Entry.Outputs["result"] != float64(42) {
		t.Fatalf("got outputs %v", result.Entry.Outputs)
	}

	reloaded, err := cs.Read(result.ExecutionID)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if reloaded.Outputs["result"] != float64(42) {
		t.Fatalf("got reloaded outputs %v", reloaded.Outputs)
	}
	if reloaded.NodeType != "stub-math" {
		t.Fatalf("got node type %q", reloaded.NodeType)
	}
}

func TestRegistryRunUnknownTypeFails(t *testing.T) {
	cs := newTestStore(t)
	if _, err := cache.RegistryRun(context.Background(), testRegistry(), cs, "does-not-exist", nil); err == nil {
		t.Fatal("expected an error for an unknown node type")
	}
}

func TestReadFieldsResolvesKnownAndUnknownPaths(t *testing.T) {
	cs := newTestStore(t)
	result, err := cache.RegistryRun(context.Background(), testRegistry(), cs, "stub-echo", map[string]any{"text": "hello"})
	if err != nil {
		t.Fatalf("registry run: %v", err)
	}

	fields, err := cs.ReadFields(result.ExecutionID, []string{"text", "nonexistent"})
	if err != nil {
		t.Fatalf("read fields: %v", err)
	}
	if fields["text"] != "hello" {
		t.Fatalf("got %v", fields["text"])
	}
	if fields["nonexistent"] != nil {
		t.Fatalf("expected nil for unknown path, got %v", fields["nonexistent"])
	}
}

func TestRenderSmartTruncatesLongStringsAndLargeContainers(t *testing.T) {
	longString := make([]byte, 250)
	for i := range longString {
		longString[i] = 'a'
	}
	outputs := map[string]any{
		"big_text": string(longString),
		"items":    []any{1, 2, 3, 4, 5, 6, 7},
	}

	rendered := cache.Render(outputs, cache.RenderSmart).(map[string]any)
	text := rendered["big_text"].(string)
	if len(text) >= 250 {
		t.Fatalf("expected truncation, got length %d", len(text))
	}
	if rendered["items"] != "[...7 items]" {
		t.Fatalf("got %v", rendered["items"])
	}
}

func TestRenderStructureReturnsPathsOnly(t *testing.T) {
	outputs := map[string]any{"result": 42.0}
	rendered := cache.Render(outputs, cache.RenderStructure)
	paths, ok := rendered.([]template.FieldPath)
	if !ok {
		t.Fatalf("expected []template.FieldPath, got %T", rendered)
	}
	if len(paths) != 1 || paths[0].Path != "result" || paths[0].Type != "number" {
		t.Fatalf("got %+v", paths)
	}
}
