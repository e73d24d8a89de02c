package node_test

import (
	"context"
	"testing"

	"github.com/pflow-dev/pflow/pkg/errs"
	"github.com/pflow-dev/pflow/pkg/node"
	"github.com/pflow-dev/pflow/pkg/store"
	"github.com/pflow-dev/pflow/pkg/stubnodes"
	"github.com/pflow-dev/pflow/pkg/template"
	"github.com/pflow-dev/pflow/pkg/types"
)

func buildChain(nodeID string, rawParams map[string]any, targets map[string]template.TargetType, newRaw func() node.Node) node.Node {
	tmpl := node.NewTemplateNode(newRaw(), targets)
	ns := node.NewNamespaceNode(tmpl, nodeID)
	if err := ns.SetParams(rawParams); err != nil {
		panic(err)
	}
	return ns
}

func TestTemplateAndNamespaceWrappersResolveAndScope(t *testing.T) {
	st := store.New()
	st.SetRoot("n", 21)

	chain := buildChain("doubler", map[string]any{"value": "${n}"}, nil, stubnodes.NewMath)

	action, err := node.Run(context.Background(), chain, node.NewRootScope(st), "doubler", "stub-math")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if action != "default" {
		t.Fatalf("got action %q", action)
	}
	v, ok := st.GetNamespaced("doubler", "result")
	if !ok || v != float64(42) {
		t.Fatalf("got (%v, %v), want 42 under node namespace", v, ok)
	}
	if _, ok := st.GetRoot("result"); ok {
		t.Fatal("result must not leak to root")
	}
}

func TestDownstreamNodeReadsUpstreamNamespacedOutput(t *testing.T) {
	st := store.New()
	st.SetRoot("n", 10)

	a := buildChain("a", map[string]any{"value": "${n}"}, nil, stubnodes.NewMath)
	if _, err := node.Run(context.Background(), a, node.NewRootScope(st), "a", "stub-math"); err != nil {
		t.Fatalf("node a failed: %v", err)
	}

	b := buildChain("b", map[string]any{"text": "got ${a.result}"}, nil, stubnodes.NewEcho)
	if _, err := node.Run(context.Background(), b, node.NewRootScope(st), "b", "stub-echo"); err != nil {
		t.Fatalf("node b failed: %v", err)
	}

	v, ok := st.GetNamespaced("b", "text")
	if !ok || v != "got 20" {
		t.Fatalf("got (%v, %v)", v, ok)
	}
}

func TestBatchNodeOrdersResultsByIndex(t *testing.T) {
	st := store.New()
	st.SetRoot("nums", []any{1.0, 2.0, 3.0})

	spec := &types.BatchSpec{Items: "${nums}", As: "item", Parallel: true, MaxConcurrent: 3, ErrorHandling: types.ErrorHandlingFailFast}
	newChain := func() node.Node {
		return node.NewNamespaceNode(node.NewTemplateNode(stubnodes.NewMath(), nil), "doubler")
	}
	batch := node.NewBatchNode("doubler", "stub-math", spec, newChain)
	if err := batch.SetParams(map[string]any{"value": "${item}"}); err != nil {
		t.Fatalf("set params: %v", err)
	}

	action, err := node.Run(context.Background(), batch, node.NewRootScope(st), "doubler", "stub-math")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if action != "default" {
		t.Fatalf("got action %q", action)
	}

	resultsAny, ok := st.GetNamespaced("doubler", "results")
	if !ok {
		t.Fatal("expected results written to batch node's namespace")
	}
	results := resultsAny.([]map[string]any)
	if len(results) != 3 {
		t.Fatalf("got %d results, want 3", len(results))
	}
	wantItem := []float64{1, 2, 3}
	wantResult := []float64{2, 4, 6}
	for i, r := range results {
		if r["item"] != wantItem[i] {
			t.Errorf("result %d: item = %v, want %v", i, r["item"], wantItem[i])
		}
		if r["result"] != wantResult[i] {
			t.Errorf("result %d: result = %v, want %v", i, r["result"], wantResult[i])
		}
	}
	count, _ := st.GetNamespaced("doubler", "count")
	if count != 3 {
		t.Fatalf("got count %v, want 3", count)
	}
	successCount, _ := st.GetNamespaced("doubler", "success_count")
	if successCount != 3 {
		t.Fatalf("got success_count %v, want 3", successCount)
	}
	errorCount, _ := st.GetNamespaced("doubler", "error_count")
	if errorCount != 0 {
		t.Fatalf("got error_count %v, want 0", errorCount)
	}
}

func TestBatchNodeContinuesOnPartialFailure(t *testing.T) {
	st := store.New()
	st.SetRoot("vals", []any{1.0, 2.0, "bad", 4.0})

	spec := &types.BatchSpec{Items: "${vals}", As: "item", Parallel: true, MaxConcurrent: 4, ErrorHandling: types.ErrorHandlingContinue}
	newChain := func() node.Node {
		return node.NewNamespaceNode(node.NewTemplateNode(stubnodes.NewSquare(), nil), "sq")
	}
	batch := node.NewBatchNode("sq", "stub-square", spec, newChain)
	if err := batch.SetParams(map[string]any{"value": "${item}"}); err != nil {
		t.Fatalf("set params: %v", err)
	}

	action, err := node.Run(context.Background(), batch, node.NewRootScope(st), "sq", "stub-square")
	if err != nil {
		t.Fatalf("continue mode should not surface an error: %v", err)
	}
	if action != "partial_failure" {
		t.Fatalf("got action %q, want partial_failure", action)
	}

	count, _ := st.GetNamespaced("sq", "count")
	if count != 4 {
		t.Fatalf("got count %v, want 4", count)
	}
	successCount, _ := st.GetNamespaced("sq", "success_count")
	if successCount != 3 {
		t.Fatalf("got success_count %v, want 3", successCount)
	}
	errorCount, _ := st.GetNamespaced("sq", "error_count")
	if errorCount != 1 {
		t.Fatalf("got error_count %v, want 1", errorCount)
	}

	resultsAny, _ := st.GetNamespaced("sq", "results")
	results := resultsAny.([]map[string]any)
	if results[0]["result"] != 1.0 {
		t.Fatalf("results[0].result = %v, want 1", results[0]["result"])
	}
	if results[3]["result"] != 16.0 {
		t.Fatalf("results[3].result = %v, want 16", results[3]["result"])
	}
	failed, ok := results[2]["error"].(*errs.Error)
	if !ok {
		t.Fatalf("results[2].error = %v, want *errs.Error", results[2]["error"])
	}
	if failed.Category != errs.CategoryRuntime {
		t.Fatalf("results[2].error.category = %v, want %v", failed.Category, errs.CategoryRuntime)
	}
	if results[2]["item"] != "bad" {
		t.Fatalf("results[2].item = %v, want \"bad\"", results[2]["item"])
	}
}

func TestInstrumentedNodeCacheGateHitsOnUnchangedResolvedConfig(t *testing.T) {
	st := store.New()
	st.SetRoot("n", 5)

	newInner := func() node.Node {
		return node.NewNamespaceNode(node.NewTemplateNode(stubnodes.NewMath(), nil), "doubler")
	}
	instr := node.NewInstrumentedNode("doubler", "stub-math", newInner(), nil, nil, nil, false)
	if err := instr.SetParams(map[string]any{"value": "${n}"}); err != nil {
		t.Fatalf("set params: %v", err)
	}

	sc := node.NewRootScope(st)
	if _, err := node.Run(context.Background(), instr, sc, "doubler", "stub-math"); err != nil {
		t.Fatalf("first run: %v", err)
	}

	// second run over the same store with the same raw params AND the same
	// upstream value: "n" resolves to the same 5, so the resolved-config
	// hash is unchanged and this must be a cache hit.
	instr2 := node.NewInstrumentedNode("doubler", "stub-math", newInner(), nil, nil, nil, false)
	if err := instr2.SetParams(map[string]any{"value": "${n}"}); err != nil {
		t.Fatalf("set params: %v", err)
	}
	if _, err := node.Run(context.Background(), instr2, sc, "doubler", "stub-math"); err != nil {
		t.Fatalf("second run: %v", err)
	}
	v, _ := st.GetNamespaced("doubler", "result")
	if v != float64(10) {
		t.Fatalf("got %v, want 10", v)
	}
	hits := st.Coord.CacheHits
	if len(hits) != 1 || hits[0] != "doubler" {
		t.Fatalf("got cache hits %v, want [doubler]", hits)
	}
}

func TestInstrumentedNodeCacheGateMissesWhenResolvedConfigChanges(t *testing.T) {
	st := store.New()
	st.SetRoot("n", 5)

	newInner := func() node.Node {
		return node.NewNamespaceNode(node.NewTemplateNode(stubnodes.NewMath(), nil), "doubler")
	}
	instr := node.NewInstrumentedNode("doubler", "stub-math", newInner(), nil, nil, nil, false)
	if err := instr.SetParams(map[string]any{"value": "${n}"}); err != nil {
		t.Fatalf("set params: %v", err)
	}

	sc := node.NewRootScope(st)
	if _, err := node.Run(context.Background(), instr, sc, "doubler", "stub-math"); err != nil {
		t.Fatalf("first run: %v", err)
	}

	// an upstream input changes (simulating a checkpoint resume where an
	// earlier node re-ran and produced a different value): the raw param
	// template string is unchanged but its resolved value is not, so the
	// node must re-execute rather than serve a stale cached result.
	st.SetRoot("n", 999)
	instr2 := node.NewInstrumentedNode("doubler", "stub-math", newInner(), nil, nil, nil, false)
	if err := instr2.SetParams(map[string]any{"value": "${n}"}); err != nil {
		t.Fatalf("set params: %v", err)
	}
	if _, err := node.Run(context.Background(), instr2, sc, "doubler", "stub-math"); err != nil {
		t.Fatalf("second run: %v", err)
	}
	v, _ := st.GetNamespaced("doubler", "result")
	if v != float64(1998) {
		t.Fatalf("got %v, want 1998 (re-executed against the new upstream value)", v)
	}
	for _, id := range st.Coord.CacheHits {
		if id == "doubler" {
			t.Fatal("expected no cache hit once the resolved config changed")
		}
	}
}
