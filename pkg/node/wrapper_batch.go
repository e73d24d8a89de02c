package node

import (
	"context"
	"fmt"
	"sync"

	"github.com/pflow-dev/pflow/pkg/errs"
	"github.com/pflow-dev/pflow/pkg/store"
	"github.com/pflow-dev/pflow/pkg/template"
	"github.com/pflow-dev/pflow/pkg/types"
)

// BatchNode fans a node out over a list of items, running one isolated
// copy of the inner chain per item with a bounded worker pool. Grounded on
// the teacher engine's parallel executor (a semaphore-bounded goroutine
// pool over a slice of work items), generalized to carry a full Prep/Exec/
// Post cycle per item instead of a single function call, and to preserve
// result order by index regardless of completion order (spec §4.6, §5).
type BatchNode struct {
	nodeID   string
	nodeType string
	spec     *types.BatchSpec
	newChain func() Node // builds a fresh Namespaced(Template(inner)) chain
	raw      map[string]any
}

// NewBatchNode wraps newChain with per-item fan-out driven by spec.
func NewBatchNode(nodeID, nodeType string, spec *types.BatchSpec, newChain func() Node) *BatchNode {
	return &BatchNode{nodeID: nodeID, nodeType: nodeType, spec: spec, newChain: newChain}
}

func (b *BatchNode) SetParams(params map[string]any) error {
	b.raw = params
	return nil
}

type batchPrep struct {
	items  []any
	parent *store.Store
}

// resolvedParams reports the batch node's own static params resolved
// against sc, plus the resolved items list, so the cache gate's hash moves
// when either changes. Per-item params commonly reference ${item}, which
// only exists once fan-out has bound a per-item scope; a param that fails
// to resolve here falls back to its raw template string rather than
// failing the whole hash, since its actual per-item value is already
// captured indirectly through the items list.
func (b *BatchNode) resolvedParams(sc Scope) (map[string]any, error) {
	lookup := sc.Global()
	resolved := make(map[string]any, len(b.raw)+1)
	for key, val := range b.raw {
		rv, err := template.ResolveParam(val, template.TargetAny, lookup)
		if err != nil {
			resolved[key] = val
			continue
		}
		resolved[key] = rv
	}
	if items, err := template.ResolveParam(b.spec.Items, template.TargetArray, lookup); err == nil {
		resolved["__batch_items__"] = items
	} else {
		resolved["__batch_items__"] = b.spec.Items
	}
	return resolved, nil
}

func (b *BatchNode) Prep(ctx context.Context, sc Scope) (any, error) {
	resolved, err := template.ResolveParam(b.spec.Items, template.TargetArray, sc.Global())
	if err != nil {
		return nil, errs.Template(b.nodeID, fmt.Sprintf("batch items: %v", err), "", nil)
	}
	items, ok := resolved.([]any)
	if !ok {
		return nil, errs.Validation(b.nodeID, "batch items must resolve to an array", "", nil)
	}
	return batchPrep{items: items, parent: sc.Store()}, nil
}

type batchItemResult struct {
	Index  int
	Item   any
	Output map[string]any
	Err    *errs.Error
}

func (b *BatchNode) Exec(ctx context.Context, prep any) (any, error) {
	bp := prep.(batchPrep)
	n := len(bp.items)
	if n == 0 {
		return []batchItemResult{}, nil
	}

	workers := 1
	if b.spec.Parallel {
		workers = b.spec.DefaultMaxConcurrent()
		if workers > n {
			workers = n
		}
		if workers > 100 {
			workers = 100
		}
	}

	results := make([]batchItemResult, n)
	sem := make(chan struct{}, workers)
	var wg sync.WaitGroup
	var failed sync.Map // set once a fail_fast-triggering error occurs

	for i, item := range bp.items {
		if b.spec.DefaultErrorHandling() == types.ErrorHandlingFailFast {
			if _, stop := failed.Load(true); stop {
				break
			}
		}
		sem <- struct{}{}
		wg.Add(1)
		go func(idx int, it any) {
			defer wg.Done()
			defer func() { <-sem }()
			results[idx] = b.runOne(ctx, bp.parent, idx, it)
			if results[idx].Err != nil && b.spec.DefaultErrorHandling() == types.ErrorHandlingFailFast {
				failed.Store(true, true)
			}
		}(i, item)
	}
	wg.Wait()
	return results, nil
}

func (b *BatchNode) runOne(ctx context.Context, parent *store.Store, idx int, item any) batchItemResult {
	childStore := parent.ShallowCopyForItem(b.spec.DefaultAs(), item, idx)
	inner := b.newChain()
	if err := inner.SetParams(b.raw); err != nil {
		return batchItemResult{Index: idx, Item: item, Err: classify(b.nodeID, b.nodeType, err)}
	}
	_, runErr := Run(ctx, inner, NewRootScope(childStore), b.nodeID, b.nodeType)
	parent.Coord.MergeLLMCalls(childStore.Coord.SnapshotLLMCalls())
	output := childStore.NamespaceSnapshot(b.nodeID)
	if runErr != nil {
		return batchItemResult{Index: idx, Item: item, Output: output, Err: runErr}
	}
	return batchItemResult{Index: idx, Item: item, Output: output}
}

// Post assembles the parent-namespace shape spec §4.6 mandates: results is
// a list of per-item output maps (each carrying its own "item" and, on
// failure, "error"), preserving input order regardless of completion order;
// count/success_count/error_count summarize it, and errors repeats the
// per-failure detail as a flat list for callers that don't want to scan
// results looking for failures.
func (b *BatchNode) Post(ctx context.Context, sc Scope, prep, exec any) (string, error) {
	batchResults := exec.([]batchItemResult)
	results := make([]map[string]any, len(batchResults))
	var errDetails []map[string]any
	var firstErr *errs.Error
	errCount := 0
	for _, r := range batchResults {
		entry := make(map[string]any, len(r.Output)+2)
		for k, v := range r.Output {
			entry[k] = v
		}
		entry["item"] = r.Item
		if r.Err != nil {
			entry["error"] = r.Err
			errDetails = append(errDetails, map[string]any{"index": r.Index, "error": r.Err})
			errCount++
			if firstErr == nil {
				firstErr = r.Err
			}
		}
		results[r.Index] = entry
	}
	sc.Set("results", results)
	sc.Set("count", len(results))
	sc.Set("success_count", len(results)-errCount)
	sc.Set("error_count", errCount)

	if firstErr == nil {
		return "default", nil
	}
	sc.Set("errors", errDetails)
	if b.spec.DefaultErrorHandling() == types.ErrorHandlingFailFast {
		return "", firstErr
	}
	return "partial_failure", nil
}
