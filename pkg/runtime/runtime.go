// Package runtime drives a compiled Flow to completion: a cooperative,
// single-goroutine walk of the linear node chain (concurrency lives inside
// batch nodes, not across the chain itself — spec §1 Non-goals exclude
// parallel execution of distinct graph paths), following each node's
// returned action to its successor until a node has none, then resolving
// declared outputs against the final store.
package runtime

import (
	"context"

	"github.com/pflow-dev/pflow/pkg/compiler"
	"github.com/pflow-dev/pflow/pkg/errs"
	"github.com/pflow-dev/pflow/pkg/node"
	"github.com/pflow-dev/pflow/pkg/repair"
	"github.com/pflow-dev/pflow/pkg/store"
	"github.com/pflow-dev/pflow/pkg/template"
)

// Result is the outcome of one run.
type Result struct {
	ExecutionID    string
	CompletedNodes []string
	Outputs        map[string]any
	Warnings       map[string][]string
	Failed         bool
	Error          *errs.Error
}

// Run walks flow starting at its entry node, following each node's
// returned action through the successor table, until a node has no
// successor for its action or a node fails.
func Run(ctx context.Context, flow *compiler.Flow, st *store.Store) (*Result, error) {
	current := flow.EntryID
	visitedThisPass := make(map[string]bool, len(flow.Nodes))

	for current != "" {
		n, ok := flow.Nodes[current]
		if !ok {
			return nil, errs.Internal("runtime: successor references unknown node " + current)
		}
		// A linear chain never revisits a node within one pass (pkg/ir
		// refuses cycles at compile time); this guard only protects against
		// an internal inconsistency slipping past validation, and is reset
		// whenever a repair recompiles the flow out from under us.
		if visitedThisPass[current] {
			return nil, errs.Internal("runtime: node " + current + " visited twice in one pass")
		}
		visitedThisPass[current] = true

		action, runErr := node.Run(ctx, n, node.NewRootScope(st), current, flow.NodeTypes[current])
		if runErr != nil {
			repairEnabled := flow.Opts.Config != nil && flow.Opts.Config.RepairEnabled
			if repairEnabled && runErr.Repairable() {
				repaired, repairErr := attemptGraphRepair(ctx, flow, st, current, runErr)
				if repairErr == nil {
					flow = repaired
					visitedThisPass = make(map[string]bool, len(flow.Nodes))
					continue
				}
				runErr = repairErr
			}
			return &Result{
				ExecutionID:    st.Coord.ExecutionID,
				CompletedNodes: append([]string(nil), st.Coord.CompletedNodes...),
				Warnings:       st.Coord.Warnings,
				Failed:         true,
				Error:          runErr,
			}, nil
		}

		next, hasNext := flow.Successors[current][action]
		if !hasNext {
			break
		}
		current = next
	}

	outputs, err := resolveOutputs(flow, st)
	if err != nil {
		return nil, err
	}

	return &Result{
		ExecutionID:    st.Coord.ExecutionID,
		CompletedNodes: append([]string(nil), st.Coord.CompletedNodes...),
		Outputs:        outputs,
		Warnings:       st.Coord.Warnings,
	}, nil
}

// attemptGraphRepair is the graph-level tier of spec §4.5/§4.7's repair
// handoff: it hands the repair collaborator the current IR, the failed
// node id, the error, and the shared store (plus any
// "__planner_cache_chunks__" hint left on the root), and recompiles and
// resumes from the failed node if the collaborator returns a mutated IR.
// This runs after the instrumented wrapper's own node-level retry (same
// node, new params) has already given up, since only the runtime owns the
// registry and compile options needed to recompile.
func attemptGraphRepair(ctx context.Context, flow *compiler.Flow, st *store.Store, failedNodeID string, failure *errs.Error) (*compiler.Flow, *errs.Error) {
	collaborator := flow.Opts.Repairer
	if collaborator == nil {
		collaborator = repair.NoOp{}
	}
	hints, _ := st.GetRoot("__planner_cache_chunks__")
	outcome, err := collaborator.Repair(ctx, repair.Attempt{
		NodeID:      failedNodeID,
		NodeType:    flow.NodeTypes[failedNodeID],
		Failure:     failure,
		Doc:         flow.Doc,
		Store:       st,
		CacheChunks: hints,
	})
	if err != nil || !outcome.Handled || outcome.GiveUp || outcome.NewDoc == nil {
		return nil, failure
	}
	for _, id := range outcome.ModifiedNodeIDs {
		st.Coord.MarkModified(id)
	}
	recompiled, cerr := compiler.Compile(outcome.NewDoc, flow.Registry, flow.Opts)
	if cerr != nil {
		return nil, errs.Internal("runtime: repair produced an IR that failed to recompile: " + cerr.Error())
	}
	return recompiled, nil
}

func resolveOutputs(flow *compiler.Flow, st *store.Store) (map[string]any, error) {
	if len(flow.Doc.Outputs) == 0 {
		return nil, nil
	}
	out := make(map[string]any, len(flow.Doc.Outputs))
	lookup := st.GlobalLookup()
	for name, spec := range flow.Doc.Outputs {
		v, err := template.Resolve(spec.Source, lookup)
		if err != nil {
			return nil, errs.Internal("runtime: failed to resolve output \"" + name + "\": " + err.Error())
		}
		out[name] = v
	}
	return out, nil
}
