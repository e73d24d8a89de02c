// Package repair defines the single extension point the runtime hands a
// repairable failure to. The repair collaborator's own decision logic
// (what it tries, how many attempts, any LLM calls it makes) is explicitly
// out of scope for the core engine (spec §1) — this package only fixes the
// shape of the handoff and provides a no-op default.
package repair

import (
	"context"

	"github.com/pflow-dev/pflow/pkg/errs"
	"github.com/pflow-dev/pflow/pkg/store"
	"github.com/pflow-dev/pflow/pkg/types"
)

// Attempt describes one failed node execution being offered for repair.
// Doc and Store are populated by the runtime's graph-level repair pass
// (spec §4.5/§4.7: "hand the shared store + IR + error to the repair
// collaborator"); node-level retries issued directly by the instrumented
// wrapper set Store but leave Doc nil, since a same-node retry doesn't need
// the graph.
type Attempt struct {
	NodeID      string
	NodeType    string
	Params      map[string]any
	Failure     *errs.Error
	RetryCount  int
	Doc         *types.Document // current IR, for repairs that mutate the graph
	Store       *store.Store    // shared store, for repairs that need cross-node context
	CacheChunks any             // __planner_cache_chunks__ hint, if the store carries one
}

// Outcome is what a collaborator decides to do about an Attempt.
type Outcome struct {
	Handled         bool            // true if the collaborator produced a usable fix
	NewParams       map[string]any  // replacement params to retry the node with in place
	NewDoc          *types.Document // mutated IR to recompile and resume from NodeID
	ModifiedNodeIDs []string        // node ids NewDoc changed, recorded in __modified_nodes__
	GiveUp          bool            // true if the collaborator determined no fix is possible
}

// Collaborator is the external repair extension point.
type Collaborator interface {
	Repair(ctx context.Context, attempt Attempt) (Outcome, error)
}

// NoOp never attempts a repair; it's the default when RepairEnabled is
// false or no collaborator has been configured.
type NoOp struct{}

func (NoOp) Repair(ctx context.Context, attempt Attempt) (Outcome, error) {
	return Outcome{Handled: false, GiveUp: true}, nil
}
