package node

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"strings"
	"time"

	"github.com/pflow-dev/pflow/pkg/errs"
	"github.com/pflow-dev/pflow/pkg/repair"
	"github.com/pflow-dev/pflow/pkg/telemetry"
	"github.com/pflow-dev/pflow/pkg/trace"
)

// InstrumentedNode is the outermost wrapper: the execution cache gate,
// metrics, tracing, API-warning fixability refinement, and the single
// repair handoff all live here, since they need to reason about the whole
// Prep/Exec/Post cycle as a unit rather than one phase at a time. It does
// all of its work inside Prep and carries the result through Exec/Post as
// an opaque value, which keeps it honest to the Node interface without
// forcing the cache/repair loop to span three separate driver calls.
type InstrumentedNode struct {
	nodeID   string
	nodeType string
	inner    Node

	telemetry     *telemetry.Provider
	tracer        trace.Observer
	repairer      repair.Collaborator
	repairEnabled bool

	rawParams map[string]any
}

// NewInstrumentedNode wraps inner with the engine's ambient execution
// concerns. tel/tracer/repairer may be nil; sensible no-ops are used.
func NewInstrumentedNode(nodeID, nodeType string, inner Node, tel *telemetry.Provider, tracer trace.Observer, repairer repair.Collaborator, repairEnabled bool) *InstrumentedNode {
	if tracer == nil {
		tracer = trace.NoOp{}
	}
	if repairer == nil {
		repairer = repair.NoOp{}
	}
	return &InstrumentedNode{
		nodeID: nodeID, nodeType: nodeType, inner: inner,
		telemetry: tel, tracer: tracer, repairer: repairer, repairEnabled: repairEnabled,
	}
}

func (i *InstrumentedNode) SetParams(params map[string]any) error {
	i.rawParams = params
	return i.inner.SetParams(params)
}

type instrumentedResult struct {
	action string
	err    *errs.Error
}

func (i *InstrumentedNode) Prep(ctx context.Context, sc Scope) (any, error) {
	hash := i.configHash(sc)

	if action, ok := sc.Store().Coord.IsCompleted(i.nodeID, hash); ok {
		sc.Store().Coord.MarkCacheHit(i.nodeID)
		if i.telemetry != nil {
			i.telemetry.RecordCacheHit(ctx, i.nodeType)
		}
		i.tracer.Record(trace.Event{Timestamp: time.Now(), NodeID: i.nodeID, NodeType: i.nodeType, Phase: "cache_hit"})
		return &instrumentedResult{action: action}, nil
	}

	start := time.Now()
	i.tracer.Record(trace.Event{Timestamp: start, NodeID: i.nodeID, NodeType: i.nodeType, Phase: "node_start"})

	action, runErr := Run(ctx, i.inner, sc, i.nodeID, i.nodeType)
	if runErr != nil {
		refineAPIWarningFixability(runErr)
		if i.repairEnabled && runErr.Repairable() {
			action, runErr = i.attemptRepair(ctx, sc, runErr)
		}
	}

	duration := time.Since(start)
	if i.telemetry != nil {
		i.telemetry.RecordNodeExecution(ctx, i.nodeType, runErr == nil, duration)
	}

	if runErr != nil {
		sc.Store().Coord.MarkFailed(i.nodeID)
		i.tracer.Record(trace.Event{Timestamp: time.Now(), NodeID: i.nodeID, NodeType: i.nodeType, Phase: "failure", Payload: runErr})
		return &instrumentedResult{err: runErr}, nil
	}

	sc.Store().Coord.MarkCompleted(i.nodeID, action, hash)
	i.tracer.Record(trace.Event{Timestamp: time.Now(), NodeID: i.nodeID, NodeType: i.nodeType, Phase: "node_end", Payload: map[string]any{"action": action}})
	return &instrumentedResult{action: action}, nil
}

// attemptRepair is the node-level repair tier: it offers the collaborator
// a chance to retry this same node in place with new params. A
// collaborator that instead wants to mutate the graph (returning
// Outcome.NewDoc) can't be served here, since recompiling needs the
// registry and compile options the node layer doesn't have; that tier
// runs one level up, in pkg/runtime's graph-level repair pass, after this
// one has given up.
func (i *InstrumentedNode) attemptRepair(ctx context.Context, sc Scope, failure *errs.Error) (string, *errs.Error) {
	outcome, err := i.repairer.Repair(ctx, repair.Attempt{
		NodeID: i.nodeID, NodeType: i.nodeType, Params: i.rawParams, Failure: failure, Store: sc.Store(),
	})
	if err != nil || !outcome.Handled || outcome.GiveUp {
		return "", failure
	}
	if i.telemetry != nil {
		i.telemetry.RecordRepair(ctx, i.nodeType)
	}
	i.tracer.Record(trace.Event{Timestamp: time.Now(), NodeID: i.nodeID, NodeType: i.nodeType, Phase: "repair"})

	if outcome.NewParams != nil {
		if serr := i.inner.SetParams(outcome.NewParams); serr == nil {
			i.rawParams = outcome.NewParams
		}
	}
	action, retryErr := Run(ctx, i.inner, sc, i.nodeID, i.nodeType)
	if retryErr != nil {
		return "", retryErr
	}
	return action, nil
}

// refineAPIWarningFixability narrows an api_warning's Fixable flag to
// genuinely retryable conditions (rate limiting), rather than treating
// every non-2xx response as repairable.
func refineAPIWarningFixability(e *errs.Error) {
	if e.Category != errs.CategoryAPIWarning {
		return
	}
	msg := strings.ToLower(e.Message)
	retryable := e.StatusCode == 429 ||
		strings.Contains(msg, "rate limit") ||
		strings.Contains(msg, "too many requests") ||
		strings.Contains(msg, "quota exceeded") ||
		strings.Contains(msg, "retry after")
	e.Fixable = retryable
}

func (i *InstrumentedNode) Exec(ctx context.Context, prep any) (any, error) {
	return prep, nil
}

func (i *InstrumentedNode) Post(ctx context.Context, sc Scope, prep, exec any) (string, error) {
	r := exec.(*instrumentedResult)
	if r.err != nil {
		return "", r.err
	}
	return r.action, nil
}

// configHash fingerprints the node's resolved (post-template) param map, so
// the cache gate only treats a node as "already run" when its actual
// inputs are unchanged, per spec §4.5 ("MD5 of its current resolved
// config") and §4.7 ("MD5 of the canonical JSON of resolved static params
// plus the node type"). inner reports its resolved params via
// resolvedParamser, which Template/Namespace/Batch all implement; if inner
// can't (a node type with no wrapper in between, in tests), the raw params
// are used as a fallback since there's nothing to resolve.
func (i *InstrumentedNode) configHash(sc Scope) string {
	params := i.rawParams
	if rp, ok := i.inner.(resolvedParamser); ok {
		if resolved, err := rp.resolvedParams(sc); err == nil {
			params = resolved
		}
	}
	b, err := json.Marshal(map[string]any{"type": i.nodeType, "params": params})
	if err != nil {
		return i.nodeID
	}
	sum := md5.Sum(b)
	return hex.EncodeToString(sum[:])
}
