// Package node defines the node contract every workflow step implements
// (SetParams/Prep/Exec/Post) and the fixed wrapper chain the compiler
// threads every node through: Instrumented -> Batch -> Namespaced ->
// Template-aware -> inner. Grounded on the teacher engine's node lifecycle
// (a Prep/Exec/Post split so retries only ever re-run the pure Exec step),
// generalized from its single shared map[string]any to the engine's scoped
// Store.
package node

import (
	"context"

	"github.com/pflow-dev/pflow/pkg/errs"
	"github.com/pflow-dev/pflow/pkg/store"
)

// Node is the contract every workflow step (and every wrapper) implements.
// Exec must be pure: it receives exactly what Prep returned and must not
// read or write the shared store, so a cached Exec result can be replayed
// without side effects.
type Node interface {
	SetParams(params map[string]any) error
	Prep(ctx context.Context, sc Scope) (any, error)
	Exec(ctx context.Context, prepResult any) (any, error)
	Post(ctx context.Context, sc Scope, prepResult, execResult any) (string, error)
}

// resolvedParamser is implemented by wrappers that can report their fully
// resolved, post-template static param map without driving a full
// Prep/Exec/Post cycle. InstrumentedNode's cache gate uses this to hash
// "resolved config" (spec §4.5, §4.7) rather than the raw pre-template
// params every node is constructed with.
type resolvedParamser interface {
	resolvedParams(sc Scope) (map[string]any, error)
}

// Scope is a node's view onto the shared store: reads/writes are
// namespace-bound once a Namespaced wrapper has called Bind, and Global
// exposes the full cross-node lookup used to resolve template references.
type Scope struct {
	st     *store.Store
	nodeID string
}

// NewRootScope builds an unbound scope over st; reads/writes hit the root.
func NewRootScope(st *store.Store) Scope {
	return Scope{st: st}
}

// Bind returns a copy of the scope bound to nodeID.
func (s Scope) Bind(nodeID string) Scope {
	return Scope{st: s.st, nodeID: nodeID}
}

// Get reads key from the bound namespace, falling back to root if unbound
// or absent.
func (s Scope) Get(key string) (any, bool) {
	if s.nodeID != "" {
		if v, ok := s.st.GetNamespaced(s.nodeID, key); ok {
			return v, true
		}
	}
	return s.st.GetRoot(key)
}

// Set writes key into the bound namespace (or root, if unbound).
func (s Scope) Set(key string, value any) {
	if s.nodeID == "" {
		s.st.SetRoot(key, value)
		return
	}
	s.st.SetNamespaced(s.nodeID, key, value)
}

// Global returns the cross-node template lookup function.
func (s Scope) Global() func(root string) (any, bool) {
	return s.st.GlobalLookup()
}

// Store returns the underlying store, an escape hatch for wrappers that
// need Coordination or cross-item isolation (batch, instrumented).
func (s Scope) Store() *store.Store {
	return s.st
}

// NodeID returns the bound node id, or "" if unbound.
func (s Scope) NodeID() string {
	return s.nodeID
}

// Run drives one full Prep/Exec/Post cycle of n against sc, converting any
// returned error into the shared *errs.Error shape via classify so callers
// always get a uniform failure type.
func Run(ctx context.Context, n Node, sc Scope, nodeID, nodeType string) (action string, err *errs.Error) {
	prep, perr := n.Prep(ctx, sc)
	if perr != nil {
		return "", classify(nodeID, nodeType, perr)
	}
	exec, eerr := n.Exec(ctx, prep)
	if eerr != nil {
		return "", classify(nodeID, nodeType, eerr)
	}
	act, oerr := n.Post(ctx, sc, prep, exec)
	if oerr != nil {
		return "", classify(nodeID, nodeType, oerr)
	}
	return act, nil
}

// classify adapts an arbitrary error into an *errs.Error, passing already-
// classified errors through unchanged so deeper wrappers don't lose
// category/fixability information set closer to the failure.
func classify(nodeID, nodeType string, err error) *errs.Error {
	if e, ok := err.(*errs.Error); ok {
		if e.NodeID == "" {
			e.NodeID = nodeID
		}
		if e.NodeType == "" {
			e.NodeType = nodeType
		}
		return e
	}
	e := errs.New(errs.SourceNode, errs.CategoryRuntime, nodeID, nodeType, err.Error())
	return e
}
