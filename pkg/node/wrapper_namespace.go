package node

import "context"

// NamespaceNode binds the scope handed to its inner node to nodeID, so the
// inner node's Set/Get calls land in shared[nodeID][key] rather than root
// (spec §3.2). Reads still fall back to root when a key is absent from the
// node's own namespace.
type NamespaceNode struct {
	inner  Node
	nodeID string
}

// NewNamespaceNode wraps inner, binding its scope to nodeID.
func NewNamespaceNode(inner Node, nodeID string) *NamespaceNode {
	return &NamespaceNode{inner: inner, nodeID: nodeID}
}

func (n *NamespaceNode) SetParams(params map[string]any) error {
	return n.inner.SetParams(params)
}

func (n *NamespaceNode) Prep(ctx context.Context, sc Scope) (any, error) {
	return n.inner.Prep(ctx, sc.Bind(n.nodeID))
}

func (n *NamespaceNode) Exec(ctx context.Context, prep any) (any, error) {
	return n.inner.Exec(ctx, prep)
}

func (n *NamespaceNode) Post(ctx context.Context, sc Scope, prep, exec any) (string, error) {
	return n.inner.Post(ctx, sc.Bind(n.nodeID), prep, exec)
}

// resolvedParams delegates to inner if it can report resolved params,
// binding the scope the same way Prep/Post do.
func (n *NamespaceNode) resolvedParams(sc Scope) (map[string]any, error) {
	rp, ok := n.inner.(resolvedParamser)
	if !ok {
		return nil, nil
	}
	return rp.resolvedParams(sc.Bind(n.nodeID))
}
