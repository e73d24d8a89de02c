package node

import (
	"context"

	"github.com/pflow-dev/pflow/pkg/errs"
	"github.com/pflow-dev/pflow/pkg/template"
)

// TemplateNode resolves every ${...} reference in a node's declared params
// against the global store just before Prep runs, then hands the inner
// node fully-resolved params. It is the innermost wrapper: the one that
// actually touches the raw node (spec §4.3, §4.4).
type TemplateNode struct {
	inner   Node
	targets map[string]template.TargetType // declared param -> target type, for auto-parse
	raw     map[string]any
}

// NewTemplateNode wraps inner, resolving params against targets (the
// node type's declared input field types, used to decide whether a simple
// template's string result should auto-parse into an object/array).
func NewTemplateNode(inner Node, targets map[string]template.TargetType) *TemplateNode {
	return &TemplateNode{inner: inner, targets: targets}
}

// SetParams stores the raw, possibly-templated param map; resolution is
// deferred to Prep, once a store is available.
func (t *TemplateNode) SetParams(params map[string]any) error {
	t.raw = params
	return nil
}

func (t *TemplateNode) Prep(ctx context.Context, sc Scope) (any, error) {
	resolved, err := t.resolvedParams(sc)
	if err != nil {
		return nil, err
	}
	if err := t.inner.SetParams(resolved); err != nil {
		return nil, err
	}
	return t.inner.Prep(ctx, sc)
}

// resolvedParams resolves every ${...} reference in the raw param map
// against sc without touching the inner node, so callers (the cache gate)
// can learn what Prep would resolve to without running it.
func (t *TemplateNode) resolvedParams(sc Scope) (map[string]any, error) {
	resolved := make(map[string]any, len(t.raw))
	lookup := sc.Global()
	for key, val := range t.raw {
		rv, err := template.ResolveParam(val, t.targets[key], lookup)
		if err != nil {
			return nil, errs.Template(sc.NodeID(), "param \""+key+"\": "+err.Error(), "", nil)
		}
		resolved[key] = rv
	}
	return resolved, nil
}

func (t *TemplateNode) Exec(ctx context.Context, prep any) (any, error) {
	return t.inner.Exec(ctx, prep)
}

func (t *TemplateNode) Post(ctx context.Context, sc Scope, prep, exec any) (string, error) {
	return t.inner.Post(ctx, sc, prep, exec)
}
