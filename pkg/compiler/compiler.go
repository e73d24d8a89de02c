// Package compiler turns a validated IR document into a runnable Flow: one
// fully-wrapped node.Node per graph node, plus the successor table the
// runtime walks action-by-action. Grounded on the teacher engine's
// compile-time wiring step (resolve type -> instantiate -> wrap -> link),
// generalized from the teacher's fixed executor set to registry-driven
// node construction and the engine's four-layer wrapper chain (spec §4.4).
package compiler

import (
	"fmt"

	"github.com/pflow-dev/pflow/pkg/config"
	"github.com/pflow-dev/pflow/pkg/errs"
	"github.com/pflow-dev/pflow/pkg/graph"
	"github.com/pflow-dev/pflow/pkg/ir"
	"github.com/pflow-dev/pflow/pkg/node"
	"github.com/pflow-dev/pflow/pkg/registry"
	"github.com/pflow-dev/pflow/pkg/repair"
	"github.com/pflow-dev/pflow/pkg/telemetry"
	"github.com/pflow-dev/pflow/pkg/template"
	"github.com/pflow-dev/pflow/pkg/trace"
	"github.com/pflow-dev/pflow/pkg/types"
)

// CompilationError reports a failure during compilation, distinct from a
// runtime node failure: it always has Source=compiler.
type CompilationError struct {
	Phase      string
	NodeID     string
	NodeType   string
	Details    string
	Suggestion string
}

func (e *CompilationError) Error() string {
	if e.NodeID != "" {
		return fmt.Sprintf("compile[%s] node=%s(%s): %s", e.Phase, e.NodeID, e.NodeType, e.Details)
	}
	return fmt.Sprintf("compile[%s]: %s", e.Phase, e.Details)
}

// ToErrsError adapts a CompilationError into the shared *errs.Error shape.
func (e *CompilationError) ToErrsError() *errs.Error {
	out := errs.Validation(e.NodeID, e.Details, e.Suggestion, nil)
	out.Source = errs.SourceCompiler
	out.NodeType = e.NodeType
	return out
}

// Options bundles the ambient services wired into every node's
// instrumented wrapper.
type Options struct {
	Config      *config.Config
	Telemetry   *telemetry.Provider
	Tracer      trace.Observer
	Repairer    repair.Collaborator
}

// Flow is a compiled, runnable workflow: a lookup of fully-wrapped nodes by
// id, the action-keyed successor table, the entry node id, and the
// normalized copy of the document (for output resolution after the run
// completes).
// Registry and Opts are retained so the runtime can recompile a mutated IR
// returned by a graph-level repair without the caller having to thread
// them through separately (spec §4.5/§4.7's recompile-and-resume step).
type Flow struct {
	Doc        *types.Document
	EntryID    string
	Nodes      map[string]node.Node
	NodeTypes  map[string]string
	Successors map[string]map[string]string
	Registry   *registry.Registry
	Opts       Options
}

// Compile normalizes and validates doc, resolves every node's registry
// entry (including MCP virtualization), instantiates and wraps each node in
// the fixed order, and wires edges into a successor table.
func Compile(doc *types.Document, reg *registry.Registry, opts Options) (*Flow, error) {
	normalized := ir.Normalize(doc)
	if err := ir.Validate(normalized, reg); err != nil {
		return nil, err
	}

	if len(normalized.Nodes) == 0 {
		return nil, &CompilationError{Phase: "link", Details: "workflow has no nodes"}
	}

	nodes := make(map[string]node.Node, len(normalized.Nodes))
	nodeTypes := make(map[string]string, len(normalized.Nodes))

	for _, spec := range normalized.Nodes {
		entry, err := reg.Resolve(spec.Type)
		if err != nil {
			suggestion := ""
			var suggestions []string
			if ue, ok := err.(*registry.UnknownNodeTypeError); ok {
				suggestions = ue.Suggestions
				if len(suggestions) > 0 {
					suggestion = fmt.Sprintf("did you mean %q?", suggestions[0])
				}
			}
			return nil, &CompilationError{Phase: "resolve", NodeID: spec.ID, NodeType: spec.Type, Details: err.Error(), Suggestion: suggestion}
		}
		if entry.Factory == nil {
			return nil, &CompilationError{Phase: "instantiate", NodeID: spec.ID, NodeType: spec.Type, Details: "registry entry has no factory"}
		}

		params := spec.Params
		if entry.IsMCP() {
			params = withMCPParams(params, entry)
		}

		targets := targetTypesFor(entry)
		rawFactory := func() node.Node {
			inst, ferr := entry.Factory()
			if ferr != nil {
				panic(ferr) // a registry factory failing is a programming error, not a runtime condition
			}
			return inst.(node.Node)
		}

		newChain := func() node.Node {
			return node.NewNamespaceNode(node.NewTemplateNode(rawFactory(), targets), spec.ID)
		}

		var inner node.Node
		if spec.Batch != nil {
			inner = node.NewBatchNode(spec.ID, spec.Type, spec.Batch, newChain)
		} else {
			inner = newChain()
		}
		if err := inner.SetParams(params); err != nil {
			return nil, &CompilationError{Phase: "wire", NodeID: spec.ID, NodeType: spec.Type, Details: err.Error()}
		}

		wrapped := node.NewInstrumentedNode(spec.ID, spec.Type, inner, opts.Telemetry, opts.Tracer, opts.Repairer, opts.Config != nil && opts.Config.RepairEnabled)
		nodes[spec.ID] = wrapped
		nodeTypes[spec.ID] = spec.Type
	}

	g := graph.New(normalized.Nodes, normalized.Edges)
	order, err := g.TopologicalSort()
	if err != nil {
		return nil, &CompilationError{Phase: "link", Details: err.Error()}
	}

	successors := make(map[string]map[string]string, len(normalized.Nodes))
	for _, spec := range normalized.Nodes {
		successors[spec.ID] = g.Successors(spec.ID)
	}

	return &Flow{
		Doc:        normalized,
		EntryID:    order[0],
		Nodes:      nodes,
		NodeTypes:  nodeTypes,
		Successors: successors,
		Registry:   reg,
		Opts:       opts,
	}, nil
}

// targetTypesFor builds the param-name -> auto-parse target-type map a
// TemplateNode needs, from a registry entry's declared input fields.
func targetTypesFor(entry registry.Entry) map[string]template.TargetType {
	out := make(map[string]template.TargetType, len(entry.Interface.Inputs))
	for _, f := range entry.Interface.Inputs {
		switch f.Type {
		case "object":
			out[f.Name] = template.TargetObject
		case "array":
			out[f.Name] = template.TargetArray
		default:
			out[f.Name] = template.TargetAny
		}
	}
	return out
}

// withMCPParams merges the virtual MCP entry's server/tool identity into a
// node's static params so the (out-of-scope) universal MCP client node can
// read which server/tool to invoke.
func withMCPParams(params map[string]any, entry registry.Entry) map[string]any {
	out := make(map[string]any, len(params)+2)
	for k, v := range params {
		out[k] = v
	}
	out["__mcp_server__"] = entry.MCPServer
	out["__mcp_tool__"] = entry.MCPTool
	return out
}
