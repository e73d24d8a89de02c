// Package subworkflow implements the workflow-executor pseudo-node (spec
// §4.11): a node type that compiles and runs another saved workflow as a
// single step of its parent. Grounded on the teacher engine's own
// workflow-storage + execution split (pkg/storage for lookup by id,
// pkg/engine for running), generalized so the "child" being run is any
// compiled pflow document rather than a fixed kind of saved graph, and on
// `smilemakc-mbflow`'s expr-lang transform executor (sibling pack example,
// pkg/executor/builtin/transform.go) for the optional `expr:`-prefixed
// output-mapping transform.
package subworkflow

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/expr-lang/expr"

	"github.com/pflow-dev/pflow/pkg/compiler"
	"github.com/pflow-dev/pflow/pkg/errs"
	"github.com/pflow-dev/pflow/pkg/node"
	"github.com/pflow-dev/pflow/pkg/registry"
	"github.com/pflow-dev/pflow/pkg/runtime"
	"github.com/pflow-dev/pflow/pkg/store"
	"github.com/pflow-dev/pflow/pkg/template"
	"github.com/pflow-dev/pflow/pkg/types"
)

// Loader resolves a saved workflow by name or path to its IR document.
type Loader interface {
	Load(nameOrPath string) (*types.Document, error)
}

// MapLoader is a Loader backed by an in-memory name -> document table,
// useful for tests and for embedding a small fixed workflow library.
type MapLoader map[string]*types.Document

func (m MapLoader) Load(nameOrPath string) (*types.Document, error) {
	doc, ok := m[nameOrPath]
	if !ok {
		return nil, fmt.Errorf("subworkflow: no saved workflow named %q", nameOrPath)
	}
	return doc, nil
}

// Storage modes controlling how the child's shared store relates to the
// parent's (spec §4.11).
const (
	StorageMapped   = "mapped"   // child sees only param_mapping's declared inputs
	StorageIsolated = "isolated" // like mapped, and cost/LLM accounting does not merge back
	StorageScoped   = "scoped"   // child additionally inherits a snapshot of the parent's root
	StorageShared   = "shared"   // child runs directly on the parent's store
)

// Node is the workflow-executor pseudo-node. It implements node.Node so the
// registry can construct it like any other node type.
type Node struct {
	reg    *registry.Registry
	loader Loader
	opts   compiler.Options

	workflowName  string
	path          string
	inlineDoc     *types.Document
	paramMapping  map[string]any
	outputMapping map[string]any
	storageMode   string
}

// New builds a workflow-executor node bound to reg (for compiling the
// child) and loader (for resolving workflow_name/path to a document).
func New(reg *registry.Registry, loader Loader, opts compiler.Options) node.Node {
	return &Node{reg: reg, loader: loader, opts: opts}
}

// Register declares the "subworkflow" node type into reg, bound to loader
// for resolving workflow_name/path and opts for compiling the child. Mirrors
// pkg/stubnodes.RegisterAll so callers can wire it in with one call.
func Register(reg *registry.Registry, loader Loader, opts compiler.Options) {
	reg.MustRegister(registry.Entry{
		Type: "subworkflow", Module: "subworkflow", ClassName: "Node",
		Interface: registry.Interface{
			Inputs: []registry.Field{
				{Name: "workflow_name", Type: "string"},
				{Name: "path", Type: "string"},
				{Name: "workflow", Type: "object"},
				{Name: "param_mapping", Type: "object"},
				{Name: "output_mapping", Type: "object"},
				{Name: "storage_mode", Type: "string"},
			},
		},
		Factory: func() (any, error) { return New(reg, loader, opts), nil },
	})
}

func (n *Node) SetParams(params map[string]any) error {
	n.workflowName, _ = params["workflow_name"].(string)
	n.path, _ = params["path"].(string)

	if raw, ok := params["workflow"]; ok && raw != nil {
		body, err := json.Marshal(raw)
		if err != nil {
			return fmt.Errorf("subworkflow: marshaling inline workflow: %w", err)
		}
		doc, err := types.ParseDocument(body)
		if err != nil {
			return fmt.Errorf("subworkflow: parsing inline workflow: %w", err)
		}
		n.inlineDoc = doc
	}

	if pm, ok := params["param_mapping"].(map[string]any); ok {
		n.paramMapping = pm
	}
	if om, ok := params["output_mapping"].(map[string]any); ok {
		n.outputMapping = om
	}
	n.storageMode, _ = params["storage_mode"].(string)
	if n.storageMode == "" {
		n.storageMode = StorageIsolated
	}
	return nil
}

type prepResult struct {
	result     *runtime.Result
	childStore *store.Store
}

func (n *Node) Prep(ctx context.Context, sc node.Scope) (any, error) {
	doc, err := n.resolveDoc()
	if err != nil {
		return nil, err
	}
	identifier := n.identifier(doc)

	parentCoord := sc.Store().Coord
	for _, id := range parentCoord.SnapshotExecutionStack() {
		if id == identifier {
			return nil, errs.Cycle(identifier, "circular subworkflow invocation: "+identifier)
		}
	}

	childInputs, err := n.resolveParamMapping(sc)
	if err != nil {
		return nil, err
	}

	parentCoord.PushExecutionStack(identifier)
	defer parentCoord.PopExecutionStack()

	childStore := n.buildChildStore(sc.Store(), childInputs)
	if n.storageMode != StorageShared {
		childStore.Coord.ExecutionStack = parentCoord.SnapshotExecutionStack()
	}

	flow, err := compiler.Compile(doc, n.reg, n.opts)
	if err != nil {
		return nil, fmt.Errorf("subworkflow: compiling %s: %w", identifier, err)
	}

	result, err := runtime.Run(ctx, flow, childStore)
	if err != nil {
		return nil, fmt.Errorf("subworkflow: running %s: %w", identifier, err)
	}
	if result.Failed {
		return nil, result.Error
	}

	if n.storageMode == StorageMapped || n.storageMode == StorageScoped {
		sc.Store().Coord.MergeLLMCalls(childStore.Coord.SnapshotLLMCalls())
	}

	return &prepResult{result: result, childStore: childStore}, nil
}

func (n *Node) Exec(ctx context.Context, prep any) (any, error) {
	return prep, nil
}

func (n *Node) Post(ctx context.Context, sc node.Scope, prep, exec any) (string, error) {
	pr := exec.(*prepResult)
	for parentField, mapping := range n.outputMapping {
		mappingStr, ok := mapping.(string)
		if !ok {
			return "", fmt.Errorf("subworkflow: output_mapping[%q] must be a string template or expr: expression", parentField)
		}
		v, err := n.resolveOutputMapping(mappingStr, pr)
		if err != nil {
			return "", fmt.Errorf("subworkflow: resolving output_mapping[%q]: %w", parentField, err)
		}
		sc.Set(parentField, v)
	}
	return "default", nil
}

func (n *Node) resolveDoc() (*types.Document, error) {
	if n.inlineDoc != nil {
		return n.inlineDoc, nil
	}
	if n.workflowName != "" {
		return n.loader.Load(n.workflowName)
	}
	if n.path != "" {
		return n.loader.Load(n.path)
	}
	return nil, fmt.Errorf("subworkflow: no workflow_name, path, or inline workflow specified")
}

func (n *Node) identifier(doc *types.Document) string {
	if n.workflowName != "" {
		return "name:" + n.workflowName
	}
	if n.path != "" {
		return "path:" + n.path
	}
	body, _ := json.Marshal(doc)
	sum := md5.Sum(body)
	return "inline:" + hex.EncodeToString(sum[:])
}

// resolveParamMapping resolves every param_mapping value as a template in
// the parent scope, producing the declared inputs handed to the child.
func (n *Node) resolveParamMapping(sc node.Scope) (map[string]any, error) {
	out := make(map[string]any, len(n.paramMapping))
	for key, val := range n.paramMapping {
		resolved, err := template.ResolveParam(val, template.TargetAny, sc.Global())
		if err != nil {
			return nil, fmt.Errorf("subworkflow: resolving param_mapping[%q]: %w", key, err)
		}
		out[key] = resolved
	}
	return out, nil
}

func (n *Node) buildChildStore(parent *store.Store, childInputs map[string]any) *store.Store {
	switch n.storageMode {
	case StorageShared:
		for k, v := range childInputs {
			parent.SetRoot(k, v)
		}
		return parent
	case StorageScoped:
		merged := parent.RootSnapshot()
		for k, v := range childInputs {
			merged[k] = v
		}
		return store.NewWithInputs(merged)
	default: // mapped, isolated
		return store.NewWithInputs(childInputs)
	}
}

// resolveOutputMapping resolves one output_mapping entry: a plain template
// path is resolved against the child's final store, an "expr:"-prefixed
// value is evaluated as an expr-lang expression with the child's declared
// outputs bound as `outputs`.
func (n *Node) resolveOutputMapping(mapping string, pr *prepResult) (any, error) {
	if rest, ok := strings.CutPrefix(mapping, "expr:"); ok {
		env := map[string]any{"outputs": pr.result.Outputs}
		program, err := expr.Compile(rest, expr.Env(env))
		if err != nil {
			return nil, fmt.Errorf("compiling expression: %w", err)
		}
		return expr.Run(program, env)
	}
	return template.Resolve(mapping, pr.childStore.GlobalLookup())
}
