// Package ir normalizes and validates a workflow IR document before
// compilation (spec §4.1): unique, well-formed node ids; edges that only
// reference declared nodes; a weakly-connected, acyclic chain; at most one
// edge per (from, action) pair; and every ${...} template reference
// resolvable against declared inputs or some earlier node's declared
// output structure. Grounded on the teacher engine's validation passes in
// its old top-level workflow.go (one function per structural rule, each
// returning a descriptive error) and its gojsonschema-based param
// validation.
package ir

import (
	"fmt"
	"regexp"
	"sort"

	"github.com/xeipuuv/gojsonschema"

	"github.com/pflow-dev/pflow/pkg/errs"
	"github.com/pflow-dev/pflow/pkg/graph"
	"github.com/pflow-dev/pflow/pkg/registry"
	"github.com/pflow-dev/pflow/pkg/template"
	"github.com/pflow-dev/pflow/pkg/types"
)

var nodeIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// placeholderSentinel is substituted for any missing required input during
// --validate-only runs, so the template pipeline can be exercised end to
// end without ever invoking a node (spec §4.1).
const placeholderSentinel = "__pflow_validate_placeholder__"

// Normalize returns a copy of doc with defaults filled in: ir_version set
// when empty, template_resolution_mode defaulted to strict. The input
// document is never mutated.
func Normalize(doc *types.Document) *types.Document {
	out := doc.Clone()
	if out.IRVersion == "" {
		out.IRVersion = types.DefaultIRVersion
	}
	if out.TemplateResolutionMode == "" {
		out.TemplateResolutionMode = types.ModeStrict
	}
	for i, n := range out.Nodes {
		if n.Batch != nil {
			b := *n.Batch
			b.As = b.DefaultAs()
			b.MaxConcurrent = b.DefaultMaxConcurrent()
			b.ErrorHandling = b.DefaultErrorHandling()
			out.Nodes[i].Batch = &b
		}
	}
	for i, e := range out.Edges {
		out.Edges[i].Action = e.DefaultAction()
	}
	return out
}

// Validate runs every structural and reference check against a normalized
// document, returning the first failure as an *errs.Error. A nil error
// means the document is safe to compile.
func Validate(doc *types.Document, reg *registry.Registry) error {
	if err := checkNodeIDs(doc); err != nil {
		return err
	}
	if err := checkNodeTypesResolve(doc, reg); err != nil {
		return err
	}
	if err := checkEdgeEndpoints(doc); err != nil {
		return err
	}
	if err := checkEdgeActionUniqueness(doc); err != nil {
		return err
	}
	g := graph.New(doc.Nodes, doc.Edges)
	if len(doc.Nodes) > 0 && !g.WeaklyConnected() {
		return errs.Validation("", "workflow is not weakly connected: every node must be reachable from the chain", "", nil)
	}
	if _, err := g.TopologicalSort(); err != nil {
		return errs.Validation("", fmt.Sprintf("workflow graph has a cycle: %v", err), "", nil)
	}
	if err := checkOutputs(doc); err != nil {
		return err
	}
	if err := checkTemplateReferences(doc, reg); err != nil {
		return err
	}
	if err := checkParamSchemas(doc, reg); err != nil {
		return err
	}
	return nil
}

func checkNodeIDs(doc *types.Document) error {
	seen := make(map[string]bool, len(doc.Nodes))
	for _, n := range doc.Nodes {
		if n.ID == "" {
			return errs.Validation("", "node id must not be empty", "", nil)
		}
		if !nodeIDPattern.MatchString(n.ID) {
			return errs.Validation(n.ID, fmt.Sprintf("node id %q must match [a-zA-Z0-9_-]+", n.ID), "", nil)
		}
		if seen[n.ID] {
			return errs.Validation(n.ID, fmt.Sprintf("duplicate node id %q", n.ID), "", nil)
		}
		seen[n.ID] = true
	}
	return nil
}

func checkNodeTypesResolve(doc *types.Document, reg *registry.Registry) error {
	for _, n := range doc.Nodes {
		if reg == nil {
			continue
		}
		if _, err := reg.Resolve(n.Type); err != nil {
			var suggestions []string
			if ue, ok := err.(*registry.UnknownNodeTypeError); ok {
				suggestions = ue.Suggestions
			}
			suggestion := ""
			if len(suggestions) > 0 {
				suggestion = fmt.Sprintf("did you mean %q?", suggestions[0])
			}
			return errs.Validation(n.ID, fmt.Sprintf("unknown node type %q", n.Type), suggestion, suggestions)
		}
	}
	return nil
}

func checkEdgeEndpoints(doc *types.Document) error {
	ids := make(map[string]bool, len(doc.Nodes))
	for _, n := range doc.Nodes {
		ids[n.ID] = true
	}
	for _, e := range doc.Edges {
		if !ids[e.From] {
			return errs.Validation(e.From, fmt.Sprintf("edge references unknown source node %q", e.From), "", nil)
		}
		if !ids[e.To] {
			return errs.Validation(e.To, fmt.Sprintf("edge references unknown target node %q", e.To), "", nil)
		}
	}
	return nil
}

func checkEdgeActionUniqueness(doc *types.Document) error {
	seen := make(map[[2]string]bool, len(doc.Edges))
	for _, e := range doc.Edges {
		key := [2]string{e.From, e.DefaultAction()}
		if seen[key] {
			return errs.Validation(e.From, fmt.Sprintf("duplicate edge: node %q already has an outgoing edge for action %q", e.From, e.DefaultAction()), "", nil)
		}
		seen[key] = true
	}
	return nil
}

func checkOutputs(doc *types.Document) error {
	ids := make(map[string]bool, len(doc.Nodes))
	for _, n := range doc.Nodes {
		ids[n.ID] = true
	}
	for name, spec := range doc.Outputs {
		root, _, err := template.ParsePath(spec.Source)
		if err != nil {
			return errs.Validation("", fmt.Sprintf("output %q has malformed source %q: %v", name, spec.Source, err), "", nil)
		}
		if !ids[root] && doc.Inputs[root].Type == "" {
			return errs.Validation("", fmt.Sprintf("output %q references unknown node or input %q", name, root), "", nil)
		}
	}
	return nil
}

// checkTemplateReferences verifies every ${...} reference in every node's
// params resolves against declared inputs or an earlier node's declared
// output structure, catching typos at compile time (spec §4.1, §4.3).
func checkTemplateReferences(doc *types.Document, reg *registry.Registry) error {
	priorOutputs := make(map[string][]template.FieldPath)
	priorTypes := make(map[string]string)

	for _, n := range doc.Nodes {
		for key, val := range n.Params {
			s, ok := val.(string)
			if !ok {
				continue
			}
			for _, ref := range template.References(s) {
				root, segments, err := template.ParsePath(ref)
				if err != nil {
					return errs.Template(n.ID, fmt.Sprintf("param %q: %v", key, err), "", nil)
				}
				if _, isInput := doc.Inputs[root]; isInput {
					continue
				}
				if n.Batch != nil && root == n.Batch.DefaultAs() {
					continue // the batch wrapper binds this name per item at runtime
				}
				fields, known := priorOutputs[root]
				if !known {
					return errs.Validation(n.ID, fmt.Sprintf("param %q references %q, which is not a declared input and not an earlier node", key, root), "", nil)
				}
				path := segmentsToPath(segments)
				if path == "" {
					continue // bare ${node} reference, nothing to flatten-check
				}
				if issue := template.ValidateReference(root, path, fields); issue != nil {
					return (&errValidationFromIssue{nodeID: n.ID, nodeType: priorTypes[root], issue: issue}).toErr()
				}
			}
		}

		if reg != nil {
			if entry, err := reg.Resolve(n.Type); err == nil {
				priorOutputs[n.ID] = flattenEntryOutputs(entry)
				priorTypes[n.ID] = n.Type
			}
		}
	}
	return nil
}

func segmentsToPath(segments []template.Segment) string {
	out := ""
	for _, s := range segments {
		if s.IsIndex {
			out += fmt.Sprintf("[%d]", s.Index)
			continue
		}
		if out != "" {
			out += "."
		}
		out += s.Key
	}
	return out
}

func flattenEntryOutputs(e registry.Entry) []template.FieldPath {
	var out []template.FieldPath
	for _, f := range e.Interface.Outputs {
		out = append(out, template.FieldPath{Path: f.Name, Type: f.Type})
		if f.Structure != nil {
			for _, fp := range template.FlattenStructure(f.Structure) {
				out = append(out, template.FieldPath{Path: f.Name + "." + fp.Path, Type: fp.Type})
			}
		}
	}
	return out
}

// errValidationFromIssue adapts a template.ValidationIssue into the shared
// *errs.Error shape.
type errValidationFromIssue struct {
	nodeID   string
	nodeType string
	issue    *template.ValidationIssue
}

func (e *errValidationFromIssue) Error() string {
	return e.toErr().Error()
}

func (e *errValidationFromIssue) toErr() *errs.Error {
	out := errs.Validation(e.nodeID, e.issue.Message, e.issue.Suggestion, e.issue.AvailableFields)
	out.NodeType = e.nodeType
	return out
}

// checkParamSchemas validates each node's static (non-template) params
// against its registry entry's declared param_schema, when present.
func checkParamSchemas(doc *types.Document, reg *registry.Registry) error {
	if reg == nil {
		return nil
	}
	for _, n := range doc.Nodes {
		entry, err := reg.Resolve(n.Type)
		if err != nil || entry.ParamSchema == nil {
			continue
		}
		static := make(map[string]any, len(n.Params))
		for k, v := range n.Params {
			if s, ok := v.(string); ok {
				if len(template.References(s)) > 0 {
					continue // resolved at runtime, can't validate statically
				}
			}
			static[k] = v
		}
		schemaLoader := gojsonschema.NewGoLoader(entry.ParamSchema)
		docLoader := gojsonschema.NewGoLoader(static)
		result, err := gojsonschema.Validate(schemaLoader, docLoader)
		if err != nil {
			return errs.Validation(n.ID, fmt.Sprintf("param schema validation failed to run: %v", err), "", nil)
		}
		if !result.Valid() {
			msgs := make([]string, 0, len(result.Errors()))
			for _, re := range result.Errors() {
				msgs = append(msgs, re.String())
			}
			sort.Strings(msgs)
			return errs.Validation(n.ID, fmt.Sprintf("params do not match schema: %v", msgs), "", nil)
		}
	}
	return nil
}

// FillPlaceholders returns a copy of inputs with every required-but-missing
// input set to a sentinel string, so --validate-only mode can run the
// template pipeline without real data.
func FillPlaceholders(doc *types.Document, inputs map[string]any) map[string]any {
	out := make(map[string]any, len(inputs))
	for k, v := range inputs {
		out[k] = v
	}
	for name, spec := range doc.Inputs {
		if _, present := out[name]; present {
			continue
		}
		if spec.Default != nil {
			out[name] = spec.Default
			continue
		}
		if spec.Required {
			out[name] = placeholderSentinel
		}
	}
	return out
}
