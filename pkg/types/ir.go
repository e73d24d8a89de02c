// Package types defines the workflow IR document model shared across the
// compiler, registry, and runtime packages. Keeping these in one package
// (rather than duplicating structs per consumer) avoids import cycles, the
// same reason the wider engine ecosystem centralizes its node/edge structs.
package types

import (
	"encoding/json"
	"fmt"
)

// DefaultIRVersion is inserted by the normalizer when a document omits
// ir_version.
const DefaultIRVersion = "0.1.0"

// TemplateResolutionMode controls whether a missing/mistyped template kills
// a node or only warns.
type TemplateResolutionMode string

const (
	ModeStrict     TemplateResolutionMode = "strict"
	ModePermissive TemplateResolutionMode = "permissive"
)

// ValueType is the declared type of an input or a node's interface field.
type ValueType string

const (
	TypeString  ValueType = "string"
	TypeNumber  ValueType = "number"
	TypeBoolean ValueType = "boolean"
	TypeArray   ValueType = "array"
	TypeObject  ValueType = "object"
)

// Document is a validated workflow IR document (spec §3.1).
type Document struct {
	IRVersion              string                 `json:"ir_version,omitempty"`
	Inputs                 map[string]InputSpec   `json:"inputs,omitempty"`
	Nodes                  []NodeSpec             `json:"nodes"`
	Edges                  []EdgeSpec             `json:"edges,omitempty"`
	Outputs                map[string]OutputSpec  `json:"outputs,omitempty"`
	TemplateResolutionMode TemplateResolutionMode `json:"template_resolution_mode,omitempty"`
}

// InputSpec describes one declared workflow input.
type InputSpec struct {
	Type        ValueType `json:"type"`
	Required    bool      `json:"required,omitempty"`
	Default     any       `json:"default,omitempty"`
	Description string    `json:"description,omitempty"`
	Stdin       bool      `json:"stdin,omitempty"`
}

// NodeSpec describes one node in the linear chain.
type NodeSpec struct {
	ID      string         `json:"id"`
	Type    string         `json:"type"`
	Purpose string         `json:"purpose,omitempty"`
	Params  map[string]any `json:"params,omitempty"`
	Batch   *BatchSpec     `json:"batch,omitempty"`
}

// BatchSpec describes per-item fan-out for one node (spec §4.6).
type BatchSpec struct {
	Items         any    `json:"items"` // template string or inline array
	As            string `json:"as,omitempty"`
	Parallel      bool   `json:"parallel,omitempty"`
	MaxConcurrent int    `json:"max_concurrent,omitempty"`
	ErrorHandling string `json:"error_handling,omitempty"` // fail_fast | continue
}

const (
	ErrorHandlingFailFast = "fail_fast"
	ErrorHandlingContinue = "continue"
)

// DefaultAs returns the batch item identifier, defaulting to "item".
func (b *BatchSpec) DefaultAs() string {
	if b.As == "" {
		return "item"
	}
	return b.As
}

// DefaultMaxConcurrent returns max_concurrent, defaulting to 10 and clamped
// into [1,100] per spec §3.1.
func (b *BatchSpec) DefaultMaxConcurrent() int {
	n := b.MaxConcurrent
	if n == 0 {
		n = 10
	}
	if n < 1 {
		n = 1
	}
	if n > 100 {
		n = 100
	}
	return n
}

// DefaultErrorHandling returns error_handling, defaulting to fail_fast.
func (b *BatchSpec) DefaultErrorHandling() string {
	if b.ErrorHandling == "" {
		return ErrorHandlingFailFast
	}
	return b.ErrorHandling
}

// EdgeSpec describes one wiring edge between two nodes.
type EdgeSpec struct {
	From   string `json:"from"`
	To     string `json:"to"`
	Action string `json:"action,omitempty"`
}

// DefaultAction returns the edge's action, defaulting to "default".
func (e EdgeSpec) DefaultAction() string {
	if e.Action == "" {
		return "default"
	}
	return e.Action
}

// OutputSpec describes one declared workflow output.
type OutputSpec struct {
	Source      string `json:"source"`
	Description string `json:"description,omitempty"`
}

// Clone returns a deep-enough copy of doc suitable for the normalizer's
// "never mutate the caller's document" contract. Params/Default maps are
// shallow-copied one level since the IR itself is a tree of JSON-ish values
// the caller should not expect to share identity with the input.
func (d *Document) Clone() *Document {
	clone := &Document{
		IRVersion:              d.IRVersion,
		TemplateResolutionMode: d.TemplateResolutionMode,
	}
	if d.Inputs != nil {
		clone.Inputs = make(map[string]InputSpec, len(d.Inputs))
		for k, v := range d.Inputs {
			clone.Inputs[k] = v
		}
	}
	if d.Nodes != nil {
		clone.Nodes = make([]NodeSpec, len(d.Nodes))
		for i, n := range d.Nodes {
			clone.Nodes[i] = n
			if n.Params != nil {
				p := make(map[string]any, len(n.Params))
				for k, v := range n.Params {
					p[k] = v
				}
				clone.Nodes[i].Params = p
			}
			if n.Batch != nil {
				b := *n.Batch
				clone.Nodes[i].Batch = &b
			}
		}
	}
	if d.Edges != nil {
		clone.Edges = make([]EdgeSpec, len(d.Edges))
		copy(clone.Edges, d.Edges)
	}
	if d.Outputs != nil {
		clone.Outputs = make(map[string]OutputSpec, len(d.Outputs))
		for k, v := range d.Outputs {
			clone.Outputs[k] = v
		}
	}
	return clone
}

// ParseDocument decodes raw JSON into a Document, rejecting unknown
// top-level keys the way the spec requires ("unknown keys are rejected").
func ParseDocument(raw []byte) (*Document, error) {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(raw, &probe); err != nil {
		return nil, fmt.Errorf("parse ir: %w", err)
	}
	known := map[string]bool{
		"ir_version": true, "inputs": true, "nodes": true, "edges": true,
		"outputs": true, "template_resolution_mode": true,
	}
	for k := range probe {
		if !known[k] {
			return nil, fmt.Errorf("parse ir: unknown top-level key %q", k)
		}
	}

	var doc Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse ir: %w", err)
	}
	return &doc, nil
}
