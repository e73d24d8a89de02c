// Package stubnodes provides a handful of minimal node implementations
// used to exercise the engine's contract in tests — not production node
// types. Real node implementations (shell/http/llm/file/mcp-*) are out of
// scope for the core (spec §1); these stand in for them the way the
// teacher engine's simplest executors (arithmetic, echo) do, grounded on
// its operation.go pattern of a tiny struct implementing one computation.
package stubnodes

import (
	"context"
	"fmt"
	"strings"

	"github.com/pflow-dev/pflow/pkg/node"
	"github.com/pflow-dev/pflow/pkg/registry"
)

func toFloat64(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

// MathNode doubles a numeric input: result = value * 2.
type MathNode struct {
	value any
}

func NewMath() node.Node { return &MathNode{} }

func (m *MathNode) SetParams(params map[string]any) error {
	m.value = params["value"]
	return nil
}

func (m *MathNode) Prep(ctx context.Context, sc node.Scope) (any, error) {
	return m.value, nil
}

func (m *MathNode) Exec(ctx context.Context, prep any) (any, error) {
	v, ok := toFloat64(prep)
	if !ok {
		return nil, fmt.Errorf("stub-math: value is not numeric: %v", prep)
	}
	return v * 2, nil
}

func (m *MathNode) Post(ctx context.Context, sc node.Scope, prep, exec any) (string, error) {
	sc.Set("result", exec)
	return "default", nil
}

// EchoNode returns its text input unchanged.
type EchoNode struct {
	text any
}

func NewEcho() node.Node { return &EchoNode{} }

func (e *EchoNode) SetParams(params map[string]any) error {
	e.text = params["text"]
	return nil
}

func (e *EchoNode) Prep(ctx context.Context, sc node.Scope) (any, error) {
	return e.text, nil
}

func (e *EchoNode) Exec(ctx context.Context, prep any) (any, error) {
	return prep, nil
}

func (e *EchoNode) Post(ctx context.Context, sc node.Scope, prep, exec any) (string, error) {
	sc.Set("text", exec)
	return "default", nil
}

// SquareNode squares a numeric input and fails on non-numeric input,
// exercising the batch partial-failure path.
type SquareNode struct {
	value any
}

func NewSquare() node.Node { return &SquareNode{} }

func (s *SquareNode) SetParams(params map[string]any) error {
	s.value = params["value"]
	return nil
}

func (s *SquareNode) Prep(ctx context.Context, sc node.Scope) (any, error) {
	return s.value, nil
}

func (s *SquareNode) Exec(ctx context.Context, prep any) (any, error) {
	v, ok := toFloat64(prep)
	if !ok {
		return nil, fmt.Errorf("stub-square: value is not numeric: %v", prep)
	}
	return v * v, nil
}

func (s *SquareNode) Post(ctx context.Context, sc node.Scope, prep, exec any) (string, error) {
	sc.Set("result", exec)
	return "default", nil
}

// ShellNode simulates a subprocess that writes to stdout and exits,
// without actually spawning a process: it understands a single command
// shape, `echo '<content>'` (or with double quotes), and writes <content>
// followed by a trailing newline to stdout, the way a real shell's echo
// builtin would — exercising auto-parse across a subprocess boundary
// (spec §4.3) when the echoed content is itself a JSON array or object.
// Any other command echoes its argument verbatim with no quote-stripping.
type ShellNode struct {
	command any
}

func NewShell() node.Node { return &ShellNode{} }

func (s *ShellNode) SetParams(params map[string]any) error {
	s.command = params["command"]
	return nil
}

func (s *ShellNode) Prep(ctx context.Context, sc node.Scope) (any, error) {
	return s.command, nil
}

func (s *ShellNode) Exec(ctx context.Context, prep any) (any, error) {
	cmd, _ := prep.(string)
	return shellEcho(cmd) + "\n", nil
}

// shellEcho simulates `echo '<content>'`/`echo "<content>"`/`echo
// <content>`, stripping the leading "echo " and one matching pair of
// quotes around the argument, the way a shell's word-splitting would.
func shellEcho(cmd string) string {
	const prefix = "echo "
	if !strings.HasPrefix(cmd, prefix) {
		return cmd
	}
	arg := strings.TrimSpace(strings.TrimPrefix(cmd, prefix))
	if len(arg) >= 2 {
		first, last := arg[0], arg[len(arg)-1]
		if (first == '\'' && last == '\'') || (first == '"' && last == '"') {
			return arg[1 : len(arg)-1]
		}
	}
	return arg
}

func (s *ShellNode) Post(ctx context.Context, sc node.Scope, prep, exec any) (string, error) {
	sc.Set("stdout", exec)
	return "default", nil
}

// ListSumNode sums a declared array input.
type ListSumNode struct {
	items any
}

func NewListSum() node.Node { return &ListSumNode{} }

func (l *ListSumNode) SetParams(params map[string]any) error {
	l.items = params["items"]
	return nil
}

func (l *ListSumNode) Prep(ctx context.Context, sc node.Scope) (any, error) {
	return l.items, nil
}

func (l *ListSumNode) Exec(ctx context.Context, prep any) (any, error) {
	arr, ok := prep.([]any)
	if !ok {
		return nil, fmt.Errorf("stub-list-sum: items is not an array: %v", prep)
	}
	var total float64
	for _, it := range arr {
		v, ok := toFloat64(it)
		if !ok {
			return nil, fmt.Errorf("stub-list-sum: item is not numeric: %v", it)
		}
		total += v
	}
	return total, nil
}

func (l *ListSumNode) Post(ctx context.Context, sc node.Scope, prep, exec any) (string, error) {
	sc.Set("sum", exec)
	return "default", nil
}

// RegisterAll registers every stub node type into reg, declaring enough
// interface/param-schema metadata for the IR validator and template
// validator to exercise their checks meaningfully.
func RegisterAll(reg *registry.Registry) {
	reg.MustRegister(registry.Entry{
		Type: "stub-math", Module: "stubnodes", ClassName: "MathNode",
		Interface: registry.Interface{
			Inputs:  []registry.Field{{Name: "value", Type: "number", Required: true}},
			Outputs: []registry.Field{{Name: "result", Type: "number"}},
		},
		Factory: func() (any, error) { return NewMath(), nil },
	})
	reg.MustRegister(registry.Entry{
		Type: "stub-echo", Module: "stubnodes", ClassName: "EchoNode",
		Interface: registry.Interface{
			Inputs:  []registry.Field{{Name: "text", Type: "string", Required: true}},
			Outputs: []registry.Field{{Name: "text", Type: "string"}},
		},
		Factory: func() (any, error) { return NewEcho(), nil },
	})
	reg.MustRegister(registry.Entry{
		Type: "stub-square", Module: "stubnodes", ClassName: "SquareNode",
		Interface: registry.Interface{
			Inputs:  []registry.Field{{Name: "value", Type: "number", Required: true}},
			Outputs: []registry.Field{{Name: "result", Type: "number"}},
		},
		Factory: func() (any, error) { return NewSquare(), nil },
	})
	reg.MustRegister(registry.Entry{
		Type: "stub-shell", Module: "stubnodes", ClassName: "ShellNode",
		Interface: registry.Interface{
			Inputs:  []registry.Field{{Name: "command", Type: "string", Required: true}},
			Outputs: []registry.Field{{Name: "stdout", Type: "string"}},
		},
		Factory: func() (any, error) { return NewShell(), nil },
	})
	reg.MustRegister(registry.Entry{
		Type: "stub-list-sum", Module: "stubnodes", ClassName: "ListSumNode",
		Interface: registry.Interface{
			Inputs:  []registry.Field{{Name: "items", Type: "array", Required: true}},
			Outputs: []registry.Field{{Name: "sum", Type: "number"}},
		},
		Factory: func() (any, error) { return NewListSum(), nil },
	})
}

// FactoryFor returns the node.Node constructor for a registered stub entry.
// The compiler does not use it; it calls entry.Factory directly.
func FactoryFor(entry registry.Entry) (func() node.Node, error) {
	if entry.Factory == nil {
		return nil, fmt.Errorf("stubnodes: entry %q has no factory", entry.Type)
	}
	return func() node.Node {
		n, err := entry.Factory()
		if err != nil {
			panic(err) // stub factories never fail; a real node factory would propagate this through the compiler instead
		}
		return n.(node.Node)
	}, nil
}
