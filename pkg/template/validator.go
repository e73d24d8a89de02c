package template

import (
	"fmt"
	"sort"
	"strings"
)

// FieldPath is one flattened (path, type) pair from a node's declared
// output structure, e.g. {"response.items[0].id", "string"}.
type FieldPath struct {
	Path string
	Type string
}

// MaxFlattenDepth bounds how deep FlattenStructure descends, per spec §4.3
// ("max depth 5").
const MaxFlattenDepth = 5

// FlattenStructure walks a node's declared output structure (a JSON-Schema-
// ish tree: {"type": "...", "properties": {...}, "items": {...}}) into a
// flat list of (path, type) pairs, arrays rendered as field[0].
func FlattenStructure(structure map[string]any) []FieldPath {
	var out []FieldPath
	var walk func(prefix string, node map[string]any, depth int)
	walk = func(prefix string, node map[string]any, depth int) {
		if depth > MaxFlattenDepth {
			return
		}
		typ, _ := node["type"].(string)
		if prefix != "" {
			out = append(out, FieldPath{Path: prefix, Type: typ})
		}
		switch typ {
		case "object":
			props, _ := node["properties"].(map[string]any)
			keys := make([]string, 0, len(props))
			for k := range props {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				child, _ := props[k].(map[string]any)
				next := k
				if prefix != "" {
					next = prefix + "." + k
				}
				walk(next, child, depth+1)
			}
		case "array":
			items, _ := node["items"].(map[string]any)
			walk(prefix+"[0]", items, depth+1)
		}
	}
	walk("", structure, 0)
	return out
}

// ValidationIssue is a structural mismatch found by ValidateReference,
// already carrying the enhanced diagnostic fields spec §4.3 asks for.
type ValidationIssue struct {
	Reference       string
	Message         string
	AvailableFields []string // up to 20, "path: type"
	SimilarPaths    []string // up to 3
	Suggestion      string   // "Did you mean ${node.path}?"
}

// ValidateReference checks one ${node.path} reference against a node's
// flattened output paths (or a strict prefix of one), producing an
// enhanced error when it doesn't match.
func ValidateReference(nodeID, path string, fields []FieldPath) *ValidationIssue {
	for _, f := range fields {
		if f.Path == path || strings.HasPrefix(f.Path, path+".") || strings.HasPrefix(f.Path, path+"[") {
			return nil
		}
	}

	available := make([]string, 0, len(fields))
	for i, f := range fields {
		if i >= 20 {
			break
		}
		available = append(available, fmt.Sprintf("%s: %s", f.Path, f.Type))
	}

	similar := similarPaths(path, fields, 3)
	issue := &ValidationIssue{
		Reference:       fmt.Sprintf("${%s.%s}", nodeID, path),
		Message:         fmt.Sprintf("node %q has no output field %q", nodeID, path),
		AvailableFields: available,
	}
	if len(similar) > 0 {
		issue.SimilarPaths = similar
		issue.Suggestion = fmt.Sprintf("Did you mean ${%s.%s}?", nodeID, similar[0])
	}
	return issue
}

// similarPaths returns up to max field paths matching path by
// case-insensitive substring similarity, most-similar first.
func similarPaths(path string, fields []FieldPath, max int) []string {
	target := strings.ToLower(path)
	type scored struct {
		path  string
		score int
	}
	var candidates []scored
	for _, f := range fields {
		fp := strings.ToLower(f.Path)
		score := lcsLen(target, fp)
		if score == 0 {
			continue
		}
		candidates = append(candidates, scored{f.Path, score})
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].score > candidates[j].score
	})
	out := make([]string, 0, max)
	for i, c := range candidates {
		if i >= max {
			break
		}
		out = append(out, c.path)
	}
	return out
}

// lcsLen returns the length of the longest common substring of a and b,
// the same similarity measure the registry's fuzzy-match uses (pkg/registry)
// so "did you mean" suggestions feel consistent across the engine.
func lcsLen(a, b string) int {
	if a == "" || b == "" {
		return 0
	}
	dp := make([][]int, len(a)+1)
	for i := range dp {
		dp[i] = make([]int, len(b)+1)
	}
	best := 0
	for i := 1; i <= len(a); i++ {
		for j := 1; j <= len(b); j++ {
			if a[i-1] == b[j-1] {
				dp[i][j] = dp[i-1][j-1] + 1
				if dp[i][j] > best {
					best = dp[i][j]
				}
			}
		}
	}
	return best
}
