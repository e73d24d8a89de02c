package template

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// refPattern matches a ${...} reference (capturing the inner path) while
// letting $${...} escape through untouched. Anchored the way the spec
// describes: NAME(.KEY|[INT])* where NAME is [A-Za-z_][\w-]*.
var refPattern = regexp.MustCompile(`\$(\$?)\{([A-Za-z_][\w-]*(?:\.[A-Za-z_][\w-]*|\[[0-9]+\])*)\}`)

// Lookup resolves a root name to its initial value and reports whether it
// was found. Resolution context is an ordered overlay of
// {resolved-initial-params, shared-store-namespace, shared-store-root} —
// callers implement that ordering by trying each Lookup in turn via
// OverlayLookup.
type Lookup func(root string) (any, bool)

// OverlayLookup tries each Lookup in order, returning the first hit.
func OverlayLookup(lookups ...Lookup) Lookup {
	return func(root string) (any, bool) {
		for _, l := range lookups {
			if v, ok := l(root); ok {
				return v, true
			}
		}
		return nil, false
	}
}

// MapLookup adapts a plain map to a Lookup.
func MapLookup(m map[string]any) Lookup {
	return func(root string) (any, bool) {
		v, ok := m[root]
		return v, ok
	}
}

// References returns every ${...} path found in s, in order of appearance,
// ignoring any $${...} escapes.
func References(s string) []string {
	var refs []string
	for _, m := range refPattern.FindAllStringSubmatch(s, -1) {
		if m[1] == "$" { // escaped: $${...}
			continue
		}
		refs = append(refs, m[2])
	}
	return refs
}

// IsSimple reports whether s is exactly one ${...} reference with no
// surrounding text, and if so returns its path.
func IsSimple(s string) (path string, ok bool) {
	m := refPattern.FindStringSubmatch(s)
	if m == nil || m[1] == "$" {
		return "", false
	}
	if m[0] != s {
		return "", false
	}
	return m[2], true
}

// Walk traverses root according to segments, returning an error if a step
// fails (missing map key, out-of-range/non-array index).
func Walk(root any, segments []Segment) (any, error) {
	cur := root
	for _, seg := range segments {
		if seg.IsIndex {
			arr, ok := cur.([]any)
			if !ok {
				return nil, fmt.Errorf("template: cannot index into non-array value")
			}
			if seg.Index < 0 || seg.Index >= len(arr) {
				return nil, fmt.Errorf("template: index %d out of range (len %d)", seg.Index, len(arr))
			}
			cur = arr[seg.Index]
			continue
		}
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("template: cannot access field %q on non-object value", seg.Key)
		}
		v, ok := m[seg.Key]
		if !ok {
			return nil, fmt.Errorf("template: field %q not found", seg.Key)
		}
		cur = v
	}
	return cur, nil
}

// Resolve looks up a single path (root + segments) via lookup.
func Resolve(path string, lookup Lookup) (any, error) {
	root, segments, err := ParsePath(path)
	if err != nil {
		return nil, err
	}
	v, ok := lookup(root)
	if !ok {
		return nil, fmt.Errorf("template: %q not found", root)
	}
	return Walk(v, segments)
}

// TargetType describes the declared type of the parameter a resolved
// template value is feeding, used to decide whether auto-parse applies.
type TargetType string

const (
	TargetAny    TargetType = ""
	TargetObject TargetType = "object"
	TargetArray  TargetType = "array"
)

// ResolveParam resolves one parameter value, which may be a simple
// template (exact "${VAR}"), a complex template (mixed text), or a plain
// literal (returned unchanged). It implements spec §4.3 in full: type
// preservation for simple templates, string serialization for complex
// ones, and JSON auto-parse for simple templates whose string result
// starts with '{' or '[' and whose target type is object/array.
func ResolveParam(value any, target TargetType, lookup Lookup) (any, error) {
	s, ok := value.(string)
	if !ok {
		return value, nil // non-string literals pass through untouched
	}

	if path, simple := IsSimple(s); simple {
		resolved, err := Resolve(path, lookup)
		if err != nil {
			return nil, err
		}
		return maybeAutoParse(resolved, target), nil
	}

	if !strings.Contains(s, "${") && !strings.Contains(s, "$${") {
		return s, nil
	}

	return resolveComplex(s, lookup)
}

// maybeAutoParse implements the auto-parse rule: a simple template's
// string result starting with '{' or '[' is JSON-decoded when the target
// parameter wants an object/array. Trailing whitespace (a shell's trailing
// newline) is stripped first. Parse failures keep the original string.
func maybeAutoParse(resolved any, target TargetType) any {
	if target != TargetObject && target != TargetArray {
		return resolved
	}
	s, ok := resolved.(string)
	if !ok {
		return resolved
	}
	trimmed := strings.TrimRight(s, " \t\r\n")
	if trimmed == "" {
		return resolved
	}
	if trimmed[0] != '{' && trimmed[0] != '[' {
		return resolved
	}
	var parsed any
	if err := json.Unmarshal([]byte(trimmed), &parsed); err != nil {
		return resolved
	}
	return normalizeJSON(parsed)
}

// resolveComplex resolves every ${...} occurrence inside s and serializes
// each one, always producing a string.
func resolveComplex(s string, lookup Lookup) (string, error) {
	var resolveErr error
	out := refPattern.ReplaceAllStringFunc(s, func(match string) string {
		sub := refPattern.FindStringSubmatch(match)
		if sub[1] == "$" {
			// unescape literal $${...} to ${...}
			return "${" + sub[2] + "}"
		}
		if resolveErr != nil {
			return match
		}
		v, err := Resolve(sub[2], lookup)
		if err != nil {
			resolveErr = err
			return match
		}
		return Serialize(v)
	})
	if resolveErr != nil {
		return "", resolveErr
	}
	return out, nil
}

// Serialize renders a resolved value as it is embedded into a complex
// template: nil becomes "", booleans become Title-Case "True"/"False"
// (spec §4.3), numbers use their natural decimal form, and containers use
// canonical JSON.
func Serialize(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case bool:
		if val {
			return "True"
		}
		return "False"
	case float64:
		return strconv.FormatFloat(val, 'g', -1, 64)
	case int:
		return strconv.Itoa(val)
	default:
		b, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprintf("%v", val)
		}
		return string(b)
	}
}

// normalizeJSON converts json.Unmarshal's generic decode (float64/[]any/
// map[string]any) into the same shape consistently, which it already is —
// kept as a seam so callers that decode from other sources (e.g. the
// execution cache) can route through one normalization point.
func normalizeJSON(v any) any {
	return v
}
