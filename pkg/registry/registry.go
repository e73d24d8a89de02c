// Package registry catalogs known node types, including virtual MCP
// entries (mcp-<server>-<tool> backed by one universal client node).
// Grounded on the teacher engine's executor.Registry (a thread-safe
// type->implementation map) and its httpclient.Registry (a named-resource
// registry with existence checks and listing), merged into one registry
// that also knows how to fuzzy-resolve typos and virtualize MCP ids.
package registry

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"golang.org/x/text/cases"
)

// Field describes one input or output field in a node's interface.
type Field struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Required    bool   `json:"required,omitempty"`
	Description string `json:"description,omitempty"`
	Default     any    `json:"default,omitempty"`
	Structure   map[string]any `json:"structure,omitempty"` // for outputs: declared shape
}

// Interface is a node type's declared input/output contract.
type Interface struct {
	Inputs  []Field `json:"inputs"`
	Outputs []Field `json:"outputs"`
}

// Entry is one registered node type (spec §3.4).
type Entry struct {
	Type       string     `json:"type"`
	Module     string     `json:"module"`
	ClassName  string     `json:"class_name"`
	FilePath   string     `json:"file_path,omitempty"` // "virtual://mcp" for MCP entries
	Interface  Interface  `json:"interface"`
	ParamSchema map[string]any `json:"param_schema,omitempty"` // optional JSON-Schema for Params

	// Factory constructs a fresh node.Node instance for this type. It is
	// not part of the JSON-serializable entry shape (registry snapshots
	// returned to callers omit it), only used internally by the compiler.
	Factory func() (any, error) `json:"-"`

	// MCPServer/MCPTool are set for virtual mcp-<server>-<tool> entries.
	MCPServer string `json:"mcp_server,omitempty"`
	MCPTool   string `json:"mcp_tool,omitempty"`
}

// IsMCP reports whether this entry is a virtual MCP node.
func (e Entry) IsMCP() bool {
	return e.FilePath == "virtual://mcp"
}

// Registry is a thread-safe catalog of node types.
type Registry struct {
	mu         sync.RWMutex
	entries    map[string]Entry
	mcpServers map[string]bool // known MCP server name set, for greedy-match splitting
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{
		entries:    make(map[string]Entry),
		mcpServers: make(map[string]bool),
	}
}

// Register adds an entry. Returns an error if the type id is already
// registered.
func (r *Registry) Register(e Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[e.Type]; exists {
		return fmt.Errorf("registry: type %q already registered", e.Type)
	}
	r.entries[e.Type] = e
	if e.IsMCP() && e.MCPServer != "" {
		r.mcpServers[e.MCPServer] = true
	}
	return nil
}

// MustRegister registers e and panics on error; used during registry
// bootstrap where a duplicate id is a programming error.
func (r *Registry) MustRegister(e Entry) {
	if err := r.Register(e); err != nil {
		panic(err)
	}
}

// Load returns a fresh, read-only snapshot of the registry — a plain map
// copy, so callers cannot mutate the registry's internal state and each
// compilation sees a stable view even if registrations race with it.
func (r *Registry) Load() map[string]Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]Entry, len(r.entries))
	for k, v := range r.entries {
		out[k] = v
	}
	return out
}

// UnknownNodeTypeError reports an unresolved type id, with suggestions.
type UnknownNodeTypeError struct {
	TypeID      string
	Suggestions []string
}

func (e *UnknownNodeTypeError) Error() string {
	if len(e.Suggestions) == 0 {
		return fmt.Sprintf("registry: unknown node type %q", e.TypeID)
	}
	return fmt.Sprintf("registry: unknown node type %q (did you mean: %s?)", e.TypeID, strings.Join(e.Suggestions, ", "))
}

var caseFolder = cases.Fold()

// fold case-folds s for locale-independent comparison, using
// golang.org/x/text/cases; the registry uses it for the MCP unique-suffix
// match and for suggest()'s fuzzy matching — the one place in this codebase that
// exercises x/text, which the teacher's go.mod requires but never actually
// imports anywhere in its own tree (see DESIGN.md).
func fold(s string) string {
	return caseFolder.String(s)
}

// Resolve looks up a type id, trying (in order): exact match, then MCP
// normalization if the id looks like an MCP reference. Ambiguous or
// missing matches return *UnknownNodeTypeError with suggestions.
func (r *Registry) Resolve(typeID string) (Entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if e, ok := r.entries[typeID]; ok {
		return e, nil
	}

	if e, ok := r.resolveMCP(typeID); ok {
		return e, nil
	}

	return Entry{}, &UnknownNodeTypeError{TypeID: typeID, Suggestions: r.suggest(typeID)}
}

// resolveMCP implements the registry's mcp-<server>-<tool> normalization
// ladder: (a) exact match already tried by caller, (b) all-dashes-to-
// underscores, (c) greedy server-match then underscore conversion of the
// tool tail, (d) unique suffix match.
func (r *Registry) resolveMCP(typeID string) (Entry, bool) {
	normalized := strings.ToLower(strings.ReplaceAll(typeID, "_", "-"))

	if e, ok := r.entries[normalized]; ok {
		return e, true
	}

	underscored := strings.ReplaceAll(normalized, "-", "_")
	if e, ok := r.entries[underscored]; ok {
		return e, true
	}

	// greedy longest-match against known server names, then underscore
	// the tool tail to match registered ids like
	// mcp-slack-composio-SLACK_SEND_MESSAGE
	servers := make([]string, 0, len(r.mcpServers))
	for s := range r.mcpServers {
		servers = append(servers, s)
	}
	sort.Slice(servers, func(i, j int) bool { return len(servers[i]) > len(servers[j]) })

	body := strings.TrimPrefix(normalized, "mcp-")
	for _, server := range servers {
		if !strings.HasPrefix(body, server+"-") {
			continue
		}
		tool := strings.TrimPrefix(body, server+"-")
		candidate := "mcp-" + server + "-" + strings.ToUpper(strings.ReplaceAll(tool, "-", "_"))
		if e, ok := r.entries[candidate]; ok {
			return e, true
		}
	}

	// unique suffix match: exactly one registered id ends with the given
	// (folded) suffix.
	var match Entry
	count := 0
	target := fold(typeID)
	for id, e := range r.entries {
		if strings.HasSuffix(fold(id), target) {
			match = e
			count++
		}
	}
	if count == 1 {
		return match, true
	}
	return Entry{}, false
}

// suggest builds the fuzzy-match suggestion list for an unresolved type id:
// for plain ids, a longest-common-substring ranking over registry keys; for
// MCP ids, a listing of known servers (or that server's tools) when the
// server/tool portion itself is unknown.
func (r *Registry) suggest(typeID string) []string {
	if strings.HasPrefix(strings.ToLower(typeID), "mcp-") || isLikelyMCP(typeID) {
		return r.suggestMCP(typeID)
	}

	type scored struct {
		id    string
		score int
	}
	target := fold(typeID)
	var candidates []scored
	for id := range r.entries {
		score := lcsLen(target, fold(id))
		if score > 0 {
			candidates = append(candidates, scored{id, score})
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score > candidates[j].score
		}
		return candidates[i].id < candidates[j].id
	})
	out := make([]string, 0, 5)
	for i, c := range candidates {
		if i >= 5 {
			break
		}
		out = append(out, c.id)
	}
	return out
}

func isLikelyMCP(typeID string) bool {
	return strings.Count(typeID, "-") >= 2
}

func (r *Registry) suggestMCP(typeID string) []string {
	normalized := strings.ToLower(strings.ReplaceAll(typeID, "_", "-"))
	body := strings.TrimPrefix(normalized, "mcp-")

	for server := range r.mcpServers {
		if strings.HasPrefix(body, server+"-") {
			// server known, tool unknown: list that server's tools
			prefix := "mcp-" + server + "-"
			var tools []string
			for id := range r.entries {
				if strings.HasPrefix(id, prefix) {
					tools = append(tools, id)
				}
			}
			sort.Strings(tools)
			return tools
		}
	}

	// server unknown: list known servers
	servers := make([]string, 0, len(r.mcpServers))
	for s := range r.mcpServers {
		servers = append(servers, s)
	}
	sort.Strings(servers)
	return servers
}

// lcsLen mirrors pkg/template's similarity measure so suggestions across
// the engine read consistently.
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
