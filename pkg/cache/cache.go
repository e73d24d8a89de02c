// Package cache implements the execution cache and single-node exploration
// path (spec §3.3, §4.8): `registry_run` executes one node type against an
// empty shared store and persists its full output to a durable JSON entry,
// `read_fields` retrieves specific values back out of a prior entry using
// the same path grammar as pkg/template, and output rendering trims a
// node's raw output down to a user-chosen verbosity.
//
// This is distinct from the in-memory cache gate in pkg/store/pkg/node
// (Coordination.IsCompleted), which short-circuits re-running a node
// within one workflow pass. This package persists one-off exploration
// results to disk so a caller can replay or inspect them across process
// runs, grounded on the teacher engine's storage.InMemoryStore JSON
// persistence shape (pkg/storage/storage.go), generalized from an
// in-memory map to an atomically-written on-disk file per entry.
package cache

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/pflow-dev/pflow/pkg/config"
	"github.com/pflow-dev/pflow/pkg/errs"
	"github.com/pflow-dev/pflow/pkg/node"
	"github.com/pflow-dev/pflow/pkg/registry"
	"github.com/pflow-dev/pflow/pkg/store"
	"github.com/pflow-dev/pflow/pkg/template"
)

// Entry is one persisted execution-cache record (spec §3.3).
type Entry struct {
	ExecutionID string         `json:"execution_id"`
	NodeType    string         `json:"node_type"`
	Timestamp   float64        `json:"timestamp"`
	TTLHours    float64        `json:"ttl_hours"`
	Params      map[string]any `json:"params"`
	Outputs     map[string]any `json:"outputs"`
}

// Store reads and writes cache entries under a root directory, one file
// per execution id at "<root>/registry-run/<execution_id>.json".
type Store struct {
	root string
}

// New resolves cfg.CacheRoot (expanding a leading "~") into a Store.
func New(cfg *config.Config) (*Store, error) {
	root, err := expandHome(cfg.CacheRoot)
	if err != nil {
		return nil, fmt.Errorf("cache: resolving cache root: %w", err)
	}
	return &Store{root: root}, nil
}

func expandHome(p string) (string, error) {
	if !strings.HasPrefix(p, "~") {
		return p, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, strings.TrimPrefix(p, "~")), nil
}

func (s *Store) runDir() string {
	return filepath.Join(s.root, "registry-run")
}

func (s *Store) entryPath(executionID string) string {
	return filepath.Join(s.runDir(), executionID+".json")
}

// Write persists e atomically: marshal, write to a temp file in the same
// directory, then rename over the final path so a reader never observes a
// partially-written entry.
func (s *Store) Write(e Entry) error {
	dir := s.runDir()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("cache: creating %s: %w", dir, err)
	}
	body, err := json.MarshalIndent(e, "", "  ")
	if err != nil {
		return fmt.Errorf("cache: marshaling entry: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "entry-*.json.tmp")
	if err != nil {
		return fmt.Errorf("cache: creating temp file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(body); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("cache: writing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("cache: closing temp file: %w", err)
	}
	if err := os.Rename(tmpPath, s.entryPath(e.ExecutionID)); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("cache: renaming temp file into place: %w", err)
	}
	return nil
}

// Read loads a previously-written entry by execution id.
func (s *Store) Read(executionID string) (*Entry, error) {
	body, err := os.ReadFile(s.entryPath(executionID))
	if err != nil {
		return nil, fmt.Errorf("cache: reading entry %q: %w", executionID, err)
	}
	var e Entry
	if err := json.Unmarshal(body, &e); err != nil {
		return nil, fmt.Errorf("cache: decoding entry %q: %w", executionID, err)
	}
	return &e, nil
}

// encodeBinary recursively rewrites []byte values into the cache's binary
// envelope ({"__type": "base64", "data": "..."}) before an entry is
// marshaled, since json.Marshal would otherwise base64-encode []byte into
// a bare JSON string with no marker to decode it back on read.
func encodeBinary(v any) any {
	switch val := v.(type) {
	case []byte:
		return map[string]any{"__type": "base64", "data": base64.StdEncoding.EncodeToString(val)}
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, vv := range val {
			out[k] = encodeBinary(vv)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, vv := range val {
			out[i] = encodeBinary(vv)
		}
		return out
	default:
		return v
	}
}

// decodeBinary reverses encodeBinary after a round-trip through JSON.
func decodeBinary(v any) any {
	switch val := v.(type) {
	case map[string]any:
		if t, _ := val["__type"].(string); t == "base64" {
			if data, ok := val["data"].(string); ok {
				if b, err := base64.StdEncoding.DecodeString(data); err == nil {
					return b
				}
			}
		}
		out := make(map[string]any, len(val))
		for k, vv := range val {
			out[k] = decodeBinary(vv)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, vv := range val {
			out[i] = decodeBinary(vv)
		}
		return out
	default:
		return v
	}
}

// RunResult is the outcome of one registry_run exploration.
type RunResult struct {
	ExecutionID string
	Structure   []template.FieldPath
	Entry       Entry
}

// RegistryRun instantiates a single registered node type against an empty
// shared store, executes it once, and persists the full output to the
// execution cache (spec §4.8). It is not part of a workflow run: the node
// sees no sibling nodes, no batch spec, no instrumentation wrapper — just
// the namespace + template layers a normal compiled node gets, since
// exploratory params may themselves contain "${...}" literals a caller
// wants resolved against nothing but its own declared inputs.
func RegistryRun(ctx context.Context, reg *registry.Registry, cacheStore *Store, nodeType string, params map[string]any) (*RunResult, error) {
	entry, err := reg.Resolve(nodeType)
	if err != nil {
		return nil, err
	}
	if entry.Factory == nil {
		return nil, errs.Internal("cache: registry entry " + nodeType + " has no factory")
	}

	targets := make(map[string]template.TargetType, len(entry.Interface.Inputs))
	for _, f := range entry.Interface.Inputs {
		switch f.Type {
		case "object":
			targets[f.Name] = template.TargetObject
		case "array":
			targets[f.Name] = template.TargetArray
		default:
			targets[f.Name] = template.TargetAny
		}
	}

	inst, ferr := entry.Factory()
	if ferr != nil {
		return nil, fmt.Errorf("cache: instantiating %s: %w", nodeType, ferr)
	}
	raw, ok := inst.(node.Node)
	if !ok {
		return nil, errs.Internal("cache: factory for " + nodeType + " did not produce a node.Node")
	}

	const exploreID = "explore"
	chain := node.NewNamespaceNode(node.NewTemplateNode(raw, targets), exploreID)
	if err := chain.SetParams(params); err != nil {
		return nil, fmt.Errorf("cache: setting params for %s: %w", nodeType, err)
	}

	st := store.New()
	if _, runErr := node.Run(ctx, chain, node.NewRootScope(st), exploreID, nodeType); runErr != nil {
		return nil, runErr
	}

	outputs := st.NamespaceSnapshot(exploreID)
	executionID := "run-" + uuid.New().String()

	cacheEntry := Entry{
		ExecutionID: executionID,
		NodeType:    nodeType,
		Timestamp:   float64(time.Now().UnixNano()) / 1e9,
		TTLHours:    24,
		Params:      params,
		Outputs:     encodeBinary(outputs).(map[string]any),
	}
	if cacheStore != nil {
		if err := cacheStore.Write(cacheEntry); err != nil {
			return nil, err
		}
	}

	return &RunResult{
		ExecutionID: executionID,
		Structure:   flattenOutputs(outputs),
		Entry:       cacheEntry,
	}, nil
}

// flattenOutputs walks an actual (not declared-schema) output map into the
// same (path, type) shape template.FlattenStructure produces from a
// schema, so registry_run can report a structure before any schema exists
// for a hand-authored node.
func flattenOutputs(v map[string]any) []template.FieldPath {
	var out []template.FieldPath
	var walk func(prefix string, val any, depth int)
	walk = func(prefix string, val any, depth int) {
		if depth > template.MaxFlattenDepth {
			return
		}
		switch t := val.(type) {
		case map[string]any:
			keys := make([]string, 0, len(t))
			for k := range t {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				next := k
				if prefix != "" {
					next = prefix + "." + k
				}
				walk(next, t[k], depth+1)
			}
		case []any:
			if len(t) > 0 {
				walk(prefix+"[0]", t[0], depth+1)
			}
			out = append(out, template.FieldPath{Path: prefix, Type: "array"})
			return
		default:
			out = append(out, template.FieldPath{Path: prefix, Type: goType(t)})
			return
		}
		if prefix != "" {
			out = append(out, template.FieldPath{Path: prefix, Type: "object"})
		}
	}
	keys := make([]string, 0, len(v))
	for k := range v {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		walk(k, v[k], 0)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

func goType(v any) string {
	switch v.(type) {
	case string:
		return "string"
	case bool:
		return "boolean"
	case float64, int, int64, float32:
		return "number"
	case nil:
		return "null"
	default:
		return "unknown"
	}
}

// RenderMode selects how much of a node's output registry_run surfaces.
type RenderMode string

const (
	RenderStructure RenderMode = "structure"
	RenderSmart     RenderMode = "smart"
	RenderFull      RenderMode = "full"
)

const (
	smartStringLimit = 200
	smartMapLimit     = 5
	smartListLimit    = 5
)

// Render trims outputs according to mode (spec §4.8).
func Render(outputs map[string]any, mode RenderMode) any {
	switch mode {
	case RenderStructure:
		return flattenOutputs(outputs)
	case RenderFull:
		return outputs
	default:
		out := make(map[string]any, len(outputs))
		for k, v := range outputs {
			out[k] = renderSmart(v)
		}
		return out
	}
}

func renderSmart(v any) any {
	switch t := v.(type) {
	case string:
		if len(t) > smartStringLimit {
			return t[:smartStringLimit] + "(truncated)"
		}
		return t
	case map[string]any:
		if len(t) > smartMapLimit {
			return fmt.Sprintf("{...%d keys}", len(t))
		}
		out := make(map[string]any, len(t))
		for k, vv := range t {
			out[k] = renderSmart(vv)
		}
		return out
	case []any:
		if len(t) > smartListLimit {
			return fmt.Sprintf("[...%d items]", len(t))
		}
		out := make([]any, len(t))
		for i, vv := range t {
			out[i] = renderSmart(vv)
		}
		return out
	default:
		return v
	}
}

// ReadFields retrieves specific values from a prior cached execution using
// the same path-traversal grammar as pkg/template; unknown paths return
// nil without error (spec §4.8).
func (s *Store) ReadFields(executionID string, paths []string) (map[string]any, error) {
	entry, err := s.Read(executionID)
	if err != nil {
		return nil, err
	}
	decoded, _ := decodeBinary(entry.Outputs).(map[string]any)
	lookup := template.MapLookup(decoded)

	out := make(map[string]any, len(paths))
	for _, p := range paths {
		v, err := template.Resolve(p, lookup)
		if err != nil {
			out[p] = nil
			continue
		}
		out[p] = v
	}
	return out, nil
}
