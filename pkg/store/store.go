// Package store implements the shared store threaded through one workflow
// run: declared inputs and node outputs at the root, each node's outputs
// namespaced under its own id, and a side Coordination struct for internal
// bookkeeping. Per the engine's design notes (spec §9), reserved "__"
// keys are modeled as typed fields of Coordination instead of magic
// dictionary keys, which also eliminates the "no user id starts with __"
// rule at the type level. Grounded on the teacher engine's state.Manager
// (a mutex-guarded map of maps), generalized from fixed slots
// (variables/accumulator/counter/cache) to arbitrary per-node namespaces.
package store

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// LLMCall records one LLM usage event for cost/token accounting.
type LLMCall struct {
	NodeID     string    `json:"node_id"`
	Model      string    `json:"model"`
	TokensIn   int       `json:"tokens_in"`
	TokensOut  int       `json:"tokens_out"`
	CostUSD    float64   `json:"cost_usd"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Coordination holds every reserved, internally-used piece of state for a
// run: the checkpoint, diagnostics, and progress plumbing. It is never
// namespaced and never visible under a "__"-prefixed user key.
type Coordination struct {
	mu sync.Mutex

	CompletedNodes []string          // spec: __execution__.completed_nodes
	NodeActions    map[string]string // spec: __execution__.node_actions
	NodeHashes     map[string]string // spec: __execution__.node_hashes
	FailedNode     string            // spec: __execution__.failed_node

	LLMCalls []LLMCall // spec: __llm_calls__

	CacheHits []string // spec: __cache_hits__

	Warnings       map[string][]string // spec: __warnings__, keyed by node id
	TemplateErrors map[string][]string // spec: __template_errors__, keyed by node id

	ModifiedNodes []string // spec: __modified_nodes__

	ProgressCallback func(event ProgressEvent) // spec: __progress_callback__

	ExecutionID string // spec: __execution_id__

	// ExecutionStack tracks workflow-executor nesting for cycle detection
	// (spec §4.11), content-hash + name pairs rather than object identity.
	ExecutionStack []string
}

// ProgressEvent is delivered to the progress callback per node start/end.
type ProgressEvent struct {
	NodeID string
	Phase  string // "start" | "end"
}

// NewCoordination builds a fresh Coordination with a generated execution id.
func NewCoordination() *Coordination {
	return &Coordination{
		NodeActions:    make(map[string]string),
		NodeHashes:     make(map[string]string),
		Warnings:       make(map[string][]string),
		TemplateErrors: make(map[string][]string),
		ExecutionID:    GenerateExecutionID(),
	}
}

// GenerateExecutionID returns an opaque id of the form "exec-{uuid}".
func GenerateExecutionID() string {
	return fmt.Sprintf("exec-%s", uuid.New().String())
}

func (c *Coordination) MarkCompleted(nodeID, action, hash string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.CompletedNodes = append(c.CompletedNodes, nodeID)
	c.NodeActions[nodeID] = action
	c.NodeHashes[nodeID] = hash
	c.FailedNode = ""
}

func (c *Coordination) MarkFailed(nodeID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.FailedNode = nodeID
}

func (c *Coordination) MarkCacheHit(nodeID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.CacheHits = append(c.CacheHits, nodeID)
}

func (c *Coordination) MarkModified(nodeID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range c.ModifiedNodes {
		if id == nodeID {
			return
		}
	}
	c.ModifiedNodes = append(c.ModifiedNodes, nodeID)
}

func (c *Coordination) AddWarning(nodeID, msg string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Warnings[nodeID] = append(c.Warnings[nodeID], msg)
}

func (c *Coordination) AddTemplateError(nodeID, msg string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.TemplateErrors[nodeID] = append(c.TemplateErrors[nodeID], msg)
}

// IsCompleted reports whether nodeID is in CompletedNodes with the given
// resolved-config hash and a non-error recorded action — the cache-gate
// test of spec §4.5.
func (c *Coordination) IsCompleted(nodeID, hash string) (action string, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	storedHash, known := c.NodeHashes[nodeID]
	if !known || storedHash != hash {
		return "", false
	}
	found := false
	for _, id := range c.CompletedNodes {
		if id == nodeID {
			found = true
			break
		}
	}
	if !found {
		return "", false
	}
	action = c.NodeActions[nodeID]
	if action == "" || action == errorActionMarker {
		return "", false
	}
	return action, true
}

const errorActionMarker = "__error__"

// MergeLLMCalls appends calls under the coordination mutex, used when a
// batch worker's isolated store is discarded and its LLM usage must be
// folded into the parent before it's lost (spec §4.6).
func (c *Coordination) MergeLLMCalls(calls []LLMCall) {
	if len(calls) == 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.LLMCalls = append(c.LLMCalls, calls...)
}

func (c *Coordination) SnapshotLLMCalls() []LLMCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]LLMCall, len(c.LLMCalls))
	copy(out, c.LLMCalls)
	return out
}

// PushExecutionStack records one workflow-executor nesting level, used by
// pkg/subworkflow's cycle detection (spec §4.11).
func (c *Coordination) PushExecutionStack(identifier string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ExecutionStack = append(c.ExecutionStack, identifier)
}

// PopExecutionStack removes the most recently pushed identifier.
func (c *Coordination) PopExecutionStack() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.ExecutionStack) == 0 {
		return
	}
	c.ExecutionStack = c.ExecutionStack[:len(c.ExecutionStack)-1]
}

// SnapshotExecutionStack returns a copy of the current nesting chain.
func (c *Coordination) SnapshotExecutionStack() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.ExecutionStack))
	copy(out, c.ExecutionStack)
	return out
}

// Notify invokes the progress callback, if any, without holding the store
// lock.
func (c *Coordination) Notify(nodeID, phase string) {
	c.mu.Lock()
	cb := c.ProgressCallback
	c.mu.Unlock()
	if cb != nil {
		cb(ProgressEvent{NodeID: nodeID, Phase: phase})
	}
}

// Store is the user-visible shared store: a root mapping plus one
// namespace per node id. Reserved coordination state lives alongside it in
// Coord, never mixed into the maps below.
type Store struct {
	mu     sync.RWMutex
	root   map[string]any
	spaces map[string]map[string]any

	Coord *Coordination
}

// New builds an empty Store with a fresh Coordination.
func New() *Store {
	return &Store{
		root:   make(map[string]any),
		spaces: make(map[string]map[string]any),
		Coord:  NewCoordination(),
	}
}

// NewWithInputs builds a Store seeded with declared workflow inputs at the
// root.
func NewWithInputs(inputs map[string]any) *Store {
	s := New()
	for k, v := range inputs {
		s.root[k] = v
	}
	return s
}

// SetRoot writes a root-level key (a declared input or a promoted output).
func (s *Store) SetRoot(key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.root[key] = value
}

// GetRoot reads a root-level key.
func (s *Store) GetRoot(key string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.root[key]
	return v, ok
}

// RootSnapshot returns a shallow copy of the root mapping.
func (s *Store) RootSnapshot() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]any, len(s.root))
	for k, v := range s.root {
		out[k] = v
	}
	return out
}

// SetNamespaced writes shared[nodeID][key], creating the namespace lazily
// on first write, per spec §3.2.
func (s *Store) SetNamespaced(nodeID, key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ns, ok := s.spaces[nodeID]
	if !ok {
		ns = make(map[string]any)
		s.spaces[nodeID] = ns
	}
	ns[key] = value
}

// GetNamespaced reads shared[nodeID][key]; if absent, callers implement the
// "reads fall back to the root when the key is absent from the namespace"
// rule by trying GetRoot next (see store.Lookup).
func (s *Store) GetNamespaced(nodeID, key string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ns, ok := s.spaces[nodeID]
	if !ok {
		return nil, false
	}
	v, ok := ns[key]
	return v, ok
}

// NamespaceSnapshot returns a shallow copy of one node's namespace, or an
// empty map if it has never been written.
func (s *Store) NamespaceSnapshot(nodeID string) map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ns := s.spaces[nodeID]
	out := make(map[string]any, len(ns))
	for k, v := range ns {
		out[k] = v
	}
	return out
}

// SpacesSnapshot returns a deep-enough copy of every node namespace (each
// namespace's own map is copied; values within it are not), for callers
// that need the full store state rather than one node's slice of it (the
// snapshot/resume helper in pkg/runtime).
func (s *Store) SpacesSnapshot() map[string]map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]map[string]any, len(s.spaces))
	for id, ns := range s.spaces {
		nsCopy := make(map[string]any, len(ns))
		for k, v := range ns {
			nsCopy[k] = v
		}
		out[id] = nsCopy
	}
	return out
}

// Restore rebuilds a Store from a previously captured root/namespace
// snapshot and Coordination, for resuming a checkpointed execution.
// Grounded on the teacher's engine.LoadSnapshot, adapted to pflow's
// store/coordination split.
func Restore(root map[string]any, spaces map[string]map[string]any, coord *Coordination) *Store {
	s := New()
	for k, v := range root {
		s.root[k] = v
	}
	for id, ns := range spaces {
		nsCopy := make(map[string]any, len(ns))
		for k, v := range ns {
			nsCopy[k] = v
		}
		s.spaces[id] = nsCopy
	}
	if coord != nil {
		s.Coord = coord
	}
	return s
}

// Lookup builds a template.Lookup-compatible function for one node's own
// scratch reads: checks its namespace first, then falls back to the root.
// This is for a node reading back its own previously-written state (e.g. an
// incremental accumulator), not for resolving ${other_node.field}
// references in param templates — those go through GlobalLookup.
func (s *Store) Lookup(nodeID string) func(root string) (any, bool) {
	return func(root string) (any, bool) {
		if v, ok := s.GetNamespaced(nodeID, root); ok {
			return v, true
		}
		if v, ok := s.GetRoot(root); ok {
			return v, true
		}
		return nil, false
	}
}

// GlobalLookup builds the Lookup used to resolve ${root...} template
// references anywhere in the workflow: root is tried first as a node id
// (returning that node's full namespace map so Walk can descend into it),
// then as a root-level key (a declared input or promoted output).
func (s *Store) GlobalLookup() func(root string) (any, bool) {
	return func(root string) (any, bool) {
		s.mu.RLock()
		_, isNode := s.spaces[root]
		s.mu.RUnlock()
		if isNode {
			return s.NamespaceSnapshot(root), true
		}
		return s.GetRoot(root)
	}
}

// ShallowCopyForItem builds the isolated per-item store a batch wrapper
// hands to its inner chain: a shallow copy of the parent plus the current
// item bound at root under `as`, and `__index__` recorded on Coordination's
// execution stack analog (kept simple here as a root key since it is
// read-only diagnostic data for the isolated store's lifetime).
func (s *Store) ShallowCopyForItem(as string, item any, index int) *Store {
	s.mu.RLock()
	defer s.mu.RUnlock()

	child := New()
	for k, v := range s.root {
		child.root[k] = v
	}
	for id, ns := range s.spaces {
		cp := make(map[string]any, len(ns))
		for k, v := range ns {
			cp[k] = v
		}
		child.spaces[id] = cp
	}
	child.root[as] = item
	child.root["__index__"] = index
	child.Coord.ExecutionID = s.Coord.ExecutionID
	return child
}
