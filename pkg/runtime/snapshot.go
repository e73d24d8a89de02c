package runtime

import (
	"encoding/json"

	"github.com/pflow-dev/pflow/pkg/compiler"
	"github.com/pflow-dev/pflow/pkg/errs"
	"github.com/pflow-dev/pflow/pkg/registry"
	"github.com/pflow-dev/pflow/pkg/store"
	"github.com/pflow-dev/pflow/pkg/types"
)

const snapshotVersion = "1.0.0"

// Snapshot is a JSON-serializable projection of one run's IR and shared
// store, for callers that want to persist their own checkpoints and resume
// a run later. The core itself never writes one to disk on its own (spec
// §4.5) — this only adapts the teacher's own snapshot/restore shape
// (pkg/engine/snapshot.go's Snapshot/SaveSnapshot/LoadSnapshot) to pflow's
// store/coordination split, for a caller that wants that capability.
type Snapshot struct {
	Version     string `json:"version"`
	ExecutionID string `json:"execution_id"`

	Doc *types.Document `json:"doc"`

	Root   map[string]any            `json:"root"`
	Spaces map[string]map[string]any `json:"spaces"`

	CompletedNodes []string          `json:"completed_nodes"`
	NodeActions    map[string]string `json:"node_actions"`
	NodeHashes     map[string]string `json:"node_hashes"`
	ModifiedNodes  []string          `json:"modified_nodes"`
}

// NewSnapshot captures flow's document and st's current state into a
// serializable Snapshot.
func NewSnapshot(flow *compiler.Flow, st *store.Store) *Snapshot {
	return &Snapshot{
		Version:        snapshotVersion,
		ExecutionID:    st.Coord.ExecutionID,
		Doc:            flow.Doc,
		Root:           st.RootSnapshot(),
		Spaces:         st.SpacesSnapshot(),
		CompletedNodes: append([]string(nil), st.Coord.CompletedNodes...),
		NodeActions:    copyStringMap(st.Coord.NodeActions),
		NodeHashes:     copyStringMap(st.Coord.NodeHashes),
		ModifiedNodes:  append([]string(nil), st.Coord.ModifiedNodes...),
	}
}

// Marshal serializes snap to indented JSON, the way the teacher's
// SerializeSnapshot does.
func (snap *Snapshot) Marshal() ([]byte, error) {
	return json.MarshalIndent(snap, "", "  ")
}

// UnmarshalSnapshot is the inverse of Marshal, validating the version the
// way the teacher's DeserializeSnapshot does.
func UnmarshalSnapshot(data []byte) (*Snapshot, error) {
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, err
	}
	if snap.Version == "" {
		return nil, errs.Internal("runtime: snapshot is missing a version")
	}
	if snap.ExecutionID == "" {
		return nil, errs.Internal("runtime: snapshot is missing an execution id")
	}
	return &snap, nil
}

// Restore recompiles snap's document against reg/opts and rebuilds the
// shared store from its captured root/namespaces/coordination state, ready
// to resume with Run. The caller is responsible for resuming from the
// right node: Run always starts at the flow's entry id and relies on the
// restored Coordination's cache gate (spec §4.5) to skip every node
// already in CompletedNodes with a matching config hash, re-running only
// what the snapshot hadn't reached yet.
func Restore(snap *Snapshot, reg *registry.Registry, opts compiler.Options) (*compiler.Flow, *store.Store, error) {
	if snap == nil {
		return nil, nil, errs.Internal("runtime: cannot restore a nil snapshot")
	}
	flow, err := compiler.Compile(snap.Doc, reg, opts)
	if err != nil {
		return nil, nil, err
	}
	coord := &store.Coordination{
		ExecutionID:    snap.ExecutionID,
		CompletedNodes: append([]string(nil), snap.CompletedNodes...),
		NodeActions:    copyStringMap(snap.NodeActions),
		NodeHashes:     copyStringMap(snap.NodeHashes),
		ModifiedNodes:  append([]string(nil), snap.ModifiedNodes...),
		Warnings:       make(map[string][]string),
		TemplateErrors: make(map[string][]string),
	}
	st := store.Restore(snap.Root, snap.Spaces, coord)
	return flow, st, nil
}

func copyStringMap(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
