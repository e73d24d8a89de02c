// Package trace implements the engine's structured execution trace: a
// versioned, size-bounded JSON document distinct from OpenTelemetry spans
// (pkg/telemetry covers metrics; this covers a replayable per-run record of
// what happened). Grounded on an Observer/Event design the wider engine
// ecosystem uses for execution diagnostics, bounded by two of the config
// package's five trace-size knobs (MaxTraceEvents, MaxEventPayloadBytes);
// MaxSharedSnapshotBytes, MaxParamBytes and MaxOutputBytes are not read here.
package trace

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/pflow-dev/pflow/pkg/config"
)

// SchemaVersion is bumped whenever the Event/Document shape changes in a
// way a consumer needs to branch on.
const SchemaVersion = 1

// Event is one observed occurrence during a run.
type Event struct {
	Timestamp time.Time `json:"timestamp"`
	NodeID    string    `json:"node_id,omitempty"`
	NodeType  string    `json:"node_type,omitempty"`
	Phase     string    `json:"phase"` // "node_start","cache_hit","failure","repair","node_end"
	Payload   any       `json:"payload,omitempty"`
}

// Observer receives trace events as they occur. Collector is the in-memory
// Observer this package provides (NoOp is used when none is supplied);
// callers needing a different sink (e.g. forwarding to an
// external collector) can implement Observer directly.
type Observer interface {
	Record(e Event)
}

// Document is the versioned, serializable trace produced for one run.
type Document struct {
	SchemaVersion int     `json:"schema_version"`
	ExecutionID   string  `json:"execution_id"`
	Events        []Event `json:"events"`
	Truncated     bool    `json:"truncated,omitempty"`
}

// Collector is a size-bounded in-memory Observer: once MaxTraceEvents is
// reached, further events are dropped and Truncated is set, and any single
// event's payload is truncated to MaxEventPayloadBytes before storage.
type Collector struct {
	mu          sync.Mutex
	executionID string
	maxEvents   int
	maxPayload  int
	events      []Event
	truncated   bool
}

// NewCollector builds a Collector bound to executionID, sized from cfg.
func NewCollector(executionID string, cfg *config.Config) *Collector {
	return &Collector{
		executionID: executionID,
		maxEvents:   cfg.MaxTraceEvents,
		maxPayload:  cfg.MaxEventPayloadBytes,
	}
}

// Record appends e, truncating its payload if oversized and dropping the
// event entirely once the bound is reached.
func (c *Collector) Record(e Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.maxEvents > 0 && len(c.events) >= c.maxEvents {
		c.truncated = true
		return
	}
	e.Payload = truncatePayload(e.Payload, c.maxPayload)
	c.events = append(c.events, e)
}

func truncatePayload(payload any, limit int) any {
	if limit <= 0 || payload == nil {
		return payload
	}
	b, err := json.Marshal(payload)
	if err != nil || len(b) <= limit {
		return payload
	}
	return map[string]any{
		"truncated":      true,
		"original_bytes": len(b),
		"preview":        string(b[:limit]),
	}
}

// Document returns the accumulated trace as a serializable Document.
func (c *Collector) Document() Document {
	c.mu.Lock()
	defer c.mu.Unlock()
	events := make([]Event, len(c.events))
	copy(events, c.events)
	return Document{
		SchemaVersion: SchemaVersion,
		ExecutionID:   c.executionID,
		Events:        events,
		Truncated:     c.truncated,
	}
}

// NoOp is an Observer that discards every event, used when tracing is
// disabled.
type NoOp struct{}

func (NoOp) Record(Event) {}
