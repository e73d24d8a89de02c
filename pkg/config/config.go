// Package config centralizes pflow engine configuration: execution limits,
// batch concurrency caps, cache paths, trace size knobs, and smart-filter
// tuning. All options live here rather than scattered across packages so
// they can be validated and defaulted in one place.
package config

import "time"

// Config holds the full set of tunables for a compiled flow's execution.
type Config struct {
	// Execution limits
	// Neither limit is read by pkg/runtime or pkg/node: no run-level or
	// node-level timeout is enforced.
	MaxExecutionTime     time.Duration // overall run budget; 0 = unlimited
	MaxNodeExecutionTime time.Duration // default per-node timeout when a node's registry entry declares none

	// Batch fan-out (spec §4.6, §5)
	DefaultMaxConcurrent int // default max_concurrent when a batch-spec omits it
	MaxConcurrentCap     int // hard ceiling regardless of what a batch-spec requests (spec: 100)

	// Execution cache (spec §3.3, §4.8)
	CacheRoot       string        // default: "~/.pflow/cache" equivalent, resolved by caller
	DefaultCacheTTL time.Duration // advisory only; not enforced (spec open question)

	// Trace size limits (spec §6, five knobs)
	MaxTraceEvents       int
	MaxEventPayloadBytes int
	MaxSharedSnapshotBytes int
	MaxParamBytes        int
	MaxOutputBytes       int

	// Smart filter (spec §4.9)
	SmartFilterThreshold int // flattened-path count above which filtering kicks in
	SmartFilterMinPaths  int
	SmartFilterMaxPaths  int
	SmartFilterCacheSize int // bounded cache size; oldest insertion is evicted first

	// Repair
	RepairEnabled bool
}

// Default returns a Config with the engine's production defaults.
func Default() *Config {
	return &Config{
		MaxExecutionTime:     5 * time.Minute,
		MaxNodeExecutionTime: 30 * time.Second,

		DefaultMaxConcurrent: 10,
		MaxConcurrentCap:     100,

		CacheRoot:       "~/.pflow/cache",
		DefaultCacheTTL: 24 * time.Hour,

		MaxTraceEvents:         10000,
		MaxEventPayloadBytes:   64 * 1024,
		MaxSharedSnapshotBytes: 256 * 1024,
		MaxParamBytes:          32 * 1024,
		MaxOutputBytes:         128 * 1024,

		SmartFilterThreshold: 30,
		SmartFilterMinPaths:  8,
		SmartFilterMaxPaths:  15,
		SmartFilterCacheSize: 100,

		RepairEnabled: true,
	}
}
