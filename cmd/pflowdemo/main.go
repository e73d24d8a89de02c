// Command pflowdemo compiles and runs one pflow workflow document end to
// end: it loads the IR from a file, wires the stub node types (and the
// workflow-executor pseudo-node) into a registry, compiles, runs, and
// prints the resolved outputs as JSON. While running, it serves Prometheus
// metrics at /metrics, the same shape the wider engine ecosystem exposes
// for its own demo binaries.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/pflow-dev/pflow/pkg/cache"
	"github.com/pflow-dev/pflow/pkg/compiler"
	"github.com/pflow-dev/pflow/pkg/config"
	"github.com/pflow-dev/pflow/pkg/logging"
	"github.com/pflow-dev/pflow/pkg/registry"
	"github.com/pflow-dev/pflow/pkg/repair"
	"github.com/pflow-dev/pflow/pkg/runtime"
	"github.com/pflow-dev/pflow/pkg/store"
	"github.com/pflow-dev/pflow/pkg/stubnodes"
	"github.com/pflow-dev/pflow/pkg/subworkflow"
	"github.com/pflow-dev/pflow/pkg/telemetry"
	"github.com/pflow-dev/pflow/pkg/trace"
	"github.com/pflow-dev/pflow/pkg/types"
)

func main() {
	workflowPath := flag.String("workflow", "", "path to a workflow IR JSON document")
	inputsPath := flag.String("inputs", "", "path to a JSON object of declared workflow inputs (optional)")
	metricsAddr := flag.String("metrics-addr", ":9090", "address to serve /metrics on")
	validateOnly := flag.Bool("validate-only", false, "compile and validate without executing any node")
	flag.Parse()

	logger := logging.New(logging.DefaultConfig())

	if *workflowPath == "" {
		logger.Error("missing required -workflow flag")
		os.Exit(2)
	}

	cfg := config.Default()

	telemetryProvider, meterProvider, err := telemetry.NewProvider(context.Background(), telemetry.DefaultConfig())
	if err != nil {
		logger.Error("failed to start telemetry provider", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer func() {
		_ = meterProvider.Shutdown(context.Background())
	}()

	go serveMetrics(logger, telemetryProvider, *metricsAddr)

	doc, err := loadDocument(*workflowPath)
	if err != nil {
		logger.Error("failed to load workflow", slog.String("error", err.Error()))
		os.Exit(1)
	}

	inputs, err := loadInputs(*inputsPath)
	if err != nil {
		logger.Error("failed to load inputs", slog.String("error", err.Error()))
		os.Exit(1)
	}

	st := store.NewWithInputs(inputs)
	collector := trace.NewCollector(st.Coord.ExecutionID, cfg)
	logger = logger.WithExecutionID(st.Coord.ExecutionID)

	reg := registry.New()
	stubnodes.RegisterAll(reg)

	loader := subworkflow.MapLoader{}
	opts := compiler.Options{Config: cfg, Telemetry: telemetryProvider, Tracer: collector, Repairer: repair.NoOp{}}
	subworkflow.Register(reg, loader, opts)

	if *validateOnly {
		runValidateOnly(logger, doc, reg, inputs)
		return
	}

	flow, err := compiler.Compile(doc, reg, opts)
	if err != nil {
		logger.Error("compile failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	start := time.Now()
	result, err := runtime.Run(context.Background(), flow, st)
	telemetryProvider.RecordWorkflowExecution(context.Background(), err == nil && result != nil && !result.Failed, time.Since(start))
	if err != nil {
		logger.Error("run failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
	if result.Failed {
		logger.Error("workflow failed", slog.String("node", result.Error.NodeID), slog.String("category", string(result.Error.Category)))
		os.Exit(1)
	}

	cacheStore, err := cache.New(cfg)
	if err != nil {
		logger.Warn("execution cache unavailable", slog.String("error", err.Error()))
	} else if err := cacheStore.Write(cache.Entry{
		ExecutionID: result.ExecutionID,
		Timestamp:   float64(time.Now().Unix()),
		Outputs:     result.Outputs,
	}); err != nil {
		logger.Warn("failed to persist execution cache entry", slog.String("error", err.Error()))
	}

	out, _ := json.MarshalIndent(result.Outputs, "", "  ")
	fmt.Println(string(out))
}

func runValidateOnly(logger *logging.Logger, doc *types.Document, reg *registry.Registry, inputs map[string]any) {
	_, err := compiler.Compile(doc, reg, compiler.Options{Config: config.Default()})
	if err != nil {
		logger.Error("validation failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger.Info("workflow is valid")
}

func loadDocument(path string) (*types.Document, error) {
	body, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	return types.ParseDocument(body)
}

func loadInputs(path string) (map[string]any, error) {
	if path == "" {
		return nil, nil
	}
	body, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	var inputs map[string]any
	if err := json.Unmarshal(body, &inputs); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return inputs, nil
}

func serveMetrics(logger *logging.Logger, provider *telemetry.Provider, addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", provider.Handler())
	logger.Info("serving metrics", slog.String("addr", addr))
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Error("metrics server stopped", slog.String("error", err.Error()))
	}
}
