// Package telemetry wires the client's OpenTelemetry instrumentation:
// counters for local/remote evaluations and rule-set lifecycle, a load
// duration histogram, and a tracer for evaluation spans. Only the API
// packages are used; exporter setup belongs to the host application.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const (
	meterName  = "pennant"
	tracerName = "pennant"
)

// Provider holds the instruments shared by the client and the poller.
type Provider struct {
	tracer trace.Tracer
	meter  metric.Meter

	localEvaluations  metric.Int64Counter
	remoteEvaluations metric.Int64Counter
	inconclusive      metric.Int64Counter
	loadSuccess       metric.Int64Counter
	loadFailure       metric.Int64Counter
	quotaLimited      metric.Int64Counter
	loadDuration      metric.Float64Histogram
}

// New creates a Provider against the global tracer and meter providers.
func New() (*Provider, error) {
	p := &Provider{
		tracer: otel.Tracer(tracerName),
		meter:  otel.Meter(meterName),
	}
	if err := p.initMetrics(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Provider) initMetrics() error {
	var err error

	p.localEvaluations, err = p.meter.Int64Counter(
		"pennant.evaluations.local",
		metric.WithDescription("Flag evaluations answered from the local rule set"),
	)
	if err != nil {
		return err
	}

	p.remoteEvaluations, err = p.meter.Int64Counter(
		"pennant.evaluations.remote",
		metric.WithDescription("Flag evaluations answered by the remote endpoint"),
	)
	if err != nil {
		return err
	}

	p.inconclusive, err = p.meter.Int64Counter(
		"pennant.evaluations.inconclusive",
		metric.WithDescription("Local evaluations that could not be decided and fell back"),
	)
	if err != nil {
		return err
	}

	p.loadSuccess, err = p.meter.Int64Counter(
		"pennant.ruleset.load.success",
		metric.WithDescription("Successful rule set loads"),
	)
	if err != nil {
		return err
	}

	p.loadFailure, err = p.meter.Int64Counter(
		"pennant.ruleset.load.failure",
		metric.WithDescription("Failed rule set loads"),
	)
	if err != nil {
		return err
	}

	p.quotaLimited, err = p.meter.Int64Counter(
		"pennant.ruleset.quota_limited",
		metric.WithDescription("Rule set fetches rejected for quota exhaustion"),
	)
	if err != nil {
		return err
	}

	p.loadDuration, err = p.meter.Float64Histogram(
		"pennant.ruleset.load.duration",
		metric.WithDescription("Duration of rule set load operations"),
		metric.WithUnit("ms"),
	)
	return err
}

// StartSpan opens a span named name with the given flag key attribute.
func (p *Provider) StartSpan(ctx context.Context, name, flagKey string) (context.Context, trace.Span) {
	return p.tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("flag.key", flagKey),
	))
}

// RecordEvaluation counts one resolved flag lookup.
func (p *Provider) RecordEvaluation(ctx context.Context, flagKey string, locally bool) {
	attrs := metric.WithAttributes(attribute.String("flag.key", flagKey))
	if locally {
		p.localEvaluations.Add(ctx, 1, attrs)
	} else {
		p.remoteEvaluations.Add(ctx, 1, attrs)
	}
}

// RecordInconclusive counts one local evaluation that had to fall back.
func (p *Provider) RecordInconclusive(ctx context.Context, flagKey string) {
	p.inconclusive.Add(ctx, 1, metric.WithAttributes(attribute.String("flag.key", flagKey)))
}

// RecordRuleSetLoad counts one load attempt and its duration.
func (p *Provider) RecordRuleSetLoad(ctx context.Context, ok bool, elapsed time.Duration, flagCount int) {
	p.loadDuration.Record(ctx, float64(elapsed.Milliseconds()))
	if ok {
		p.loadSuccess.Add(ctx, 1, metric.WithAttributes(attribute.Int("flags.count", flagCount)))
	} else {
		p.loadFailure.Add(ctx, 1)
	}
}

// RecordQuotaLimited counts one quota-limited response.
func (p *Provider) RecordQuotaLimited(ctx context.Context) {
	p.quotaLimited.Add(ctx, 1)
}
