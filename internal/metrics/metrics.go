// Package metrics exposes the engine's instrumentation surface through the
// OpenTelemetry metric API. Counter and histogram names are part of the
// operational contract; labels are attached per call site.
package metrics

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/loomworks/loom/pkg/api"
)

// Metrics bundles the engine's instruments
type Metrics struct {
	stepDuration     metric.Float64Histogram
	stepErrors       metric.Int64Counter
	stepRetries      metric.Int64Counter
	authInjections   metric.Int64Counter
	validationErrors metric.Int64Counter
}

const meterName = "github.com/loomworks/loom"

// New creates the engine instruments on the provided meter. Pass a nil
// meter to use the globally registered provider.
func New(meter metric.Meter) (*Metrics, error) {
	if meter == nil {
		meter = otel.Meter(meterName)
	}

	stepDuration, err := meter.Float64Histogram("step_execution_seconds",
		metric.WithDescription("Wall time of step routine execution"),
		metric.WithUnit("s"))
	if err != nil {
		return nil, err
	}
	stepErrors, err := meter.Int64Counter("step_errors_total",
		metric.WithDescription("Step routine failures"))
	if err != nil {
		return nil, err
	}
	stepRetries, err := meter.Int64Counter("step_retries_total",
		metric.WithDescription("Step routine retry entries"))
	if err != nil {
		return nil, err
	}
	authInjections, err := meter.Int64Counter("auth_injection_total",
		metric.WithDescription("Auth header resolution attempts"))
	if err != nil {
		return nil, err
	}
	validationErrors, err := meter.Int64Counter("validation_errors_total",
		metric.WithDescription("Input validation failures"))
	if err != nil {
		return nil, err
	}

	return &Metrics{
		stepDuration:     stepDuration,
		stepErrors:       stepErrors,
		stepRetries:      stepRetries,
		authInjections:   authInjections,
		validationErrors: validationErrors,
	}, nil
}

// ObserveStepDuration records the wall time of one step routine
func (m *Metrics) ObserveStepDuration(
	ctx context.Context, org api.OrgID, flow api.FlowID, stepKey api.StepID,
	seconds float64,
) {
	if m == nil {
		return
	}
	m.stepDuration.Record(ctx, seconds, metric.WithAttributes(
		stepAttrs(org, flow, stepKey)...))
}

// IncStepError counts one step failure
func (m *Metrics) IncStepError(
	ctx context.Context, org api.OrgID, flow api.FlowID, stepKey api.StepID,
) {
	if m == nil {
		return
	}
	m.stepErrors.Add(ctx, 1, metric.WithAttributes(
		stepAttrs(org, flow, stepKey)...))
}

// IncStepRetry counts one retry entry of a step routine
func (m *Metrics) IncStepRetry(
	ctx context.Context, org api.OrgID, flow api.FlowID, stepKey api.StepID,
) {
	if m == nil {
		return
	}
	m.stepRetries.Add(ctx, 1, metric.WithAttributes(
		stepAttrs(org, flow, stepKey)...))
}

// IncAuthInjection counts one auth header resolution attempt, including
// those that resolve to no auth at all
func (m *Metrics) IncAuthInjection(
	ctx context.Context, org api.OrgID, stepID api.StepID,
	stepType api.StepType, toolName string, authType api.AuthType,
) {
	if m == nil {
		return
	}
	m.authInjections.Add(ctx, 1, metric.WithAttributes(
		attribute.String("org", string(org)),
		attribute.String("stepId", string(stepID)),
		attribute.String("stepType", string(stepType)),
		attribute.String("toolName", toolName),
		attribute.String("authType", string(authType))))
}

// IncValidationError counts one rejected input
func (m *Metrics) IncValidationError(
	ctx context.Context, org api.OrgID, actionKey, context_, errorType string,
) {
	if m == nil {
		return
	}
	m.validationErrors.Add(ctx, 1, metric.WithAttributes(
		attribute.String("org", string(org)),
		attribute.String("actionKey", actionKey),
		attribute.String("context", context_),
		attribute.String("errorType", errorType)))
}

func stepAttrs(
	org api.OrgID, flow api.FlowID, stepKey api.StepID,
) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("org", string(org)),
		attribute.String("flow", string(flow)),
		attribute.String("stepKey", string(stepKey)),
	}
}
