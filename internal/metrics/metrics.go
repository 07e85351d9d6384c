package metrics

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

const instrumentationName = "github.com/example/navi"

var (
	meter = otel.Meter(instrumentationName)

	routerTokens, _     = meter.Int64Counter("navi.router.tokens", metric.WithDescription("Tokens recorded against routes"), metric.WithUnit("{token}"))
	routerCost, _       = meter.Float64Counter("navi.router.cost", metric.WithDescription("Cost recorded against routes"), metric.WithUnit("USD"))
	routerHops, _       = meter.Int64Counter("navi.router.fallback_hops", metric.WithDescription("Fallback hops taken by the model router"))
	routerExhausted, _  = meter.Int64Counter("navi.router.exhausted", metric.WithDescription("Routes that ran out of candidates"))
	taskOutcomes, _     = meter.Int64Counter("navi.tasks.finished", metric.WithDescription("Tasks reaching a terminal state"))
	toolExecutions, _   = meter.Int64Counter("navi.tools.executions", metric.WithDescription("Tool executions by kind and outcome"))
	indexBuilds, _      = meter.Int64Counter("navi.index.builds", metric.WithDescription("Workspace index builds by outcome"))
	verificationRuns, _ = meter.Int64Counter("navi.verification.runs", metric.WithDescription("Verification runs by tag"))
)

func RecordUsage(ctx context.Context, route, model string, tokens int, cost float64) {
	attrs := metric.WithAttributes(attribute.String("route", route), attribute.String("model", model))
	routerTokens.Add(ctx, int64(tokens), attrs)
	routerCost.Add(ctx, cost, attrs)
}

func FallbackHop(ctx context.Context, route, model, reason string) {
	routerHops.Add(ctx, 1, metric.WithAttributes(
		attribute.String("route", route),
		attribute.String("model", model),
		attribute.String("reason", reason)))
}

func RouteExhausted(ctx context.Context, route string) {
	routerExhausted.Add(ctx, 1, metric.WithAttributes(attribute.String("route", route)))
}

func TaskFinished(ctx context.Context, status string) {
	taskOutcomes.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

func ToolExecuted(ctx context.Context, kind string, ok bool) {
	toolExecutions.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind), attribute.Bool("ok", ok)))
}

func IndexBuilt(ctx context.Context, outcome string) {
	indexBuilds.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

func Verified(ctx context.Context, tag string) {
	verificationRuns.Add(ctx, 1, metric.WithAttributes(attribute.String("tag", tag)))
}

// InstallStdout registers a MeterProvider that periodically writes metrics to
// stdout. The returned func flushes and shuts the provider down.
func InstallStdout() (func(context.Context) error, error) {
	exporter, err := stdoutmetric.New()
	if err != nil {
		return nil, fmt.Errorf("create stdout metric exporter: %w", err)
	}
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter)))
	otel.SetMeterProvider(provider)
	return provider.Shutdown, nil
}
