package telemetry

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

var (
	metricsOnce        sync.Once
	sessionsTotal      otelmetric.Int64Counter
	subquestionsTotal  otelmetric.Int64Counter
	toolCallsTotal     otelmetric.Int64Counter
	toolLatency        otelmetric.Float64Histogram
	reasoningTotal     otelmetric.Int64Counter
	reasoningLatency   otelmetric.Float64Histogram
	reasoningTokens    otelmetric.Int64Counter
	progressEvents     otelmetric.Int64Counter
	sessionsInProgress otelmetric.Int64UpDownCounter
)

func initMetrics() {
	meter := otel.Meter("researcher")
	log := zap.L().Named("telemetry")
	check := func(name string, err error) {
		if err != nil {
			log.Warn("metric init failed", zap.String("metric", name), zap.Error(err))
		}
	}
	var err error
	sessionsTotal, err = meter.Int64Counter("research_sessions_total",
		otelmetric.WithDescription("Research sessions finished, by terminal status"))
	check("research_sessions_total", err)
	sessionsInProgress, err = meter.Int64UpDownCounter("research_sessions_in_progress",
		otelmetric.WithDescription("Research sessions not yet terminal"))
	check("research_sessions_in_progress", err)
	subquestionsTotal, err = meter.Int64Counter("research_subquestions_total",
		otelmetric.WithDescription("Sub-questions finished, by status"))
	check("research_subquestions_total", err)
	toolCallsTotal, err = meter.Int64Counter("research_tool_calls_total",
		otelmetric.WithDescription("Tool invocations, by tool and outcome"))
	check("research_tool_calls_total", err)
	toolLatency, err = meter.Float64Histogram("research_tool_latency_seconds",
		otelmetric.WithDescription("Tool invocation latency"), otelmetric.WithUnit("s"))
	check("research_tool_latency_seconds", err)
	reasoningTotal, err = meter.Int64Counter("research_reasoning_calls_total",
		otelmetric.WithDescription("Reasoning backend calls, by model and outcome"))
	check("research_reasoning_calls_total", err)
	reasoningLatency, err = meter.Float64Histogram("research_reasoning_latency_seconds",
		otelmetric.WithDescription("Reasoning backend latency"), otelmetric.WithUnit("s"))
	check("research_reasoning_latency_seconds", err)
	reasoningTokens, err = meter.Int64Counter("research_reasoning_tokens_total",
		otelmetric.WithDescription("Tokens consumed, by model and direction"))
	check("research_reasoning_tokens_total", err)
	progressEvents, err = meter.Int64Counter("research_progress_events_total",
		otelmetric.WithDescription("Progress events published, by kind"))
	check("research_progress_events_total", err)
}

func ensureMetrics() { metricsOnce.Do(initMetrics) }

// SessionStarted increments the in-progress gauge.
func SessionStarted(ctx context.Context) {
	ensureMetrics()
	if sessionsInProgress != nil {
		sessionsInProgress.Add(ctx, 1)
	}
}

// SessionFinished records a terminal session status.
func SessionFinished(ctx context.Context, status string) {
	ensureMetrics()
	if sessionsInProgress != nil {
		sessionsInProgress.Add(ctx, -1)
	}
	if sessionsTotal != nil {
		sessionsTotal.Add(ctx, 1, otelmetric.WithAttributes(attribute.String("status", status)))
	}
}

// SubQuestionFinished records a sub-question outcome.
func SubQuestionFinished(ctx context.Context, status string) {
	ensureMetrics()
	if subquestionsTotal != nil {
		subquestionsTotal.Add(ctx, 1, otelmetric.WithAttributes(attribute.String("status", status)))
	}
}

// ToolCalled records one tool invocation.
func ToolCalled(ctx context.Context, tool, outcome string, latency time.Duration) {
	ensureMetrics()
	attrs := otelmetric.WithAttributes(attribute.String("tool", tool), attribute.String("outcome", outcome))
	if toolCallsTotal != nil {
		toolCallsTotal.Add(ctx, 1, attrs)
	}
	if toolLatency != nil {
		toolLatency.Record(ctx, latency.Seconds(), attrs)
	}
}

// ReasoningCalled records one backend call and its token usage.
func ReasoningCalled(ctx context.Context, model, outcome string, latency time.Duration, promptTokens, completionTokens int) {
	ensureMetrics()
	attrs := otelmetric.WithAttributes(attribute.String("model", model), attribute.String("outcome", outcome))
	if reasoningTotal != nil {
		reasoningTotal.Add(ctx, 1, attrs)
	}
	if reasoningLatency != nil {
		reasoningLatency.Record(ctx, latency.Seconds(), attrs)
	}
	if reasoningTokens != nil {
		if promptTokens > 0 {
			reasoningTokens.Add(ctx, int64(promptTokens), otelmetric.WithAttributes(attribute.String("model", model), attribute.String("direction", "prompt")))
		}
		if completionTokens > 0 {
			reasoningTokens.Add(ctx, int64(completionTokens), otelmetric.WithAttributes(attribute.String("model", model), attribute.String("direction", "completion")))
		}
	}
}

// EventPublished counts a progress event.
func EventPublished(ctx context.Context, kind string) {
	ensureMetrics()
	if progressEvents != nil {
		progressEvents.Add(ctx, 1, otelmetric.WithAttributes(attribute.String("kind", kind)))
	}
}
