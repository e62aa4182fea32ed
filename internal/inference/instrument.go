// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package inference

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/jeranaias/imagehive/internal/model"
)

// =============================================================================
// INSTRUMENTED BACKEND
// =============================================================================

// instrumented wraps a Backend with a span and a duration histogram per call.
type instrumented struct {
	next     Backend
	dialect  Dialect
	model    string
	tracer   trace.Tracer
	duration metric.Float64Histogram
	deltas   metric.Int64Counter
}

// Instrument wraps b so every call is traced and timed. Instrument creation
// failures fall back to the unwrapped backend.
func Instrument(b Backend, cfg Config, tracer trace.Tracer, meter metric.Meter) Backend {
	if tracer == nil || meter == nil {
		return b
	}

	duration, err := meter.Float64Histogram(
		"backend_call_duration_ms",
		metric.WithDescription("Duration of inference backend calls in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return b
	}
	deltas, err := meter.Int64Counter(
		"backend_stream_deltas",
		metric.WithDescription("Text deltas received from streaming backend calls"),
	)
	if err != nil {
		return b
	}

	cfg = cfg.withDefaults()
	return &instrumented{
		next:     b,
		dialect:  cfg.Dialect,
		model:    cfg.Model,
		tracer:   tracer,
		duration: duration,
		deltas:   deltas,
	}
}

func (i *instrumented) Chat(ctx context.Context, messages []model.Message) (string, error) {
	ctx, span := i.start(ctx, "backend_chat", len(messages))
	defer span.End()

	start := time.Now()
	reply, err := i.next.Chat(ctx, messages)
	i.finish(ctx, span, "chat", start, err)
	return reply, err
}

func (i *instrumented) Stream(ctx context.Context, messages []model.Message, fn DeltaFunc) error {
	ctx, span := i.start(ctx, "backend_stream", len(messages))
	defer span.End()

	start := time.Now()
	var count int64
	err := i.next.Stream(ctx, messages, func(delta string) error {
		count++
		return fn(delta)
	})
	span.SetAttributes(attribute.Int64("stream.deltas", count))
	i.deltas.Add(ctx, count, metric.WithAttributes(attribute.String("dialect", string(i.dialect))))
	i.finish(ctx, span, "stream", start, err)
	return err
}

func (i *instrumented) ListModels(ctx context.Context) ([]string, error) {
	ctx, span := i.start(ctx, "backend_list_models", 0)
	defer span.End()

	start := time.Now()
	models, err := i.next.ListModels(ctx)
	span.SetAttributes(attribute.Int("models.count", len(models)))
	i.finish(ctx, span, "list_models", start, err)
	return models, err
}

func (i *instrumented) start(ctx context.Context, name string, messages int) (context.Context, trace.Span) {
	return i.tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("backend.dialect", string(i.dialect)),
		attribute.String("backend.model", i.model),
		attribute.Int("messages.count", messages),
	))
}

func (i *instrumented) finish(ctx context.Context, span trace.Span, op string, start time.Time, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
		var be *Error
		if errors.As(err, &be) {
			outcome = be.Type.String()
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}

	i.duration.Record(ctx, float64(time.Since(start).Milliseconds()), metric.WithAttributes(
		attribute.String("operation", op),
		attribute.String("dialect", string(i.dialect)),
		attribute.String("outcome", outcome),
	))
}
