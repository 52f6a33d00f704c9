// Package otel holds span helpers and attribute keys shared by the sync loops,
// the worker and the index client.
package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Attribute keys used across the sync subsystem.
const (
	AttrLoop       = attribute.Key("docsync.loop")
	AttrFenceKind  = attribute.Key("docsync.fence.kind")
	AttrEntityID   = attribute.Key("docsync.entity.id")
	AttrTaskName   = attribute.Key("docsync.task.name")
	AttrTaskID     = attribute.Key("docsync.task.id")
	AttrQueue      = attribute.Key("docsync.queue")
	AttrRetries    = attribute.Key("docsync.task.retries")
	AttrTaskCount  = attribute.Key("docsync.task.count")
	AttrDocumentID = attribute.Key("docsync.document.id")
)

// StartSpan starts a new span if the tracer is non-nil, otherwise it returns
// the span already in ctx.
func StartSpan(
	ctx context.Context,
	tracer trace.Tracer,
	name string,
	opts ...trace.SpanStartOption,
) (context.Context, trace.Span) {
	if tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return tracer.Start(ctx, name, opts...)
}

// RecordError records err on span and marks the span failed. The status
// description stays generic so SQL and connection strings never reach it.
func RecordError(span trace.Span, err error) {
	if err != nil && span != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "operation failed")
	}
}
