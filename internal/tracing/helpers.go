// Package tracing provides OpenTelemetry distributed tracing setup and utilities.
package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	tracerName   = "hookpulse"
	dbTracerName = "hookpulse/db"
)

// DBOperation represents the type of database operation being traced.
type DBOperation string

const (
	// DBOperationQuery represents a SELECT query.
	DBOperationQuery DBOperation = "query"
	// DBOperationInsert represents an INSERT or upsert.
	DBOperationInsert DBOperation = "insert"
	// DBOperationUpdate represents an UPDATE operation.
	DBOperationUpdate DBOperation = "update"
	// DBOperationDelete represents a DELETE operation.
	DBOperationDelete DBOperation = "delete"
	// DBOperationExec represents a generic EXEC operation.
	DBOperationExec DBOperation = "exec"
)

// dbSystem maps a store dialect to the OpenTelemetry db.system value.
func dbSystem(dialect string) string {
	switch dialect {
	case "postgres", "postgresql":
		return "postgresql"
	case "":
		return "other_sql"
	}
	return dialect
}

// StartDBSpan creates a new span for a database operation against the given
// dialect ("sqlite" or "postgres"). Returns the new context and a function to
// end the span.
//
// Example usage:
//
//	ctx, endSpan := tracing.StartDBSpan(ctx, "sqlite", "events", tracing.DBOperationInsert)
//	defer endSpan(err)
func StartDBSpan(ctx context.Context, dialect, table string, operation DBOperation) (context.Context, func(error)) {
	tracer := otel.Tracer(dbTracerName)

	spanName := string(operation)
	if table != "" {
		spanName = spanName + " " + table
	}

	ctx, span := tracer.Start(ctx, spanName,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("db.system", dbSystem(dialect)),
			attribute.String("db.operation", string(operation)),
		),
	)

	if table != "" {
		span.SetAttributes(attribute.String("db.sql.table", table))
	}

	return ctx, endFunc(span)
}

// StartSpan creates a new span for a general operation.
//
//	ctx, endSpan := tracing.StartSpan(ctx, "score_recompute")
//	defer endSpan(err)
func StartSpan(ctx context.Context, name string) (context.Context, func(error)) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, name)
	return ctx, endFunc(span)
}

// StartStageSpan creates a span for one pipeline stage applied to a session's event.
func StartStageSpan(ctx context.Context, stage, sessionID, eventID string) (context.Context, func(error)) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "pipeline."+stage,
		trace.WithAttributes(
			attribute.String("hook.session_id", sessionID),
			attribute.String("hook.event_id", eventID),
		),
	)
	return ctx, endFunc(span)
}

func endFunc(span trace.Span) func(error) {
	return func(err error) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}
}

// AddEvent adds an event to the current span.
func AddEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	span := trace.SpanFromContext(ctx)
	span.AddEvent(name, trace.WithAttributes(attrs...))
}

// SetAttributes sets attributes on the current span.
func SetAttributes(ctx context.Context, attrs ...attribute.KeyValue) {
	span := trace.SpanFromContext(ctx)
	span.SetAttributes(attrs...)
}
