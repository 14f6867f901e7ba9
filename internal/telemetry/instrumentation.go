package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// Span and metric attributes must stay low-cardinality: operation names,
// statuses and client types only. Download ids, names and paths belong in
// logs, which carry the trace_id for correlation.

const (
	statusSuccess = "success"
	statusError   = "error"
)

// InstrumentedFunc represents a function that can be instrumented.
type InstrumentedFunc func(ctx context.Context) error

// InstrumentOperation runs fn inside a span.
func (t *Telemetry) InstrumentOperation(ctx context.Context, operationName, component string, fn InstrumentedFunc) error {
	if t == nil || t.tracer == nil {
		return fn(ctx)
	}

	ctx, span := t.tracer.Start(ctx, operationName)
	defer span.End()

	span.SetAttributes(
		attribute.String("component", component),
		attribute.String("operation", operationName),
	)

	err := fn(ctx)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
	}

	span.SetAttributes(attribute.String("status", statusOf(err)))

	return err
}

// InstrumentDBOperation instruments state store operations.
func (t *Telemetry) InstrumentDBOperation(ctx context.Context, operation string, fn InstrumentedFunc) error {
	if t == nil {
		return fn(ctx)
	}

	start := time.Now()
	err := t.InstrumentOperation(ctx, "db_"+operation, "database", fn)

	t.RecordDBOperation(ctx, operation, statusOf(err), time.Since(start))

	return err
}

// InstrumentClientOperation instruments torrent client operations.
func (t *Telemetry) InstrumentClientOperation(ctx context.Context, client, operation string, fn InstrumentedFunc) error {
	if t == nil {
		return fn(ctx)
	}

	err := t.InstrumentOperation(ctx, "client_"+operation, "torrent_client", fn)

	t.RecordClientOperation(ctx, client, operation, statusOf(err))

	return err
}

// InstrumentCycle instruments a whole sync cycle.
func (t *Telemetry) InstrumentCycle(ctx context.Context, fn InstrumentedFunc) error {
	if t == nil {
		return fn(ctx)
	}

	start := time.Now()
	err := t.InstrumentOperation(ctx, "sync_cycle", "syncer", fn)

	t.RecordCycle(ctx, statusOf(err), time.Since(start))

	return err
}

func statusOf(err error) string {
	if err != nil {
		return statusError
	}

	return statusSuccess
}
