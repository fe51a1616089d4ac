package web

import (
	"context"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/trace"
)

type ctxKey int

const key ctxKey = 1

type values struct {
	TraceID    string
	Tracer     trace.Tracer
	Now        time.Time
	StatusCode int
	Writer     http.ResponseWriter
}

func setValues(ctx context.Context, v *values) context.Context {
	return context.WithValue(ctx, key, v)
}

func getValues(ctx context.Context) *values {
	v, ok := ctx.Value(key).(*values)
	if !ok {
		return &values{TraceID: "00000000-0000-0000-0000-000000000000", Now: time.Now()}
	}
	return v
}

// GetTraceID returns the trace id from the context.
func GetTraceID(ctx context.Context) string { return getValues(ctx).TraceID }

// GetTime returns the time the request started.
func GetTime(ctx context.Context) time.Time { return getValues(ctx).Now }

// GetStatusCode returns the status code written for the request.
func GetStatusCode(ctx context.Context) int { return getValues(ctx).StatusCode }

// GetWriter returns the underlying writer for the request.
func GetWriter(ctx context.Context) http.ResponseWriter { return getValues(ctx).Writer }

func setStatusCode(ctx context.Context, statusCode int) {
	if v, ok := ctx.Value(key).(*values); ok {
		v.StatusCode = statusCode
	}
}
