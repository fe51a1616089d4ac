package mid

import (
	"context"
	"net/http"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/riskscan/pkg/common/otel"
	"github.com/ahrav/riskscan/pkg/web"
)

// Otel opens a server span named after the matched route, stores the
// tracer in the context for downstream spans and marks the span failed on
// 5xx responses.
func Otel(tracer trace.Tracer) web.MidFunc {
	m := func(next web.HandlerFunc) web.HandlerFunc {
		h := func(ctx context.Context, r *http.Request) web.Encoder {
			route := web.RoutePattern(r)
			ctx, span := tracer.Start(ctx, route,
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					attribute.String("http.method", r.Method),
					attribute.String("http.route", route),
				),
			)
			defer span.End()

			ctx = otel.InjectTracing(ctx, tracer)
			resp := next(ctx, r)

			status := statusOf(resp)
			span.SetAttributes(attribute.Int("http.status_code", status))
			if status >= http.StatusInternalServerError {
				span.SetStatus(codes.Error, http.StatusText(status))
			}

			return resp
		}

		return h
	}

	return m
}
