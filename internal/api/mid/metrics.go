package mid

import (
	"context"
	"net/http"
	"time"

	"github.com/ahrav/riskscan/pkg/web"
)

// RequestRecorder receives one observation per handled request.
type RequestRecorder interface {
	IncRequestsTotal(ctx context.Context, method, path string, status int)
	ObserveRequestDuration(ctx context.Context, method, path string, duration time.Duration)
}

// Metrics records request counts and latencies keyed by route pattern, so
// path parameters do not explode label cardinality.
func Metrics(rec RequestRecorder) web.MidFunc {
	m := func(next web.HandlerFunc) web.HandlerFunc {
		h := func(ctx context.Context, r *http.Request) web.Encoder {
			resp := next(ctx, r)

			route := web.RoutePattern(r)
			rec.IncRequestsTotal(ctx, r.Method, route, statusOf(resp))
			rec.ObserveRequestDuration(ctx, r.Method, route, time.Since(web.GetTime(ctx)))

			return resp
		}

		return h
	}

	return m
}
