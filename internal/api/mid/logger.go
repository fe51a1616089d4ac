package mid

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/ahrav/riskscan/pkg/common/logger"
	"github.com/ahrav/riskscan/pkg/web"
)

// Logger writes information about the request to the logs.
func Logger(log *logger.Logger) web.MidFunc {
	m := func(next web.HandlerFunc) web.HandlerFunc {
		h := func(ctx context.Context, r *http.Request) web.Encoder {
			now := web.GetTime(ctx)

			path := r.URL.Path
			if r.URL.RawQuery != "" {
				path = fmt.Sprintf("%s?%s", path, r.URL.RawQuery)
			}

			log.Debug(ctx, "request started", "method", r.Method, "path", path, "remoteaddr", r.RemoteAddr)

			resp := next(ctx, r)

			log.Info(ctx, "request completed",
				"method", r.Method,
				"path", path,
				"remoteaddr", r.RemoteAddr,
				"statuscode", statusOf(resp),
				"since", time.Since(now).String(),
			)

			return resp
		}

		return h
	}

	return m
}
