// Package mux provides support to bind domain level routes
// to the application mux.
package mux

import (
	"context"
	"net/http"

	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/riskscan/internal/api"
	"github.com/ahrav/riskscan/internal/api/mid"
	"github.com/ahrav/riskscan/internal/api/routes/configadmin"
	"github.com/ahrav/riskscan/internal/api/routes/health"
	"github.com/ahrav/riskscan/internal/api/routes/scan"
	"github.com/ahrav/riskscan/internal/domain/events"
	"github.com/ahrav/riskscan/pkg/common/logger"
	"github.com/ahrav/riskscan/pkg/web"
)

// Options represent optional parameters.
type Options struct {
	corsOrigin []string
}

// WithCORS provides configuration options for CORS.
func WithCORS(origins []string) func(opts *Options) {
	return func(opts *Options) {
		opts.corsOrigin = origins
	}
}

// Config contains all the mandatory systems required by handlers.
type Config struct {
	Build       string
	Log         *logger.Logger
	Tracer      trace.Tracer
	Metrics     api.APIMetrics
	Scanner     scan.Scanner
	Events      events.Subscriber
	ConfigAdmin configadmin.Admin
	Readiness   []health.Probe
}

// RouteAdder defines behavior that sets the routes to bind for an instance
// of the service.
type RouteAdder interface {
	Add(app *web.App, cfg Config)
}

// WebAPI constructs a http.Handler with all application routes bound.
func WebAPI(cfg Config, routeAdder RouteAdder, options ...func(opts *Options)) http.Handler {
	if cfg.Metrics == nil {
		cfg.Metrics = api.NopMetrics{}
	}

	logger := func(ctx context.Context, msg string, args ...any) {
		cfg.Log.Info(ctx, msg, args...)
	}

	app := web.NewApp(
		logger,
		cfg.Tracer,
		mid.Otel(cfg.Tracer),
		mid.Logger(cfg.Log),
		mid.Errors(cfg.Log),
		mid.Metrics(cfg.Metrics),
		mid.Panics(),
	)

	var opts Options
	for _, option := range options {
		option(&opts)
	}

	if len(opts.corsOrigin) > 0 {
		app.EnableCORS(opts.corsOrigin)
	}

	routeAdder.Add(app, cfg)

	return app
}
