package routes

import (
	"github.com/ahrav/riskscan/internal/api/mux"
	"github.com/ahrav/riskscan/internal/api/routes/configadmin"
	"github.com/ahrav/riskscan/internal/api/routes/health"
	"github.com/ahrav/riskscan/internal/api/routes/scan"
	"github.com/ahrav/riskscan/pkg/web"
)

// Routes constructs an add value which provides the implementation of
// RouteAdder for specifying what routes to bind to this instance.
func Routes() add {
	return add{}
}

type add struct{}

// Add implements the RouteAdder interface.
func (add) Add(app *web.App, cfg mux.Config) {
	// Health check routes
	health.Routes(app, health.Config{
		Build:  cfg.Build,
		Log:    cfg.Log,
		Probes: cfg.Readiness,
	})

	// Scan routes
	scan.Routes(app, scan.Config{
		Log:     cfg.Log,
		Scanner: cfg.Scanner,
		Events:  cfg.Events,
		Metrics: cfg.Metrics,
	})

	// Configuration admin routes
	configadmin.Routes(app, configadmin.Config{
		Log:     cfg.Log,
		Admin:   cfg.ConfigAdmin,
		Metrics: cfg.Metrics,
	})
}
