package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/ahrav/riskscan/internal/api/errs"
	"github.com/ahrav/riskscan/pkg/common/logger"
	"github.com/ahrav/riskscan/pkg/web"
)

// Probe is one dependency consulted by the readiness endpoint.
type Probe struct {
	Name  string
	Check func(ctx context.Context) error
	// Optional probes are reported but never fail readiness.
	Optional bool
}

// Config contains all the mandatory systems required by handlers.
type Config struct {
	Build  string
	Log    *logger.Logger
	Probes []Probe
}

const probeTimeout = 2 * time.Second

// Routes binds all the health check endpoints.
func Routes(app *web.App, cfg Config) {
	app.HandlerFuncNoMid(http.MethodGet, "", "/v1/liveness", liveness(cfg))
	app.HandlerFuncNoMid(http.MethodGet, "", "/v1/readiness", readiness(cfg))
}

// healthResponse represents the response for health check.
type healthResponse struct {
	Status string `json:"status"`
	Build  string `json:"build"`
}

// Encode implements the web.Encoder interface.
func (hr healthResponse) Encode() ([]byte, string, error) {
	data, err := json.Marshal(hr)
	if err != nil {
		return nil, "", err
	}
	return data, "application/json", nil
}

// readyResponse represents the response for readiness check.
type readyResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Encode implements the web.Encoder interface.
func (rr readyResponse) Encode() ([]byte, string, error) {
	data, err := json.Marshal(rr)
	if err != nil {
		return nil, "", err
	}
	return data, "application/json", nil
}

func liveness(cfg Config) web.HandlerFunc {
	return func(ctx context.Context, r *http.Request) web.Encoder {
		return healthResponse{
			Status: "ok",
			Build:  cfg.Build,
		}
	}
}

func readiness(cfg Config) web.HandlerFunc {
	return func(ctx context.Context, r *http.Request) web.Encoder {
		ctx, cancel := context.WithTimeout(ctx, probeTimeout)
		defer cancel()

		resp := readyResponse{Status: "ready", Checks: make(map[string]string, len(cfg.Probes))}
		var failed []string
		for _, p := range cfg.Probes {
			if err := p.Check(ctx); err != nil {
				resp.Checks[p.Name] = err.Error()
				if !p.Optional {
					failed = append(failed, p.Name)
				}
				continue
			}
			resp.Checks[p.Name] = "ok"
		}

		if len(failed) > 0 {
			cfg.Log.Warn(ctx, "readiness failure", "failed", failed)
			return errs.Newf(errs.Unavailable, "not ready: %v", failed)
		}
		return resp
	}
}
