// Package configadmin binds the configuration admin endpoints. Every edit
// is validated against the whole configuration and takes effect from the
// next scan's snapshot.
package configadmin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/ahrav/riskscan/internal/api/errs"
	"github.com/ahrav/riskscan/internal/domain/config"
	"github.com/ahrav/riskscan/pkg/common/logger"
	"github.com/ahrav/riskscan/pkg/web"
)

// Admin is the configuration store as seen by the admin endpoints.
type Admin interface {
	Snapshot() *config.Snapshot
	UpsertCategory(ctx context.Context, c config.CategoryDefinition) error
	UpsertCheck(ctx context.Context, c config.CheckDefinition) error
	DeleteCheck(ctx context.Context, id string) error
	UpsertSource(ctx context.Context, src config.SourceConfig) error
	DeleteSource(ctx context.Context, name string) error
	UpsertOracle(ctx context.Context, o config.OracleConfig) error
	DeleteOracle(ctx context.Context, name string) error
	SetThresholds(ctx context.Context, ts []config.TierThreshold) error
	UpsertKnownSafe(ctx context.Context, e config.KnownSafeEntry) error
	DeleteKnownSafe(ctx context.Context, value string) error
	UpdateSettings(ctx context.Context, settings config.Settings) error
}

// Metrics is the subset of API metrics the admin handlers record.
type Metrics interface {
	IncConfigWrites(ctx context.Context, resource string)
}

// Config contains the dependencies needed by the admin handlers.
type Config struct {
	Log     *logger.Logger
	Admin   Admin
	Metrics Metrics
}

const maxBodyBytes = 1 << 20

const group = "v1/config"

// Routes binds all the configuration endpoints.
func Routes(app *web.App, cfg Config) {
	app.HandlerFunc(http.MethodGet, group, "", current(cfg))

	app.HandlerFunc(http.MethodPut, group, "/categories/{name}", upsertCategory(cfg))

	app.HandlerFunc(http.MethodPut, group, "/checks/{id}", upsertCheck(cfg))
	app.HandlerFunc(http.MethodDelete, group, "/checks/{id}", remove(cfg, "checks", "id", cfg.Admin.DeleteCheck))

	app.HandlerFunc(http.MethodPut, group, "/sources/{name}", upsertSource(cfg))
	app.HandlerFunc(http.MethodDelete, group, "/sources/{name}", remove(cfg, "sources", "name", cfg.Admin.DeleteSource))

	app.HandlerFunc(http.MethodPut, group, "/oracles/{name}", upsertOracle(cfg))
	app.HandlerFunc(http.MethodDelete, group, "/oracles/{name}", remove(cfg, "oracles", "name", cfg.Admin.DeleteOracle))

	app.HandlerFunc(http.MethodPut, group, "/thresholds", setThresholds(cfg))

	app.HandlerFunc(http.MethodPut, group, "/known-safe/{value}", upsertKnownSafe(cfg))
	app.HandlerFunc(http.MethodDelete, group, "/known-safe/{value}", remove(cfg, "known_safe", "value", cfg.Admin.DeleteKnownSafe))

	app.HandlerFunc(http.MethodPut, group, "/settings", updateSettings(cfg))
}

// snapshotResponse is the redacted configuration.
type snapshotResponse struct {
	*config.Snapshot
}

// Encode implements the web.Encoder interface.
func (sr snapshotResponse) Encode() ([]byte, string, error) {
	data, err := json.Marshal(sr.Snapshot)
	if err != nil {
		return nil, "", err
	}
	return data, "application/json", nil
}

// writeResponse reports the snapshot version that carries an edit.
type writeResponse struct {
	Version uint64 `json:"version"`
}

// Encode implements the web.Encoder interface.
func (wr writeResponse) Encode() ([]byte, string, error) {
	data, err := json.Marshal(wr)
	if err != nil {
		return nil, "", err
	}
	return data, "application/json", nil
}

func current(cfg Config) web.HandlerFunc {
	return func(ctx context.Context, r *http.Request) web.Encoder {
		return snapshotResponse{cfg.Admin.Snapshot().Redacted()}
	}
}

// decode reads a JSON body into T, rejecting unknown fields.
func decode[T any](r *http.Request) (T, error) {
	var v T
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&v); err != nil {
		return v, fmt.Errorf("decoding request: %w", err)
	}
	return v, nil
}

// pathKey returns the unescaped route parameter, reconciled with the key
// given in the body. An empty body key takes the path value.
func pathKey(r *http.Request, param, body string) (string, error) {
	key, err := url.PathUnescape(web.Param(r, param))
	if err != nil {
		return "", fmt.Errorf("invalid %s: %w", param, err)
	}
	if body != "" && body != key {
		return "", fmt.Errorf("%s %q in body does not match path %q", param, body, key)
	}
	return key, nil
}

// write runs an edit and maps store errors to API errors.
func write(ctx context.Context, cfg Config, resource string, edit func() error) web.Encoder {
	if err := edit(); err != nil {
		switch {
		case errors.Is(err, config.ErrNotFound):
			return errs.New(errs.NotFound, err)
		case errors.Is(err, config.ErrInvalidConfig):
			return errs.New(errs.InvalidArgument, err)
		}
		return errs.New(errs.Internal, err)
	}

	cfg.Metrics.IncConfigWrites(ctx, resource)
	version := cfg.Admin.Snapshot().Version
	cfg.Log.Info(ctx, "config edit applied", "resource", resource, "version", version)
	return writeResponse{Version: version}
}

func upsertCategory(cfg Config) web.HandlerFunc {
	return func(ctx context.Context, r *http.Request) web.Encoder {
		c, err := decode[config.CategoryDefinition](r)
		if err != nil {
			return errs.New(errs.InvalidArgument, err)
		}
		if c.Name, err = pathKey(r, "name", c.Name); err != nil {
			return errs.New(errs.InvalidArgument, err)
		}
		return write(ctx, cfg, "categories", func() error { return cfg.Admin.UpsertCategory(ctx, c) })
	}
}

func upsertCheck(cfg Config) web.HandlerFunc {
	return func(ctx context.Context, r *http.Request) web.Encoder {
		c, err := decode[config.CheckDefinition](r)
		if err != nil {
			return errs.New(errs.InvalidArgument, err)
		}
		if c.ID, err = pathKey(r, "id", c.ID); err != nil {
			return errs.New(errs.InvalidArgument, err)
		}
		return write(ctx, cfg, "checks", func() error { return cfg.Admin.UpsertCheck(ctx, c) })
	}
}

func upsertSource(cfg Config) web.HandlerFunc {
	return func(ctx context.Context, r *http.Request) web.Encoder {
		src, err := decode[config.SourceConfig](r)
		if err != nil {
			return errs.New(errs.InvalidArgument, err)
		}
		if src.Name, err = pathKey(r, "name", src.Name); err != nil {
			return errs.New(errs.InvalidArgument, err)
		}
		return write(ctx, cfg, "sources", func() error { return cfg.Admin.UpsertSource(ctx, src) })
	}
}

func upsertOracle(cfg Config) web.HandlerFunc {
	return func(ctx context.Context, r *http.Request) web.Encoder {
		o, err := decode[config.OracleConfig](r)
		if err != nil {
			return errs.New(errs.InvalidArgument, err)
		}
		if o.Name, err = pathKey(r, "name", o.Name); err != nil {
			return errs.New(errs.InvalidArgument, err)
		}
		return write(ctx, cfg, "oracles", func() error { return cfg.Admin.UpsertOracle(ctx, o) })
	}
}

func setThresholds(cfg Config) web.HandlerFunc {
	return func(ctx context.Context, r *http.Request) web.Encoder {
		ts, err := decode[[]config.TierThreshold](r)
		if err != nil {
			return errs.New(errs.InvalidArgument, err)
		}
		return write(ctx, cfg, "thresholds", func() error { return cfg.Admin.SetThresholds(ctx, ts) })
	}
}

func upsertKnownSafe(cfg Config) web.HandlerFunc {
	return func(ctx context.Context, r *http.Request) web.Encoder {
		e, err := decode[config.KnownSafeEntry](r)
		if err != nil {
			return errs.New(errs.InvalidArgument, err)
		}
		if e.Value, err = pathKey(r, "value", e.Value); err != nil {
			return errs.New(errs.InvalidArgument, err)
		}
		return write(ctx, cfg, "known_safe", func() error { return cfg.Admin.UpsertKnownSafe(ctx, e) })
	}
}

func updateSettings(cfg Config) web.HandlerFunc {
	return func(ctx context.Context, r *http.Request) web.Encoder {
		s, err := decode[config.Settings](r)
		if err != nil {
			return errs.New(errs.InvalidArgument, err)
		}
		return write(ctx, cfg, "settings", func() error { return cfg.Admin.UpdateSettings(ctx, s) })
	}
}

func remove(cfg Config, resource, param string, del func(context.Context, string) error) web.HandlerFunc {
	return func(ctx context.Context, r *http.Request) web.Encoder {
		key, err := pathKey(r, param, "")
		if err != nil {
			return errs.New(errs.InvalidArgument, err)
		}
		return write(ctx, cfg, resource, func() error { return del(ctx, key) })
	}
}
