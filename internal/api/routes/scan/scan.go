package scan

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ahrav/riskscan/internal/api/errs"
	"github.com/ahrav/riskscan/internal/domain/events"
	domain "github.com/ahrav/riskscan/internal/domain/scanning"
	"github.com/ahrav/riskscan/pkg/common/logger"
	"github.com/ahrav/riskscan/pkg/web"
)

// Scanner runs scans and looks up stored results.
type Scanner interface {
	Scan(ctx context.Context, req domain.ScanRequest) (domain.ScanResult, error)
	Result(ctx context.Context, requestID string) (domain.ScanResult, error)
}

// Metrics is the subset of API metrics the scan handlers record.
type Metrics interface {
	IncScanRequestsTotal(ctx context.Context, kind string)
	IncScanRequestErrors(ctx context.Context, reason string)
	StreamOpened(ctx context.Context)
	StreamClosed(ctx context.Context, delivered int)
}

// Config contains the dependencies needed by the scan handlers.
type Config struct {
	Log     *logger.Logger
	Scanner Scanner
	Events  events.Subscriber
	Metrics Metrics
	// KeepAlive is the interval between comment frames on idle event
	// streams. Zero selects the default.
	KeepAlive time.Duration
}

const defaultKeepAlive = 15 * time.Second

// maxRequestBytes bounds a scan request body; message and file text targets
// are the large ones.
const maxRequestBytes = 1 << 20

// Routes binds all the scan endpoints.
func Routes(app *web.App, cfg Config) {
	if cfg.KeepAlive <= 0 {
		cfg.KeepAlive = defaultKeepAlive
	}

	app.HandlerFunc(http.MethodPost, "", "/v1/scan", start(cfg))
	app.HandlerFunc(http.MethodGet, "", "/v1/scan/{id}", result(cfg))
	app.RawHandlerFunc(http.MethodGet, "", "/v1/scan/{id}/events", stream(cfg))
}

// scanRequest represents the request payload for a scan.
type scanRequest struct {
	Target    string `json:"target" validate:"required"`
	Kind      string `json:"kind"`
	RequestID string `json:"request_id" validate:"omitempty,max=128,printascii,excludesall=/?#"`
}

// resultResponse wraps a scan result for the web framework.
type resultResponse struct {
	domain.ScanResult
}

// Encode implements the web.Encoder interface.
func (rr resultResponse) Encode() ([]byte, string, error) {
	data, err := json.Marshal(rr.ScanResult)
	if err != nil {
		return nil, "", err
	}
	return data, "application/json", nil
}

func start(cfg Config) web.HandlerFunc {
	return func(ctx context.Context, r *http.Request) web.Encoder {
		var req scanRequest
		if err := json.NewDecoder(io.LimitReader(r.Body, maxRequestBytes)).Decode(&req); err != nil {
			cfg.Metrics.IncScanRequestErrors(ctx, "decode")
			return errs.New(errs.InvalidArgument, err)
		}

		if err := errs.Check(req); err != nil {
			cfg.Metrics.IncScanRequestErrors(ctx, "validation")
			return errs.New(errs.InvalidArgument, err)
		}

		kind := domain.TargetKindURL
		if req.Kind != "" {
			k, err := domain.ParseTargetKind(req.Kind)
			if err != nil {
				cfg.Metrics.IncScanRequestErrors(ctx, "validation")
				return errs.New(errs.InvalidArgument, err)
			}
			kind = k
		}
		cfg.Metrics.IncScanRequestsTotal(ctx, kind.String())

		res, err := cfg.Scanner.Scan(ctx, domain.NewScanRequest(req.Target, kind, req.RequestID))
		if err != nil {
			switch {
			case errors.Is(err, domain.ErrInvalidTarget):
				cfg.Metrics.IncScanRequestErrors(ctx, "invalid_target")
				return errs.New(errs.InvalidArgument, err)
			case errors.Is(err, domain.ErrDuplicateRequest):
				cfg.Metrics.IncScanRequestErrors(ctx, "duplicate_request")
				return errs.New(errs.AlreadyExists, err)
			}
			cfg.Metrics.IncScanRequestErrors(ctx, "internal")
			return errs.New(errs.Internal, err)
		}

		return resultResponse{res}
	}
}

func result(cfg Config) web.HandlerFunc {
	return func(ctx context.Context, r *http.Request) web.Encoder {
		id := web.Param(r, "id")

		res, err := cfg.Scanner.Result(ctx, id)
		if err != nil {
			if errors.Is(err, domain.ErrResultNotFound) {
				return errs.Newf(errs.NotFound, "no result for scan %q", id)
			}
			return errs.New(errs.Internal, err)
		}

		return resultResponse{res}
	}
}

// stream serves a scan's events as server-sent events. Subscribing before
// the scan starts is allowed; the stream ends after the terminal event.
func stream(cfg Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		id := web.Param(r, "id")

		ch, release, err := cfg.Events.Subscribe(ctx, id)
		if err != nil {
			_ = web.Respond(ctx, w, errs.New(errs.InvalidArgument, err))
			return
		}
		defer release()

		rc := http.NewResponseController(w)
		// The stream may outlive the server's write timeout.
		_ = rc.SetWriteDeadline(time.Time{})

		h := w.Header()
		h.Set("Content-Type", "text/event-stream")
		h.Set("Cache-Control", "no-cache")
		h.Set("Connection", "keep-alive")
		h.Set("X-Accel-Buffering", "no")
		w.WriteHeader(http.StatusOK)
		if err := rc.Flush(); err != nil {
			cfg.Log.Error(ctx, "event stream unsupported by writer", "scan_id", id, "error", err)
			return
		}

		cfg.Metrics.StreamOpened(ctx)
		delivered := 0
		defer func() { cfg.Metrics.StreamClosed(ctx, delivered) }()

		keepAlive := time.NewTicker(cfg.KeepAlive)
		defer keepAlive.Stop()

		for {
			select {
			case <-ctx.Done():
				return

			case <-keepAlive.C:
				if _, err := io.WriteString(w, ": keep-alive\n\n"); err != nil {
					return
				}
				if err := rc.Flush(); err != nil {
					return
				}

			case evt, ok := <-ch:
				if !ok {
					return
				}
				if err := writeEvent(w, evt); err != nil {
					cfg.Log.Debug(ctx, "event stream write failed", "scan_id", id, "error", err)
					return
				}
				if err := rc.Flush(); err != nil {
					return
				}
				delivered++
			}
		}
	}
}

// writeEvent frames evt as one server-sent event. The event name is the
// wire event type so browsers can attach per-type listeners.
func writeEvent(w io.Writer, evt events.ScanEvent) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("encoding event: %w", err)
	}
	if _, err := fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", evt.Sequence, evt.Type, data); err != nil {
		return err
	}
	return nil
}
