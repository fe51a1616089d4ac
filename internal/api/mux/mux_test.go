package mux_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/ahrav/riskscan/internal/api/mux"
	"github.com/ahrav/riskscan/internal/api/routes"
	"github.com/ahrav/riskscan/internal/api/routes/health"
	"github.com/ahrav/riskscan/internal/app/configstore"
	"github.com/ahrav/riskscan/internal/domain/config"
	"github.com/ahrav/riskscan/internal/domain/events"
	domain "github.com/ahrav/riskscan/internal/domain/scanning"
	"github.com/ahrav/riskscan/internal/infra/storage/memory"
	"github.com/ahrav/riskscan/pkg/common/logger"
)

type echoScanner struct{}

func (echoScanner) Scan(_ context.Context, req domain.ScanRequest) (domain.ScanResult, error) {
	return domain.ScanResult{RequestID: req.RequestID, Target: req.Target, Kind: req.Kind}, nil
}

func (echoScanner) Result(context.Context, string) (domain.ScanResult, error) {
	return domain.ScanResult{}, domain.ErrResultNotFound
}

type closedSubscriber struct{}

func (closedSubscriber) Subscribe(context.Context, string) (<-chan events.ScanEvent, func(), error) {
	ch := make(chan events.ScanEvent)
	close(ch)
	return ch, func() {}, nil
}

func newHandler(t *testing.T, probes ...health.Probe) http.Handler {
	t.Helper()

	tracer := noop.NewTracerProvider().Tracer("test")
	store := configstore.NewStore(memory.NewConfigRepository(config.DefaultSnapshot()), logger.Noop(), tracer)

	return mux.WebAPI(mux.Config{
		Build:       "test",
		Log:         logger.Noop(),
		Tracer:      tracer,
		Scanner:     echoScanner{},
		Events:      closedSubscriber{},
		ConfigAdmin: store,
		Readiness:   probes,
	}, routes.Routes(), mux.WithCORS([]string{"https://console.example"}))
}

func TestWebAPI_Liveness(t *testing.T) {
	t.Parallel()

	rec := httptest.NewRecorder()
	newHandler(t).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/liveness", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok","build":"test"}`, rec.Body.String())
}

func TestWebAPI_Readiness(t *testing.T) {
	t.Parallel()

	ok := func(context.Context) error { return nil }
	down := func(context.Context) error { return errors.New("connection refused") }

	tests := []struct {
		name       string
		probes     []health.Probe
		wantStatus int
	}{
		{name: "no probes", wantStatus: http.StatusOK},
		{name: "all healthy", probes: []health.Probe{{Name: "db", Check: ok}}, wantStatus: http.StatusOK},
		{name: "optional failure", probes: []health.Probe{{Name: "db", Check: ok}, {Name: "redis", Check: down, Optional: true}}, wantStatus: http.StatusOK},
		{name: "required failure", probes: []health.Probe{{Name: "db", Check: down}}, wantStatus: http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			rec := httptest.NewRecorder()
			newHandler(t, tt.probes...).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/readiness", nil))
			assert.Equal(t, tt.wantStatus, rec.Code, rec.Body.String())
		})
	}
}

func TestWebAPI_ScanRoundTrip(t *testing.T) {
	t.Parallel()

	req := httptest.NewRequest(http.MethodPost, "/v1/scan", strings.NewReader(`{"target":"https://example.com","request_id":"abc"}`))
	req.Header.Set("Origin", "https://console.example")
	rec := httptest.NewRecorder()
	newHandler(t).ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "https://console.example", rec.Header().Get("Access-Control-Allow-Origin"))

	var res domain.ScanResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, "abc", res.RequestID)
	assert.Equal(t, domain.TargetKindURL, res.Kind)
}

func TestWebAPI_UnknownResultIs404(t *testing.T) {
	t.Parallel()

	rec := httptest.NewRecorder()
	newHandler(t).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/scan/nope", nil))

	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), `"code":"not_found"`)
}

func TestWebAPI_ConfigIsServed(t *testing.T) {
	t.Parallel()

	rec := httptest.NewRecorder()
	newHandler(t).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/config", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var snap config.Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	assert.Equal(t, "default", snap.Origin)
}
