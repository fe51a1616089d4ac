package web

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"
)

type jsonResp struct {
	ID string `json:"id"`
}

func (j jsonResp) Encode() ([]byte, string, error) {
	data, err := json.Marshal(j)
	return data, "application/json", err
}

type createdResp struct{ jsonResp }

func (createdResp) HTTPStatus() int { return http.StatusCreated }

func newTestApp(mw ...MidFunc) *App {
	return NewApp(func(context.Context, string, ...any) {}, noop.NewTracerProvider().Tracer("test"), mw...)
}

func TestApp_HandlerFuncWithParamAndStatus(t *testing.T) {
	t.Parallel()

	app := newTestApp()
	app.HandlerFunc(http.MethodGet, "v1", "/items/{id}", func(ctx context.Context, r *http.Request) Encoder {
		return jsonResp{ID: Param(r, "id")}
	})
	app.HandlerFunc(http.MethodPost, "v1", "/items", func(ctx context.Context, r *http.Request) Encoder {
		return createdResp{jsonResp{ID: "new"}}
	})

	rec := httptest.NewRecorder()
	app.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/items/abc", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"id":"abc"}`, rec.Body.String())
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	rec = httptest.NewRecorder()
	app.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/items", nil))
	assert.Equal(t, http.StatusCreated, rec.Code)
}

func TestApp_MiddlewareOrder(t *testing.T) {
	t.Parallel()

	var order []string
	mk := func(name string) MidFunc {
		return func(next HandlerFunc) HandlerFunc {
			return func(ctx context.Context, r *http.Request) Encoder {
				order = append(order, name)
				return next(ctx, r)
			}
		}
	}

	app := newTestApp(mk("app-1"), mk("app-2"))
	app.HandlerFunc(http.MethodGet, "", "/x", func(ctx context.Context, r *http.Request) Encoder {
		order = append(order, "handler")
		return nil
	}, mk("route"))

	rec := httptest.NewRecorder()
	app.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/x", nil))

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, []string{"app-1", "app-2", "route", "handler"}, order)
}

func TestApp_CORSPreflight(t *testing.T) {
	t.Parallel()

	app := newTestApp()
	app.EnableCORS([]string{"https://console.example"})

	req := httptest.NewRequest(http.MethodOptions, "/v1/scan", nil)
	req.Header.Set("Origin", "https://console.example")
	rec := httptest.NewRecorder()
	app.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "https://console.example", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestApp_RawHandler(t *testing.T) {
	t.Parallel()

	app := newTestApp()
	app.RawHandlerFunc(http.MethodGet, "v1", "/stream/{id}", func(w http.ResponseWriter, r *http.Request) {
		assert.NotEmpty(t, GetTraceID(r.Context()))
		_, _ = w.Write([]byte("data: " + Param(r, "id") + "\n\n"))
	})

	rec := httptest.NewRecorder()
	app.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/stream/s1", nil))
	assert.Equal(t, "data: s1\n\n", rec.Body.String())
}

func TestRoutePattern(t *testing.T) {
	t.Parallel()

	app := newTestApp()
	var pattern string
	app.HandlerFunc(http.MethodGet, "v1", "/scan/{id}", func(ctx context.Context, r *http.Request) Encoder {
		pattern = RoutePattern(r)
		return nil
	})

	rec := httptest.NewRecorder()
	app.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/scan/abc", nil))
	assert.Equal(t, "/v1/scan/{id}", pattern)

	assert.Equal(t, "/raw", RoutePattern(httptest.NewRequest(http.MethodGet, "/raw", nil)))
}
