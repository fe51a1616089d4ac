package rdap

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"
)

const exampleRecord = `{
  "objectClassName": "domain",
  "ldhName": "EXAMPLE.COM",
  "events": [
    {"eventAction": "registration", "eventDate": "1995-08-14T04:00:00Z"},
    {"eventAction": "expiration", "eventDate": "2026-08-13T04:00:00Z"},
    {"eventAction": "last update of RDAP database", "eventDate": "not a date"}
  ],
  "entities": [
    {
      "roles": ["abuse"],
      "vcardArray": ["vcard", [["version", {}, "text", "4.0"], ["fn", {}, "text", "Abuse Desk"]]]
    },
    {
      "roles": ["registrar"],
      "vcardArray": ["vcard", [["version", {}, "text", "4.0"], ["fn", {}, "text", "RESERVED-Internet Assigned Numbers Authority"]]]
    }
  ]
}`

func newTestClient(srv *httptest.Server) *Client {
	return NewClient(srv.URL+"/", srv.Client(), noop.NewTracerProvider().Tracer("test"))
}

func TestClient_Lookup(t *testing.T) {
	t.Parallel()

	paths := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paths <- r.URL.Path
		w.Header().Set("Content-Type", "application/rdap+json")
		_, _ = w.Write([]byte(exampleRecord))
	}))
	defer srv.Close()

	reg, err := newTestClient(srv).Lookup(context.Background(), "Example.com")
	require.NoError(t, err)

	assert.Equal(t, "/domain/example.com", <-paths)
	assert.Equal(t, "example.com", reg.Domain)
	assert.Equal(t, "RESERVED-Internet Assigned Numbers Authority", reg.Registrar)
	assert.Equal(t, time.Date(1995, 8, 14, 4, 0, 0, 0, time.UTC), reg.Created)
	assert.Equal(t, time.Date(2026, 8, 13, 4, 0, 0, 0, time.UTC), reg.Expires)
}

func TestClient_LookupFollowsBootstrapRedirect(t *testing.T) {
	t.Parallel()

	registry := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"ldhName":"fresh.example","events":[{"eventAction":"registration","eventDate":"2026-10-17T00:00:00Z"}]}`))
	}))
	defer registry.Close()
	bootstrap := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, registry.URL+r.URL.Path, http.StatusFound)
	}))
	defer bootstrap.Close()

	reg, err := newTestClient(bootstrap).Lookup(context.Background(), "fresh.example")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 10, 17, 0, 0, 0, 0, time.UTC), reg.Created)
	assert.Empty(t, reg.Registrar)
	assert.True(t, reg.Expires.IsZero())
}

func TestClient_LookupErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		status  int
		body    string
		wantErr error
	}{
		{name: "not registered", status: http.StatusNotFound, wantErr: ErrNotFound},
		{name: "rate limited", status: http.StatusTooManyRequests, wantErr: ErrUnexpectedStatus},
		{name: "garbage", status: http.StatusOK, body: "<html>"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			reg, err := newTestClient(srv).Lookup(context.Background(), "example.org")
			require.Error(t, err)
			assert.Nil(t, reg)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			}
		})
	}
}
