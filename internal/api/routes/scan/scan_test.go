package scan

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/ahrav/riskscan/internal/domain/events"
	domain "github.com/ahrav/riskscan/internal/domain/scanning"
	"github.com/ahrav/riskscan/pkg/common/logger"
	"github.com/ahrav/riskscan/pkg/web"
)

type fakeScanner struct {
	mu       sync.Mutex
	requests []domain.ScanRequest
	stored   map[string]domain.ScanResult
}

func (f *fakeScanner) Scan(_ context.Context, req domain.ScanRequest) (domain.ScanResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if strings.HasPrefix(req.Target, "bad") {
		return domain.ScanResult{}, fmt.Errorf("%w: unsupported scheme", domain.ErrInvalidTarget)
	}
	if req.Target == "explode" {
		return domain.ScanResult{}, fmt.Errorf("unexpected")
	}
	if req.RequestID == "taken" {
		return domain.ScanResult{}, fmt.Errorf("%w: taken", domain.ErrDuplicateRequest)
	}
	return domain.ScanResult{
		RequestID:  req.RequestID,
		Target:     req.Target,
		Kind:       req.Kind,
		MaxScore:   100,
		FinalScore: 12,
		RiskTier:   domain.RiskTierLow,
	}, nil
}

func (f *fakeScanner) Result(_ context.Context, id string) (domain.ScanResult, error) {
	res, ok := f.stored[id]
	if !ok {
		return domain.ScanResult{}, domain.ErrResultNotFound
	}
	return res, nil
}

type fakeSubscriber struct {
	events []events.ScanEvent
	// open leaves the channel open after the buffered events.
	open bool
}

func (f *fakeSubscriber) Subscribe(ctx context.Context, scanID string) (<-chan events.ScanEvent, func(), error) {
	if scanID == "" {
		return nil, nil, fmt.Errorf("scan id cannot be empty")
	}
	ch := make(chan events.ScanEvent, len(f.events))
	for _, e := range f.events {
		ch <- e
	}
	if !f.open {
		close(ch)
	}
	return ch, func() {}, nil
}

type fakeMetrics struct {
	mu        sync.Mutex
	scans     []string
	errors    []string
	opened    int
	delivered []int
}

func (m *fakeMetrics) IncScanRequestsTotal(_ context.Context, kind string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scans = append(m.scans, kind)
}

func (m *fakeMetrics) IncScanRequestErrors(_ context.Context, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errors = append(m.errors, reason)
}

func (m *fakeMetrics) StreamOpened(context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.opened++
}

func (m *fakeMetrics) StreamClosed(_ context.Context, delivered int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delivered = append(m.delivered, delivered)
}

func newTestApp(cfg Config) *web.App {
	app := web.NewApp(func(context.Context, string, ...any) {}, noop.NewTracerProvider().Tracer("test"))
	if cfg.Log == nil {
		cfg.Log = logger.Noop()
	}
	Routes(app, cfg)
	return app
}

func TestStart(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		body       string
		wantStatus int
		wantKind   domain.TargetKind
		wantReason string
	}{
		{name: "url defaults kind", body: `{"target":"https://example.com"}`, wantStatus: http.StatusOK, wantKind: domain.TargetKindURL},
		{name: "message kind", body: `{"target":"click here","kind":"message","request_id":"r-1"}`, wantStatus: http.StatusOK, wantKind: domain.TargetKindMessage},
		{name: "kind is case insensitive", body: `{"target":"text","kind":"FILE_TEXT"}`, wantStatus: http.StatusOK, wantKind: domain.TargetKindFileText},
		{name: "malformed json", body: `{"target":`, wantStatus: http.StatusBadRequest, wantReason: "decode"},
		{name: "missing target", body: `{"kind":"url"}`, wantStatus: http.StatusBadRequest, wantReason: "validation"},
		{name: "unknown kind", body: `{"target":"x","kind":"sms"}`, wantStatus: http.StatusBadRequest, wantReason: "validation"},
		{name: "request id with slash", body: `{"target":"x","request_id":"a/b"}`, wantStatus: http.StatusBadRequest, wantReason: "validation"},
		{name: "invalid target", body: `{"target":"bad://x"}`, wantStatus: http.StatusBadRequest, wantReason: "invalid_target"},
		{name: "scanner failure", body: `{"target":"explode"}`, wantStatus: http.StatusInternalServerError, wantReason: "internal"},
		{name: "request id in use", body: `{"target":"https://example.com","request_id":"taken"}`, wantStatus: http.StatusConflict, wantReason: "duplicate_request"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			metrics := &fakeMetrics{}
			app := newTestApp(Config{Scanner: &fakeScanner{}, Events: &fakeSubscriber{}, Metrics: metrics})

			rec := httptest.NewRecorder()
			app.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/scan", strings.NewReader(tt.body)))

			require.Equal(t, tt.wantStatus, rec.Code, rec.Body.String())
			if tt.wantStatus != http.StatusOK {
				assert.Equal(t, []string{tt.wantReason}, metrics.errors)
				return
			}

			var res domain.ScanResult
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
			assert.Equal(t, tt.wantKind, res.Kind)
			assert.NotEmpty(t, res.RequestID)
			assert.Equal(t, domain.RiskTierLow, res.RiskTier)
			assert.Equal(t, []string{tt.wantKind.String()}, metrics.scans)
		})
	}
}

func TestStart_KeepsCallerRequestID(t *testing.T) {
	t.Parallel()

	scanner := &fakeScanner{}
	app := newTestApp(Config{Scanner: scanner, Events: &fakeSubscriber{}, Metrics: &fakeMetrics{}})

	rec := httptest.NewRecorder()
	app.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/scan",
		strings.NewReader(`{"target":"https://example.com","request_id":"client-42"}`)))
	require.Equal(t, http.StatusOK, rec.Code)

	require.Len(t, scanner.requests, 1)
	assert.Equal(t, "client-42", scanner.requests[0].RequestID)
}

func TestResult(t *testing.T) {
	t.Parallel()

	scanner := &fakeScanner{stored: map[string]domain.ScanResult{
		"done": {RequestID: "done", Target: "https://example.com", RiskTier: domain.RiskTierHigh},
	}}
	app := newTestApp(Config{Scanner: scanner, Events: &fakeSubscriber{}, Metrics: &fakeMetrics{}})

	rec := httptest.NewRecorder()
	app.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/scan/done", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"risk_tier":"HIGH"`)

	rec = httptest.NewRecorder()
	app.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/scan/missing", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

// readFrames parses server-sent event frames until the body ends.
func readFrames(t *testing.T, body io.Reader) []map[string]string {
	t.Helper()

	var (
		frames []map[string]string
		cur    = map[string]string{}
	)
	sc := bufio.NewScanner(body)
	for sc.Scan() {
		line := sc.Text()
		if line == "" {
			if len(cur) > 0 {
				frames = append(frames, cur)
				cur = map[string]string{}
			}
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}
		k, v, _ := strings.Cut(line, ": ")
		cur[k] = v
	}
	require.NoError(t, sc.Err())
	return frames
}

func TestStream_DeliversEventsUntilTerminal(t *testing.T) {
	t.Parallel()

	sub := &fakeSubscriber{events: []events.ScanEvent{
		{ScanID: "s1", Sequence: 1, Type: events.EventTypeStageStart, Stage: events.StageReachability},
		{ScanID: "s1", Sequence: 2, Type: events.EventTypeProgress, Percent: 13},
		{ScanID: "s1", Sequence: 3, Type: events.EventTypeComplete, Percent: 100, Result: &domain.ScanResult{RequestID: "s1"}},
	}}
	metrics := &fakeMetrics{}
	srv := httptest.NewServer(newTestApp(Config{Scanner: &fakeScanner{}, Events: sub, Metrics: metrics}))
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL + "/v1/scan/s1/events")
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	assert.Equal(t, "no-cache", resp.Header.Get("Cache-Control"))

	frames := readFrames(t, resp.Body)
	require.Len(t, frames, 3)
	assert.Equal(t, []string{"stage:start", "progress", "complete"},
		[]string{frames[0]["event"], frames[1]["event"], frames[2]["event"]})
	assert.Equal(t, "3", frames[2]["id"])

	var evt events.ScanEvent
	require.NoError(t, json.Unmarshal([]byte(frames[1]["data"]), &evt))
	assert.Equal(t, events.EventTypeProgress, evt.Type)
	assert.Equal(t, 13, evt.Percent)

	require.Eventually(t, func() bool {
		metrics.mu.Lock()
		defer metrics.mu.Unlock()
		return len(metrics.delivered) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, metrics.opened)
	assert.Equal(t, []int{3}, metrics.delivered)
}

func TestStream_SendsKeepAliveWhileIdle(t *testing.T) {
	t.Parallel()

	sub := &fakeSubscriber{open: true}
	srv := httptest.NewServer(newTestApp(Config{
		Scanner:   &fakeScanner{},
		Events:    sub,
		Metrics:   &fakeMetrics{},
		KeepAlive: 10 * time.Millisecond,
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/v1/scan/idle/events", nil)
	require.NoError(t, err)

	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	line, err := bufio.NewReader(resp.Body).ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, ": keep-alive\n", line)
}
