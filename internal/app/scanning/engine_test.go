package scanning

import (
	"context"
	"errors"
	"net/http"
	"net/netip"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/ahrav/riskscan/internal/app/checks"
	"github.com/ahrav/riskscan/internal/app/consensus"
	"github.com/ahrav/riskscan/internal/app/threatintel"
	"github.com/ahrav/riskscan/internal/domain/config"
	"github.com/ahrav/riskscan/internal/domain/events"
	domain "github.com/ahrav/riskscan/internal/domain/scanning"
	"github.com/ahrav/riskscan/internal/infra/cache/memory"
	storemem "github.com/ahrav/riskscan/internal/infra/storage/memory"
	"github.com/ahrav/riskscan/pkg/common/logger"
	"github.com/ahrav/riskscan/pkg/common/timeutil"
)

type staticConfig struct{ snap *config.Snapshot }

func (s staticConfig) Snapshot() *config.Snapshot { return s.snap.Clone() }

type fakeProber struct {
	status domain.ReachabilityStatus
	addrs  []netip.Addr
	gate   chan struct{}
	calls  atomic.Int32
}

func (f *fakeProber) Probe(ctx context.Context, _ domain.Target) domain.Reachability {
	f.calls.Add(1)
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
		}
	}
	return domain.Reachability{Status: f.status, Addresses: f.addrs}
}

type fakeFetcher struct {
	page  domain.Page
	delay time.Duration
	calls atomic.Int32
}

func (f *fakeFetcher) Fetch(ctx context.Context, u *url.URL) (*domain.Page, error) {
	f.calls.Add(1)
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	page := f.page
	page.RequestedURL, page.FinalURL = u, u
	return &page, nil
}

type fakeDNS struct{ addrs []netip.Addr }

func (f fakeDNS) Resolve(context.Context, string) (*domain.DNSInfo, error) {
	return &domain.DNSInfo{Addresses: f.addrs}, nil
}

type fakeRegistry struct{ created time.Time }

func (f fakeRegistry) Lookup(_ context.Context, d string) (*domain.Registration, error) {
	return &domain.Registration{Domain: d, Registrar: "Example Registrar", Created: f.created}, nil
}

type listResolver struct{}

func (listResolver) Resolve(cfg config.SourceConfig) (domain.ThreatIntelSource, error) {
	return threatintel.NewListSource(cfg.Name, cfg.Entries), nil
}

type noOracles struct{}

func (noOracles) Resolve(cfg config.OracleConfig) (domain.Oracle, error) {
	return nil, errors.New("no oracle " + cfg.Name)
}

type mockResults struct{ mock.Mock }

func (m *mockResults) Save(ctx context.Context, res domain.ScanResult) error {
	return m.Called(ctx, res).Error(0)
}

func (m *mockResults) Get(ctx context.Context, id string) (domain.ScanResult, error) {
	args := m.Called(ctx, id)
	return args.Get(0).(domain.ScanResult), args.Error(1)
}

type recorder struct {
	mu     sync.Mutex
	events []events.ScanEvent
}

func (r *recorder) Publish(_ context.Context, evt events.ScanEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

func (r *recorder) forScan(id string) []events.ScanEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []events.ScanEvent
	for _, evt := range r.events {
		if evt.ScanID == id {
			out = append(out, evt)
		}
	}
	return out
}

type harness struct {
	engine     *Engine
	prober     *fakeProber
	fetcher    *fakeFetcher
	events     *recorder
	cacheClock *timeutil.FakeClock
}

var publicAddr = netip.MustParseAddr("203.0.113.10")

// newHarness wires an engine with the real executor, aggregator and
// consensus engine around fake evidence adapters. A nil registry uses the
// built-in checks.
func newHarness(t *testing.T, snap *config.Snapshot, registry *checks.Registry, results domain.ResultRepository) *harness {
	t.Helper()

	if registry == nil {
		registry = checks.DefaultRegistry()
	}
	log := logger.Noop()
	tracer := noop.NewTracerProvider().Tracer("test")

	h := &harness{
		prober: &fakeProber{status: domain.ReachabilityOnline, addrs: []netip.Addr{publicAddr}},
		fetcher: &fakeFetcher{page: domain.Page{
			StatusCode: http.StatusOK,
			Header:     http.Header{},
			Title:      "Sign in",
			Text:       "Welcome. Please sign in to continue.",
			Forms: []domain.Form{{
				Method:      "post",
				HasPassword: true,
				InputNames:  []string{"username", "password"},
			}},
		}},
		events:     &recorder{},
		cacheClock: timeutil.NewMock(time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)),
	}

	deps := Dependencies{
		Config:       staticConfig{snap: snap},
		Prober:       h.prober,
		Fetcher:      h.fetcher,
		DNS:          fakeDNS{addrs: []netip.Addr{publicAddr}},
		Registration: fakeRegistry{created: time.Now().Add(-48 * time.Hour)},
		Checks:       checks.NewExecutor(registry, log, tracer),
		ThreatIntel:  threatintel.NewAggregator(listResolver{}, log, tracer),
		Consensus:    consensus.NewEngine(noOracles{}, log, tracer),
		Cache:        memory.NewCache(0, h.cacheClock),
		Results:      results,
		Events:       h.events,
	}

	engine, err := NewEngine(deps, log, tracer)
	require.NoError(t, err)
	h.engine = engine
	return h
}

// blocklistSnapshot is the built-in configuration with a single list
// source that knows listed and no oracles.
func blocklistSnapshot(confidence float64, listed ...string) *config.Snapshot {
	snap := config.DefaultSnapshot()
	snap.Sources = []config.SourceConfig{{
		Name:       "blocklist",
		Kind:       config.SourceKindList,
		Enabled:    true,
		Points:     40,
		Confidence: confidence,
		Timeout:    time.Second,
		Entries:    listed,
	}}
	snap.Oracles = nil
	return snap
}

// singleCheckSnapshot has one check in its own category and nothing else.
func singleCheckSnapshot(id string) *config.Snapshot {
	snap := config.DefaultSnapshot()
	snap.Categories = []config.CategoryDefinition{{Name: "probe"}, {Name: config.ThreatIntelCategory}}
	snap.Checks = []config.CheckDefinition{{
		ID:        id,
		Category:  "probe",
		MaxPoints: 10,
		Severity:  domain.SeverityHigh,
		Enabled:   true,
		Timeout:   10 * time.Second,
	}}
	snap.Sources = nil
	snap.Oracles = nil
	return snap
}

func scanURL(raw, id string) domain.ScanRequest {
	return domain.NewScanRequest(raw, domain.TargetKindURL, id)
}

func finding(t *testing.T, res domain.ScanResult, checkID string) domain.Finding {
	t.Helper()
	for _, f := range res.Findings() {
		if f.CheckID == checkID {
			return f
		}
	}
	require.Failf(t, "finding not present", "check %s", checkID)
	return domain.Finding{}
}

func TestEngine_ScanYoungCredentialHarvester(t *testing.T) {
	t.Parallel()

	results := new(mockResults)
	results.On("Get", mock.Anything, "e2e-1").Return(domain.ScanResult{}, domain.ErrResultNotFound).Once()
	results.On("Save", mock.Anything, mock.MatchedBy(func(r domain.ScanResult) bool {
		return r.RequestID == "e2e-1"
	})).Return(nil).Once()

	h := newHarness(t, blocklistSnapshot(0.8, "fresh-domain.example"), nil, results)
	res, err := h.engine.Scan(context.Background(), scanURL("http://fresh-domain.example/login", "e2e-1"))
	require.NoError(t, err)
	h.engine.Wait()

	assert.Contains(t, []domain.RiskTier{domain.RiskTierHigh, domain.RiskTierCritical}, res.RiskTier,
		"final %.1f of %.1f", res.FinalScore, res.MaxScore)
	assert.False(t, res.Partial)
	assert.False(t, res.Cached)
	assert.False(t, res.ShortCircuited)
	assert.Equal(t, 1.0, res.AIMultiplier)
	assert.Empty(t, res.AIVerdicts)
	assert.InDelta(t, res.BaseScore, res.FinalScore, 1e-9)
	assert.LessOrEqual(t, res.BaseScore, res.MaxScore)

	assert.Greater(t, finding(t, res, "domain.age").PointsAwarded, 0.0)
	assert.Greater(t, finding(t, res, "ssl.missing_tls").PointsAwarded, 0.0)
	assert.Greater(t, finding(t, res, "content.credential_form").PointsAwarded, 0.0)
	assert.Equal(t, 40.0, finding(t, res, "threat_intel.blocklist").PointsAwarded)

	require.Len(t, res.TIVerdicts, 1)
	assert.True(t, res.TIVerdicts[0].Matched)
	assert.Equal(t, domain.ReachabilityOnline, res.Reachability.Status)
	for _, c := range res.Categories {
		assert.LessOrEqual(t, c.Score, c.MaxScore, c.Category)
	}
	results.AssertExpectations(t)
}

func TestEngine_EventStream(t *testing.T) {
	t.Parallel()

	h := newHarness(t, blocklistSnapshot(0.8), nil, nil)
	res, err := h.engine.Scan(context.Background(), scanURL("https://plain.example/", "events-1"))
	require.NoError(t, err)

	evts := h.events.forScan("events-1")
	require.NotEmpty(t, evts)

	var stages []string
	var starts, completes int
	for _, evt := range evts {
		switch evt.Type {
		case events.EventTypeStageStart:
			stages = append(stages, evt.Stage)
		case events.EventTypeCheckStart:
			starts++
		case events.EventTypeCheckComplete:
			completes++
		}
	}
	assert.Equal(t, stageOrder, stages)
	assert.Positive(t, starts)
	assert.Equal(t, starts, completes)

	last := evts[len(evts)-1]
	assert.Equal(t, events.EventTypeComplete, last.Type)
	require.NotNil(t, last.Result)
	assert.Equal(t, res.FinalScore, last.Result.FinalScore)
}

func TestEngine_ShortCircuit(t *testing.T) {
	t.Parallel()

	h := newHarness(t, blocklistSnapshot(0.95, "known-bad.example"), nil, nil)
	h.fetcher.delay = 200 * time.Millisecond

	res, err := h.engine.Scan(context.Background(), scanURL("https://known-bad.example/pay", "sc-1"))
	require.NoError(t, err)

	assert.True(t, res.ShortCircuited)
	assert.Equal(t, int32(0), h.fetcher.calls.Load())
	require.Len(t, res.Categories, 1)
	assert.Equal(t, config.ThreatIntelCategory, res.Categories[0].Category)
	assert.Equal(t, 40.0, res.MaxScore)
	assert.Equal(t, domain.RiskTierCritical, res.RiskTier)
	assert.Equal(t, 1.0, res.AIMultiplier)
	assert.Less(t, res.DurationMs, int64(200))

	full, err := h.engine.Scan(context.Background(), scanURL("https://unlisted.example/pay", "sc-2"))
	require.NoError(t, err)
	assert.False(t, full.ShortCircuited)
	assert.Greater(t, full.DurationMs, res.DurationMs)
}

func TestEngine_CachesLowRiskResultsForTheirTTL(t *testing.T) {
	t.Parallel()

	h := newHarness(t, singleCheckSnapshot("ssl.missing_tls"), nil, nil)
	ctx := context.Background()

	first, err := h.engine.Scan(ctx, scanURL("https://calm.example/", "ttl-1"))
	require.NoError(t, err)
	require.Equal(t, domain.RiskTierSafe, first.RiskTier)
	assert.False(t, first.Cached)

	second, err := h.engine.Scan(ctx, scanURL("HTTPS://WWW.Calm.example", "ttl-2"))
	require.NoError(t, err)
	assert.True(t, second.Cached)
	assert.Equal(t, "ttl-2", second.RequestID)
	assert.Equal(t, "HTTPS://WWW.Calm.example", second.Target)
	assert.Equal(t, first.FinalScore, second.FinalScore)
	assert.Equal(t, int32(1), h.prober.calls.Load())

	h.cacheClock.Advance(24*time.Hour + time.Second)

	third, err := h.engine.Scan(ctx, scanURL("https://calm.example/", "ttl-3"))
	require.NoError(t, err)
	assert.False(t, third.Cached)
	assert.Equal(t, int32(2), h.prober.calls.Load())
}

func TestEngine_CacheSeparatesSchemes(t *testing.T) {
	t.Parallel()

	h := newHarness(t, singleCheckSnapshot("ssl.missing_tls"), nil, nil)
	ctx := context.Background()

	secure, err := h.engine.Scan(ctx, scanURL("https://calm.example/", "scheme-1"))
	require.NoError(t, err)
	require.Equal(t, domain.RiskTierSafe, secure.RiskTier)

	plain, err := h.engine.Scan(ctx, scanURL("http://calm.example/", "scheme-2"))
	require.NoError(t, err)
	assert.False(t, plain.Cached, "a plain-HTTP scan must not reuse the HTTPS result")
	assert.Equal(t, "http://calm.example/", plain.Target)
	assert.Equal(t, domain.RiskTierCritical, plain.RiskTier)
	assert.InDelta(t, 10, finding(t, plain, "ssl.missing_tls").PointsAwarded, 1e-9)
	assert.Equal(t, int32(2), h.prober.calls.Load())
}

func TestEngine_RejectsDuplicateRequestIDs(t *testing.T) {
	t.Parallel()

	results := storemem.NewResultRepository(0)
	h := newHarness(t, singleCheckSnapshot("ssl.missing_tls"), nil, results)
	ctx := context.Background()

	_, err := h.engine.Scan(ctx, scanURL("https://calm.example/", "dup-1"))
	require.NoError(t, err)
	h.engine.Wait()

	_, err = h.engine.Scan(ctx, scanURL("https://other.example/", "dup-1"))
	require.ErrorIs(t, err, domain.ErrDuplicateRequest)

	stored, err := results.Get(ctx, "dup-1")
	require.NoError(t, err)
	assert.Equal(t, "https://calm.example/", stored.Target)

	_, err = h.engine.Scan(ctx, scanURL("https://other.example/", "dup-2"))
	assert.NoError(t, err)
}

func TestEngine_NeverCachesHighRiskResults(t *testing.T) {
	t.Parallel()

	registry := checks.DefaultRegistry()
	registry.Register("always.bad", func(context.Context, *domain.ScanContext, config.CheckDefinition) (checks.Signal, error) {
		return checks.Signal{Ratio: 1, Message: "bad"}, nil
	})
	h := newHarness(t, singleCheckSnapshot("always.bad"), registry, nil)

	for i, id := range []string{"hi-1", "hi-2"} {
		res, err := h.engine.Scan(context.Background(), scanURL("https://bad.example/", id))
		require.NoError(t, err)
		assert.Equal(t, domain.RiskTierCritical, res.RiskTier)
		assert.False(t, res.Cached)
		assert.Equal(t, int32(i+1), h.prober.calls.Load())
	}
}

func TestEngine_GlobalTimeoutYieldsPartialResult(t *testing.T) {
	t.Parallel()

	registry := checks.NewRegistry()
	registry.Register("slow.check", func(ctx context.Context, _ *domain.ScanContext, _ config.CheckDefinition) (checks.Signal, error) {
		<-ctx.Done()
		return checks.Signal{}, ctx.Err()
	})
	snap := singleCheckSnapshot("slow.check")
	snap.Settings.GlobalTimeout = 100 * time.Millisecond
	h := newHarness(t, snap, registry, nil)

	start := time.Now()
	res, err := h.engine.Scan(context.Background(), scanURL("https://slow.example/", "slow-1"))
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)

	assert.True(t, res.Partial)
	timeout := finding(t, res, TimeoutCheckID)
	assert.Equal(t, PipelineCategory, timeout.Category)
	assert.Equal(t, events.StageCategories, timeout.Evidence["stage"])
	assert.True(t, finding(t, res, "slow.check").Failed)
	assert.Equal(t, 10.0, res.MaxScore)
	assert.Equal(t, domain.RiskTierSafe, res.RiskTier)

	again, err := h.engine.Scan(context.Background(), scanURL("https://slow.example/", "slow-2"))
	require.NoError(t, err)
	assert.False(t, again.Cached, "partial results are never cached")
}

func TestEngine_ConcurrentScansShareOneRun(t *testing.T) {
	t.Parallel()

	h := newHarness(t, singleCheckSnapshot("ssl.missing_tls"), nil, nil)
	h.prober.gate = make(chan struct{})

	results := make([]domain.ScanResult, 2)
	var wg sync.WaitGroup
	for i, id := range []string{"shared-1", "shared-2"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := h.engine.Scan(context.Background(), scanURL("https://popular.example/", id))
			assert.NoError(t, err)
			results[i] = res
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(h.prober.gate)
	wg.Wait()

	assert.Equal(t, int32(1), h.prober.calls.Load())
	assert.ElementsMatch(t, []string{"shared-1", "shared-2"}, []string{results[0].RequestID, results[1].RequestID})
	assert.Equal(t, results[0].FinalScore, results[1].FinalScore)
	for _, id := range []string{"shared-1", "shared-2"} {
		evts := h.events.forScan(id)
		require.NotEmpty(t, evts)
		assert.Equal(t, events.EventTypeComplete, evts[len(evts)-1].Type)
	}
}

func TestEngine_UnreachableTargetRunsDegradedPipeline(t *testing.T) {
	t.Parallel()

	h := newHarness(t, blocklistSnapshot(0.8), nil, nil)
	h.prober.status = domain.ReachabilityDNSFailure
	h.prober.addrs = nil

	res, err := h.engine.Scan(context.Background(), scanURL("https://gone.example/", "down-1"))
	require.NoError(t, err)

	assert.Equal(t, int32(0), h.fetcher.calls.Load())
	assert.Equal(t, domain.ReachabilityDNSFailure, res.Reachability.Status)
	for _, f := range res.Findings() {
		def, ok := config.DefaultSnapshot().Check(f.CheckID)
		if ok {
			assert.False(t, def.RequiresContent, "%s needs content", f.CheckID)
		}
	}

	var warned bool
	for _, evt := range h.events.forScan("down-1") {
		if evt.Type == events.EventTypeLog && evt.Level == events.LevelWarn {
			warned = true
		}
	}
	assert.True(t, warned)
}

func TestEngine_RejectsInvalidTargets(t *testing.T) {
	t.Parallel()

	h := newHarness(t, blocklistSnapshot(0.8), nil, nil)
	tests := []struct {
		name string
		req  domain.ScanRequest
	}{
		{name: "empty", req: scanURL("  ", "bad-1")},
		{name: "private address", req: scanURL("http://192.168.1.1/admin", "bad-2")},
		{name: "internal suffix", req: scanURL("https://printer.local/", "bad-3")},
		{name: "unsupported scheme", req: scanURL("ftp://files.example.org/", "bad-4")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			_, err := h.engine.Scan(context.Background(), tt.req)
			require.ErrorIs(t, err, domain.ErrInvalidTarget)

			evts := h.events.forScan(tt.req.RequestID)
			require.Len(t, evts, 1)
			assert.Equal(t, events.EventTypeError, evts[0].Type)
		})
	}
}

func TestEngine_ScansMessageContent(t *testing.T) {
	t.Parallel()

	h := newHarness(t, blocklistSnapshot(0.8, "fresh-domain.example"), nil, nil)
	req := domain.NewScanRequest("Your account is suspended! Verify now at http://fresh-domain.example/login", domain.TargetKindMessage, "msg-1")

	res, err := h.engine.Scan(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, int32(0), h.prober.calls.Load())
	assert.Equal(t, domain.ReachabilitySkipped, res.Reachability.Status)
	assert.Equal(t, 40.0, finding(t, res, "threat_intel.blocklist").PointsAwarded)
	assert.LessOrEqual(t, res.FinalScore, res.MaxScore)
}

func TestNewEngine_RequiresCollaborators(t *testing.T) {
	t.Parallel()

	_, err := NewEngine(Dependencies{}, logger.Noop(), noop.NewTracerProvider().Tracer("test"))
	assert.Error(t, err)
}
