package threatintel

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/riskscan/internal/domain/config"
	"github.com/ahrav/riskscan/internal/domain/scanning"
	"github.com/ahrav/riskscan/pkg/common/logger"
)

func urlTarget(t *testing.T, raw string) scanning.Target {
	t.Helper()
	tgt, err := scanning.ParseTarget(scanning.NewScanRequest(raw, scanning.TargetKindURL, ""), 5)
	require.NoError(t, err)
	return tgt
}

func resolve(t *testing.T, cfg config.SourceConfig) scanning.ThreatIntelSource {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	r := NewResolver(ctx, http.DefaultClient, logger.Noop())
	t.Cleanup(r.Close)
	s, err := r.Resolve(cfg)
	require.NoError(t, err)
	return s
}

func TestURLhaus(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "key-1", r.Header.Get("Auth-Key"))
		switch r.PostForm.Get("url") {
		case "https://malware.example.com/payload.exe":
			fmt.Fprint(w, `{"query_status":"ok","url":"http://malware.example.com/payload.exe","threat":"malware_download"}`)
		case "https://echo.example.com/":
			// A sloppy upstream answering with a different URL must not count.
			fmt.Fprint(w, `{"query_status":"ok","url":"http://fake-echo.example.com.evil.io/"}`)
		case "https://broken.example.com/":
			fmt.Fprint(w, `{"query_status":"invalid_url"}`)
		default:
			fmt.Fprint(w, `{"query_status":"no_results"}`)
		}
	}))
	defer srv.Close()

	s := resolve(t, config.SourceConfig{Name: "urlhaus", Kind: config.SourceKindURLhaus, Endpoint: srv.URL, APIKey: "key-1"})
	ctx := context.Background()

	v, err := s.Check(ctx, urlTarget(t, "https://malware.example.com/payload.exe"))
	require.NoError(t, err)
	assert.True(t, v.Matched)
	assert.Equal(t, scanning.MatchTypeProtocolAgnostic, v.MatchType)

	v, err = s.Check(ctx, urlTarget(t, "https://echo.example.com/"))
	require.NoError(t, err)
	assert.False(t, v.Matched)

	v, err = s.Check(ctx, urlTarget(t, "https://clean.example.com/"))
	require.NoError(t, err)
	assert.False(t, v.Matched)

	_, err = s.Check(ctx, urlTarget(t, "https://broken.example.com/"))
	assert.Error(t, err)
}

func TestPhishTank(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		u := r.PostForm.Get("url")
		resp := map[string]any{"results": map[string]any{
			"url":         u,
			"in_database": u != "https://clean.example.com/",
			"verified":    true,
			"valid":       u != "https://taken-down.example.com/",
		}}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	s := resolve(t, config.SourceConfig{Name: "phishtank", Kind: config.SourceKindPhishTank, Endpoint: srv.URL})
	ctx := context.Background()

	v, err := s.Check(ctx, urlTarget(t, "https://phish.example.com/"))
	require.NoError(t, err)
	assert.True(t, v.Matched)
	assert.Equal(t, scanning.MatchTypeExact, v.MatchType)

	v, err = s.Check(ctx, urlTarget(t, "https://taken-down.example.com/"))
	require.NoError(t, err)
	assert.False(t, v.Matched)

	v, err = s.Check(ctx, urlTarget(t, "https://clean.example.com/"))
	require.NoError(t, err)
	assert.False(t, v.Matched)
}

func TestSafeBrowsing(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("key") != "sb-key" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		var req sbRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		u := req.ThreatInfo.ThreatEntries[0].URL
		if u == "https://bad.example.com/" {
			fmt.Fprintf(w, `{"matches":[{"threatType":"SOCIAL_ENGINEERING","threat":{"url":%q}}]}`, u)
			return
		}
		fmt.Fprint(w, `{}`)
	}))
	defer srv.Close()

	s := resolve(t, config.SourceConfig{Name: "sb", Kind: config.SourceKindSafeBrowsing, Endpoint: srv.URL, APIKey: "sb-key"})
	ctx := context.Background()

	v, err := s.Check(ctx, urlTarget(t, "https://bad.example.com/"))
	require.NoError(t, err)
	assert.True(t, v.Matched)

	v, err = s.Check(ctx, urlTarget(t, "https://good.example.com/"))
	require.NoError(t, err)
	assert.False(t, v.Matched)

	bad := resolve(t, config.SourceConfig{Name: "sb", Kind: config.SourceKindSafeBrowsing, Endpoint: srv.URL, APIKey: "wrong"})
	_, err = bad.Check(ctx, urlTarget(t, "https://good.example.com/"))
	assert.ErrorIs(t, err, ErrUnexpectedStatus)
}

func TestFeed(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		fmt.Fprint(w, "# openphish\nhttps://login.phish.example.net/account\nevil-domain.org\n")
	}))
	defer srv.Close()

	s := resolve(t, config.SourceConfig{Name: "feed", Kind: config.SourceKindFeed, Endpoint: srv.URL, RefreshInterval: time.Hour})
	ctx := context.Background()

	require.Eventually(t, func() bool {
		_, err := s.Check(ctx, urlTarget(t, "https://example.com/"))
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)

	v, err := s.Check(ctx, urlTarget(t, "http://login.phish.example.net/account"))
	require.NoError(t, err)
	assert.Equal(t, scanning.MatchTypeProtocolAgnostic, v.MatchType)

	v, err = s.Check(ctx, urlTarget(t, "https://www.evil-domain.org/"))
	require.NoError(t, err)
	assert.Equal(t, scanning.MatchTypeDomainExact, v.MatchType)

	v, err = s.Check(ctx, urlTarget(t, "https://phish.example.net/"))
	require.NoError(t, err)
	assert.False(t, v.Matched)
	assert.Equal(t, int32(1), hits.Load())
}

func TestFeed_UnavailableBeforeFirstLoad(t *testing.T) {
	t.Parallel()

	f := newFeed(remote{name: "f"}, 0, logger.Noop())
	_, err := f.Check(context.Background(), urlTarget(t, "https://example.com/"))
	assert.ErrorIs(t, err, errFeedNotLoaded)
}

func TestResolver_ReusesAdapters(t *testing.T) {
	t.Parallel()

	r := NewResolver(context.Background(), nil, logger.Noop())
	defer r.Close()

	cfg := config.SourceConfig{Name: "local", Kind: config.SourceKindList, Entries: []string{"a.com"}}
	a, err := r.Resolve(cfg)
	require.NoError(t, err)

	cfg.RateLimit = 3
	b, err := r.Resolve(cfg)
	require.NoError(t, err)
	assert.Same(t, a, b)

	cfg.Entries = []string{"b.com"}
	c, err := r.Resolve(cfg)
	require.NoError(t, err)
	assert.NotSame(t, a, c)

	_, err = r.Resolve(config.SourceConfig{Name: "x", Kind: "carrier-pigeon"})
	assert.Error(t, err)
}
