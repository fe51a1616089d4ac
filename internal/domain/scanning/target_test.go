package scanning

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTarget_URLValidation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		raw      string
		wantErr  bool
		wantHost string
		wantURL  string
	}{
		{name: "plain https", raw: "https://Example.COM/Login", wantHost: "example.com", wantURL: "https://example.com/Login"},
		{name: "scheme defaults to https", raw: "example.org", wantHost: "example.org", wantURL: "https://example.org/"},
		{name: "http kept", raw: "http://example.org/a?b=c", wantHost: "example.org", wantURL: "http://example.org/a?b=c"},
		{name: "empty", raw: "   ", wantErr: true},
		{name: "ftp scheme", raw: "ftp://example.org/file", wantErr: true},
		{name: "javascript scheme", raw: "javascript://alert(1)", wantErr: true},
		{name: "localhost", raw: "http://localhost:8080/", wantErr: true},
		{name: "loopback ip", raw: "http://127.0.0.1/", wantErr: true},
		{name: "private ip", raw: "http://192.168.1.10/admin", wantErr: true},
		{name: "metadata ip", raw: "http://169.254.169.254/latest", wantErr: true},
		{name: "ipv6 loopback", raw: "http://[::1]/", wantErr: true},
		{name: "internal suffix", raw: "https://intranet.corp/", wantErr: true},
		{name: "public ip allowed", raw: "http://93.184.216.34/", wantHost: "93.184.216.34", wantURL: "http://93.184.216.34/"},
		{name: "too long", raw: "https://example.com/" + strings.Repeat("a", MaxURLLength), wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			target, err := ParseTarget(NewScanRequest(tt.raw, TargetKindURL, ""), 5)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.Is(err, ErrInvalidTarget))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantHost, target.Host)
			assert.Equal(t, tt.wantURL, target.URL.String())
		})
	}
}

func TestParseTarget_UnsupportedKind(t *testing.T) {
	t.Parallel()

	_, err := ParseTarget(ScanRequest{Target: "x", Kind: TargetKindUnspecified}, 5)
	assert.ErrorIs(t, err, ErrInvalidTarget)
}

func TestParseTarget_MessageExtractsURLs(t *testing.T) {
	t.Parallel()

	msg := "Your account is locked! Verify at https://secure-login.example.net/verify). " +
		"Also www.example.org and http://10.0.0.1/x and https://secure-login.example.net/verify again."

	target, err := ParseTarget(NewScanRequest(msg, TargetKindMessage, "req-1"), 5)
	require.NoError(t, err)
	require.Len(t, target.URLs, 2)
	assert.Equal(t, "https://secure-login.example.net/verify", target.URLs[0].String())
	assert.Equal(t, "https://www.example.org/", target.URLs[1].String())
	assert.Equal(t, msg, target.Text)
}

func TestExtractURLs_Cap(t *testing.T) {
	t.Parallel()

	text := "http://a.com http://b.com http://c.com"
	assert.Len(t, ExtractURLs(text, 2), 2)
	assert.Empty(t, ExtractURLs(text, 0))
}

func TestRegistrableDomain(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "example.co.uk", RegistrableDomain("login.secure.example.co.uk"))
	assert.Equal(t, "phishing.com", RegistrableDomain("fake-example-safe-brand-login.phishing.com"))
	assert.Equal(t, "1.2.3.4", RegistrableDomain("1.2.3.4"))
	assert.Equal(t, "co.uk", PublicSuffix("example.co.uk"))
}

func TestTarget_CacheKey(t *testing.T) {
	t.Parallel()

	key := func(raw string) string {
		t.Helper()
		target, err := ParseTarget(NewScanRequest(raw, TargetKindURL, ""), 5)
		require.NoError(t, err)
		return target.CacheKey()
	}

	base := key("https://example.com/path")
	assert.Equal(t, "url:https://example.com/path", base)
	assert.Equal(t, base, key("HTTPS://EXAMPLE.com/path/"))
	assert.Equal(t, base, key("https://www.example.com:443/path#frag"))
	assert.Equal(t, base, key("example.com/path"))
	assert.NotEqual(t, base, key("http://example.com/path"), "the scheme decides the TLS checks")
	assert.Equal(t, key("http://example.com/path"), key("http://www.example.com:80/path/"))
	assert.NotEqual(t, base, key("https://example.com/Path"))
	assert.NotEqual(t, base, key("https://example.com:8443/path"))
	assert.NotEqual(t, base, key("https://example.com/path?q=1"))

	msgA, err := ParseTarget(NewScanRequest("hello", TargetKindMessage, ""), 5)
	require.NoError(t, err)
	msgB, err := ParseTarget(NewScanRequest("hello", TargetKindFileText, ""), 5)
	require.NoError(t, err)
	assert.NotEqual(t, msgA.CacheKey(), msgB.CacheKey())
}

func TestScanResult_CloneIsDeep(t *testing.T) {
	t.Parallel()

	orig := ScanResult{
		RequestID: "a",
		Categories: []CategoryResult{{
			Category: "domain",
			Findings: []Finding{{CheckID: "domain.age", Evidence: map[string]string{"age_days": "2"}}},
		}},
		TIVerdicts: []ThreatIntelVerdict{{Source: "feed"}},
	}

	clone := orig.Clone()
	clone.Categories[0].Findings[0].Evidence["age_days"] = "999"
	clone.TIVerdicts[0].Source = "other"

	assert.Equal(t, "2", orig.Categories[0].Findings[0].Evidence["age_days"])
	assert.Equal(t, "feed", orig.TIVerdicts[0].Source)
}
