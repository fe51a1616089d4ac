package threatintel

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/riskscan/internal/domain/scanning"
)

func mustTarget(t *testing.T, raw string) scanning.Target {
	t.Helper()
	tgt, err := scanning.ParseTarget(scanning.NewScanRequest(raw, scanning.TargetKindURL, ""), 5)
	require.NoError(t, err)
	return tgt
}

func TestMatcher_Match(t *testing.T) {
	t.Parallel()

	m := NewMatcher([]string{
		"https://evil.example.net/login.php",
		"http://phish.example.org/verify/",
		"bad-domain.com",
		"login.attacker.co.uk",
		"fake-example-safe-brand-login.phishing.com",
		"# comment",
		"",
	})

	tests := []struct {
		name      string
		target    string
		wantType  scanning.MatchType
		wantEntry string
	}{
		{
			name:      "exact url",
			target:    "https://evil.example.net/login.php",
			wantType:  scanning.MatchTypeExact,
			wantEntry: "https://evil.example.net/login.php",
		},
		{
			name:      "exact url ignoring host case and trailing slash",
			target:    "http://PHISH.example.org/verify",
			wantType:  scanning.MatchTypeExact,
			wantEntry: "http://phish.example.org/verify/",
		},
		{
			name:      "scheme differs",
			target:    "http://evil.example.net/login.php",
			wantType:  scanning.MatchTypeProtocolAgnostic,
			wantEntry: "https://evil.example.net/login.php",
		},
		{
			name:      "domain entry equals host",
			target:    "https://bad-domain.com/anything",
			wantType:  scanning.MatchTypeDomainExact,
			wantEntry: "bad-domain.com",
		},
		{
			name:      "domain entry equals registrable domain",
			target:    "https://secure.login.bad-domain.com/",
			wantType:  scanning.MatchTypeDomainExact,
			wantEntry: "bad-domain.com",
		},
		{
			name:      "subdomain entry matches only that host",
			target:    "https://login.attacker.co.uk/",
			wantType:  scanning.MatchTypeDomainExact,
			wantEntry: "login.attacker.co.uk",
		},
		{name: "sibling of subdomain entry", target: "https://www.attacker.co.uk/"},
		{name: "different path", target: "https://evil.example.net/index.html"},
		{name: "different query", target: "https://evil.example.net/login.php?x=1"},
		{name: "substring of an entry", target: "https://example-safe-brand.com/"},
		{name: "entry is substring of host", target: "https://notbad-domain.com/"},
		{name: "host contains entry as label prefix", target: "https://bad-domain.com.evil.io/"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			mt, entry := m.Match(mustTarget(t, tt.target).URL)
			assert.Equal(t, tt.wantType, mt)
			assert.Equal(t, tt.wantEntry, entry)
		})
	}
}

// A legitimate brand domain must not match a phishing entry that merely
// contains the brand name.
func TestMatcher_NeverMatchesOnSubstring(t *testing.T) {
	t.Parallel()

	m := NewMatcher([]string{
		"fake-example-safe-brand-login.phishing.com",
		"http://fake-example-safe-brand-login.phishing.com/",
	})
	mt, _ := m.Match(mustTarget(t, "example-safe-brand.com").URL)
	assert.Equal(t, scanning.MatchTypeNone, mt)
}

func TestListSource_TextTargets(t *testing.T) {
	t.Parallel()

	src := NewListSource("local", []string{"bad-domain.com"})
	tgt, err := scanning.ParseTarget(scanning.NewScanRequest(
		"Your parcel is held, pay at https://ok.example.com or http://pay.bad-domain.com/fee now",
		scanning.TargetKindMessage, ""), 5)
	require.NoError(t, err)

	v, err := src.Check(context.Background(), tgt)
	require.NoError(t, err)
	assert.True(t, v.Matched)
	assert.Equal(t, scanning.MatchTypeDomainExact, v.MatchType)
	assert.Equal(t, "local", src.Name())
}
