package threatintel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/ahrav/riskscan/internal/domain/scanning"
)

// SafeBrowsing queries the Google Safe Browsing v4 threatMatches:find API.
type SafeBrowsing struct{ remote }

type sbThreatEntry struct {
	URL string `json:"url"`
}

type sbRequest struct {
	Client struct {
		ClientID      string `json:"clientId"`
		ClientVersion string `json:"clientVersion"`
	} `json:"client"`
	ThreatInfo struct {
		ThreatTypes      []string        `json:"threatTypes"`
		PlatformTypes    []string        `json:"platformTypes"`
		ThreatEntryTypes []string        `json:"threatEntryTypes"`
		ThreatEntries    []sbThreatEntry `json:"threatEntries"`
	} `json:"threatInfo"`
}

type sbResponse struct {
	Matches []struct {
		ThreatType string        `json:"threatType"`
		Threat     sbThreatEntry `json:"threat"`
	} `json:"matches"`
}

// Name implements scanning.ThreatIntelSource.
func (s *SafeBrowsing) Name() string { return s.name }

// Check implements scanning.ThreatIntelSource.
func (s *SafeBrowsing) Check(ctx context.Context, target scanning.Target) (scanning.ThreatIntelVerdict, error) {
	return lookupEach(ctx, s.name, target, s.lookup)
}

func (s *SafeBrowsing) lookup(ctx context.Context, u *url.URL) ([]string, error) {
	var payload sbRequest
	payload.Client.ClientID = "riskscan"
	payload.Client.ClientVersion = "1.0"
	payload.ThreatInfo.ThreatTypes = []string{"MALWARE", "SOCIAL_ENGINEERING", "UNWANTED_SOFTWARE", "POTENTIALLY_HARMFUL_APPLICATION"}
	payload.ThreatInfo.PlatformTypes = []string{"ANY_PLATFORM"}
	payload.ThreatInfo.ThreatEntryTypes = []string{"URL"}
	payload.ThreatInfo.ThreatEntries = []sbThreatEntry{{URL: u.String()}}

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	endpoint, err := url.Parse(s.endpoint)
	if err != nil {
		return nil, fmt.Errorf("%s endpoint: %w", s.name, err)
	}
	q := endpoint.Query()
	q.Set("key", s.apiKey)
	endpoint.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint.String(), bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	body, err := s.do(req)
	if err != nil {
		return nil, err
	}

	var resp sbResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("%s decode: %w", s.name, err)
	}
	entries := make([]string, 0, len(resp.Matches))
	for _, m := range resp.Matches {
		if m.Threat.URL != "" {
			entries = append(entries, m.Threat.URL)
		}
	}
	return entries, nil
}
