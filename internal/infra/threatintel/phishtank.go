package threatintel

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/ahrav/riskscan/internal/domain/scanning"
)

// PhishTank queries the PhishTank check-URL endpoint. Only verified,
// still-valid phishes count as listed.
type PhishTank struct{ remote }

type phishTankResponse struct {
	Results struct {
		URL        string `json:"url"`
		InDatabase bool   `json:"in_database"`
		Verified   bool   `json:"verified"`
		Valid      bool   `json:"valid"`
	} `json:"results"`
}

// Name implements scanning.ThreatIntelSource.
func (s *PhishTank) Name() string { return s.name }

// Check implements scanning.ThreatIntelSource.
func (s *PhishTank) Check(ctx context.Context, target scanning.Target) (scanning.ThreatIntelVerdict, error) {
	return lookupEach(ctx, s.name, target, s.lookup)
}

func (s *PhishTank) lookup(ctx context.Context, u *url.URL) ([]string, error) {
	form := url.Values{"url": {u.String()}, "format": {"json"}}
	if s.apiKey != "" {
		form.Set("app_key", s.apiKey)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("User-Agent", "phishtank/riskscan")

	body, err := s.do(req)
	if err != nil {
		return nil, err
	}

	var resp phishTankResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("%s decode: %w", s.name, err)
	}
	r := resp.Results
	if !r.InDatabase || !r.Verified || !r.Valid || r.URL == "" {
		return nil, nil
	}
	return []string{r.URL}, nil
}
