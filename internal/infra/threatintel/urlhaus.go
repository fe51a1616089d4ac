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

// URLhaus queries the abuse.ch URLhaus URL endpoint.
type URLhaus struct{ remote }

type urlhausResponse struct {
	QueryStatus string `json:"query_status"`
	URL         string `json:"url"`
	URLStatus   string `json:"url_status"`
	Threat      string `json:"threat"`
}

// Name implements scanning.ThreatIntelSource.
func (s *URLhaus) Name() string { return s.name }

// Check implements scanning.ThreatIntelSource.
func (s *URLhaus) Check(ctx context.Context, target scanning.Target) (scanning.ThreatIntelVerdict, error) {
	return lookupEach(ctx, s.name, target, s.lookup)
}

func (s *URLhaus) lookup(ctx context.Context, u *url.URL) ([]string, error) {
	form := url.Values{"url": {u.String()}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if s.apiKey != "" {
		req.Header.Set("Auth-Key", s.apiKey)
	}

	body, err := s.do(req)
	if err != nil {
		return nil, err
	}

	var resp urlhausResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("%s decode: %w", s.name, err)
	}
	switch resp.QueryStatus {
	case "ok":
		if resp.URL == "" {
			return nil, nil
		}
		return []string{resp.URL}, nil
	case "no_results":
		return nil, nil
	default:
		return nil, fmt.Errorf("%s query status %q", s.name, resp.QueryStatus)
	}
}
