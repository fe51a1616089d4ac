// Package oracles holds the outbound AI scoring adapters. Each adapter
// turns scan evidence into one risk adjustment; bounding and weighting the
// answer is left to the consensus engine.
package oracles

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const maxResponseBytes = 1 << 20

// ErrUnexpectedStatus is returned for non-2xx responses.
var ErrUnexpectedStatus = errors.New("unexpected status")

// NewHTTPClient returns the instrumented client shared by the adapters.
func NewHTTPClient() *http.Client {
	return &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
}

// rawVerdict is the answer shape shared by the webhook and the model's
// JSON reply.
type rawVerdict struct {
	RiskAdjustment *float64 `json:"risk_adjustment"`
	Confidence     float64  `json:"confidence"`
	Rationale      string   `json:"rationale"`
	Model          string   `json:"model"`
}

var errNoAdjustment = errors.New("response carries no risk_adjustment")

// remote holds what every HTTP adapter needs.
type remote struct {
	name     string
	endpoint string
	apiKey   string
	model    string
	client   *http.Client
}

// postJSON sends payload to url once and decodes the reply into out. A
// scan never retries an oracle; a failed call only removes it from the
// consensus.
func (r *remote) postJSON(ctx context.Context, url string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("%s encode: %w", r.name, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%s request: %w", r.name, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if r.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+r.apiKey)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s request: %w", r.name, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("%s read: %w", r.name, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%s: %w %d", r.name, ErrUnexpectedStatus, resp.StatusCode)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%s decode: %w", r.name, err)
	}
	return nil
}
