// Package rdap looks up domain registration data over RDAP (RFC 9083).
package rdap

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/riskscan/internal/domain/scanning"
)

// DefaultBaseURL is the public bootstrap redirector; it forwards each query
// to the registry that is authoritative for the TLD.
const DefaultBaseURL = "https://rdap.org"

const maxResponseBytes = 1 << 20

var (
	// ErrNotFound is returned when the registry has no record of the domain.
	ErrNotFound = errors.New("domain not registered")
	// ErrUnexpectedStatus wraps any other non-200 reply.
	ErrUnexpectedStatus = errors.New("unexpected rdap status")
)

// Client implements scanning.RegistrationLookup.
type Client struct {
	base   string
	client *http.Client
	tracer trace.Tracer
}

var _ scanning.RegistrationLookup = (*Client)(nil)

// NewClient creates a Client. An empty base uses DefaultBaseURL and a nil
// client gets an instrumented default.
func NewClient(base string, client *http.Client, tracer trace.Tracer) *Client {
	if base == "" {
		base = DefaultBaseURL
	}
	if client == nil {
		client = &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport), Timeout: 10 * time.Second}
	}
	return &Client{base: strings.TrimRight(base, "/"), client: client, tracer: tracer}
}

type domainResponse struct {
	LDHName  string   `json:"ldhName"`
	Events   []event  `json:"events"`
	Entities []entity `json:"entities"`
}

type event struct {
	Action string `json:"eventAction"`
	Date   string `json:"eventDate"`
}

type entity struct {
	Roles []string `json:"roles"`
	// vcardArray is ["vcard", [[name, params, type, value], ...]].
	VCard []json.RawMessage `json:"vcardArray"`
}

// Lookup fetches the registration record of domain.
func (c *Client) Lookup(ctx context.Context, domain string) (*scanning.Registration, error) {
	ctx, span := c.tracer.Start(ctx, "rdap.lookup",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("domain", domain)))
	defer span.End()

	reg, err := c.lookup(ctx, domain)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "rdap lookup failed")
		return nil, err
	}
	span.SetAttributes(attribute.String("rdap.registrar", reg.Registrar))
	return reg, nil
}

func (c *Client) lookup(ctx context.Context, domain string) (*scanning.Registration, error) {
	endpoint := c.base + "/domain/" + url.PathEscape(strings.ToLower(domain))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build rdap request: %w", err)
	}
	req.Header.Set("Accept", "application/rdap+json, application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("rdap %s: %w", domain, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%w: %s", ErrNotFound, domain)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("%w %d for %s", ErrUnexpectedStatus, resp.StatusCode, domain)
	}

	var body domainResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode rdap response: %w", err)
	}
	return body.registration(domain), nil
}

func (r domainResponse) registration(domain string) *scanning.Registration {
	reg := &scanning.Registration{Domain: strings.ToLower(domain)}
	if r.LDHName != "" {
		reg.Domain = strings.ToLower(r.LDHName)
	}
	for _, e := range r.Events {
		ts, err := time.Parse(time.RFC3339, e.Date)
		if err != nil {
			continue
		}
		switch e.Action {
		case "registration":
			reg.Created = ts.UTC()
		case "expiration":
			reg.Expires = ts.UTC()
		}
	}
	for _, ent := range r.Entities {
		for _, role := range ent.Roles {
			if role == "registrar" {
				reg.Registrar = ent.formattedName()
			}
		}
	}
	return reg
}

// formattedName returns the vCard "fn" property, or "" when absent.
func (e entity) formattedName() string {
	if len(e.VCard) < 2 {
		return ""
	}
	var props [][]any
	if err := json.Unmarshal(e.VCard[1], &props); err != nil {
		return ""
	}
	for _, p := range props {
		if len(p) < 4 {
			continue
		}
		if name, _ := p[0].(string); name == "fn" {
			v, _ := p[3].(string)
			return v
		}
	}
	return ""
}
