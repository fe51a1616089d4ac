// Package nats forwards scan events to a NATS subject. Each scan publishes
// on <subject>.<scan-token> so observers can subscribe to a single scan
// with an exact subject or to all scans with a wildcard.
package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/riskscan/internal/domain/events"
	"github.com/ahrav/riskscan/pkg/common/logger"
)

var _ events.Relay = (*Relay)(nil)

// Connect dials the server with reconnect settings suited to a long-lived
// publisher.
func Connect(url, name string) (*nats.Conn, error) {
	return nats.Connect(url,
		nats.Name(name),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(10),
		nats.ReconnectWait(2*time.Second),
	)
}

// publisher is the subset of *nats.Conn the relay needs.
type publisher interface {
	PublishMsg(m *nats.Msg) error
	Drain() error
}

// Relay publishes scan events as JSON.
type Relay struct {
	conn    publisher
	subject string
	logger  *logger.Logger
	tracer  trace.Tracer
}

// NewRelay creates a Relay publishing under subject.
func NewRelay(conn *nats.Conn, subject string, logger *logger.Logger, tracer trace.Tracer) *Relay {
	return newRelay(conn, subject, logger, tracer)
}

func newRelay(conn publisher, subject string, logger *logger.Logger, tracer trace.Tracer) *Relay {
	return &Relay{
		conn:    conn,
		subject: subject,
		logger:  logger.With("component", "nats_relay", "subject", subject),
		tracer:  tracer,
	}
}

// Forward implements events.Relay.
func (r *Relay) Forward(ctx context.Context, evt events.ScanEvent) error {
	ctx, span := r.tracer.Start(ctx, "nats.publish",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("messaging.system", "nats"),
			attribute.String("scan.id", evt.ScanID),
		))
	defer span.End()

	msg, err := newMessage(r.subject, evt)
	if err != nil {
		span.RecordError(err)
		return err
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(msg.Header))

	if err := r.conn.PublishMsg(msg); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "publish failed")
		return fmt.Errorf("publishing to %s: %w", msg.Subject, err)
	}
	r.logger.Debug(ctx, "forwarded scan event", "scan_id", evt.ScanID, "seq", evt.Sequence)
	return nil
}

// Close drains pending messages and closes the connection.
func (r *Relay) Close() error { return r.conn.Drain() }

func newMessage(subject string, evt events.ScanEvent) (*nats.Msg, error) {
	data, err := json.Marshal(evt)
	if err != nil {
		return nil, fmt.Errorf("failed to encode scan event: %w", err)
	}
	msg := nats.NewMsg(subject + "." + SubjectToken(evt.ScanID))
	msg.Data = data
	msg.Header.Set("Scan-Id", evt.ScanID)
	msg.Header.Set("Event-Type", evt.Type.String())
	return msg, nil
}

// SubjectToken maps a scan id onto a single subject token. Characters NATS
// treats as separators or wildcards become underscores.
func SubjectToken(scanID string) string {
	if scanID == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\r', '\n':
			return '_'
		}
		return r
	}, scanID)
}
