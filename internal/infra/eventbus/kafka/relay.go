// Package kafka forwards scan events to a Kafka topic so consumers outside
// the API process can follow scans.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/IBM/sarama"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/riskscan/internal/domain/events"
	"github.com/ahrav/riskscan/internal/infra/eventbus/kafka/tracing"
	"github.com/ahrav/riskscan/pkg/common/logger"
)

var _ events.Relay = (*Relay)(nil)

// Header keys set on every message.
const (
	HeaderEventType = "event-type"
	HeaderScanID    = "scan-id"
)

// Relay publishes scan events keyed by scan id, so all events of a scan land
// on one partition in order.
type Relay struct {
	producer sarama.SyncProducer
	topic    string
	logger   *logger.Logger
	tracer   trace.Tracer
}

// NewRelay creates a Relay writing to topic.
func NewRelay(producer sarama.SyncProducer, topic string, logger *logger.Logger, tracer trace.Tracer) *Relay {
	return &Relay{
		producer: producer,
		topic:    topic,
		logger:   logger.With("component", "kafka_relay", "topic", topic),
		tracer:   tracer,
	}
}

// Forward implements events.Relay.
func (r *Relay) Forward(ctx context.Context, evt events.ScanEvent) error {
	ctx, span := tracing.StartProducerSpan(ctx, r.topic, r.tracer)
	defer span.End()
	span.SetAttributes(
		attribute.String("scan.id", evt.ScanID),
		attribute.String("event.type", evt.Type.String()),
	)

	msg, err := newMessage(r.topic, evt)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "encode failed")
		return err
	}
	tracing.InjectTraceContext(ctx, msg)

	partition, offset, err := r.producer.SendMessage(msg)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "send failed")
		return fmt.Errorf("failed to send message to kafka topic %s: %w", r.topic, err)
	}

	r.logger.Debug(ctx, "forwarded scan event",
		"scan_id", evt.ScanID,
		"seq", evt.Sequence,
		"partition", partition,
		"offset", offset,
	)
	return nil
}

func newMessage(topic string, evt events.ScanEvent) (*sarama.ProducerMessage, error) {
	payload, err := json.Marshal(evt)
	if err != nil {
		return nil, fmt.Errorf("failed to encode scan event: %w", err)
	}
	return &sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.StringEncoder(evt.ScanID),
		Value: sarama.ByteEncoder(payload),
		Headers: []sarama.RecordHeader{
			{Key: []byte(HeaderEventType), Value: []byte(evt.Type.String())},
			{Key: []byte(HeaderScanID), Value: []byte(evt.ScanID)},
		},
	}, nil
}

// Close closes the producer.
func (r *Relay) Close() error { return r.producer.Close() }
