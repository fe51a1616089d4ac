// Package events defines the progress events a scan publishes for live
// observers. Events are observability only; publishing never influences a
// scan's outcome.
package events

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ahrav/riskscan/internal/domain/scanning"
)

// EventType identifies the kind of scan event.
type EventType int32

const (
	EventTypeUnspecified EventType = iota
	EventTypeStageStart
	EventTypeStageComplete
	EventTypeCheckStart
	EventTypeCheckComplete
	EventTypeProgress
	EventTypeLog
	EventTypeComplete
	EventTypeError
)

var eventTypeNames = [...]string{
	EventTypeUnspecified:   "unspecified",
	EventTypeStageStart:    "stage:start",
	EventTypeStageComplete: "stage:complete",
	EventTypeCheckStart:    "check:start",
	EventTypeCheckComplete: "check:complete",
	EventTypeProgress:      "progress",
	EventTypeLog:           "log",
	EventTypeComplete:      "complete",
	EventTypeError:         "error",
}

// String returns the wire name of the event type.
func (t EventType) String() string {
	if t < 0 || int(t) >= len(eventTypeNames) {
		return eventTypeNames[EventTypeUnspecified]
	}
	return eventTypeNames[t]
}

// ParseEventType converts a wire name into an EventType.
func ParseEventType(s string) (EventType, error) {
	norm := strings.ToLower(strings.TrimSpace(s))
	for i, name := range eventTypeNames {
		if i != int(EventTypeUnspecified) && name == norm {
			return EventType(i), nil
		}
	}
	return EventTypeUnspecified, fmt.Errorf("unknown event type %q", s)
}

// IsTerminal reports whether no further events follow for the scan.
func (t EventType) IsTerminal() bool {
	return t == EventTypeComplete || t == EventTypeError
}

// MarshalText implements encoding.TextMarshaler.
func (t EventType) MarshalText() ([]byte, error) { return []byte(t.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *EventType) UnmarshalText(b []byte) error {
	v, err := ParseEventType(string(b))
	if err != nil {
		return err
	}
	*t = v
	return nil
}

// Stage names used in stage events.
const (
	StageReachability  = "reachability"
	StageThreatIntel   = "threat_intel"
	StageContext       = "context"
	StageCategories    = "categories"
	StageAggregate     = "aggregate"
	StageAIConsensus   = "ai_consensus"
	StageFalsePositive = "false_positive"
	StageClassify      = "classify"
)

// Log levels carried by log events.
const (
	LevelInfo  = "info"
	LevelWarn  = "warn"
	LevelError = "error"
)

// ScanEvent is one message on a scan's event stream.
type ScanEvent struct {
	ScanID    string               `json:"scan_id"`
	Sequence  uint64               `json:"seq"`
	Type      EventType            `json:"type"`
	Timestamp time.Time            `json:"timestamp"`
	Stage     string               `json:"stage,omitempty"`
	CheckID   string               `json:"check_id,omitempty"`
	Category  string               `json:"category,omitempty"`
	Points    float64              `json:"points,omitempty"`
	Percent   int                  `json:"percent,omitempty"`
	Level     string               `json:"level,omitempty"`
	Message   string               `json:"message,omitempty"`
	Result    *scanning.ScanResult `json:"result,omitempty"`
}

// Publisher accepts scan events. Implementations must not block the caller
// on slow consumers.
type Publisher interface {
	Publish(ctx context.Context, evt ScanEvent)
}

// Subscriber delivers the events of a single scan.
type Subscriber interface {
	// Subscribe returns a channel of the scan's events, replaying any that
	// were already published, and a function that releases the
	// subscription. The channel is closed after a terminal event or once
	// the subscription is released.
	Subscribe(ctx context.Context, scanID string) (<-chan ScanEvent, func(), error)
}

// Relay forwards every scan event to an external transport.
type Relay interface {
	Forward(ctx context.Context, evt ScanEvent) error
	Close() error
}

// NopPublisher discards events.
type NopPublisher struct{}

// Publish implements Publisher.
func (NopPublisher) Publish(context.Context, ScanEvent) {}
