package nats

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/ahrav/riskscan/internal/domain/events"
	"github.com/ahrav/riskscan/pkg/common/logger"
)

type fakeConn struct {
	msgs    []*nats.Msg
	err     error
	drained bool
}

func (f *fakeConn) PublishMsg(m *nats.Msg) error {
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, m)
	return nil
}

func (f *fakeConn) Drain() error {
	f.drained = true
	return nil
}

func TestRelay_Forward(t *testing.T) {
	t.Parallel()

	conn := &fakeConn{}
	r := newRelay(conn, "riskscan.events", logger.Noop(), noop.NewTracerProvider().Tracer("test"))

	err := r.Forward(context.Background(), events.ScanEvent{ScanID: "a.b", Type: events.EventTypeCheckComplete, CheckID: "url.token_leak"})
	require.NoError(t, err)
	require.Len(t, conn.msgs, 1)

	msg := conn.msgs[0]
	assert.Equal(t, "riskscan.events.a_b", msg.Subject)
	assert.Equal(t, "a.b", msg.Header.Get("Scan-Id"))
	assert.Equal(t, "check:complete", msg.Header.Get("Event-Type"))

	var evt events.ScanEvent
	require.NoError(t, json.Unmarshal(msg.Data, &evt))
	assert.Equal(t, "url.token_leak", evt.CheckID)

	require.NoError(t, r.Close())
	assert.True(t, conn.drained)
}

func TestRelay_ForwardError(t *testing.T) {
	t.Parallel()

	conn := &fakeConn{err: errors.New("nats: connection closed")}
	r := newRelay(conn, "riskscan.events", logger.Noop(), noop.NewTracerProvider().Tracer("test"))
	assert.Error(t, r.Forward(context.Background(), events.ScanEvent{ScanID: "s", Type: events.EventTypeLog}))
}

func TestSubjectToken(t *testing.T) {
	t.Parallel()

	tests := map[string]string{
		"":                                     "_",
		"7c9e6679-7425-40de-944b-e07fc1f90ae7": "7c9e6679-7425-40de-944b-e07fc1f90ae7",
		"a.b*c>d e":                            "a_b_c_d_e",
	}
	for in, want := range tests {
		assert.Equal(t, want, SubjectToken(in), in)
	}
}
