package events

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventType_WireNames(t *testing.T) {
	t.Parallel()

	tests := []struct {
		typ  EventType
		wire string
	}{
		{EventTypeStageStart, "stage:start"},
		{EventTypeStageComplete, "stage:complete"},
		{EventTypeCheckStart, "check:start"},
		{EventTypeCheckComplete, "check:complete"},
		{EventTypeProgress, "progress"},
		{EventTypeLog, "log"},
		{EventTypeComplete, "complete"},
		{EventTypeError, "error"},
	}

	for _, tt := range tests {
		t.Run(tt.wire, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.wire, tt.typ.String())
			parsed, err := ParseEventType(tt.wire)
			require.NoError(t, err)
			assert.Equal(t, tt.typ, parsed)
		})
	}

	_, err := ParseEventType("unspecified")
	assert.Error(t, err)
}

func TestScanEvent_JSON(t *testing.T) {
	t.Parallel()

	data, err := json.Marshal(ScanEvent{ScanID: "s1", Sequence: 3, Type: EventTypeProgress, Percent: 40})
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "progress", decoded["type"])
	assert.EqualValues(t, 40, decoded["percent"])
	assert.NotContains(t, decoded, "result")
}

func TestEventType_IsTerminal(t *testing.T) {
	t.Parallel()

	assert.True(t, EventTypeComplete.IsTerminal())
	assert.True(t, EventTypeError.IsTerminal())
	assert.False(t, EventTypeProgress.IsTerminal())
}
