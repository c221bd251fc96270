package events

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvent_JSONRoundTripKeepsTypedData(t *testing.T) {
	event := &Event{
		Type:      TradeStatusChanged,
		Timestamp: time.Date(2024, 5, 1, 14, 0, 0, 0, time.UTC),
		Module:    "trading",
		Data: &TradeStatusChangedData{
			TradeID:       "t1",
			UserID:        "u1",
			Symbol:        "AAPL",
			From:          "executing",
			To:            "failed",
			FailureReason: "ExecutionTimeout",
		},
	}

	raw, err := json.Marshal(event)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"failure_reason":"ExecutionTimeout"`)

	var decoded Event
	require.NoError(t, json.Unmarshal(raw, &decoded))
	data, ok := decoded.Data.(*TradeStatusChangedData)
	require.True(t, ok, "expected *TradeStatusChangedData, got %T", decoded.Data)
	assert.Equal(t, "t1", data.TradeID)
	assert.Equal(t, "failed", data.To)
	assert.Equal(t, TradeStatusChanged, decoded.Type)
}

func TestEvent_UnknownTypeFallsBackToGeneric(t *testing.T) {
	var decoded Event
	require.NoError(t, json.Unmarshal([]byte(`{"type":"SOMETHING_NEW","module":"x","data":{"a":1}}`), &decoded))

	generic, ok := decoded.Data.(*GenericEventData)
	require.True(t, ok)
	assert.Equal(t, EventType("SOMETHING_NEW"), generic.EventType())
	assert.Equal(t, float64(1), generic.Data["a"])
}

func TestJobStatusData_EventType(t *testing.T) {
	assert.Equal(t, JobCompleted, (&JobStatusData{Status: "completed"}).EventType())
	assert.Equal(t, JobFailed, (&JobStatusData{Status: "failed"}).EventType())
}
