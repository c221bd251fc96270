package events

import (
	"encoding/json"
	"time"
)

// EventType represents different event types
type EventType string

const (
	CycleCreated       EventType = "CYCLE_CREATED"
	CycleStatusChanged EventType = "CYCLE_STATUS_CHANGED"
	TradeStatusChanged EventType = "TRADE_STATUS_CHANGED"
	TargetsChanged     EventType = "TARGETS_CHANGED"
	PreferencesChanged EventType = "PREFERENCES_CHANGED"
	LedgerCorrected    EventType = "LEDGER_CORRECTED"
	JobCompleted       EventType = "JOB_COMPLETED"
	JobFailed          EventType = "JOB_FAILED"
	ErrorOccurred      EventType = "ERROR_OCCURRED"
)

// EventData is the interface that all event data types must implement
// This allows for type-safe event data while maintaining flexibility
type EventData interface {
	// EventType returns the event type this data is associated with
	EventType() EventType
}

// CycleCreatedData contains data for CycleCreated events
type CycleCreatedData struct {
	CycleID     string  `json:"cycle_id"`
	UserID      string  `json:"user_id"`
	TradesCount int     `json:"trades_count"`
	MaxDrift    float64 `json:"max_drift"`
}

// EventType returns the event type for CycleCreatedData
func (d *CycleCreatedData) EventType() EventType {
	return CycleCreated
}

// CycleStatusChangedData contains data for CycleStatusChanged events
type CycleStatusChangedData struct {
	CycleID    string `json:"cycle_id"`
	UserID     string `json:"user_id"`
	From       string `json:"from"`
	To         string `json:"to"`
	TotalValue string `json:"total_value,omitempty"`
}

// EventType returns the event type for CycleStatusChangedData
func (d *CycleStatusChangedData) EventType() EventType {
	return CycleStatusChanged
}

// TradeStatusChangedData contains data for TradeStatusChanged events
type TradeStatusChangedData struct {
	TradeID       string `json:"trade_id"`
	CycleID       string `json:"cycle_id,omitempty"`
	UserID        string `json:"user_id"`
	Symbol        string `json:"symbol"`
	From          string `json:"from"`
	To            string `json:"to"`
	FailureReason string `json:"failure_reason,omitempty"`
	ActualValue   string `json:"actual_value,omitempty"`
}

// EventType returns the event type for TradeStatusChangedData
func (d *TradeStatusChangedData) EventType() EventType {
	return TradeStatusChanged
}

// TargetsChangedData contains data for TargetsChanged events
type TargetsChangedData struct {
	UserID string `json:"user_id"`
	Count  int    `json:"count"`
}

// EventType returns the event type for TargetsChangedData
func (d *TargetsChangedData) EventType() EventType {
	return TargetsChanged
}

// PreferencesChangedData contains data for PreferencesChanged events
type PreferencesChangedData struct {
	UserID             string  `json:"user_id"`
	RebalancingEnabled bool    `json:"rebalancing_enabled"`
	DriftThreshold     float64 `json:"drift_threshold"`
}

// EventType returns the event type for PreferencesChangedData
func (d *PreferencesChangedData) EventType() EventType {
	return PreferencesChanged
}

// LedgerCorrectedData contains data for LedgerCorrected events
type LedgerCorrectedData struct {
	EntryID         string `json:"entry_id"`
	CorrectsEntryID string `json:"corrects_entry_id"`
	SubjectID       string `json:"subject_id"`
	Note            string `json:"note,omitempty"`
}

// EventType returns the event type for LedgerCorrectedData
func (d *LedgerCorrectedData) EventType() EventType {
	return LedgerCorrected
}

// JobStatusData contains data for scheduled job events
type JobStatusData struct {
	Job      string  `json:"job"`
	Status   string  `json:"status"` // "completed", "failed"
	Error    string  `json:"error,omitempty"`
	Duration float64 `json:"duration"`
	Affected int     `json:"affected"`
}

// EventType returns the event type for JobStatusData
// Note: The actual event type is determined by the Status field
func (d *JobStatusData) EventType() EventType {
	if d.Status == "failed" {
		return JobFailed
	}
	return JobCompleted
}

// ErrorEventData contains data for ErrorOccurred events
type ErrorEventData struct {
	Error   string                 `json:"error"`
	Context map[string]interface{} `json:"context,omitempty"`
}

// EventType returns the event type for ErrorEventData
func (d *ErrorEventData) EventType() EventType {
	return ErrorOccurred
}

// Event represents an emitted event with typed data
type Event struct {
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Module    string    `json:"module"`
	Data      EventData `json:"data"`
}

// MarshalJSON customizes JSON serialization for Event
func (e *Event) MarshalJSON() ([]byte, error) {
	type Alias Event
	aux := &struct {
		Data json.RawMessage `json:"data"`
		*Alias
	}{
		Alias: (*Alias)(e),
	}

	if e.Data != nil {
		dataBytes, err := json.Marshal(e.Data)
		if err != nil {
			return nil, err
		}
		aux.Data = dataBytes
	}

	return json.Marshal(aux)
}

// UnmarshalJSON customizes JSON deserialization for Event
func (e *Event) UnmarshalJSON(data []byte) error {
	type Alias Event
	aux := &struct {
		Data json.RawMessage `json:"data"`
		*Alias
	}{
		Alias: (*Alias)(e),
	}

	if err := json.Unmarshal(data, aux); err != nil {
		return err
	}
	if len(aux.Data) == 0 {
		return nil
	}

	var eventData EventData
	switch aux.Type {
	case CycleCreated:
		eventData = &CycleCreatedData{}
	case CycleStatusChanged:
		eventData = &CycleStatusChangedData{}
	case TradeStatusChanged:
		eventData = &TradeStatusChangedData{}
	case TargetsChanged:
		eventData = &TargetsChangedData{}
	case PreferencesChanged:
		eventData = &PreferencesChangedData{}
	case LedgerCorrected:
		eventData = &LedgerCorrectedData{}
	case JobCompleted, JobFailed:
		eventData = &JobStatusData{}
	case ErrorOccurred:
		eventData = &ErrorEventData{}
	default:
		eventData = &GenericEventData{Type: aux.Type}
	}

	if err := json.Unmarshal(aux.Data, eventData); err != nil {
		return err
	}
	e.Data = eventData
	return nil
}

// GenericEventData is a fallback for events that don't have a specific type
type GenericEventData struct {
	Type EventType              `json:"-"`
	Data map[string]interface{} `json:"-"`
}

// EventType returns the event type for GenericEventData
func (d *GenericEventData) EventType() EventType {
	return d.Type
}

// MarshalJSON customizes JSON serialization for GenericEventData
func (d *GenericEventData) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.Data)
}

// UnmarshalJSON customizes JSON deserialization for GenericEventData
func (d *GenericEventData) UnmarshalJSON(data []byte) error {
	return json.Unmarshal(data, &d.Data)
}
