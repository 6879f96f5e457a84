// Package eventstream connects the sync engine to Kafka: it consumes
// record-change events emitted by the hospital system and publishes sync
// outcomes for downstream consumers.
package eventstream

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/carelink/fhirbridge/internal/hms"
)

// Record-change actions carried on the inbound topic.
const (
	ActionCreated = "created"
	ActionUpdated = "updated"
	ActionDeleted = "deleted"
)

// RecordEvent is one record change emitted by the hospital system.
// Fields carries the record's attribute values at the time of the change;
// for deletes it may be absent.
type RecordEvent struct {
	Model      string         `json:"model"`
	RecordID   string         `json:"record_id"`
	Action     string         `json:"action"`
	FHIRID     string         `json:"fhir_id,omitempty"`
	Fields     map[string]any `json:"fields,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
}

// Validate rejects events the dispatcher cannot act on.
func (e *RecordEvent) Validate() error {
	if e.Model == "" {
		return fmt.Errorf("record event has no model")
	}
	if e.RecordID == "" {
		return fmt.Errorf("record event has no record_id")
	}
	switch e.Action {
	case ActionCreated, ActionUpdated, ActionDeleted:
		return nil
	default:
		return fmt.Errorf("unknown action %q", e.Action)
	}
}

// SyncResultEvent is published after every finished delivery attempt.
type SyncResultEvent struct {
	ItemID       int64     `json:"item_id"`
	ResourceType string    `json:"resource_type"`
	ResourceID   string    `json:"resource_id"`
	Operation    string    `json:"operation"`
	Status       string    `json:"status"`
	FHIRID       string    `json:"fhir_id,omitempty"`
	Error        string    `json:"error,omitempty"`
	FinishedAt   time.Time `json:"finished_at"`
}

// Key returns the partition key so all results for one resource stay ordered.
func (e *SyncResultEvent) Key() string {
	return e.ResourceType + "/" + e.ResourceID
}

// eventRecord adapts a RecordEvent's field snapshot to the hms.Record
// contract so change capture can map it without a database round trip.
type eventRecord struct {
	model  string
	id     string
	fields map[string]any
}

func (r *eventRecord) Model() string          { return r.model }
func (r *eventRecord) ResourceID() string     { return r.id }
func (r *eventRecord) Fields() map[string]any { return r.fields }

var _ hms.Record = (*eventRecord)(nil)

// DecodeRecordEvent parses and validates an inbound event payload.
func DecodeRecordEvent(value []byte) (*RecordEvent, error) {
	var ev RecordEvent
	if err := json.Unmarshal(value, &ev); err != nil {
		return nil, fmt.Errorf("decode record event: %w", err)
	}
	if err := ev.Validate(); err != nil {
		return nil, err
	}
	return &ev, nil
}
