package validation

import (
	"bytes"
	"encoding/json"
	"errors"

	"github.com/go-playground/validator/v10"

	"frameworks/crowsnest/pkg/models"
)

// ErrEmptyPayload reports an ingestion payload that carried no records at
// all: an empty body or an empty array envelope.
var ErrEmptyPayload = errors.New("empty payload")

// EventValidator applies the event-record field rules ahead of aggregation
// and persistence. Filtering is per record: an offending record is dropped,
// never the batch around it.
type EventValidator struct {
	validator *validator.Validate
}

// NewEventValidator constructs an EventValidator with standard struct validation.
func NewEventValidator() *EventValidator {
	return &EventValidator{
		validator: validator.New(),
	}
}

// DecodeBatch parses an ingestion payload that is either a single event
// object or an array of them. Array elements are decoded one by one so a
// malformed element drops only itself.
func (v *EventValidator) DecodeBatch(raw []byte) ([]models.EventRecord, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil, ErrEmptyPayload
	}

	var elements []json.RawMessage
	if trimmed[0] == '[' {
		if err := json.Unmarshal(trimmed, &elements); err != nil {
			return nil, ErrEmptyPayload
		}
	} else {
		if !json.Valid(trimmed) {
			return nil, ErrEmptyPayload
		}
		elements = []json.RawMessage{trimmed}
	}
	if len(elements) == 0 {
		return nil, ErrEmptyPayload
	}

	records := make([]models.EventRecord, 0, len(elements))
	for _, element := range elements {
		var record models.EventRecord
		if err := json.Unmarshal(element, &record); err != nil {
			continue
		}
		records = append(records, record)
	}
	return records, nil
}

// Filter validates each record and returns the surviving events in order.
// A missing metadata object is replaced with an explicit empty map so the
// persisted document always carries one.
func (v *EventValidator) Filter(records []models.EventRecord) []models.Event {
	events := make([]models.Event, 0, len(records))
	for _, record := range records {
		if err := v.validator.Struct(record); err != nil {
			continue
		}
		metadata := record.Metadata
		if metadata == nil {
			metadata = map[string]interface{}{}
		}
		events = append(events, models.Event{
			EventID:   record.EventID,
			Timestamp: *record.Timestamp,
			UserID:    record.UserID,
			SessionID: record.SessionID,
			Route:     record.Route,
			Action:    record.Action,
			Metadata:  metadata,
		})
	}
	return events
}
