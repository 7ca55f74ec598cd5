package models

// TopicDashboard is the fan-out topic dashboard clients subscribe to
const TopicDashboard = "dashboard:global"

// ActionError is the action value tallied into a bucket's error counter
const ActionError = "error"

// EventRecord is the wire shape of a submitted event record, before
// validation. Timestamp is a pointer so a missing ts field can be told
// apart from a legitimate zero.
type EventRecord struct {
	EventID   string                 `json:"eventId" validate:"required"`
	Timestamp *int64                 `json:"ts" validate:"required,gte=0"`
	UserID    string                 `json:"userId"`
	SessionID string                 `json:"sessionId" validate:"required"`
	Route     string                 `json:"route" validate:"required"`
	Action    string                 `json:"action" validate:"required"`
	Metadata  map[string]interface{} `json:"metadata"`
}

// Event is a validated event record. Metadata is never nil and Timestamp
// is the producer-supplied epoch milliseconds; bucket assignment uses the
// server receipt clock instead.
type Event struct {
	EventID   string                 `json:"eventId"`
	Timestamp int64                  `json:"ts"`
	UserID    string                 `json:"userId"`
	SessionID string                 `json:"sessionId"`
	Route     string                 `json:"route"`
	Action    string                 `json:"action"`
	Metadata  map[string]interface{} `json:"metadata"`
}

// IsError reports whether the event carries the error action
func (e Event) IsError() bool {
	return e.Action == ActionError
}
