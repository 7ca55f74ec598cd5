package models

import "encoding/json"

// Inbound stream frame types
const (
	FrameSubscribe = "subscribe"
	FrameEvents    = "events"
)

// Outbound stream frame types
const (
	FrameSnapshot = "agg_snapshot"
	FrameDelta    = "agg_delta"
)

// InboundFrame is a client-to-server stream frame. Unknown types and
// malformed frames are ignored by the session handler.
type InboundFrame struct {
	Type   string          `json:"type"`
	Topic  string          `json:"topic,omitempty"`
	Events json.RawMessage `json:"events,omitempty"`
}

// OutboundFrame is a server-to-client stream frame carrying all three
// windows, either as a snapshot (on subscribe) or a delta (per batch).
type OutboundFrame struct {
	Type string       `json:"type"`
	Data WindowUpdate `json:"data"`
}
