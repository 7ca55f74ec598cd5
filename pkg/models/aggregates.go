package models

import (
	"encoding/json"
	"fmt"
)

// RouteCount is one entry of a bucket's top-routes list. It serializes as
// a two-element JSON array ["/route", count] to match the dashboard wire
// format.
type RouteCount struct {
	Route string
	Count int64
}

// MarshalJSON renders the pair as ["route", count]
func (rc RouteCount) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]interface{}{rc.Route, rc.Count})
}

// UnmarshalJSON parses the ["route", count] pair form
func (rc *RouteCount) UnmarshalJSON(data []byte) error {
	var pair [2]json.RawMessage
	if err := json.Unmarshal(data, &pair); err != nil {
		return fmt.Errorf("route count pair: %w", err)
	}
	if err := json.Unmarshal(pair[0], &rc.Route); err != nil {
		return fmt.Errorf("route count route: %w", err)
	}
	if err := json.Unmarshal(pair[1], &rc.Count); err != nil {
		return fmt.Errorf("route count count: %w", err)
	}
	return nil
}

// WindowStats is the serialized state of one window's active bucket
type WindowStats struct {
	Count   int64        `json:"count"`
	Uniques int          `json:"uniques"`
	Routes  []RouteCount `json:"routes"`
	Errors  int64        `json:"errors"`
}

// WindowUpdate maps window labels ("1s", "5s", "60s") to the current
// stats of each window's active bucket. The same shape serves both
// snapshots and per-batch deltas.
type WindowUpdate map[string]WindowStats

// WindowSeconds is the fixed set of rolling-window sizes
var WindowSeconds = []int{1, 5, 60}

// WindowLabel renders a window size in seconds as its wire label
func WindowLabel(windowSec int) string {
	return fmt.Sprintf("%ds", windowSec)
}
