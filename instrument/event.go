// Copyright 2026 The Livetap Authors
// SPDX-License-Identifier: Apache-2.0

package instrument

import (
	"encoding/json"
	"fmt"
)

// EventType names one subscriber-visible lifecycle event, qualified
// by the instrument kind (BREAKPOINT_ADDED, LOG_HIT, and so on).
type EventType string

const (
	BreakpointAdded   EventType = "BREAKPOINT_ADDED"
	BreakpointApplied EventType = "BREAKPOINT_APPLIED"
	BreakpointRemoved EventType = "BREAKPOINT_REMOVED"
	BreakpointHit     EventType = "BREAKPOINT_HIT"
	LogAdded          EventType = "LOG_ADDED"
	LogApplied        EventType = "LOG_APPLIED"
	LogRemoved        EventType = "LOG_REMOVED"
	LogHit            EventType = "LOG_HIT"
	MeterAdded        EventType = "METER_ADDED"
	MeterApplied      EventType = "METER_APPLIED"
	MeterRemoved      EventType = "METER_REMOVED"
	MeterHit          EventType = "METER_HIT"
)

// AddedEvent returns the *_ADDED event type for an instrument kind.
func AddedEvent(t Type) EventType { return EventType(string(t) + "_ADDED") }

// AppliedEvent returns the *_APPLIED event type for an instrument kind.
func AppliedEvent(t Type) EventType { return EventType(string(t) + "_APPLIED") }

// RemovedEvent returns the *_REMOVED event type for an instrument kind.
func RemovedEvent(t Type) EventType { return EventType(string(t) + "_REMOVED") }

// HitEvent returns the *_HIT event type for an instrument kind.
func HitEvent(t Type) EventType { return EventType(string(t) + "_HIT") }

// IsHit reports whether the event is a hit delivery (as opposed to a
// lifecycle transition). Hit deliveries are subject to throttling.
func (e EventType) IsHit() bool {
	switch e {
	case BreakpointHit, LogHit, MeterHit:
		return true
	}
	return false
}

// Event is the envelope delivered to instrument subscribers.
// OccurredAt is unix milliseconds; Data is the encoded instrument for
// lifecycle events or the encoded Hit for hit events.
type Event struct {
	EventType  EventType       `json:"eventType"`
	OccurredAt int64           `json:"occurredAt"`
	Data       json.RawMessage `json:"data"`
}

// NewEvent encodes data into an Event envelope.
func NewEvent(eventType EventType, occurredAt int64, data any) (Event, error) {
	encoded, err := json.Marshal(data)
	if err != nil {
		return Event{}, fmt.Errorf("instrument: encoding %s event: %w", eventType, err)
	}
	return Event{EventType: eventType, OccurredAt: occurredAt, Data: encoded}, nil
}

// Hit is the probe-reported payload of one instrument hit. The probe
// fills Data with whatever the instrument kind captures (stack frames,
// a rendered log line, a metric sample); the platform treats it as
// opaque.
type Hit struct {
	InstrumentID string         `json:"instrumentId"`
	OccurredAt   int64          `json:"occurredAt"`
	Data         map[string]any `json:"data,omitempty"`
}
