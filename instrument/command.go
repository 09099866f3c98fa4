// Copyright 2026 The Livetap Authors
// SPDX-License-Identifier: Apache-2.0

package instrument

import (
	"encoding/json"
	"fmt"
)

// CommandType names a platform-to-probe instruction.
type CommandType string

const (
	AddInstrumentCommand    CommandType = "ADD_LIVE_INSTRUMENT"
	RemoveInstrumentCommand CommandType = "REMOVE_LIVE_INSTRUMENT"
)

// Command is dispatched to a probe's command address. Add commands
// carry instruments; remove commands carry instruments, bare
// locations, or both.
type Command struct {
	CommandType CommandType
	Instruments []LiveInstrument
	Locations   []Location
}

// commandWire is the JSON shape of a Command. Instruments are held
// raw so the sum type decodes through Unmarshal.
type commandWire struct {
	CommandType CommandType       `json:"commandType"`
	Instruments []json.RawMessage `json:"instruments,omitempty"`
	Locations   []Location        `json:"locations,omitempty"`
}

func (c Command) MarshalJSON() ([]byte, error) {
	wire := commandWire{CommandType: c.CommandType, Locations: c.Locations}
	for _, inst := range c.Instruments {
		encoded, err := json.Marshal(inst)
		if err != nil {
			return nil, fmt.Errorf("instrument: encoding command: %w", err)
		}
		wire.Instruments = append(wire.Instruments, encoded)
	}
	return json.Marshal(wire)
}

func (c *Command) UnmarshalJSON(data []byte) error {
	var wire commandWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return fmt.Errorf("instrument: decoding command: %w", err)
	}
	c.CommandType = wire.CommandType
	c.Locations = wire.Locations
	c.Instruments = c.Instruments[:0]
	for _, raw := range wire.Instruments {
		decoded, err := Unmarshal(raw)
		if err != nil {
			return err
		}
		c.Instruments = append(c.Instruments, decoded)
	}
	return nil
}
