// Copyright 2026 The Livetap Authors
// SPDX-License-Identifier: Apache-2.0

package instrument

import (
	"encoding/json"
	"fmt"
)

// The wire form of an instrument is its JSON object plus a "type"
// discriminator. MarshalJSON on each concrete type injects the
// discriminator; Unmarshal peeks at it to pick the concrete type.

type breakpointAlias Breakpoint
type logAlias Log
type meterAlias Meter

func (b *Breakpoint) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Type Type `json:"type"`
		*breakpointAlias
	}{TypeBreakpoint, (*breakpointAlias)(b)})
}

func (l *Log) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Type Type `json:"type"`
		*logAlias
	}{TypeLog, (*logAlias)(l)})
}

func (m *Meter) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Type Type `json:"type"`
		*meterAlias
	}{TypeMeter, (*meterAlias)(m)})
}

// Unmarshal decodes one instrument from its wire form.
func Unmarshal(data []byte) (LiveInstrument, error) {
	var head struct {
		Type Type `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("instrument: decoding discriminator: %w", err)
	}
	switch head.Type {
	case TypeBreakpoint:
		var b Breakpoint
		if err := json.Unmarshal(data, (*breakpointAlias)(&b)); err != nil {
			return nil, fmt.Errorf("instrument: decoding breakpoint: %w", err)
		}
		return &b, nil
	case TypeLog:
		var l Log
		if err := json.Unmarshal(data, (*logAlias)(&l)); err != nil {
			return nil, fmt.Errorf("instrument: decoding log: %w", err)
		}
		return &l, nil
	case TypeMeter:
		var m Meter
		if err := json.Unmarshal(data, (*meterAlias)(&m)); err != nil {
			return nil, fmt.Errorf("instrument: decoding meter: %w", err)
		}
		return &m, nil
	}
	return nil, fmt.Errorf("instrument: unknown type %q", head.Type)
}

// UnmarshalSlice decodes a JSON array of instruments.
func UnmarshalSlice(data []byte) ([]LiveInstrument, error) {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("instrument: decoding list: %w", err)
	}
	instruments := make([]LiveInstrument, 0, len(raw))
	for _, item := range raw {
		decoded, err := Unmarshal(item)
		if err != nil {
			return nil, err
		}
		instruments = append(instruments, decoded)
	}
	return instruments, nil
}
