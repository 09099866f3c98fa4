// Copyright 2026 The Livetap Authors
// SPDX-License-Identifier: Apache-2.0

package platform

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/livetap/livetap/bridge"
	"github.com/livetap/livetap/bus"
	"github.com/livetap/livetap/instrument"
	"github.com/livetap/livetap/wire"
)

// InstrumentService exposes the instrument operations on the
// livetap.service.instrument address. Every request passes the access
// gate before touching the registry.
type InstrumentService struct {
	registry *Registry
	gate     *Gate
	logger   *slog.Logger
}

// NewInstrumentService wires the service to its registry and gate.
func NewInstrumentService(registry *Registry, gate *Gate, logger *slog.Logger) *InstrumentService {
	return &InstrumentService{
		registry: registry,
		gate:     gate,
		logger:   logger.With("service", "instrument"),
	}
}

// Start registers the service consumer. The returned function
// unregisters it.
func (s *InstrumentService) Start(b *bus.Bus) func() {
	return b.Consume(wire.ServiceInstrument, s.handle)
}

func (s *InstrumentService) handle(ctx context.Context, delivery *bus.Delivery) {
	action := delivery.Header(wire.HeaderAction)
	developerID := bridge.Identity(delivery.Headers)

	instruments, err := decodeAddTargets(action, delivery.Body)
	if err != nil {
		delivery.Fail(&wire.ServiceError{Message: "malformed request body: " + err.Error()})
		return
	}
	request := &GateRequest{
		DeveloperID: developerID,
		Action:      action,
		Instruments: instruments,
	}
	if err := s.gate.Check(ctx, request); err != nil {
		s.logger.Info("request denied", "action", action, "developer", developerID, "error", err)
		delivery.Fail(err)
		return
	}

	switch action {
	case wire.ActionAddLiveInstrument:
		s.addOne(ctx, delivery, developerID, instruments[0])
	case wire.ActionAddLiveInstruments:
		s.addBatch(ctx, delivery, developerID, instruments)
	case wire.ActionGetLiveInstruments:
		s.getAll(delivery)
	case wire.ActionGetLiveInstrumentByID:
		s.getByID(delivery)
	case wire.ActionGetLiveInstrumentsByIDs:
		s.getByIDs(delivery)
	case wire.ActionGetLiveInstrumentsByLoc:
		s.getByLocation(delivery)
	case wire.ActionRemoveLiveInstrument:
		s.removeOne(ctx, delivery)
	case wire.ActionRemoveLiveInstruments:
		s.removeByLocation(ctx, delivery)
	case wire.ActionClearLiveInstruments:
		s.clear(ctx, delivery, developerID, "")
	case wire.ActionClearLiveBreakpoints:
		s.clear(ctx, delivery, developerID, instrument.TypeBreakpoint)
	case wire.ActionClearLiveLogs:
		s.clear(ctx, delivery, developerID, instrument.TypeLog)
	case wire.ActionClearLiveMeters:
		s.clear(ctx, delivery, developerID, instrument.TypeMeter)
	case wire.ActionClearAllLiveInstruments:
		s.clearAll(ctx, delivery)
	default:
		delivery.Fail(&wire.ServiceError{Message: "unknown action " + action})
	}
}

// decodeAddTargets decodes the instruments of an add request so the
// gate can evaluate them. Non-add actions have no targets.
func decodeAddTargets(action string, body json.RawMessage) ([]instrument.LiveInstrument, error) {
	switch action {
	case wire.ActionAddLiveInstrument:
		inst, err := instrument.Unmarshal(body)
		if err != nil {
			return nil, err
		}
		return []instrument.LiveInstrument{inst}, nil
	case wire.ActionAddLiveInstruments:
		return instrument.UnmarshalSlice(body)
	default:
		return nil, nil
	}
}

func (s *InstrumentService) addOne(ctx context.Context, delivery *bus.Delivery, developerID string, inst instrument.LiveInstrument) {
	added, err := s.registry.Add(ctx, developerID, inst)
	if err != nil {
		delivery.Fail(err)
		return
	}
	delivery.Reply(added)
}

// batchAddElement is one result in a batch add reply. Exactly one of
// the two fields is set.
type batchAddElement struct {
	Instrument json.RawMessage `json:"instrument,omitempty"`
	Error      json.RawMessage `json:"error,omitempty"`
}

func (s *InstrumentService) addBatch(ctx context.Context, delivery *bus.Delivery, developerID string, instruments []instrument.LiveInstrument) {
	results := s.registry.AddBatch(ctx, developerID, instruments)
	elements := make([]batchAddElement, 0, len(results))
	for _, result := range results {
		if result.Err != nil {
			encoded, err := wire.EncodeError(result.Err)
			if err != nil {
				delivery.Fail(&wire.ServiceError{Message: "encoding batch error: " + err.Error()})
				return
			}
			elements = append(elements, batchAddElement{Error: encoded})
			continue
		}
		encoded, err := json.Marshal(result.Instrument)
		if err != nil {
			delivery.Fail(&wire.ServiceError{Message: "encoding batch result: " + err.Error()})
			return
		}
		elements = append(elements, batchAddElement{Instrument: encoded})
	}
	delivery.Reply(elements)
}

func (s *InstrumentService) getAll(delivery *bus.Delivery) {
	var filter struct {
		Type instrument.Type `json:"type"`
	}
	if len(delivery.Body) > 0 {
		if err := json.Unmarshal(delivery.Body, &filter); err != nil {
			delivery.Fail(&wire.ServiceError{Message: "malformed request body: " + err.Error()})
			return
		}
	}
	delivery.Reply(s.registry.GetAll(filter.Type))
}

func (s *InstrumentService) getByID(delivery *bus.Delivery) {
	var request struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(delivery.Body, &request); err != nil {
		delivery.Fail(&wire.ServiceError{Message: "malformed request body: " + err.Error()})
		return
	}
	delivery.Reply(s.registry.GetByID(request.ID))
}

func (s *InstrumentService) getByIDs(delivery *bus.Delivery) {
	var request struct {
		IDs []string `json:"ids"`
	}
	if err := json.Unmarshal(delivery.Body, &request); err != nil {
		delivery.Fail(&wire.ServiceError{Message: "malformed request body: " + err.Error()})
		return
	}
	delivery.Reply(s.registry.GetByIDs(request.IDs))
}

func (s *InstrumentService) getByLocation(delivery *bus.Delivery) {
	var location instrument.Location
	if err := json.Unmarshal(delivery.Body, &location); err != nil {
		delivery.Fail(&wire.ServiceError{Message: "malformed request body: " + err.Error()})
		return
	}
	delivery.Reply(s.registry.GetByLocation(location))
}

func (s *InstrumentService) removeOne(ctx context.Context, delivery *bus.Delivery) {
	var request struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(delivery.Body, &request); err != nil {
		delivery.Fail(&wire.ServiceError{Message: "malformed request body: " + err.Error()})
		return
	}
	removed, err := s.registry.Remove(ctx, request.ID)
	if err != nil {
		delivery.Fail(err)
		return
	}
	delivery.Reply(removed)
}

func (s *InstrumentService) removeByLocation(ctx context.Context, delivery *bus.Delivery) {
	var request struct {
		Location instrument.Location `json:"location"`
	}
	if err := json.Unmarshal(delivery.Body, &request); err != nil {
		delivery.Fail(&wire.ServiceError{Message: "malformed request body: " + err.Error()})
		return
	}
	delivery.Reply(s.registry.RemoveByLocation(ctx, request.Location))
}

func (s *InstrumentService) clear(ctx context.Context, delivery *bus.Delivery, developerID string, typeFilter instrument.Type) {
	delivery.Reply(s.registry.Clear(ctx, developerID, typeFilter))
}

func (s *InstrumentService) clearAll(ctx context.Context, delivery *bus.Delivery) {
	delivery.Reply(s.registry.ClearAll(ctx))
}
