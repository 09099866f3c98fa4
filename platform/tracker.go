// Copyright 2026 The Livetap Authors
// SPDX-License-Identifier: Apache-2.0

package platform

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/livetap/livetap/bus"
	"github.com/livetap/livetap/lib/clock"
	"github.com/livetap/livetap/lib/codec"
	"github.com/livetap/livetap/lib/store"
	"github.com/livetap/livetap/wire"
)

// Store names for connection tracking. Maps hold instanceId to
// announcement; counters are cluster-wide connected counts readable
// from any node.
const (
	activeProbesMap       = "active.probes"
	activeMarkersMap      = "active.markers"
	connectedProbesCount  = "connected.probes"
	connectedMarkersCount = "connected.markers"
)

// Tracker maintains the connection registry for one role. It consumes
// the role's connect and disconnect lifecycle addresses.
type Tracker struct {
	role    bridgeRole
	bus     *bus.Bus
	core    store.CoreStore
	clock   clock.Clock
	logger  *slog.Logger
	gauge   prometheus.Gauge
	mapName string
	counter string
}

// bridgeRole mirrors bridge.Role without importing the bridge
// package; the tracker only needs address selection.
type bridgeRole int

const (
	trackProbes bridgeRole = iota
	trackMarkers
)

// NewProbeTracker tracks probe connections.
func NewProbeTracker(b *bus.Bus, core store.CoreStore, c clock.Clock, logger *slog.Logger, metrics *Metrics) *Tracker {
	return &Tracker{
		role:    trackProbes,
		bus:     b,
		core:    core,
		clock:   c,
		logger:  logger.With("tracker", "probe"),
		gauge:   metrics.ConnectedProbes,
		mapName: activeProbesMap,
		counter: connectedProbesCount,
	}
}

// NewMarkerTracker tracks marker connections.
func NewMarkerTracker(b *bus.Bus, core store.CoreStore, c clock.Clock, logger *slog.Logger, metrics *Metrics) *Tracker {
	return &Tracker{
		role:    trackMarkers,
		bus:     b,
		core:    core,
		clock:   c,
		logger:  logger.With("tracker", "marker"),
		gauge:   metrics.ConnectedMarkers,
		mapName: activeMarkersMap,
		counter: connectedMarkersCount,
	}
}

// Start registers the lifecycle consumers. The returned function
// unregisters them.
func (t *Tracker) Start() func() {
	connectAddress, disconnectAddress := wire.MarkerConnected, wire.MarkerDisconnected
	if t.role == trackProbes {
		connectAddress, disconnectAddress = wire.ProbeConnected, wire.ProbeDisconnected
	}
	stopConnect := t.bus.Consume(connectAddress, func(ctx context.Context, delivery *bus.Delivery) {
		t.handleConnect(ctx, delivery.Body)
	})
	stopDisconnect := t.bus.Consume(disconnectAddress, func(ctx context.Context, delivery *bus.Delivery) {
		t.handleDisconnect(ctx, delivery.Body)
	})
	return func() {
		stopConnect()
		stopDisconnect()
	}
}

func (t *Tracker) handleConnect(ctx context.Context, body []byte) {
	var announcement wire.InstanceConnection
	if err := json.Unmarshal(body, &announcement); err != nil {
		t.logger.Warn("malformed connect announcement", "error", err)
		return
	}
	if err := t.core.Map(t.mapName).Put(ctx, announcement.InstanceID, announcement); err != nil {
		t.logger.Error("recording connection failed", "instanceId", announcement.InstanceID, "error", err)
		return
	}
	count, err := t.core.Counter(t.counter).Inc(ctx)
	if err != nil {
		t.logger.Error("incrementing connected count failed", "error", err)
		return
	}
	t.gauge.Inc()

	latency := t.clock.Now().UnixMilli() - announcement.ConnectionTime
	t.logger.Info("instance connected",
		"instanceId", announcement.InstanceID,
		"selfId", announcement.Meta[wire.MetaSelfID],
		"connected", count,
		"latencyMs", latency)
}

func (t *Tracker) handleDisconnect(ctx context.Context, body []byte) {
	var announcement wire.InstanceConnection
	if err := json.Unmarshal(body, &announcement); err != nil {
		t.logger.Warn("malformed disconnect announcement", "error", err)
		return
	}
	removed, err := t.core.Map(t.mapName).Remove(ctx, announcement.InstanceID)
	if err != nil {
		t.logger.Error("removing connection failed", "instanceId", announcement.InstanceID, "error", err)
		return
	}
	if !removed {
		// Disconnect is not exactly-once; a lost entry is logged, not
		// an error.
		t.logger.Info("disconnect for unknown instance", "instanceId", announcement.InstanceID)
		return
	}
	count, err := t.core.Counter(t.counter).Dec(ctx)
	if err != nil {
		t.logger.Error("decrementing connected count failed", "error", err)
		return
	}
	t.gauge.Dec()
	t.logger.Info("instance disconnected", "instanceId", announcement.InstanceID, "connected", count)
}

// Connected returns the cluster-wide connected count.
func (t *Tracker) Connected(ctx context.Context) (int64, error) {
	return t.core.Counter(t.counter).Get(ctx)
}

// Active returns the announcements of currently connected instances.
func (t *Tracker) Active(ctx context.Context) ([]wire.InstanceConnection, error) {
	values, err := t.core.Map(t.mapName).Values(ctx)
	if err != nil {
		return nil, err
	}
	instances := make([]wire.InstanceConnection, 0, len(values))
	for _, raw := range values {
		var announcement wire.InstanceConnection
		if err := codec.Unmarshal(raw, &announcement); err != nil {
			return nil, err
		}
		instances = append(instances, announcement)
	}
	return instances, nil
}
