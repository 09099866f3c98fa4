// Copyright 2026 The Livetap Authors
// SPDX-License-Identifier: Apache-2.0

package platform

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the platform's operational counters and gauges,
// registered on the daemon's prometheus registry and served from the
// admin listener.
type Metrics struct {
	ConnectedProbes  prometheus.Gauge
	ConnectedMarkers prometheus.Gauge

	ActiveInstruments *prometheus.GaugeVec

	InstrumentsAdded   *prometheus.CounterVec
	InstrumentsRemoved *prometheus.CounterVec
	AppliesFailed      prometheus.Counter

	HitsReceived    prometheus.Counter
	HitsThrottled   prometheus.Counter
	EventsPublished *prometheus.CounterVec
}

// NewMetrics builds and registers the platform collectors.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		ConnectedProbes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "livetap_connected_probes",
			Help: "Probes currently connected to this node.",
		}),
		ConnectedMarkers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "livetap_connected_markers",
			Help: "Markers currently connected to this node.",
		}),
		ActiveInstruments: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "livetap_active_instruments",
			Help: "Live instruments in the registry by type.",
		}, []string{"type"}),
		InstrumentsAdded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "livetap_instruments_added_total",
			Help: "Instruments accepted by the registry by type.",
		}, []string{"type"}),
		InstrumentsRemoved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "livetap_instruments_removed_total",
			Help: "Instruments removed from the registry by cause.",
		}, []string{"cause"}),
		AppliesFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "livetap_applies_failed_total",
			Help: "Probe-side apply failures.",
		}),
		HitsReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "livetap_hits_received_total",
			Help: "Hit events received from probes.",
		}),
		HitsThrottled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "livetap_hits_throttled_total",
			Help: "Hit events dropped by per-instrument throttles.",
		}),
		EventsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "livetap_events_published_total",
			Help: "Events delivered to subscriber addresses by type.",
		}, []string{"event"}),
	}
	registerer.MustRegister(
		m.ConnectedProbes, m.ConnectedMarkers, m.ActiveInstruments,
		m.InstrumentsAdded, m.InstrumentsRemoved, m.AppliesFailed,
		m.HitsReceived, m.HitsThrottled, m.EventsPublished,
	)
	return m
}

// NewTestMetrics builds collectors on a throwaway registry.
func NewTestMetrics() *Metrics {
	return NewMetrics(prometheus.NewRegistry())
}
