// Copyright 2026 The Livetap Authors
// SPDX-License-Identifier: Apache-2.0

// Package instrument defines the live-instrument data model: the
// Breakpoint, Log, and Meter sum type, the lifecycle events published
// to subscribers, and the commands dispatched to probes.
package instrument

import (
	"time"
)

// Type discriminates the three concrete instrument kinds. It appears
// on the wire as the "type" field of every encoded instrument.
type Type string

const (
	TypeBreakpoint Type = "BREAKPOINT"
	TypeLog        Type = "LOG"
	TypeMeter      Type = "METER"
)

// Valid reports whether t is one of the known instrument types.
func (t Type) Valid() bool {
	switch t {
	case TypeBreakpoint, TypeLog, TypeMeter:
		return true
	}
	return false
}

// Location identifies exactly one instrumentation point: a
// fully-qualified source name plus a line number. ProbeID, when set,
// restricts the instrument to a single target process instead of
// every probe serving that source.
type Location struct {
	Source  string `json:"source"`
	Line    int    `json:"line"`
	ProbeID string `json:"probeId,omitempty"`
}

// Matches reports whether two locations name the same instrumentation
// point. ProbeID is ignored: removal by location targets every
// process.
func (l Location) Matches(other Location) bool {
	return l.Source == other.Source && l.Line == other.Line
}

// ThrottleStep is the unit of a throttle window.
type ThrottleStep string

const (
	StepSecond ThrottleStep = "SECOND"
	StepMinute ThrottleStep = "MINUTE"
	StepHour   ThrottleStep = "HOUR"
)

// Duration returns the window length of one step. Unknown steps fall
// back to a second, the tightest window.
func (s ThrottleStep) Duration() time.Duration {
	switch s {
	case StepMinute:
		return time.Minute
	case StepHour:
		return time.Hour
	default:
		return time.Second
	}
}

// Throttle bounds the rate of delivered hit events: at most Limit
// hits per Step window. Events beyond the limit are dropped, not
// queued.
type Throttle struct {
	Limit int          `json:"limit"`
	Step  ThrottleStep `json:"step"`
}

// DefaultThrottle is applied to instruments created without an
// explicit throttle.
var DefaultThrottle = Throttle{Limit: 1, Step: StepSecond}

// Well-known meta keys maintained by the platform. Meta is otherwise
// free-form and round-tripped untouched.
const (
	MetaCreatedAt  = "created_at"
	MetaCreatedBy  = "created_by"
	MetaAppliedAt  = "applied_at"
	MetaHitCount   = "hit_count"
	MetaFirstHitAt = "first_hit_at"
	MetaLastHitAt  = "last_hit_at"
)

// Common holds the fields shared by every instrument kind. Concrete
// types embed it.
type Common struct {
	// ID is globally unique. Assigned by the registry when absent
	// from an add request.
	ID       string   `json:"id,omitempty"`
	Location Location `json:"location"`

	// Condition is an expression evaluated in the target process on
	// every hit. Empty means unconditional.
	Condition string `json:"condition,omitempty"`

	// ExpiresAt is a unix-millisecond deadline after which the
	// instrument is auto-removed. Zero means no expiry.
	ExpiresAt int64 `json:"expiresAt,omitempty"`

	// HitLimit auto-removes the instrument once this many hits have
	// been recorded. Zero means unlimited.
	HitLimit int `json:"hitLimit,omitempty"`

	Throttle *Throttle `json:"throttle,omitempty"`

	// Pending is true until a probe confirms the apply. Applied is
	// the inverse confirmation flag. Both are owned by the registry.
	Pending bool `json:"pending"`
	Applied bool `json:"applied"`

	// ApplyImmediately holds the add response until a probe confirms
	// the apply or a bounded timeout elapses.
	ApplyImmediately bool `json:"applyImmediately,omitempty"`

	Meta map[string]any `json:"meta,omitempty"`
}

// base returns the embedded Common for interface plumbing.
func (c *Common) base() *Common { return c }

// EffectiveThrottle returns the configured throttle or the default.
func (c *Common) EffectiveThrottle() Throttle {
	if c.Throttle == nil {
		return DefaultThrottle
	}
	return *c.Throttle
}

// MetaValue returns a meta entry, or nil when absent.
func (c *Common) MetaValue(key string) any {
	if c.Meta == nil {
		return nil
	}
	return c.Meta[key]
}

// SetMeta sets a meta entry, allocating the map on first use.
func (c *Common) SetMeta(key string, value any) {
	if c.Meta == nil {
		c.Meta = make(map[string]any)
	}
	c.Meta[key] = value
}

// HitCount returns the recorded hit count from meta.
func (c *Common) HitCount() int {
	switch v := c.MetaValue(MetaHitCount).(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}

// LiveInstrument is the closed sum of Breakpoint, Log, and Meter.
type LiveInstrument interface {
	// InstrumentType returns the discriminator of the concrete kind.
	InstrumentType() Type

	// Proper returns the shared mutable fields. The registry is the
	// only writer after creation.
	Proper() *Common

	// Clone returns a deep copy, detached from registry state.
	Clone() LiveInstrument
}

// Breakpoint captures a stack snapshot at its location. It carries no
// fields beyond the shared set.
type Breakpoint struct {
	Common
}

func (b *Breakpoint) InstrumentType() Type { return TypeBreakpoint }
func (b *Breakpoint) Proper() *Common      { return b.base() }

func (b *Breakpoint) Clone() LiveInstrument {
	clone := *b
	clone.Meta = cloneMeta(b.Meta)
	clone.Throttle = cloneThrottle(b.Throttle)
	return &clone
}

// Log renders a log line on every hit. LogFormat uses positional
// placeholders filled from LogArguments, variable names resolved in
// the target process.
type Log struct {
	Common
	LogFormat    string   `json:"logFormat"`
	LogArguments []string `json:"logArguments,omitempty"`
}

func (l *Log) InstrumentType() Type { return TypeLog }
func (l *Log) Proper() *Common      { return l.base() }

func (l *Log) Clone() LiveInstrument {
	clone := *l
	clone.Meta = cloneMeta(l.Meta)
	clone.Throttle = cloneThrottle(l.Throttle)
	clone.LogArguments = append([]string(nil), l.LogArguments...)
	return &clone
}

// MeterKind selects the aggregation of a Meter sample.
type MeterKind string

const (
	MeterCount     MeterKind = "COUNT"
	MeterGauge     MeterKind = "GAUGE"
	MeterHistogram MeterKind = "HISTOGRAM"
)

// Meter samples a metric expression on every hit.
type Meter struct {
	Common
	MeterType   MeterKind `json:"meterType"`
	MetricValue string    `json:"metricValue,omitempty"`
}

func (m *Meter) InstrumentType() Type { return TypeMeter }
func (m *Meter) Proper() *Common      { return m.base() }

func (m *Meter) Clone() LiveInstrument {
	clone := *m
	clone.Meta = cloneMeta(m.Meta)
	clone.Throttle = cloneThrottle(m.Throttle)
	return &clone
}

// New returns an empty instrument of the given type, or nil for an
// unknown type.
func New(t Type) LiveInstrument {
	switch t {
	case TypeBreakpoint:
		return &Breakpoint{}
	case TypeLog:
		return &Log{}
	case TypeMeter:
		return &Meter{}
	}
	return nil
}

func cloneMeta(meta map[string]any) map[string]any {
	if meta == nil {
		return nil
	}
	clone := make(map[string]any, len(meta))
	for key, value := range meta {
		clone[key] = value
	}
	return clone
}

func cloneThrottle(t *Throttle) *Throttle {
	if t == nil {
		return nil
	}
	clone := *t
	return &clone
}
