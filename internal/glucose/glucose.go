// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package glucose holds the canonical glucose observation shared by every
// source and sink, and the equality contract used to deduplicate it.
package glucose

import (
	"encoding/json"
	"fmt"
	"math"
	"slices"
	"strconv"
	"strings"
	"time"
)

// SameObservationWindow is the largest sensor time difference at which two
// readings with the same rounded value are the same observation.
const SameObservationWindow = 240 * time.Second

// Trend is the rate-of-change arrow code, 0-9.
type Trend uint8

const (
	TrendNone Trend = iota
	TrendDoubleUp
	TrendSingleUp
	TrendFortyFiveUp
	TrendFlat
	TrendFortyFiveDown
	TrendSingleDown
	TrendDoubleDown
	TrendNotComputable
	TrendOutOfRange
)

// trendNames are the Nightscout direction strings
var trendNames = []string{
	"None", "DoubleUp", "SingleUp", "FortyFiveUp", "Flat",
	"FortyFiveDown", "SingleDown", "DoubleDown", "NotComputable", "OutOfRange",
}

var trendArrows = []string{"", "⇈", "↑", "↗", "→", "↘", "↓", "⇊", "?", "-"}

// String returns the Nightscout direction name
func (t Trend) String() string {
	if int(t) < len(trendNames) {
		return trendNames[t]
	}
	return "None"
}

// Arrow returns the arrow shown on the receiver
func (t Trend) Arrow() string {
	if int(t) < len(trendArrows) {
		return trendArrows[t]
	}
	return "?"
}

// ParseTrend accepts a numeric code or a direction name (case-insensitive).
func ParseTrend(s string) (Trend, error) {
	s = strings.TrimSpace(s)
	if n, err := strconv.Atoi(s); err == nil {
		if n < 0 || n >= len(trendNames) {
			return TrendNone, fmt.Errorf("trend code %d out of range", n)
		}
		return Trend(n), nil
	}
	for i, name := range trendNames {
		if strings.EqualFold(name, s) {
			return Trend(i), nil
		}
	}
	return TrendNone, fmt.Errorf("unknown trend %q", s)
}

// Source identifies where a value came from
type Source string

const (
	SourceUSB   Source = "usb"
	SourceShare Source = "share"
)

// Value is one glucose observation. It is immutable; construct it with New.
type Value struct {
	sensorTime  time.Time
	displayTime time.Time
	captureTime time.Time
	value       float64
	trend       Trend
	source      Source
}

// New creates a value. sensorTime is the canonical timestamp used for
// ordering; displayTime and captureTime are carried through unchanged.
func New(sensorTime, displayTime, captureTime time.Time, value float64, trend Trend, source Source) Value {
	return Value{
		sensorTime:  sensorTime.UTC(),
		displayTime: displayTime.UTC(),
		captureTime: captureTime.UTC(),
		value:       value,
		trend:       trend,
		source:      source,
	}
}

func (v Value) SensorTime() time.Time  { return v.sensorTime }
func (v Value) DisplayTime() time.Time { return v.displayTime }
func (v Value) CaptureTime() time.Time { return v.captureTime }
func (v Value) Value() float64         { return v.value }
func (v Value) Trend() Trend           { return v.trend }
func (v Value) Source() Source         { return v.source }

// IsZero reports whether v was never set
func (v Value) IsZero() bool {
	return v.sensorTime.IsZero()
}

// Rounded returns the value rounded to the nearest integer
func (v Value) Rounded() int {
	return int(math.Round(v.value))
}

// Equal reports whether v and o are the same observation: sensor times less
// than SameObservationWindow apart and equal rounded values. Trend is not
// compared.
func (v Value) Equal(o Value) bool {
	d := v.sensorTime.Sub(o.sensorTime)
	if d < 0 {
		d = -d
	}
	return d < SameObservationWindow && v.Rounded() == o.Rounded()
}

// Before orders distinct observations by sensor time. Equal values are never
// Before each other.
func (v Value) Before(o Value) bool {
	return !v.Equal(o) && v.sensorTime.Before(o.sensorTime)
}

func (v Value) String() string {
	return fmt.Sprintf("%s %d %s (%s)", v.sensorTime.Format(time.RFC3339), v.Rounded(), v.trend, v.source)
}

type valueJSON struct {
	SensorTime  time.Time `json:"sensor_time"`
	DisplayTime time.Time `json:"display_time"`
	CaptureTime time.Time `json:"capture_time"`
	Value       float64   `json:"value"`
	Trend       Trend     `json:"trend"`
	Direction   string    `json:"direction"`
	Source      Source    `json:"source"`
}

// MarshalJSON encodes the value with its trend as both code and direction
func (v Value) MarshalJSON() ([]byte, error) {
	return json.Marshal(valueJSON{
		SensorTime:  v.sensorTime,
		DisplayTime: v.displayTime,
		CaptureTime: v.captureTime,
		Value:       v.value,
		Trend:       v.trend,
		Direction:   v.trend.String(),
		Source:      v.source,
	})
}

// UnmarshalJSON decodes the form written by MarshalJSON
func (v *Value) UnmarshalJSON(data []byte) error {
	var j valueJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return err
	}
	*v = New(j.SensorTime, j.DisplayTime, j.CaptureTime, j.Value, j.Trend, j.Source)
	return nil
}

// SortBySensorTime sorts values ascending by sensor time
func SortBySensorTime(values []Value) {
	slices.SortStableFunc(values, func(a, b Value) int {
		return a.sensorTime.Compare(b.sensorTime)
	})
}

// Dedup returns values sorted ascending with later duplicates of an
// observation removed.
func Dedup(values []Value) []Value {
	sorted := slices.Clone(values)
	SortBySensorTime(sorted)
	out := sorted[:0]
	for _, v := range sorted {
		if len(out) > 0 && out[len(out)-1].Equal(v) {
			continue
		}
		out = append(out, v)
	}
	return out
}
