// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package glucose

import (
	"slices"
	"sort"
	"time"
)

// Series defaults
const (
	DefaultSeriesLimit  = 200
	DefaultSeriesWindow = 3 * time.Hour
)

// Series is an ordered set of distinct observations. Once it grows beyond its
// limit it is trimmed to a trailing window. Not safe for concurrent use.
type Series struct {
	values []Value
	limit  int
	window time.Duration
}

// NewSeries creates a series with the default limit and window
func NewSeries() *Series {
	return &Series{limit: DefaultSeriesLimit, window: DefaultSeriesWindow}
}

// Insert adds v unless an equal observation is already present. newest is
// true when v is later than every other value in the series. now is the
// reference for the trailing-window trim.
func (s *Series) Insert(v Value, now time.Time) (inserted, newest bool) {
	i := sort.Search(len(s.values), func(j int) bool {
		return v.Before(s.values[j])
	})
	if i > 0 && s.values[i-1].Equal(v) {
		return false, false
	}
	if i < len(s.values) && s.values[i].Equal(v) {
		return false, false
	}

	newest = i == len(s.values)
	s.values = slices.Insert(s.values, i, v)

	if len(s.values) > s.limit {
		cutoff := now.Add(-s.window)
		keep := sort.Search(len(s.values), func(j int) bool {
			return !s.values[j].SensorTime().Before(cutoff)
		})
		s.values = slices.Delete(s.values, 0, keep)
	}
	return true, newest
}

// Len returns the number of values held
func (s *Series) Len() int {
	return len(s.values)
}

// Values returns a copy of the series, oldest first
func (s *Series) Values() []Value {
	return slices.Clone(s.values)
}

// Latest returns the newest value
func (s *Series) Latest() (Value, bool) {
	if len(s.values) == 0 {
		return Value{}, false
	}
	return s.values[len(s.values)-1], true
}
