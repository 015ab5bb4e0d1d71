// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package share

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// dateToken matches "/Date(1426292016000)/" and "/Date(1426292016000-0700)/".
// The zone suffix describes the uploader's wall clock; the milliseconds are
// always UTC.
var dateToken = regexp.MustCompile(`/?Date\((-?\d+)([+-]\d{4})?\)/?`)

// ParseDate parses a .NET JSON date token
func ParseDate(s string) (time.Time, error) {
	m := dateToken.FindStringSubmatch(s)
	if m == nil {
		return time.Time{}, fmt.Errorf("invalid date token %q", s)
	}
	ms, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date token %q: %w", s, err)
	}
	return time.UnixMilli(ms).UTC(), nil
}

// serverTimeLayouts are tried in order for the SystemUtcTime element text
var serverTimeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.9999999",
	"2006-01-02T15:04:05",
}

// parseServerTime accepts either a date token or an ISO timestamp. A
// timestamp without a zone is UTC.
func parseServerTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if strings.Contains(s, "Date(") {
		return ParseDate(s)
	}
	for _, layout := range serverTimeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid server time %q", s)
}
