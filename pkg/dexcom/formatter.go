// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package dexcom

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// TrendArrows maps trend codes to the arrow shown on the receiver
var TrendArrows = []string{
	"",  // NONE
	"⇈", // DOUBLE_UP
	"↑", // SINGLE_UP
	"↗", // FORTY_FIVE_UP
	"→", // FLAT
	"↘", // FORTY_FIVE_DOWN
	"↓", // SINGLE_DOWN
	"⇊", // DOUBLE_DOWN
	"?", // NOT_COMPUTABLE
	"-", // RATE_OUT_OF_RANGE
}

// FormatPacket formats a packet into a human-readable string
func FormatPacket(p *Packet) string {
	result := fmt.Sprintf("[%s] %s (0x%02X) len=%d\n",
		p.timestamp.Format("15:04:05.000"), CommandName(p.command), p.command, p.Length())
	if len(p.payload) == 0 {
		return result + "  (no payload)\n"
	}
	if isText(p.payload) {
		return result + fmt.Sprintf("  %s\n", trimNul(p.payload))
	}
	return result + formatHex(p.payload)
}

func isText(b []byte) bool {
	s := trimNul(b)
	if len(s) == 0 || s[0] != '<' {
		return false
	}
	for _, c := range []byte(s) {
		if c < 0x20 && c != '\n' && c != '\r' && c != '\t' {
			return false
		}
	}
	return true
}

func formatHex(b []byte) string {
	var sb strings.Builder
	for _, line := range strings.Split(strings.TrimRight(hex.Dump(b), "\n"), "\n") {
		sb.WriteString("  ")
		sb.WriteString(line)
		sb.WriteByte('\n')
	}
	return sb.String()
}

// FormatRecord formats one database record on a single line
func FormatRecord(rec Record) string {
	prefix := fmt.Sprintf("%s %s", rec.DisplayTime().Format("2006-01-02 15:04:05"), rec.Type())

	switch r := rec.(type) {
	case *EGVRecord:
		if r.IsSpecial() {
			return fmt.Sprintf("%s: %s", prefix, r.SpecialMeaning())
		}
		flags := ""
		if r.DisplayOnly() {
			flags = " (display only)"
		}
		return fmt.Sprintf("%s: %d mg/dL %s noise=%d%s", prefix, r.Glucose(), trendArrow(r.Trend()), r.Noise(), flags)

	case *MeterRecord:
		return fmt.Sprintf("%s: %d mg/dL at %s", prefix, r.MeterGlucose, r.MeterTime().Format("15:04:05"))

	case *EventRecord:
		name := r.EventTypeName()
		if sub := r.EventSubTypeName(); sub != "" {
			name += "/" + sub
		}
		return fmt.Sprintf("%s: %s %g at %s", prefix, name, r.Value(), r.EventTime().Format("15:04:05"))

	case *InsertionRecord:
		out := fmt.Sprintf("%s: %s inserted %s", prefix, r.StateName(), r.InsertionTime().Format("2006-01-02 15:04:05"))
		if r.Transmitter != "" {
			out += " tx=" + r.Transmitter
		}
		return out

	case *SensorRecord:
		return fmt.Sprintf("%s: unfiltered=%d filtered=%d rssi=%d", prefix, r.Unfiltered, r.Filtered, r.RSSI)

	case *CalibrationRecord:
		return fmt.Sprintf("%s: slope=%.2f intercept=%.2f scale=%.2f decay=%.2f subcals=%d",
			prefix, r.Slope, r.Intercept, r.Scale, r.Decay, len(r.SubCalibrations))

	case *UserSettingsRecord:
		return fmt.Sprintf("%s: tx=%s high=%d low=%d rise=%d fall=%d",
			prefix, r.Transmitter, r.HighAlert, r.LowAlert, r.RiseRate, r.FallRate)

	case *XMLRecord:
		return fmt.Sprintf("%s: %s", prefix, r.XML)

	default:
		return fmt.Sprintf("%s: % X", prefix, rec.Raw())
	}
}

func trendArrow(trend uint8) string {
	if int(trend) < len(TrendArrows) {
		return TrendArrows[trend]
	}
	return "?"
}
