// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package dexcom

import (
	"fmt"
	"time"
)

// AnomalyType classifies a record that decoded cleanly but carries values a
// healthy receiver would not write.
type AnomalyType int

const (
	AnomalyGlucoseRange AnomalyType = iota
	AnomalyTrend
	AnomalyClockSkew
	AnomalyFutureTimestamp
	AnomalyCalibration
	AnomalyInvalidValue
	AnomalySpecialValue
)

// Glucose bounds of a real reading. The receiver shows LOW below 40 and HIGH
// above 400.
const (
	MinGlucose = 39
	MaxGlucose = 401
)

// maxDisplayOffset bounds the gap between system and display time
const maxDisplayOffset = 24 * time.Hour

// ValidationError describes one anomaly found by CheckRecord
type ValidationError struct {
	Type    AnomalyType
	Message string
	Details map[string]interface{}
}

// Error implements the error interface
func (v *ValidationError) Error() string {
	return v.Message
}

// CheckRecord looks for implausible values in a decoded record. now is the
// receiver's current system time; records stamped after it are flagged.
// Returns an empty slice for a plausible record.
func CheckRecord(rec Record, now time.Time) []ValidationError {
	errors := []ValidationError{}

	if rec.SystemTime().After(now.Add(time.Minute)) {
		errors = append(errors, ValidationError{
			Type:    AnomalyFutureTimestamp,
			Message: fmt.Sprintf("%s record stamped %s, after receiver time %s", rec.Type(), rec.SystemTime(), now),
			Details: map[string]interface{}{"system_time": rec.SystemTime(), "now": now},
		})
	}
	skew := rec.DisplayTime().Sub(rec.SystemTime())
	if skew > maxDisplayOffset || skew < -maxDisplayOffset {
		errors = append(errors, ValidationError{
			Type:    AnomalyClockSkew,
			Message: fmt.Sprintf("display time is %s from system time", skew),
			Details: map[string]interface{}{"skew": skew.String()},
		})
	}

	switch r := rec.(type) {
	case *EGVRecord:
		errors = append(errors, checkEGV(r)...)
	case *MeterRecord:
		if r.MeterGlucose == 0 || r.MeterGlucose > 600 {
			errors = append(errors, ValidationError{
				Type:    AnomalyGlucoseRange,
				Message: fmt.Sprintf("meter glucose=%d outside 1-600", r.MeterGlucose),
				Details: map[string]interface{}{"glucose": r.MeterGlucose},
			})
		}
	case *CalibrationRecord:
		if r.Slope == 0 {
			errors = append(errors, ValidationError{
				Type:    AnomalyCalibration,
				Message: "calibration slope is zero",
				Details: map[string]interface{}{"intercept": r.Intercept, "scale": r.Scale},
			})
		}
	case *EventRecord:
		if r.EventTypeName() == "" {
			errors = append(errors, ValidationError{
				Type:    AnomalyInvalidValue,
				Message: fmt.Sprintf("unknown event type=%d", r.EventType),
				Details: map[string]interface{}{"event_type": r.EventType},
			})
		}
	}

	return errors
}

func checkEGV(r *EGVRecord) []ValidationError {
	errors := []ValidationError{}

	if r.IsSpecial() {
		errors = append(errors, ValidationError{
			Type:    AnomalySpecialValue,
			Message: fmt.Sprintf("sensor condition %s", r.SpecialMeaning()),
			Details: map[string]interface{}{"glucose": r.Glucose()},
		})
	} else if r.Glucose() < MinGlucose || r.Glucose() > MaxGlucose {
		errors = append(errors, ValidationError{
			Type:    AnomalyGlucoseRange,
			Message: fmt.Sprintf("glucose=%d outside %d-%d", r.Glucose(), MinGlucose, MaxGlucose),
			Details: map[string]interface{}{"glucose": r.Glucose(), "raw": r.FullGlucose},
		})
	}
	if int(r.Trend()) >= len(TrendArrows) {
		errors = append(errors, ValidationError{
			Type:    AnomalyTrend,
			Message: fmt.Sprintf("trend=%d out of range", r.Trend()),
			Details: map[string]interface{}{"trend": r.Trend(), "raw": r.FullTrend},
		})
	}

	return errors
}
