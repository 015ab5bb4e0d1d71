// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"testing"

	"github.com/rs/zerolog"

	"github.com/Thermoquad/glucostat/internal/config"
	"github.com/Thermoquad/glucostat/pkg/dexcom"
)

func TestNewLogger(t *testing.T) {
	tests := []struct {
		name    string
		lc      config.LogConfig
		level   zerolog.Level
		wantErr bool
	}{
		{"console debug", config.LogConfig{Level: "debug", Format: "console"}, zerolog.DebugLevel, false},
		{"json warn", config.LogConfig{Level: "warn", Format: "json"}, zerolog.WarnLevel, false},
		{"bad level", config.LogConfig{Level: "loud", Format: "console"}, zerolog.NoLevel, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l, err := newLogger(tt.lc)
			if tt.wantErr {
				if err == nil {
					t.Error("Expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			if l.GetLevel() != tt.level {
				t.Errorf("Expected level %v, got %v", tt.level, l.GetLevel())
			}
		})
	}
}

func TestRecordTypeNames(t *testing.T) {
	names := recordTypeNames(dexcom.G4)
	if len(names) == 0 {
		t.Fatal("Expected record types for G4")
	}
	found := false
	for _, n := range names {
		if n == "EGV_DATA" {
			found = true
		}
	}
	if !found {
		t.Errorf("Expected EGV_DATA in %v", names)
	}
}
