// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package forward

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/Thermoquad/glucostat/internal/clock"
	"github.com/Thermoquad/glucostat/internal/config"
	"github.com/Thermoquad/glucostat/internal/glucose"
)

// RecorderHeader is the first row of every recording
var RecorderHeader = []string{"sensor_time", "display_time", "value", "trend", "direction", "source"}

// Recorder appends readings to CSV files in a directory, starting a new file
// after MaxRows rows.
type Recorder struct {
	dir     string
	maxRows int
	clock   clock.Clock

	file  *os.File
	w     *csv.Writer
	rows  int
	files int
}

// NewRecorder creates the directory; the first file is opened on the first
// value.
func NewRecorder(cfg config.RecorderConfig, clk clock.Clock) (*Recorder, error) {
	if err := os.MkdirAll(cfg.Path, 0o755); err != nil {
		return nil, fmt.Errorf("create recorder directory: %w", err)
	}
	return &Recorder{dir: cfg.Path, maxRows: cfg.MaxRows, clock: clk}, nil
}

func (r *Recorder) Name() string { return "recorder" }

// Path returns the file currently being written, or "" before the first value
func (r *Recorder) Path() string {
	if r.file == nil {
		return ""
	}
	return r.file.Name()
}

func (r *Recorder) Publish(_ context.Context, v glucose.Value, _ bool) error {
	if r.file == nil || r.rows >= r.maxRows {
		if err := r.rotate(); err != nil {
			return err
		}
	}
	err := r.w.Write([]string{
		v.SensorTime().Format(time.RFC3339),
		v.DisplayTime().Format(time.RFC3339),
		strconv.FormatFloat(v.Value(), 'f', -1, 64),
		strconv.Itoa(int(v.Trend())),
		v.Trend().String(),
		string(v.Source()),
	})
	if err != nil {
		return fmt.Errorf("write row: %w", err)
	}
	r.w.Flush()
	if err := r.w.Error(); err != nil {
		return fmt.Errorf("write row: %w", err)
	}
	r.rows++
	return nil
}

func (r *Recorder) rotate() error {
	if err := r.Close(); err != nil {
		return err
	}

	r.files++
	name := fmt.Sprintf("glucose-%s-%03d.csv", r.clock.Now().UTC().Format("20060102-150405"), r.files)
	f, err := os.OpenFile(filepath.Join(r.dir, name), os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o644)
	if err != nil {
		return fmt.Errorf("create recording: %w", err)
	}
	r.file = f
	r.w = csv.NewWriter(f)
	r.rows = 0
	if err := r.w.Write(RecorderHeader); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	return nil
}

func (r *Recorder) Close() error {
	if r.file == nil {
		return nil
	}
	r.w.Flush()
	err := r.file.Close()
	r.file = nil
	r.w = nil
	return err
}
