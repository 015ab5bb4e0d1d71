// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package forward

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/Thermoquad/glucostat/internal/glucose"
)

const createReadingsTable = `CREATE TABLE IF NOT EXISTS glucose_readings (
	sensor_time timestamptz PRIMARY KEY,
	value       double precision NOT NULL,
	trend       smallint NOT NULL,
	direction   text NOT NULL,
	source      text NOT NULL,
	device      text NOT NULL,
	unit        text NOT NULL
)`

const insertReading = `INSERT INTO glucose_readings
	(sensor_time, value, trend, direction, source, device, unit)
	VALUES ($1, $2, $3, $4, $5, $6, $7)
	ON CONFLICT (sensor_time) DO NOTHING`

// execer is satisfied by *sql.DB
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// PostgresSink writes readings to the glucose_readings table
type PostgresSink struct {
	db    execer
	close func() error
}

// NewPostgresSink opens the database and creates the table if needed
func NewPostgresSink(ctx context.Context, dsn string) (*PostgresSink, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(2)
	db.SetConnMaxIdleTime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	s := &PostgresSink{db: db, close: db.Close}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresSink) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, createReadingsTable); err != nil {
		return fmt.Errorf("create glucose_readings: %w", err)
	}
	return nil
}

func (s *PostgresSink) Name() string { return "postgres" }

// Publish inserts v. A row already present for the sensor time is kept.
func (s *PostgresSink) Publish(ctx context.Context, v glucose.Value, _ bool) error {
	_, err := s.db.ExecContext(ctx, insertReading,
		v.SensorTime(),
		v.Value(),
		int16(v.Trend()),
		v.Trend().String(),
		string(v.Source()),
		"dexcom",
		"mg/dL",
	)
	if err != nil {
		return fmt.Errorf("insert reading: %w", err)
	}
	return nil
}

func (s *PostgresSink) Close() error {
	if s.close == nil {
		return nil
	}
	return s.close()
}
