// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package forward

import (
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/Thermoquad/glucostat/internal/config"
	"github.com/Thermoquad/glucostat/internal/glucose"
)

const nightscoutEntriesPath = "api/v1/entries/"

// Entry is one Nightscout sgv entry
type Entry struct {
	SGV        int    `json:"sgv"`
	Type       string `json:"type"`
	Direction  string `json:"direction"`
	Date       int64  `json:"date"`
	DateString string `json:"dateString"`
	Device     string `json:"device"`
}

// NewEntry converts v to a Nightscout entry
func NewEntry(v glucose.Value) Entry {
	return Entry{
		SGV:        v.Rounded(),
		Type:       "sgv",
		Direction:  v.Trend().String(),
		Date:       v.SensorTime().UnixMilli(),
		DateString: v.SensorTime().Format(time.RFC3339),
		Device:     "glucostat-" + string(v.Source()),
	}
}

// NightscoutSink posts entries to a Nightscout site
type NightscoutSink struct {
	endpoint   string
	secretHash string
	httpClient *http.Client
}

// NewNightscoutSink validates the site URL. A nil client gets a 30 second
// timeout.
func NewNightscoutSink(cfg config.NightscoutConfig, httpClient *http.Client) (*NightscoutSink, error) {
	base, err := url.Parse(cfg.URL)
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid nightscout url %q", cfg.URL)
	}
	endpoint := base.JoinPath(nightscoutEntriesPath)
	if cfg.Token != "" {
		q := endpoint.Query()
		q.Set("token", cfg.Token)
		endpoint.RawQuery = q.Encode()
	}

	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	s := &NightscoutSink{endpoint: endpoint.String(), httpClient: httpClient}
	if cfg.Secret != "" {
		sum := sha1.Sum([]byte(cfg.Secret))
		s.secretHash = hex.EncodeToString(sum[:])
	}
	return s, nil
}

func (s *NightscoutSink) Name() string { return "nightscout" }

// Publish posts v as a single-entry array
func (s *NightscoutSink) Publish(ctx context.Context, v glucose.Value, _ bool) error {
	body, err := json.Marshal([]Entry{NewEntry(v)})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if s.secretHash != "" {
		req.Header.Set("api-secret", s.secretHash)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("nightscout post: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("nightscout post: HTTP %d", resp.StatusCode)
	}
	return nil
}

func (s *NightscoutSink) Close() error {
	s.httpClient.CloseIdleConnections()
	return nil
}
