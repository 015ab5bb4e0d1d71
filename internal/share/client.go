// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package share is a client for the Dexcom Share web service, which relays
// readings uploaded by the phone app or a connected receiver.
package share

import (
	"bytes"
	"context"
	"encoding/json"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/Thermoquad/glucostat/internal/glucose"
)

// Service constants
const (
	ApplicationID    = "d8665ade-9673-4e27-9ff6-92db4ce13d13"
	DefaultUserAgent = "Dexcom Share/3.0.2.11 CFNetwork/711.2.23 Darwin/14.0.0"

	loginPath      = "/ShareWebServices/Services/General/LoginPublisherAccountByName"
	serverTimePath = "/ShareWebServices/Services/General/SystemUtcTime"
	readingsPath   = "/ShareWebServices/Services/Publisher/ReadPublisherLatestGlucoseValues"

	maxResponseSize = 1 << 20
)

// Hosts maps a region to the Share server for accounts registered there
var Hosts = map[string]string{
	"us": "share2.dexcom.com",
	"eu": "shareous1.dexcom.com",
}

// emptySessionID is returned by the login endpoint for some rejected
// credentials instead of an error status
const emptySessionID = "00000000-0000-0000-0000-000000000000"

// ClientConfig holds configuration for creating a Client.
type ClientConfig struct {
	// Region selects the server: "us" or "eu".
	Region string
	// Username and Password are the publisher account credentials.
	Username string
	Password string
	// BaseURL overrides the region's server, e.g. for a test server.
	BaseURL string
	// HTTPClient is used for all requests. If nil, a client with a 30s
	// timeout is used.
	HTTPClient *http.Client
	// UserAgent overrides DefaultUserAgent.
	UserAgent string
}

// Client talks to the Share service. It holds no session state: the session
// id returned by Login is passed to each readings request.
type Client struct {
	baseURL    string
	username   string
	password   string
	userAgent  string
	httpClient *http.Client
}

// Reading is one value as reported by the service. Times are in the
// server's clock.
type Reading struct {
	SystemTime  time.Time
	DisplayTime time.Time
	WallTime    time.Time
	Value       float64
	Trend       glucose.Trend
}

// NewClient creates a Share client
func NewClient(config ClientConfig) (*Client, error) {
	baseURL := config.BaseURL
	if baseURL == "" {
		host, ok := Hosts[config.Region]
		if !ok {
			return nil, fmt.Errorf("share: unknown region %q", config.Region)
		}
		baseURL = "https://" + host
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("share: invalid base URL %q: %w", baseURL, err)
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	userAgent := config.UserAgent
	if userAgent == "" {
		userAgent = DefaultUserAgent
	}

	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		username:   config.Username,
		password:   config.Password,
		userAgent:  userAgent,
		httpClient: httpClient,
	}, nil
}

// BaseURL returns the server the client talks to
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Login authenticates the publisher account and returns a session id
func (c *Client) Login(ctx context.Context) (string, error) {
	payload, err := json.Marshal(map[string]string{
		"accountName":   c.username,
		"password":      c.password,
		"applicationId": ApplicationID,
	})
	if err != nil {
		return "", fmt.Errorf("share: encode login: %w", err)
	}

	status, body, err := c.do(ctx, http.MethodPost, loginPath, nil, payload)
	if err != nil {
		return "", &NetworkError{Op: "login", Err: err}
	}
	if status != http.StatusOK {
		return "", &AuthError{Status: status, Body: strings.TrimSpace(string(body))}
	}

	sessionID := strings.Trim(strings.TrimSpace(string(body)), `"`)
	if sessionID == "" || sessionID == emptySessionID {
		return "", &AuthError{Status: status, Body: "empty session id"}
	}
	return sessionID, nil
}

// ServerTime returns the server's UTC clock
func (c *Client) ServerTime(ctx context.Context) (time.Time, error) {
	status, body, err := c.do(ctx, http.MethodGet, serverTimePath, nil, nil)
	if err != nil {
		return time.Time{}, &NetworkError{Op: "server time", Err: err}
	}
	if status != http.StatusOK {
		return time.Time{}, &NetworkError{Op: "server time", Status: status}
	}

	t, err := parseServerTimeDocument(body)
	if err != nil {
		return time.Time{}, &NetworkError{Op: "server time", Status: status, Err: err}
	}
	return t, nil
}

// parseServerTimeDocument finds the first element whose name ends in
// "DateTime" and parses its text.
func parseServerTimeDocument(body []byte) (time.Time, error) {
	decoder := xml.NewDecoder(bytes.NewReader(body))
	for {
		token, err := decoder.Token()
		if errors.Is(err, io.EOF) {
			return time.Time{}, errors.New("no DateTime element")
		}
		if err != nil {
			return time.Time{}, fmt.Errorf("parse server time: %w", err)
		}
		start, ok := token.(xml.StartElement)
		if !ok || !strings.HasSuffix(start.Name.Local, "DateTime") {
			continue
		}
		var text string
		if err := decoder.DecodeElement(&text, &start); err != nil {
			return time.Time{}, fmt.Errorf("parse server time: %w", err)
		}
		return parseServerTime(text)
	}
}

type rawReading struct {
	DT    string          `json:"DT"`
	ST    string          `json:"ST"`
	WT    string          `json:"WT"`
	Value float64         `json:"Value"`
	Trend json.RawMessage `json:"Trend"`
}

// Readings returns up to maxCount readings from the last minutes, newest
// first.
func (c *Client) Readings(ctx context.Context, sessionID string, minutes, maxCount int) ([]Reading, error) {
	query := url.Values{}
	query.Set("sessionId", sessionID)
	query.Set("minutes", strconv.Itoa(minutes))
	query.Set("maxCount", strconv.Itoa(maxCount))

	status, body, err := c.do(ctx, http.MethodPost, readingsPath, query, nil)
	if err != nil {
		return nil, &NetworkError{Op: "readings", Err: err}
	}
	if status != http.StatusOK {
		if sessionRejected(status, body) {
			return nil, &AuthError{Status: status, Body: strings.TrimSpace(string(body))}
		}
		return nil, &NetworkError{Op: "readings", Status: status}
	}

	var raw []rawReading
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, &NetworkError{Op: "readings", Status: status, Err: err}
	}
	readings := make([]Reading, 0, len(raw))
	for i, r := range raw {
		reading, err := r.decode()
		if err != nil {
			return nil, &NetworkError{Op: "readings", Status: status, Err: fmt.Errorf("reading %d: %w", i, err)}
		}
		readings = append(readings, reading)
	}
	return readings, nil
}

func (r rawReading) decode() (Reading, error) {
	st, err := ParseDate(r.ST)
	if err != nil {
		return Reading{}, err
	}
	// DT and WT are informational; fall back to ST when absent
	dt, err := ParseDate(r.DT)
	if err != nil {
		dt = st
	}
	wt, err := ParseDate(r.WT)
	if err != nil {
		wt = st
	}
	trend, err := parseTrend(r.Trend)
	if err != nil {
		return Reading{}, err
	}
	return Reading{
		SystemTime:  st,
		DisplayTime: dt,
		WallTime:    wt,
		Value:       r.Value,
		Trend:       trend,
	}, nil
}

// parseTrend accepts the numeric code of older servers and the direction
// name of newer ones.
func parseTrend(raw json.RawMessage) (glucose.Trend, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return glucose.TrendNone, nil
	}
	var name string
	if err := json.Unmarshal(raw, &name); err == nil {
		return glucose.ParseTrend(name)
	}
	return glucose.ParseTrend(string(raw))
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body []byte) (int, []byte, error) {
	requestURL := c.baseURL + path
	if query != nil {
		requestURL += "?" + query.Encode()
	}

	request, err := http.NewRequestWithContext(ctx, method, requestURL, bytes.NewReader(body))
	if err != nil {
		return 0, nil, fmt.Errorf("create request: %w", err)
	}
	request.Header.Set("Accept", "application/json")
	request.Header.Set("User-Agent", c.userAgent)
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}

	response, err := c.httpClient.Do(request)
	if err != nil {
		return 0, nil, err
	}
	defer response.Body.Close()

	responseBody, err := io.ReadAll(io.LimitReader(response.Body, maxResponseSize))
	if err != nil {
		return response.StatusCode, nil, fmt.Errorf("read response: %w", err)
	}
	return response.StatusCode, responseBody, nil
}
