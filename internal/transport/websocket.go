// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package transport

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ErrConnectionClosed is returned when reading from a closed bridge
var ErrConnectionClosed = errors.New("transport: websocket connection closed")

// WebSocketPort reaches a receiver through a bridge that relays serial bytes
// as binary WebSocket messages.
type WebSocketPort struct {
	conn    *websocket.Conn
	url     string
	timeout time.Duration

	mu     sync.Mutex
	buf    []byte
	closed bool
}

// BridgeConfig describes a serial-over-WebSocket bridge
type BridgeConfig struct {
	URL           string
	Username      string
	Password      string
	SkipTLSVerify bool
	ReadTimeout   time.Duration
}

// DialBridge opens a WebSocket connection with HTTP Basic auth
func DialBridge(ctx context.Context, config BridgeConfig) (*WebSocketPort, error) {
	u, err := url.Parse(config.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss":
	default:
		return nil, fmt.Errorf("unsupported URL scheme: %s (use ws:// or wss://)", u.Scheme)
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}
	if u.Scheme == "wss" {
		dialer.TLSClientConfig = &tls.Config{
			InsecureSkipVerify: config.SkipTLSVerify,
		}
	}

	headers := http.Header{}
	if config.Username != "" && config.Password != "" {
		credentials := base64.StdEncoding.EncodeToString([]byte(config.Username + ":" + config.Password))
		headers.Set("Authorization", "Basic "+credentials)
	}

	conn, resp, err := dialer.DialContext(ctx, config.URL, headers)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("WebSocket connection failed (HTTP %d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("WebSocket connection failed: %w", err)
	}

	timeout := config.ReadTimeout
	if timeout <= 0 {
		timeout = DefaultReadTimeout
	}
	return &WebSocketPort{conn: conn, url: config.URL, timeout: timeout}, nil
}

// URL returns the bridge address
func (w *WebSocketPort) URL() string {
	return w.url
}

func (w *WebSocketPort) Read(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return 0, ErrConnectionClosed
	}
	if len(w.buf) > 0 {
		n := copy(p, w.buf)
		w.buf = w.buf[n:]
		return n, nil
	}

	for {
		if err := w.conn.SetReadDeadline(time.Now().Add(w.timeout)); err != nil {
			return 0, err
		}
		messageType, data, err := w.conn.ReadMessage()
		if err != nil {
			// gorilla connections are unusable after any read error
			w.closed = true
			var netErr interface{ Timeout() bool }
			if errors.As(err, &netErr) && netErr.Timeout() {
				return 0, ErrTimeout
			}
			return 0, err
		}
		if messageType != websocket.BinaryMessage {
			continue
		}
		n := copy(p, data)
		w.buf = data[n:]
		return n, nil
	}
}

func (w *WebSocketPort) Write(p []byte) (int, error) {
	if err := w.conn.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// ResetInputBuffer drops bytes already received but not yet read. Bytes
// still in flight on the bridge are not affected.
func (w *WebSocketPort) ResetInputBuffer() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrConnectionClosed
	}
	w.buf = nil
	return nil
}

// ResetOutputBuffer is a no-op: writes are sent as whole messages
func (w *WebSocketPort) ResetOutputBuffer() error {
	return nil
}

func (w *WebSocketPort) Close() error {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
	return w.conn.Close()
}
