// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package server

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/Thermoquad/glucostat/internal/glucose"
)

// Live feed limits
const (
	ReplayCount   = 12
	clientBuffer  = 64
	writeDeadline = 10 * time.Second
)

type wsClient struct {
	id   string
	conn *websocket.Conn
	send chan []byte
}

// Hub broadcasts forwarded values to WebSocket clients. It is a forwarding
// sink: the forwarder calls Publish for every new value.
type Hub struct {
	log      zerolog.Logger
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*wsClient]struct{}
	recent  [][]byte
	closed  bool
}

// NewHub creates a hub with no clients
func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		log: logger.With().Str("component", "server").Logger(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients: make(map[*wsClient]struct{}),
	}
}

func (h *Hub) Name() string { return "live" }

// Publish sends v to every connected client. Clients whose buffer is full
// miss the value.
func (h *Hub) Publish(_ context.Context, v glucose.Value, _ bool) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.recent = append(h.recent, data)
	if len(h.recent) > ReplayCount {
		h.recent = h.recent[len(h.recent)-ReplayCount:]
	}
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			h.log.Warn().Str("client", c.id).Msg("live client too slow, value dropped")
		}
	}
	return nil
}

// Clients returns the number of connected clients
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Close disconnects every client
func (h *Hub) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
	}
	return nil
}

// ServeHTTP upgrades the request and replays the most recent values
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	client := &wsClient{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan []byte, clientBuffer),
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.Close()
		return
	}
	for _, data := range h.recent {
		client.send <- data
	}
	h.clients[client] = struct{}{}
	count := len(h.clients)
	h.mu.Unlock()

	h.log.Info().Str("client", client.id).Int("clients", count).Msg("live client connected")

	go h.writer(client)
	go h.reader(client)
}

func (h *Hub) writer(c *wsClient) {
	defer c.conn.Close()
	for msg := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
	c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseGoingAway, ""),
		time.Now().Add(time.Second))
}

// reader discards incoming messages and unregisters the client when the
// connection ends
func (h *Hub) reader(c *wsClient) {
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			break
		}
	}

	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	count := len(h.clients)
	h.mu.Unlock()
	h.log.Info().Str("client", c.id).Int("clients", count).Msg("live client disconnected")
}
