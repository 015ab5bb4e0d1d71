// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package server exposes session status and forwarded readings over HTTP,
// with a WebSocket live feed.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/Thermoquad/glucostat/internal/clock"
	"github.com/Thermoquad/glucostat/internal/forward"
	"github.com/Thermoquad/glucostat/internal/glucose"
	"github.com/Thermoquad/glucostat/internal/session"
)

// StatusSource reports a session's status
type StatusSource interface {
	Status() session.Status
}

// Readings is the forwarder view the API serves
type Readings interface {
	Values() []glucose.Value
	Latest() (glucose.Value, bool)
	Sinks() []forward.SinkStatus
}

// Options configures a Server
type Options struct {
	InstanceID string
	Sessions   []StatusSource
	Readings   Readings
	Hub        *Hub
	Clock      clock.Clock
	Logger     zerolog.Logger
}

// Server is the status API
type Server struct {
	opts    Options
	log     zerolog.Logger
	router  chi.Router
	started time.Time
}

// StatusResponse is the body of GET /api/v1/status
type StatusResponse struct {
	InstanceID  string               `json:"instance_id"`
	Time        time.Time            `json:"time"`
	Uptime      string               `json:"uptime"`
	Latest      *glucose.Value       `json:"latest,omitempty"`
	Sessions    []session.Status     `json:"sessions"`
	Sinks       []forward.SinkStatus `json:"sinks"`
	LiveClients int                  `json:"live_clients"`
}

// New creates a server and its routes
func New(opts Options) *Server {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Hub == nil {
		opts.Hub = NewHub(opts.Logger)
	}
	s := &Server{
		opts:    opts,
		log:     opts.Logger.With().Str("component", "server").Logger(),
		router:  chi.NewRouter(),
		started: opts.Clock.Now(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Recoverer)
	s.router.Use(s.requestLogger)
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	s.router.Get("/health", s.handleHealth)
	s.router.Route("/api/v1", func(r chi.Router) {
		r.Get("/status", s.handleStatus)
		r.Get("/readings", s.handleReadings)
	})
	s.router.Get("/ws", s.opts.Hub.ServeHTTP)
}

// Handler returns the router
func (s *Server) Handler() http.Handler {
	return s.router
}

// Hub returns the live feed, which also serves as a forwarding sink
func (s *Server) Hub() *Hub {
	return s.opts.Hub
}

// ListenAndServe serves on addr until ctx ends
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx ends, then shuts down gracefully
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:     s.router,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutCtx)
	}()

	s.log.Info().Str("addr", ln.Addr().String()).Msg("status api listening")
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Msg("request")
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	now := s.opts.Clock.Now()
	resp := StatusResponse{
		InstanceID:  s.opts.InstanceID,
		Time:        now,
		Uptime:      now.Sub(s.started).Truncate(time.Second).String(),
		Sessions:    make([]session.Status, 0, len(s.opts.Sessions)),
		Sinks:       []forward.SinkStatus{},
		LiveClients: s.opts.Hub.Clients(),
	}
	for _, src := range s.opts.Sessions {
		resp.Sessions = append(resp.Sessions, src.Status())
	}
	if s.opts.Readings != nil {
		if latest, ok := s.opts.Readings.Latest(); ok {
			resp.Latest = &latest
		}
		resp.Sinks = s.opts.Readings.Sinks()
	}
	respondJSON(w, http.StatusOK, resp)
}

// handleReadings returns the forwarded series, oldest first. since
// (RFC 3339) and limit (most recent N) narrow the result.
func (s *Server) handleReadings(w http.ResponseWriter, r *http.Request) {
	var since time.Time
	if v := r.URL.Query().Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			respondError(w, http.StatusBadRequest, "since must be an RFC 3339 time")
			return
		}
		since = t
	}
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			respondError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	values := []glucose.Value{}
	if s.opts.Readings != nil {
		for _, v := range s.opts.Readings.Values() {
			if v.SensorTime().After(since) {
				values = append(values, v)
			}
		}
	}
	if limit > 0 && len(values) > limit {
		values = values[len(values)-limit:]
	}
	respondJSON(w, http.StatusOK, values)
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
