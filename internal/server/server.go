/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package server is the inbound HTTP surface: health probes, the duty
// snapshot endpoint, and the provider push-event receiver.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/lemanapro/dutyscdp-bot/internal/config"
	"github.com/lemanapro/dutyscdp-bot/internal/dispatch"
	"github.com/lemanapro/dutyscdp-bot/internal/duty"
	"github.com/lemanapro/dutyscdp-bot/internal/events"
	"github.com/lemanapro/dutyscdp-bot/internal/reconciler"
	"github.com/lemanapro/dutyscdp-bot/internal/telemetry"
)

const maxEventBody = 1 << 20 // 1 MiB

// UserResolver maps a chat username to its directory identity; satisfied by
// the Loop client. May be nil, in which case the username is used as-is.
type UserResolver interface {
	LookupUser(ctx context.Context, username string) (duty.Person, error)
}

// Server bundles the router and the HTTP listener.
type Server struct {
	cfg        *config.Config
	logger     zerolog.Logger
	router     chi.Router
	httpServer *http.Server

	rec      *reconciler.Reconciler
	bus      *events.Bus
	gate     reconciler.LeaderGate
	resolver UserResolver

	// provider_id -> shared secret for inbound signature checks.
	secrets map[string]string
}

// New builds the HTTP server. gate may be nil when leader election is
// disabled; resolver may be nil when no directory lookup is available.
func New(cfg *config.Config, logger zerolog.Logger, rec *reconciler.Reconciler, bus *events.Bus, gate reconciler.LeaderGate, resolver UserResolver) *Server {
	router := chi.NewRouter()

	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Recoverer)
	router.Use(securityHeadersMiddleware)
	router.Use(telemetry.TracingMiddleware("dutyscdp-bot"))
	router.Use(telemetry.MetricsMiddleware)
	router.Use(middleware.Timeout(30 * time.Second))

	secrets := map[string]string{
		config.ProviderLoop: cfg.Loop.WebhookSecret,
	}
	if cfg.OnCall != nil {
		secrets[config.ProviderOnCall] = cfg.OnCall.WebhookSecret
	}

	srv := &Server{
		cfg:      cfg,
		logger:   logger.With().Str("component", "server").Logger(),
		router:   router,
		rec:      rec,
		bus:      bus,
		gate:     gate,
		resolver: resolver,
		secrets:  secrets,
	}

	srv.configureRoutes()

	addr := fmt.Sprintf("%s:%d", cfg.Server.Bind, cfg.Server.Port)
	srv.httpServer = &http.Server{
		Addr:              addr,
		Handler:           srv.router,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	return srv
}

// Router exposes the handler for tests.
func (s *Server) Router() http.Handler {
	return s.router
}

// Start begins serving. It blocks until the listener stops.
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.httpServer.Addr).Msg("HTTP server listening")
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func securityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		next.ServeHTTP(w, r)
	})
}

func (s *Server) configureRoutes() {
	s.router.Get("/healthz", s.handleHealthz)
	s.router.Get("/ready", s.handleReady)
	s.router.Get("/duty", s.handleDuty)
	s.router.Post("/events/{providerID}", s.handleEvent)
	s.router.Handle("/metrics", telemetry.Handler())
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{"status": "ok"}
	if s.gate != nil {
		body["leader"] = s.gate.IsLeader()
	}
	writeJSON(w, http.StatusOK, body)
}

// handleReady reports 503 until the first reconciliation cycle has published
// a snapshot, so load balancers never route to an instance serving nothing.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if !s.rec.Ready() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "waiting for first reconciliation"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

// laneView is the public wire shape of one provider lane, keyed by provider
// id at the top level of the /duty body.
type laneView struct {
	Person         string     `json:"person"`
	PersonName     string     `json:"person_name,omitempty"`
	ValidFrom      *time.Time `json:"valid_from,omitempty"`
	ValidUntil     *time.Time `json:"valid_until,omitempty"`
	SourceRevision string     `json:"source_revision"`
	Stale          bool       `json:"stale"`
	ObservedAt     time.Time  `json:"observed_at"`
}

func (s *Server) handleDuty(w http.ResponseWriter, r *http.Request) {
	snap := s.rec.Snapshot()
	if snap == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": "no snapshot yet"})
		return
	}

	body := make(map[string]laneView, len(snap.Providers))
	for id, state := range snap.Providers {
		body[id] = laneView{
			Person:         state.Person.ID,
			PersonName:     state.Person.Name,
			ValidFrom:      state.ValidFrom,
			ValidUntil:     state.ValidUntil,
			SourceRevision: state.SourceRevision,
			Stale:          state.Stale,
			ObservedAt:     snap.ObservedAt,
		}
	}
	writeJSON(w, http.StatusOK, body)
}

// inboundEvent is the loosely-typed push payload providers send. Loop
// outgoing webhooks use user_name/text/root_id, with some install variants
// nesting a user object; other shapes are tolerated because the event only
// triggers a refresh.
type inboundEvent struct {
	UserName string `json:"user_name"`
	User     struct {
		Username string `json:"username"`
		Ldap     string `json:"ldap"`
	} `json:"user"`
	Text   string `json:"text"`
	RootID string `json:"root_id"`
}

func (s *Server) handleEvent(w http.ResponseWriter, r *http.Request) {
	providerID := chi.URLParam(r, "providerID")

	secret, known := s.secrets[providerID]
	if !known {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "unknown provider"})
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxEventBody))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "unreadable body"})
		return
	}

	if secret != "" {
		sig := r.Header.Get("X-Duty-Signature")
		if !dispatch.VerifySignature(body, secret, sig) {
			s.logger.Warn().Str("provider", providerID).Msg("rejected push event with bad signature")
			writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "invalid signature"})
			return
		}
	}

	var evt inboundEvent
	if len(body) > 0 {
		// A malformed body still triggers a refresh; it just carries no
		// message for acknowledgment matching.
		_ = json.Unmarshal(body, &evt)
	}
	user := evt.UserName
	if user == "" {
		user = evt.User.Username
	}
	if evt.Text != "" {
		s.bus.Publish(events.EventInboundMessage, events.Payload{
			"provider_id": providerID,
			"user":        user,
			"ldap":        s.resolveLdap(r.Context(), user, evt.User.Ldap),
			"text":        evt.Text,
			"root_id":     evt.RootID,
		})
	}

	s.rec.Refresh(providerID)

	s.logger.Debug().Str("provider", providerID).Msg("accepted push event")
	writeJSON(w, http.StatusAccepted, map[string]any{"status": "accepted"})
}

// resolveLdap settles the sender identity for acknowledgment matching: the
// payload's own ldap wins, then a directory lookup, then the raw username.
func (s *Server) resolveLdap(ctx context.Context, username, ldap string) string {
	if ldap != "" {
		return ldap
	}
	if username == "" {
		return ""
	}
	if s.resolver != nil {
		lookupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		person, err := s.resolver.LookupUser(lookupCtx, username)
		if err == nil && person.ID != "" {
			return person.ID
		}
		s.logger.Warn().Err(err).Str("user", username).Msg("user lookup failed, matching on username")
	}
	return username
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
