// OpenTalk Controller — conference signaling core
// Copyright 2026 OpenTalk contributors
// SPDX-License-Identifier: EUPL-1.2

// Package api exposes the controller's HTTP surface: the room start
// endpoint minting join credentials, the websocket signaling endpoint,
// health and metrics.
//
// Authentication happens upstream; the trusted subject arrives in the
// X-Auth-Subject header and is enforced against the policy store by the
// authz middleware.
package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/opentalk/controller/internal/authz"
	"github.com/opentalk/controller/internal/config"
	"github.com/opentalk/controller/internal/exchange"
	"github.com/opentalk/controller/internal/logging"
	"github.com/opentalk/controller/internal/signaling/module"
	"github.com/opentalk/controller/internal/signaling/room"
	"github.com/opentalk/controller/internal/signaling/ticket"
	"github.com/opentalk/controller/internal/storage"
)

// subjectHeader carries the authenticated policy subject, injected by
// the upstream authentication proxy.
const subjectHeader = "X-Auth-Subject"

// Server is the controller's HTTP surface. It implements suture.Service.
type Server struct {
	cfg     config.HTTPConfig
	sigCfg  config.SignalingConfig
	router  chi.Router
	httpSrv *http.Server

	enforcer    *authz.Enforcer
	tickets     *ticket.Service
	registry    *module.Registry
	storage     storage.Storage
	exchange    exchange.Exchange
	coordinator *room.Coordinator
}

// Options wires the server's collaborators.
type Options struct {
	Config          config.HTTPConfig
	SignalingConfig config.SignalingConfig
	Enforcer        *authz.Enforcer
	Tickets         *ticket.Service
	Registry        *module.Registry
	Storage         storage.Storage
	Exchange        exchange.Exchange
	Coordinator     *room.Coordinator
}

// NewServer builds the HTTP server and its route tree.
func NewServer(opts Options) *Server {
	s := &Server{
		cfg:         opts.Config,
		sigCfg:      opts.SignalingConfig,
		enforcer:    opts.Enforcer,
		tickets:     opts.Tickets,
		registry:    opts.Registry,
		storage:     opts.Storage,
		exchange:    opts.Exchange,
		coordinator: opts.Coordinator,
	}
	s.router = s.buildRouter()
	s.httpSrv = &http.Server{
		Addr:              net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port)),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(requestLogger)
	r.Use(chimiddleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", subjectHeader},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	r.Use(httprate.LimitByIP(s.cfg.RateLimitReqs, s.cfg.RateLimitSpan))

	r.Get("/healthz", s.handleHealth)
	if s.cfg.MetricsEnabled {
		r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	}

	// The signaling upgrade authenticates via its one-shot ticket, not
	// via the subject header.
	r.Get("/signaling", s.handleSignaling)

	authzMw := authz.NewMiddleware(s.enforcer)
	r.Route("/v1", func(r chi.Router) {
		r.Use(s.subjectFromHeader)
		r.Use(authzMw.Handler)
		r.Post("/rooms/{id}/start", s.handleRoomStart)
	})

	return r
}

// subjectFromHeader lifts the upstream-authenticated subject onto the
// request context for the authz middleware.
func (s *Server) subjectFromHeader(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if subject := r.Header.Get(subjectHeader); subject != "" {
			r = r.WithContext(authz.WithSubject(r.Context(), subject))
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Serve implements suture.Service: run the listener until the context is
// canceled, then drain.
func (s *Server) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.httpSrv.ListenAndServe()
	}()
	logging.Info().Str("addr", s.httpSrv.Addr).Msg("http server listening")

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.Timeout)
		defer cancel()
		if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *Server) String() string { return "http-server" }

// Router exposes the route tree for tests.
func (s *Server) Router() http.Handler { return s.router }

// requestLogger logs one line per completed request.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		logging.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Msg("request")
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logging.Warn().Err(err).Msg("response encoding failed")
	}
}

func writeError(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, map[string]string{"error": code})
}
