package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/tradle/tim-bank-sub000/internal/application/bank"
	"github.com/tradle/tim-bank-sub000/internal/application/simplebank"
)

// Server exposes the bank over HTTP: an inbound message endpoint, a
// websocket transport endpoint, read-only listings, and employee
// operations guarded by the admin token.
type Server struct {
	engine         *simplebank.Engine
	core           *bank.Core
	ws             http.Handler
	events         http.Handler
	metricsHandler http.Handler
	adminTokenHash string
	logger         zerolog.Logger
}

func NewServer(
	engine *simplebank.Engine,
	ws http.Handler,
	events http.Handler,
	metricsHandler http.Handler,
	adminTokenHash string,
	logger zerolog.Logger,
) *Server {
	return &Server{
		engine:         engine,
		core:           engine.Core(),
		ws:             ws,
		events:         events,
		metricsHandler: metricsHandler,
		adminTokenHash: adminTokenHash,
		logger:         logger.With().Str("service", "http").Logger(),
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/healthz", s.health)
	if s.metricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", s.metricsHandler)
	}
	if s.ws != nil {
		r.Method(http.MethodGet, "/ws", s.ws)
	}

	r.Route("/v1", func(r chi.Router) {
		r.Post("/messages", s.receiveMessage)
		r.Get("/messages", s.listMessages)
		r.Get("/identity", s.identity)
		if s.events != nil {
			r.Method(http.MethodGet, "/events", s.events)
		}

		r.Get("/customers", s.listCustomers)
		r.Get("/customers/{permalink}", s.getCustomer)
		r.Get("/contexts", s.listContexts)

		r.Group(func(r chi.Router) {
			r.Use(s.requireAdmin)
			r.Post("/applications/{context}/approve", s.approveApplication)
			r.Post("/applications/{context}/deny", s.denyApplication)
			r.Post("/applications/{context}/revoke", s.revokeProduct)
			r.Post("/customers/{permalink}/imports", s.createImportSession)
			r.Delete("/customers/{permalink}", s.forgetCustomer)
		})
	})

	return r
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"status": "ok", "identity": s.core.Identity()})
}

func (s *Server) identity(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"permalink": s.core.Identity(),
		"employees": s.core.Employees(),
	})
}

// Helpers

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, map[string]any{
		"error":   code,
		"message": message,
	})
}

// respondDomainError maps pipeline sentinels onto HTTP statuses.
func respondDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, bank.ErrProtocolViolation):
		respondError(w, http.StatusBadRequest, "PROTOCOL_VIOLATION", err.Error())
	case errors.Is(err, bank.ErrNotAuthorized):
		respondError(w, http.StatusForbidden, "NOT_AUTHORIZED", err.Error())
	case errors.Is(err, bank.ErrNotFound):
		respondError(w, http.StatusNotFound, "NOT_FOUND", err.Error())
	default:
		respondError(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
	}
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func parseLimitAfter(r *http.Request, defaultLimit, maxLimit int) (int, string) {
	limit := defaultLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		if l, err := strconv.Atoi(v); err == nil {
			limit = l
		}
	}
	if limit <= 0 {
		limit = defaultLimit
	}
	if limit > maxLimit {
		limit = maxLimit
	}
	return limit, r.URL.Query().Get("after")
}
