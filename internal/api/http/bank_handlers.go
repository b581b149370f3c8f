package httpapi

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/tradle/tim-bank-sub000/internal/application/bank"
	"github.com/tradle/tim-bank-sub000/internal/infrastructure/resource"
	"github.com/tradle/tim-bank-sub000/internal/infrastructure/transport"
	"github.com/tradle/tim-bank-sub000/internal/protocol"
)

// receiveMessage accepts a signed envelope and runs it through the
// pipeline. With ?sync=true the caller waits for outbound delivery
// confirmations as well. Unlike the websocket path there is no
// connection-level identity here, so the signature is checked before
// the envelope reaches the core.
func (s *Server) receiveMessage(w http.ResponseWriter, r *http.Request) {
	var env protocol.Envelope
	if err := decodeBody(r, &env); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", err.Error())
		return
	}
	if err := env.Verify(); err != nil {
		respondDomainError(w, fmt.Errorf("%w: %v", bank.ErrProtocolViolation, err))
		return
	}
	sync := r.URL.Query().Get("sync") == "true"
	sender := transport.SenderInfo{Permalink: env.Author, Transport: "http"}
	if err := s.core.Receive(r.Context(), env, sender, sync); err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"link": env.Link, "status": "processed"})
}

func (s *Server) listMessages(w http.ResponseWriter, r *http.Request) {
	limit, after := parseLimitAfter(r, 100, 500)
	msgs, err := s.core.ListMessages(r.Context(), resource.ListOptions{StartAfter: after, Limit: limit})
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"messages": msgs})
}

func (s *Server) listCustomers(w http.ResponseWriter, r *http.Request) {
	limit, after := parseLimitAfter(r, 100, 500)
	customers, err := s.core.ListCustomers(r.Context(), after, limit)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"customers": customers})
}

func (s *Server) getCustomer(w http.ResponseWriter, r *http.Request) {
	permalink := chi.URLParam(r, "permalink")
	state, err := s.core.LoadCustomer(r.Context(), permalink)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, state)
}

func (s *Server) listContexts(w http.ResponseWriter, r *http.Request) {
	limit, after := parseLimitAfter(r, 100, 500)
	refs, err := s.core.ListContexts(r.Context(), after, limit)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"contexts": refs})
}

type applicationActionRequest struct {
	Customer string `json:"customer"`
	Reason   string `json:"reason,omitempty"`
}

func (s *Server) approveApplication(w http.ResponseWriter, r *http.Request) {
	contextID := chi.URLParam(r, "context")
	var req applicationActionRequest
	if err := decodeBody(r, &req); err != nil || req.Customer == "" {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", "customer required")
		return
	}
	if err := s.engine.ApproveApplication(r.Context(), req.Customer, contextID); err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"context": contextID, "status": "approved"})
}

func (s *Server) denyApplication(w http.ResponseWriter, r *http.Request) {
	contextID := chi.URLParam(r, "context")
	var req applicationActionRequest
	if err := decodeBody(r, &req); err != nil || req.Customer == "" {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", "customer required")
		return
	}
	if err := s.engine.DenyApplication(r.Context(), req.Customer, contextID, req.Reason); err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"context": contextID, "status": "denied"})
}

func (s *Server) revokeProduct(w http.ResponseWriter, r *http.Request) {
	contextID := chi.URLParam(r, "context")
	var req applicationActionRequest
	if err := decodeBody(r, &req); err != nil || req.Customer == "" {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", "customer required")
		return
	}
	if err := s.engine.RevokeProduct(r.Context(), req.Customer, contextID); err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"context": contextID, "status": "revoked"})
}

type importSessionRequest struct {
	Session string              `json:"session,omitempty"`
	Items   []protocol.Envelope `json:"items"`
}

func (s *Server) createImportSession(w http.ResponseWriter, r *http.Request) {
	permalink := chi.URLParam(r, "permalink")
	var req importSessionRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", err.Error())
		return
	}
	session, err := s.engine.CreateImportSession(r.Context(), permalink, req.Session, req.Items)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"session": session, "status": "pending"})
}

func (s *Server) forgetCustomer(w http.ResponseWriter, r *http.Request) {
	permalink := chi.URLParam(r, "permalink")
	if err := s.core.ForgetCustomer(r.Context(), permalink); err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"customer": permalink, "status": "forgotten"})
}
