// Package server exposes the verification session engine over HTTP.
package server

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/kokukuma/openid4vp-verifier/notify"
	"github.com/kokukuma/openid4vp-verifier/verifier"
)

type Server struct {
	store   verifier.Store
	builder *verifier.Builder
	handler *verifier.ResponseHandler
	hub     *notify.Hub

	// urlPrefix/walletURL serve cross-device flows; externalURL is the
	// request url authority for DC API flows.
	urlPrefix   string
	walletURL   string
	externalURL string

	router *mux.Router
	log    *logrus.Entry
}

func New(store verifier.Store, builder *verifier.Builder, handler *verifier.ResponseHandler, hub *notify.Hub, urlPrefix, walletURL, externalURL string) *Server {
	s := &Server{
		store:       store,
		builder:     builder,
		handler:     handler,
		hub:         hub,
		urlPrefix:   urlPrefix,
		walletURL:   walletURL,
		externalURL: externalURL,
		log:         logrus.WithField("component", "http-server"),
	}

	r := mux.NewRouter()
	r.HandleFunc("/verification-session/create", s.handleCreate).Methods("POST")
	r.HandleFunc("/verification-session/{id}/info", s.handleInfo).Methods("GET")
	r.HandleFunc("/verification-session/{id}/request", s.handleRequest).Methods("GET")
	r.HandleFunc("/verification-session/{id}/response", s.handleResponse).Methods("POST")
	r.HandleFunc("/verification-session/{id}/events", s.handleEvents).Methods("GET")
	s.router = r
	return s
}

func (s *Server) Router() *mux.Router {
	return s.router
}

type createResponse struct {
	SessionID                        string `json:"sessionId"`
	BootstrapAuthorizationRequestURL string `json:"bootstrapAuthorizationRequestUrl,omitempty"`
	FullAuthorizationRequestURL      string `json:"fullAuthorizationRequestUrl"`
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid_request", "failed to read request body")
		return
	}

	setup, err := verifier.DecodeSetup(body)
	if err != nil {
		var confErr *verifier.ConfigurationError
		if errors.As(err, &confErr) {
			s.writeFailure(w, err)
			return
		}
		s.writeError(w, http.StatusBadRequest, "invalid_request", "malformed session setup")
		return
	}

	urlPrefix, urlHost := s.urlPrefix, s.walletURL
	if setup.DCAPI != nil {
		urlPrefix, urlHost = "", s.externalURL
	}

	session, err := s.builder.Build(setup, urlPrefix, urlHost)
	if err != nil {
		s.writeFailure(w, err)
		return
	}

	if err := s.store.Put(r.Context(), session); err != nil {
		s.writeFailure(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, createResponse{
		SessionID:                        session.ID,
		BootstrapAuthorizationRequestURL: session.BootstrapAuthorizationRequestURL,
		FullAuthorizationRequestURL:      session.AuthorizationRequestURL,
	})
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	session, err := s.store.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		if errors.Is(err, verifier.ErrSessionNotFound) {
			s.writeError(w, http.StatusNotFound, "session_not_found", "no such verification session")
			return
		}
		s.writeFailure(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, session)
}

// handleRequest serves the full authorization request the bootstrap request
// points at: the signed JWT when the session uses a signed request, the
// plain JSON request object otherwise.
func (s *Server) handleRequest(w http.ResponseWriter, r *http.Request) {
	session, err := s.store.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		if errors.Is(err, verifier.ErrSessionNotFound) {
			s.writeError(w, http.StatusNotFound, "session_not_found", "no such verification session")
			return
		}
		s.writeFailure(w, err)
		return
	}

	if session.SignedAuthorizationRequestJWT != "" {
		w.Header().Set("Content-Type", "application/oauth-authz-req+jwt")
		fmt.Fprint(w, session.SignedAuthorizationRequestJWT)
		return
	}
	s.writeJSON(w, http.StatusOK, session.AuthorizationRequest)
}

func (s *Server) handleResponse(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid_request", "failed to parse form body")
		return
	}

	resp, err := s.handler.HandleResponse(r.Context(),
		mux.Vars(r)["id"], r.PostFormValue("vp_token"), r.PostFormValue("state"))
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if _, err := s.store.Get(r.Context(), id); err != nil {
		if errors.Is(err, verifier.ErrSessionNotFound) {
			s.writeError(w, http.StatusNotFound, "session_not_found", "no such verification session")
			return
		}
		s.writeFailure(w, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, "streaming_unsupported", "response writer does not support streaming")
		return
	}

	updates, cancel := s.hub.Subscribe(id)
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case update, ok := <-updates:
			if !ok {
				return
			}
			data, err := json.Marshal(update)
			if err != nil {
				s.log.WithError(err).Error("failed to marshal session update")
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", update.Event, data)
			flusher.Flush()
		}
	}
}

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// writeFailure maps domain errors to their HTTP shape.
func (s *Server) writeFailure(w http.ResponseWriter, err error) {
	var protoErr *verifier.ProtocolError
	if errors.As(err, &protoErr) {
		s.writeError(w, http.StatusBadRequest, protoErr.Code, protoErr.Message)
		return
	}
	var confErr *verifier.ConfigurationError
	if errors.As(err, &confErr) {
		s.writeError(w, http.StatusBadRequest, "configuration_error", confErr.Reason)
		return
	}
	var valErr *verifier.ValidationError
	if errors.As(err, &valErr) {
		s.writeError(w, http.StatusBadRequest, "validation_error", valErr.Err.Error())
		return
	}

	s.log.WithError(err).Error("request failed")
	s.writeError(w, http.StatusInternalServerError, "internal_error", "internal server error")
}

func (s *Server) writeError(w http.ResponseWriter, status int, code, message string) {
	s.writeJSON(w, status, errorBody{Error: code, Message: message})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.log.WithError(err).Error("failed to encode response")
	}
}
