// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package api exposes the case and messaging operations over HTTP. Every
// operation is a POST /rpc/{name} call taking a JSON object and answering
// {"result": ...} or {"error": {"code", "message", "fields"}}.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/Inclusion-Numerique/mediature/internal/apperr"
	"github.com/Inclusion-Numerique/mediature/internal/authz"
	"github.com/Inclusion-Numerique/mediature/internal/lifecycle"
	"github.com/Inclusion-Numerique/mediature/internal/messenger"
	"github.com/Inclusion-Numerique/mediature/internal/models"
)

const maxJSONBody = 1 << 20

// Messenger is the message dispatch engine.
type Messenger interface {
	SendMessage(ctx context.Context, rc authz.RequestContext, in messenger.SendMessageInput) (*models.Message, error)
	UpdateMessageMetadata(ctx context.Context, rc authz.RequestContext, in messenger.UpdateMessageMetadataInput) (*models.Message, error)
	ListMessages(ctx context.Context, rc authz.RequestContext, in messenger.ListMessagesInput) ([]models.Message, error)
	RecipientSuggestions(ctx context.Context, rc authz.RequestContext, caseID string) ([]models.ContactInput, error)
}

// Lifecycle is the case lifecycle controller.
type Lifecycle interface {
	RequestCase(ctx context.Context, in lifecycle.RequestCaseInput) (*models.Case, error)
	GetCase(ctx context.Context, rc authz.RequestContext, caseID string) (*lifecycle.CaseDetails, error)
	UpdateCase(ctx context.Context, rc authz.RequestContext, in lifecycle.UpdateCaseInput) (*models.Case, error)
	DueReminders(ctx context.Context, rc authz.RequestContext, authorityID string, within time.Duration) ([]models.Case, error)
	CreateAuthority(ctx context.Context, rc authz.RequestContext, in lifecycle.CreateAuthorityInput) (*models.Authority, error)
	AddAgent(ctx context.Context, rc authz.RequestContext, in lifecycle.AddAgentInput) (*models.Agent, error)
}

// Uploader stores attachment content.
type Uploader interface {
	Upload(ctx context.Context, rc authz.RequestContext, kind models.AttachmentKind, name, contentType string, r io.Reader) (*models.Attachment, error)
}

// Authenticator turns a bearer token into a principal.
type Authenticator interface {
	Verify(raw string) (authz.Principal, error)
}

// Pinger is a dependency checked by the health endpoint.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Config holds the server dependencies.
type Config struct {
	Messenger     Messenger
	Lifecycle     Lifecycle
	Uploader      Uploader
	Authenticator Authenticator
	Inbound       http.Handler      // inbound email webhook
	Health        map[string]Pinger // name → dependency
}

// Server routes HTTP requests to the operations.
type Server struct {
	cfg Config
	mux *http.ServeMux
}

// NewServer creates the HTTP API.
func NewServer(cfg Config) *Server {
	s := &Server{cfg: cfg, mux: http.NewServeMux()}
	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) routes() {
	s.mux.Handle("POST /rpc/sendMessage", rpc(s, s.cfg.Messenger.SendMessage))
	s.mux.Handle("POST /rpc/updateMessageMetadata", rpc(s, s.cfg.Messenger.UpdateMessageMetadata))
	s.mux.Handle("POST /rpc/listMessages", rpc(s, s.cfg.Messenger.ListMessages))
	s.mux.Handle("POST /rpc/getMessageRecipientsSuggestions", rpc(s, s.recipientSuggestions))

	s.mux.Handle("POST /rpc/requestCase", rpc(s, s.requestCase))
	s.mux.Handle("POST /rpc/getCase", rpc(s, s.getCase))
	s.mux.Handle("POST /rpc/updateCase", rpc(s, s.updateCase))
	s.mux.Handle("POST /rpc/listDueReminders", rpc(s, s.listDueReminders))
	s.mux.Handle("POST /rpc/createAuthority", rpc(s, s.cfg.Lifecycle.CreateAuthority))
	s.mux.Handle("POST /rpc/addAgent", rpc(s, s.cfg.Lifecycle.AddAgent))

	s.mux.HandleFunc("POST /attachments", s.upload)
	if s.cfg.Inbound != nil {
		s.mux.Handle("/webhooks/inbound-email", s.cfg.Inbound)
	}
	s.mux.HandleFunc("GET /health", s.health)
}

// rpc adapts an operation to an HTTP handler: it authenticates the caller,
// decodes the JSON input and encodes the result or error.
func rpc[In, Out any](s *Server, op func(context.Context, authz.RequestContext, In) (Out, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rc, err := s.requestContext(r)
		if err != nil {
			writeError(w, r, err)
			return
		}

		var in In
		if err := decodeJSON(w, r, &in); err != nil {
			writeError(w, r, err)
			return
		}

		out, err := op(r.Context(), rc, in)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"result": out})
	}
}

// requestContext builds the caller's request context from the bearer token.
// Requests without a token are anonymous; a bad token is refused outright.
func (s *Server) requestContext(r *http.Request) (authz.RequestContext, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return authz.Anonymous(), nil
	}
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || s.cfg.Authenticator == nil {
		return authz.RequestContext{}, apperr.New(apperr.KindUnauthenticated, "unsupported authorization scheme")
	}
	principal, err := s.cfg.Authenticator.Verify(strings.TrimSpace(token))
	if err != nil {
		return authz.RequestContext{}, err
	}
	return authz.NewRequestContext(principal), nil
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJSONBody))
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return apperr.Validation("request body is required", nil)
		}
		return apperr.Wrap(apperr.KindValidation, err, "invalid JSON body")
	}
	return nil
}

type errorBody struct {
	Code    apperr.Kind       `json:"code"`
	Message string            `json:"message"`
	Fields  map[string]string `json:"fields,omitempty"`
}

// writeError encodes err in the error envelope. Internal errors are logged
// and their details withheld from the caller.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	body := errorBody{Code: apperr.KindOf(err)}

	var appErr *apperr.Error
	switch {
	case body.Code == apperr.KindInternal:
		slog.Error("request failed",
			"path", r.URL.Path,
			"error", err,
		)
		body.Message = "internal error"
	case errors.As(err, &appErr):
		body.Message = appErr.Message
		body.Fields = appErr.Fields
	default:
		body.Message = err.Error()
	}

	writeJSON(w, apperr.HTTPStatus(body.Code), map[string]any{"error": body})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("failed to write response", "error", err)
	}
}

// health pings every dependency and reports the first failure.
func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	for name, dep := range s.cfg.Health {
		if err := dep.Ping(ctx); err != nil {
			slog.Warn("health check failed", "dependency", name, "error", err)
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": name + " unhealthy"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}
