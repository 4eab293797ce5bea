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

// Package webhook receives inbound emails from the mail provider's parse
// API and appends them to the thread of the case they were addressed to.
package webhook

import (
	"context"
	"crypto/subtle"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/Inclusion-Numerique/mediature/internal/apperr"
	"github.com/Inclusion-Numerique/mediature/internal/messenger"
	"github.com/Inclusion-Numerique/mediature/internal/models"
)

// maxPayloadBytes bounds an inbound payload. Attachments arrive base64
// encoded inside the JSON body.
const maxPayloadBytes = 40 << 20

// Receiver appends an inbound email to its case.
type Receiver interface {
	ReceiveInbound(ctx context.Context, email models.InboundEmail) (*models.Message, error)
}

// Deduplicator claims delivery ids so provider retries are handled once.
type Deduplicator interface {
	IsNew(ctx context.Context, id string) (bool, error)
	Forget(ctx context.Context, id string) error
}

// Handler serves the inbound email webhook.
type Handler struct {
	receiver Receiver
	filter   Deduplicator
	password string
}

// NewHandler creates a webhook handler. filter may be nil to disable
// deduplication. When password is set, the provider must present it through
// HTTP basic auth.
func NewHandler(receiver Receiver, filter Deduplicator, password string) *Handler {
	return &Handler{
		receiver: receiver,
		filter:   filter,
		password: password,
	}
}

// ServeHTTP handles one inbound delivery.
//
// The status code drives the provider's retry policy: 200 when the message
// was recorded or already seen, 202 when the payload can never be processed
// and must not be retried, 500 when a retry may succeed.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if !h.authorized(r) {
		w.Header().Set("WWW-Authenticate", `Basic realm="inbound"`)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxPayloadBytes))
	if err != nil {
		slog.Error("failed to read inbound payload", "error", err)
		w.WriteHeader(http.StatusAccepted)
		return
	}

	email, err := ParsePayload(body)
	if err != nil {
		slog.Warn("ignoring invalid inbound payload", "error", err)
		w.WriteHeader(http.StatusAccepted)
		return
	}

	ctx := r.Context()
	claimed, duplicate := h.claim(ctx, email.MessageID)
	if duplicate {
		slog.Info("duplicate inbound delivery", "email_message_id", email.MessageID)
		received(w)
		return
	}

	message, err := h.receiver.ReceiveInbound(ctx, *email)
	if err != nil {
		if permanent(err) {
			slog.Warn("inbound email not routed",
				"email_message_id", email.MessageID,
				"from", email.From.Email,
				"error", err,
			)
			w.WriteHeader(http.StatusAccepted)
			return
		}

		slog.Error("failed to record inbound email",
			"email_message_id", email.MessageID,
			"error", err,
		)
		if claimed {
			if ferr := h.filter.Forget(ctx, email.MessageID); ferr != nil {
				slog.Error("failed to release dedup key",
					"email_message_id", email.MessageID,
					"error", ferr,
				)
			}
		}
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	slog.Info("inbound email received",
		"message_id", message.ID,
		"case_id", message.CaseID,
		"email_message_id", email.MessageID,
	)
	received(w)
}

// claim marks the delivery id as seen. duplicate is true when another
// delivery already claimed it. Without a filter or an id, or when the filter
// fails, nothing is claimed and the delivery is processed.
func (h *Handler) claim(ctx context.Context, id string) (claimed, duplicate bool) {
	if h.filter == nil || id == "" {
		return false, false
	}
	isNew, err := h.filter.IsNew(ctx, id)
	if err != nil {
		slog.Warn("dedup check failed, processing anyway",
			"email_message_id", id,
			"error", err,
		)
		return false, false
	}
	return isNew, !isNew
}

func (h *Handler) authorized(r *http.Request) bool {
	if h.password == "" {
		return true
	}
	_, pass, ok := r.BasicAuth()
	return ok && subtle.ConstantTimeCompare([]byte(pass), []byte(h.password)) == 1
}

// permanent reports whether retrying the delivery cannot change the outcome.
func permanent(err error) bool {
	if errors.Is(err, messenger.ErrUnroutable) {
		return true
	}
	switch apperr.KindOf(err) {
	case apperr.KindNotFound, apperr.KindValidation:
		return true
	}
	return false
}

func received(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("RECEIVED"))
}
