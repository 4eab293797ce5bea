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

package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/Inclusion-Numerique/mediature/internal/apperr"
	"github.com/Inclusion-Numerique/mediature/internal/attachment"
	"github.com/Inclusion-Numerique/mediature/internal/authz"
	"github.com/Inclusion-Numerique/mediature/internal/lifecycle"
	"github.com/Inclusion-Numerique/mediature/internal/models"
)

const (
	defaultReminderDays = 7
	maxReminderDays     = 365

	// multipart overhead allowed on top of the largest attachment
	uploadSlack = 1 << 20
)

type caseRef struct {
	CaseID string `json:"caseId"`
}

func (r caseRef) validate() error {
	if strings.TrimSpace(r.CaseID) == "" {
		return apperr.Validation("invalid input", map[string]string{"caseId": "required"})
	}
	return nil
}

func (s *Server) recipientSuggestions(ctx context.Context, rc authz.RequestContext, in caseRef) ([]models.ContactInput, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}
	return s.cfg.Messenger.RecipientSuggestions(ctx, rc, in.CaseID)
}

func (s *Server) getCase(ctx context.Context, rc authz.RequestContext, in caseRef) (*lifecycle.CaseDetails, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}
	return s.cfg.Lifecycle.GetCase(ctx, rc, in.CaseID)
}

// requestCase is public: intake comes from citizens without an account.
func (s *Server) requestCase(ctx context.Context, _ authz.RequestContext, in lifecycle.RequestCaseInput) (*models.Case, error) {
	return s.cfg.Lifecycle.RequestCase(ctx, in)
}

// updateCase refuses to close a case without a final conclusion. The
// controller itself accepts any combination.
func (s *Server) updateCase(ctx context.Context, rc authz.RequestContext, in lifecycle.UpdateCaseInput) (*models.Case, error) {
	if in.Close != nil && *in.Close && (in.FinalConclusion == nil || strings.TrimSpace(*in.FinalConclusion) == "") {
		return nil, apperr.Validation("a final conclusion is required to close a case", map[string]string{
			"finalConclusion": "required when closing",
		})
	}
	return s.cfg.Lifecycle.UpdateCase(ctx, rc, in)
}

type dueRemindersInput struct {
	AuthorityID string `json:"authorityId"`
	WithinDays  int    `json:"withinDays"`
}

func (s *Server) listDueReminders(ctx context.Context, rc authz.RequestContext, in dueRemindersInput) ([]models.Case, error) {
	fields := make(map[string]string)
	if strings.TrimSpace(in.AuthorityID) == "" {
		fields["authorityId"] = "required"
	}
	if in.WithinDays < 0 || in.WithinDays > maxReminderDays {
		fields["withinDays"] = "must be between 0 and 365"
	}
	if len(fields) > 0 {
		return nil, apperr.Validation("invalid input", fields)
	}

	days := in.WithinDays
	if days == 0 {
		days = defaultReminderDays
	}
	return s.cfg.Lifecycle.DueReminders(ctx, rc, in.AuthorityID, time.Duration(days)*24*time.Hour)
}

// upload stores one multipart file. The "kind" form value selects the size
// and type rules applied to it.
func (s *Server) upload(w http.ResponseWriter, r *http.Request) {
	rc, err := s.requestContext(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := authz.RequireAuthenticated(rc); err != nil {
		writeError(w, r, err)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, attachment.MaxSize()+uploadSlack)
	reader, err := r.MultipartReader()
	if err != nil {
		writeError(w, r, apperr.Wrap(apperr.KindValidation, err, "multipart body expected"))
		return
	}

	// The kind field must precede the file so the content can be streamed.
	var kind models.AttachmentKind
	for {
		part, err := reader.NextPart()
		if err != nil {
			writeError(w, r, apperr.Validation("a file is required", map[string]string{"file": "required"}))
			return
		}

		switch part.FormName() {
		case "kind":
			value, err := io.ReadAll(io.LimitReader(part, 64))
			if err != nil {
				writeError(w, r, apperr.Wrap(apperr.KindValidation, err, "invalid kind"))
				return
			}
			kind = models.AttachmentKind(strings.TrimSpace(string(value)))
		case "file":
			if kind == "" {
				writeError(w, r, apperr.Validation("invalid input", map[string]string{"kind": "must be sent before file"}))
				return
			}
			a, err := s.cfg.Uploader.Upload(r.Context(), rc, kind, part.FileName(), part.Header.Get("Content-Type"), part)
			if err != nil {
				var tooLarge *http.MaxBytesError
				if errors.As(err, &tooLarge) {
					err = apperr.Validation("file too large", map[string]string{"file": "too large"})
				}
				writeError(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"result": a})
			return
		}
	}
}
