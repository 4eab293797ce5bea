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

// Package lifecycle handles case intake and the status lifecycle of cases,
// along with the authorities and agents that own them.
package lifecycle

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/Inclusion-Numerique/mediature/internal/apperr"
	"github.com/Inclusion-Numerique/mediature/internal/attachment"
	"github.com/Inclusion-Numerique/mediature/internal/authz"
	"github.com/Inclusion-Numerique/mediature/internal/caseaddr"
	"github.com/Inclusion-Numerique/mediature/internal/mailer"
	"github.com/Inclusion-Numerique/mediature/internal/models"
	"github.com/Inclusion-Numerique/mediature/internal/validation"
)

// Repository is the persistence the controller needs.
type Repository interface {
	GetCase(ctx context.Context, caseID string) (*models.Case, error)
	GetCitizen(ctx context.Context, citizenID string) (*models.Citizen, error)
	GetAuthority(ctx context.Context, authorityID string) (*models.Authority, error)

	// CreateCase writes the citizen and the case in one transaction.
	CreateCase(ctx context.Context, in models.NewCase) (*models.Case, error)
	// UpdateCase applies the set fields of u in a single statement.
	UpdateCase(ctx context.Context, caseID string, u models.CaseUpdate) (*models.Case, error)
	// ListDueReminders returns open cases of the authority whose term
	// reminder is before the given time, earliest first.
	ListDueReminders(ctx context.Context, authorityID string, before time.Time) ([]models.Case, error)

	CreateAuthority(ctx context.Context, a *models.Authority) error
	AddAgent(ctx context.Context, userID, authorityID string) (*models.Agent, error)
}

// ConfirmationSender emails the intake acknowledgement.
type ConfirmationSender interface {
	SendCaseRequestConfirmation(ctx context.Context, c mailer.CaseRequestConfirmation) error
}

// Config wires the controller's collaborators.
type Config struct {
	Repo        Repository
	Checker     *authz.Checker
	Attachments *attachment.Reconciler
	Mailer      ConfirmationSender
	Addresses   caseaddr.Scheme
	ProductName string
	Now         func() time.Time
}

// Controller implements the case lifecycle operations.
type Controller struct {
	cfg Config
}

// NewController creates a case lifecycle controller.
func NewController(cfg Config) *Controller {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Controller{cfg: cfg}
}

func (c *Controller) now() time.Time { return c.cfg.Now().UTC() }

// RequestCaseInput is the public intake form.
type RequestCaseInput struct {
	AuthorityID     string `json:"authorityId" validate:"required"`
	Email           string `json:"email" validate:"required,email"`
	FirstName       string `json:"firstname" validate:"required,max=100"`
	LastName        string `json:"lastname" validate:"required,max=100"`
	Phone           string `json:"phone" validate:"omitempty,max=30"`
	Description     string `json:"description" validate:"required,max=10000"`
	EmailCopyWanted bool   `json:"emailCopyWanted"`
}

// RequestCase opens a case on behalf of a citizen. A confirmation failure is
// logged and does not fail the request.
func (c *Controller) RequestCase(ctx context.Context, in RequestCaseInput) (*models.Case, error) {
	if err := validation.Struct(in); err != nil {
		return nil, err
	}

	authority, err := c.cfg.Repo.GetAuthority(ctx, in.AuthorityID)
	if err != nil {
		return nil, err
	}

	created, err := c.cfg.Repo.CreateCase(ctx, models.NewCase{
		AuthorityID: authority.ID,
		Citizen: models.Citizen{
			FirstName: strings.TrimSpace(in.FirstName),
			LastName:  strings.TrimSpace(in.LastName),
			Email:     strings.ToLower(strings.TrimSpace(in.Email)),
			Phone:     strings.TrimSpace(in.Phone),
		},
		Description:   in.Description,
		InitiatedFrom: models.CasePlatformWeb,
	})
	if err != nil {
		return nil, fmt.Errorf("create case: %w", err)
	}

	slog.Info("case requested",
		"case_id", created.ID,
		"human_id", created.HumanID,
		"authority_id", authority.ID,
	)

	if in.EmailCopyWanted && c.cfg.Mailer != nil {
		err := c.cfg.Mailer.SendCaseRequestConfirmation(ctx, mailer.CaseRequestConfirmation{
			Requester: mailer.Requester{
				FirstName: in.FirstName,
				LastName:  in.LastName,
				Email:     in.Email,
			},
			CaseHumanID:   created.HumanID,
			AuthorityName: authority.Name,
			Description:   in.Description,
			ReplyTo: mailer.Address{
				Email: c.cfg.Addresses.Address(created.HumanID),
				Name:  c.cfg.ProductName,
			},
		})
		if err != nil {
			slog.Error("failed to send case request confirmation",
				"case_id", created.ID,
				"error", err,
			)
		}
	}

	return created, nil
}

// CaseDetails is a case with its citizen.
type CaseDetails struct {
	Case    *models.Case     `json:"case"`
	Citizen *models.Citizen  `json:"citizen"`
	State   models.CaseState `json:"state"`
}

// GetCase returns a case the caller manages.
func (c *Controller) GetCase(ctx context.Context, rc authz.RequestContext, caseID string) (*CaseDetails, error) {
	targetedCase, err := c.cfg.Checker.CanManageCase(ctx, rc, caseID)
	if err != nil {
		return nil, err
	}
	citizen, err := c.cfg.Repo.GetCitizen(ctx, targetedCase.CitizenID)
	if err != nil {
		return nil, fmt.Errorf("load citizen: %w", err)
	}
	return &CaseDetails{Case: targetedCase, Citizen: citizen, State: targetedCase.State()}, nil
}

// NullableTime distinguishes an absent JSON field from an explicit null.
type NullableTime struct {
	Set   bool
	Value *time.Time
}

// UnmarshalJSON marks the field as set; null clears the value.
func (n *NullableTime) UnmarshalJSON(data []byte) error {
	n.Set = true
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		n.Value = nil
		return nil
	}
	var t time.Time
	if err := json.Unmarshal(data, &t); err != nil {
		return err
	}
	n.Value = &t
	return nil
}

// UpdateCaseInput is a partial update. Nil fields are left unchanged.
type UpdateCaseInput struct {
	CaseID           string               `json:"caseId" validate:"required"`
	Status           *models.CaseStatus   `json:"status"`
	InitiatedFrom    *models.CasePlatform `json:"initiatedFrom"`
	TermReminderAt   NullableTime         `json:"termReminderAt"`
	Close            *bool                `json:"close"`
	FinalConclusion  *string              `json:"finalConclusion"`
	NextRequirements *string              `json:"nextRequirements"`
	Units            *string              `json:"units"`
}

// UpdateCase applies a partial update, closing or reopening the case when
// Close is set. Closing an already closed case keeps its closing date.
func (c *Controller) UpdateCase(ctx context.Context, rc authz.RequestContext, in UpdateCaseInput) (*models.Case, error) {
	if err := validation.Struct(in); err != nil {
		return nil, err
	}
	fields := make(map[string]string)
	if in.Status != nil && !in.Status.Valid() {
		fields["status"] = "unknown case status"
	}
	if in.InitiatedFrom != nil && !in.InitiatedFrom.Valid() {
		fields["initiatedFrom"] = "unknown platform"
	}
	if len(fields) > 0 {
		return nil, apperr.Validation("invalid input", fields)
	}

	targetedCase, err := c.cfg.Checker.CanManageCase(ctx, rc, in.CaseID)
	if err != nil {
		return nil, err
	}

	update := models.CaseUpdate{
		Status:           in.Status,
		InitiatedFrom:    in.InitiatedFrom,
		Units:            in.Units,
		FinalConclusion:  in.FinalConclusion,
		NextRequirements: in.NextRequirements,
		SetTermReminder:  in.TermReminderAt.Set,
		TermReminderAt:   in.TermReminderAt.Value,
		Close:            in.Close,
		Now:              c.now(),
	}

	updated, err := c.cfg.Repo.UpdateCase(ctx, targetedCase.ID, update)
	if err != nil {
		return nil, fmt.Errorf("update case: %w", err)
	}

	if targetedCase.State() != updated.State() {
		slog.Info("case state changed",
			"case_id", updated.ID,
			"from", targetedCase.State(),
			"to", updated.State(),
		)
	}
	return updated, nil
}

// DueReminders lists open cases of an authority whose term reminder falls
// within the given horizon.
func (c *Controller) DueReminders(ctx context.Context, rc authz.RequestContext, authorityID string, within time.Duration) ([]models.Case, error) {
	if err := c.cfg.Checker.CanManageAuthority(ctx, rc, authorityID); err != nil {
		return nil, err
	}
	cases, err := c.cfg.Repo.ListDueReminders(ctx, authorityID, c.now().Add(within))
	if err != nil {
		return nil, fmt.Errorf("list due reminders: %w", err)
	}
	return cases, nil
}

// CreateAuthorityInput is the payload of CreateAuthority.
type CreateAuthorityInput struct {
	Name             string               `json:"name" validate:"required,max=150"`
	Slug             string               `json:"slug" validate:"required,slug,max=100"`
	Type             models.AuthorityType `json:"type" validate:"required,oneof=city subdivision region"`
	LogoAttachmentID *string              `json:"logoAttachmentId"`
}

// CreateAuthority registers a new authority. Administrators only.
func (c *Controller) CreateAuthority(ctx context.Context, rc authz.RequestContext, in CreateAuthorityInput) (*models.Authority, error) {
	if err := authz.RequireAdmin(rc); err != nil {
		return nil, err
	}
	if err := validation.Struct(in); err != nil {
		return nil, err
	}

	var logo []string
	if in.LogoAttachmentID != nil && *in.LogoAttachmentID != "" {
		logo = []string{*in.LogoAttachmentID}
	}
	staged, err := c.cfg.Attachments.Stage(ctx, models.AttachmentKindAuthorityLogo, logo, nil,
		attachment.Limits{MaxAttachmentsTotal: 1})
	if err != nil {
		return nil, err
	}

	authority := &models.Authority{
		Name:      strings.TrimSpace(in.Name),
		Slug:      in.Slug,
		Type:      in.Type,
		CreatedAt: c.now(),
	}
	if len(logo) > 0 {
		authority.LogoAttachmentID = &logo[0]
	}

	if err := c.cfg.Repo.CreateAuthority(ctx, authority); err != nil {
		return nil, err
	}
	if err := staged.Commit(ctx); err != nil {
		slog.Error("failed to commit authority logo",
			"authority_id", authority.ID,
			"error", err,
		)
	}

	slog.Info("authority created", "authority_id", authority.ID, "slug", authority.Slug)
	return authority, nil
}

// AddAgentInput is the payload of AddAgent.
type AddAgentInput struct {
	AuthorityID string `json:"authorityId" validate:"required"`
	UserID      string `json:"userId" validate:"required"`
}

// AddAgent makes a user an agent of an authority. Adding an existing agent
// returns the existing membership.
func (c *Controller) AddAgent(ctx context.Context, rc authz.RequestContext, in AddAgentInput) (*models.Agent, error) {
	if err := authz.RequireAdmin(rc); err != nil {
		return nil, err
	}
	if err := validation.Struct(in); err != nil {
		return nil, err
	}

	agent, err := c.cfg.Repo.AddAgent(ctx, in.UserID, in.AuthorityID)
	if err != nil {
		return nil, err
	}
	slog.Info("agent added", "user_id", in.UserID, "authority_id", in.AuthorityID)
	return agent, nil
}
