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

// Package messenger sends case messages by email, records inbound replies
// and exposes the message thread of a case.
package messenger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/Inclusion-Numerique/mediature/internal/apperr"
	"github.com/Inclusion-Numerique/mediature/internal/attachment"
	"github.com/Inclusion-Numerique/mediature/internal/authz"
	"github.com/Inclusion-Numerique/mediature/internal/caseaddr"
	"github.com/Inclusion-Numerique/mediature/internal/contact"
	"github.com/Inclusion-Numerique/mediature/internal/mailer"
	"github.com/Inclusion-Numerique/mediature/internal/models"
	"github.com/Inclusion-Numerique/mediature/internal/queue"
	"github.com/Inclusion-Numerique/mediature/internal/richtext"
	"github.com/Inclusion-Numerique/mediature/internal/validation"
)

// ErrUnroutable is returned by ReceiveInbound when no recipient is a case
// address.
var ErrUnroutable = errors.New("no case address among recipients")

// Repository is the persistence the engine needs.
type Repository interface {
	GetCase(ctx context.Context, caseID string) (*models.Case, error)
	FindCaseByHumanID(ctx context.Context, humanID int64) (*models.Case, error)
	GetCitizen(ctx context.Context, citizenID string) (*models.Citizen, error)
	GetAuthority(ctx context.Context, authorityID string) (*models.Authority, error)

	// CreateMessage writes the message as PENDING together with its
	// recipient, attachment and case links, atomically.
	CreateMessage(ctx context.Context, draft models.MessageDraft) (string, error)
	// SetMessageStatus moves a PENDING message to a final status.
	SetMessageStatus(ctx context.Context, messageID string, status models.MessageStatus) error
	GetMessage(ctx context.Context, messageID string) (*models.Message, error)
	ListMessagesByCase(ctx context.Context, caseID string) ([]models.Message, error)
	// GetMessageCaseLink returns nil without error when the message exists
	// but has no case link.
	GetMessageCaseLink(ctx context.Context, messageID string) (*models.MessageCaseLink, error)
	SetMessageProcessed(ctx context.Context, messageID string, processed bool) error
}

// deliveryTimeout bounds the dispatch and status write of a persisted message.
const deliveryTimeout = 2 * time.Minute

// MailTransport delivers one rendered case message dispatch.
type MailTransport interface {
	SendCaseMessage(ctx context.Context, msg mailer.CaseMessage) error
}

// Alerter notifies operators about delivery failures.
type Alerter interface {
	PublishAlert(ctx context.Context, alert queue.Alert) error
}

// Config wires the engine's collaborators.
type Config struct {
	Repo           Repository
	Checker        *authz.Checker
	Contacts       *contact.Resolver
	Attachments    *attachment.Reconciler
	Uploader       *attachment.Uploader
	Transport      MailTransport
	Alerter        Alerter // optional
	Addresses      caseaddr.Scheme
	ProductName    string
	MaxAttachments int
}

// Engine implements the messaging operations.
type Engine struct {
	cfg Config
}

// NewEngine creates a message dispatch engine.
func NewEngine(cfg Config) *Engine {
	if cfg.MaxAttachments <= 0 {
		cfg.MaxAttachments = attachment.DefaultMaxAttachments
	}
	return &Engine{cfg: cfg}
}

// AttachmentInput references an uploaded attachment.
type AttachmentInput struct {
	ID     string `json:"id" validate:"required"`
	Inline bool   `json:"inline"`
}

// SendMessageInput is the payload of SendMessage.
type SendMessageInput struct {
	CaseID      string                `json:"caseId" validate:"required"`
	Subject     string                `json:"subject" validate:"required,max=300"`
	Content     string                `json:"content" validate:"required"`
	To          []models.ContactInput `json:"to" validate:"required,min=1"`
	Attachments []AttachmentInput     `json:"attachments" validate:"dive"`
}

// SendMessage records an agent's message on a case and emails it. Delivery
// failures never surface as errors: the message ends in ERROR and operators
// are alerted.
func (e *Engine) SendMessage(ctx context.Context, rc authz.RequestContext, in SendMessageInput) (*models.Message, error) {
	if err := validation.Struct(in); err != nil {
		return nil, err
	}

	targetedCase, err := e.cfg.Checker.CanManageCase(ctx, rc, in.CaseID)
	if err != nil {
		return nil, err
	}

	attachmentIDs := make([]string, 0, len(in.Attachments))
	inline := make(map[string]bool)
	for _, a := range in.Attachments {
		attachmentIDs = append(attachmentIDs, a.ID)
		if a.Inline {
			inline[a.ID] = true
		}
	}
	staged, err := e.cfg.Attachments.Stage(ctx, models.AttachmentKindMessageDocument, attachmentIDs, nil,
		attachment.Limits{MaxAttachmentsTotal: e.cfg.MaxAttachments})
	if err != nil {
		return nil, err
	}

	recipients, err := contact.Normalize(in.To)
	if err != nil {
		return nil, err
	}

	citizen, err := e.cfg.Repo.GetCitizen(ctx, targetedCase.CitizenID)
	if err != nil {
		return nil, fmt.Errorf("load citizen: %w", err)
	}
	authority, err := e.cfg.Repo.GetAuthority(ctx, targetedCase.AuthorityID)
	if err != nil {
		return nil, fmt.Errorf("load authority: %w", err)
	}

	// The agent's last name is withheld from recipients.
	sender, err := e.cfg.Contacts.ResolveOne(ctx, models.ContactInput{
		Email: e.cfg.Addresses.Address(targetedCase.HumanID),
		Name:  fmt.Sprintf("%s de %s", rc.Principal().FirstName, e.cfg.ProductName),
	})
	if err != nil {
		return nil, fmt.Errorf("resolve sender: %w", err)
	}
	to, err := e.cfg.Contacts.Resolve(ctx, recipients)
	if err != nil {
		return nil, err
	}

	processed := false
	messageID, err := e.cfg.Repo.CreateMessage(ctx, models.MessageDraft{
		CaseID:            targetedCase.ID,
		Subject:           in.Subject,
		Content:           in.Content,
		FromContactID:     sender.ID,
		ToContactIDs:      contactIDs(to),
		AttachmentIDs:     staged.IDs,
		InlineAttachments: inline,
		MarkedAsProcessed: &processed,
	})
	if err != nil {
		return nil, fmt.Errorf("create message: %w", err)
	}

	// Once the row exists, delivery and its status write run to completion
	// even if the caller disconnects.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), deliveryTimeout)
	defer cancel()

	message, err := e.cfg.Repo.GetMessage(ctx, messageID)
	if err != nil {
		return nil, fmt.Errorf("load message: %w", err)
	}

	deliveryErr := e.dispatch(ctx, message, targetedCase, citizen, authority)

	// Attachments are consumed even when delivery failed: the message that
	// references them exists either way.
	if err := staged.Commit(ctx); err != nil {
		slog.Error("failed to commit message attachments",
			"message_id", messageID,
			"case_id", targetedCase.ID,
			"error", err,
		)
	}

	status := models.MessageStatusTransferred
	if deliveryErr != nil {
		status = models.MessageStatusError
		slog.Error("message delivery failed",
			"message_id", messageID,
			"case_id", targetedCase.ID,
			"error", deliveryErr,
		)
		e.alert(ctx, queue.Alert{
			Kind:      queue.AlertDeliveryFailed,
			MessageID: messageID,
			CaseID:    targetedCase.ID,
			Detail:    deliveryErr.Error(),
		})
	}

	if err := e.cfg.Repo.SetMessageStatus(ctx, messageID, status); err != nil {
		return nil, fmt.Errorf("set message status: %w", err)
	}

	slog.Info("message sent",
		"message_id", messageID,
		"case_id", targetedCase.ID,
		"status", status,
		"recipients", len(to),
		"attachments", len(staged.IDs),
	)

	return e.cfg.Repo.GetMessage(ctx, messageID)
}

// dispatch emails the message, once to the citizen with the requester
// template and once to everyone else. Both groups are attempted; the first
// failure is returned.
func (e *Engine) dispatch(ctx context.Context, message *models.Message, c *models.Case, citizen *models.Citizen, authority *models.Authority) error {
	body, err := richtext.ToHTML(message.Content)
	if err != nil {
		return err
	}

	refs := make([]mailer.AttachmentRef, 0, len(message.Attachments))
	for _, a := range message.Attachments {
		refs = append(refs, mailer.AttachmentRef{ID: a.ID, Name: a.Name, ContentType: a.ContentType, Inline: a.Inline})
	}

	citizenEmail := contact.NormalizeEmail(citizen.Email)
	var requester, others []mailer.Address
	for _, r := range message.To {
		addr := mailer.Address{Email: r.Email, Name: r.Name}
		if citizenEmail != "" && r.Email == citizenEmail {
			requester = append(requester, addr)
		} else {
			others = append(others, addr)
		}
	}

	base := mailer.CaseMessage{
		From:        mailer.Address{Email: message.From.Email, Name: message.From.Name},
		Subject:     message.Subject,
		BodyHTML:    body,
		Attachments: refs,
		Requester: mailer.Requester{
			FirstName: citizen.FirstName,
			LastName:  citizen.LastName,
			Email:     citizen.Email,
		},
		CaseHumanID:   c.HumanID,
		AuthorityName: authority.Name,
	}

	var errs []error
	if len(requester) > 0 {
		msg := base
		msg.ToRequester = true
		msg.To = requester
		if err := e.cfg.Transport.SendCaseMessage(ctx, msg); err != nil {
			errs = append(errs, fmt.Errorf("requester dispatch: %w", err))
		}
	}
	if len(others) > 0 {
		msg := base
		msg.To = others
		if err := e.cfg.Transport.SendCaseMessage(ctx, msg); err != nil {
			errs = append(errs, fmt.Errorf("third-party dispatch: %w", err))
		}
	}
	return errors.Join(errs...)
}

func (e *Engine) alert(ctx context.Context, alert queue.Alert) {
	if e.cfg.Alerter == nil {
		return
	}
	if err := e.cfg.Alerter.PublishAlert(ctx, alert); err != nil {
		slog.Warn("failed to publish operator alert",
			"message_id", alert.MessageID,
			"error", err,
		)
	}
}

// UpdateMessageMetadataInput is the payload of UpdateMessageMetadata.
type UpdateMessageMetadataInput struct {
	MessageID       string `json:"messageId" validate:"required"`
	MarkAsProcessed *bool  `json:"markAsProcessed"`
}

// UpdateMessageMetadata toggles the processed marker of a message. Inbound
// messages carry no marker and cannot be toggled.
func (e *Engine) UpdateMessageMetadata(ctx context.Context, rc authz.RequestContext, in UpdateMessageMetadataInput) (*models.Message, error) {
	if err := validation.Struct(in); err != nil {
		return nil, err
	}
	if err := authz.RequireAuthenticated(rc); err != nil {
		return nil, err
	}

	link, err := e.cfg.Repo.GetMessageCaseLink(ctx, in.MessageID)
	if err != nil {
		return nil, err
	}
	if link == nil {
		slog.Error("message is not linked to any case", "message_id", in.MessageID)
		return nil, apperr.New(apperr.KindInternal, "message %s has no case", in.MessageID)
	}

	if _, err := e.cfg.Checker.CanManageCase(ctx, rc, link.CaseID); err != nil {
		return nil, err
	}

	if in.MarkAsProcessed != nil {
		if link.MarkedAsProcessed == nil {
			return nil, apperr.New(apperr.KindNotToggleable, "this message cannot be marked as processed")
		}
		if *link.MarkedAsProcessed != *in.MarkAsProcessed {
			if err := e.cfg.Repo.SetMessageProcessed(ctx, in.MessageID, *in.MarkAsProcessed); err != nil {
				return nil, fmt.Errorf("set message processed: %w", err)
			}
		}
	}

	return e.cfg.Repo.GetMessage(ctx, in.MessageID)
}

// ListMessagesInput is the payload of ListMessages.
type ListMessagesInput struct {
	CaseIDs []string `json:"caseIds" validate:"required"`
}

// ListMessages returns the thread of exactly one case, oldest first.
func (e *Engine) ListMessages(ctx context.Context, rc authz.RequestContext, in ListMessagesInput) ([]models.Message, error) {
	if len(in.CaseIDs) != 1 {
		return nil, apperr.Validation("exactly one case must be given", map[string]string{
			"caseIds": "must contain exactly one case id",
		})
	}

	targetedCase, err := e.cfg.Checker.CanManageCase(ctx, rc, in.CaseIDs[0])
	if err != nil {
		return nil, err
	}

	messages, err := e.cfg.Repo.ListMessagesByCase(ctx, targetedCase.ID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	return messages, nil
}

// RecipientSuggestions returns the contacts an agent is likely to write to
// on a case.
func (e *Engine) RecipientSuggestions(ctx context.Context, rc authz.RequestContext, caseID string) ([]models.ContactInput, error) {
	targetedCase, err := e.cfg.Checker.CanManageCase(ctx, rc, caseID)
	if err != nil {
		return nil, err
	}

	citizen, err := e.cfg.Repo.GetCitizen(ctx, targetedCase.CitizenID)
	if err != nil {
		return nil, fmt.Errorf("load citizen: %w", err)
	}

	return e.cfg.Contacts.Suggestions(ctx, targetedCase.ID, citizen.Email, e.cfg.Addresses.IsCaseAddress)
}

// ReceiveInbound appends an email received on a case address to the case
// thread. Inbound messages carry no processed marker.
func (e *Engine) ReceiveInbound(ctx context.Context, email models.InboundEmail) (*models.Message, error) {
	var humanID int64
	for _, r := range email.To {
		if id, ok := e.cfg.Addresses.Match(r.Email); ok {
			humanID = id
			break
		}
	}
	if humanID == 0 {
		return nil, ErrUnroutable
	}

	targetedCase, err := e.cfg.Repo.FindCaseByHumanID(ctx, humanID)
	if err != nil {
		return nil, err
	}

	from, err := e.cfg.Contacts.ResolveOne(ctx, email.From)
	if err != nil {
		return nil, err
	}
	to, err := e.cfg.Contacts.Resolve(ctx, validRecipients(email.To))
	if err != nil {
		return nil, err
	}

	var attachmentIDs []string
	inline := make(map[string]bool)
	for _, a := range email.Attachments {
		uploaded, err := e.cfg.Uploader.Ingest(ctx, models.AttachmentKindMessageDocument, a.Name, a.ContentType, a.Content)
		if err != nil {
			if apperr.Is(err, apperr.KindValidation) {
				slog.Warn("skipping rejected inbound attachment",
					"case_id", targetedCase.ID,
					"name", a.Name,
					"error", err,
				)
				continue
			}
			return nil, fmt.Errorf("store inbound attachment: %w", err)
		}
		attachmentIDs = append(attachmentIDs, uploaded.ID)
		if a.Inline {
			inline[uploaded.ID] = true
		}
	}

	staged, err := e.cfg.Attachments.Stage(ctx, models.AttachmentKindMessageDocument, attachmentIDs, nil, attachment.Limits{})
	if err != nil {
		return nil, err
	}

	content := email.Text
	if strings.TrimSpace(content) == "" {
		content = email.HTML
	}

	messageID, err := e.cfg.Repo.CreateMessage(ctx, models.MessageDraft{
		CaseID:            targetedCase.ID,
		Subject:           email.Subject,
		Content:           content,
		FromContactID:     from.ID,
		ToContactIDs:      contactIDs(to),
		AttachmentIDs:     staged.IDs,
		InlineAttachments: inline,
	})
	if err != nil {
		return nil, fmt.Errorf("create inbound message: %w", err)
	}

	if err := staged.Commit(ctx); err != nil {
		slog.Error("failed to commit inbound attachments",
			"message_id", messageID,
			"error", err,
		)
	}

	if err := e.cfg.Repo.SetMessageStatus(ctx, messageID, models.MessageStatusTransferred); err != nil {
		return nil, fmt.Errorf("set message status: %w", err)
	}

	slog.Info("inbound message recorded",
		"message_id", messageID,
		"case_id", targetedCase.ID,
		"from", from.Email,
		"attachments", len(staged.IDs),
	)

	return e.cfg.Repo.GetMessage(ctx, messageID)
}

// validRecipients drops malformed addresses from provider-parsed headers,
// which may contain group syntax or undisclosed-recipients placeholders.
func validRecipients(in []models.ContactInput) []models.ContactInput {
	out := make([]models.ContactInput, 0, len(in))
	for _, r := range in {
		if validation.Email(contact.NormalizeEmail(r.Email)) {
			out = append(out, r)
		}
	}
	return out
}

func contactIDs(contacts []models.Contact) []string {
	ids := make([]string, 0, len(contacts))
	for _, c := range contacts {
		ids = append(ids, c.ID)
	}
	return ids
}
