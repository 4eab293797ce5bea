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

// Package mailer renders the case email templates and hands the result to a
// Transport (SMTP, Microsoft Graph or log).
package mailer

import (
	"bytes"
	"context"
	"embed"
	"fmt"
	"html/template"
	"log/slog"
)

// Template names.
const (
	TemplateCaseMessage             = "case_message"
	TemplateCaseMessageToRequester  = "case_message_to_requester"
	TemplateCaseRequestConfirmation = "case_request_confirmation"
)

//go:embed templates/*.html
var templateFS embed.FS

// Address is a mailbox with an optional display name.
type Address struct {
	Email string
	Name  string
}

// Attachment is a file carried by an outgoing email.
type Attachment struct {
	// ID is the attachment id. Inline parts use it as their Content-ID.
	ID          string
	Name        string
	ContentType string
	Inline      bool
	Content     []byte
}

// Email is a fully rendered message ready for a transport.
type Email struct {
	Template    string
	From        Address
	To          []Address
	Subject     string
	HTML        string
	Attachments []Attachment
}

// Transport delivers rendered emails.
type Transport interface {
	Send(ctx context.Context, email *Email) error
}

// ContentLoader reads attachment content by attachment id.
type ContentLoader interface {
	Get(ctx context.Context, key string) ([]byte, error)
}

// AttachmentRef points at stored attachment content.
type AttachmentRef struct {
	ID          string
	Name        string
	ContentType string
	Inline      bool
}

// Requester identifies the citizen behind a case.
type Requester struct {
	FirstName string
	LastName  string
	Email     string
}

// CaseMessage is one dispatch of a case message. ToRequester selects the
// template addressed to the citizen; other recipients get the plain one.
type CaseMessage struct {
	ToRequester   bool
	From          Address
	To            []Address
	Subject       string
	BodyHTML      string
	Attachments   []AttachmentRef
	Requester     Requester
	CaseHumanID   int64
	AuthorityName string
}

// CaseRequestConfirmation acknowledges a citizen's new case.
type CaseRequestConfirmation struct {
	Requester     Requester
	CaseHumanID   int64
	AuthorityName string
	Description   string
	ReplyTo       Address
}

// Options configures the mailer.
type Options struct {
	ProductName string
	// NoReply sends confirmations that are not bound to a case address.
	NoReply Address
}

// Mailer renders case templates and sends them through a transport.
type Mailer struct {
	transport Transport
	content   ContentLoader
	templates *template.Template
	opts      Options
}

// New parses the embedded templates and returns a mailer.
func New(transport Transport, content ContentLoader, opts Options) (*Mailer, error) {
	tmpl, err := template.ParseFS(templateFS, "templates/*.html")
	if err != nil {
		return nil, fmt.Errorf("parse email templates: %w", err)
	}
	return &Mailer{transport: transport, content: content, templates: tmpl, opts: opts}, nil
}

type templateData struct {
	ProductName   string
	Subject       string
	Body          template.HTML
	Requester     Requester
	CaseHumanID   int64
	AuthorityName string
	Description   string
}

// SendCaseMessage renders and sends one case message dispatch.
func (m *Mailer) SendCaseMessage(ctx context.Context, msg CaseMessage) error {
	if len(msg.To) == 0 {
		return fmt.Errorf("case message has no recipient")
	}

	name := TemplateCaseMessage
	if msg.ToRequester {
		name = TemplateCaseMessageToRequester
	}

	// BodyHTML comes out of the Markdown renderer, which drops raw HTML.
	html, err := m.render(name, templateData{
		ProductName:   m.opts.ProductName,
		Subject:       msg.Subject,
		Body:          template.HTML(msg.BodyHTML),
		Requester:     msg.Requester,
		CaseHumanID:   msg.CaseHumanID,
		AuthorityName: msg.AuthorityName,
	})
	if err != nil {
		return err
	}

	attachments, err := m.loadAttachments(ctx, msg.Attachments)
	if err != nil {
		return err
	}

	return m.send(ctx, &Email{
		Template:    name,
		From:        msg.From,
		To:          msg.To,
		Subject:     msg.Subject,
		HTML:        html,
		Attachments: attachments,
	})
}

// SendCaseRequestConfirmation sends the intake acknowledgement to the citizen.
func (m *Mailer) SendCaseRequestConfirmation(ctx context.Context, c CaseRequestConfirmation) error {
	html, err := m.render(TemplateCaseRequestConfirmation, templateData{
		ProductName:   m.opts.ProductName,
		Requester:     c.Requester,
		CaseHumanID:   c.CaseHumanID,
		AuthorityName: c.AuthorityName,
		Description:   c.Description,
	})
	if err != nil {
		return err
	}

	from := c.ReplyTo
	if from.Email == "" {
		from = m.opts.NoReply
	}

	return m.send(ctx, &Email{
		Template: TemplateCaseRequestConfirmation,
		From:     from,
		To: []Address{{
			Email: c.Requester.Email,
			Name:  fmt.Sprintf("%s %s", c.Requester.FirstName, c.Requester.LastName),
		}},
		Subject: fmt.Sprintf("Votre demande n°%d auprès de %s", c.CaseHumanID, c.AuthorityName),
		HTML:    html,
	})
}

func (m *Mailer) render(name string, data templateData) (string, error) {
	var buf bytes.Buffer
	if err := m.templates.ExecuteTemplate(&buf, name+".html", data); err != nil {
		return "", fmt.Errorf("render template %s: %w", name, err)
	}
	return buf.String(), nil
}

func (m *Mailer) loadAttachments(ctx context.Context, refs []AttachmentRef) ([]Attachment, error) {
	if len(refs) == 0 {
		return nil, nil
	}
	out := make([]Attachment, 0, len(refs))
	for _, ref := range refs {
		content, err := m.content.Get(ctx, ref.ID)
		if err != nil {
			return nil, fmt.Errorf("load attachment %s: %w", ref.ID, err)
		}
		out = append(out, Attachment{
			ID:          ref.ID,
			Name:        ref.Name,
			ContentType: ref.ContentType,
			Inline:      ref.Inline,
			Content:     content,
		})
	}
	return out, nil
}

func (m *Mailer) send(ctx context.Context, email *Email) error {
	if err := m.transport.Send(ctx, email); err != nil {
		return fmt.Errorf("send %s: %w", email.Template, err)
	}
	slog.Info("email sent",
		"template", email.Template,
		"from", email.From.Email,
		"recipients", len(email.To),
		"attachments", len(email.Attachments),
	)
	return nil
}
