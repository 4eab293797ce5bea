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

// Package graph delivers outgoing email through the Microsoft Graph sendMail
// endpoint, for deployments whose mail domain is hosted on Microsoft 365.
package graph

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"

	"golang.org/x/oauth2/clientcredentials"

	"github.com/Inclusion-Numerique/mediature/internal/mailer"
)

// DefaultBaseURL is the Graph v1.0 endpoint.
const DefaultBaseURL = "https://graph.microsoft.com/v1.0"

// Credentials identifies the app registration used to send mail.
type Credentials struct {
	TenantID     string
	ClientID     string
	ClientSecret string
}

// NewClient returns an HTTP client authenticated with the client credentials
// flow. Tokens are fetched and refreshed by the oauth2 transport.
func NewClient(ctx context.Context, creds Credentials) *http.Client {
	cfg := &clientcredentials.Config{
		ClientID:     creds.ClientID,
		ClientSecret: creds.ClientSecret,
		TokenURL:     fmt.Sprintf("https://login.microsoftonline.com/%s/oauth2/v2.0/token", creds.TenantID),
		Scopes:       []string{"https://graph.microsoft.com/.default"},
	}
	return cfg.Client(ctx)
}

// Sender implements mailer.Transport over Graph. Every email is sent through
// one mailbox; the case address goes in From, which needs "send as" rights
// on that mailbox.
type Sender struct {
	httpClient   *http.Client
	graphBaseURL string
	mailbox      string
}

// NewSender creates a Graph sendMail transport.
func NewSender(httpClient *http.Client, graphBaseURL, mailbox string) *Sender {
	return &Sender{
		httpClient:   httpClient,
		graphBaseURL: graphBaseURL,
		mailbox:      mailbox,
	}
}

type emailAddress struct {
	Address string `json:"address"`
	Name    string `json:"name,omitempty"`
}

type recipient struct {
	EmailAddress emailAddress `json:"emailAddress"`
}

type fileAttachment struct {
	ODataType    string `json:"@odata.type"`
	Name         string `json:"name"`
	ContentType  string `json:"contentType"`
	ContentBytes string `json:"contentBytes"`
	IsInline     bool   `json:"isInline"`
	ContentID    string `json:"contentId,omitempty"`
}

type graphMessage struct {
	Subject string `json:"subject"`
	Body    struct {
		ContentType string `json:"contentType"`
		Content     string `json:"content"`
	} `json:"body"`
	From         recipient        `json:"from"`
	ToRecipients []recipient      `json:"toRecipients"`
	Attachments  []fileAttachment `json:"attachments,omitempty"`
}

type sendMailRequest struct {
	Message         graphMessage `json:"message"`
	SaveToSentItems bool         `json:"saveToSentItems"`
}

// buildRequest converts a rendered email into the sendMail payload.
func buildRequest(email *mailer.Email) sendMailRequest {
	var msg graphMessage
	msg.Subject = email.Subject
	msg.Body.ContentType = "HTML"
	msg.Body.Content = email.HTML
	msg.From = recipient{EmailAddress: emailAddress{Address: email.From.Email, Name: email.From.Name}}

	msg.ToRecipients = make([]recipient, 0, len(email.To))
	for _, a := range email.To {
		msg.ToRecipients = append(msg.ToRecipients, recipient{
			EmailAddress: emailAddress{Address: a.Email, Name: a.Name},
		})
	}

	for _, a := range email.Attachments {
		fa := fileAttachment{
			ODataType:    "#microsoft.graph.fileAttachment",
			Name:         a.Name,
			ContentType:  a.ContentType,
			ContentBytes: base64.StdEncoding.EncodeToString(a.Content),
			IsInline:     a.Inline,
		}
		if a.Inline {
			fa.ContentID = a.ID
			if fa.ContentID == "" {
				fa.ContentID = a.Name
			}
		}
		msg.Attachments = append(msg.Attachments, fa)
	}

	return sendMailRequest{Message: msg, SaveToSentItems: false}
}

// Send posts the email to /users/{mailbox}/sendMail. Graph answers 202 on
// acceptance.
func (s *Sender) Send(ctx context.Context, email *mailer.Email) error {
	payload, err := json.Marshal(buildRequest(email))
	if err != nil {
		return fmt.Errorf("marshal sendMail request: %w", err)
	}

	endpoint := fmt.Sprintf("%s/users/%s/sendMail", s.graphBaseURL, url.PathEscape(s.mailbox))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send mail: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted && resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("graph API returned HTTP %d: %s", resp.StatusCode, string(body))
	}

	slog.Debug("graph sendMail accepted",
		"mailbox", s.mailbox,
		"from", email.From.Email,
		"recipients", len(email.To),
	)
	return nil
}
