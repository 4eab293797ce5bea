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

package mailer

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"

	"gopkg.in/gomail.v2"
)

// SMTPConfig holds the relay settings.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	// SSL dials with implicit TLS (port 465). Otherwise STARTTLS is used
	// when the server offers it.
	SSL                bool
	InsecureSkipVerify bool
}

// SMTP delivers emails through an SMTP relay.
type SMTP struct {
	dialer *gomail.Dialer
}

// NewSMTP creates an SMTP transport.
func NewSMTP(cfg SMTPConfig) *SMTP {
	d := gomail.NewDialer(cfg.Host, cfg.Port, cfg.Username, cfg.Password)
	d.SSL = cfg.SSL
	if cfg.InsecureSkipVerify {
		d.TLSConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // local relays only
	}
	return &SMTP{dialer: d}
}

// Send builds a MIME message and delivers it. gomail has no context support,
// so cancellation only stops the caller from waiting.
func (s *SMTP) Send(ctx context.Context, email *Email) error {
	msg := buildMessage(email)

	done := make(chan error, 1)
	go func() { done <- s.dialer.DialAndSend(msg) }()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("smtp send: %w", err)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("smtp send: %w", ctx.Err())
	}
}

func buildMessage(email *Email) *gomail.Message {
	m := gomail.NewMessage()
	m.SetAddressHeader("From", email.From.Email, email.From.Name)

	to := make([]string, 0, len(email.To))
	for _, a := range email.To {
		to = append(to, m.FormatAddress(a.Email, a.Name))
	}
	m.SetHeader("To", to...)
	m.SetHeader("Subject", email.Subject)
	m.SetBody("text/html", email.HTML)

	for _, a := range email.Attachments {
		content := a.Content
		settings := []gomail.FileSetting{
			gomail.SetCopyFunc(func(w io.Writer) error {
				_, err := w.Write(content)
				return err
			}),
			gomail.SetHeader(map[string][]string{"Content-Type": {a.ContentType}}),
		}
		if a.Inline {
			settings = append(settings, gomail.SetHeader(map[string][]string{"Content-ID": {"<" + contentID(a) + ">"}}))
			m.Embed(a.Name, settings...)
		} else {
			m.Attach(a.Name, settings...)
		}
	}
	return m
}

// contentID identifies an inline part. File names may repeat, ids do not.
func contentID(a Attachment) string {
	if a.ID != "" {
		return a.ID
	}
	return a.Name
}

// Log writes emails to the structured log instead of sending them. It is
// meant for local development.
type Log struct{}

func (Log) Send(_ context.Context, email *Email) error {
	to := make([]string, 0, len(email.To))
	for _, a := range email.To {
		to = append(to, a.Email)
	}
	slog.Info("email not sent (log transport)",
		"template", email.Template,
		"from", email.From.Email,
		"to", to,
		"subject", email.Subject,
		"attachments", len(email.Attachments),
	)
	return nil
}
