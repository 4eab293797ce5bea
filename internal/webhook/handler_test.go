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

package webhook

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/Inclusion-Numerique/mediature/internal/apperr"
	"github.com/Inclusion-Numerique/mediature/internal/messenger"
	"github.com/Inclusion-Numerique/mediature/internal/models"
)

// mockReceiver records inbound emails and returns a preset error.
type mockReceiver struct {
	received []models.InboundEmail
	err      error
}

func (m *mockReceiver) ReceiveInbound(_ context.Context, email models.InboundEmail) (*models.Message, error) {
	m.received = append(m.received, email)
	if m.err != nil {
		return nil, m.err
	}
	return &models.Message{ID: "msg-1", CaseID: "case-1"}, nil
}

// mockFilter is an in-memory Deduplicator.
type mockFilter struct {
	seen      map[string]bool
	forgotten []string
	err       error
}

func newMockFilter() *mockFilter {
	return &mockFilter{seen: make(map[string]bool)}
}

func (m *mockFilter) IsNew(_ context.Context, id string) (bool, error) {
	if m.err != nil {
		return false, m.err
	}
	if m.seen[id] {
		return false, nil
	}
	m.seen[id] = true
	return true, nil
}

func (m *mockFilter) Forget(_ context.Context, id string) error {
	delete(m.seen, id)
	m.forgotten = append(m.forgotten, id)
	return nil
}

const samplePayload = `{
  "Sender": "jeanne@example.com",
  "Recipient": "dossier-12@mediature.example.org",
  "From": "Jeanne Dupont <jeanne@example.com>",
  "Subject": "=?UTF-8?Q?R=C3=A9ponse?=",
  "Headers": {
    "Message-ID": "<abc@mail.example.com>",
    "To": ["dossier-12@mediature.example.org", "Service <service@mairie.fr>"],
    "Received": ["by mx1", "by mx2"]
  },
  "Parts": [
    {"Headers": {"Content-Type": "text/plain"}, "ContentRef": "Text-part"},
    {"Headers": {"Content-Type": "application/pdf; name=\"courrier.pdf\"", "Content-Disposition": "attachment; filename=\"courrier.pdf\""}, "ContentRef": "Attachment1"},
    {"Headers": {"Content-Type": "image/png; name=\"logo.png\""}, "ContentRef": "InlineAttachment1"}
  ],
  "Text-part": "Bonjour",
  "Html-part": "<p>Bonjour</p>",
  "Attachment1": "JVBERi0=",
  "InlineAttachment1": "iVBORw=="
}`

// TestParsePayload verifies the parse API body is mapped onto an inbound email.
func TestParsePayload(t *testing.T) {
	email, err := ParsePayload([]byte(samplePayload))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if email.MessageID != "<abc@mail.example.com>" {
		t.Errorf("MessageID = %q", email.MessageID)
	}
	if email.From.Email != "jeanne@example.com" || email.From.Name != "Jeanne Dupont" {
		t.Errorf("From = %+v", email.From)
	}
	if email.Subject != "Réponse" {
		t.Errorf("Subject = %q, want Réponse", email.Subject)
	}
	if len(email.To) != 2 {
		t.Fatalf("To = %+v, want 2 recipients", email.To)
	}
	if email.To[0].Email != "dossier-12@mediature.example.org" || email.To[1].Name != "Service" {
		t.Errorf("To = %+v", email.To)
	}
	if email.Text != "Bonjour" || email.HTML != "<p>Bonjour</p>" {
		t.Errorf("Text = %q, HTML = %q", email.Text, email.HTML)
	}

	if len(email.Attachments) != 2 {
		t.Fatalf("expected 2 attachments, got %d", len(email.Attachments))
	}
	pdf := email.Attachments[0]
	if pdf.Name != "courrier.pdf" || pdf.ContentType != "application/pdf" || pdf.Inline {
		t.Errorf("attachment[0] = %+v", pdf)
	}
	if string(pdf.Content) != "%PDF-" {
		t.Errorf("attachment[0] content = %q", pdf.Content)
	}
	if logo := email.Attachments[1]; !logo.Inline || logo.Name != "logo.png" {
		t.Errorf("attachment[1] = %+v", logo)
	}
}

// TestParsePayload_Recipients verifies the To header forms and the envelope
// recipient fallback.
func TestParsePayload_Recipients(t *testing.T) {
	tests := []struct {
		name string
		body string
		want []string
	}{
		{
			name: "string header",
			body: `{"From":"a@example.com","Headers":{"To":"x@example.com, Y <y@example.com>"}}`,
			want: []string{"x@example.com", "y@example.com"},
		},
		{
			name: "blind copy",
			body: `{"From":"a@example.com","Recipient":"dossier-1@example.org","Headers":{"To":"x@example.com"}}`,
			want: []string{"x@example.com", "dossier-1@example.org"},
		},
		{
			name: "envelope duplicates header",
			body: `{"From":"a@example.com","Recipient":"X@example.com","Headers":{"To":"x@example.com"}}`,
			want: []string{"x@example.com"},
		},
		{
			name: "unparseable header",
			body: `{"From":"a@example.com","Recipient":"dossier-1@example.org","Headers":{"To":"undisclosed-recipients:;,,"}}`,
			want: []string{"dossier-1@example.org"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			email, err := ParsePayload([]byte(tt.body))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if len(email.To) != len(tt.want) {
				t.Fatalf("To = %+v, want %v", email.To, tt.want)
			}
			for i, addr := range tt.want {
				if email.To[i].Email != addr {
					t.Errorf("To[%d] = %q, want %q", i, email.To[i].Email, addr)
				}
			}
		})
	}
}

// TestParsePayload_Invalid verifies payloads that can never be processed.
func TestParsePayload_Invalid(t *testing.T) {
	tests := map[string]string{
		"not json":     `not json`,
		"no sender":    `{"Headers":{"To":"x@example.com"}}`,
		"no recipient": `{"From":"a@example.com"}`,
		"bad base64":   `{"From":"a@example.com","Recipient":"x@example.com","Parts":[{"ContentRef":"Attachment1"}],"Attachment1":"%%%"}`,
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := ParsePayload([]byte(body)); err == nil {
				t.Error("expected error, got none")
			}
		})
	}
}

func post(h http.Handler, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/webhooks/inbound-email", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

// TestServeHTTP_Received verifies a routed email is acknowledged.
func TestServeHTTP_Received(t *testing.T) {
	receiver := &mockReceiver{}
	h := NewHandler(receiver, newMockFilter(), "")

	rr := post(h, samplePayload)

	if rr.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rr.Code, http.StatusOK)
	}
	if body := rr.Body.String(); body != "RECEIVED" {
		t.Errorf("body = %q, want RECEIVED", body)
	}
	if len(receiver.received) != 1 {
		t.Errorf("received %d emails, want 1", len(receiver.received))
	}
}

// TestServeHTTP_Duplicate verifies a retried delivery is acknowledged without
// being recorded twice.
func TestServeHTTP_Duplicate(t *testing.T) {
	receiver := &mockReceiver{}
	h := NewHandler(receiver, newMockFilter(), "")

	post(h, samplePayload)
	rr := post(h, samplePayload)

	if rr.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rr.Code, http.StatusOK)
	}
	if len(receiver.received) != 1 {
		t.Errorf("received %d emails, want 1", len(receiver.received))
	}
}

// TestServeHTTP_FilterDown verifies deliveries are still processed when the
// dedup store fails.
func TestServeHTTP_FilterDown(t *testing.T) {
	receiver := &mockReceiver{}
	filter := newMockFilter()
	filter.err = errors.New("redis down")
	h := NewHandler(receiver, filter, "")

	rr := post(h, samplePayload)

	if rr.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rr.Code, http.StatusOK)
	}
	if len(receiver.received) != 1 {
		t.Errorf("received %d emails, want 1", len(receiver.received))
	}
}

// TestServeHTTP_Outcomes verifies the status codes that drive provider retries.
func TestServeHTTP_Outcomes(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		err        error
		wantStatus int
		wantForget bool
	}{
		{name: "invalid payload", body: "not json", wantStatus: http.StatusAccepted},
		{name: "unroutable", body: samplePayload, err: messenger.ErrUnroutable, wantStatus: http.StatusAccepted},
		{name: "unknown case", body: samplePayload, err: apperr.NotFound("case", "12"), wantStatus: http.StatusAccepted},
		{name: "invalid sender", body: samplePayload, err: apperr.Validation("invalid email format", nil), wantStatus: http.StatusAccepted},
		{name: "storage failure", body: samplePayload, err: errors.New("connection reset"), wantStatus: http.StatusInternalServerError, wantForget: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			filter := newMockFilter()
			h := NewHandler(&mockReceiver{err: tt.err}, filter, "")

			rr := post(h, tt.body)

			if rr.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rr.Code, tt.wantStatus)
			}
			if forgot := len(filter.forgotten) > 0; forgot != tt.wantForget {
				t.Errorf("forgotten = %v, want forget %v", filter.forgotten, tt.wantForget)
			}
		})
	}
}

// TestServeHTTP_RetryAfterFailure verifies a released key lets the retry through.
func TestServeHTTP_RetryAfterFailure(t *testing.T) {
	receiver := &mockReceiver{err: errors.New("connection reset")}
	h := NewHandler(receiver, newMockFilter(), "")

	if rr := post(h, samplePayload); rr.Code != http.StatusInternalServerError {
		t.Fatalf("first status = %d, want 500", rr.Code)
	}
	receiver.err = nil
	if rr := post(h, samplePayload); rr.Code != http.StatusOK {
		t.Errorf("retry status = %d, want 200", rr.Code)
	}
	if len(receiver.received) != 2 {
		t.Errorf("received %d emails, want 2", len(receiver.received))
	}
}

// TestServeHTTP_BasicAuth verifies the shared password is enforced.
func TestServeHTTP_BasicAuth(t *testing.T) {
	h := NewHandler(&mockReceiver{}, nil, "s3cret")

	if rr := post(h, samplePayload); rr.Code != http.StatusUnauthorized {
		t.Errorf("no credentials: status = %d, want 401", rr.Code)
	}

	req := httptest.NewRequest(http.MethodPost, "/webhooks/inbound-email", strings.NewReader(samplePayload))
	req.SetBasicAuth("mailjet", "s3cret")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Errorf("with credentials: status = %d, want 200", rr.Code)
	}
}

// TestServeHTTP_NonPost verifies other methods are refused.
func TestServeHTTP_NonPost(t *testing.T) {
	h := NewHandler(&mockReceiver{}, nil, "")

	req := httptest.NewRequest(http.MethodGet, "/webhooks/inbound-email", nil)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want %d", rr.Code, http.StatusMethodNotAllowed)
	}
}
