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
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/Inclusion-Numerique/mediature/internal/blob"
)

// recordingTransport captures sent emails.
type recordingTransport struct {
	sent []*Email
	err  error
}

func (r *recordingTransport) Send(_ context.Context, email *Email) error {
	if r.err != nil {
		return r.err
	}
	r.sent = append(r.sent, email)
	return nil
}

func newTestMailer(t *testing.T, transport Transport, store *blob.Memory) *Mailer {
	t.Helper()
	m, err := New(transport, store, Options{
		ProductName: "Médiature",
		NoReply:     Address{Email: "noreply@mediature.example.org", Name: "Médiature"},
	})
	if err != nil {
		t.Fatalf("new mailer: %v", err)
	}
	return m
}

func baseMessage() CaseMessage {
	return CaseMessage{
		From:          Address{Email: "dossier-12@mediature.example.org", Name: "Camille de Médiature"},
		Subject:       "Votre dossier",
		BodyHTML:      "<p>Bonjour</p>",
		Requester:     Requester{FirstName: "Jeanne", LastName: "Dupont", Email: "jeanne@example.com"},
		CaseHumanID:   12,
		AuthorityName: "Bretagne",
	}
}

// TestSendCaseMessage_Templates verifies template selection per audience.
func TestSendCaseMessage_Templates(t *testing.T) {
	transport := &recordingTransport{}
	m := newTestMailer(t, transport, blob.NewMemory())

	toRequester := baseMessage()
	toRequester.ToRequester = true
	toRequester.To = []Address{{Email: "jeanne@example.com"}}

	toOthers := baseMessage()
	toOthers.To = []Address{{Email: "service@mairie.fr", Name: "Service"}}

	for _, msg := range []CaseMessage{toRequester, toOthers} {
		if err := m.SendCaseMessage(context.Background(), msg); err != nil {
			t.Fatalf("send: %v", err)
		}
	}

	if len(transport.sent) != 2 {
		t.Fatalf("sent %d emails, want 2", len(transport.sent))
	}

	requesterMail, otherMail := transport.sent[0], transport.sent[1]
	if requesterMail.Template != TemplateCaseMessageToRequester {
		t.Errorf("template = %s, want %s", requesterMail.Template, TemplateCaseMessageToRequester)
	}
	for _, want := range []string{"Bonjour Jeanne Dupont", "n°12", "Bretagne", "<p>Bonjour</p>"} {
		if !strings.Contains(requesterMail.HTML, want) {
			t.Errorf("requester email missing %q", want)
		}
	}

	if otherMail.Template != TemplateCaseMessage {
		t.Errorf("template = %s, want %s", otherMail.Template, TemplateCaseMessage)
	}
	if strings.Contains(otherMail.HTML, "Jeanne") {
		t.Error("third-party email leaks the requester's name")
	}
	if otherMail.From.Name != "Camille de Médiature" {
		t.Errorf("from = %+v", otherMail.From)
	}
}

// TestSendCaseMessage_Attachments verifies content is loaded from the store.
func TestSendCaseMessage_Attachments(t *testing.T) {
	store := blob.NewMemory()
	_ = store.Put(context.Background(), "att-1", bytes.NewReader([]byte("hello")), 5, "text/plain")

	transport := &recordingTransport{}
	m := newTestMailer(t, transport, store)

	msg := baseMessage()
	msg.To = []Address{{Email: "service@mairie.fr"}}
	msg.Attachments = []AttachmentRef{{ID: "att-1", Name: "note.txt", ContentType: "text/plain"}}

	if err := m.SendCaseMessage(context.Background(), msg); err != nil {
		t.Fatalf("send: %v", err)
	}
	got := transport.sent[0].Attachments
	if len(got) != 1 || string(got[0].Content) != "hello" || got[0].Name != "note.txt" {
		t.Errorf("attachments = %+v", got)
	}

	msg.Attachments = []AttachmentRef{{ID: "missing"}}
	if err := m.SendCaseMessage(context.Background(), msg); !errors.Is(err, blob.ErrNotFound) {
		t.Errorf("err = %v, want blob.ErrNotFound", err)
	}
}

// TestSendCaseMessage_TransportError verifies failures are returned wrapped.
func TestSendCaseMessage_TransportError(t *testing.T) {
	boom := errors.New("relay down")
	m := newTestMailer(t, &recordingTransport{err: boom}, blob.NewMemory())

	msg := baseMessage()
	msg.To = []Address{{Email: "service@mairie.fr"}}
	if err := m.SendCaseMessage(context.Background(), msg); !errors.Is(err, boom) {
		t.Errorf("err = %v, want %v", err, boom)
	}

	msg.To = nil
	if err := m.SendCaseMessage(context.Background(), msg); err == nil {
		t.Error("expected error without recipients")
	}
}

// TestSendCaseRequestConfirmation verifies the intake acknowledgement.
func TestSendCaseRequestConfirmation(t *testing.T) {
	transport := &recordingTransport{}
	m := newTestMailer(t, transport, blob.NewMemory())

	err := m.SendCaseRequestConfirmation(context.Background(), CaseRequestConfirmation{
		Requester:     Requester{FirstName: "Jeanne", LastName: "Dupont", Email: "jeanne@example.com"},
		CaseHumanID:   3,
		AuthorityName: "Bretagne",
		Description:   "<b>Mon problème</b>",
	})
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	sent := transport.sent[0]
	if sent.From.Email != "noreply@mediature.example.org" {
		t.Errorf("from = %s", sent.From.Email)
	}
	if sent.To[0].Email != "jeanne@example.com" {
		t.Errorf("to = %+v", sent.To)
	}
	if strings.Contains(sent.HTML, "<b>Mon") {
		t.Error("description was not escaped")
	}
	if !strings.Contains(sent.Subject, "n°3") {
		t.Errorf("subject = %q", sent.Subject)
	}
}

// TestBuildMessage verifies the MIME message produced for SMTP.
func TestBuildMessage(t *testing.T) {
	msg := buildMessage(&Email{
		From:    Address{Email: "dossier-1@mediature.example.org", Name: "Camille"},
		To:      []Address{{Email: "a@example.com", Name: "A"}, {Email: "b@example.com"}},
		Subject: "Objet",
		HTML:    "<p>corps</p>",
		Attachments: []Attachment{
			{Name: "doc.pdf", ContentType: "application/pdf", Content: []byte("%PDF")},
			{ID: "att-1", Name: "logo.png", ContentType: "image/png", Inline: true, Content: []byte("PNG")},
			{ID: "att-2", Name: "logo.png", ContentType: "image/png", Inline: true, Content: []byte("PNG2")},
		},
	})

	var buf bytes.Buffer
	if _, err := msg.WriteTo(&buf); err != nil {
		t.Fatalf("write: %v", err)
	}
	raw := buf.String()
	for _, want := range []string{"Subject: Objet", "a@example.com", "b@example.com", `filename="doc.pdf"`, "Content-ID: <att-1>", "Content-ID: <att-2>"} {
		if !strings.Contains(raw, want) {
			t.Errorf("message missing %q", want)
		}
	}
}
