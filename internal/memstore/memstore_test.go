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

package memstore

import (
	"context"
	"testing"
	"time"

	"github.com/Inclusion-Numerique/mediature/internal/apperr"
	"github.com/Inclusion-Numerique/mediature/internal/models"
)

// seed creates an authority, a case, a sender contact and an attachment.
func seed(t *testing.T, s *Store) (caseID, contactID string) {
	t.Helper()
	ctx := context.Background()

	authority := &models.Authority{Name: "Bretagne", Slug: "bretagne", Type: models.AuthorityTypeRegion}
	if err := s.CreateAuthority(ctx, authority); err != nil {
		t.Fatalf("create authority: %v", err)
	}
	c, err := s.CreateCase(ctx, models.NewCase{
		AuthorityID:   authority.ID,
		Citizen:       models.Citizen{FirstName: "Jeanne", LastName: "Dupont", Email: "a@example.com"},
		InitiatedFrom: models.CasePlatformWeb,
	})
	if err != nil {
		t.Fatalf("create case: %v", err)
	}
	from, err := s.UpsertContact(ctx, "a@example.com", "Jeanne")
	if err != nil {
		t.Fatalf("upsert contact: %v", err)
	}
	if err := s.CreateAttachment(ctx, &models.Attachment{ID: "att-1", Kind: models.AttachmentKindMessageDocument, Name: "a.pdf"}); err != nil {
		t.Fatalf("create attachment: %v", err)
	}
	return c.ID, from.ID
}

// TestCreateMessage_AttachmentUsedOnce verifies an attachment links to one
// message only.
func TestCreateMessage_AttachmentUsedOnce(t *testing.T) {
	s := New()
	ctx := context.Background()
	caseID, contactID := seed(t, s)

	draft := models.MessageDraft{
		CaseID:        caseID,
		Subject:       "Bonjour",
		FromContactID: contactID,
		ToContactIDs:  []string{contactID},
		AttachmentIDs: []string{"att-1"},
	}
	if _, err := s.CreateMessage(ctx, draft); err != nil {
		t.Fatalf("first message: %v", err)
	}

	_, err := s.CreateMessage(ctx, draft)
	if !apperr.Is(err, apperr.KindAlreadyUsed) {
		t.Fatalf("second message: err = %v, want already used", err)
	}

	msgs, err := s.ListMessagesByCase(ctx, caseID)
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	if len(msgs) != 1 {
		t.Errorf("got %d messages, want 1", len(msgs))
	}
}

// TestCreateAuthority_LogoUsedOnce verifies two authorities cannot share a
// logo attachment.
func TestCreateAuthority_LogoUsedOnce(t *testing.T) {
	s := New()
	ctx := context.Background()
	logo := "logo-1"

	if err := s.CreateAuthority(ctx, &models.Authority{Name: "A", Slug: "a", Type: models.AuthorityTypeCity, LogoAttachmentID: &logo}); err != nil {
		t.Fatalf("first authority: %v", err)
	}
	err := s.CreateAuthority(ctx, &models.Authority{Name: "B", Slug: "b", Type: models.AuthorityTypeCity, LogoAttachmentID: &logo})
	if !apperr.Is(err, apperr.KindAlreadyUsed) {
		t.Errorf("err = %v, want already used", err)
	}

	if err := s.CreateAuthority(ctx, &models.Authority{Name: "C", Slug: "c", Type: models.AuthorityTypeCity}); err != nil {
		t.Errorf("authority without logo: %v", err)
	}
}

// TestUpdateCase_Partial verifies unset fields keep their stored values and
// closing keeps the first closing date.
func TestUpdateCase_Partial(t *testing.T) {
	s := New()
	ctx := context.Background()
	caseID, _ := seed(t, s)

	first := time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)
	reminder := first.Add(72 * time.Hour)
	units := "2"
	if _, err := s.UpdateCase(ctx, caseID, models.CaseUpdate{
		Units:           &units,
		SetTermReminder: true,
		TermReminderAt:  &reminder,
		Now:             first,
	}); err != nil {
		t.Fatalf("update: %v", err)
	}

	status := models.CaseStatusStuck
	closing := true
	got, err := s.UpdateCase(ctx, caseID, models.CaseUpdate{Status: &status, Close: &closing, Now: first})
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	if got.Units != "2" || got.TermReminderAt == nil || !got.TermReminderAt.Equal(reminder) {
		t.Errorf("fields reverted: units=%q termReminderAt=%v", got.Units, got.TermReminderAt)
	}

	got, err = s.UpdateCase(ctx, caseID, models.CaseUpdate{Close: &closing, Now: first.Add(time.Hour)})
	if err != nil {
		t.Fatalf("close again: %v", err)
	}
	if got.ClosedAt == nil || !got.ClosedAt.Equal(first) {
		t.Errorf("closedAt = %v, want %v", got.ClosedAt, first)
	}
	if got.Status != models.CaseStatusStuck {
		t.Errorf("status = %s, want %s", got.Status, models.CaseStatusStuck)
	}

	reopen := false
	got, err = s.UpdateCase(ctx, caseID, models.CaseUpdate{Close: &reopen, SetTermReminder: true, Now: first})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if got.ClosedAt != nil || got.TermReminderAt != nil {
		t.Errorf("reopened = closedAt %v termReminderAt %v, want both nil", got.ClosedAt, got.TermReminderAt)
	}
}
