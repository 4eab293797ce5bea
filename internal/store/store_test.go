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

package store

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Inclusion-Numerique/mediature/internal/apperr"
	"github.com/Inclusion-Numerique/mediature/internal/models"
)

// newTestStore connects to MEDIATURE_TEST_DATABASE_URL or skips.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	url := os.Getenv("MEDIATURE_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("MEDIATURE_TEST_DATABASE_URL not set")
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(pool.Close)

	s, err := NewStore(ctx, pool)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return s
}

func TestStore_CaseAndMessageRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	slug := "test-" + uuid.New().String()[:8]

	authority := &models.Authority{Name: "Bretagne", Slug: slug, Type: models.AuthorityTypeRegion}
	if err := s.CreateAuthority(ctx, authority); err != nil {
		t.Fatalf("create authority: %v", err)
	}
	if err := s.CreateAuthority(ctx, &models.Authority{Name: "Dup", Slug: slug, Type: models.AuthorityTypeCity}); !apperr.Is(err, apperr.KindConflict) {
		t.Errorf("duplicate slug: err = %v, want conflict", err)
	}

	c, err := s.CreateCase(ctx, models.NewCase{
		AuthorityID:   authority.ID,
		Citizen:       models.Citizen{FirstName: "Jeanne", LastName: "Dupont", Email: "a@example.com"},
		InitiatedFrom: models.CasePlatformWeb,
	})
	if err != nil {
		t.Fatalf("create case: %v", err)
	}
	if c.HumanID == 0 || c.Status != models.CaseStatusToProcess {
		t.Errorf("case = %+v", c)
	}

	first, err := s.UpsertContact(ctx, "a@example.com", "")
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	again, err := s.UpsertContact(ctx, "a@example.com", "")
	if err != nil || again.ID != first.ID {
		t.Errorf("upsert not idempotent: %v, %v", again, err)
	}

	processed := false
	id, err := s.CreateMessage(ctx, models.MessageDraft{
		CaseID:            c.ID,
		Subject:           "Objet",
		Content:           "Bonjour",
		FromContactID:     first.ID,
		ToContactIDs:      []string{first.ID},
		MarkedAsProcessed: &processed,
	})
	if err != nil {
		t.Fatalf("create message: %v", err)
	}
	if err := s.SetMessageStatus(ctx, id, models.MessageStatusTransferred); err != nil {
		t.Fatalf("set status: %v", err)
	}
	if err := s.SetMessageStatus(ctx, id, models.MessageStatusError); !apperr.Is(err, apperr.KindConflict) {
		t.Errorf("status regression: err = %v, want conflict", err)
	}

	msg, err := s.GetMessage(ctx, id)
	if err != nil {
		t.Fatalf("get message: %v", err)
	}
	if msg.Status != models.MessageStatusTransferred || len(msg.To) != 1 || msg.CaseID != c.ID {
		t.Errorf("message = %+v", msg)
	}

	closedAt := time.Now().UTC().Truncate(time.Microsecond)
	reminder := closedAt.Add(48 * time.Hour)
	if _, err := s.UpdateCase(ctx, c.ID, models.CaseUpdate{
		SetTermReminder: true,
		TermReminderAt:  &reminder,
		Now:             closedAt,
	}); err != nil {
		t.Fatalf("set reminder: %v", err)
	}

	status := models.CaseStatusAboutToClose
	closing := true
	updated, err := s.UpdateCase(ctx, c.ID, models.CaseUpdate{
		Status: &status,
		Close:  &closing,
		Now:    closedAt,
	})
	if err != nil {
		t.Fatalf("update case: %v", err)
	}
	if updated.TermReminderAt == nil || !updated.TermReminderAt.Equal(reminder) {
		t.Errorf("termReminderAt = %v, want %v kept", updated.TermReminderAt, reminder)
	}
	if updated.InitiatedFrom != c.InitiatedFrom || updated.Description != c.Description {
		t.Errorf("untouched fields changed: %+v", updated)
	}
	if updated.State() != models.CaseStateClosed {
		t.Errorf("state = %s, want CLOSED", updated.State())
	}
}

func TestStore_AuthorityLogoUsedOnce(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	logo := "logo-" + uuid.New().String()

	first := &models.Authority{Name: "A", Slug: "test-" + uuid.New().String()[:8], Type: models.AuthorityTypeCity, LogoAttachmentID: &logo}
	if err := s.CreateAuthority(ctx, first); err != nil {
		t.Fatalf("create authority: %v", err)
	}
	second := &models.Authority{Name: "B", Slug: "test-" + uuid.New().String()[:8], Type: models.AuthorityTypeCity, LogoAttachmentID: &logo}
	if err := s.CreateAuthority(ctx, second); !apperr.Is(err, apperr.KindAlreadyUsed) {
		t.Errorf("shared logo: err = %v, want already used", err)
	}
}
