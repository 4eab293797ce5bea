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

package contact

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Inclusion-Numerique/mediature/internal/apperr"
	"github.com/Inclusion-Numerique/mediature/internal/models"
)

// mockRepo implements Repository for testing.
type mockRepo struct {
	mu       sync.Mutex
	contacts map[string]models.Contact // email|name
	uses     []models.ContactUse
	upserts  int
}

func newMockRepo() *mockRepo {
	return &mockRepo{contacts: make(map[string]models.Contact)}
}

func (m *mockRepo) UpsertContact(_ context.Context, email, name string) (*models.Contact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.upserts++
	key := email + "|" + name
	if c, ok := m.contacts[key]; ok {
		return &c, nil
	}
	c := models.Contact{ID: fmt.Sprintf("contact-%d", len(m.contacts)+1), Email: email, Name: name}
	m.contacts[key] = c
	return &c, nil
}

func (m *mockRepo) ListCaseContactUses(_ context.Context, _ string) ([]models.ContactUse, error) {
	return m.uses, nil
}

// TestNormalize_Deduplicates verifies that entries sharing an email collapse
// and keep the most recently supplied name.
func TestNormalize_Deduplicates(t *testing.T) {
	got, err := Normalize([]models.ContactInput{
		{Email: "Jean@Example.com", Name: "Jean"},
		{Email: "other@example.com"},
		{Email: " jean@example.com ", Name: "Jean Dupont"},
		{Email: "JEAN@example.com"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(got) != 2 {
		t.Fatalf("expected 2 contacts, got %d: %+v", len(got), got)
	}
	if got[0].Email != "jean@example.com" || got[0].Name != "Jean Dupont" {
		t.Errorf("got[0] = %+v, want jean@example.com / Jean Dupont", got[0])
	}
	if got[1].Email != "other@example.com" {
		t.Errorf("got[1] = %+v, want other@example.com", got[1])
	}
}

// TestNormalize_CollectsAllErrors verifies every malformed entry is reported.
func TestNormalize_CollectsAllErrors(t *testing.T) {
	_, err := Normalize([]models.ContactInput{
		{Email: "bad"},
		{Email: "ok@example.com"},
		{Email: "also bad@"},
	})

	var appErr *apperr.Error
	if !errors.As(err, &appErr) || appErr.Kind != apperr.KindValidation {
		t.Fatalf("err = %v, want validation error", err)
	}
	if len(appErr.Fields) != 2 {
		t.Fatalf("expected 2 field errors, got %v", appErr.Fields)
	}
	for _, key := range []string{"to[0]", "to[2]"} {
		if !strings.Contains(appErr.Fields[key], "invalid email format") {
			t.Errorf("field %s = %q", key, appErr.Fields[key])
		}
	}
}

// TestResolve_ReusesContacts verifies (email, name) identity on upsert.
func TestResolve_ReusesContacts(t *testing.T) {
	repo := newMockRepo()
	r := NewResolver(repo)
	ctx := context.Background()

	first, err := r.Resolve(ctx, []models.ContactInput{{Email: "a@example.com", Name: "A"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, err := r.Resolve(ctx, []models.ContactInput{{Email: "A@example.com", Name: "A"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if first[0].ID != second[0].ID {
		t.Errorf("expected same contact, got %q and %q", first[0].ID, second[0].ID)
	}

	third, _ := r.Resolve(ctx, []models.ContactInput{{Email: "a@example.com", Name: "Other"}})
	if third[0].ID == first[0].ID {
		t.Error("different name should resolve to a different contact")
	}
}

// TestResolve_SameEmailOneContact verifies duplicate emails in one call
// produce one contact carrying the latest name.
func TestResolve_SameEmailOneContact(t *testing.T) {
	repo := newMockRepo()
	r := NewResolver(repo)

	got, err := r.Resolve(context.Background(), []models.ContactInput{
		{Email: "a@example.com", Name: "Old"},
		{Email: "a@example.com", Name: "New"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 contact, got %d", len(got))
	}
	if got[0].Name != "New" {
		t.Errorf("name = %q, want New", got[0].Name)
	}
	if repo.upserts != 1 {
		t.Errorf("upserts = %d, want 1", repo.upserts)
	}
}

// TestResolve_InvalidAbortsBeforeWrite verifies no upsert happens when any
// entry is malformed.
func TestResolve_InvalidAbortsBeforeWrite(t *testing.T) {
	repo := newMockRepo()
	r := NewResolver(repo)

	_, err := r.Resolve(context.Background(), []models.ContactInput{{Email: "ok@example.com"}, {Email: "nope"}})
	if !apperr.Is(err, apperr.KindValidation) {
		t.Fatalf("err = %v, want validation", err)
	}
	if repo.upserts != 0 {
		t.Errorf("upserts = %d, want 0", repo.upserts)
	}
}

// TestSuggestions verifies most-recent-name-wins, ordering, skipping and the
// citizen fallback.
func TestSuggestions(t *testing.T) {
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	repo := newMockRepo()
	repo.uses = []models.ContactUse{
		{Email: "service@mairie.fr", Name: "Service", UsedAt: base},
		{Email: "service@mairie.fr", Name: "Service urbanisme", UsedAt: base.Add(2 * time.Hour)},
		{Email: "dossier-1@mediature.example.org", Name: "Camille de Médiature", UsedAt: base.Add(3 * time.Hour)},
		{Email: "Elu@Mairie.fr", Name: "", UsedAt: base.Add(time.Hour)},
	}
	r := NewResolver(repo)

	skip := func(email string) bool { return strings.HasPrefix(email, "dossier-") }

	got, err := r.Suggestions(context.Background(), "case-1", "citizen@example.com", skip)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := []models.ContactInput{
		{Email: "service@mairie.fr", Name: "Service urbanisme"},
		{Email: "elu@mairie.fr"},
		{Email: "citizen@example.com"},
	}
	if len(got) != len(want) {
		t.Fatalf("got %d suggestions, want %d: %+v", len(got), len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("suggestion[%d] = %+v, want %+v", i, got[i], want[i])
		}
	}
}

// TestSuggestions_CitizenAlreadyPresent verifies the citizen is not duplicated.
func TestSuggestions_CitizenAlreadyPresent(t *testing.T) {
	repo := newMockRepo()
	repo.uses = []models.ContactUse{{Email: "citizen@example.com", Name: "Jeanne", UsedAt: time.Now()}}
	r := NewResolver(repo)

	got, err := r.Suggestions(context.Background(), "case-1", "Citizen@example.com", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 1 || got[0].Name != "Jeanne" {
		t.Errorf("got %+v, want only Jeanne", got)
	}
}
