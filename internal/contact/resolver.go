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

// Package contact turns free-form recipient input into contact records and
// computes recipient suggestions for a case.
package contact

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/Inclusion-Numerique/mediature/internal/apperr"
	"github.com/Inclusion-Numerique/mediature/internal/models"
	"github.com/Inclusion-Numerique/mediature/internal/validation"
)

// Repository is the persistence the resolver needs.
type Repository interface {
	// UpsertContact returns the contact keyed by (email, name), creating it
	// if absent. Concurrent identical calls converge on one row.
	UpsertContact(ctx context.Context, email, name string) (*models.Contact, error)

	// ListCaseContactUses returns every sender and recipient appearance on
	// the messages of a case.
	ListCaseContactUses(ctx context.Context, caseID string) ([]models.ContactUse, error)
}

// Resolver resolves recipients into contacts.
type Resolver struct {
	repo Repository
}

// NewResolver creates a contact resolver.
func NewResolver(repo Repository) *Resolver {
	return &Resolver{repo: repo}
}

// NormalizeEmail lowercases and trims an address.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// Normalize validates and deduplicates raw recipients. Every malformed entry
// is reported, keyed "to[i]". Duplicates collapse onto the first occurrence
// and keep the most recently supplied non-empty name.
func Normalize(raw []models.ContactInput) ([]models.ContactInput, error) {
	fields := make(map[string]string)
	out := make([]models.ContactInput, 0, len(raw))
	index := make(map[string]int, len(raw))

	for i, r := range raw {
		email := NormalizeEmail(r.Email)
		if !validation.Email(email) {
			fields[fmt.Sprintf("to[%d]", i)] = fmt.Sprintf("invalid email format: %q", r.Email)
			continue
		}
		name := strings.TrimSpace(r.Name)

		if pos, seen := index[email]; seen {
			if name != "" {
				out[pos].Name = name
			}
			continue
		}
		index[email] = len(out)
		out = append(out, models.ContactInput{Email: email, Name: name})
	}

	if len(fields) > 0 {
		return nil, apperr.Validation("invalid email format", fields)
	}
	return out, nil
}

// Resolve normalizes raw recipients and upserts each one. The returned
// contacts keep the normalized order.
func (r *Resolver) Resolve(ctx context.Context, raw []models.ContactInput) ([]models.Contact, error) {
	inputs, err := Normalize(raw)
	if err != nil {
		return nil, err
	}

	contacts := make([]models.Contact, 0, len(inputs))
	for _, in := range inputs {
		c, err := r.repo.UpsertContact(ctx, in.Email, in.Name)
		if err != nil {
			return nil, fmt.Errorf("upsert contact %s: %w", in.Email, err)
		}
		contacts = append(contacts, *c)
	}
	return contacts, nil
}

// ResolveOne resolves a single contact, such as a message sender.
func (r *Resolver) ResolveOne(ctx context.Context, raw models.ContactInput) (*models.Contact, error) {
	contacts, err := r.Resolve(ctx, []models.ContactInput{raw})
	if err != nil {
		return nil, err
	}
	return &contacts[0], nil
}

// Suggestions returns the distinct contacts that exchanged messages on a
// case, most recently used first. For each email the name of its most recent
// use wins. Addresses for which skip returns true are left out. The citizen
// email is appended when missing.
func (r *Resolver) Suggestions(ctx context.Context, caseID, citizenEmail string, skip func(email string) bool) ([]models.ContactInput, error) {
	uses, err := r.repo.ListCaseContactUses(ctx, caseID)
	if err != nil {
		return nil, fmt.Errorf("list case contacts: %w", err)
	}

	type latest struct {
		use   models.ContactUse
		email string
	}
	byEmail := make(map[string]*latest, len(uses))
	for _, u := range uses {
		email := NormalizeEmail(u.Email)
		if email == "" || (skip != nil && skip(email)) {
			continue
		}
		cur, ok := byEmail[email]
		if !ok || u.UsedAt.After(cur.use.UsedAt) {
			byEmail[email] = &latest{use: u, email: email}
		}
	}

	ordered := make([]*latest, 0, len(byEmail))
	for _, l := range byEmail {
		ordered = append(ordered, l)
	}
	sort.Slice(ordered, func(i, j int) bool {
		if !ordered[i].use.UsedAt.Equal(ordered[j].use.UsedAt) {
			return ordered[i].use.UsedAt.After(ordered[j].use.UsedAt)
		}
		return ordered[i].email < ordered[j].email
	})

	suggestions := make([]models.ContactInput, 0, len(ordered)+1)
	for _, l := range ordered {
		suggestions = append(suggestions, models.ContactInput{Email: l.email, Name: l.use.Name})
	}

	if citizen := NormalizeEmail(citizenEmail); citizen != "" {
		if _, found := byEmail[citizen]; !found {
			suggestions = append(suggestions, models.ContactInput{Email: citizen})
		}
	}
	return suggestions, nil
}
