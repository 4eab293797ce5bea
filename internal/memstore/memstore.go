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

// Package memstore is an in-process implementation of every repository
// interface. It backs the "memory" database driver and the package tests.
package memstore

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Inclusion-Numerique/mediature/internal/apperr"
	"github.com/Inclusion-Numerique/mediature/internal/models"
)

type messageRow struct {
	message       models.Message
	fromID        string
	toIDs         []string
	attachmentIDs []string
	inline        map[string]bool
	linked        bool
	marked        *bool
	seq           int
}

// Store holds all entities in maps guarded by one mutex.
type Store struct {
	// Now is the clock used for timestamps.
	Now func() time.Time

	mu          sync.RWMutex
	authorities map[string]*models.Authority
	agents      map[string]*models.Agent // userID|authorityID
	citizens    map[string]*models.Citizen
	cases       map[string]*models.Case
	contacts    map[string]*models.Contact // email|name
	contactByID map[string]*models.Contact
	attachments map[string]*models.Attachment
	messages    map[string]*messageRow
	humanSeq    int64
	messageSeq  int
}

// New creates an empty store.
func New() *Store {
	return &Store{
		Now:         time.Now,
		authorities: make(map[string]*models.Authority),
		agents:      make(map[string]*models.Agent),
		citizens:    make(map[string]*models.Citizen),
		cases:       make(map[string]*models.Case),
		contacts:    make(map[string]*models.Contact),
		contactByID: make(map[string]*models.Contact),
		attachments: make(map[string]*models.Attachment),
		messages:    make(map[string]*messageRow),
	}
}

func (s *Store) now() time.Time { return s.Now().UTC() }

// Ping always succeeds.
func (s *Store) Ping(context.Context) error { return nil }

// --- Authorities and agents ---

func (s *Store) CreateAuthority(_ context.Context, a *models.Authority) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.authorities {
		if existing.Slug == a.Slug {
			return apperr.New(apperr.KindConflict, "slug %q is already used", a.Slug)
		}
		if a.LogoAttachmentID != nil && existing.LogoAttachmentID != nil && *existing.LogoAttachmentID == *a.LogoAttachmentID {
			return apperr.New(apperr.KindAlreadyUsed, "attachment %s is already used", *a.LogoAttachmentID)
		}
	}
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = s.now()
	}
	stored := *a
	s.authorities[a.ID] = &stored
	return nil
}

func (s *Store) GetAuthority(_ context.Context, id string) (*models.Authority, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.authorities[id]
	if !ok {
		return nil, apperr.NotFound("authority", id)
	}
	out := *a
	return &out, nil
}

func (s *Store) AddAgent(_ context.Context, userID, authorityID string) (*models.Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.authorities[authorityID]; !ok {
		return nil, apperr.NotFound("authority", authorityID)
	}
	key := userID + "|" + authorityID
	if a, ok := s.agents[key]; ok {
		out := *a
		return &out, nil
	}
	a := &models.Agent{ID: uuid.New().String(), UserID: userID, AuthorityID: authorityID, CreatedAt: s.now()}
	s.agents[key] = a
	out := *a
	return &out, nil
}

func (s *Store) IsAgentOfAuthority(_ context.Context, userID, authorityID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.agents[userID+"|"+authorityID]
	return ok, nil
}

// --- Cases and citizens ---

func (s *Store) CreateCase(_ context.Context, in models.NewCase) (*models.Case, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.authorities[in.AuthorityID]; !ok {
		return nil, apperr.NotFound("authority", in.AuthorityID)
	}

	citizen := in.Citizen
	citizen.ID = uuid.New().String()
	s.citizens[citizen.ID] = &citizen

	now := s.now()
	s.humanSeq++
	c := &models.Case{
		ID:            uuid.New().String(),
		HumanID:       s.humanSeq,
		Status:        models.CaseStatusToProcess,
		InitiatedFrom: in.InitiatedFrom,
		Description:   in.Description,
		AuthorityID:   in.AuthorityID,
		CitizenID:     citizen.ID,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	s.cases[c.ID] = c
	out := *c
	return &out, nil
}

func (s *Store) GetCase(_ context.Context, id string) (*models.Case, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.cases[id]
	if !ok {
		return nil, apperr.NotFound("case", id)
	}
	out := *c
	return &out, nil
}

func (s *Store) FindCaseByHumanID(_ context.Context, humanID int64) (*models.Case, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.cases {
		if c.HumanID == humanID {
			out := *c
			return &out, nil
		}
	}
	return nil, apperr.New(apperr.KindNotFound, "case #%d not found", humanID)
}

func (s *Store) GetCitizen(_ context.Context, id string) (*models.Citizen, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.citizens[id]
	if !ok {
		return nil, apperr.NotFound("citizen", id)
	}
	out := *c
	return &out, nil
}

// UpdateCase applies the set fields of u under the store lock.
func (s *Store) UpdateCase(_ context.Context, caseID string, u models.CaseUpdate) (*models.Case, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.cases[caseID]
	if !ok {
		return nil, apperr.NotFound("case", caseID)
	}
	if u.Status != nil {
		c.Status = *u.Status
	}
	if u.InitiatedFrom != nil {
		c.InitiatedFrom = *u.InitiatedFrom
	}
	if u.Units != nil {
		c.Units = *u.Units
	}
	if u.FinalConclusion != nil {
		c.FinalConclusion = *u.FinalConclusion
	}
	if u.NextRequirements != nil {
		c.NextRequirements = *u.NextRequirements
	}
	if u.SetTermReminder {
		c.TermReminderAt = copyTime(u.TermReminderAt)
	}
	switch {
	case u.Close == nil:
	case !*u.Close:
		c.ClosedAt = nil
	case c.ClosedAt == nil:
		c.ClosedAt = copyTime(&u.Now)
	}
	c.UpdatedAt = u.Now
	out := *c
	return &out, nil
}

func (s *Store) ListDueReminders(_ context.Context, authorityID string, before time.Time) ([]models.Case, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Case
	for _, c := range s.cases {
		if c.AuthorityID != authorityID || c.ClosedAt != nil || c.TermReminderAt == nil {
			continue
		}
		if c.TermReminderAt.Before(before) {
			out = append(out, *c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TermReminderAt.Before(*out[j].TermReminderAt) })
	return out, nil
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// --- Contacts ---

func (s *Store) UpsertContact(_ context.Context, email, name string) (*models.Contact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := email + "|" + name
	if c, ok := s.contacts[key]; ok {
		out := *c
		return &out, nil
	}
	c := &models.Contact{ID: uuid.New().String(), Email: email, Name: name}
	s.contacts[key] = c
	s.contactByID[c.ID] = c
	out := *c
	return &out, nil
}

func (s *Store) ListCaseContactUses(_ context.Context, caseID string) ([]models.ContactUse, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var uses []models.ContactUse
	for _, row := range s.messages {
		if !row.linked || row.message.CaseID != caseID {
			continue
		}
		for _, id := range append([]string{row.fromID}, row.toIDs...) {
			if c, ok := s.contactByID[id]; ok {
				uses = append(uses, models.ContactUse{Email: c.Email, Name: c.Name, UsedAt: row.message.CreatedAt})
			}
		}
	}
	return uses, nil
}

// --- Attachments ---

func (s *Store) CreateAttachment(_ context.Context, a *models.Attachment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := *a
	s.attachments[a.ID] = &stored
	return nil
}

func (s *Store) GetAttachments(_ context.Context, ids []string) ([]models.Attachment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Attachment
	for _, id := range ids {
		if a, ok := s.attachments[id]; ok {
			out = append(out, *a)
		}
	}
	return out, nil
}

func (s *Store) MarkAttachmentsUsed(_ context.Context, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		if a, ok := s.attachments[id]; ok {
			a.Used = true
		}
	}
	return nil
}

// --- Messages ---

func (s *Store) CreateMessage(_ context.Context, d models.MessageDraft) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.cases[d.CaseID]; !ok {
		return "", apperr.NotFound("case", d.CaseID)
	}
	if _, ok := s.contactByID[d.FromContactID]; !ok {
		return "", apperr.NotFound("contact", d.FromContactID)
	}
	for _, id := range d.ToContactIDs {
		if _, ok := s.contactByID[id]; !ok {
			return "", apperr.NotFound("contact", id)
		}
	}
	for _, id := range d.AttachmentIDs {
		if _, ok := s.attachments[id]; !ok {
			return "", apperr.NotFound("attachment", id)
		}
	}
	for _, existing := range s.messages {
		for _, id := range existing.attachmentIDs {
			if slices.Contains(d.AttachmentIDs, id) {
				return "", apperr.New(apperr.KindAlreadyUsed, "attachment %s is already used", id)
			}
		}
	}

	now := s.now()
	s.messageSeq++
	row := &messageRow{
		message: models.Message{
			ID:        uuid.New().String(),
			Subject:   d.Subject,
			Content:   d.Content,
			Status:    models.MessageStatusPending,
			CaseID:    d.CaseID,
			CreatedAt: now,
			UpdatedAt: now,
		},
		fromID:        d.FromContactID,
		toIDs:         append([]string(nil), d.ToContactIDs...),
		attachmentIDs: append([]string(nil), d.AttachmentIDs...),
		inline:        make(map[string]bool, len(d.InlineAttachments)),
		linked:        true,
		seq:           s.messageSeq,
	}
	for id, inline := range d.InlineAttachments {
		row.inline[id] = inline
	}
	if d.MarkedAsProcessed != nil {
		v := *d.MarkedAsProcessed
		row.marked = &v
	}
	s.messages[row.message.ID] = row
	return row.message.ID, nil
}

// SetMessageStatus moves a PENDING message to a final status.
func (s *Store) SetMessageStatus(_ context.Context, messageID string, status models.MessageStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.messages[messageID]
	if !ok {
		return apperr.NotFound("message", messageID)
	}
	if !row.message.Status.CanTransition(status) {
		return apperr.New(apperr.KindConflict, "message %s is already %s", messageID, row.message.Status)
	}
	row.message.Status = status
	row.message.UpdatedAt = s.now()
	return nil
}

func (s *Store) GetMessage(_ context.Context, messageID string) (*models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row, ok := s.messages[messageID]
	if !ok {
		return nil, apperr.NotFound("message", messageID)
	}
	m := s.hydrate(row)
	return &m, nil
}

func (s *Store) ListMessagesByCase(_ context.Context, caseID string) ([]models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var rows []*messageRow
	for _, row := range s.messages {
		if row.linked && row.message.CaseID == caseID {
			rows = append(rows, row)
		}
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].seq < rows[j].seq })

	out := make([]models.Message, 0, len(rows))
	for _, row := range rows {
		out = append(out, s.hydrate(row))
	}
	return out, nil
}

// GetMessageCaseLink returns nil without error when the message exists but
// is not linked to a case.
func (s *Store) GetMessageCaseLink(_ context.Context, messageID string) (*models.MessageCaseLink, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row, ok := s.messages[messageID]
	if !ok {
		return nil, apperr.NotFound("message", messageID)
	}
	if !row.linked {
		return nil, nil
	}
	link := &models.MessageCaseLink{MessageID: messageID, CaseID: row.message.CaseID}
	if row.marked != nil {
		v := *row.marked
		link.MarkedAsProcessed = &v
	}
	return link, nil
}

func (s *Store) SetMessageProcessed(_ context.Context, messageID string, processed bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.messages[messageID]
	if !ok || !row.linked {
		return apperr.NotFound("message", messageID)
	}
	if row.marked == nil {
		return apperr.New(apperr.KindNotToggleable, "message %s cannot be marked as processed", messageID)
	}
	row.marked = &processed
	return nil
}

func (s *Store) hydrate(row *messageRow) models.Message {
	m := row.message
	if c, ok := s.contactByID[row.fromID]; ok {
		m.From = *c
	}
	m.To = make([]models.Contact, 0, len(row.toIDs))
	for _, id := range row.toIDs {
		if c, ok := s.contactByID[id]; ok {
			m.To = append(m.To, *c)
		}
	}
	m.Attachments = make([]models.AttachmentRef, 0, len(row.attachmentIDs))
	for _, id := range row.attachmentIDs {
		if a, ok := s.attachments[id]; ok {
			m.Attachments = append(m.Attachments, models.AttachmentRef{
				ID:          a.ID,
				Name:        a.Name,
				ContentType: a.ContentType,
				Size:        a.Size,
				Inline:      row.inline[id],
			})
		}
	}
	if row.marked != nil {
		v := *row.marked
		m.ConsideredAsProcessed = &v
	}
	return m
}

// --- Reconciliation ---

func (s *Store) ListStalePendingMessages(_ context.Context, olderThan time.Time) ([]models.StaleMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.StaleMessage
	for _, row := range s.messages {
		if row.message.Status == models.MessageStatusPending && row.message.CreatedAt.Before(olderThan) {
			out = append(out, models.StaleMessage{
				MessageID: row.message.ID,
				CaseID:    row.message.CaseID,
				Subject:   row.message.Subject,
				CreatedAt: row.message.CreatedAt,
			})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// CommitReferencedAttachments marks used every unused attachment that a
// message or authority already references.
func (s *Store) CommitReferencedAttachments(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id := range s.referencedAttachments() {
		if a, ok := s.attachments[id]; ok && !a.Used {
			a.Used = true
			n++
		}
	}
	return n, nil
}

func (s *Store) ListAbandonedAttachments(_ context.Context, olderThan time.Time) ([]models.Attachment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	referenced := s.referencedAttachments()
	var out []models.Attachment
	for _, a := range s.attachments {
		if !a.Used && !referenced[a.ID] && a.CreatedAt.Before(olderThan) {
			out = append(out, *a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) DeleteAttachment(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.attachments, id)
	return nil
}

func (s *Store) referencedAttachments() map[string]bool {
	refs := make(map[string]bool)
	for _, row := range s.messages {
		for _, id := range row.attachmentIDs {
			refs[id] = true
		}
	}
	for _, a := range s.authorities {
		if a.LogoAttachmentID != nil {
			refs[*a.LogoAttachmentID] = true
		}
	}
	return refs
}
