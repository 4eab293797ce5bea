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

package models

import "time"

// MessageStatus is the delivery status of a message.
type MessageStatus string

const (
	MessageStatusPending     MessageStatus = "PENDING"
	MessageStatusTransferred MessageStatus = "TRANSFERRED"
	MessageStatusError       MessageStatus = "ERROR"
)

// CanTransition reports whether a message may move from s to next. Only
// PENDING has outgoing transitions.
func (s MessageStatus) CanTransition(next MessageStatus) bool {
	return s == MessageStatusPending &&
		(next == MessageStatusTransferred || next == MessageStatusError)
}

// Contact is an email address with an optional display name. Contacts are
// unique on (Email, Name); an empty Name means no name.
type Contact struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Name  string `json:"name"`
}

// ContactInput is a recipient as typed by a user, before resolution.
type ContactInput struct {
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

// ContactUse is one appearance of a contact on a case's messages.
type ContactUse struct {
	Email  string
	Name   string
	UsedAt time.Time
}

// AttachmentRef is the attachment metadata exposed on a message.
type AttachmentRef struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	ContentType string `json:"contentType"`
	Size        int64  `json:"size"`
	Inline      bool   `json:"inline"`
}

// Message is an email-like entry on a case thread.
type Message struct {
	ID          string          `json:"id"`
	Subject     string          `json:"subject"`
	Content     string          `json:"content"`
	Status      MessageStatus   `json:"status"`
	From        Contact         `json:"from"`
	To          []Contact       `json:"to"`
	Attachments []AttachmentRef `json:"attachments"`
	CaseID      string          `json:"caseId"`

	// ConsideredAsProcessed is nil for inbound messages, which cannot be
	// toggled by agents.
	ConsideredAsProcessed *bool     `json:"consideredAsProcessed"`
	CreatedAt             time.Time `json:"createdAt"`
	UpdatedAt             time.Time `json:"updatedAt"`
}

// MessageCaseLink is the join row between a message and its case.
type MessageCaseLink struct {
	MessageID         string
	CaseID            string
	MarkedAsProcessed *bool
}

// MessageDraft is everything needed to persist a message and its links in one
// transaction.
type MessageDraft struct {
	CaseID            string
	Subject           string
	Content           string
	FromContactID     string
	ToContactIDs      []string
	AttachmentIDs     []string
	InlineAttachments map[string]bool
	MarkedAsProcessed *bool
}

// StaleMessage is a message stuck in PENDING, reported to operators.
type StaleMessage struct {
	MessageID string
	CaseID    string
	Subject   string
	CreatedAt time.Time
}
