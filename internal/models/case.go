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

// Package models defines the data structures shared across the mediation
// service: cases, citizens, authorities, messages, contacts and attachments.
package models

import "time"

// CaseStatus is the triage status an agent sets on a case. It is independent
// of whether the case is open or closed.
type CaseStatus string

const (
	CaseStatusToProcess              CaseStatus = "to_process"
	CaseStatusMakeCall               CaseStatus = "make_call"
	CaseStatusSyncWithCitizen        CaseStatus = "sync_with_citizen"
	CaseStatusSyncWithAdministration CaseStatus = "sync_with_administration"
	CaseStatusAboutToClose           CaseStatus = "about_to_close"
	CaseStatusStuck                  CaseStatus = "stuck"
)

// Valid reports whether s is a known case status.
func (s CaseStatus) Valid() bool {
	switch s {
	case CaseStatusToProcess, CaseStatusMakeCall, CaseStatusSyncWithCitizen,
		CaseStatusSyncWithAdministration, CaseStatusAboutToClose, CaseStatusStuck:
		return true
	}
	return false
}

// CasePlatform is the channel a case was initiated from.
type CasePlatform string

const (
	CasePlatformWeb          CasePlatform = "web"
	CasePlatformEmail        CasePlatform = "email"
	CasePlatformPhone        CasePlatform = "phone"
	CasePlatformIncomingMail CasePlatform = "incoming_mail"
	CasePlatformInPerson     CasePlatform = "in_person"
)

// Valid reports whether p is a known initiation channel.
func (p CasePlatform) Valid() bool {
	switch p {
	case CasePlatformWeb, CasePlatformEmail, CasePlatformPhone,
		CasePlatformIncomingMail, CasePlatformInPerson:
		return true
	}
	return false
}

// CaseState is the open/closed state derived from ClosedAt.
type CaseState string

const (
	CaseStateOpen   CaseState = "OPEN"
	CaseStateClosed CaseState = "CLOSED"
)

// Case is a mediation request tracked from intake to closure.
type Case struct {
	ID               string       `json:"id"`
	HumanID          int64        `json:"humanId"`
	Status           CaseStatus   `json:"status"`
	InitiatedFrom    CasePlatform `json:"initiatedFrom"`
	Description      string       `json:"description"`
	Units            string       `json:"units"`
	FinalConclusion  string       `json:"finalConclusion"`
	NextRequirements string       `json:"nextRequirements"`
	TermReminderAt   *time.Time   `json:"termReminderAt"`
	ClosedAt         *time.Time   `json:"closedAt"`
	AuthorityID      string       `json:"authorityId"`
	CitizenID        string       `json:"citizenId"`
	CreatedAt        time.Time    `json:"createdAt"`
	UpdatedAt        time.Time    `json:"updatedAt"`
}

// State derives the open/closed state. A case is closed exactly when
// ClosedAt is set.
func (c *Case) State() CaseState {
	if c.ClosedAt != nil {
		return CaseStateClosed
	}
	return CaseStateOpen
}

// Citizen is the person who submitted a case.
type Citizen struct {
	ID        string `json:"id"`
	FirstName string `json:"firstname"`
	LastName  string `json:"lastname"`
	Email     string `json:"email"`
	Phone     string `json:"phone"`
}

// AuthorityType is the kind of administrative body.
type AuthorityType string

const (
	AuthorityTypeCity        AuthorityType = "city"
	AuthorityTypeSubdivision AuthorityType = "subdivision"
	AuthorityTypeRegion      AuthorityType = "region"
)

// Valid reports whether t is a known authority type.
func (t AuthorityType) Valid() bool {
	switch t {
	case AuthorityTypeCity, AuthorityTypeSubdivision, AuthorityTypeRegion:
		return true
	}
	return false
}

// Authority is the administrative body a case is filed against.
type Authority struct {
	ID               string        `json:"id"`
	Name             string        `json:"name"`
	Slug             string        `json:"slug"`
	Type             AuthorityType `json:"type"`
	LogoAttachmentID *string       `json:"logoAttachmentId"`
	CreatedAt        time.Time     `json:"createdAt"`
}

// Agent links a user to the authority whose cases they manage.
type Agent struct {
	ID          string    `json:"id"`
	UserID      string    `json:"userId"`
	AuthorityID string    `json:"authorityId"`
	CreatedAt   time.Time `json:"createdAt"`
}

// CaseUpdate is a partial case update. Nil fields keep their stored value.
// Stores apply it in a single statement so concurrent updates of other
// fields are not reverted.
type CaseUpdate struct {
	Status           *CaseStatus
	InitiatedFrom    *CasePlatform
	Units            *string
	FinalConclusion  *string
	NextRequirements *string

	// SetTermReminder writes TermReminderAt, nil clearing it.
	SetTermReminder bool
	TermReminderAt  *time.Time

	// Close closes (true) or reopens (false) the case. Closing a closed case
	// keeps its closing date.
	Close *bool

	// Now stamps updated_at and a new closing date.
	Now time.Time
}

// NewCase is the input for creating a citizen and its case together.
type NewCase struct {
	AuthorityID   string
	Citizen       Citizen
	Description   string
	InitiatedFrom CasePlatform
}
