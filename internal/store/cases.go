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
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/Inclusion-Numerique/mediature/internal/apperr"
	"github.com/Inclusion-Numerique/mediature/internal/models"
)

const caseColumns = `
	id, human_id, status, initiated_from, description, units, final_conclusion,
	next_requirements, term_reminder_at, closed_at, authority_id, citizen_id,
	created_at, updated_at`

// scanCase scans a single row selected with caseColumns.
func scanCase(row pgx.Row) (*models.Case, error) {
	var c models.Case
	err := row.Scan(
		&c.ID, &c.HumanID, &c.Status, &c.InitiatedFrom, &c.Description, &c.Units,
		&c.FinalConclusion, &c.NextRequirements, &c.TermReminderAt, &c.ClosedAt,
		&c.AuthorityID, &c.CitizenID, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// CreateAuthority inserts an authority. A taken slug is a conflict.
func (s *Store) CreateAuthority(ctx context.Context, a *models.Authority) error {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO authorities (id, name, slug, type, logo_attachment_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, a.ID, a.Name, a.Slug, a.Type, a.LogoAttachmentID, a.CreatedAt)
	if pgCode(err) == uniqueViolation {
		if pgConstraint(err) == logoIndex {
			return apperr.New(apperr.KindAlreadyUsed, "attachment %s is already used", *a.LogoAttachmentID)
		}
		return apperr.New(apperr.KindConflict, "slug %q is already used", a.Slug)
	}
	if err != nil {
		return fmt.Errorf("insert authority: %w", err)
	}
	return nil
}

// GetAuthority retrieves an authority by id.
func (s *Store) GetAuthority(ctx context.Context, id string) (*models.Authority, error) {
	var a models.Authority
	err := s.pool.QueryRow(ctx, `
		SELECT id, name, slug, type, logo_attachment_id, created_at
		FROM authorities
		WHERE id = $1
	`, id).Scan(&a.ID, &a.Name, &a.Slug, &a.Type, &a.LogoAttachmentID, &a.CreatedAt)
	if err != nil {
		return nil, notFound(err, "authority", id)
	}
	return &a, nil
}

// AddAgent inserts the membership or returns the existing one.
func (s *Store) AddAgent(ctx context.Context, userID, authorityID string) (*models.Agent, error) {
	var a models.Agent
	err := s.pool.QueryRow(ctx, `
		INSERT INTO agents (id, user_id, authority_id)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id, authority_id) DO UPDATE SET user_id = EXCLUDED.user_id
		RETURNING id, user_id, authority_id, created_at
	`, uuid.New().String(), userID, authorityID).Scan(&a.ID, &a.UserID, &a.AuthorityID, &a.CreatedAt)
	if pgCode(err) == foreignKeyViolation {
		return nil, apperr.NotFound("authority", authorityID)
	}
	if err != nil {
		return nil, fmt.Errorf("upsert agent: %w", err)
	}
	return &a, nil
}

// IsAgentOfAuthority reports whether the user is an agent of the authority.
func (s *Store) IsAgentOfAuthority(ctx context.Context, userID, authorityID string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM agents WHERE user_id = $1 AND authority_id = $2)
	`, userID, authorityID).Scan(&exists)
	return exists, err
}

// CreateCase inserts the citizen and the case in one transaction.
func (s *Store) CreateCase(ctx context.Context, in models.NewCase) (*models.Case, error) {
	var created *models.Case
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		citizenID := uuid.New().String()
		_, err := tx.Exec(ctx, `
			INSERT INTO citizens (id, firstname, lastname, email, phone)
			VALUES ($1, $2, $3, $4, $5)
		`, citizenID, in.Citizen.FirstName, in.Citizen.LastName, in.Citizen.Email, in.Citizen.Phone)
		if err != nil {
			return fmt.Errorf("insert citizen: %w", err)
		}

		row := tx.QueryRow(ctx, `
			INSERT INTO cases (id, status, initiated_from, description, authority_id, citizen_id)
			VALUES ($1, $2, $3, $4, $5, $6)
			RETURNING `+caseColumns,
			uuid.New().String(), models.CaseStatusToProcess, in.InitiatedFrom, in.Description, in.AuthorityID, citizenID)
		created, err = scanCase(row)
		if pgCode(err) == foreignKeyViolation {
			return apperr.NotFound("authority", in.AuthorityID)
		}
		if err != nil {
			return fmt.Errorf("insert case: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

// GetCase retrieves a case by id.
func (s *Store) GetCase(ctx context.Context, id string) (*models.Case, error) {
	c, err := scanCase(s.pool.QueryRow(ctx, `SELECT `+caseColumns+` FROM cases WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, "case", id)
	}
	return c, nil
}

// FindCaseByHumanID retrieves a case by its human-facing number.
func (s *Store) FindCaseByHumanID(ctx context.Context, humanID int64) (*models.Case, error) {
	c, err := scanCase(s.pool.QueryRow(ctx, `SELECT `+caseColumns+` FROM cases WHERE human_id = $1`, humanID))
	if err != nil {
		return nil, notFound(err, "case", fmt.Sprintf("#%d", humanID))
	}
	return c, nil
}

// GetCitizen retrieves a citizen by id.
func (s *Store) GetCitizen(ctx context.Context, id string) (*models.Citizen, error) {
	var c models.Citizen
	err := s.pool.QueryRow(ctx, `
		SELECT id, firstname, lastname, email, phone FROM citizens WHERE id = $1
	`, id).Scan(&c.ID, &c.FirstName, &c.LastName, &c.Email, &c.Phone)
	if err != nil {
		return nil, notFound(err, "citizen", id)
	}
	return &c, nil
}

// UpdateCase writes only the given columns in one statement. The closing
// date is resolved against the stored row, not a prior read.
func (s *Store) UpdateCase(ctx context.Context, caseID string, u models.CaseUpdate) (*models.Case, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE cases SET
			status            = COALESCE($2, status),
			initiated_from    = COALESCE($3, initiated_from),
			units             = COALESCE($4, units),
			final_conclusion  = COALESCE($5, final_conclusion),
			next_requirements = COALESCE($6, next_requirements),
			term_reminder_at  = CASE WHEN $7::boolean THEN $8::timestamptz ELSE term_reminder_at END,
			closed_at         = CASE
				WHEN $9::boolean IS NULL THEN closed_at
				WHEN $9::boolean THEN COALESCE(closed_at, $10)
				ELSE NULL
			END,
			updated_at        = $10
		WHERE id = $1
		RETURNING `+caseColumns,
		caseID, u.Status, u.InitiatedFrom, u.Units, u.FinalConclusion, u.NextRequirements,
		u.SetTermReminder, u.TermReminderAt, u.Close, u.Now)
	c, err := scanCase(row)
	if err != nil {
		return nil, notFound(err, "case", caseID)
	}
	return c, nil
}

// ListDueReminders returns open cases whose term reminder is before the
// given time, earliest first.
func (s *Store) ListDueReminders(ctx context.Context, authorityID string, before time.Time) ([]models.Case, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+caseColumns+`
		FROM cases
		WHERE authority_id = $1
		  AND closed_at IS NULL
		  AND term_reminder_at IS NOT NULL
		  AND term_reminder_at < $2
		ORDER BY term_reminder_at
	`, authorityID, before)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var cases []models.Case
	for rows.Next() {
		c, err := scanCase(rows)
		if err != nil {
			return nil, err
		}
		cases = append(cases, *c)
	}
	return cases, rows.Err()
}
