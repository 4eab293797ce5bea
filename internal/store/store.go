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

// Package store is the Postgres implementation of the repositories used by
// the authorization checker, the contact resolver, the attachment reconciler,
// the messenger, the lifecycle controller and the sweeper.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Inclusion-Numerique/mediature/internal/apperr"
)

// Store runs queries against a pgx pool.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a store backed by the given Postgres pool. It ensures
// the schema exists on creation.
func NewStore(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	s := &Store{pool: pool}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	slog.Info("postgres store initialised")
	return s, nil
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *Store) ensureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS authorities (
			id                 TEXT PRIMARY KEY,
			name               TEXT NOT NULL,
			slug               TEXT NOT NULL UNIQUE,
			type               TEXT NOT NULL CHECK (type IN ('city', 'subdivision', 'region')),
			logo_attachment_id TEXT,
			created_at         TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE TABLE IF NOT EXISTS agents (
			id           TEXT PRIMARY KEY,
			user_id      TEXT NOT NULL,
			authority_id TEXT NOT NULL REFERENCES authorities(id) ON DELETE CASCADE,
			created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			UNIQUE(user_id, authority_id)
		);

		CREATE TABLE IF NOT EXISTS citizens (
			id        TEXT PRIMARY KEY,
			firstname TEXT NOT NULL,
			lastname  TEXT NOT NULL,
			email     TEXT NOT NULL,
			phone     TEXT NOT NULL DEFAULT ''
		);

		CREATE TABLE IF NOT EXISTS cases (
			id                TEXT PRIMARY KEY,
			human_id          BIGSERIAL UNIQUE,
			status            TEXT NOT NULL,
			initiated_from    TEXT NOT NULL,
			description       TEXT NOT NULL DEFAULT '',
			units             TEXT NOT NULL DEFAULT '',
			final_conclusion  TEXT NOT NULL DEFAULT '',
			next_requirements TEXT NOT NULL DEFAULT '',
			term_reminder_at  TIMESTAMPTZ,
			closed_at         TIMESTAMPTZ,
			authority_id      TEXT NOT NULL REFERENCES authorities(id),
			citizen_id        TEXT NOT NULL REFERENCES citizens(id),
			created_at        TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at        TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE UNIQUE INDEX IF NOT EXISTS idx_authorities_logo ON authorities(logo_attachment_id);
		CREATE INDEX IF NOT EXISTS idx_cases_authority ON cases(authority_id);
		CREATE INDEX IF NOT EXISTS idx_cases_reminder ON cases(term_reminder_at) WHERE closed_at IS NULL;

		CREATE TABLE IF NOT EXISTS contacts (
			id    TEXT PRIMARY KEY,
			email TEXT NOT NULL,
			name  TEXT NOT NULL DEFAULT '',
			UNIQUE(email, name)
		);

		CREATE TABLE IF NOT EXISTS attachments (
			id           TEXT PRIMARY KEY,
			kind         TEXT NOT NULL CHECK (kind IN ('message_document', 'authority_logo', 'case_document')),
			name         TEXT NOT NULL,
			content_type TEXT NOT NULL,
			size         BIGINT NOT NULL,
			used         BOOLEAN NOT NULL DEFAULT FALSE,
			created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_attachments_unused ON attachments(created_at) WHERE NOT used;

		CREATE TABLE IF NOT EXISTS messages (
			id              TEXT PRIMARY KEY,
			seq             BIGSERIAL,
			subject         TEXT NOT NULL,
			content         TEXT NOT NULL,
			status          TEXT NOT NULL CHECK (status IN ('PENDING', 'TRANSFERRED', 'ERROR')),
			from_contact_id TEXT NOT NULL REFERENCES contacts(id),
			created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_messages_pending ON messages(created_at) WHERE status = 'PENDING';

		CREATE TABLE IF NOT EXISTS recipient_contacts_on_messages (
			message_id TEXT NOT NULL REFERENCES messages(id) ON DELETE CASCADE,
			contact_id TEXT NOT NULL REFERENCES contacts(id),
			position   INT NOT NULL,
			PRIMARY KEY (message_id, contact_id)
		);

		CREATE TABLE IF NOT EXISTS messages_on_cases (
			message_id          TEXT PRIMARY KEY REFERENCES messages(id) ON DELETE CASCADE,
			case_id             TEXT NOT NULL REFERENCES cases(id) ON DELETE CASCADE,
			marked_as_processed BOOLEAN
		);
		CREATE INDEX IF NOT EXISTS idx_messages_on_cases_case ON messages_on_cases(case_id);

		CREATE TABLE IF NOT EXISTS attachments_on_messages (
			attachment_id TEXT PRIMARY KEY REFERENCES attachments(id),
			message_id    TEXT NOT NULL REFERENCES messages(id) ON DELETE CASCADE,
			inline        BOOLEAN NOT NULL DEFAULT FALSE,
			position      INT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_attachments_on_messages_message ON attachments_on_messages(message_id);
	`)
	return err
}

// inTx runs fn in a transaction, committing on success.
func (s *Store) inTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	return pgx.BeginFunc(ctx, s.pool, fn)
}

// notFound converts pgx.ErrNoRows into an apperr not-found error.
func notFound(err error, entity, id string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return apperr.NotFound(entity, id)
	}
	return err
}

const (
	uniqueViolation     = "23505"
	foreignKeyViolation = "23503"
)

const logoIndex = "idx_authorities_logo"

// pgConstraint returns the constraint or index a Postgres error names.
func pgConstraint(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.ConstraintName
	}
	return ""
}

func pgCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}
