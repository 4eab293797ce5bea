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

	"github.com/jackc/pgx/v5"

	"github.com/Inclusion-Numerique/mediature/internal/models"
)

const attachmentColumns = `id, kind, name, content_type, size, used, created_at`

// referencedClause matches attachments that a message or an authority
// points at.
const referencedClause = `(
	EXISTS (SELECT 1 FROM attachments_on_messages am WHERE am.attachment_id = a.id)
	OR EXISTS (SELECT 1 FROM authorities au WHERE au.logo_attachment_id = a.id)
)`

// CreateAttachment records an unused attachment.
func (s *Store) CreateAttachment(ctx context.Context, a *models.Attachment) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO attachments (id, kind, name, content_type, size, used, created_at)
		VALUES ($1, $2, $3, $4, $5, FALSE, $6)
	`, a.ID, a.Kind, a.Name, a.ContentType, a.Size, a.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert attachment: %w", err)
	}
	return nil
}

// GetAttachments returns the attachments that exist among ids.
func (s *Store) GetAttachments(ctx context.Context, ids []string) ([]models.Attachment, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+attachmentColumns+` FROM attachments WHERE id = ANY($1)
	`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectAttachments(rows)
}

// MarkAttachmentsUsed flips used to true. Already used rows are untouched.
func (s *Store) MarkAttachmentsUsed(ctx context.Context, ids []string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE attachments SET used = TRUE WHERE id = ANY($1) AND NOT used
	`, ids)
	return err
}

// CommitReferencedAttachments marks used every unused attachment already
// referenced by a message or an authority, completing commits interrupted
// after the owning write.
func (s *Store) CommitReferencedAttachments(ctx context.Context) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE attachments a SET used = TRUE
		WHERE NOT a.used AND `+referencedClause)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// ListAbandonedAttachments returns unused, unreferenced attachments created
// before olderThan.
func (s *Store) ListAbandonedAttachments(ctx context.Context, olderThan time.Time) ([]models.Attachment, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+attachmentColumns+`
		FROM attachments a
		WHERE NOT a.used AND a.created_at < $1 AND NOT `+referencedClause+`
		ORDER BY a.created_at
	`, olderThan)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectAttachments(rows)
}

// DeleteAttachment removes an unused attachment row.
func (s *Store) DeleteAttachment(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM attachments WHERE id = $1 AND NOT used`, id)
	return err
}

func collectAttachments(rows pgx.Rows) ([]models.Attachment, error) {
	var attachments []models.Attachment
	for rows.Next() {
		var a models.Attachment
		if err := rows.Scan(&a.ID, &a.Kind, &a.Name, &a.ContentType, &a.Size, &a.Used, &a.CreatedAt); err != nil {
			return nil, err
		}
		attachments = append(attachments, a)
	}
	return attachments, rows.Err()
}
