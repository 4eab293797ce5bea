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

// UpsertContact returns the contact keyed by (email, name), inserting it if
// needed. The no-op update makes RETURNING yield the existing row.
func (s *Store) UpsertContact(ctx context.Context, email, name string) (*models.Contact, error) {
	var c models.Contact
	err := s.pool.QueryRow(ctx, `
		INSERT INTO contacts (id, email, name)
		VALUES ($1, $2, $3)
		ON CONFLICT (email, name) DO UPDATE SET email = EXCLUDED.email
		RETURNING id, email, name
	`, uuid.New().String(), email, name).Scan(&c.ID, &c.Email, &c.Name)
	if err != nil {
		return nil, fmt.Errorf("upsert contact: %w", err)
	}
	return &c, nil
}

// ListCaseContactUses returns every sender and recipient appearance on the
// messages of a case.
func (s *Store) ListCaseContactUses(ctx context.Context, caseID string) ([]models.ContactUse, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT c.email, c.name, m.created_at
		FROM messages m
		JOIN messages_on_cases moc ON moc.message_id = m.id
		JOIN contacts c ON c.id = m.from_contact_id
		WHERE moc.case_id = $1
		UNION ALL
		SELECT c.email, c.name, m.created_at
		FROM messages m
		JOIN messages_on_cases moc ON moc.message_id = m.id
		JOIN recipient_contacts_on_messages r ON r.message_id = m.id
		JOIN contacts c ON c.id = r.contact_id
		WHERE moc.case_id = $1
	`, caseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var uses []models.ContactUse
	for rows.Next() {
		var u models.ContactUse
		if err := rows.Scan(&u.Email, &u.Name, &u.UsedAt); err != nil {
			return nil, err
		}
		uses = append(uses, u)
	}
	return uses, rows.Err()
}

// CreateMessage inserts a PENDING message with its recipient, attachment
// and case links in one transaction.
func (s *Store) CreateMessage(ctx context.Context, d models.MessageDraft) (string, error) {
	messageID := uuid.New().String()
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
			INSERT INTO messages (id, subject, content, status, from_contact_id)
			VALUES ($1, $2, $3, $4, $5)
		`, messageID, d.Subject, d.Content, models.MessageStatusPending, d.FromContactID); err != nil {
			return fmt.Errorf("insert message: %w", err)
		}

		for i, contactID := range d.ToContactIDs {
			if _, err := tx.Exec(ctx, `
				INSERT INTO recipient_contacts_on_messages (message_id, contact_id, position)
				VALUES ($1, $2, $3)
			`, messageID, contactID, i); err != nil {
				return fmt.Errorf("link recipient: %w", err)
			}
		}

		for i, attachmentID := range d.AttachmentIDs {
			if _, err := tx.Exec(ctx, `
				INSERT INTO attachments_on_messages (attachment_id, message_id, inline, position)
				VALUES ($1, $2, $3, $4)
			`, attachmentID, messageID, d.InlineAttachments[attachmentID], i); err != nil {
				if pgCode(err) == uniqueViolation {
					return apperr.New(apperr.KindAlreadyUsed, "attachment %s is already used", attachmentID)
				}
				return fmt.Errorf("link attachment: %w", err)
			}
		}

		if _, err := tx.Exec(ctx, `
			INSERT INTO messages_on_cases (message_id, case_id, marked_as_processed)
			VALUES ($1, $2, $3)
		`, messageID, d.CaseID, d.MarkedAsProcessed); err != nil {
			if pgCode(err) == foreignKeyViolation {
				return apperr.NotFound("case", d.CaseID)
			}
			return fmt.Errorf("link case: %w", err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return messageID, nil
}

// SetMessageStatus moves a PENDING message to a final status. A message that
// already left PENDING is a conflict.
func (s *Store) SetMessageStatus(ctx context.Context, messageID string, status models.MessageStatus) error {
	if !models.MessageStatusPending.CanTransition(status) {
		return apperr.New(apperr.KindConflict, "invalid message status %s", status)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE messages SET status = $2, updated_at = NOW()
		WHERE id = $1 AND status = 'PENDING'
	`, messageID, status)
	if err != nil {
		return fmt.Errorf("update message status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var current models.MessageStatus
		err := s.pool.QueryRow(ctx, `SELECT status FROM messages WHERE id = $1`, messageID).Scan(&current)
		if err != nil {
			return notFound(err, "message", messageID)
		}
		return apperr.New(apperr.KindConflict, "message %s is already %s", messageID, current)
	}
	return nil
}

const messageSelect = `
	SELECT m.id, m.subject, m.content, m.status, m.created_at, m.updated_at,
	       moc.case_id, moc.marked_as_processed,
	       f.id, f.email, f.name
	FROM messages m
	JOIN messages_on_cases moc ON moc.message_id = m.id
	JOIN contacts f ON f.id = m.from_contact_id`

// GetMessage retrieves a message with its contacts and attachments.
func (s *Store) GetMessage(ctx context.Context, messageID string) (*models.Message, error) {
	messages, err := s.queryMessages(ctx, messageSelect+` WHERE m.id = $1`, messageID)
	if err != nil {
		return nil, err
	}
	if len(messages) == 0 {
		return nil, apperr.NotFound("message", messageID)
	}
	return &messages[0], nil
}

// ListMessagesByCase returns the messages of a case, oldest first.
func (s *Store) ListMessagesByCase(ctx context.Context, caseID string) ([]models.Message, error) {
	return s.queryMessages(ctx, messageSelect+` WHERE moc.case_id = $1 ORDER BY m.created_at, m.seq`, caseID)
}

func (s *Store) queryMessages(ctx context.Context, query string, args ...any) ([]models.Message, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}

	var messages []models.Message
	index := make(map[string]int)
	for rows.Next() {
		var m models.Message
		if err := rows.Scan(
			&m.ID, &m.Subject, &m.Content, &m.Status, &m.CreatedAt, &m.UpdatedAt,
			&m.CaseID, &m.ConsideredAsProcessed,
			&m.From.ID, &m.From.Email, &m.From.Name,
		); err != nil {
			rows.Close()
			return nil, err
		}
		m.To = []models.Contact{}
		m.Attachments = []models.AttachmentRef{}
		index[m.ID] = len(messages)
		messages = append(messages, m)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(messages) == 0 {
		return messages, nil
	}

	ids := make([]string, 0, len(messages))
	for _, m := range messages {
		ids = append(ids, m.ID)
	}

	recipients, err := s.pool.Query(ctx, `
		SELECT r.message_id, c.id, c.email, c.name
		FROM recipient_contacts_on_messages r
		JOIN contacts c ON c.id = r.contact_id
		WHERE r.message_id = ANY($1)
		ORDER BY r.message_id, r.position
	`, ids)
	if err != nil {
		return nil, fmt.Errorf("load recipients: %w", err)
	}
	for recipients.Next() {
		var messageID string
		var c models.Contact
		if err := recipients.Scan(&messageID, &c.ID, &c.Email, &c.Name); err != nil {
			recipients.Close()
			return nil, err
		}
		i := index[messageID]
		messages[i].To = append(messages[i].To, c)
	}
	recipients.Close()
	if err := recipients.Err(); err != nil {
		return nil, err
	}

	attachments, err := s.pool.Query(ctx, `
		SELECT am.message_id, a.id, a.name, a.content_type, a.size, am.inline
		FROM attachments_on_messages am
		JOIN attachments a ON a.id = am.attachment_id
		WHERE am.message_id = ANY($1)
		ORDER BY am.message_id, am.position
	`, ids)
	if err != nil {
		return nil, fmt.Errorf("load attachments: %w", err)
	}
	defer attachments.Close()
	for attachments.Next() {
		var messageID string
		var a models.AttachmentRef
		if err := attachments.Scan(&messageID, &a.ID, &a.Name, &a.ContentType, &a.Size, &a.Inline); err != nil {
			return nil, err
		}
		i := index[messageID]
		messages[i].Attachments = append(messages[i].Attachments, a)
	}
	return messages, attachments.Err()
}

// GetMessageCaseLink returns nil without error when the message exists but
// has no case link.
func (s *Store) GetMessageCaseLink(ctx context.Context, messageID string) (*models.MessageCaseLink, error) {
	var caseID *string
	var marked *bool
	err := s.pool.QueryRow(ctx, `
		SELECT moc.case_id, moc.marked_as_processed
		FROM messages m
		LEFT JOIN messages_on_cases moc ON moc.message_id = m.id
		WHERE m.id = $1
	`, messageID).Scan(&caseID, &marked)
	if err != nil {
		return nil, notFound(err, "message", messageID)
	}
	if caseID == nil {
		return nil, nil
	}
	return &models.MessageCaseLink{MessageID: messageID, CaseID: *caseID, MarkedAsProcessed: marked}, nil
}

// SetMessageProcessed updates the processed marker. Null markers stay null.
func (s *Store) SetMessageProcessed(ctx context.Context, messageID string, processed bool) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE messages_on_cases SET marked_as_processed = $2
		WHERE message_id = $1 AND marked_as_processed IS NOT NULL
	`, messageID, processed)
	if err != nil {
		return fmt.Errorf("update processed marker: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.New(apperr.KindNotToggleable, "message %s cannot be marked as processed", messageID)
	}
	return nil
}

// ListStalePendingMessages returns messages still PENDING that were created
// before olderThan.
func (s *Store) ListStalePendingMessages(ctx context.Context, olderThan time.Time) ([]models.StaleMessage, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT m.id, COALESCE(moc.case_id, ''), m.subject, m.created_at
		FROM messages m
		LEFT JOIN messages_on_cases moc ON moc.message_id = m.id
		WHERE m.status = 'PENDING' AND m.created_at < $1
		ORDER BY m.created_at
	`, olderThan)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var stale []models.StaleMessage
	for rows.Next() {
		var m models.StaleMessage
		if err := rows.Scan(&m.MessageID, &m.CaseID, &m.Subject, &m.CreatedAt); err != nil {
			return nil, err
		}
		stale = append(stale, m)
	}
	return stale, rows.Err()
}
