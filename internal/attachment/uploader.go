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

package attachment

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Inclusion-Numerique/mediature/internal/apperr"
	"github.com/Inclusion-Numerique/mediature/internal/authz"
	"github.com/Inclusion-Numerique/mediature/internal/blob"
	"github.com/Inclusion-Numerique/mediature/internal/models"
)

// Requirement constrains the files accepted for a kind. An empty
// ContentTypes list accepts any type.
type Requirement struct {
	MaxSize      int64
	ContentTypes []string
}

const megabyte = 1 << 20

// Requirements per attachment kind.
var Requirements = map[models.AttachmentKind]Requirement{
	models.AttachmentKindMessageDocument: {MaxSize: 20 * megabyte},
	models.AttachmentKindCaseDocument:    {MaxSize: 20 * megabyte},
	models.AttachmentKindAuthorityLogo: {
		MaxSize:      2 * megabyte,
		ContentTypes: []string{"image/png", "image/jpeg", "image/webp"},
	},
}

// MaxSize returns the largest size accepted for any kind.
func MaxSize() int64 {
	var largest int64
	for _, req := range Requirements {
		if req.MaxSize > largest {
			largest = req.MaxSize
		}
	}
	return largest
}

// Writer records new attachment rows.
type Writer interface {
	CreateAttachment(ctx context.Context, a *models.Attachment) error
}

// Uploader stores attachment content and records it as unused.
type Uploader struct {
	repo  Writer
	store blob.Store
	now   func() time.Time
}

// NewUploader creates an uploader writing content to store.
func NewUploader(repo Writer, store blob.Store) *Uploader {
	return &Uploader{repo: repo, store: store, now: time.Now}
}

// Upload stores a file sent by an authenticated user.
func (u *Uploader) Upload(ctx context.Context, rc authz.RequestContext, kind models.AttachmentKind, name, contentType string, r io.Reader) (*models.Attachment, error) {
	if err := authz.RequireAuthenticated(rc); err != nil {
		return nil, err
	}
	return u.save(ctx, kind, name, contentType, r)
}

// Ingest stores a file received from a trusted system channel such as the
// inbound mail webhook.
func (u *Uploader) Ingest(ctx context.Context, kind models.AttachmentKind, name, contentType string, content []byte) (*models.Attachment, error) {
	return u.save(ctx, kind, name, contentType, bytes.NewReader(content))
}

func (u *Uploader) save(ctx context.Context, kind models.AttachmentKind, name, contentType string, r io.Reader) (*models.Attachment, error) {
	req, ok := Requirements[kind]
	if !ok {
		return nil, apperr.New(apperr.KindInvalidKind, "unknown attachment kind %q", kind)
	}

	mediaType := normalizeContentType(contentType)
	if len(req.ContentTypes) > 0 && !contains(req.ContentTypes, mediaType) {
		return nil, apperr.Validation("file type not accepted", map[string]string{
			"file": fmt.Sprintf("must be one of: %s", strings.Join(req.ContentTypes, ", ")),
		})
	}

	var buf bytes.Buffer
	n, err := io.Copy(&buf, io.LimitReader(r, req.MaxSize+1))
	if err != nil {
		return nil, fmt.Errorf("read upload: %w", err)
	}
	if n > req.MaxSize {
		return nil, apperr.Validation("file too large", map[string]string{
			"file": fmt.Sprintf("must not exceed %d bytes", req.MaxSize),
		})
	}
	if n == 0 {
		return nil, apperr.Validation("empty file", map[string]string{"file": "this field is required"})
	}

	a := &models.Attachment{
		ID:          uuid.New().String(),
		Kind:        kind,
		Name:        strings.TrimSpace(name),
		ContentType: mediaType,
		Size:        n,
		CreatedAt:   u.now().UTC(),
	}
	if a.Name == "" {
		a.Name = "attachment"
	}

	if err := u.store.Put(ctx, a.ID, &buf, n, mediaType); err != nil {
		return nil, fmt.Errorf("store attachment content: %w", err)
	}
	if err := u.repo.CreateAttachment(ctx, a); err != nil {
		if rmErr := u.store.Remove(ctx, a.ID); rmErr != nil {
			slog.Warn("failed to remove orphan attachment content", "attachment_id", a.ID, "error", rmErr)
		}
		return nil, fmt.Errorf("record attachment: %w", err)
	}

	slog.Info("attachment uploaded",
		"attachment_id", a.ID,
		"kind", a.Kind,
		"size", a.Size,
	)
	return a, nil
}

func normalizeContentType(contentType string) string {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil || mediaType == "" {
		return "application/octet-stream"
	}
	return mediaType
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
