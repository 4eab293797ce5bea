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

// Package attachment checks that attachments referenced by a write may be
// used by it, and flips them to used once the write has succeeded.
//
// Usage is two-phase. Stage runs every check without writing anything and
// returns a Staged set; the caller performs its own write and only then calls
// Commit. A crash between the two leaves the attachments unused, which the
// sweeper later reclaims.
package attachment

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/Inclusion-Numerique/mediature/internal/apperr"
	"github.com/Inclusion-Numerique/mediature/internal/models"
)

// DefaultMaxAttachments applies when no quota is configured.
const DefaultMaxAttachments = 10

// Repository is the persistence the reconciler needs.
type Repository interface {
	// GetAttachments returns the attachments that exist among ids.
	GetAttachments(ctx context.Context, ids []string) ([]models.Attachment, error)

	// MarkAttachmentsUsed sets used = true on every id. Already used rows
	// are left as is.
	MarkAttachmentsUsed(ctx context.Context, ids []string) error
}

// Limits bounds how many attachments a single owner may carry.
type Limits struct {
	MaxAttachmentsTotal int
}

// Reconciler stages attachment usage.
type Reconciler struct {
	repo Repository
}

// NewReconciler creates an attachment reconciler.
func NewReconciler(repo Repository) *Reconciler {
	return &Reconciler{repo: repo}
}

// Staged is a checked set of attachments waiting for the owning write.
type Staged struct {
	IDs []string

	repo      Repository
	mu        sync.Mutex
	committed bool
}

// Stage checks candidates for an owner of the given kind. alreadyAttached
// lists ids the owner carries before this write; they count towards the
// quota and may be re-referenced even though they are used.
//
// Checks run in order: quota, existence, kind, reuse. Nothing is written.
func (r *Reconciler) Stage(ctx context.Context, kind models.AttachmentKind, candidates, alreadyAttached []string, limits Limits) (*Staged, error) {
	attached := make(map[string]bool, len(alreadyAttached))
	for _, id := range alreadyAttached {
		attached[id] = true
	}

	ids := dedupe(candidates)

	total := len(attached)
	for _, id := range ids {
		if !attached[id] {
			total++
		}
	}
	if limits.MaxAttachmentsTotal > 0 && total > limits.MaxAttachmentsTotal {
		return nil, apperr.New(apperr.KindQuotaExceeded,
			"you cannot attach more than %d files", limits.MaxAttachmentsTotal)
	}

	staged := &Staged{IDs: ids, repo: r.repo}
	if len(ids) == 0 {
		return staged, nil
	}

	found, err := r.repo.GetAttachments(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("load attachments: %w", err)
	}
	byID := make(map[string]models.Attachment, len(found))
	for _, a := range found {
		byID[a.ID] = a
	}

	var missing []string
	for _, id := range ids {
		if _, ok := byID[id]; !ok {
			missing = append(missing, id)
		}
	}
	if len(missing) > 0 {
		return nil, apperr.New(apperr.KindNotFound, "attachments not found: %s", strings.Join(missing, ", "))
	}

	for _, id := range ids {
		if a := byID[id]; a.Kind != kind {
			return nil, apperr.New(apperr.KindInvalidKind,
				"attachment %s has kind %s, expected %s", id, a.Kind, kind)
		}
	}

	for _, id := range ids {
		if byID[id].Used && !attached[id] {
			return nil, apperr.New(apperr.KindAlreadyUsed, "attachment %s is already used", id)
		}
	}

	return staged, nil
}

// Commit marks the staged attachments as used. Call it only after the owning
// write succeeded. Subsequent calls are no-ops.
func (s *Staged) Commit(ctx context.Context) error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.committed || len(s.IDs) == 0 {
		s.committed = true
		return nil
	}
	if err := s.repo.MarkAttachmentsUsed(ctx, s.IDs); err != nil {
		return fmt.Errorf("mark attachments used: %w", err)
	}
	s.committed = true
	return nil
}

func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
