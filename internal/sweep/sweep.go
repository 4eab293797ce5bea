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

// Package sweep reconciles state left behind by interrupted operations:
// attachments staged but never committed, uploads never attached to
// anything, and messages that never left PENDING.
package sweep

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Inclusion-Numerique/mediature/internal/blob"
	"github.com/Inclusion-Numerique/mediature/internal/models"
	"github.com/Inclusion-Numerique/mediature/internal/queue"
)

// Repository is the persistence the sweep needs.
type Repository interface {
	ListStalePendingMessages(ctx context.Context, olderThan time.Time) ([]models.StaleMessage, error)
	CommitReferencedAttachments(ctx context.Context) (int64, error)
	ListAbandonedAttachments(ctx context.Context, olderThan time.Time) ([]models.Attachment, error)
	DeleteAttachment(ctx context.Context, id string) error
}

// Alerter notifies operators.
type Alerter interface {
	PublishAlert(ctx context.Context, alert queue.Alert) error
}

// Request defines the scope of a sweep run.
type Request struct {
	PendingAfter   time.Duration // a PENDING message older than this is stuck
	AbandonedAfter time.Duration // an unused, unreferenced upload older than this is deleted
	DryRun         bool
}

// Result summarises a completed sweep run.
type Result struct {
	StuckMessages       int
	RepairedAttachments int64
	DeletedAttachments  int
	Errors              int
	Elapsed             time.Duration
}

// Runner performs reconciliation sweeps.
type Runner struct {
	repo    Repository
	blobs   blob.Store
	alerter Alerter
	now     func() time.Time
}

// RunnerConfig holds dependencies for the sweep runner.
type RunnerConfig struct {
	Repo    Repository
	Blobs   blob.Store
	Alerter Alerter // optional
	Now     func() time.Time
}

// NewRunner creates a sweep runner.
func NewRunner(cfg RunnerConfig) *Runner {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Runner{
		repo:    cfg.Repo,
		blobs:   cfg.Blobs,
		alerter: cfg.Alerter,
		now:     now,
	}
}

// Run performs one sweep. Individual failures are counted and logged; the
// run continues with the remaining items.
func (r *Runner) Run(ctx context.Context, req Request) (*Result, error) {
	start := r.now()
	result := &Result{}

	slog.Info("starting sweep",
		"pending_after", req.PendingAfter,
		"abandoned_after", req.AbandonedAfter,
		"dry_run", req.DryRun,
	)

	if err := r.reportStuck(ctx, req, start, result); err != nil {
		return nil, err
	}

	if !req.DryRun {
		n, err := r.repo.CommitReferencedAttachments(ctx)
		if err != nil {
			return nil, fmt.Errorf("commit referenced attachments: %w", err)
		}
		result.RepairedAttachments = n
	}

	if err := r.deleteAbandoned(ctx, req, start, result); err != nil {
		return nil, err
	}

	result.Elapsed = r.now().Sub(start)

	slog.Info("sweep complete",
		"stuck_messages", result.StuckMessages,
		"repaired_attachments", result.RepairedAttachments,
		"deleted_attachments", result.DeletedAttachments,
		"errors", result.Errors,
		"elapsed", result.Elapsed,
	)

	return result, nil
}

// reportStuck alerts operators about messages that never left PENDING. They
// are never resent automatically.
func (r *Runner) reportStuck(ctx context.Context, req Request, now time.Time, result *Result) error {
	stale, err := r.repo.ListStalePendingMessages(ctx, now.Add(-req.PendingAfter))
	if err != nil {
		return fmt.Errorf("list stale messages: %w", err)
	}

	for _, m := range stale {
		result.StuckMessages++
		slog.Warn("message stuck in PENDING",
			"message_id", m.MessageID,
			"case_id", m.CaseID,
			"created_at", m.CreatedAt,
		)
		if req.DryRun || r.alerter == nil {
			continue
		}
		err := r.alerter.PublishAlert(ctx, queue.Alert{
			Kind:      queue.AlertStuckPending,
			MessageID: m.MessageID,
			CaseID:    m.CaseID,
			Detail:    fmt.Sprintf("pending since %s", m.CreatedAt.UTC().Format(time.RFC3339)),
		})
		if err != nil {
			slog.Warn("failed to publish stuck message alert",
				"message_id", m.MessageID,
				"error", err,
			)
			result.Errors++
		}
	}
	return nil
}

// deleteAbandoned removes uploads that were never attached. The blob goes
// first so a failure leaves the row for the next run.
func (r *Runner) deleteAbandoned(ctx context.Context, req Request, now time.Time, result *Result) error {
	abandoned, err := r.repo.ListAbandonedAttachments(ctx, now.Add(-req.AbandonedAfter))
	if err != nil {
		return fmt.Errorf("list abandoned attachments: %w", err)
	}

	for _, a := range abandoned {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if req.DryRun {
			slog.Info("would delete abandoned attachment",
				"attachment_id", a.ID,
				"kind", a.Kind,
				"created_at", a.CreatedAt,
			)
			result.DeletedAttachments++
			continue
		}

		if err := r.blobs.Remove(ctx, a.ID); err != nil && !errors.Is(err, blob.ErrNotFound) {
			slog.Warn("failed to remove attachment content",
				"attachment_id", a.ID,
				"error", err,
			)
			result.Errors++
			continue
		}
		if err := r.repo.DeleteAttachment(ctx, a.ID); err != nil {
			slog.Warn("failed to delete attachment",
				"attachment_id", a.ID,
				"error", err,
			)
			result.Errors++
			continue
		}
		result.DeletedAttachments++
	}
	return nil
}
