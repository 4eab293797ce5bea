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

// Médiature: Reconciliation Sweep Command
//
// One-shot CLI that repairs state left by interrupted operations: it marks
// referenced attachments as used, deletes uploads never attached to anything
// and alerts operators about messages stuck in PENDING. Intended to run from
// a scheduler such as cron.
//
// Usage:
//
//	go run ./cmd/sweeper/ [--pending-after 1h] [--abandoned-after 24h] [--dry-run]
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/Inclusion-Numerique/mediature/internal/blob"
	"github.com/Inclusion-Numerique/mediature/internal/config"
	"github.com/Inclusion-Numerique/mediature/internal/queue"
	"github.com/Inclusion-Numerique/mediature/internal/store"
	"github.com/Inclusion-Numerique/mediature/internal/sweep"
)

func main() {
	// Structured JSON logging
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	// --- CLI Flags ---
	pendingFlag := flag.Duration("pending-after", 0, "Age after which a PENDING message is reported (default from config)")
	abandonedFlag := flag.Duration("abandoned-after", 0, "Age after which an unattached upload is deleted (default from config)")
	dryRun := flag.Bool("dry-run", false, "Report what would change without writing anything")
	flag.Parse()

	// --- Load Configuration ---
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	if cfg.Database.Driver != "postgres" {
		fmt.Fprintf(os.Stderr, "Error: the sweep needs the postgres database driver, got %q\n", cfg.Database.Driver)
		os.Exit(1)
	}
	if cfg.Storage.Driver != "minio" {
		fmt.Fprintf(os.Stderr, "Error: the sweep needs the minio storage driver, got %q\n", cfg.Storage.Driver)
		os.Exit(1)
	}

	req := sweep.Request{
		PendingAfter:   cfg.Sweep.PendingAfter,
		AbandonedAfter: cfg.Sweep.AbandonedAfter,
		DryRun:         *dryRun,
	}
	if *pendingFlag > 0 {
		req.PendingAfter = *pendingFlag
	}
	if *abandonedFlag > 0 {
		req.AbandonedAfter = *abandonedFlag
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	// --- Connect to PostgreSQL ---
	pgPool, err := pgxpool.New(ctx, cfg.Database.URL)
	if err != nil {
		slog.Error("failed to create Postgres pool", "error", err)
		os.Exit(1)
	}
	defer pgPool.Close()

	repo, err := store.NewStore(ctx, pgPool)
	if err != nil {
		slog.Error("failed to initialise store", "error", err)
		os.Exit(1)
	}

	// --- Attachment content ---
	blobs, err := blob.NewMinio(ctx, blob.MinioConfig{
		Endpoint:  cfg.Storage.Endpoint,
		AccessKey: cfg.Storage.AccessKey,
		SecretKey: cfg.Storage.SecretKey,
		Bucket:    cfg.Storage.Bucket,
		UseSSL:    cfg.Storage.UseSSL,
	})
	if err != nil {
		slog.Error("failed to connect to object storage", "error", err)
		os.Exit(1)
	}

	// --- Connect to Redis (optional) ---
	runnerCfg := sweep.RunnerConfig{Repo: repo, Blobs: blobs}
	if cfg.Redis.URL != "" {
		opt, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			slog.Error("invalid REDIS_URL", "error", err)
			os.Exit(1)
		}
		rdb := redis.NewClient(opt)
		defer rdb.Close()

		publisher := queue.NewPublisher(rdb, cfg.Redis.AlertsQueue)
		if err := publisher.Ping(ctx); err != nil {
			slog.Error("failed to connect to Redis", "error", err)
			os.Exit(1)
		}
		runnerCfg.Alerter = publisher
	}

	// --- Run Sweep ---
	start := time.Now()
	result, err := sweep.NewRunner(runnerCfg).Run(ctx, req)
	if err != nil {
		slog.Error("sweep failed", "error", err)
		os.Exit(1)
	}

	// --- Summary ---
	slog.Info("sweep finished",
		"stuck_messages", result.StuckMessages,
		"repaired_attachments", result.RepairedAttachments,
		"deleted_attachments", result.DeletedAttachments,
		"errors", result.Errors,
		"dry_run", req.DryRun,
		"elapsed", time.Since(start),
	)

	if result.Errors > 0 {
		os.Exit(2)
	}
}
