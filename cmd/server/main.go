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

// Médiature: API Server
//
// Entry point for the case and messaging service. It:
//  1. Loads configuration from config.yaml and the environment
//  2. Connects to PostgreSQL (or an in-memory store), Redis and the attachment store
//  3. Builds the mail transport (SMTP, Microsoft Graph or log)
//  4. Serves the RPC API, attachment uploads and the inbound email webhook
//  5. Handles graceful shutdown on SIGTERM/SIGINT
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/Inclusion-Numerique/mediature/internal/api"
	"github.com/Inclusion-Numerique/mediature/internal/attachment"
	"github.com/Inclusion-Numerique/mediature/internal/authz"
	"github.com/Inclusion-Numerique/mediature/internal/blob"
	"github.com/Inclusion-Numerique/mediature/internal/caseaddr"
	"github.com/Inclusion-Numerique/mediature/internal/config"
	"github.com/Inclusion-Numerique/mediature/internal/contact"
	"github.com/Inclusion-Numerique/mediature/internal/dedup"
	"github.com/Inclusion-Numerique/mediature/internal/graph"
	"github.com/Inclusion-Numerique/mediature/internal/lifecycle"
	"github.com/Inclusion-Numerique/mediature/internal/mailer"
	"github.com/Inclusion-Numerique/mediature/internal/memstore"
	"github.com/Inclusion-Numerique/mediature/internal/messenger"
	"github.com/Inclusion-Numerique/mediature/internal/queue"
	"github.com/Inclusion-Numerique/mediature/internal/store"
	"github.com/Inclusion-Numerique/mediature/internal/webhook"
)

// repository is everything the operations need from persistence. Both the
// Postgres and the in-memory stores provide it.
type repository interface {
	messenger.Repository
	lifecycle.Repository
	attachment.Repository
	attachment.Writer
	contact.Repository
	authz.Repository
	Ping(ctx context.Context) error
}

func main() {
	// Structured JSON logging
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	slog.Info("starting Médiature server")

	// --- Load Configuration ---
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("configuration loaded",
		"database", cfg.Database.Driver,
		"storage", cfg.Storage.Driver,
		"mail_transport", cfg.Mailer.Transport,
		"redis", cfg.Redis.URL != "",
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	health := make(map[string]api.Pinger)

	// --- Persistence ---
	var repo repository
	var pgPool *pgxpool.Pool
	switch cfg.Database.Driver {
	case "postgres":
		pgPool, err = pgxpool.New(ctx, cfg.Database.URL)
		if err != nil {
			slog.Error("failed to create Postgres pool", "error", err)
			os.Exit(1)
		}
		defer pgPool.Close()

		if err := pgPool.Ping(ctx); err != nil {
			slog.Error("failed to connect to PostgreSQL", "error", err)
			os.Exit(1)
		}
		slog.Info("connected to PostgreSQL")

		pg, err := store.NewStore(ctx, pgPool)
		if err != nil {
			slog.Error("failed to initialise store", "error", err)
			os.Exit(1)
		}
		repo = pg
	default:
		slog.Warn("using the in-memory store, data is lost on restart")
		repo = memstore.New()
	}
	health["database"] = repo

	// --- Attachment content ---
	var blobs blob.Store
	switch cfg.Storage.Driver {
	case "minio":
		m, err := blob.NewMinio(ctx, blob.MinioConfig{
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
		blobs = m
		health["storage"] = m
		slog.Info("connected to object storage", "bucket", cfg.Storage.Bucket)
	default:
		blobs = blob.NewMemory()
	}

	// --- Connect to Redis ---
	var alerter messenger.Alerter
	var filter webhook.Deduplicator
	var rdb *redis.Client
	if cfg.Redis.URL != "" {
		opt, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			slog.Error("invalid REDIS_URL", "error", err)
			os.Exit(1)
		}
		rdb = redis.NewClient(opt)

		publisher := queue.NewPublisher(rdb, cfg.Redis.AlertsQueue)
		if err := publisher.Ping(ctx); err != nil {
			slog.Error("failed to connect to Redis", "error", err)
			os.Exit(1)
		}
		slog.Info("connected to Redis")

		alerter = publisher
		filter = dedup.NewFilter(rdb)
		health["redis"] = publisher
	} else {
		slog.Warn("Redis not configured, inbound deduplication and operator alerts are disabled")
	}

	// --- Mail ---
	transport, err := buildTransport(ctx, cfg.Mailer)
	if err != nil {
		slog.Error("failed to build mail transport", "error", err)
		os.Exit(1)
	}
	mail, err := mailer.New(transport, blobs, mailer.Options{
		ProductName: cfg.Mailer.ProductName,
		NoReply:     mailer.Address{Email: noReplyAddress(cfg.Mailer), Name: cfg.Mailer.ProductName},
	})
	if err != nil {
		slog.Error("failed to initialise mailer", "error", err)
		os.Exit(1)
	}

	// --- Operations ---
	addresses := caseaddr.Scheme{Prefix: cfg.Mailer.CaseAddressPrefix, Domain: cfg.Mailer.DefaultDomain}
	checker := authz.NewChecker(repo)
	reconciler := attachment.NewReconciler(repo)
	uploader := attachment.NewUploader(repo, blobs)

	engine := messenger.NewEngine(messenger.Config{
		Repo:           repo,
		Checker:        checker,
		Contacts:       contact.NewResolver(repo),
		Attachments:    reconciler,
		Uploader:       uploader,
		Transport:      mail,
		Alerter:        alerter,
		Addresses:      addresses,
		ProductName:    cfg.Mailer.ProductName,
		MaxAttachments: cfg.Messaging.MaxAttachments,
	})

	controller := lifecycle.NewController(lifecycle.Config{
		Repo:        repo,
		Checker:     checker,
		Attachments: reconciler,
		Mailer:      mail,
		Addresses:   addresses,
		ProductName: cfg.Mailer.ProductName,
	})

	handler := api.NewServer(api.Config{
		Messenger:     engine,
		Lifecycle:     controller,
		Uploader:      uploader,
		Authenticator: authz.NewTokenVerifier(cfg.Auth.JWTSecret),
		Inbound:       webhook.NewHandler(engine, filter, cfg.Webhook.InboundPassword),
		Health:        health,
	})

	addr := fmt.Sprintf(":%d", cfg.Port)
	server := &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
	}

	// --- Graceful Shutdown ---
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
		sig := <-sigCh

		slog.Info("received shutdown signal", "signal", sig)
		cancel()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("server shutdown error", "error", err)
		}

		if rdb != nil {
			rdb.Close()
		}
		if pgPool != nil {
			pgPool.Close()
		}
	}()

	slog.Info("Médiature server listening", "addr", addr)
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}

	slog.Info("Médiature server stopped")
}

// buildTransport selects the outbound mail transport.
func buildTransport(ctx context.Context, cfg config.MailerConfig) (mailer.Transport, error) {
	switch cfg.Transport {
	case "smtp":
		return mailer.NewSMTP(mailer.SMTPConfig{
			Host:     cfg.SMTP.Host,
			Port:     cfg.SMTP.Port,
			Username: cfg.SMTP.Username,
			Password: cfg.SMTP.Password,
			SSL:      cfg.SMTP.SSL,
		}), nil
	case "graph":
		baseURL := cfg.Graph.BaseURL
		if baseURL == "" {
			baseURL = graph.DefaultBaseURL
		}
		client := graph.NewClient(ctx, graph.Credentials{
			TenantID:     cfg.Graph.TenantID,
			ClientID:     cfg.Graph.ClientID,
			ClientSecret: cfg.Graph.ClientSecret,
		})
		return graph.NewSender(client, baseURL, cfg.Graph.Mailbox), nil
	case "log":
		return mailer.Log{}, nil
	default:
		return nil, fmt.Errorf("unknown mail transport %q", cfg.Transport)
	}
}

func noReplyAddress(cfg config.MailerConfig) string {
	if cfg.NoReply != "" {
		return cfg.NoReply
	}
	return "ne-pas-repondre@" + cfg.DefaultDomain
}
