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

// Package config loads configuration from config.yaml and environment variables.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const defaultConfigPath = "/app/config/config.yaml"

// Config holds all configuration for the server and the sweeper.
type Config struct {
	Port int `validate:"min=1,max=65535"`

	Database  DatabaseConfig
	Redis     RedisConfig
	Mailer    MailerConfig
	Storage   StorageConfig
	Messaging MessagingConfig
	Auth      AuthConfig
	Webhook   WebhookConfig
	Sweep     SweepConfig
}

// DatabaseConfig selects the persistence backend.
type DatabaseConfig struct {
	Driver string `yaml:"driver" validate:"oneof=postgres memory"`
	URL    string `yaml:"url" validate:"required_if=Driver postgres"`
}

// RedisConfig locates the Redis used for inbound dedup and operator alerts.
// An empty URL disables both.
type RedisConfig struct {
	URL         string `yaml:"url"`
	AlertsQueue string `yaml:"alerts_queue"`
}

// MailerConfig configures outbound email.
type MailerConfig struct {
	Transport         string `yaml:"transport" validate:"oneof=smtp graph log"`
	DefaultDomain     string `yaml:"default_domain" validate:"required,hostname"`
	CaseAddressPrefix string `yaml:"case_address_prefix" validate:"required,alphanum"`
	ProductName       string `yaml:"product_name" validate:"required"`
	NoReply           string `yaml:"no_reply" validate:"omitempty,email"`

	SMTP  SMTPConfig  `yaml:"smtp"`
	Graph GraphConfig `yaml:"graph"`
}

// SMTPConfig holds SMTP relay settings.
type SMTPConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	SSL      bool   `yaml:"ssl"`
}

// GraphConfig holds Microsoft Graph sendMail settings.
type GraphConfig struct {
	TenantID     string `yaml:"tenant_id"`
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	Mailbox      string `yaml:"mailbox"`
	BaseURL      string `yaml:"base_url"`
}

// StorageConfig selects where attachment content is kept.
type StorageConfig struct {
	Driver    string `yaml:"driver" validate:"oneof=minio memory"`
	Endpoint  string `yaml:"endpoint" validate:"required_if=Driver minio"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Bucket    string `yaml:"bucket" validate:"required_if=Driver minio"`
	UseSSL    bool   `yaml:"use_ssl"`
}

// MessagingConfig bounds message composition.
type MessagingConfig struct {
	MaxAttachments int `yaml:"max_attachments"`
}

// AuthConfig holds the bearer token secret.
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret" validate:"required"`
}

// WebhookConfig protects the inbound email webhook.
type WebhookConfig struct {
	InboundPassword string `yaml:"inbound_password"`
}

// SweepConfig holds the reconciliation thresholds.
type SweepConfig struct {
	PendingAfter   time.Duration `yaml:"pending_after"`
	AbandonedAfter time.Duration `yaml:"abandoned_after"`
}

// rawConfig mirrors the YAML structure for unmarshalling.
type rawConfig struct {
	Server struct {
		Port int `yaml:"port"`
	} `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Mailer    MailerConfig    `yaml:"mailer"`
	Storage   StorageConfig   `yaml:"storage"`
	Messaging MessagingConfig `yaml:"messaging"`
	Auth      AuthConfig      `yaml:"auth"`
	Webhook   WebhookConfig   `yaml:"webhook"`
	Sweep     SweepConfig     `yaml:"sweep"`
}

// Load reads configuration from config.yaml (with env var expansion) and
// environment variables. A .env file in the working directory is loaded
// first when present. The YAML file is optional unless CONFIG_PATH names it.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	configPath, explicit := os.LookupEnv("CONFIG_PATH")
	if !explicit {
		configPath = defaultConfigPath
	}

	var raw rawConfig
	data, err := os.ReadFile(configPath)
	switch {
	case err == nil:
		// Expand ${VAR} references in the YAML
		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), &raw); err != nil {
			return nil, fmt.Errorf("parse config YAML: %w", err)
		}
	case explicit || !errors.Is(err, fs.ErrNotExist):
		return nil, fmt.Errorf("read config file %s: %w", configPath, err)
	}

	cfg := &Config{
		Port: firstPositive(raw.Server.Port, envOrDefaultInt("PORT", 8080)),
		Database: DatabaseConfig{
			Driver: firstNonEmpty(raw.Database.Driver, envOrDefault("DATABASE_DRIVER", "postgres")),
			URL:    firstNonEmpty(raw.Database.URL, os.Getenv("DATABASE_URL")),
		},
		Redis: RedisConfig{
			URL:         firstNonEmpty(raw.Redis.URL, os.Getenv("REDIS_URL")),
			AlertsQueue: firstNonEmpty(raw.Redis.AlertsQueue, envOrDefault("ALERTS_QUEUE", "mediature:alerts")),
		},
		Mailer: MailerConfig{
			Transport:         firstNonEmpty(raw.Mailer.Transport, envOrDefault("MAILER_TRANSPORT", "smtp")),
			DefaultDomain:     firstNonEmpty(raw.Mailer.DefaultDomain, os.Getenv("MAILER_DEFAULT_DOMAIN")),
			CaseAddressPrefix: firstNonEmpty(raw.Mailer.CaseAddressPrefix, envOrDefault("MAILER_CASE_ADDRESS_PREFIX", "dossier")),
			ProductName:       firstNonEmpty(raw.Mailer.ProductName, envOrDefault("MAILER_PRODUCT_NAME", "Médiature")),
			NoReply:           raw.Mailer.NoReply,
			SMTP: SMTPConfig{
				Host:     firstNonEmpty(raw.Mailer.SMTP.Host, os.Getenv("SMTP_HOST")),
				Port:     firstPositive(raw.Mailer.SMTP.Port, envOrDefaultInt("SMTP_PORT", 587)),
				Username: firstNonEmpty(raw.Mailer.SMTP.Username, os.Getenv("SMTP_USERNAME")),
				Password: firstNonEmpty(raw.Mailer.SMTP.Password, os.Getenv("SMTP_PASSWORD")),
				SSL:      raw.Mailer.SMTP.SSL,
			},
			Graph: GraphConfig{
				TenantID:     firstNonEmpty(raw.Mailer.Graph.TenantID, os.Getenv("GRAPH_TENANT_ID")),
				ClientID:     firstNonEmpty(raw.Mailer.Graph.ClientID, os.Getenv("GRAPH_CLIENT_ID")),
				ClientSecret: firstNonEmpty(raw.Mailer.Graph.ClientSecret, os.Getenv("GRAPH_CLIENT_SECRET")),
				Mailbox:      firstNonEmpty(raw.Mailer.Graph.Mailbox, os.Getenv("GRAPH_MAILBOX")),
				BaseURL:      raw.Mailer.Graph.BaseURL,
			},
		},
		Storage: StorageConfig{
			Driver:    firstNonEmpty(raw.Storage.Driver, envOrDefault("STORAGE_DRIVER", "minio")),
			Endpoint:  firstNonEmpty(raw.Storage.Endpoint, os.Getenv("S3_ENDPOINT")),
			AccessKey: firstNonEmpty(raw.Storage.AccessKey, os.Getenv("S3_ACCESS_KEY")),
			SecretKey: firstNonEmpty(raw.Storage.SecretKey, os.Getenv("S3_SECRET_KEY")),
			Bucket:    firstNonEmpty(raw.Storage.Bucket, envOrDefault("S3_BUCKET", "mediature")),
			UseSSL:    raw.Storage.UseSSL,
		},
		Messaging: MessagingConfig{
			MaxAttachments: firstPositive(raw.Messaging.MaxAttachments, envOrDefaultInt("MAX_ATTACHMENTS", 10)),
		},
		Auth: AuthConfig{
			JWTSecret: firstNonEmpty(raw.Auth.JWTSecret, os.Getenv("JWT_SECRET")),
		},
		Webhook: WebhookConfig{
			InboundPassword: firstNonEmpty(raw.Webhook.InboundPassword, os.Getenv("INBOUND_WEBHOOK_PASSWORD")),
		},
		Sweep: SweepConfig{
			PendingAfter:   firstPositiveDuration(raw.Sweep.PendingAfter, envOrDefaultDuration("SWEEP_PENDING_AFTER", time.Hour)),
			AbandonedAfter: firstPositiveDuration(raw.Sweep.AbandonedAfter, envOrDefaultDuration("SWEEP_ABANDONED_AFTER", 24*time.Hour)),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	switch c.Mailer.Transport {
	case "smtp":
		if c.Mailer.SMTP.Host == "" {
			return errors.New("invalid configuration: mailer.smtp.host is required for the smtp transport")
		}
	case "graph":
		g := c.Mailer.Graph
		if g.TenantID == "" || g.ClientID == "" || g.ClientSecret == "" || g.Mailbox == "" {
			return errors.New("invalid configuration: mailer.graph needs tenant_id, client_id, client_secret and mailbox")
		}
	}
	return nil
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envOrDefaultInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envOrDefaultDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func firstPositive(values ...int) int {
	for _, v := range values {
		if v > 0 {
			return v
		}
	}
	return 0
}

func firstPositiveDuration(values ...time.Duration) time.Duration {
	for _, v := range values {
		if v > 0 {
			return v
		}
	}
	return 0
}
