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

// Package queue publishes operator alerts to a Redis list. Operators (or a
// notification worker) consume them with BRPOP.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// DefaultQueue is the list alerts are pushed to.
const DefaultQueue = "mediature:alerts"

// AlertKind classifies an operator alert.
type AlertKind string

const (
	// AlertDeliveryFailed is raised when a message ends in ERROR.
	AlertDeliveryFailed AlertKind = "message_delivery_failed"
	// AlertStuckPending is raised by the sweeper for messages that never
	// left PENDING.
	AlertStuckPending AlertKind = "message_stuck_pending"
)

// Alert is one operator notification.
type Alert struct {
	ID        string    `json:"id"`
	Kind      AlertKind `json:"kind"`
	MessageID string    `json:"messageId"`
	CaseID    string    `json:"caseId"`
	Detail    string    `json:"detail,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// Publisher pushes alerts to Redis.
type Publisher struct {
	rdb       *redis.Client
	queueName string
}

// NewPublisher creates a new Redis publisher targeting the specified queue.
func NewPublisher(rdb *redis.Client, queueName string) *Publisher {
	if queueName == "" {
		queueName = DefaultQueue
	}
	return &Publisher{
		rdb:       rdb,
		queueName: queueName,
	}
}

// PublishAlert serialises the alert and LPUSHes it. ID and CreatedAt are
// filled when empty.
func (p *Publisher) PublishAlert(ctx context.Context, alert Alert) error {
	if alert.ID == "" {
		alert.ID = uuid.New().String()
	}
	if alert.CreatedAt.IsZero() {
		alert.CreatedAt = time.Now().UTC()
	}

	payload, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("marshal alert: %w", err)
	}

	if err := p.rdb.LPush(ctx, p.queueName, payload).Err(); err != nil {
		return fmt.Errorf("redis LPUSH: %w", err)
	}

	slog.Info("published operator alert",
		"alert_id", alert.ID,
		"kind", alert.Kind,
		"message_id", alert.MessageID,
		"case_id", alert.CaseID,
		"queue", p.queueName,
	)
	return nil
}

// Ping checks the Redis connection.
func (p *Publisher) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return p.rdb.Ping(ctx).Err()
}
