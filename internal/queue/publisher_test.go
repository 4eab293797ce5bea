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

package queue

import (
	"context"
	"encoding/json"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// TestPublishAlert verifies alerts are queued as JSON with an id and a date.
func TestPublishAlert(t *testing.T) {
	url := os.Getenv("MEDIATURE_TEST_REDIS_URL")
	if url == "" {
		t.Skip("MEDIATURE_TEST_REDIS_URL not set")
	}
	opt, err := redis.ParseURL(url)
	if err != nil {
		t.Fatalf("parse url: %v", err)
	}
	rdb := redis.NewClient(opt)
	defer rdb.Close()

	ctx := context.Background()
	queueName := "mediature:test:" + uuid.New().String()
	defer rdb.Del(ctx, queueName)

	p := NewPublisher(rdb, queueName)
	if err := p.PublishAlert(ctx, Alert{Kind: AlertDeliveryFailed, MessageID: "msg-1", CaseID: "case-1"}); err != nil {
		t.Fatalf("PublishAlert: %v", err)
	}

	raw, err := rdb.RPop(ctx, queueName).Result()
	if err != nil {
		t.Fatalf("RPOP: %v", err)
	}
	var got Alert
	if err := json.Unmarshal([]byte(raw), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.ID == "" || got.CreatedAt.IsZero() {
		t.Errorf("alert = %+v, want id and createdAt filled", got)
	}
	if got.Kind != AlertDeliveryFailed || got.MessageID != "msg-1" {
		t.Errorf("alert = %+v", got)
	}
}
