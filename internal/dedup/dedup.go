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

// Package dedup remembers which inbound email deliveries were already
// handled, so provider retries do not append the same message twice.
package dedup

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// DefaultTTL bounds how long a delivery id is remembered. Providers stop
	// retrying well within a day.
	DefaultTTL = 72 * time.Hour

	keyPrefix = "mediature:inbound:seen:"
)

// Filter tracks which delivery ids have already been processed.
type Filter struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewFilter creates a dedup filter backed by Redis.
func NewFilter(rdb *redis.Client) *Filter {
	return &Filter{
		rdb: rdb,
		ttl: DefaultTTL,
	}
}

// IsNew returns true if the id has NOT been seen before, marking it seen
// atomically (SETNX).
func (f *Filter) IsNew(ctx context.Context, id string) (bool, error) {
	set, err := f.rdb.SetNX(ctx, keyPrefix+id, 1, f.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("dedup SETNX: %w", err)
	}
	return set, nil
}

// Forget releases an id so a later retry is processed again. Used when
// handling failed after IsNew claimed the id.
func (f *Filter) Forget(ctx context.Context, id string) error {
	if err := f.rdb.Del(ctx, keyPrefix+id).Err(); err != nil {
		return fmt.Errorf("dedup DEL: %w", err)
	}
	return nil
}

// Ping checks the Redis connection.
func (f *Filter) Ping(ctx context.Context) error {
	return f.rdb.Ping(ctx).Err()
}
