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

package blob

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"

	"github.com/google/uuid"
)

// exercise runs the same put/get/remove sequence against any Store.
func exercise(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()
	key := uuid.New().String()

	if err := s.Put(ctx, key, strings.NewReader("%PDF-1.4"), 8, "application/pdf"); err != nil {
		t.Fatalf("Put: %v", err)
	}
	got, err := s.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got) != "%PDF-1.4" {
		t.Errorf("content = %q", got)
	}

	if err := s.Remove(ctx, key); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, err := s.Get(ctx, key); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get after Remove: err = %v, want ErrNotFound", err)
	}
}

func TestMemory(t *testing.T) {
	m := NewMemory()
	exercise(t, m)
	if m.Len() != 0 {
		t.Errorf("Len = %d, want 0", m.Len())
	}
}

// TestMinio runs against MEDIATURE_TEST_S3_ENDPOINT when set.
func TestMinio(t *testing.T) {
	endpoint := os.Getenv("MEDIATURE_TEST_S3_ENDPOINT")
	if endpoint == "" {
		t.Skip("MEDIATURE_TEST_S3_ENDPOINT not set")
	}
	m, err := NewMinio(context.Background(), MinioConfig{
		Endpoint:  endpoint,
		AccessKey: os.Getenv("MEDIATURE_TEST_S3_ACCESS_KEY"),
		SecretKey: os.Getenv("MEDIATURE_TEST_S3_SECRET_KEY"),
		Bucket:    "mediature-test",
	})
	if err != nil {
		t.Fatalf("NewMinio: %v", err)
	}
	exercise(t, m)
}
