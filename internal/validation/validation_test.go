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

package validation

import (
	"errors"
	"testing"

	"github.com/Inclusion-Numerique/mediature/internal/apperr"
)

type recipient struct {
	Email string `json:"email" validate:"required"`
}

type sample struct {
	Name string      `json:"name" validate:"required,max=5"`
	Slug string      `json:"slug" validate:"required,slug"`
	To   []recipient `json:"to" validate:"required,min=1,dive"`
}

// TestStruct_CollectsFieldPaths verifies every failing field is reported under
// its JSON path.
func TestStruct_CollectsFieldPaths(t *testing.T) {
	err := Struct(sample{
		Name: "too long name",
		Slug: "Not A Slug",
		To:   []recipient{{Email: "a@example.com"}, {Email: ""}},
	})
	if err == nil {
		t.Fatal("expected validation error")
	}

	var appErr *apperr.Error
	if !errors.As(err, &appErr) {
		t.Fatalf("expected *apperr.Error, got %T", err)
	}
	if appErr.Kind != apperr.KindValidation {
		t.Errorf("kind = %q, want %q", appErr.Kind, apperr.KindValidation)
	}

	for _, field := range []string{"name", "slug", "to[1].email"} {
		if _, ok := appErr.Fields[field]; !ok {
			t.Errorf("missing field %q in %v", field, appErr.Fields)
		}
	}
}

// TestStruct_Valid verifies a valid struct passes.
func TestStruct_Valid(t *testing.T) {
	err := Struct(sample{Name: "ok", Slug: "bretagne", To: []recipient{{Email: "a@example.com"}}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

// TestEmail verifies email syntax checks.
func TestEmail(t *testing.T) {
	tests := []struct {
		in   string
		want bool
	}{
		{"a@example.com", true},
		{"jean.dupont+case@mairie.fr", true},
		{"not-an-email", false},
		{"@example.com", false},
		{"", false},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if got := Email(tt.in); got != tt.want {
				t.Errorf("Email(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

// TestSlug verifies the slug pattern.
func TestSlug(t *testing.T) {
	for _, ok := range []string{"bretagne", "ile-de-france", "paris-15"} {
		if !Slug(ok) {
			t.Errorf("Slug(%q) = false, want true", ok)
		}
	}
	for _, bad := range []string{"", "Bretagne", "-paris", "paris-", "a--b", "a b"} {
		if Slug(bad) {
			t.Errorf("Slug(%q) = true, want false", bad)
		}
	}
}

// TestSlugTagRegistered verifies the custom slug tag is usable on the shared
// validator.
func TestSlugTagRegistered(t *testing.T) {
	v := get()
	if err := v.Var("bretagne", "slug"); err != nil {
		t.Errorf("valid slug rejected: %v", err)
	}
	if err := v.Var("Not A Slug", "slug"); err == nil {
		t.Error("invalid slug accepted")
	}
}
