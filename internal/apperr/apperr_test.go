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

package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

// TestKindOf_Unwraps verifies classification survives fmt.Errorf wrapping.
func TestKindOf_Unwraps(t *testing.T) {
	err := fmt.Errorf("send message: %w", Forbidden("not an agent"))

	if got := KindOf(err); got != KindForbidden {
		t.Errorf("KindOf = %q, want %q", got, KindForbidden)
	}
	if !Is(err, KindForbidden) {
		t.Error("Is(err, KindForbidden) = false")
	}
}

// TestKindOf_PlainError verifies unclassified errors are internal.
func TestKindOf_PlainError(t *testing.T) {
	if got := KindOf(errors.New("boom")); got != KindInternal {
		t.Errorf("KindOf = %q, want %q", got, KindInternal)
	}
	if Is(nil, KindInternal) {
		t.Error("nil error should not match any kind")
	}
}

// TestWrap_KeepsCause verifies errors.Is still finds the wrapped cause.
func TestWrap_KeepsCause(t *testing.T) {
	cause := errors.New("connection reset")
	err := Wrap(KindInternal, cause, "load case")

	if !errors.Is(err, cause) {
		t.Error("wrapped cause lost")
	}
	if err.Error() != "load case: connection reset" {
		t.Errorf("Error() = %q", err.Error())
	}
}

// TestHTTPStatus verifies the kind → status mapping.
func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		kind Kind
		want int
	}{
		{KindUnauthenticated, http.StatusUnauthorized},
		{KindForbidden, http.StatusForbidden},
		{KindNotFound, http.StatusNotFound},
		{KindValidation, http.StatusBadRequest},
		{KindQuotaExceeded, http.StatusUnprocessableEntity},
		{KindInvalidKind, http.StatusUnprocessableEntity},
		{KindAlreadyUsed, http.StatusUnprocessableEntity},
		{KindNotToggleable, http.StatusConflict},
		{KindConflict, http.StatusConflict},
		{KindInternal, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			if got := HTTPStatus(tt.kind); got != tt.want {
				t.Errorf("HTTPStatus(%s) = %d, want %d", tt.kind, got, tt.want)
			}
		})
	}
}
