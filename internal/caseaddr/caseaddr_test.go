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

package caseaddr

import "testing"

// TestAddress verifies the deterministic address format.
func TestAddress(t *testing.T) {
	s := Scheme{Prefix: "dossier", Domain: "mediature.example.org"}

	if got := s.Address(42); got != "dossier-42@mediature.example.org" {
		t.Errorf("Address(42) = %q", got)
	}
}

// TestMatch verifies recognition of technical addresses.
func TestMatch(t *testing.T) {
	s := Scheme{Prefix: "dossier", Domain: "mediature.example.org"}

	tests := []struct {
		addr    string
		wantID  int64
		wantHit bool
	}{
		{addr: "dossier-42@mediature.example.org", wantID: 42, wantHit: true},
		{addr: "  Dossier-7@Mediature.Example.org ", wantID: 7, wantHit: true},
		{addr: "dossier-42@other.org"},
		{addr: "case-42@mediature.example.org"},
		{addr: "dossier-@mediature.example.org"},
		{addr: "dossier-4x2@mediature.example.org"},
		{addr: "dossier-0@mediature.example.org"},
		{addr: "not-an-address"},
		{addr: ""},
	}

	for _, tt := range tests {
		t.Run(tt.addr, func(t *testing.T) {
			id, ok := s.Match(tt.addr)
			if ok != tt.wantHit {
				t.Fatalf("Match(%q) ok = %v, want %v", tt.addr, ok, tt.wantHit)
			}
			if id != tt.wantID {
				t.Errorf("Match(%q) id = %d, want %d", tt.addr, id, tt.wantID)
			}
		})
	}
}

// TestMatch_RoundTrip verifies Address output always matches.
func TestMatch_RoundTrip(t *testing.T) {
	s := Scheme{Prefix: "case", Domain: "example.com"}

	for _, id := range []int64{1, 10, 999999} {
		got, ok := s.Match(s.Address(id))
		if !ok || got != id {
			t.Errorf("round trip %d: got (%d, %v)", id, got, ok)
		}
	}
	if !s.IsCaseAddress("case-3@example.com") {
		t.Error("IsCaseAddress returned false for a case address")
	}
}
