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

// Package caseaddr builds and recognises the technical email address of a
// case: {prefix}-{humanId}@{domain}. Outbound messages are sent from it and
// inbound replies are routed back to the case through it.
package caseaddr

import (
	"fmt"
	"strconv"
	"strings"
)

// Scheme holds the configured prefix and mail domain.
type Scheme struct {
	Prefix string
	Domain string
}

// Address returns the technical address of the case with the given human id.
func (s Scheme) Address(humanID int64) string {
	return fmt.Sprintf("%s-%d@%s", s.Prefix, humanID, s.Domain)
}

// Match returns the human id encoded in addr, if addr is a technical case
// address of this scheme. Matching is case-insensitive.
func (s Scheme) Match(addr string) (int64, bool) {
	addr = strings.ToLower(strings.TrimSpace(addr))

	local, domain, ok := strings.Cut(addr, "@")
	if !ok || domain != strings.ToLower(s.Domain) {
		return 0, false
	}

	digits, ok := strings.CutPrefix(local, strings.ToLower(s.Prefix)+"-")
	if !ok || digits == "" {
		return 0, false
	}
	for _, r := range digits {
		if r < '0' || r > '9' {
			return 0, false
		}
	}

	humanID, err := strconv.ParseInt(digits, 10, 64)
	if err != nil || humanID <= 0 {
		return 0, false
	}
	return humanID, true
}

// IsCaseAddress reports whether addr belongs to any case of this scheme.
func (s Scheme) IsCaseAddress(addr string) bool {
	_, ok := s.Match(addr)
	return ok
}
