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

// Package authz carries the authenticated caller through every operation and
// answers "may this caller manage this case / authority?".
//
// A RequestContext is built once per request and passed by value. It is
// immutable apart from its decision cache, which memoises authority
// membership lookups for the lifetime of the request.
package authz

import (
	"context"
	"fmt"
	"sync"

	"github.com/Inclusion-Numerique/mediature/internal/apperr"
	"github.com/Inclusion-Numerique/mediature/internal/models"
)

// Principal is the authenticated user behind a request.
type Principal struct {
	UserID    string
	FirstName string
	LastName  string
	Email     string
	Admin     bool
}

// RequestContext is the explicit per-request caller context.
type RequestContext struct {
	principal Principal
	decisions *decisionCache
}

type decisionCache struct {
	mu        sync.Mutex
	authority map[string]bool
}

// NewRequestContext builds a request context for p. An empty UserID denotes
// an anonymous caller.
func NewRequestContext(p Principal) RequestContext {
	return RequestContext{
		principal: p,
		decisions: &decisionCache{authority: make(map[string]bool)},
	}
}

// Anonymous returns a request context with no principal.
func Anonymous() RequestContext {
	return NewRequestContext(Principal{})
}

// Principal returns the caller.
func (rc RequestContext) Principal() Principal { return rc.principal }

// Authenticated reports whether the request carries a principal.
func (rc RequestContext) Authenticated() bool { return rc.principal.UserID != "" }

func (rc RequestContext) cached(authorityID string) (allowed, ok bool) {
	if rc.decisions == nil {
		return false, false
	}
	rc.decisions.mu.Lock()
	defer rc.decisions.mu.Unlock()
	allowed, ok = rc.decisions.authority[authorityID]
	return allowed, ok
}

func (rc RequestContext) remember(authorityID string, allowed bool) {
	if rc.decisions == nil {
		return
	}
	rc.decisions.mu.Lock()
	defer rc.decisions.mu.Unlock()
	rc.decisions.authority[authorityID] = allowed
}

// Repository is the persistence the checker needs.
type Repository interface {
	GetCase(ctx context.Context, caseID string) (*models.Case, error)
	IsAgentOfAuthority(ctx context.Context, userID, authorityID string) (bool, error)
}

// Checker evaluates management rights.
type Checker struct {
	repo Repository
}

// NewChecker creates an authorization checker.
func NewChecker(repo Repository) *Checker {
	return &Checker{repo: repo}
}

// CanManageCase loads the case and verifies the caller is an agent of its
// authority. The loaded case is returned so callers do not fetch it twice.
func (c *Checker) CanManageCase(ctx context.Context, rc RequestContext, caseID string) (*models.Case, error) {
	if err := RequireAuthenticated(rc); err != nil {
		return nil, err
	}

	targetedCase, err := c.repo.GetCase(ctx, caseID)
	if err != nil {
		return nil, err
	}

	if err := c.CanManageAuthority(ctx, rc, targetedCase.AuthorityID); err != nil {
		return nil, err
	}
	return targetedCase, nil
}

// CanManageAuthority verifies the caller is an agent of the authority.
func (c *Checker) CanManageAuthority(ctx context.Context, rc RequestContext, authorityID string) error {
	if err := RequireAuthenticated(rc); err != nil {
		return err
	}

	allowed, ok := rc.cached(authorityID)
	if !ok {
		var err error
		allowed, err = c.repo.IsAgentOfAuthority(ctx, rc.principal.UserID, authorityID)
		if err != nil {
			return fmt.Errorf("check authority membership: %w", err)
		}
		rc.remember(authorityID, allowed)
	}

	if !allowed {
		return apperr.Forbidden("you are not allowed to manage cases of this authority")
	}
	return nil
}

// RequireAuthenticated fails for anonymous callers.
func RequireAuthenticated(rc RequestContext) error {
	if !rc.Authenticated() {
		return apperr.New(apperr.KindUnauthenticated, "authentication required")
	}
	return nil
}

// RequireAdmin fails unless the caller is an administrator.
func RequireAdmin(rc RequestContext) error {
	if err := RequireAuthenticated(rc); err != nil {
		return err
	}
	if !rc.principal.Admin {
		return apperr.Forbidden("administrator rights required")
	}
	return nil
}
