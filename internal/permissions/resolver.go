/*******************************************************************************
* Copyright (C) 2025 the OpenFoundry Authors
*
* Permission is hereby granted, free of charge, to any person obtaining
* a copy of this software and associated documentation files (the
* "Software"), to deal in the Software without restriction, including
* without limitation the rights to use, copy, modify, merge, publish,
* distribute, sublicense, and/or sell copies of the Software, and to
* permit persons to whom the Software is furnished to do so, subject to
* the following conditions:
*
* The above copyright notice and this permission notice shall be
* included in all copies or substantial portions of the Software.
*
* THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND,
* EXPRESS OR IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF
* MERCHANTABILITY, FITNESS FOR A PARTICULAR PURPOSE AND
* NONINFRINGEMENT. IN NO EVENT SHALL THE AUTHORS OR COPYRIGHT HOLDERS BE
* LIABLE FOR ANY CLAIM, DAMAGES OR OTHER LIABILITY, WHETHER IN AN ACTION
* OF CONTRACT, TORT OR OTHERWISE, ARISING FROM, OUT OF OR IN CONNECTION
* WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE SOFTWARE.
*
* SPDX-License-Identifier: MIT
******************************************************************************/

// Package permissions computes the effective access rule for a request:
// which properties the caller may touch and which row-level predicate has
// to be conjoined to the generated SQL.
package permissions

import (
	"sort"
	"strings"
	"sync"

	"github.com/openfoundry/query-gateway-go/internal/apimodel"
	"github.com/openfoundry/query-gateway-go/internal/operation"
)

// WildcardRole applies to a caller role only when the role itself carries
// no rule for the action.
const WildcardRole = "*"

// EffectiveRule is the per-request union of the permission rules of every
// role the caller holds.
type EffectiveRule struct {
	// Allowed is the logical OR across contributing rules. An entity
	// without a permission table is unrestricted.
	Allowed bool

	// Unrestricted marks that no property filtering applies (no permission
	// table declared).
	Unrestricted bool

	// rules are the contributing role rules; a property is permitted iff
	// any of them permits it.
	rules []*apimodel.Rule

	// unconditional marks that at least one permissive rule carries no row
	// predicate, which drops row filtering for the request entirely.
	unconditional bool
}

// PermitsProperty reports whether any contributing rule permits the
// property.
func (e *EffectiveRule) PermitsProperty(name string) bool {
	if !e.Allowed {
		return false
	}
	if e.Unrestricted {
		return true
	}
	for _, rule := range e.rules {
		if rule.Permits(name) {
			return true
		}
	}
	return false
}

// WhereTemplates returns the row-predicate templates to OR together, or nil
// when row filtering does not apply (denied, unrestricted, or some role is
// unconditional).
func (e *EffectiveRule) WhereTemplates() []string {
	if !e.Allowed || e.Unrestricted || e.unconditional {
		return nil
	}
	templates := make([]string, 0, len(e.rules))
	for _, rule := range e.rules {
		if rule.Where != "" {
			templates = append(templates, rule.Where)
		}
	}
	return templates
}

// Resolver computes and caches effective rules. The cache key includes the
// schema object identity, so a hot-reloaded model never serves stale
// entries.
type Resolver struct {
	mu    sync.RWMutex
	cache map[cacheKey]*EffectiveRule
}

type cacheKey struct {
	schemaObject *apimodel.SchemaObject
	action       string
	roles        string
}

// NewResolver returns an empty resolver.
func NewResolver() *Resolver {
	return &Resolver{cache: map[cacheKey]*EffectiveRule{}}
}

// Resolve returns the effective rule for (entity, action, caller roles).
//
// Create and update normalize to write. Rules are collected from the
// default provider for every caller role, falling back to the wildcard role
// "*" for roles without an entry. A permissive rule without a where
// template makes row filtering unconditional for the request.
func (r *Resolver) Resolve(schemaObject *apimodel.SchemaObject, action string, claims *operation.Claims) *EffectiveRule {
	action = apimodel.NormalizeAction(action)

	var roles []string
	if claims != nil {
		roles = claims.Roles
	}
	key := cacheKey{schemaObject: schemaObject, action: action, roles: roleSetKey(roles)}

	r.mu.RLock()
	cached, ok := r.cache[key]
	r.mu.RUnlock()
	if ok {
		return cached
	}

	effective := resolve(schemaObject.Permissions, action, roles)

	r.mu.Lock()
	r.cache[key] = effective
	r.mu.Unlock()
	return effective
}

// ResolveTable computes an effective rule directly from a permission table
// (used for path operations, which are not registry entities). Results are
// not cached.
func (r *Resolver) ResolveTable(table apimodel.PermissionTable, action string, claims *operation.Claims) *EffectiveRule {
	var roles []string
	if claims != nil {
		roles = claims.Roles
	}
	return resolve(table, apimodel.NormalizeAction(action), roles)
}

func resolve(table apimodel.PermissionTable, action string, roles []string) *EffectiveRule {
	// No permission table means no restrictions.
	if len(table) == 0 {
		return &EffectiveRule{Allowed: true, Unrestricted: true}
	}

	actionRules := table[apimodel.DefaultProvider][action]
	effective := &EffectiveRule{}
	seen := map[*apimodel.Rule]bool{}
	contribute := func(rule *apimodel.Rule) {
		if seen[rule] || !rule.Allowed() {
			return
		}
		seen[rule] = true
		effective.Allowed = true
		effective.rules = append(effective.rules, rule)
		if rule.Where == "" {
			effective.unconditional = true
		}
	}

	for _, role := range roles {
		rule, ok := actionRules[role]
		if !ok {
			rule, ok = actionRules[WildcardRole]
		}
		if ok {
			contribute(rule)
		}
	}
	// A caller with no roles at all still gets the wildcard entry, so a
	// public "*" grant covers unauthenticated requests.
	if len(roles) == 0 {
		if rule, ok := actionRules[WildcardRole]; ok {
			contribute(rule)
		}
	}
	return effective
}

func roleSetKey(roles []string) string {
	sorted := make([]string, len(roles))
	copy(sorted, roles)
	sort.Strings(sorted)
	return strings.Join(sorted, ",")
}
