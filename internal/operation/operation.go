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

// Package operation defines the canonical intermediate form every request
// is reduced to before SQL generation: the target entity, the action, the
// parameter groups, and the caller's claims.
package operation

import (
	"strings"
)

// Actions an operation can carry.
const (
	ActionRead   = "read"
	ActionCreate = "create"
	ActionUpdate = "update"
	ActionDelete = "delete"
	ActionCustom = "custom"
	ActionBatch  = "batch"
)

// BatchEntity is the reserved entity name routed to the batch orchestrator.
const BatchEntity = "batch"

// Metadata parameter keys. All metadata keys carry the "__" prefix in the
// request and are kept without interpretation otherwise.
const (
	MetaProperties = "__properties"
	MetaInclude    = "__include"
	MetaSort       = "__sort"
	MetaLimit      = "__limit"
	MetaOffset     = "__offset"
)

// Claims carries the verified token claims of the caller. The well-known
// fields are lifted out of the raw claim map; Custom retains every claim for
// dotted-path lookups in permission templates.
type Claims struct {
	Subject     string
	Roles       []string
	Scopes      []string
	Permissions []string
	Custom      map[string]any
}

// Lookup resolves a dotted path ("sub", "tenant.id") against the claim
// tree. Missing segments report ok=false; the caller decides how a missing
// claim behaves (for row filters it binds SQL NULL, never a grant).
func (c *Claims) Lookup(path string) (any, bool) {
	if c == nil {
		return nil, false
	}
	if path == "sub" && c.Subject != "" {
		return c.Subject, true
	}
	var current any = c.Custom
	for _, segment := range strings.Split(path, ".") {
		node, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = node[segment]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

// HasRole reports whether the caller holds the named role.
func (c *Claims) HasRole(role string) bool {
	if c == nil {
		return false
	}
	for _, r := range c.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// Operation is the unit of work handed to exactly one SQL handler. It is
// never mutated after dispatch; batch reference substitution builds new
// parameter trees rather than editing in place.
type Operation struct {
	Entity         string
	Action         string
	QueryParams    map[string]any
	StoreParams    map[string]any
	MetadataParams map[string]string
	Claims         *Claims

	// Custom path operations carry their pre-declared SQL name here.
	CustomOperation string
}

// New returns an operation with initialized (empty) parameter groups.
func New(entity, action string) *Operation {
	return &Operation{
		Entity:         entity,
		Action:         action,
		QueryParams:    map[string]any{},
		StoreParams:    map[string]any{},
		MetadataParams: map[string]string{},
		Claims:         &Claims{},
	}
}

// WithParams returns a shallow copy of the operation carrying the given
// parameter trees. Used by the batch orchestrator after reference
// resolution; the original operation is left untouched.
func (o *Operation) WithParams(queryParams, storeParams map[string]any) *Operation {
	copied := *o
	copied.QueryParams = queryParams
	copied.StoreParams = storeParams
	return &copied
}

// Metadata returns the named metadata parameter and whether it was set.
func (o *Operation) Metadata(key string) (string, bool) {
	v, ok := o.MetadataParams[key]
	return v, ok
}
