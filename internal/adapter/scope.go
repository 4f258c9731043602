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

package adapter

import (
	"strings"

	"github.com/openfoundry/query-gateway-go/internal/apimodel"
	"github.com/openfoundry/query-gateway-go/internal/common"
	"github.com/openfoundry/query-gateway-go/internal/operation"
)

// Scope enforcement is an additive coarse check in front of the role-based
// permission resolution. It runs only when gateway.scopeCheck is enabled;
// passing it never grants anything the permission table denies.

// scope actions form a hierarchy: admin covers everything, write covers
// read, delete and read stand alone.
var scopeCovers = map[string]map[string]bool{
	"admin":  {"read": true, "write": true, "delete": true},
	"write":  {"read": true, "write": true},
	"read":   {"read": true},
	"delete": {"delete": true},
}

// EnforceScopes rejects the operation when none of the caller's scopes or
// permissions covers it. Recognized grant forms are "action:entity" and
// "entity.action", with "*" as a wildcard on either side and the bare "*"
// granting everything. A batch request passes through here unexamined; the
// orchestrator runs this check against each contained operation when it is
// installed as the scope enforcer.
func EnforceScopes(op *operation.Operation) error {
	if op.Entity == operation.BatchEntity {
		return nil
	}

	action := apimodel.NormalizeAction(op.Action)
	if op.Action == operation.ActionCustom {
		action = "read"
	}

	if op.Claims == nil {
		return common.NewErrForbidden("scope does not permit %s on %s", action, op.Entity)
	}
	grants := append([]string{}, op.Claims.Scopes...)
	grants = append(grants, op.Claims.Permissions...)
	for _, grant := range grants {
		if scopeGrants(grant, action, op.Entity) {
			return nil
		}
	}
	return common.NewErrForbidden("scope does not permit %s on %s", action, op.Entity)
}

func scopeGrants(grant, action, entity string) bool {
	if grant == "*" || grant == "*:*" || grant == "*.*" {
		return true
	}

	var grantAction, grantEntity string
	switch {
	case strings.Contains(grant, ":"):
		parts := strings.SplitN(grant, ":", 2)
		grantAction, grantEntity = parts[0], parts[1]
	case strings.Contains(grant, "."):
		parts := strings.SplitN(grant, ".", 2)
		grantEntity, grantAction = parts[0], parts[1]
	default:
		return false
	}

	if grantEntity != "*" && grantEntity != entity {
		return false
	}
	if grantAction == "*" {
		return true
	}
	return scopeCovers[grantAction][action]
}
