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

package dao

import (
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/openfoundry/query-gateway-go/internal/apimodel"
	"github.com/openfoundry/query-gateway-go/internal/common"
	"github.com/openfoundry/query-gateway-go/internal/operation"
	"github.com/openfoundry/query-gateway-go/internal/permissions"
)

// updatePlan is the executable form of an update. When zero rows change and
// a concurrency token was supplied, the existence check distinguishes a
// stale token (conflict) from a missing record (not found). Engines without
// RETURNING re-read the changed rows through followUp.
type updatePlan struct {
	stmt                statement
	concurrencySupplied bool
	existenceCheck      *statement
	followUp            *statement
}

type updateHandler struct {
	sqlHandler
	readRule *permissions.EffectiveRule
}

func newUpdateHandler(h sqlHandler, readRule *permissions.EffectiveRule) *updateHandler {
	return &updateHandler{sqlHandler: h, readRule: readRule}
}

// plan assembles the UPDATE. The SET list comes from the store parameters;
// the concurrency property bumps server-side and is rejected as a store
// parameter. Selection criteria are required so an unfiltered update cannot
// happen.
func (h *updateHandler) plan() (*updatePlan, error) {
	if len(h.op.QueryParams) == 0 {
		return nil, common.NewErrBadRequest("update requires selection criteria")
	}
	if err := h.validateStoreParams(); err != nil {
		return nil, err
	}

	keys := make([]string, 0, len(h.op.StoreParams))
	for key := range h.op.StoreParams {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var assignments []string
	for _, key := range keys {
		prop := h.schemaObject.Properties[key]
		converted, err := h.convertValue(prop, h.op.StoreParams[key])
		if err != nil {
			return nil, err
		}
		assignments = append(assignments, fmt.Sprintf("%s = %s", prop.ColumnName, h.bind(converted)))
	}

	concurrency := h.schemaObject.ConcurrencyProp()
	if concurrency != nil {
		bump, err := h.concurrencyBump(concurrency)
		if err != nil {
			return nil, err
		}
		assignments = append(assignments, bump)
	}

	where, err := h.whereClause("")
	if err != nil {
		return nil, err
	}

	sqlText := fmt.Sprintf("UPDATE %s SET %s%s", h.table(), strings.Join(assignments, ", "), where)

	projection := permittedOf(h.readRule, h.schemaObject)
	if len(projection) == 0 {
		return nil, common.NewErrForbidden("no permitted properties on %s", h.schemaObject.APIName)
	}
	readColumns := make([]resultColumn, 0, len(projection))
	readList := make([]string, 0, len(projection))
	for _, prop := range projection {
		readColumns = append(readColumns, resultColumn{property: prop.APIName})
		readList = append(readList, prop.ColumnName)
	}

	plan := &updatePlan{concurrencySupplied: h.concurrencySupplied()}

	if h.dialect.SupportsReturning() {
		sqlText += " RETURNING " + strings.Join(readList, ", ")
		plan.stmt = statement{sql: sqlText, args: h.args, columns: readColumns}
	} else {
		plan.stmt = statement{sql: sqlText, args: h.args}
		followUp, err := h.selectWithoutConcurrency(readList, readColumns)
		if err != nil {
			return nil, err
		}
		plan.followUp = followUp
	}

	if plan.concurrencySupplied {
		check, err := h.selectWithoutConcurrency([]string{"COUNT(*)"}, nil)
		if err != nil {
			return nil, err
		}
		plan.existenceCheck = check
	}
	return plan, nil
}

func (h *updateHandler) validateStoreParams() error {
	if len(h.op.StoreParams) == 0 {
		return common.NewErrBadRequest("update requires a request body")
	}
	for key, value := range h.op.StoreParams {
		prop, err := h.schemaObject.Property(key)
		if err != nil {
			return err
		}
		if !h.rule.PermitsProperty(key) {
			return common.NewErrForbidden("property %q is not permitted on %s", key, h.schemaObject.APIName)
		}
		if key == h.schemaObject.PrimaryKey {
			return common.NewErrBadRequest("primary key %q cannot be modified", key)
		}
		if prop.Concurrency {
			return common.NewErrBadRequest("concurrency property %q is managed by the service", key)
		}
		if s, ok := value.(string); ok && prop.MaxLength > 0 && len(s) > prop.MaxLength {
			return common.NewErrBadRequest("property %q exceeds max length %d", key, prop.MaxLength)
		}
	}
	return nil
}

func (h *updateHandler) concurrencySupplied() bool {
	concurrency := h.schemaObject.ConcurrencyProperty
	if concurrency == "" {
		return false
	}
	_, ok := h.op.QueryParams[concurrency]
	return ok
}

// concurrencyBump advances the concurrency property in the same statement:
// counters increment in place, timestamps take the database clock, UUIDs
// rotate to a fresh value.
func (h *updateHandler) concurrencyBump(prop *apimodel.Property) (string, error) {
	switch prop.Type {
	case "integer":
		return fmt.Sprintf("%s = %s + 1", prop.ColumnName, prop.ColumnName), nil
	case "date-time":
		return fmt.Sprintf("%s = %s", prop.ColumnName, h.dialect.CurrentTimestamp()), nil
	case "uuid", "string":
		return fmt.Sprintf("%s = %s", prop.ColumnName, h.bind(uuid.NewString())), nil
	default:
		return "", common.NewSpecError("%s: unsupported concurrency property type %q", h.schemaObject.APIName, prop.Type)
	}
}

// selectWithoutConcurrency builds a SELECT over the update's selection
// criteria minus the concurrency condition, used for the existence check
// and the post-update re-read. A fresh handler keeps its own argument list.
func (h *updateHandler) selectWithoutConcurrency(selectList []string, columns []resultColumn) (*statement, error) {
	filtered := operation.New(h.schemaObject.APIName, operation.ActionUpdate)
	filtered.Claims = h.op.Claims
	for key, value := range h.op.QueryParams {
		if key == h.schemaObject.ConcurrencyProperty {
			continue
		}
		filtered.QueryParams[key] = value
	}

	helper := newSQLHandler(h.schemaObject, filtered, h.dialect, h.rule, h.schema)
	where, err := helper.whereClause("")
	if err != nil {
		return nil, err
	}
	return &statement{
		sql:     fmt.Sprintf("SELECT %s FROM %s%s", strings.Join(selectList, ", "), h.table(), where),
		args:    helper.args,
		columns: columns,
	}, nil
}
