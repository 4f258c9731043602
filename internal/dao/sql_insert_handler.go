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
	"github.com/openfoundry/query-gateway-go/internal/permissions"
)

// insertPlan is the executable form of a create. On engines without
// RETURNING the DAO re-reads the inserted row, either by the known key
// value or through LastInsertId for auto-generated keys.
type insertPlan struct {
	stmt            statement
	keyProperty     string
	keyValue        any
	useLastInsertID bool
	readColumns     []resultColumn
	readSelect      func(keyValue any) statement
}

type insertHandler struct {
	sqlHandler
	readRule *permissions.EffectiveRule
}

func newInsertHandler(h sqlHandler, readRule *permissions.EffectiveRule) *insertHandler {
	return &insertHandler{sqlHandler: h, readRule: readRule}
}

// plan assembles the INSERT. Store parameters validate against the write
// rule and the declared properties; the primary key follows the entity's
// key generation strategy and the concurrency property initializes
// server-side, never from the client.
func (h *insertHandler) plan() (*insertPlan, error) {
	if err := h.validateStoreParams(); err != nil {
		return nil, err
	}

	pkProp := h.schemaObject.PrimaryKeyProperty()
	plan := &insertPlan{keyProperty: pkProp.APIName}

	keys := make([]string, 0, len(h.op.StoreParams))
	for key := range h.op.StoreParams {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var columns, values []string
	for _, key := range keys {
		prop := h.schemaObject.Properties[key]
		converted, err := h.convertValue(prop, h.op.StoreParams[key])
		if err != nil {
			return nil, err
		}
		columns = append(columns, prop.ColumnName)
		values = append(values, h.bind(converted))
		if key == pkProp.APIName {
			plan.keyValue = converted
		}
	}

	switch h.schemaObject.KeyGeneration {
	case apimodel.KeyGenerationAuto:
		plan.useLastInsertID = !h.dialect.SupportsReturning()
	case apimodel.KeyGenerationUUID:
		generated := uuid.NewString()
		columns = append(columns, pkProp.ColumnName)
		values = append(values, h.bind(generated))
		plan.keyValue = generated
	case apimodel.KeyGenerationSequence:
		if !h.dialect.SupportsReturning() {
			return nil, common.NewSpecError("%s: sequence key generation requires an engine with RETURNING support", h.schemaObject.APIName)
		}
		next, err := h.dialect.SequenceNext(h.schemaObject.SequenceName)
		if err != nil {
			return nil, err
		}
		columns = append(columns, pkProp.ColumnName)
		values = append(values, next)
	}

	if concurrency := h.schemaObject.ConcurrencyProp(); concurrency != nil {
		column, value, err := h.initialConcurrencyValue(concurrency)
		if err != nil {
			return nil, err
		}
		columns = append(columns, column)
		values = append(values, value)
	}

	sqlText := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		h.table(), strings.Join(columns, ", "), strings.Join(values, ", "))

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

	if h.dialect.SupportsReturning() {
		sqlText += " RETURNING " + strings.Join(readList, ", ")
		plan.stmt = statement{sql: sqlText, args: h.args, columns: readColumns}
		return plan, nil
	}

	plan.stmt = statement{sql: sqlText, args: h.args}
	plan.readColumns = readColumns
	dialect := h.dialect
	table := h.table()
	pkColumn := pkProp.ColumnName
	plan.readSelect = func(keyValue any) statement {
		return statement{
			sql:     fmt.Sprintf("SELECT %s FROM %s WHERE %s = %s", strings.Join(readList, ", "), table, pkColumn, dialect.Placeholder(1)),
			args:    []any{keyValue},
			columns: readColumns,
		}
	}
	return plan, nil
}

func (h *insertHandler) validateStoreParams() error {
	if len(h.op.StoreParams) == 0 {
		return common.NewErrBadRequest("create requires a request body")
	}

	pk := h.schemaObject.PrimaryKey
	for key, value := range h.op.StoreParams {
		prop, err := h.schemaObject.Property(key)
		if err != nil {
			return err
		}
		if !h.rule.PermitsProperty(key) {
			return common.NewErrForbidden("property %q is not permitted on %s", key, h.schemaObject.APIName)
		}
		if prop.Concurrency {
			return common.NewErrBadRequest("concurrency property %q is managed by the service", key)
		}
		if key == pk && h.schemaObject.KeyGeneration != apimodel.KeyGenerationManual {
			return common.NewErrBadRequest("primary key %q is generated and cannot be supplied", key)
		}
		if s, ok := value.(string); ok && prop.MaxLength > 0 && len(s) > prop.MaxLength {
			return common.NewErrBadRequest("property %q exceeds max length %d", key, prop.MaxLength)
		}
	}

	for name, prop := range h.schemaObject.Properties {
		if !prop.Required || prop.Concurrency {
			continue
		}
		if name == pk && h.schemaObject.KeyGeneration != apimodel.KeyGenerationManual {
			continue
		}
		if _, ok := h.op.StoreParams[name]; !ok {
			return common.NewErrBadRequest("required property %q is missing", name)
		}
	}

	if h.schemaObject.KeyGeneration == apimodel.KeyGenerationManual {
		if _, ok := h.op.StoreParams[pk]; !ok {
			return common.NewErrBadRequest("primary key %q is required", pk)
		}
	}
	return nil
}

// initialConcurrencyValue stamps the first version of the concurrency
// property: 1 for counters, the database clock for timestamps, a fresh
// UUID otherwise.
func (h *insertHandler) initialConcurrencyValue(prop *apimodel.Property) (string, string, error) {
	switch prop.Type {
	case "integer":
		return prop.ColumnName, h.bind(int64(1)), nil
	case "date-time":
		return prop.ColumnName, h.dialect.CurrentTimestamp(), nil
	case "uuid", "string":
		return prop.ColumnName, h.bind(uuid.NewString()), nil
	default:
		return "", "", common.NewSpecError("%s: unsupported concurrency property type %q", h.schemaObject.APIName, prop.Type)
	}
}
