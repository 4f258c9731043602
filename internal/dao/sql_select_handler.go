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
	"strconv"
	"strings"

	"github.com/openfoundry/query-gateway-go/internal/apimodel"
	"github.com/openfoundry/query-gateway-go/internal/common"
	"github.com/openfoundry/query-gateway-go/internal/operation"
	"github.com/openfoundry/query-gateway-go/internal/permissions"
)

// selectPlan is the executable form of a read: the main statement plus the
// keyed follow-up queries array includes require.
type selectPlan struct {
	stmt          statement
	arrayIncludes []*arrayInclude
}

// arrayInclude describes one to-many relation requested through __include.
// The DAO collects the parent key values from the main result and asks for
// a follow-up statement matching the referenced entity's foreign key.
type arrayInclude struct {
	relationName   string
	parentProperty string
	referenced     *apimodel.SchemaObject
	childProperty  *apimodel.Property
	refRule        *permissions.EffectiveRule
}

type selectHandler struct {
	sqlHandler
	api             *apimodel.API
	resolver        *permissions.Resolver
	defaultPageSize int
}

func newSelectHandler(h sqlHandler, api *apimodel.API, resolver *permissions.Resolver, defaultPageSize int) *selectHandler {
	return &selectHandler{sqlHandler: h, api: api, resolver: resolver, defaultPageSize: defaultPageSize}
}

// plan assembles the SELECT. Object includes inner-join in-line with the
// referenced entity's own permission filter on the join condition, so main
// rows without a visible referenced row drop out of the result. Array
// includes run as keyed follow-up statements.
func (h *selectHandler) plan() (*selectPlan, error) {
	projection, err := h.projection()
	if err != nil {
		return nil, err
	}

	const mainAlias = "t0"
	selectList := make([]string, 0, len(projection))
	columns := make([]resultColumn, 0, len(projection))
	for _, prop := range projection {
		selectList = append(selectList, mainAlias+"."+prop.ColumnName)
		columns = append(columns, resultColumn{property: prop.APIName})
	}

	// Bind order must follow SQL text order: join conditions first, then
	// the WHERE clause.
	var joins []string
	plan := &selectPlan{}
	for i, relationName := range h.includes() {
		relation, ok := h.schemaObject.Relations[relationName]
		if !ok {
			return nil, common.NewErrBadRequest("unknown relation %q on %s", relationName, h.schemaObject.APIName)
		}
		referenced := h.api.SchemaObjects[relation.Schema]
		refRule := h.resolver.Resolve(referenced, operation.ActionRead, h.op.Claims)
		if !refRule.Allowed {
			return nil, common.NewErrForbidden("relation %q is not permitted on %s", relationName, h.schemaObject.APIName)
		}

		if relation.Cardinality == "array" {
			childProperty := referenced.Properties[relation.ChildProperty]
			plan.arrayIncludes = append(plan.arrayIncludes, &arrayInclude{
				relationName:   relationName,
				parentProperty: relation.ParentProperty,
				referenced:     referenced,
				childProperty:  childProperty,
				refRule:        refRule,
			})
			continue
		}

		alias := fmt.Sprintf("t%d", i+1)
		parentProp, err := h.schemaObject.Property(relation.ParentProperty)
		if err != nil {
			return nil, err
		}
		on := fmt.Sprintf("%s.%s = %s.%s",
			mainAlias, parentProp.ColumnName,
			alias, referenced.PrimaryKeyProperty().ColumnName)
		if filter := h.renderPermissionFilter(refRule, referenced, alias); filter != "" {
			on += " AND " + filter
		}
		joins = append(joins, fmt.Sprintf(" INNER JOIN %s %s ON %s", referenced.QualifiedTable(h.schema), alias, on))

		for _, refProp := range permittedOf(refRule, referenced) {
			selectList = append(selectList, alias+"."+refProp.ColumnName)
			columns = append(columns, resultColumn{property: refProp.APIName, relation: relationName})
		}
	}

	where, err := h.whereClause(mainAlias)
	if err != nil {
		return nil, err
	}

	orderBy, err := h.orderBy(mainAlias)
	if err != nil {
		return nil, err
	}

	paging, err := h.paging()
	if err != nil {
		return nil, err
	}

	sqlText := fmt.Sprintf("SELECT %s FROM %s %s%s%s%s%s",
		strings.Join(selectList, ", "),
		h.table(), mainAlias,
		strings.Join(joins, ""),
		where, orderBy, paging)

	plan.stmt = statement{sql: sqlText, args: h.args, columns: columns}
	return plan, nil
}

// followUp builds the keyed statement for one array include, matching the
// referenced entity's foreign key against the collected parent values.
func (h *selectHandler) followUp(include *arrayInclude, keys []any) (statement, error) {
	parts := make([]string, 0, len(keys))
	for _, key := range keys {
		parts = append(parts, fmt.Sprintf("%v", key))
	}

	refOp := operation.New(include.referenced.APIName, operation.ActionRead)
	refOp.Claims = h.op.Claims
	refOp.QueryParams[include.childProperty.APIName] = "in::" + strings.Join(parts, ",")

	refHandler := newSQLHandler(include.referenced, refOp, h.dialect, include.refRule, h.schema)
	projection, err := refHandler.projection()
	if err != nil {
		return statement{}, err
	}

	selectList := make([]string, 0, len(projection))
	columns := make([]resultColumn, 0, len(projection))
	for _, prop := range projection {
		selectList = append(selectList, prop.ColumnName)
		columns = append(columns, resultColumn{property: prop.APIName})
	}

	where, err := refHandler.whereClause("")
	if err != nil {
		return statement{}, err
	}

	sqlText := fmt.Sprintf("SELECT %s FROM %s%s",
		strings.Join(selectList, ", "),
		include.referenced.QualifiedTable(h.schema),
		where)
	return statement{sql: sqlText, args: refHandler.args, columns: columns}, nil
}

func (h *selectHandler) includes() []string {
	raw, ok := h.op.Metadata(operation.MetaInclude)
	if !ok {
		return nil
	}
	return strings.Fields(strings.ReplaceAll(raw, ",", " "))
}

// orderBy renders __sort. Each term is a property name, optionally prefixed
// with "-" or suffixed with ":desc" for descending order.
func (h *selectHandler) orderBy(alias string) (string, error) {
	raw, ok := h.op.Metadata(operation.MetaSort)
	if !ok || strings.TrimSpace(raw) == "" {
		return "", nil
	}

	var terms []string
	for _, term := range strings.Split(raw, ",") {
		term = strings.TrimSpace(term)
		if term == "" {
			continue
		}
		direction := "ASC"
		if strings.HasPrefix(term, "-") {
			direction = "DESC"
			term = term[1:]
		}
		if name, suffix, found := strings.Cut(term, ":"); found {
			term = name
			switch strings.ToLower(suffix) {
			case "desc":
				direction = "DESC"
			case "asc":
				direction = "ASC"
			default:
				return "", common.NewErrBadRequest("unknown sort direction %q", suffix)
			}
		}
		prop, err := h.schemaObject.Property(term)
		if err != nil {
			return "", err
		}
		if !h.rule.PermitsProperty(term) {
			return "", common.NewErrForbidden("property %q is not permitted on %s", term, h.schemaObject.APIName)
		}
		terms = append(terms, fmt.Sprintf("%s.%s %s", alias, prop.ColumnName, direction))
	}
	if len(terms) == 0 {
		return "", nil
	}
	return " ORDER BY " + strings.Join(terms, ", "), nil
}

// paging renders __limit and __offset, falling back to the configured page
// size. Limits and offsets are parsed integers, never interpolated client
// strings.
func (h *selectHandler) paging() (string, error) {
	limit := h.defaultPageSize
	if raw, ok := h.op.Metadata(operation.MetaLimit); ok {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			return "", common.NewErrBadRequest("__limit must be a non-negative integer")
		}
		limit = parsed
	}
	offset := 0
	if raw, ok := h.op.Metadata(operation.MetaOffset); ok {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			return "", common.NewErrBadRequest("__offset must be a non-negative integer")
		}
		offset = parsed
	}
	return h.dialect.LimitOffset(limit, offset), nil
}

// permittedOf lists the properties a rule grants on an entity, sorted for
// deterministic SQL.
func permittedOf(rule *permissions.EffectiveRule, schemaObject *apimodel.SchemaObject) []*apimodel.Property {
	helper := sqlHandler{schemaObject: schemaObject, rule: rule}
	return helper.permittedProperties()
}
