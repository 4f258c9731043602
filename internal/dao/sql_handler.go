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
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/openfoundry/query-gateway-go/internal/apimodel"
	"github.com/openfoundry/query-gateway-go/internal/common"
	"github.com/openfoundry/query-gateway-go/internal/operation"
	"github.com/openfoundry/query-gateway-go/internal/permissions"
)

// statement is one generated SQL text with its bound arguments. For reads
// and RETURNING writes, columns maps result positions back to properties.
type statement struct {
	sql     string
	args    []any
	columns []resultColumn
}

// resultColumn names the property a result position materializes into.
// Relation is set for columns that belong to an included object relation
// and nest one level deep in the record.
type resultColumn struct {
	property string
	relation string
}

// relational operators accepted in the "operator::operand" query form.
var relationalOperators = map[string]string{
	"eq": "=",
	"ne": "<>",
	"lt": "<",
	"le": "<=",
	"gt": ">",
	"ge": ">=",
}

var claimReference = regexp.MustCompile(`\$\{claims\.([A-Za-z0-9_.:\-]+)\}`)

// sqlHandler carries the state shared by every action handler: the entity,
// the operation, the effective permission rule, and the running bind
// argument list.
type sqlHandler struct {
	schemaObject *apimodel.SchemaObject
	op           *operation.Operation
	dialect      Dialect
	rule         *permissions.EffectiveRule
	schema       string
	args         []any
}

func newSQLHandler(schemaObject *apimodel.SchemaObject, op *operation.Operation, dialect Dialect, rule *permissions.EffectiveRule, schema string) sqlHandler {
	return sqlHandler{
		schemaObject: schemaObject,
		op:           op,
		dialect:      dialect,
		rule:         rule,
		schema:       schema,
	}
}

// bind appends a value to the argument list and returns its placeholder.
func (h *sqlHandler) bind(value any) string {
	h.args = append(h.args, value)
	return h.dialect.Placeholder(len(h.args))
}

func (h *sqlHandler) table() string {
	return h.schemaObject.QualifiedTable(h.schema)
}

// permittedProperties returns the properties the effective rule grants,
// sorted by name so generated SQL is deterministic.
func (h *sqlHandler) permittedProperties() []*apimodel.Property {
	names := make([]string, 0, len(h.schemaObject.Properties))
	for name := range h.schemaObject.Properties {
		names = append(names, name)
	}
	sort.Strings(names)

	permitted := make([]*apimodel.Property, 0, len(names))
	for _, name := range names {
		if h.rule.PermitsProperty(name) {
			permitted = append(permitted, h.schemaObject.Properties[name])
		}
	}
	return permitted
}

// projection resolves the effective select list: the permitted properties,
// narrowed to the __properties request when present. Requested properties
// the rule denies are dropped; an empty result is a permission failure.
func (h *sqlHandler) projection() ([]*apimodel.Property, error) {
	permitted := h.permittedProperties()

	if requested, ok := h.op.Metadata(operation.MetaProperties); ok {
		names := strings.Fields(strings.ReplaceAll(requested, ",", " "))
		wanted := map[string]bool{}
		for _, name := range names {
			if name == "*" {
				wanted = nil
				break
			}
			if _, err := h.schemaObject.Property(name); err != nil {
				return nil, err
			}
			wanted[name] = true
		}
		if wanted != nil {
			narrowed := make([]*apimodel.Property, 0, len(permitted))
			for _, prop := range permitted {
				if wanted[prop.APIName] {
					narrowed = append(narrowed, prop)
				}
			}
			permitted = narrowed
		}
	}

	if len(permitted) == 0 {
		return nil, common.NewErrForbidden("no permitted properties on %s", h.schemaObject.APIName)
	}
	return permitted, nil
}

// searchConditions renders the query parameters as AND-joined predicates.
// Keys iterate sorted so the generated SQL is stable. Alias prefixes column
// references when joins are in play; empty means bare column names.
func (h *sqlHandler) searchConditions(alias string) ([]string, error) {
	keys := make([]string, 0, len(h.op.QueryParams))
	for key := range h.op.QueryParams {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	conditions := make([]string, 0, len(keys))
	for _, key := range keys {
		prop, err := h.schemaObject.Property(key)
		if err != nil {
			return nil, err
		}
		if !h.rule.PermitsProperty(key) {
			return nil, common.NewErrForbidden("property %q is not permitted on %s", key, h.schemaObject.APIName)
		}
		condition, err := h.condition(alias, prop, h.op.QueryParams[key])
		if err != nil {
			return nil, err
		}
		conditions = append(conditions, condition)
	}
	return conditions, nil
}

// condition renders one query parameter. String values in the form
// "operator::operand" select the comparison; anything else compares equal.
func (h *sqlHandler) condition(alias string, prop *apimodel.Property, value any) (string, error) {
	column := prop.ColumnName
	if alias != "" {
		column = alias + "." + column
	}

	operator := "eq"
	operand := value
	if s, ok := value.(string); ok {
		if before, after, found := strings.Cut(s, "::"); found {
			operator = strings.ToLower(before)
			operand = after
		}
	}

	switch operator {
	case "eq", "ne", "lt", "le", "gt", "ge":
		if operand == nil {
			switch operator {
			case "eq":
				return column + " IS NULL", nil
			case "ne":
				return column + " IS NOT NULL", nil
			default:
				return "", common.NewErrBadRequest("operator %q does not accept null on %q", operator, prop.APIName)
			}
		}
		converted, err := h.convertValue(prop, operand)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%s %s %s", column, relationalOperators[operator], h.bind(converted)), nil

	case "in", "not-in":
		values, err := h.convertList(prop, operand)
		if err != nil {
			return "", err
		}
		if len(values) == 0 {
			return "", common.NewErrBadRequest("operator %q requires at least one operand on %q", operator, prop.APIName)
		}
		placeholders := make([]string, len(values))
		for i, v := range values {
			placeholders[i] = h.bind(v)
		}
		keyword := "IN"
		if operator == "not-in" {
			keyword = "NOT IN"
		}
		return fmt.Sprintf("%s %s (%s)", column, keyword, strings.Join(placeholders, ", ")), nil

	case "between", "not-between":
		values, err := h.convertList(prop, operand)
		if err != nil {
			return "", err
		}
		if len(values) != 2 {
			return "", common.NewErrBadRequest("operator %q requires exactly two operands on %q", operator, prop.APIName)
		}
		keyword := "BETWEEN"
		if operator == "not-between" {
			keyword = "NOT BETWEEN"
		}
		return fmt.Sprintf("%s %s %s AND %s", column, keyword, h.bind(values[0]), h.bind(values[1])), nil

	case "like":
		pattern, ok := operand.(string)
		if !ok {
			return "", common.NewErrBadRequest("operator like requires a string operand on %q", prop.APIName)
		}
		return fmt.Sprintf("%s LIKE %s", column, h.bind(strings.ReplaceAll(pattern, "*", "%"))), nil

	default:
		return "", common.NewErrBadRequest("unknown operator %q on %q", operator, prop.APIName)
	}
}

// convertList splits a comma-separated operand and converts each element.
// Null elements are rejected; list operators have no null semantics.
func (h *sqlHandler) convertList(prop *apimodel.Property, operand any) ([]any, error) {
	var parts []string
	switch v := operand.(type) {
	case string:
		parts = strings.Split(v, ",")
	case []any:
		for _, item := range v {
			if item == nil {
				return nil, common.NewErrBadRequest("null is not a valid list operand on %q", prop.APIName)
			}
			parts = append(parts, fmt.Sprintf("%v", item))
		}
	case nil:
		return nil, common.NewErrBadRequest("null is not a valid list operand on %q", prop.APIName)
	default:
		parts = []string{fmt.Sprintf("%v", v)}
	}

	values := make([]any, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed == "" {
			continue
		}
		converted, err := h.convertValue(prop, trimmed)
		if err != nil {
			return nil, err
		}
		values = append(values, converted)
	}
	return values, nil
}

// convertValue coerces a raw request value onto the property's declared
// type. Strings arrive from query parameters, JSON types from bodies.
func (h *sqlHandler) convertValue(prop *apimodel.Property, raw any) (any, error) {
	if raw == nil {
		return nil, nil
	}
	switch prop.Type {
	case "integer":
		switch v := raw.(type) {
		case string:
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return nil, common.NewErrBadRequest("%q is not a valid integer for %q", v, prop.APIName)
			}
			return n, nil
		case float64:
			return int64(v), nil
		case int:
			return int64(v), nil
		case int64:
			return v, nil
		}
	case "number":
		switch v := raw.(type) {
		case string:
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				return nil, common.NewErrBadRequest("%q is not a valid number for %q", v, prop.APIName)
			}
			return f, nil
		case float64:
			return v, nil
		case int:
			return float64(v), nil
		}
	case "boolean":
		switch v := raw.(type) {
		case string:
			b, err := strconv.ParseBool(v)
			if err != nil {
				return nil, common.NewErrBadRequest("%q is not a valid boolean for %q", v, prop.APIName)
			}
			return b, nil
		case bool:
			return v, nil
		}
	case "string", "date-time", "uuid":
		if s, ok := raw.(string); ok {
			return s, nil
		}
		return fmt.Sprintf("%v", raw), nil
	}
	return nil, common.NewErrBadRequest("value %v is not valid for %q (%s)", raw, prop.APIName, prop.Type)
}

// permissionFilter renders the row-level predicates of the effective rule.
// The templates of all contributing roles join with OR; claim references
// substitute as bound parameters, a missing claim binding SQL NULL so the
// predicate can never widen access.
func (h *sqlHandler) permissionFilter(alias string) string {
	return h.renderPermissionFilter(h.rule, h.schemaObject, alias)
}

// renderPermissionFilter is permissionFilter for an arbitrary rule and
// entity, used when included relations carry their own row filters.
// Binding happens through the shared argument list, so fragments must be
// rendered in the order they appear in the final SQL text.
func (h *sqlHandler) renderPermissionFilter(rule *permissions.EffectiveRule, schemaObject *apimodel.SchemaObject, alias string) string {
	templates := rule.WhereTemplates()
	if len(templates) == 0 {
		return ""
	}
	rendered := make([]string, 0, len(templates))
	for _, template := range templates {
		fragment := claimReference.ReplaceAllStringFunc(template, func(match string) string {
			path := claimReference.FindStringSubmatch(match)[1]
			value, ok := h.op.Claims.Lookup(path)
			if !ok {
				value = nil
			}
			return h.bind(value)
		})
		if alias != "" {
			fragment = qualifyColumns(fragment, schemaObject, alias)
		}
		rendered = append(rendered, "("+fragment+")")
	}
	if len(rendered) == 1 {
		return rendered[0]
	}
	return "(" + strings.Join(rendered, " OR ") + ")"
}

// qualifyColumns prefixes bare column references in a permission template
// with the main table alias. Only known column names are touched, and text
// inside single-quoted literals passes through unchanged so a literal that
// happens to spell a column name is not rewritten.
func qualifyColumns(fragment string, schemaObject *apimodel.SchemaObject, alias string) string {
	var out strings.Builder
	for len(fragment) > 0 {
		quote := strings.IndexByte(fragment, '\'')
		if quote < 0 {
			out.WriteString(qualifySegment(fragment, schemaObject, alias))
			break
		}
		out.WriteString(qualifySegment(fragment[:quote], schemaObject, alias))
		end := literalEnd(fragment, quote)
		out.WriteString(fragment[quote:end])
		fragment = fragment[end:]
	}
	return out.String()
}

func qualifySegment(segment string, schemaObject *apimodel.SchemaObject, alias string) string {
	for _, prop := range schemaObject.Properties {
		pattern := regexp.MustCompile(`\b` + regexp.QuoteMeta(prop.ColumnName) + `\b`)
		segment = pattern.ReplaceAllString(segment, alias+"."+prop.ColumnName)
	}
	return segment
}

// literalEnd returns the index just past the literal opening at start. A
// doubled quote inside the literal escapes itself.
func literalEnd(s string, start int) int {
	i := start + 1
	for i < len(s) {
		if s[i] != '\'' {
			i++
			continue
		}
		if i+1 < len(s) && s[i+1] == '\'' {
			i += 2
			continue
		}
		return i + 1
	}
	return len(s)
}

// whereClause joins the search conditions and the permission filter, or
// returns empty when neither applies.
func (h *sqlHandler) whereClause(alias string) (string, error) {
	conditions, err := h.searchConditions(alias)
	if err != nil {
		return "", err
	}
	if filter := h.permissionFilter(alias); filter != "" {
		conditions = append(conditions, filter)
	}
	if len(conditions) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conditions, " AND "), nil
}
