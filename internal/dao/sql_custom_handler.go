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
	"strings"

	"github.com/openfoundry/query-gateway-go/internal/apimodel"
	"github.com/openfoundry/query-gateway-go/internal/common"
	"github.com/openfoundry/query-gateway-go/internal/operation"
)

// customPlan is the executable form of a pre-declared path operation.
// Outputs maps result column names onto the declared API field names.
type customPlan struct {
	stmt    statement
	query   bool
	outputs map[string]string
}

type customHandler struct {
	pathOperation *apimodel.PathOperation
	op            *operation.Operation
	dialect       Dialect
	args          []any
}

func newCustomHandler(pathOperation *apimodel.PathOperation, op *operation.Operation, dialect Dialect) *customHandler {
	return &customHandler{pathOperation: pathOperation, op: op, dialect: dialect}
}

// plan validates the declared inputs and rewrites the ":name" bind tokens
// and "${claims.path}" references of the SQL template into dialect
// placeholders, binding in SQL text order so positional placeholder
// engines line up. Double colons pass through untouched so engine cast
// syntax keeps working.
func (h *customHandler) plan() (*customPlan, error) {
	inputs, err := h.resolveInputs()
	if err != nil {
		return nil, err
	}

	sqlText, err := h.substituteParameters(h.pathOperation.SQL, inputs)
	if err != nil {
		return nil, err
	}

	outputs := map[string]string{}
	for name, output := range h.pathOperation.Outputs {
		outputs[output.Column] = name
	}

	trimmed := strings.ToUpper(strings.TrimSpace(sqlText))
	return &customPlan{
		stmt:    statement{sql: sqlText, args: h.args},
		query:   strings.HasPrefix(trimmed, "SELECT") || strings.HasPrefix(trimmed, "WITH"),
		outputs: outputs,
	}, nil
}

func (h *customHandler) bindValue(value any) string {
	h.args = append(h.args, value)
	return h.dialect.Placeholder(len(h.args))
}

// resolveInputs validates the request values against the declared inputs:
// unknown names reject, required names without a default must be present,
// declared defaults fill gaps, and every value coerces onto its type.
func (h *customHandler) resolveInputs() (map[string]any, error) {
	for name := range h.op.QueryParams {
		if _, ok := h.pathOperation.Inputs[name]; !ok {
			return nil, common.NewErrBadRequest("unknown input %q on %s", name, h.pathOperation.APIName)
		}
	}

	resolved := map[string]any{}
	for name, input := range h.pathOperation.Inputs {
		raw, present := h.op.QueryParams[name]
		if !present {
			if input.Default != nil {
				resolved[name] = input.Default
				continue
			}
			if input.Required {
				return nil, common.NewErrBadRequest("required input %q is missing on %s", name, h.pathOperation.APIName)
			}
			resolved[name] = nil
			continue
		}
		pseudo := &apimodel.Property{APIName: name, Type: input.Type}
		helper := sqlHandler{dialect: h.dialect}
		converted, err := helper.convertValue(pseudo, raw)
		if err != nil {
			return nil, err
		}
		resolved[name] = converted
	}
	return resolved, nil
}

// substituteParameters rewrites ":name" tokens and "${claims.path}"
// references in SQL text order so positional placeholder engines bind
// correctly. A name may appear more than once; each occurrence binds its
// own argument. A missing claim binds SQL NULL.
func (h *customHandler) substituteParameters(sqlText string, inputs map[string]any) (string, error) {
	var out strings.Builder
	for i := 0; i < len(sqlText); i++ {
		c := sqlText[i]
		if c == '$' {
			if loc := claimReference.FindStringSubmatchIndex(sqlText[i:]); loc != nil && loc[0] == 0 {
				path := sqlText[i+loc[2] : i+loc[3]]
				value, _ := h.op.Claims.Lookup(path)
				out.WriteString(h.bindValue(value))
				i += loc[1] - 1
				continue
			}
			out.WriteByte(c)
			continue
		}
		if c != ':' {
			out.WriteByte(c)
			continue
		}
		// "::" is cast syntax, not a parameter.
		if i+1 < len(sqlText) && sqlText[i+1] == ':' {
			out.WriteString("::")
			i++
			continue
		}
		if i > 0 && sqlText[i-1] == ':' {
			out.WriteByte(c)
			continue
		}
		start := i + 1
		end := start
		for end < len(sqlText) && isNameChar(sqlText[end]) {
			end++
		}
		if end == start {
			out.WriteByte(c)
			continue
		}
		name := sqlText[start:end]
		value, ok := inputs[name]
		if !ok {
			return "", common.NewErrBadRequest("sql references undeclared input %q on %s", name, h.pathOperation.APIName)
		}
		out.WriteString(h.bindValue(value))
		i = end - 1
	}
	return out.String(), nil
}

func isNameChar(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}
