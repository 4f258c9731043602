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

// Package dao generates parameterized SQL from operations and materializes
// result rows back into property-keyed records. One handler exists per
// action; the DAO dispatches and owns row scanning.
package dao

import (
	"fmt"

	"github.com/openfoundry/query-gateway-go/internal/common"
)

// Dialect captures the engine differences the generated SQL depends on:
// placeholder style, RETURNING support, paging syntax, and sequence access.
type Dialect interface {
	Name() string

	// Placeholder returns the bind marker for the 1-based position.
	Placeholder(position int) string

	// SupportsReturning reports whether INSERT/UPDATE/DELETE can append a
	// RETURNING clause.
	SupportsReturning() bool

	// LimitOffset renders the paging clause. Limit and offset are validated
	// non-negative integers, never client strings.
	LimitOffset(limit, offset int) string

	// CurrentTimestamp is the expression used to stamp date-time
	// concurrency columns.
	CurrentTimestamp() string

	// SequenceNext renders the next-value expression for a named sequence,
	// or errors when the engine has no sequences.
	SequenceNext(name string) (string, error)
}

// DialectFor maps a configured engine name onto its dialect.
func DialectFor(engine string) (Dialect, error) {
	switch engine {
	case "postgresql", "postgres":
		return postgresDialect{}, nil
	case "mysql":
		return mysqlDialect{}, nil
	case "oracle":
		return oracleDialect{}, nil
	default:
		return nil, common.NewSpecError("unsupported database engine %q", engine)
	}
}

type postgresDialect struct{}

func (postgresDialect) Name() string                  { return "postgresql" }
func (postgresDialect) Placeholder(position int) string { return fmt.Sprintf("$%d", position) }
func (postgresDialect) SupportsReturning() bool       { return true }
func (postgresDialect) CurrentTimestamp() string      { return "CURRENT_TIMESTAMP" }

func (postgresDialect) LimitOffset(limit, offset int) string {
	clause := ""
	if limit > 0 {
		clause += fmt.Sprintf(" LIMIT %d", limit)
	}
	if offset > 0 {
		clause += fmt.Sprintf(" OFFSET %d", offset)
	}
	return clause
}

func (postgresDialect) SequenceNext(name string) (string, error) {
	return fmt.Sprintf("nextval('%s')", name), nil
}

type mysqlDialect struct{}

func (mysqlDialect) Name() string                    { return "mysql" }
func (mysqlDialect) Placeholder(int) string          { return "?" }
func (mysqlDialect) SupportsReturning() bool         { return false }
func (mysqlDialect) CurrentTimestamp() string        { return "CURRENT_TIMESTAMP" }

func (mysqlDialect) LimitOffset(limit, offset int) string {
	clause := ""
	if limit > 0 {
		clause += fmt.Sprintf(" LIMIT %d", limit)
	}
	if offset > 0 {
		clause += fmt.Sprintf(" OFFSET %d", offset)
	}
	return clause
}

func (mysqlDialect) SequenceNext(string) (string, error) {
	return "", common.NewSpecError("mysql does not support sequence key generation")
}

type oracleDialect struct{}

func (oracleDialect) Name() string                    { return "oracle" }
func (oracleDialect) Placeholder(position int) string { return fmt.Sprintf(":p%d", position) }
func (oracleDialect) SupportsReturning() bool         { return false }
func (oracleDialect) CurrentTimestamp() string        { return "CURRENT_TIMESTAMP" }

func (oracleDialect) LimitOffset(limit, offset int) string {
	clause := ""
	if offset > 0 {
		clause += fmt.Sprintf(" OFFSET %d ROWS", offset)
	}
	if limit > 0 {
		clause += fmt.Sprintf(" FETCH NEXT %d ROWS ONLY", limit)
	}
	return clause
}

func (oracleDialect) SequenceNext(name string) (string, error) {
	return fmt.Sprintf("%s.NEXTVAL", name), nil
}
