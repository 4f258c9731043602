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
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/go-sql-driver/mysql"
	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/openfoundry/query-gateway-go/internal/apimodel"
	"github.com/openfoundry/query-gateway-go/internal/common"
	"github.com/openfoundry/query-gateway-go/internal/operation"
	"github.com/openfoundry/query-gateway-go/internal/permissions"
)

// Querier is the subset of database/sql the handlers execute against.
// Both *sql.DB and *sql.Tx satisfy it.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// Connection is a Querier whose unit of work the caller finishes.
// *sql.Tx satisfies it.
type Connection interface {
	Querier
	Commit() error
	Rollback() error
}

// BatchExecutor runs a batch operation on an open connection. The batch
// orchestrator satisfies this; the indirection exists because the
// orchestrator executes its contained operations back through the DAO.
type BatchExecutor interface {
	Execute(ctx context.Context, conn Connection, op *operation.Operation) (any, error)
}

// OperationDAO turns operations into SQL through the action handlers and
// materializes the results into property-keyed records.
type OperationDAO struct {
	registry        *apimodel.Registry
	resolver        *permissions.Resolver
	dialect         Dialect
	schema          string
	defaultPageSize int
	logger          *zap.Logger
	batch           BatchExecutor
}

// NewOperationDAO wires the DAO. The batch executor attaches separately
// through SetBatchExecutor after both sides exist.
func NewOperationDAO(registry *apimodel.Registry, resolver *permissions.Resolver, dialect Dialect, schema string, defaultPageSize int, logger *zap.Logger) *OperationDAO {
	return &OperationDAO{
		registry:        registry,
		resolver:        resolver,
		dialect:         dialect,
		schema:          schema,
		defaultPageSize: defaultPageSize,
		logger:          logger,
	}
}

// SetBatchExecutor attaches the batch orchestrator.
func (d *OperationDAO) SetBatchExecutor(batch BatchExecutor) {
	d.batch = batch
}

// Dialect exposes the configured dialect to collaborators.
func (d *OperationDAO) Dialect() Dialect {
	return d.dialect
}

// Execute dispatches the operation to its handler and returns the
// materialized result. The caller owns the transaction on conn.
func (d *OperationDAO) Execute(ctx context.Context, conn Connection, op *operation.Operation) (any, error) {
	switch op.Action {
	case operation.ActionBatch:
		if d.batch == nil {
			return nil, common.NewSpecError("batch executor is not configured")
		}
		return d.batch.Execute(ctx, conn, op)
	case operation.ActionCustom:
		return d.executeCustom(ctx, conn, op)
	}

	schemaObject, err := d.registry.Get(op.Entity)
	if err != nil {
		return nil, err
	}
	rule := d.resolver.Resolve(schemaObject, op.Action, op.Claims)
	if !rule.Allowed {
		return nil, common.NewErrForbidden("%s is not permitted on %s", op.Action, op.Entity)
	}
	handler := newSQLHandler(schemaObject, op, d.dialect, rule, d.schema)

	switch op.Action {
	case operation.ActionRead:
		return d.executeRead(ctx, conn, handler)
	case operation.ActionCreate:
		readRule := d.resolver.Resolve(schemaObject, operation.ActionRead, op.Claims)
		return d.executeCreate(ctx, conn, newInsertHandler(handler, readRule))
	case operation.ActionUpdate:
		readRule := d.resolver.Resolve(schemaObject, operation.ActionRead, op.Claims)
		return d.executeUpdate(ctx, conn, newUpdateHandler(handler, readRule))
	case operation.ActionDelete:
		return d.executeDelete(ctx, conn, newDeleteHandler(handler))
	default:
		return nil, common.NewErrBadRequest("unknown action %q", op.Action)
	}
}

func (d *OperationDAO) executeRead(ctx context.Context, conn Querier, handler sqlHandler) (any, error) {
	selectHandler := newSelectHandler(handler, d.registry.Snapshot(), d.resolver, d.defaultPageSize)
	plan, err := selectHandler.plan()
	if err != nil {
		return nil, err
	}

	records, err := d.queryRecords(ctx, conn, plan.stmt)
	if err != nil {
		return nil, err
	}

	for _, include := range plan.arrayIncludes {
		if err := d.attachArrayInclude(ctx, conn, selectHandler, include, records); err != nil {
			return nil, err
		}
	}
	return records, nil
}

// attachArrayInclude runs the keyed follow-up for one to-many relation and
// groups the referenced rows under the relation name on each main record.
func (d *OperationDAO) attachArrayInclude(ctx context.Context, conn Querier, handler *selectHandler, include *arrayInclude, records []map[string]any) error {
	seen := map[string]bool{}
	var keys []any
	for _, record := range records {
		key, ok := record[include.parentProperty]
		if !ok || key == nil {
			continue
		}
		id := fmt.Sprintf("%v", key)
		if !seen[id] {
			seen[id] = true
			keys = append(keys, key)
		}
	}

	grouped := map[string][]map[string]any{}
	if len(keys) > 0 {
		stmt, err := handler.followUp(include, keys)
		if err != nil {
			return err
		}
		children, err := d.queryRecords(ctx, conn, stmt)
		if err != nil {
			return err
		}
		for _, child := range children {
			id := fmt.Sprintf("%v", child[include.childProperty.APIName])
			grouped[id] = append(grouped[id], child)
		}
	}

	for _, record := range records {
		key, ok := record[include.parentProperty]
		if !ok || key == nil {
			record[include.relationName] = []map[string]any{}
			continue
		}
		children := grouped[fmt.Sprintf("%v", key)]
		if children == nil {
			children = []map[string]any{}
		}
		record[include.relationName] = children
	}
	return nil
}

func (d *OperationDAO) executeCreate(ctx context.Context, conn Querier, handler *insertHandler) (any, error) {
	plan, err := handler.plan()
	if err != nil {
		return nil, err
	}

	if len(plan.stmt.columns) > 0 {
		records, err := d.queryRecords(ctx, conn, plan.stmt)
		if err != nil {
			return nil, err
		}
		if len(records) == 0 {
			return nil, common.NewInternalServerError("insert returned no row", nil)
		}
		return records[0], nil
	}

	result, err := d.exec(ctx, conn, plan.stmt)
	if err != nil {
		return nil, err
	}
	keyValue := plan.keyValue
	if plan.useLastInsertID {
		keyValue, err = result.LastInsertId()
		if err != nil {
			return nil, common.NewInternalServerError("read generated key", err)
		}
	}
	records, err := d.queryRecords(ctx, conn, plan.readSelect(keyValue))
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, common.NewInternalServerError("inserted row not found", nil)
	}
	return records[0], nil
}

func (d *OperationDAO) executeUpdate(ctx context.Context, conn Querier, handler *updateHandler) (any, error) {
	plan, err := handler.plan()
	if err != nil {
		return nil, err
	}

	if len(plan.stmt.columns) > 0 {
		records, err := d.queryRecords(ctx, conn, plan.stmt)
		if err != nil {
			return nil, err
		}
		if len(records) == 0 {
			return nil, d.diagnoseZeroRows(ctx, conn, plan)
		}
		return records, nil
	}

	result, err := d.exec(ctx, conn, plan.stmt)
	if err != nil {
		return nil, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return nil, common.NewInternalServerError("read affected rows", err)
	}
	if affected == 0 {
		return nil, d.diagnoseZeroRows(ctx, conn, plan)
	}
	return d.queryRecords(ctx, conn, *plan.followUp)
}

// diagnoseZeroRows decides why an update changed nothing: a stale
// concurrency token on an existing record is a conflict, everything else is
// not found.
func (d *OperationDAO) diagnoseZeroRows(ctx context.Context, conn Querier, plan *updatePlan) error {
	if !plan.concurrencySupplied || plan.existenceCheck == nil {
		return common.NewErrNotFound("no matching record")
	}
	rows, err := conn.QueryContext(ctx, plan.existenceCheck.sql, plan.existenceCheck.args...)
	if err != nil {
		return translateDBError(err)
	}
	defer rows.Close()

	var count int64
	if rows.Next() {
		if err := rows.Scan(&count); err != nil {
			return common.NewInternalServerError("scan existence check", err)
		}
	}
	if err := rows.Err(); err != nil {
		return translateDBError(err)
	}
	if count > 0 {
		return common.NewErrConflict("concurrency value does not match the stored record")
	}
	return common.NewErrNotFound("no matching record")
}

func (d *OperationDAO) executeDelete(ctx context.Context, conn Querier, handler *deleteHandler) (any, error) {
	stmt, err := handler.plan()
	if err != nil {
		return nil, err
	}
	result, err := d.exec(ctx, conn, *stmt)
	if err != nil {
		return nil, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return nil, common.NewInternalServerError("read affected rows", err)
	}
	return map[string]any{"deleted": affected}, nil
}

func (d *OperationDAO) executeCustom(ctx context.Context, conn Querier, op *operation.Operation) (any, error) {
	pathOperation, err := d.registry.GetPathOperation(op.CustomOperation)
	if err != nil {
		return nil, err
	}
	if len(pathOperation.Permissions) > 0 {
		effective := d.resolver.ResolveTable(pathOperation.Permissions, operation.ActionRead, op.Claims)
		if !effective.Allowed {
			return nil, common.NewErrForbidden("operation %q is not permitted", op.CustomOperation)
		}
	}

	plan, err := newCustomHandler(pathOperation, op, d.dialect).plan()
	if err != nil {
		return nil, err
	}

	if !plan.query {
		result, err := d.exec(ctx, conn, plan.stmt)
		if err != nil {
			return nil, err
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return nil, common.NewInternalServerError("read affected rows", err)
		}
		return map[string]any{"affected": affected}, nil
	}

	d.logStatement(plan.stmt)
	rows, err := conn.QueryContext(ctx, plan.stmt.sql, plan.stmt.args...)
	if err != nil {
		return nil, translateDBError(err)
	}
	defer rows.Close()

	columnNames, err := rows.Columns()
	if err != nil {
		return nil, common.NewInternalServerError("read result columns", err)
	}

	records := []map[string]any{}
	for rows.Next() {
		values := make([]any, len(columnNames))
		pointers := make([]any, len(columnNames))
		for i := range values {
			pointers[i] = &values[i]
		}
		if err := rows.Scan(pointers...); err != nil {
			return nil, common.NewInternalServerError("scan result row", err)
		}
		record := map[string]any{}
		for i, column := range columnNames {
			name := column
			if mapped, ok := plan.outputs[column]; ok {
				name = mapped
			}
			record[name] = normalizeValue(values[i])
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, translateDBError(err)
	}
	return records, nil
}

// queryRecords runs a statement whose columns are known up front and
// materializes every row, nesting included object relations one level deep.
func (d *OperationDAO) queryRecords(ctx context.Context, conn Querier, stmt statement) ([]map[string]any, error) {
	d.logStatement(stmt)
	rows, err := conn.QueryContext(ctx, stmt.sql, stmt.args...)
	if err != nil {
		return nil, translateDBError(err)
	}
	defer rows.Close()

	records := []map[string]any{}
	for rows.Next() {
		values := make([]any, len(stmt.columns))
		pointers := make([]any, len(stmt.columns))
		for i := range values {
			pointers[i] = &values[i]
		}
		if err := rows.Scan(pointers...); err != nil {
			return nil, common.NewInternalServerError("scan result row", err)
		}

		record := map[string]any{}
		nested := map[string]map[string]any{}
		for i, column := range stmt.columns {
			value := normalizeValue(values[i])
			if column.relation == "" {
				record[column.property] = value
				continue
			}
			if nested[column.relation] == nil {
				nested[column.relation] = map[string]any{}
			}
			nested[column.relation][column.property] = value
		}
		for relation, object := range nested {
			if allNil(object) {
				record[relation] = nil
				continue
			}
			record[relation] = object
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, translateDBError(err)
	}
	return records, nil
}

func (d *OperationDAO) exec(ctx context.Context, conn Querier, stmt statement) (sql.Result, error) {
	d.logStatement(stmt)
	result, err := conn.ExecContext(ctx, stmt.sql, stmt.args...)
	if err != nil {
		return nil, translateDBError(err)
	}
	return result, nil
}

func (d *OperationDAO) logStatement(stmt statement) {
	if d.logger != nil {
		d.logger.Debug("executing statement", zap.String("sql", stmt.sql), zap.Int("args", len(stmt.args)))
	}
}

// translateDBError maps driver constraint violations onto client-facing
// statuses: unique violations conflict, other integrity violations are bad
// requests, everything else stays internal.
func translateDBError(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch {
		case pqErr.Code == "23505":
			return common.NewErrConflict("record violates a unique constraint")
		case pqErr.Code.Class() == "23":
			return common.NewErrBadRequest("record violates a database constraint")
		}
	}
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		switch myErr.Number {
		case 1062:
			return common.NewErrConflict("record violates a unique constraint")
		case 1216, 1217, 1451, 1452, 3819:
			return common.NewErrBadRequest("record violates a database constraint")
		}
	}
	return common.NewInternalServerError("database error", err)
}

func normalizeValue(value any) any {
	if b, ok := value.([]byte); ok {
		return string(b)
	}
	return value
}

func allNil(object map[string]any) bool {
	for _, v := range object {
		if v != nil {
			return false
		}
	}
	return true
}

var _ Connection = (*sql.Tx)(nil)
