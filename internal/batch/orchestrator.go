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

package batch

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/openfoundry/query-gateway-go/internal/common"
	"github.com/openfoundry/query-gateway-go/internal/dao"
	"github.com/openfoundry/query-gateway-go/internal/operation"
)

// Executor runs one contained operation. The operation DAO satisfies this.
type Executor interface {
	Execute(ctx context.Context, conn dao.Connection, op *operation.Operation) (any, error)
}

// Orchestrator executes batch requests. It owns the transaction handed to
// it: an atomic batch commits only when every operation completed and rolls
// back otherwise; a non-atomic batch isolates each operation behind a
// savepoint and commits whatever completed.
type Orchestrator struct {
	executor      Executor
	logger        *zap.Logger
	enforceScopes func(*operation.Operation) error
}

// NewOrchestrator wires the orchestrator to the operation executor.
func NewOrchestrator(executor Executor, logger *zap.Logger) *Orchestrator {
	return &Orchestrator{executor: executor, logger: logger}
}

// SetScopeEnforcer installs the check run against every contained operation
// before it executes. A rejected operation records as failed; it never
// aborts parsing of the batch itself.
func (o *Orchestrator) SetScopeEnforcer(enforce func(*operation.Operation) error) {
	o.enforceScopes = enforce
}

// Per-operation record states.
const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusSkipped   = "skipped"
)

// Result is the aggregate answer of a batch request. Results maps each
// executed operation id to a record carrying its status: completed records
// hold the data, failed records the error and status code, skipped records
// the reason. Operations never reached after an atomic stop are absent.
type Result struct {
	Success          bool           `json:"success"`
	Results          map[string]any `json:"results"`
	FailedOperations []string       `json:"failed_operations"`
}

func completedRecord(data any) map[string]any {
	return map[string]any{"status": StatusCompleted, "data": data}
}

func failedRecord(err error) map[string]any {
	return map[string]any{
		"status":      StatusFailed,
		"error":       errorMessage(err),
		"status_code": common.StatusOf(err),
	}
}

func skippedRecord(dependency string) map[string]any {
	return map[string]any{
		"status": StatusSkipped,
		"reason": fmt.Sprintf("dependency %q failed", dependency),
	}
}

// Execute runs the batch document carried by the operation. Malformed
// documents and dependency cycles reject before anything executes; the
// transaction rolls back on the way out.
//
// Iteration stops early only for an atomic batch without continue-on-error;
// every other combination runs the full plan, skipping operations whose
// dependencies did not complete. An atomic batch with any failure rolls
// back, keeping the completed records in the answer for traceability.
func (o *Orchestrator) Execute(ctx context.Context, conn dao.Connection, op *operation.Operation) (any, error) {
	request, err := ParseRequest(op)
	if err != nil {
		_ = conn.Rollback()
		return nil, err
	}
	ordered, err := executionOrder(request)
	if err != nil {
		_ = conn.Rollback()
		return nil, err
	}

	result := &Result{
		Results:          map[string]any{},
		FailedOperations: []string{},
	}
	completed := map[string]any{}
	unfinished := map[string]bool{}

	for i, step := range ordered {
		if blocked := o.blockedBy(step, unfinished); blocked != "" {
			unfinished[step.ID] = true
			result.Results[step.ID] = skippedRecord(blocked)
			continue
		}

		stepOp, err := o.buildOperation(step, op.Claims, completed)
		if err == nil && o.enforceScopes != nil {
			err = o.enforceScopes(stepOp)
		}
		if err == nil {
			err = o.runStep(ctx, conn, request, i)
		}
		if err == nil {
			data, execErr := o.executeStep(ctx, conn, request, i, stepOp)
			if execErr == nil {
				completed[step.ID] = data
				result.Results[step.ID] = completedRecord(data)
				continue
			}
			err = execErr
		}

		o.logger.Warn("batch operation failed",
			zap.String("operation", step.ID),
			zap.Error(err))
		unfinished[step.ID] = true
		result.Results[step.ID] = failedRecord(err)
		result.FailedOperations = append(result.FailedOperations, step.ID)

		if request.Atomic && !request.ContinueOnError {
			// Operations never reached stay absent from the record,
			// distinguishing them from skipped ones.
			break
		}
	}

	if request.Atomic && len(result.FailedOperations) > 0 {
		// The rollback reverses completed operations; their records keep
		// status completed so the caller can trace what ran.
		_ = conn.Rollback()
		return result, nil
	}
	if err := conn.Commit(); err != nil {
		return nil, common.NewInternalServerError("commit batch", err)
	}
	result.Success = len(result.FailedOperations) == 0
	return result, nil
}

// isolated reports whether operations need savepoint bracketing: whenever a
// later operation may run after an earlier failure, a failed statement must
// not poison the transaction.
func (r *Request) isolated() bool {
	return !r.Atomic || r.ContinueOnError
}

// runStep is split from executeStep so savepoint bracketing stays in one
// place.
func (o *Orchestrator) runStep(ctx context.Context, conn dao.Connection, request *Request, index int) error {
	if !request.isolated() {
		return nil
	}
	if _, err := conn.ExecContext(ctx, fmt.Sprintf("SAVEPOINT batch_op_%d", index)); err != nil {
		return common.NewInternalServerError("create savepoint", err)
	}
	return nil
}

func (o *Orchestrator) executeStep(ctx context.Context, conn dao.Connection, request *Request, index int, stepOp *operation.Operation) (any, error) {
	stepResult, err := o.executor.Execute(ctx, conn, stepOp)
	if !request.isolated() {
		return stepResult, err
	}
	if err != nil {
		// Roll back just this operation so the transaction stays usable.
		if _, spErr := conn.ExecContext(ctx, fmt.Sprintf("ROLLBACK TO SAVEPOINT batch_op_%d", index)); spErr != nil {
			return nil, common.NewInternalServerError("rollback savepoint", spErr)
		}
		return nil, err
	}
	if _, spErr := conn.ExecContext(ctx, fmt.Sprintf("RELEASE SAVEPOINT batch_op_%d", index)); spErr != nil {
		return nil, common.NewInternalServerError("release savepoint", spErr)
	}
	return stepResult, nil
}

// blockedBy returns the id of a failed or skipped dependency, or empty.
func (o *Orchestrator) blockedBy(step *Step, unfinished map[string]bool) string {
	for _, dep := range dependenciesOf(step) {
		if unfinished[dep] {
			return dep
		}
	}
	return ""
}

// buildOperation resolves the step's references against completed results
// and assembles the operation handed to the executor. The caller's claims
// propagate unchanged; contained operations never escalate.
func (o *Orchestrator) buildOperation(step *Step, claims *operation.Claims, completed map[string]any) (*operation.Operation, error) {
	queryParams, err := resolveParams(step.QueryParams, completed)
	if err != nil {
		return nil, err
	}
	storeParams, err := resolveParams(step.StoreParams, completed)
	if err != nil {
		return nil, err
	}

	stepOp := operation.New(step.Entity, step.Action)
	stepOp.Claims = claims
	stepOp.QueryParams = queryParams
	stepOp.StoreParams = storeParams
	for key, value := range step.MetadataParams {
		stepOp.MetadataParams[key] = value
	}
	stepOp.CustomOperation = step.Custom
	return stepOp, nil
}

func errorMessage(err error) string {
	var appErr *common.ApplicationError
	if errors.As(err, &appErr) {
		return appErr.Message
	}
	return "internal server error"
}
