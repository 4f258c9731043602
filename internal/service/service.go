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

// Package service runs operations inside transactions and composes the
// request pipeline from the adapter, the DAO, and the batch orchestrator.
package service

import (
	"context"
	"database/sql"

	"go.uber.org/zap"

	"github.com/openfoundry/query-gateway-go/internal/common"
	"github.com/openfoundry/query-gateway-go/internal/dao"
	"github.com/openfoundry/query-gateway-go/internal/operation"
)

// Beginner opens transactions. *sql.DB satisfies it; tests substitute.
type Beginner interface {
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
}

// TransactionalService brackets every operation in a transaction. Batch
// operations hand the open transaction to the orchestrator, which owns
// commit and rollback for the whole batch; everything else commits on
// success and rolls back on any error.
type TransactionalService struct {
	db     Beginner
	dao    *dao.OperationDAO
	logger *zap.Logger
}

// NewTransactionalService wires the service.
func NewTransactionalService(db Beginner, operationDAO *dao.OperationDAO, logger *zap.Logger) *TransactionalService {
	return &TransactionalService{db: db, dao: operationDAO, logger: logger}
}

// Execute runs one operation to completion.
func (s *TransactionalService) Execute(ctx context.Context, op *operation.Operation) (any, error) {
	s.logger.Info("executing operation",
		zap.String("entity", op.Entity),
		zap.String("action", op.Action))

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, common.NewInternalServerError("begin transaction", err)
	}

	if op.Action == operation.ActionBatch {
		result, err := s.dao.Execute(ctx, tx, op)
		if err != nil {
			s.logger.Error("batch failed", zap.Error(err))
		}
		return result, err
	}

	result, err := s.dao.Execute(ctx, tx, op)
	if err != nil {
		_ = tx.Rollback()
		s.logger.Error("operation failed",
			zap.String("entity", op.Entity),
			zap.String("action", op.Action),
			zap.Error(err))
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, common.NewInternalServerError("commit transaction", err)
	}
	return result, nil
}
