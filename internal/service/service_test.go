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

package service

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/aws/aws-lambda-go/events"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/openfoundry/query-gateway-go/internal/adapter"
	"github.com/openfoundry/query-gateway-go/internal/apimodel"
	"github.com/openfoundry/query-gateway-go/internal/batch"
	"github.com/openfoundry/query-gateway-go/internal/dao"
	"github.com/openfoundry/query-gateway-go/internal/operation"
	"github.com/openfoundry/query-gateway-go/internal/permissions"
)

func testStack(t *testing.T) (*Gateway, *TransactionalService, sqlmock.Sqlmock) {
	t.Helper()
	registry := apimodel.NewRegistry()
	require.NoError(t, registry.Load(map[string]any{
		"schema_objects": map[string]any{
			"album": map[string]any{
				"database":       "chinook",
				"primary-key":    "album_id",
				"key-generation": "auto",
				"properties": map[string]any{
					"album_id":  map[string]any{"type": "integer"},
					"title":     map[string]any{"type": "string", "required": true},
					"artist_id": map[string]any{"type": "integer"},
				},
			},
			"artist": map[string]any{
				"database":       "chinook",
				"primary-key":    "artist_id",
				"key-generation": "auto",
				"properties": map[string]any{
					"artist_id": map[string]any{"type": "integer"},
					"name":      map[string]any{"type": "string", "required": true},
				},
			},
		},
	}))

	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	dialect, err := dao.DialectFor("postgresql")
	require.NoError(t, err)

	logger := zap.NewNop()
	operationDAO := dao.NewOperationDAO(registry, permissions.NewResolver(), dialect, "", 100, logger)
	operationDAO.SetBatchExecutor(batch.NewOrchestrator(operationDAO, logger))

	transactional := NewTransactionalService(db, operationDAO, logger)
	gateway := NewGateway(adapter.NewRequestAdapter(registry, ""), transactional, false, logger)
	return gateway, transactional, mock
}

func TestExecuteCommitsOnSuccess(t *testing.T) {
	t.Parallel()
	_, transactional, mock := testStack(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT t0.album_id, t0.artist_id, t0.title FROM album t0 WHERE t0.album_id = $1 LIMIT 100").
		WithArgs(int64(5)).
		WillReturnRows(sqlmock.NewRows([]string{"album_id", "artist_id", "title"}).AddRow(5, 3, "Big Ones"))
	mock.ExpectCommit()

	op := operation.New("album", operation.ActionRead)
	op.QueryParams["album_id"] = "5"

	result, err := transactional.Execute(context.Background(), op)
	require.NoError(t, err)
	records := result.([]map[string]any)
	require.Len(t, records, 1)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestExecuteRollsBackOnFailure(t *testing.T) {
	t.Parallel()
	_, transactional, mock := testStack(t)

	mock.ExpectBegin()
	mock.ExpectRollback()

	op := operation.New("album", operation.ActionUpdate)
	op.QueryParams["album_id"] = "5"
	// Empty body fails validation after the transaction opened.

	_, err := transactional.Execute(context.Background(), op)
	require.Error(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestExecuteBatchDelegatesTransactionOwnership(t *testing.T) {
	t.Parallel()
	_, transactional, mock := testStack(t)

	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO artist (name) VALUES ($1) RETURNING artist_id, name").
		WithArgs("Aerosmith").
		WillReturnRows(sqlmock.NewRows([]string{"artist_id", "name"}).AddRow(7, "Aerosmith"))
	mock.ExpectQuery("INSERT INTO album (artist_id, title) VALUES ($1, $2) RETURNING album_id, artist_id, title").
		WithArgs(int64(7), "Big Ones").
		WillReturnRows(sqlmock.NewRows([]string{"album_id", "artist_id", "title"}).AddRow(1, 7, "Big Ones"))
	mock.ExpectCommit()

	op := operation.New(operation.BatchEntity, operation.ActionBatch)
	op.StoreParams = map[string]any{
		"operations": []any{
			map[string]any{
				"id": "create_artist", "entity": "artist", "action": "create",
				"store_params": map[string]any{"name": "Aerosmith"},
			},
			map[string]any{
				"id": "create_album", "entity": "album", "action": "create",
				"store_params": map[string]any{
					"title":     "Big Ones",
					"artist_id": "$ref:create_artist.artist_id",
				},
			},
		},
	}

	result, err := transactional.Execute(context.Background(), op)
	require.NoError(t, err)

	batchResult := result.(*batch.Result)
	require.True(t, batchResult.Success)
	require.Len(t, batchResult.Results, 2)
	created, ok := batchResult.Results["create_album"].(map[string]any)
	require.True(t, ok)
	require.Equal(t, batch.StatusCompleted, created["status"])
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGatewayHandleMapsEventThroughPipeline(t *testing.T) {
	t.Parallel()
	gateway, _, mock := testStack(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT t0.album_id, t0.artist_id, t0.title FROM album t0 WHERE t0.album_id = $1 LIMIT 100").
		WithArgs(int64(5)).
		WillReturnRows(sqlmock.NewRows([]string{"album_id", "artist_id", "title"}).AddRow(5, 3, "Big Ones"))
	mock.ExpectCommit()

	response := gateway.Handle(context.Background(), events.APIGatewayProxyRequest{
		HTTPMethod: http.MethodGet,
		Path:       "/album/5",
	})
	require.Equal(t, http.StatusOK, response.StatusCode)

	var body []map[string]any
	require.NoError(t, json.Unmarshal([]byte(response.Body), &body))
	require.Len(t, body, 1)
	require.Equal(t, "Big Ones", body[0]["title"])
	require.Equal(t, float64(5), body[0]["albumId"])
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGatewayHandleMapsErrorsToEnvelope(t *testing.T) {
	t.Parallel()
	gateway, _, mock := testStack(t)

	mock.ExpectBegin()
	mock.ExpectRollback()

	response := gateway.Handle(context.Background(), events.APIGatewayProxyRequest{
		HTTPMethod: http.MethodGet,
		Path:       "/unknown_entity",
	})
	require.Equal(t, http.StatusBadRequest, response.StatusCode)
	require.Contains(t, response.Body, "unknown entity")
	require.NoError(t, mock.ExpectationsWereMet())
}
