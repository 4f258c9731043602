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
	"database/sql"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/openfoundry/query-gateway-go/internal/common"
	"github.com/openfoundry/query-gateway-go/internal/dao"
	"github.com/openfoundry/query-gateway-go/internal/operation"
)

type fakeResult struct{}

func (fakeResult) LastInsertId() (int64, error) { return 0, nil }
func (fakeResult) RowsAffected() (int64, error) { return 0, nil }

type fakeConn struct {
	execs      []string
	committed  bool
	rolledBack bool
}

func (c *fakeConn) ExecContext(_ context.Context, query string, _ ...any) (sql.Result, error) {
	c.execs = append(c.execs, query)
	return fakeResult{}, nil
}

func (c *fakeConn) QueryContext(context.Context, string, ...any) (*sql.Rows, error) {
	return nil, common.NewInternalServerError("unexpected query", nil)
}

func (c *fakeConn) Commit() error   { c.committed = true; return nil }
func (c *fakeConn) Rollback() error { c.rolledBack = true; return nil }

type executorFunc func(ctx context.Context, conn dao.Connection, op *operation.Operation) (any, error)

func (f executorFunc) Execute(ctx context.Context, conn dao.Connection, op *operation.Operation) (any, error) {
	return f(ctx, conn, op)
}

func batchOperation(doc map[string]any) *operation.Operation {
	op := operation.New(operation.BatchEntity, operation.ActionBatch)
	op.StoreParams = doc
	return op
}

func record(t *testing.T, result *Result, id string) map[string]any {
	t.Helper()
	entry, ok := result.Results[id].(map[string]any)
	require.True(t, ok, "no record for operation %q", id)
	return entry
}

func TestParseRequestAssignsZeroBasedPositionalIDs(t *testing.T) {
	t.Parallel()
	request, err := ParseRequest(batchOperation(map[string]any{
		"operations": []any{
			map[string]any{"entity": "artist", "action": "create"},
			map[string]any{"id": "named", "entity": "album", "action": "create"},
			map[string]any{"entity": "track", "action": "create"},
		},
	}))
	require.NoError(t, err)
	require.True(t, request.Atomic)
	require.Equal(t, "op_0", request.Operations[0].ID)
	require.Equal(t, "named", request.Operations[1].ID)
	require.Equal(t, "op_2", request.Operations[2].ID)
}

func TestParseRequestReadsSettingsFromOptionsObject(t *testing.T) {
	t.Parallel()
	request, err := ParseRequest(batchOperation(map[string]any{
		"options": map[string]any{"atomic": false, "continue_on_error": true},
		"operations": []any{
			map[string]any{"entity": "artist", "action": "create"},
		},
	}))
	require.NoError(t, err)
	require.False(t, request.Atomic)
	require.True(t, request.ContinueOnError)
}

func TestParseRequestAcceptsAtomicWithContinueOnError(t *testing.T) {
	t.Parallel()
	request, err := ParseRequest(batchOperation(map[string]any{
		"options": map[string]any{"continue_on_error": true},
		"operations": []any{
			map[string]any{"entity": "artist", "action": "create"},
		},
	}))
	require.NoError(t, err)
	require.True(t, request.Atomic)
	require.True(t, request.ContinueOnError)
}

func TestParseRequestRejectsDuplicateIDs(t *testing.T) {
	t.Parallel()
	_, err := ParseRequest(batchOperation(map[string]any{
		"operations": []any{
			map[string]any{"id": "a", "entity": "artist", "action": "create"},
			map[string]any{"id": "a", "entity": "album", "action": "create"},
		},
	}))
	require.True(t, common.IsErrBadRequest(err))
}

func TestParseRequestRejectsUnknownDependency(t *testing.T) {
	t.Parallel()
	_, err := ParseRequest(batchOperation(map[string]any{
		"operations": []any{
			map[string]any{"id": "a", "entity": "artist", "action": "create", "depends_on": []any{"ghost"}},
		},
	}))
	require.True(t, common.IsErrBadRequest(err))
}

func TestParseRequestRejectsOversizedBatch(t *testing.T) {
	t.Parallel()
	operations := make([]any, MaxOperations+1)
	for i := range operations {
		operations[i] = map[string]any{"entity": "artist", "action": "create"}
	}
	_, err := ParseRequest(batchOperation(map[string]any{"operations": operations}))
	require.True(t, common.IsErrBadRequest(err))
}

func TestResolveParamsExactTokenPreservesType(t *testing.T) {
	t.Parallel()
	results := map[string]any{
		"create_artist": map[string]any{"artist_id": int64(7), "name": "Aerosmith"},
	}
	resolved, err := resolveParams(map[string]any{
		"artist_id": "$ref:create_artist.artist_id",
		"note":      "artist $ref:create_artist.artist_id created",
	}, results)
	require.NoError(t, err)
	require.Equal(t, int64(7), resolved["artist_id"])
	require.Equal(t, "artist 7 created", resolved["note"])
}

func TestResolveParamsAddressesSingleRowResultWithoutIndex(t *testing.T) {
	t.Parallel()
	results := map[string]any{
		"find": []map[string]any{{"album_id": int64(5)}},
	}
	resolved, err := resolveParams(map[string]any{"album_id": "$ref:find.album_id"}, results)
	require.NoError(t, err)
	require.Equal(t, int64(5), resolved["album_id"])
}

func TestResolveParamsMissingKeyNamesAvailableKeys(t *testing.T) {
	t.Parallel()
	results := map[string]any{
		"create_artist": map[string]any{"artist_id": int64(7), "name": "Aerosmith"},
	}
	_, err := resolveParams(map[string]any{"x": "$ref:create_artist.ghost"}, results)
	require.True(t, common.IsErrBadRequest(err))
	require.Contains(t, err.Error(), "artist_id")
	require.Contains(t, err.Error(), "name")
}

func TestExecutionOrderFollowsReferences(t *testing.T) {
	t.Parallel()
	request, err := ParseRequest(batchOperation(map[string]any{
		"operations": []any{
			map[string]any{
				"id": "album", "entity": "album", "action": "create",
				"store_params": map[string]any{"artist_id": "$ref:artist.artist_id"},
			},
			map[string]any{"id": "artist", "entity": "artist", "action": "create"},
		},
	}))
	require.NoError(t, err)

	ordered, err := executionOrder(request)
	require.NoError(t, err)
	require.Equal(t, "artist", ordered[0].ID)
	require.Equal(t, "album", ordered[1].ID)
}

func TestExecutionOrderReportsCycle(t *testing.T) {
	t.Parallel()
	request, err := ParseRequest(batchOperation(map[string]any{
		"operations": []any{
			map[string]any{"id": "a", "entity": "artist", "action": "create", "depends_on": []any{"b"}},
			map[string]any{"id": "b", "entity": "album", "action": "create", "depends_on": []any{"a"}},
		},
	}))
	require.NoError(t, err)

	_, err = executionOrder(request)
	require.True(t, common.IsErrBadRequest(err))
	require.Contains(t, err.Error(), "a")
	require.Contains(t, err.Error(), "b")
}

func TestExecuteAtomicBatchCommitsAndChainsResults(t *testing.T) {
	t.Parallel()
	conn := &fakeConn{}
	var receivedArtistID any
	executor := executorFunc(func(_ context.Context, _ dao.Connection, op *operation.Operation) (any, error) {
		switch op.Entity {
		case "artist":
			return map[string]any{"artist_id": int64(7)}, nil
		case "album":
			receivedArtistID = op.StoreParams["artist_id"]
			return map[string]any{"album_id": int64(1)}, nil
		}
		return nil, common.NewErrBadRequest("unexpected entity %q", op.Entity)
	})

	orchestrator := NewOrchestrator(executor, zap.NewNop())
	result, err := orchestrator.Execute(context.Background(), conn, batchOperation(map[string]any{
		"operations": []any{
			map[string]any{"id": "create_artist", "entity": "artist", "action": "create"},
			map[string]any{
				"id": "create_album", "entity": "album", "action": "create",
				"store_params": map[string]any{"artist_id": "$ref:create_artist.artist_id"},
			},
		},
	}))
	require.NoError(t, err)

	batchResult := result.(*Result)
	require.True(t, batchResult.Success)
	require.Len(t, batchResult.Results, 2)
	require.Equal(t, int64(7), receivedArtistID)
	require.True(t, conn.committed)
	require.False(t, conn.rolledBack)

	artist := record(t, batchResult, "create_artist")
	require.Equal(t, StatusCompleted, artist["status"])
	require.Equal(t, map[string]any{"artist_id": int64(7)}, artist["data"])
}

func TestExecuteAtomicRollbackKeepsCompletedRecordsAndOmitsUnexecuted(t *testing.T) {
	t.Parallel()
	conn := &fakeConn{}
	executor := executorFunc(func(_ context.Context, _ dao.Connection, op *operation.Operation) (any, error) {
		if op.Entity == "album" {
			return nil, common.NewErrConflict("duplicate title")
		}
		return map[string]any{"artist_id": int64(7)}, nil
	})

	orchestrator := NewOrchestrator(executor, zap.NewNop())
	result, err := orchestrator.Execute(context.Background(), conn, batchOperation(map[string]any{
		"operations": []any{
			map[string]any{"id": "create_artist", "entity": "artist", "action": "create"},
			map[string]any{"id": "create_album", "entity": "album", "action": "create"},
			map[string]any{"id": "create_track", "entity": "track", "action": "create"},
		},
	}))
	require.NoError(t, err)

	batchResult := result.(*Result)
	require.False(t, batchResult.Success)
	require.True(t, conn.rolledBack)
	require.False(t, conn.committed)

	// The rolled-back creation stays visible with its completed status, the
	// failure carries its code, and the never-executed operation is absent.
	require.Len(t, batchResult.Results, 2)
	require.Equal(t, StatusCompleted, record(t, batchResult, "create_artist")["status"])
	failed := record(t, batchResult, "create_album")
	require.Equal(t, StatusFailed, failed["status"])
	require.Equal(t, http.StatusConflict, failed["status_code"])
	require.NotContains(t, batchResult.Results, "create_track")
	require.Equal(t, []string{"create_album"}, batchResult.FailedOperations)
}

func TestExecuteAtomicContinueOnErrorRunsAllThenRollsBack(t *testing.T) {
	t.Parallel()
	conn := &fakeConn{}
	executor := executorFunc(func(_ context.Context, _ dao.Connection, op *operation.Operation) (any, error) {
		if op.Entity == "album" {
			return nil, common.NewErrConflict("duplicate title")
		}
		return map[string]any{"done": true}, nil
	})

	orchestrator := NewOrchestrator(executor, zap.NewNop())
	result, err := orchestrator.Execute(context.Background(), conn, batchOperation(map[string]any{
		"options": map[string]any{"continue_on_error": true},
		"operations": []any{
			map[string]any{"id": "a", "entity": "artist", "action": "create"},
			map[string]any{"id": "b", "entity": "album", "action": "create"},
			map[string]any{"id": "c", "entity": "track", "action": "create"},
		},
	}))
	require.NoError(t, err)

	batchResult := result.(*Result)
	require.False(t, batchResult.Success)
	require.Len(t, batchResult.Results, 3)
	require.Equal(t, StatusCompleted, record(t, batchResult, "a")["status"])
	require.Equal(t, StatusFailed, record(t, batchResult, "b")["status"])
	require.Equal(t, StatusCompleted, record(t, batchResult, "c")["status"])
	require.Equal(t, []string{"b"}, batchResult.FailedOperations)

	// Every operation ran, then the whole batch rolled back.
	require.Contains(t, conn.execs, "ROLLBACK TO SAVEPOINT batch_op_1")
	require.Contains(t, conn.execs, "RELEASE SAVEPOINT batch_op_2")
	require.True(t, conn.rolledBack)
	require.False(t, conn.committed)
}

func TestExecuteNonAtomicContinuesPastFailures(t *testing.T) {
	t.Parallel()
	conn := &fakeConn{}
	executor := executorFunc(func(_ context.Context, _ dao.Connection, op *operation.Operation) (any, error) {
		if op.Entity == "album" {
			return nil, common.NewErrConflict("duplicate title")
		}
		return map[string]any{"done": true}, nil
	})

	orchestrator := NewOrchestrator(executor, zap.NewNop())
	result, err := orchestrator.Execute(context.Background(), conn, batchOperation(map[string]any{
		"options": map[string]any{"atomic": false},
		"operations": []any{
			map[string]any{"id": "a", "entity": "artist", "action": "create"},
			map[string]any{"id": "b", "entity": "album", "action": "create"},
			map[string]any{"id": "c", "entity": "track", "action": "create"},
		},
	}))
	require.NoError(t, err)

	batchResult := result.(*Result)
	require.False(t, batchResult.Success)
	require.Len(t, batchResult.Results, 3)
	require.Equal(t, StatusCompleted, record(t, batchResult, "c")["status"])
	require.Equal(t, []string{"b"}, batchResult.FailedOperations)
	require.True(t, conn.committed)

	// Each operation brackets in a savepoint; the failed one rolls back to
	// its savepoint instead of aborting the transaction.
	require.Contains(t, conn.execs, "SAVEPOINT batch_op_0")
	require.Contains(t, conn.execs, "ROLLBACK TO SAVEPOINT batch_op_1")
	require.Contains(t, conn.execs, "RELEASE SAVEPOINT batch_op_2")
}

func TestExecuteSkipsDependentsOfFailedOperations(t *testing.T) {
	t.Parallel()
	conn := &fakeConn{}
	executor := executorFunc(func(_ context.Context, _ dao.Connection, op *operation.Operation) (any, error) {
		if op.Entity == "artist" {
			return nil, common.NewErrConflict("duplicate name")
		}
		return map[string]any{"done": true}, nil
	})

	orchestrator := NewOrchestrator(executor, zap.NewNop())
	result, err := orchestrator.Execute(context.Background(), conn, batchOperation(map[string]any{
		"options": map[string]any{"atomic": false},
		"operations": []any{
			map[string]any{"id": "artist", "entity": "artist", "action": "create"},
			map[string]any{
				"id": "album", "entity": "album", "action": "create",
				"store_params": map[string]any{"artist_id": "$ref:artist.artist_id"},
			},
			map[string]any{"id": "genre", "entity": "genre", "action": "create"},
		},
	}))
	require.NoError(t, err)

	batchResult := result.(*Result)
	require.False(t, batchResult.Success)
	require.Len(t, batchResult.Results, 3)
	require.Equal(t, StatusFailed, record(t, batchResult, "artist")["status"])
	skipped := record(t, batchResult, "album")
	require.Equal(t, StatusSkipped, skipped["status"])
	require.Contains(t, skipped["reason"], "artist")
	require.Equal(t, StatusCompleted, record(t, batchResult, "genre")["status"])
	require.Equal(t, []string{"artist"}, batchResult.FailedOperations)
}

func TestExecuteEnforcesScopesOnContainedOperations(t *testing.T) {
	t.Parallel()
	conn := &fakeConn{}
	executor := executorFunc(func(_ context.Context, _ dao.Connection, op *operation.Operation) (any, error) {
		return map[string]any{"done": true}, nil
	})

	orchestrator := NewOrchestrator(executor, zap.NewNop())
	orchestrator.SetScopeEnforcer(func(op *operation.Operation) error {
		if op.Entity == "album" {
			return common.NewErrForbidden("scope does not permit write on album")
		}
		return nil
	})

	result, err := orchestrator.Execute(context.Background(), conn, batchOperation(map[string]any{
		"options": map[string]any{"atomic": false},
		"operations": []any{
			map[string]any{"id": "artist", "entity": "artist", "action": "create"},
			map[string]any{"id": "album", "entity": "album", "action": "create"},
		},
	}))
	require.NoError(t, err)

	batchResult := result.(*Result)
	require.False(t, batchResult.Success)
	require.Equal(t, StatusCompleted, record(t, batchResult, "artist")["status"])
	denied := record(t, batchResult, "album")
	require.Equal(t, StatusFailed, denied["status"])
	require.Equal(t, http.StatusForbidden, denied["status_code"])
	require.Equal(t, []string{"album"}, batchResult.FailedOperations)
}
