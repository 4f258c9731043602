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

package adapter

import (
	"encoding/json"
	"net/http"
	"testing"

	"github.com/aws/aws-lambda-go/events"
	"github.com/stretchr/testify/require"

	"github.com/openfoundry/query-gateway-go/internal/apimodel"
	"github.com/openfoundry/query-gateway-go/internal/batch"
	"github.com/openfoundry/query-gateway-go/internal/common"
	"github.com/openfoundry/query-gateway-go/internal/operation"
)

func testRegistry(t *testing.T) *apimodel.Registry {
	t.Helper()
	registry := apimodel.NewRegistry()
	err := registry.Load(map[string]any{
		"schema_objects": map[string]any{
			"album": map[string]any{
				"database":    "chinook",
				"primary-key": "album_id",
				"properties": map[string]any{
					"album_id": map[string]any{"type": "integer"},
					"title":    map[string]any{"type": "string"},
				},
			},
		},
		"path_operations": map[string]any{
			"top_selling_albums": map[string]any{
				"sql": "SELECT album_id FROM album ORDER BY sales DESC LIMIT :limit",
				"inputs": map[string]any{
					"limit": map[string]any{"type": "integer"},
				},
			},
		},
	})
	require.NoError(t, err)
	return registry
}

func TestUnmarshalReadWithQueryAndMetadataParameters(t *testing.T) {
	t.Parallel()
	a := NewRequestAdapter(testRegistry(t), "")

	op, err := a.Unmarshal(events.APIGatewayProxyRequest{
		HTTPMethod: http.MethodGet,
		Path:       "/album",
		QueryStringParameters: map[string]string{
			"title":        "like::Big*",
			"__properties": "album_id title",
			"__limit":      "25",
		},
	})
	require.NoError(t, err)

	require.Equal(t, "album", op.Entity)
	require.Equal(t, operation.ActionRead, op.Action)
	require.Equal(t, map[string]any{"title": "like::Big*"}, op.QueryParams)
	require.Equal(t, "album_id title", op.MetadataParams[operation.MetaProperties])
	require.Equal(t, "25", op.MetadataParams[operation.MetaLimit])
}

func TestUnmarshalBindsTrailingSegmentToPrimaryKey(t *testing.T) {
	t.Parallel()
	a := NewRequestAdapter(testRegistry(t), "")

	op, err := a.Unmarshal(events.APIGatewayProxyRequest{
		HTTPMethod: http.MethodGet,
		Path:       "/album/5",
	})
	require.NoError(t, err)
	require.Equal(t, map[string]any{"album_id": "5"}, op.QueryParams)
}

func TestUnmarshalCreateConvertsBodyKeysToSnakeCase(t *testing.T) {
	t.Parallel()
	a := NewRequestAdapter(testRegistry(t), "")

	op, err := a.Unmarshal(events.APIGatewayProxyRequest{
		HTTPMethod: http.MethodPost,
		Path:       "/album",
		Body:       `{"title": "Big Ones", "artistId": 3}`,
	})
	require.NoError(t, err)

	require.Equal(t, operation.ActionCreate, op.Action)
	require.Equal(t, "Big Ones", op.StoreParams["title"])
	require.Equal(t, float64(3), op.StoreParams["artist_id"])
}

func TestUnmarshalRejectsNonObjectBody(t *testing.T) {
	t.Parallel()
	a := NewRequestAdapter(testRegistry(t), "")

	_, err := a.Unmarshal(events.APIGatewayProxyRequest{
		HTTPMethod: http.MethodPost,
		Path:       "/album",
		Body:       `[1, 2, 3]`,
	})
	require.True(t, common.IsErrBadRequest(err))
}

func TestUnmarshalRoutesPathOperationToCustomAction(t *testing.T) {
	t.Parallel()
	a := NewRequestAdapter(testRegistry(t), "")

	op, err := a.Unmarshal(events.APIGatewayProxyRequest{
		HTTPMethod:            http.MethodGet,
		Path:                  "/top_selling_albums",
		QueryStringParameters: map[string]string{"limit": "10"},
	})
	require.NoError(t, err)

	require.Equal(t, operation.ActionCustom, op.Action)
	require.Equal(t, "top_selling_albums", op.CustomOperation)
	require.Equal(t, "10", op.QueryParams["limit"])
}

func TestUnmarshalBatchCarriesParsedDocument(t *testing.T) {
	t.Parallel()
	a := NewRequestAdapter(testRegistry(t), "")

	op, err := a.Unmarshal(events.APIGatewayProxyRequest{
		HTTPMethod: http.MethodPost,
		Path:       "/batch",
		Body:       `{"options": {"continueOnError": true}, "operations": [{"id": "new_album", "entity": "album", "action": "create"}]}`,
	})
	require.NoError(t, err)

	require.Equal(t, operation.BatchEntity, op.Entity)
	require.Equal(t, operation.ActionBatch, op.Action)
	options, ok := op.StoreParams["options"].(map[string]any)
	require.True(t, ok)
	require.Equal(t, true, options["continue_on_error"])
	operations, ok := op.StoreParams["operations"].([]any)
	require.True(t, ok)
	require.Len(t, operations, 1)
}

func TestUnmarshalBatchRejectsNonPost(t *testing.T) {
	t.Parallel()
	a := NewRequestAdapter(testRegistry(t), "")

	_, err := a.Unmarshal(events.APIGatewayProxyRequest{
		HTTPMethod: http.MethodGet,
		Path:       "/batch",
	})
	require.True(t, common.IsErrBadRequest(err))
}

func TestUnmarshalStripsBasePath(t *testing.T) {
	t.Parallel()
	a := NewRequestAdapter(testRegistry(t), "/api/v1")

	op, err := a.Unmarshal(events.APIGatewayProxyRequest{
		HTTPMethod: http.MethodGet,
		Path:       "/api/v1/album/7",
	})
	require.NoError(t, err)
	require.Equal(t, "album", op.Entity)
	require.Equal(t, "7", op.QueryParams["album_id"])
}

func TestUnmarshalExtractsClaimsFromAuthorizer(t *testing.T) {
	t.Parallel()
	a := NewRequestAdapter(testRegistry(t), "")

	op, err := a.Unmarshal(events.APIGatewayProxyRequest{
		HTTPMethod: http.MethodGet,
		Path:       "/album",
		RequestContext: events.APIGatewayProxyRequestContext{
			Authorizer: map[string]any{
				"claims": map[string]any{
					"sub":   "user-42",
					"roles": "sales_reader, auditor",
					"scope": "read:album write:album",
				},
			},
		},
	})
	require.NoError(t, err)

	require.Equal(t, "user-42", op.Claims.Subject)
	require.Equal(t, []string{"sales_reader", "auditor"}, op.Claims.Roles)
	require.Equal(t, []string{"read:album", "write:album"}, op.Claims.Scopes)
}

func TestMarshalConvertsKeysToCamelCase(t *testing.T) {
	t.Parallel()
	op := operation.New("album", operation.ActionRead)

	response, err := Marshal(op, []map[string]any{{"album_id": 5, "artist_id": 3}})
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, response.StatusCode)

	var body []map[string]any
	require.NoError(t, json.Unmarshal([]byte(response.Body), &body))
	require.Equal(t, float64(5), body[0]["albumId"])
	require.Equal(t, float64(3), body[0]["artistId"])
}

func TestMarshalBatchResultKeepsOperationIDs(t *testing.T) {
	t.Parallel()
	op := operation.New(operation.BatchEntity, operation.ActionBatch)

	response, err := Marshal(op, &batch.Result{
		Success: false,
		Results: map[string]any{
			"create_artist": map[string]any{
				"status": batch.StatusCompleted,
				"data":   map[string]any{"artist_id": 7, "artist_name": "Aerosmith"},
			},
			"create_album": map[string]any{
				"status":      batch.StatusFailed,
				"error":       "duplicate title",
				"status_code": 409,
			},
		},
		FailedOperations: []string{"create_album"},
	})
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, response.StatusCode)

	var body map[string]any
	require.NoError(t, json.Unmarshal([]byte(response.Body), &body))
	require.Equal(t, false, body["success"])
	require.Equal(t, []any{"create_album"}, body["failedOperations"])

	results := body["results"].(map[string]any)
	completed := results["create_artist"].(map[string]any)
	require.Equal(t, "completed", completed["status"])
	data := completed["data"].(map[string]any)
	require.Equal(t, float64(7), data["artistId"])
	require.Equal(t, "Aerosmith", data["artistName"])

	failed := results["create_album"].(map[string]any)
	require.Equal(t, "failed", failed["status"])
	require.Equal(t, float64(409), failed["statusCode"])
}

func TestMarshalCreateAnswers200(t *testing.T) {
	t.Parallel()
	op := operation.New("album", operation.ActionCreate)
	response, err := Marshal(op, map[string]any{"album_id": 9})
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, response.StatusCode)
}

func TestMarshalErrorReportsApplicationErrorStatusAndMessage(t *testing.T) {
	t.Parallel()
	response := MarshalError(common.NewErrForbidden("no permitted properties"))
	require.Equal(t, http.StatusForbidden, response.StatusCode)

	var body map[string]any
	require.NoError(t, json.Unmarshal([]byte(response.Body), &body))
	require.Equal(t, "no permitted properties", body["error"])
}

func TestMarshalErrorHidesInternalDetail(t *testing.T) {
	t.Parallel()
	var notAPointer any
	response := MarshalError(json.Unmarshal(nil, notAPointer))
	require.Equal(t, http.StatusInternalServerError, response.StatusCode)
	require.Contains(t, response.Body, "internal server error")
}

func TestEnforceScopes(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		scopes  []string
		action  string
		entity  string
		allowed bool
	}{
		{"exact grant", []string{"read:album"}, operation.ActionRead, "album", true},
		{"write covers read", []string{"write:album"}, operation.ActionRead, "album", true},
		{"read does not cover write", []string{"read:album"}, operation.ActionUpdate, "album", false},
		{"entity wildcard", []string{"read:*"}, operation.ActionRead, "album", true},
		{"global wildcard", []string{"*"}, operation.ActionDelete, "album", true},
		{"dotted form", []string{"album.write"}, operation.ActionCreate, "album", true},
		{"dotted entity wildcard", []string{"album.*"}, operation.ActionDelete, "album", true},
		{"other entity", []string{"read:artist"}, operation.ActionRead, "album", false},
		{"no scopes", nil, operation.ActionRead, "album", false},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			op := operation.New(tc.entity, tc.action)
			op.Claims = &operation.Claims{Scopes: tc.scopes}
			err := EnforceScopes(op)
			if tc.allowed {
				require.NoError(t, err)
			} else {
				require.True(t, common.IsErrForbidden(err))
			}
		})
	}
}
