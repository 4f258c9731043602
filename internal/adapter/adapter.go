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

// Package adapter translates between the API Gateway proxy event shape and
// the internal operation form. Field names cross the boundary here:
// lowerCamelCase outside, snake_case inside.
package adapter

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/aws/aws-lambda-go/events"
	"github.com/stoewer/go-strcase"

	"github.com/openfoundry/query-gateway-go/internal/apimodel"
	"github.com/openfoundry/query-gateway-go/internal/common"
	"github.com/openfoundry/query-gateway-go/internal/operation"
)

var methodActions = map[string]string{
	"GET":    operation.ActionRead,
	"POST":   operation.ActionCreate,
	"PUT":    operation.ActionUpdate,
	"PATCH":  operation.ActionUpdate,
	"DELETE": operation.ActionDelete,
}

// RequestAdapter turns proxy events into operations. It consults the
// registry to distinguish entities from pre-declared path operations and to
// bind a trailing path segment to the entity's primary key.
type RequestAdapter struct {
	registry *apimodel.Registry
	basePath string
}

// NewRequestAdapter returns an adapter stripping basePath from event paths.
func NewRequestAdapter(registry *apimodel.Registry, basePath string) *RequestAdapter {
	return &RequestAdapter{registry: registry, basePath: common.NormalizeBasePath(basePath)}
}

// Unmarshal reduces a proxy event to an operation.
//
// The first path segment names the entity or path operation. One extra
// segment binds to the entity's primary key. Query parameters prefixed with
// "__" become metadata parameters; the rest become query parameters. For
// create and update the JSON body becomes the store parameters. POST /batch
// is reserved for the batch orchestrator and carries the parsed document in
// its store parameters.
func (a *RequestAdapter) Unmarshal(event events.APIGatewayProxyRequest) (*operation.Operation, error) {
	action, ok := methodActions[strings.ToUpper(event.HTTPMethod)]
	if !ok {
		return nil, common.NewErrBadRequest("unsupported method %q", event.HTTPMethod)
	}

	segments := a.pathSegments(event.Path)
	if len(segments) == 0 {
		return nil, common.NewErrBadRequest("request path names no entity")
	}
	entity := strcase.SnakeCase(segments[0])

	if entity == operation.BatchEntity {
		return a.unmarshalBatch(event, action)
	}

	op := operation.New(entity, action)
	op.Claims = claimsFromAuthorizer(event.RequestContext.Authorizer)

	snapshot := a.registry.Snapshot()
	if snapshot == nil {
		return nil, common.NewSpecError("api model is not loaded")
	}
	if _, isPathOp := snapshot.PathOperations[entity]; isPathOp {
		op.Action = operation.ActionCustom
		op.CustomOperation = entity
	}

	for key, value := range event.QueryStringParameters {
		if strings.HasPrefix(key, "__") {
			op.MetadataParams[key] = value
			continue
		}
		op.QueryParams[strcase.SnakeCase(key)] = value
	}
	for key, value := range event.PathParameters {
		op.QueryParams[strcase.SnakeCase(key)] = value
	}

	// A bare trailing segment addresses one record by primary key.
	if len(segments) > 1 && op.Action != operation.ActionCustom {
		if len(segments) > 2 {
			return nil, common.NewErrBadRequest("unexpected path %q", event.Path)
		}
		schemaObject, ok := snapshot.SchemaObjects[entity]
		if !ok {
			return nil, common.NewErrBadRequest("unknown entity %q", entity)
		}
		op.QueryParams[schemaObject.PrimaryKey] = segments[1]
	}

	switch op.Action {
	case operation.ActionCreate, operation.ActionUpdate:
		storeParams, err := decodeBody(event)
		if err != nil {
			return nil, err
		}
		op.StoreParams = storeParams
	case operation.ActionCustom:
		// Path operation inputs may arrive in the body as well.
		if strings.TrimSpace(event.Body) != "" {
			inputs, err := decodeBody(event)
			if err != nil {
				return nil, err
			}
			for key, value := range inputs {
				op.QueryParams[key] = value
			}
		}
	}

	return op, nil
}

func (a *RequestAdapter) unmarshalBatch(event events.APIGatewayProxyRequest, action string) (*operation.Operation, error) {
	if action != operation.ActionCreate {
		return nil, common.NewErrBadRequest("batch requests must be POSTed")
	}
	document, err := decodeBody(event)
	if err != nil {
		return nil, err
	}
	op := operation.New(operation.BatchEntity, operation.ActionBatch)
	op.Claims = claimsFromAuthorizer(event.RequestContext.Authorizer)
	op.StoreParams = document
	return op, nil
}

func (a *RequestAdapter) pathSegments(path string) []string {
	path = strings.TrimPrefix(path, a.basePath)
	var segments []string
	for _, segment := range strings.Split(path, "/") {
		if segment != "" {
			segments = append(segments, segment)
		}
	}
	return segments
}

func decodeBody(event events.APIGatewayProxyRequest) (map[string]any, error) {
	raw := event.Body
	if event.IsBase64Encoded {
		decoded, err := base64.StdEncoding.DecodeString(raw)
		if err != nil {
			return nil, common.NewErrBadRequest("request body is not valid base64")
		}
		raw = string(decoded)
	}
	if strings.TrimSpace(raw) == "" {
		return map[string]any{}, nil
	}
	var parsed any
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		return nil, common.NewErrBadRequest("request body is not valid JSON")
	}
	object, ok := common.SnakeKeys(parsed).(map[string]any)
	if !ok {
		return nil, common.NewErrBadRequest("request body must be a JSON object")
	}
	return object, nil
}

// claimsFromAuthorizer lifts the verified claims the authorizer attached to
// the request context. Both the flattened Cognito form and a nested
// "claims" object are understood.
func claimsFromAuthorizer(authorizer map[string]any) *operation.Claims {
	claims := &operation.Claims{Custom: map[string]any{}}
	if authorizer == nil {
		return claims
	}

	raw := authorizer
	if nested, ok := authorizer["claims"].(map[string]any); ok {
		raw = nested
	}
	claims.Custom = raw

	if sub, ok := raw["sub"].(string); ok {
		claims.Subject = sub
	}
	claims.Roles = stringList(firstPresent(raw, "roles", "cognito:groups"))
	claims.Permissions = stringList(raw["permissions"])

	switch scope := firstPresent(raw, "scope", "scopes").(type) {
	case string:
		claims.Scopes = strings.Fields(scope)
	default:
		claims.Scopes = stringList(scope)
	}
	return claims
}

func firstPresent(m map[string]any, keys ...string) any {
	for _, key := range keys {
		if v, ok := m[key]; ok {
			return v
		}
	}
	return nil
}

// stringList accepts the forms claim lists arrive in: a JSON array, a
// comma-separated string, or a single value.
func stringList(v any) []string {
	switch value := v.(type) {
	case nil:
		return nil
	case []string:
		return value
	case []any:
		out := make([]string, 0, len(value))
		for _, item := range value {
			out = append(out, fmt.Sprintf("%v", item))
		}
		return out
	case string:
		if value == "" {
			return nil
		}
		parts := strings.Split(value, ",")
		out := make([]string, 0, len(parts))
		for _, part := range parts {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				out = append(out, trimmed)
			}
		}
		return out
	default:
		return []string{fmt.Sprintf("%v", value)}
	}
}
