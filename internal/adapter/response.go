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
	"errors"
	"net/http"

	"github.com/aws/aws-lambda-go/events"

	"github.com/openfoundry/query-gateway-go/internal/batch"
	"github.com/openfoundry/query-gateway-go/internal/common"
	"github.com/openfoundry/query-gateway-go/internal/operation"
)

var jsonHeaders = map[string]string{"Content-Type": "application/json"}

// Marshal wraps a pipeline result in a proxy response. Keys convert to
// lowerCamelCase at this boundary; every successful operation answers 200.
func Marshal(_ *operation.Operation, result any) (events.APIGatewayProxyResponse, error) {
	body, err := json.Marshal(responsePayload(result))
	if err != nil {
		return MarshalError(common.NewInternalServerError("encode response", err)), nil
	}
	return events.APIGatewayProxyResponse{
		StatusCode: http.StatusOK,
		Headers:    jsonHeaders,
		Body:       string(body),
	}, nil
}

// MarshalError maps an error onto the response envelope. The message of an
// ApplicationError is client-safe; anything else reports a generic 500.
func MarshalError(err error) events.APIGatewayProxyResponse {
	status := common.StatusOf(err)
	message := "internal server error"
	if appErr, ok := asApplicationError(err); ok {
		message = appErr.Message
	}
	body, _ := json.Marshal(map[string]any{"error": message})
	return events.APIGatewayProxyResponse{
		StatusCode: status,
		Headers:    jsonHeaders,
		Body:       string(body),
	}
}

// responsePayload applies the casing boundary. Batch results need care:
// operation ids are caller-chosen tokens and pass through unchanged, only
// the record keys inside each result convert.
func responsePayload(result any) any {
	batchResult, ok := result.(*batch.Result)
	if !ok {
		return common.CamelKeys(result)
	}
	results := make(map[string]any, len(batchResult.Results))
	for id, value := range batchResult.Results {
		results[id] = common.CamelKeys(value)
	}
	return map[string]any{
		"success":          batchResult.Success,
		"results":          results,
		"failedOperations": batchResult.FailedOperations,
	}
}

func asApplicationError(err error) (*common.ApplicationError, bool) {
	var appErr *common.ApplicationError
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}
