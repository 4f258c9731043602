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
	"io"
	"net/http"

	"github.com/aws/aws-lambda-go/events"
	"go.uber.org/zap"

	"github.com/openfoundry/query-gateway-go/internal/adapter"
	"github.com/openfoundry/query-gateway-go/internal/common/security"
)

// Gateway is the event-level entry point shared by the Lambda handler and
// the HTTP server: proxy event in, proxy response out.
type Gateway struct {
	adapter    *adapter.RequestAdapter
	service    *TransactionalService
	scopeCheck bool
	logger     *zap.Logger
}

// NewGateway wires the gateway.
func NewGateway(requestAdapter *adapter.RequestAdapter, transactional *TransactionalService, scopeCheck bool, logger *zap.Logger) *Gateway {
	return &Gateway{
		adapter:    requestAdapter,
		service:    transactional,
		scopeCheck: scopeCheck,
		logger:     logger,
	}
}

// Handle runs one proxy event through the pipeline. Errors always map to
// the response envelope; this function never returns an error because the
// envelope is the error channel.
func (g *Gateway) Handle(ctx context.Context, event events.APIGatewayProxyRequest) events.APIGatewayProxyResponse {
	op, err := g.adapter.Unmarshal(event)
	if err != nil {
		return adapter.MarshalError(err)
	}
	if g.scopeCheck {
		if err := adapter.EnforceScopes(op); err != nil {
			return adapter.MarshalError(err)
		}
	}

	result, err := g.service.Execute(ctx, op)
	if err != nil {
		return adapter.MarshalError(err)
	}

	response, err := adapter.Marshal(op, result)
	if err != nil {
		g.logger.Error("marshal response", zap.Error(err))
		return adapter.MarshalError(err)
	}
	return response
}

// ServeHTTP bridges the HTTP server onto the same event pipeline the
// Lambda entry point uses. Verified claims come from the request context,
// where the OIDC middleware put them.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "unreadable request body", http.StatusBadRequest)
		return
	}

	query := map[string]string{}
	for key, values := range r.URL.Query() {
		if len(values) > 0 {
			query[key] = values[0]
		}
	}

	event := events.APIGatewayProxyRequest{
		HTTPMethod:            r.Method,
		Path:                  r.URL.Path,
		QueryStringParameters: query,
		Body:                  string(body),
	}
	if claims := security.FromContext(r.Context()); claims != nil {
		event.RequestContext.Authorizer = map[string]any{"claims": map[string]any(claims)}
	}

	response := g.Handle(r.Context(), event)

	for key, value := range response.Headers {
		w.Header().Set(key, value)
	}
	w.WriteHeader(response.StatusCode)
	_, _ = w.Write([]byte(response.Body))
}
