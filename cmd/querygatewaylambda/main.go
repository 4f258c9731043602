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

// Lambda entry point for the query gateway. The handler shares the whole
// request pipeline with the HTTP server; only the transport differs. Claims
// arrive pre-verified through the API Gateway authorizer, so no OIDC
// middleware runs here.
package main

import (
	"context"
	"log"
	"os"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"

	"github.com/openfoundry/query-gateway-go/internal/adapter"
	"github.com/openfoundry/query-gateway-go/internal/apimodel"
	"github.com/openfoundry/query-gateway-go/internal/batch"
	"github.com/openfoundry/query-gateway-go/internal/common"
	"github.com/openfoundry/query-gateway-go/internal/dao"
	"github.com/openfoundry/query-gateway-go/internal/permissions"
	"github.com/openfoundry/query-gateway-go/internal/service"
)

// initGateway builds the pipeline once per execution environment. Lambda
// reuses the environment between invocations, so the connection pool and the
// parsed API document survive across requests.
func initGateway(ctx context.Context) (*service.Gateway, error) {
	config, err := common.LoadConfig(os.Getenv("CONFIG_PATH"))
	if err != nil {
		return nil, err
	}

	logger, err := common.NewLogger(config.Log.Level)
	if err != nil {
		return nil, err
	}

	if err := common.ResolveDatabaseSecret(ctx, &config.Database); err != nil {
		return nil, err
	}

	db, err := common.InitializeDatabase(&config.Database)
	if err != nil {
		return nil, err
	}

	registry := apimodel.NewRegistry()
	if err := registry.LoadFile(config.Gateway.SpecPath); err != nil {
		return nil, err
	}

	dialect, err := dao.DialectFor(config.Database.Engine)
	if err != nil {
		return nil, err
	}

	operationDAO := dao.NewOperationDAO(registry, permissions.NewResolver(), dialect,
		config.Database.Schema, config.Gateway.DefaultPageSize, logger)
	orchestrator := batch.NewOrchestrator(operationDAO, logger)
	if config.Gateway.ScopeCheck {
		orchestrator.SetScopeEnforcer(adapter.EnforceScopes)
	}
	operationDAO.SetBatchExecutor(orchestrator)

	return service.NewGateway(
		adapter.NewRequestAdapter(registry, config.Server.ContextPath),
		service.NewTransactionalService(db, operationDAO, logger),
		config.Gateway.ScopeCheck,
		logger,
	), nil
}

func main() {
	gateway, err := initGateway(context.Background())
	if err != nil {
		log.Fatalf("Failed to initialize gateway: %v", err)
	}

	lambda.Start(func(ctx context.Context, event events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
		return gateway.Handle(ctx, event), nil
	})
}
