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

package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	httpSwagger "github.com/swaggo/http-swagger"
	"gopkg.in/yaml.v3"

	"github.com/openfoundry/query-gateway-go/internal/adapter"
	"github.com/openfoundry/query-gateway-go/internal/apimodel"
	"github.com/openfoundry/query-gateway-go/internal/batch"
	"github.com/openfoundry/query-gateway-go/internal/common"
	"github.com/openfoundry/query-gateway-go/internal/common/security"
	"github.com/openfoundry/query-gateway-go/internal/dao"
	"github.com/openfoundry/query-gateway-go/internal/permissions"
	"github.com/openfoundry/query-gateway-go/internal/service"
)

func runServer(ctx context.Context, configPath string) error {
	log.Default().Println("Loading Query Gateway Service...")
	log.Default().Println("Config Path:", configPath)

	config, err := common.LoadConfig(configPath)
	if err != nil {
		return err
	}

	logger, err := common.NewLogger(config.Log.Level)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	if err := common.ResolveDatabaseSecret(ctx, &config.Database); err != nil {
		return err
	}

	db, err := common.InitializeDatabase(&config.Database)
	if err != nil {
		return fmt.Errorf("initialize database connection: %w", err)
	}
	defer func() { _ = db.Close() }()

	registry := apimodel.NewRegistry()
	if err := registry.LoadFile(config.Gateway.SpecPath); err != nil {
		return fmt.Errorf("load api document %q: %w", config.Gateway.SpecPath, err)
	}
	log.Printf("📄 API document loaded from %s", config.Gateway.SpecPath)

	dialect, err := dao.DialectFor(config.Database.Engine)
	if err != nil {
		return err
	}

	operationDAO := dao.NewOperationDAO(registry, permissions.NewResolver(), dialect,
		config.Database.Schema, config.Gateway.DefaultPageSize, logger)
	orchestrator := batch.NewOrchestrator(operationDAO, logger)
	if config.Gateway.ScopeCheck {
		orchestrator.SetScopeEnforcer(adapter.EnforceScopes)
	}
	operationDAO.SetBatchExecutor(orchestrator)

	gateway := service.NewGateway(
		adapter.NewRequestAdapter(registry, config.Server.ContextPath),
		service.NewTransactionalService(db, operationDAO, logger),
		config.Gateway.ScopeCheck,
		logger,
	)

	r := chi.NewRouter()
	common.AddCors(r, config)
	common.AddHealthEndpoint(r, config)
	addSwaggerEndpoints(r, config)

	r.Group(func(r chi.Router) {
		if config.OIDC.Issuer != "" || config.OIDC.JWKSHost != "" {
			verifier, err := security.NewOIDC(ctx, &config.OIDC)
			if err != nil {
				log.Fatalf("Failed to initialize OIDC verifier: %v", err)
			}
			r.Use(verifier.Middleware)
		}
		registerGatewayRoutes(r, registry.Snapshot(), config.Server.ContextPath, gateway)
	})

	// SIGHUP swaps in a freshly parsed API document; in-flight requests keep
	// the snapshot they started with.
	reload := make(chan os.Signal, 1)
	signal.Notify(reload, syscall.SIGHUP)
	go func() {
		for range reload {
			if err := registry.LoadFile(config.Gateway.SpecPath); err != nil {
				log.Printf("❌ API document reload failed: %v", err)
				continue
			}
			log.Printf("🔄 API document reloaded from %s", config.Gateway.SpecPath)
		}
	}()

	addr := fmt.Sprintf("0.0.0.0:%d", config.Server.Port)
	server := &http.Server{Addr: addr, Handler: r}
	log.Printf("▶️  Query Gateway listening on %s\n", addr)
	go func() {
		if err := server.ListenAndServe(); err != http.ErrServerClosed {
			log.Printf("Server error: %v", err)
		}
	}()

	<-ctx.Done()
	log.Println("Shutting down server...")
	return server.Shutdown(context.Background())
}

// registerGatewayRoutes mounts one route set per entity in the loaded
// document, plus the path operations and the batch endpoint. A document
// reload swaps semantics for existing routes in place; entities added to the
// document need a restart to gain routes.
func registerGatewayRoutes(r chi.Router, snapshot *apimodel.API, contextPath string, gateway *service.Gateway) {
	base := common.NormalizeBasePath(contextPath)
	if base == "/" {
		base = ""
	}

	for name := range snapshot.SchemaObjects {
		path := base + "/" + name
		r.MethodFunc(http.MethodGet, path, gateway.ServeHTTP)
		r.MethodFunc(http.MethodPost, path, gateway.ServeHTTP)
		r.MethodFunc(http.MethodGet, path+"/{id}", gateway.ServeHTTP)
		r.MethodFunc(http.MethodPut, path+"/{id}", gateway.ServeHTTP)
		r.MethodFunc(http.MethodPatch, path+"/{id}", gateway.ServeHTTP)
		r.MethodFunc(http.MethodPut, path, gateway.ServeHTTP)
		r.MethodFunc(http.MethodPatch, path, gateway.ServeHTTP)
		r.MethodFunc(http.MethodDelete, path, gateway.ServeHTTP)
		r.MethodFunc(http.MethodDelete, path+"/{id}", gateway.ServeHTTP)
	}
	for name := range snapshot.PathOperations {
		r.MethodFunc(http.MethodGet, base+"/"+name, gateway.ServeHTTP)
	}
	r.MethodFunc(http.MethodPost, base+"/batch", gateway.ServeHTTP)
}

// addSwaggerEndpoints serves the declarative API document as JSON and mounts
// the swagger UI pointed at it.
func addSwaggerEndpoints(r *chi.Mux, config *common.Config) {
	base := common.NormalizeBasePath(config.Server.ContextPath)
	if base == "/" {
		base = ""
	}
	docPath := base + "/api/docs.json"

	r.Get(docPath, func(w http.ResponseWriter, _ *http.Request) {
		raw, err := os.ReadFile(config.Gateway.SpecPath)
		if err != nil {
			http.Error(w, "api document unavailable", http.StatusInternalServerError)
			return
		}
		var doc map[string]any
		if err := yaml.Unmarshal(raw, &doc); err != nil {
			http.Error(w, "api document unreadable", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(doc)
	})

	r.Get(base+"/swagger/*", httpSwagger.Handler(httpSwagger.URL(docPath)))
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	configPath := ""
	flag.StringVar(&configPath, "config", "", "Path to config file")
	flag.Parse()

	if err := runServer(ctx, configPath); err != nil {
		log.Fatalf("Server error: %v", err)
	}
}
