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

// Package common provides configuration management, database initialization,
// error types, and HTTP endpoint utilities for the query gateway. It includes
// support for YAML configuration files, environment variable overrides, CORS
// setup, health endpoints, and relational database connections with
// connection pooling.
package common

import (
	"encoding/json"
	"fmt"
	"log"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/spf13/viper"
)

// Config represents the complete configuration structure for the gateway.
// It combines server settings, database configuration, CORS policy,
// OIDC authentication, and gateway behavior settings.
type Config struct {
	Server     ServerConfig   `mapstructure:"server" json:"server"`
	Database   DatabaseConfig `mapstructure:"database" json:"database"`
	CorsConfig CorsConfig     `mapstructure:"cors" json:"cors"`
	OIDC       OIDCConfig     `mapstructure:"oidc" json:"oidc"`
	Gateway    GatewayConfig  `mapstructure:"gateway" json:"gateway"`
	Log        LogConfig      `mapstructure:"log" json:"log"`
}

// ServerConfig contains HTTP server configuration parameters.
type ServerConfig struct {
	Port        int    `mapstructure:"port" json:"port"`               // HTTP server port (default: 5080)
	ContextPath string `mapstructure:"contextPath" json:"contextPath"` // Base path for all endpoints
}

// DatabaseConfig contains relational database connection parameters.
// When SecretName is set, credentials are resolved from the secret store
// and take precedence over the inline values.
type DatabaseConfig struct {
	Engine                 string `mapstructure:"engine" json:"engine"`         // postgresql | mysql | oracle
	Schema                 string `mapstructure:"schema" json:"schema"`         // Optional schema qualifier for table names
	SecretName             string `mapstructure:"secretName" json:"secretName"` // Credential locator in the secret store
	Host                   string `mapstructure:"host" json:"host"`
	Port                   int    `mapstructure:"port" json:"port"`
	User                   string `mapstructure:"user" json:"user"`
	Password               string `mapstructure:"password" json:"password"`
	DBName                 string `mapstructure:"dbname" json:"dbname"`
	MaxOpenConnections     int    `mapstructure:"maxOpenConnections" json:"maxOpenConnections"`
	MaxIdleConnections     int    `mapstructure:"maxIdleConnections" json:"maxIdleConnections"`
	ConnMaxLifetimeMinutes int    `mapstructure:"connMaxLifetimeMinutes" json:"connMaxLifetimeMinutes"`
}

// CorsConfig contains Cross-Origin Resource Sharing (CORS) policy settings.
type CorsConfig struct {
	AllowedOrigins   []string `mapstructure:"allowedOrigins" json:"allowedOrigins"`
	AllowedMethods   []string `mapstructure:"allowedMethods" json:"allowedMethods"`
	AllowedHeaders   []string `mapstructure:"allowedHeaders" json:"allowedHeaders"`
	AllowCredentials bool     `mapstructure:"allowCredentials" json:"allowCredentials"`
}

// OIDCConfig contains the token validation settings consumed by the
// security middleware. The core request pipeline never reads these.
type OIDCConfig struct {
	JWKSHost         string   `mapstructure:"jwksHost" json:"jwksHost"`
	Issuer           string   `mapstructure:"issuer" json:"issuer"`
	AllowedAudiences []string `mapstructure:"allowedAudiences" json:"allowedAudiences"`
	Algorithms       []string `mapstructure:"algorithms" json:"algorithms"`
	AnonymousRole    string   `mapstructure:"anonymousRole" json:"anonymousRole"`
}

// GatewayConfig contains behavior settings for the request pipeline.
type GatewayConfig struct {
	SpecPath        string `mapstructure:"specPath" json:"specPath"`               // Path to the declarative API document
	DefaultPageSize int    `mapstructure:"defaultPageSize" json:"defaultPageSize"` // LIMIT applied when none is requested
	ScopeCheck      bool   `mapstructure:"scopeCheck" json:"scopeCheck"`           // Enable path-based scope validation in addition to permission tables
}

// LogConfig contains logging settings.
type LogConfig struct {
	Level string `mapstructure:"level" json:"level"` // debug | info | warn | error
}

// LoadConfig loads the configuration from YAML files and environment variables.
//
// The function supports multiple configuration sources with the following precedence:
// 1. Environment variables (highest priority)
// 2. Configuration file (if provided)
// 3. Default values (lowest priority)
//
// Environment variables use underscore notation (e.g. DATABASE_ENGINE for
// database.engine). The deployment variables DB_ENGINE, DB_SCHEMA,
// DB_SECRET_NAME, JWKS_HOST, JWT_ISSUER, JWT_ALLOWED_AUDIENCES,
// JWT_ALGORITHMS, LOG_LEVEL and DEFAULT_PAGE_SIZE are aliased onto their
// configuration keys so existing deployments keep working unchanged.
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if configPath != "" {
		log.Printf("📁 Loading config from file: %s", configPath)
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else {
		log.Println("📁 No config file provided — loading from environment variables only")
	}

	// Override config with environment variables
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	bindDeploymentAliases(v)

	cfg := new(Config)
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	log.Println("✅ Configuration loaded successfully")
	PrintConfiguration(cfg)
	return cfg, nil
}

// bindDeploymentAliases maps the short environment variable names used in
// deployment templates onto their dotted configuration keys.
func bindDeploymentAliases(v *viper.Viper) {
	aliases := map[string]string{
		"database.engine":         "DB_ENGINE",
		"database.schema":         "DB_SCHEMA",
		"database.secretName":     "DB_SECRET_NAME",
		"oidc.jwksHost":           "JWKS_HOST",
		"oidc.issuer":             "JWT_ISSUER",
		"oidc.allowedAudiences":   "JWT_ALLOWED_AUDIENCES",
		"oidc.algorithms":         "JWT_ALGORITHMS",
		"oidc.anonymousRole":      "ANONYMOUS_ROLE",
		"log.level":               "LOG_LEVEL",
		"gateway.defaultPageSize": "DEFAULT_PAGE_SIZE",
		"gateway.specPath":        "API_SPEC_PATH",
	}
	for key, env := range aliases {
		_ = v.BindEnv(key, env)
	}
}

// setDefaults configures sensible default values for all configuration
// options. The defaults allow the gateway to run against a local PostgreSQL
// in development; production deployments override them through configuration
// files or environment variables.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.port", 5080)
	v.SetDefault("server.contextPath", "")

	// Database defaults
	v.SetDefault("database.engine", "postgresql")
	v.SetDefault("database.schema", "")
	v.SetDefault("database.secretName", "")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "gateway")
	v.SetDefault("database.password", "gateway")
	v.SetDefault("database.dbname", "gatewayTestDB")
	v.SetDefault("database.maxOpenConnections", 50)
	v.SetDefault("database.maxIdleConnections", 50)
	v.SetDefault("database.connMaxLifetimeMinutes", 5)

	// CORS defaults
	v.SetDefault("cors.allowedOrigins", []string{"*"})
	v.SetDefault("cors.allowedMethods", []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"})
	v.SetDefault("cors.allowedHeaders", []string{"*"})
	v.SetDefault("cors.allowCredentials", true)

	v.SetDefault("oidc.jwksHost", "")
	v.SetDefault("oidc.issuer", "")
	v.SetDefault("oidc.allowedAudiences", []string{})
	v.SetDefault("oidc.algorithms", []string{"RS256"})
	v.SetDefault("oidc.anonymousRole", "")

	v.SetDefault("gateway.specPath", "config/api_spec.yaml")
	v.SetDefault("gateway.defaultPageSize", 100)
	v.SetDefault("gateway.scopeCheck", false)

	v.SetDefault("log.level", "info")
}

// PrintConfiguration prints the current configuration to the console with
// sensitive data redacted. Database credentials are masked to prevent
// accidental exposure in logs.
func PrintConfiguration(cfg *Config) {
	cfgCopy := *cfg

	if cfg.Database.Host != "" {
		cfgCopy.Database.Host = "****"
		cfgCopy.Database.User = "****"
		cfgCopy.Database.Password = "****"
	}

	configJSON, err := json.MarshalIndent(cfgCopy, "", "  ")
	if err != nil {
		log.Printf("Unable to marshal configuration to JSON: %v", err)
		return
	}

	log.Printf("📜 Loaded configuration:\n%s", string(configJSON))
}

// AddCors configures Cross-Origin Resource Sharing (CORS) middleware for the
// router based on the provided configuration.
func AddCors(r *chi.Mux, config *Config) {
	c := cors.New(cors.Options{
		AllowedOrigins:   config.CorsConfig.AllowedOrigins,
		AllowedMethods:   config.CorsConfig.AllowedMethods,
		AllowedHeaders:   config.CorsConfig.AllowedHeaders,
		AllowCredentials: config.CorsConfig.AllowCredentials,
	})
	r.Use(c.Handler)
}
