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

package common

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
)

// databaseSecret is the credential document stored under DB_SECRET_NAME.
// The field names follow the RDS-managed secret convention.
type databaseSecret struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	DBName   string `json:"dbname"`
	Engine   string `json:"engine"`
}

// ResolveDatabaseSecret fetches database credentials from the secret store
// and applies them onto the database configuration. When no secret name is
// configured the inline configuration values are kept as-is.
//
// This is a startup-only call; the request pipeline never touches the
// secret store.
func ResolveDatabaseSecret(ctx context.Context, cfg *DatabaseConfig) error {
	if cfg.SecretName == "" {
		return nil
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return fmt.Errorf("load aws config: %w", err)
	}
	client := secretsmanager.NewFromConfig(awsCfg)

	out, err := client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: &cfg.SecretName,
	})
	if err != nil {
		return fmt.Errorf("fetch secret %q: %w", cfg.SecretName, err)
	}
	if out.SecretString == nil {
		return fmt.Errorf("secret %q has no string payload", cfg.SecretName)
	}

	var secret databaseSecret
	if err := json.Unmarshal([]byte(*out.SecretString), &secret); err != nil {
		return fmt.Errorf("parse secret %q: %w", cfg.SecretName, err)
	}

	cfg.User = secret.Username
	cfg.Password = secret.Password
	if secret.Host != "" {
		cfg.Host = secret.Host
	}
	if secret.Port != 0 {
		cfg.Port = secret.Port
	}
	if secret.DBName != "" {
		cfg.DBName = secret.DBName
	}
	if secret.Engine != "" {
		cfg.Engine = secret.Engine
	}

	log.Printf("🔑 Database credentials resolved from secret %q", cfg.SecretName)
	return nil
}
