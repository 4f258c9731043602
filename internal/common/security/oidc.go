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

// Package security verifies bearer tokens against the configured OIDC
// provider and attaches the verified claims to the request context. The
// request pipeline never parses tokens itself; it only consumes claims.
package security

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strings"

	"github.com/coreos/go-oidc/v3/oidc"

	"github.com/openfoundry/query-gateway-go/internal/common"
)

// Claims is the raw verified claim set of a request.
type Claims map[string]any

type ctxKey string

const claimsKey ctxKey = "jwtClaims"

// OIDC verifies bearer tokens. When an anonymous role is configured,
// requests without a token pass through carrying that single role; without
// one they are rejected.
type OIDC struct {
	verifier      *oidc.IDTokenVerifier
	anonymousRole string
}

// NewOIDC discovers the issuer and builds the token verifier. Audience
// checking is skipped when no audiences are configured.
func NewOIDC(ctx context.Context, cfg *common.OIDCConfig) (*OIDC, error) {
	log.Printf("🔑 Initializing OIDC verifier...")
	issuer := cfg.Issuer
	if issuer == "" {
		issuer = cfg.JWKSHost
	}
	provider, err := oidc.NewProvider(ctx, issuer)
	if err != nil {
		return nil, err
	}

	oidcConfig := &oidc.Config{SupportedSigningAlgs: cfg.Algorithms}
	if len(cfg.AllowedAudiences) > 0 {
		oidcConfig.ClientID = cfg.AllowedAudiences[0]
	} else {
		oidcConfig.SkipClientIDCheck = true
	}

	log.Printf("✅ OIDC verifier created. Issuer=%s", issuer)
	return &OIDC{
		verifier:      provider.Verifier(oidcConfig),
		anonymousRole: cfg.AnonymousRole,
	}, nil
}

// FromContext returns the verified claims of the request, or nil.
func FromContext(ctx context.Context) Claims {
	if v := ctx.Value(claimsKey); v != nil {
		if c, ok := v.(Claims); ok {
			return c
		}
	}
	return nil
}

// WithClaims returns a context carrying the claim set. Used by the
// middleware and by tests that bypass token verification.
func WithClaims(ctx context.Context, claims Claims) context.Context {
	return context.WithValue(ctx, claimsKey, claims)
}

// Middleware verifies the Authorization header and stores the claims on
// the request context.
func (o *OIDC) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authz := r.Header.Get("Authorization")
		if !strings.HasPrefix(authz, "Bearer ") {
			if o.anonymousRole != "" {
				ctx := WithClaims(r.Context(), Claims{"roles": []any{o.anonymousRole}})
				next.ServeHTTP(w, r.WithContext(ctx))
				return
			}
			writeAuthError(w, http.StatusUnauthorized, "missing or invalid Authorization header")
			return
		}
		raw := strings.TrimPrefix(authz, "Bearer ")

		idToken, err := o.verifier.Verify(r.Context(), raw)
		if err != nil {
			log.Printf("❌ Token verification failed: %v", err)
			writeAuthError(w, http.StatusUnauthorized, "invalid token")
			return
		}

		var claims Claims
		if err := idToken.Claims(&claims); err != nil {
			log.Printf("❌ Failed to parse claims: %v", err)
			writeAuthError(w, http.StatusUnauthorized, "invalid claims")
			return
		}

		next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), claims)))
	})
}

func writeAuthError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
