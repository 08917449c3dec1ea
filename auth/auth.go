// Copyright 2022-2023 The fleetcast Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package auth verifies the bearer tokens presented to the live stream.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/alwitt/fleetcast/common"
	"github.com/apex/log"
	"github.com/golang-jwt/jwt/v5"
	"github.com/juju/clock"
)

// ErrUnauthorized request carries no acceptable credential
var ErrUnauthorized = errors.New("unauthorized")

// queryTokenParams query parameters accepted as a token carrier, in lookup order.
// Browser EventSource clients can not set headers.
var queryTokenParams = []string{"token", "access_token", "auth"}

// Claims token claims
type Claims struct {
	jwt.RegisteredClaims
	// Permissions permission slugs granted to the caller
	Permissions []string `json:"permissions,omitempty"`
}

// Grants whether the claims grant at least one of the permissions. No permissions
// means any caller qualifies.
func (c Claims) Grants(permissions []string) bool {
	if len(permissions) == 0 {
		return true
	}
	for _, want := range permissions {
		for _, have := range c.Permissions {
			if want == have {
				return true
			}
		}
	}
	return false
}

// NormalizeQueryToken copy a token passed as a query parameter into the
// Authorization header. An existing "Bearer " prefix is kept.
func NormalizeQueryToken(r *http.Request) {
	query := r.URL.Query()
	for _, param := range queryTokenParams {
		token := query.Get(param)
		if token == "" {
			continue
		}
		if !strings.HasPrefix(token, "Bearer ") {
			token = "Bearer " + token
		}
		r.Header.Set("Authorization", token)
		return
	}
}

// BearerToken read the bearer token from the Authorization header
func BearerToken(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", fmt.Errorf("%w: no Authorization header", ErrUnauthorized)
	}
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
		return "", fmt.Errorf("%w: malformed Authorization header", ErrUnauthorized)
	}
	return strings.TrimSpace(token), nil
}

// Authenticator verifies the caller of a request
type Authenticator interface {
	// Authenticate verify the request credential. Failures wrap ErrUnauthorized.
	Authenticate(r *http.Request) (*Claims, error)
}

// JWTAuthenticator verifies HS256 signed bearer tokens
type JWTAuthenticator struct {
	common.Component
	secret   []byte
	required []string
	parser   *jwt.Parser
}

// GetJWTAuthenticator define a new JWTAuthenticator
func GetJWTAuthenticator(
	cfg common.AuthConfig, clk clock.Clock, instance string,
) (*JWTAuthenticator, error) {
	if cfg.Secret == "" {
		return nil, fmt.Errorf("token verification requires a secret")
	}
	if clk == nil {
		clk = clock.WallClock
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(clk.Now),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	logTags := log.Fields{
		"module": "auth", "component": "jwt", "instance": instance,
	}
	return &JWTAuthenticator{
		Component: common.Component{LogTags: logTags},
		secret:    []byte(cfg.Secret),
		required:  cfg.RequiredPermissions,
		parser:    jwt.NewParser(opts...),
	}, nil
}

// Authenticate verify the request bearer token
func (a *JWTAuthenticator) Authenticate(r *http.Request) (*Claims, error) {
	raw, err := BearerToken(r)
	if err != nil {
		return nil, err
	}
	claims := &Claims{}
	_, err = a.parser.ParseWithClaims(raw, claims, func(*jwt.Token) (interface{}, error) {
		return a.secret, nil
	})
	if err != nil {
		log.WithError(err).WithFields(a.LogTags).Debug("Rejected token")
		return nil, fmt.Errorf("%w: %s", ErrUnauthorized, err.Error())
	}
	if !claims.Grants(a.required) {
		err := fmt.Errorf(
			"%w: subject %s lacks permission %v", ErrUnauthorized, claims.Subject, a.required,
		)
		log.WithError(err).WithFields(a.LogTags).Debug("Rejected token")
		return nil, err
	}
	return claims, nil
}

type claimsKey struct{}

// WithClaims attach verified claims to a context
func WithClaims(ctxt context.Context, claims *Claims) context.Context {
	return context.WithValue(ctxt, claimsKey{}, claims)
}

// ClaimsFromContext read the verified claims attached to a context
func ClaimsFromContext(ctxt context.Context) (*Claims, bool) {
	claims, ok := ctxt.Value(claimsKey{}).(*Claims)
	return claims, ok && claims != nil
}
