// Copyright 2024 The atticd Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package atticauth is the token collaborator (spec.md §6): given a
// request's Authorization header and a target cache name, it returns the
// permission record the caller holds on that cache. Token *format* is
// intentionally out of this engine's invariant surface, but a concrete
// decoding is still required to run the server at all — grounded on the
// donor's golang-jwt/jwt/v5 usage and its bearer-token extraction
// strategy (internal/http/interceptors/auth/token/strategy/bearer).
package atticauth

import (
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// Permissions is the record returned for a (token, cache) pair.
type Permissions struct {
	CanPull          bool
	CanPush          bool
	CanConfigureCache bool
	CanDestroyCache  bool
	// CanDiscover controls whether a missing cache surfaces as 401
	// (discovery denied: the caller cannot learn whether the cache
	// exists) or 404 (discovery allowed, cache not found) — spec.md
	// §7, "host discovery controls whether 401 vs 404 is returned".
	CanDiscover bool
}

// claims is the JWT payload this engine recognizes: one entry per cache
// name pattern the token grants access to.
type claims struct {
	jwt.RegisteredClaims
	Caches map[string]cachePermission `json:"caches"`
}

type cachePermission struct {
	Pull          bool `json:"pull"`
	Push          bool `json:"push"`
	ConfigureCache bool `json:"configure-cache"`
	DestroyCache  bool `json:"destroy-cache"`
}

// TokenStrategy extracts the bearer token string from an incoming
// request. Grounded on the donor's bearer/header extraction strategies;
// only the bearer form is wired since it is the one spec.md §6 names.
type TokenStrategy interface {
	GetToken(r *http.Request) string
}

// BearerStrategy extracts a token from "Authorization: Bearer <token>",
// falling back to an "token" query parameter — identical in shape to the
// donor's bearer.go.
type BearerStrategy struct{}

func (BearerStrategy) GetToken(r *http.Request) string {
	hdr := r.Header.Get("Authorization")
	if hdr != "" {
		return strings.TrimPrefix(hdr, "Bearer ")
	}
	return r.URL.Query().Get("token")
}

// Authenticator decodes bearer tokens signed with a single shared HMAC
// secret and aggregates permissions for a target cache name, applying
// exact-match and suffix-"*"-wildcard pattern matching (spec.md §6:
// "Patterns in tokens support exact match and suffix-* wildcards").
type Authenticator struct {
	Strategy TokenStrategy
	Secret   []byte
	// AllowAnonymousPublic, when true, grants CanPull+CanDiscover with no
	// token at all; the caller is expected to gate this on the target
	// cache's IsPublic flag.
	AllowAnonymousPublic bool
}

func New(secret []byte) *Authenticator {
	return &Authenticator{Strategy: BearerStrategy{}, Secret: secret, AllowAnonymousPublic: true}
}

// Authorize returns the permission record the request holds on
// cacheName. A missing or invalid token yields the zero-value
// Permissions (no discovery, no pull, no push) unless AllowAnonymousPublic
// applies to a public cache, which callers signal via isPublicCache.
func (a *Authenticator) Authorize(r *http.Request, cacheName string, isPublicCache bool) (Permissions, error) {
	raw := a.Strategy.GetToken(r)
	if raw == "" {
		if a.AllowAnonymousPublic && isPublicCache {
			return Permissions{CanPull: true, CanDiscover: true}, nil
		}
		return Permissions{}, nil
	}

	var c claims
	_, err := jwt.ParseWithClaims(raw, &c, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrTokenSignatureInvalid
		}
		return a.Secret, nil
	})
	if err != nil {
		if isPublicCache && a.AllowAnonymousPublic {
			return Permissions{CanPull: true, CanDiscover: true}, nil
		}
		return Permissions{}, nil
	}

	perms := Permissions{}
	if isPublicCache {
		perms.CanPull = true
		perms.CanDiscover = true
	}
	for pattern, grant := range c.Caches {
		if !matchesPattern(pattern, cacheName) {
			continue
		}
		perms.CanDiscover = true
		perms.CanPull = perms.CanPull || grant.Pull
		perms.CanPush = perms.CanPush || grant.Push
		perms.CanConfigureCache = perms.CanConfigureCache || grant.ConfigureCache
		perms.CanDestroyCache = perms.CanDestroyCache || grant.DestroyCache
	}
	return perms, nil
}

// matchesPattern implements exact match and suffix-* wildcards: a
// pattern ending in "*" matches any cache name sharing its prefix.
func matchesPattern(pattern, cacheName string) bool {
	if strings.HasSuffix(pattern, "*") {
		return strings.HasPrefix(cacheName, strings.TrimSuffix(pattern, "*"))
	}
	return pattern == cacheName
}
