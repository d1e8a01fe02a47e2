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

package atticauth_test

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cs3org/atticd/pkg/atticauth"
)

func signToken(t *testing.T, secret []byte, caches map[string]interface{}) string {
	t.Helper()
	claims := jwt.MapClaims{
		"exp":    time.Now().Add(time.Hour).Unix(),
		"caches": caches,
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	s, err := tok.SignedString(secret)
	require.NoError(t, err)
	return s
}

func TestAuthorizeExactAndWildcard(t *testing.T) {
	secret := []byte("test-secret")
	a := atticauth.New(secret)

	token := signToken(t, secret, map[string]interface{}{
		"team-*": map[string]interface{}{"pull": true, "push": true},
	})

	req := httptest.NewRequest(http.MethodPut, "/_api/v1/upload-path", nil)
	req.Header.Set("Authorization", "Bearer "+token)

	perms, err := a.Authorize(req, "team-frontend", false)
	require.NoError(t, err)
	assert.True(t, perms.CanPull)
	assert.True(t, perms.CanPush)
	assert.True(t, perms.CanDiscover)

	perms, err = a.Authorize(req, "other-cache", false)
	require.NoError(t, err)
	assert.False(t, perms.CanDiscover, "token scoped to team-* must not discover other-cache")
}

func TestAuthorizeAnonymousPublicCache(t *testing.T) {
	a := atticauth.New([]byte("secret"))
	req := httptest.NewRequest(http.MethodGet, "/public-cache/x.narinfo", nil)

	perms, err := a.Authorize(req, "public-cache", true)
	require.NoError(t, err)
	assert.True(t, perms.CanPull)
	assert.False(t, perms.CanPush)
}

func TestAuthorizeNoTokenPrivateCache(t *testing.T) {
	a := atticauth.New([]byte("secret"))
	req := httptest.NewRequest(http.MethodGet, "/private-cache/x.narinfo", nil)

	perms, err := a.Authorize(req, "private-cache", false)
	require.NoError(t, err)
	assert.False(t, perms.CanDiscover)
	assert.False(t, perms.CanPull)
}
