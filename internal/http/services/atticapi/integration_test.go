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

package atticapi

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"github.com/cs3org/atticd/pkg/atticmodel"
)

func digestOf(data []byte) (string, int64) {
	sum := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(sum[:]), int64(len(data))
}

// minimalNar stands in for a minimal Nix Archive encoding a single
// regular file. This engine never parses NAR internals — it treats the
// uploaded body as an opaque, hash-addressed byte stream (spec.md
// §4.1) — so any fixed byte string exercises the upload and read paths
// identically to a real NAR.
var minimalNar = []byte("NAR(1.0){type:regular,contents:hello world}")

func newTestService(t *testing.T, jwtSecret string) *svc {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	conf := map[string]interface{}{
		"database_driver":           "sqlite3",
		"database_dsn":              dsn,
		"storage_backend":           "local",
		"storage_local_root":        t.TempDir(),
		"jwt_secret":                jwtSecret,
		"chunking_threshold_bytes":  int64(1 << 20),
		"default_retention_seconds": int64(0),
	}
	s, err := New(conf)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s.(*svc)
}

func createCache(t *testing.T, s *svc, name string, isPublic bool) {
	t.Helper()
	_, err := s.store.CreateCache(context.Background(), atticmodel.Cache{
		Name:     name,
		IsPublic: isPublic,
	})
	require.NoError(t, err)
}

func signToken(t *testing.T, secret string, caches map[string]interface{}) string {
	t.Helper()
	claims := jwt.MapClaims{
		"exp":    time.Now().Add(time.Hour).Unix(),
		"caches": caches,
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := tok.SignedString([]byte(secret))
	require.NoError(t, err)
	return signed
}

func doUpload(t *testing.T, srv *httptest.Server, preamble map[string]interface{}, body []byte, bearer string) *http.Response {
	t.Helper()
	raw, err := json.Marshal(preamble)
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodPut, srv.URL+"/_api/v1/upload-path", bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("X-Attic-Nar-Info", string(raw))
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

// TestScenarioUnchunkedPublicUploadAndNarInfo covers spec.md §8 scenario
// 1: a public cache accepts an unchunked upload from a push-scoped token
// and its narinfo is readable back out anonymously.
func TestScenarioUnchunkedPublicUploadAndNarInfo(t *testing.T) {
	s := newTestService(t, "test-secret")
	createCache(t, s, "public-cache", true)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	token := signToken(t, "test-secret", map[string]interface{}{
		"public-cache": map[string]interface{}{"push": true},
	})
	narHash, narSize := digestOf(minimalNar)
	resp := doUpload(t, srv, map[string]interface{}{
		"cache":           "public-cache",
		"store_path_hash": "00000000000000000000000000000000",
		"store_path":      "/nix/store/00000000000000000000000000000000-test",
		"nar_hash":        narHash,
		"nar_size":        narSize,
		"references":      []string{},
		"sigs":             []string{},
	}, minimalNar, token)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var result map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))
	resp.Body.Close()
	require.Equal(t, "Uploaded", result["kind"])

	infoResp, err := http.Get(srv.URL + "/public-cache/00000000000000000000000000000000.narinfo")
	require.NoError(t, err)
	defer infoResp.Body.Close()
	require.Equal(t, http.StatusOK, infoResp.StatusCode)
	var info map[string]interface{}
	require.NoError(t, json.NewDecoder(infoResp.Body).Decode(&info))
	require.Equal(t, "/nix/store/00000000000000000000000000000000-test", info["StorePath"])
}

// TestScenarioDedupAcrossStorePaths covers spec.md §8 scenario 2: the
// same NAR bytes uploaded under a second store-path hash deduplicate.
func TestScenarioDedupAcrossStorePaths(t *testing.T) {
	s := newTestService(t, "test-secret")
	createCache(t, s, "public-cache", true)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	token := signToken(t, "test-secret", map[string]interface{}{
		"public-cache": map[string]interface{}{"push": true},
	})
	narHash, narSize := digestOf(minimalNar)
	first := doUpload(t, srv, map[string]interface{}{
		"cache":           "public-cache",
		"store_path_hash": "00000000000000000000000000000000",
		"store_path":      "/nix/store/00000000000000000000000000000000-test",
		"nar_hash":        narHash,
		"nar_size":        narSize,
		"references":      []string{},
		"sigs":             []string{},
	}, minimalNar, token)
	require.Equal(t, http.StatusOK, first.StatusCode)
	first.Body.Close()

	second := doUpload(t, srv, map[string]interface{}{
		"cache":           "public-cache",
		"store_path_hash": "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa",
		"store_path":      "/nix/store/aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa-test",
		"nar_hash":        narHash,
		"nar_size":        narSize,
		"references":      []string{},
		"sigs":             []string{},
	}, minimalNar, token)
	require.Equal(t, http.StatusOK, second.StatusCode)
	var result map[string]interface{}
	require.NoError(t, json.NewDecoder(second.Body).Decode(&result))
	second.Body.Close()
	require.Equal(t, "Deduplicated", result["kind"])
}

// TestScenarioBadHashRejected covers spec.md §8 scenario 3.
func TestScenarioBadHashRejected(t *testing.T) {
	s := newTestService(t, "test-secret")
	createCache(t, s, "public-cache", true)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	token := signToken(t, "test-secret", map[string]interface{}{
		"public-cache": map[string]interface{}{"push": true},
	})
	_, narSize := digestOf(minimalNar)
	resp := doUpload(t, srv, map[string]interface{}{
		"cache":           "public-cache",
		"store_path_hash": "00000000000000000000000000000000",
		"store_path":      "/nix/store/00000000000000000000000000000000-test",
		"nar_hash":        "sha256:" + strings.Repeat("00", 32),
		"nar_size":        narSize,
		"references":      []string{},
		"sigs":             []string{},
	}, minimalNar, token)
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

// TestScenarioSizeMismatchRejected covers spec.md §8 scenario 4.
func TestScenarioSizeMismatchRejected(t *testing.T) {
	s := newTestService(t, "test-secret")
	createCache(t, s, "public-cache", true)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	token := signToken(t, "test-secret", map[string]interface{}{
		"public-cache": map[string]interface{}{"push": true},
	})
	narHash, narSize := digestOf(minimalNar)
	resp := doUpload(t, srv, map[string]interface{}{
		"cache":           "public-cache",
		"store_path_hash": "00000000000000000000000000000000",
		"store_path":      "/nix/store/00000000000000000000000000000000-test",
		"nar_hash":        narHash,
		"nar_size":        narSize + 100,
		"references":      []string{},
		"sigs":             []string{},
	}, minimalNar, token)
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

// TestScenarioUnauthorizedProbingReturns401 covers spec.md §8 scenario
// 5: a token scoped to a different cache gets 401, not 404, against a
// private cache it cannot even discover.
func TestScenarioUnauthorizedProbingReturns401(t *testing.T) {
	secret := "test-secret"
	s := newTestService(t, secret)
	createCache(t, s, "private-cache", false)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	token := signToken(t, secret, map[string]interface{}{
		"other-cache": map[string]interface{}{"pull": true, "push": true},
	})

	narHash, narSize := digestOf(minimalNar)
	resp := doUpload(t, srv, map[string]interface{}{
		"cache":           "private-cache",
		"store_path_hash": "00000000000000000000000000000000",
		"store_path":      "/nix/store/00000000000000000000000000000000-test",
		"nar_hash":        narHash,
		"nar_size":        narSize,
		"references":      []string{},
		"sigs":             []string{},
	}, minimalNar, token)
	defer resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}
