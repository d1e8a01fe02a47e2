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

package atticupload_test

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cs3org/atticd/pkg/atticmodel"
	"github.com/cs3org/atticd/pkg/atticstorage"
	"github.com/cs3org/atticd/pkg/atticstore"
	"github.com/cs3org/atticd/pkg/atticupload"
)

func newTestCoordinator(t *testing.T) (*atticupload.Coordinator, *atticstore.Store) {
	t.Helper()
	store, err := atticstore.Open(atticstore.DriverSQLite, "file::memory:?cache=shared")
	require.NoError(t, err)
	require.NoError(t, store.Migrate(context.Background()))
	t.Cleanup(func() { store.Close() })

	backend, err := atticstorage.NewLocal(t.TempDir())
	require.NoError(t, err)

	cfg := atticupload.DefaultConfig()
	cfg.ChunkingThreshold = 1 << 10 // 1 KiB, small enough to exercise the chunked path in tests
	cfg.ChunkParams.MinSize = 256
	cfg.ChunkParams.AvgSize = 512
	cfg.ChunkParams.MaxSize = 1024

	return &atticupload.Coordinator{Store: store, Backend: backend, Config: cfg}, store
}

func digestOf(data []byte) (string, int64) {
	sum := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(sum[:]), int64(len(data))
}

func TestUploadUnchunkedNewThenDeduplicated(t *testing.T) {
	ctx := context.Background()
	coord, store := newTestCoordinator(t)

	cacheID, err := store.CreateCache(ctx, atticmodel.Cache{Name: "my-cache", Keypair: "k", IsPublic: true})
	require.NoError(t, err)
	cache := atticmodel.Cache{ID: cacheID, Name: "my-cache", IsPublic: true}

	data := []byte("hello, this is a small nar payload")
	hash, size := digestOf(data)

	p := atticupload.Preamble{
		StorePath:     "/nix/store/00000000000000000000000000000000-foo",
		StorePathHash: "00000000000000000000000000000000",
		NarHash:       hash,
		NarSize:       size,
		References:    []string{},
		Sigs:          []string{},
	}

	res, err := coord.Upload(ctx, cache, p, bytes.NewReader(data))
	require.NoError(t, err)
	require.Equal(t, "Uploaded", res.Kind)

	// Different store path, same content: the dedup probe should now find
	// the NAR and take the deduplicate path.
	p2 := p
	p2.StorePathHash = "00000000000000000000000000000001"
	p2.StorePath = "/nix/store/00000000000000000000000000000001-foo"
	res2, err := coord.Upload(ctx, cache, p2, bytes.NewReader(data))
	require.NoError(t, err)
	require.Equal(t, "Deduplicated", res2.Kind)
}

func TestUploadRejectsHashMismatch(t *testing.T) {
	ctx := context.Background()
	coord, store := newTestCoordinator(t)

	cacheID, err := store.CreateCache(ctx, atticmodel.Cache{Name: "my-cache", Keypair: "k", IsPublic: true})
	require.NoError(t, err)
	cache := atticmodel.Cache{ID: cacheID, Name: "my-cache", IsPublic: true}

	data := []byte("some bytes")
	_, size := digestOf(data)

	p := atticupload.Preamble{
		StorePath:     "/nix/store/00000000000000000000000000000002-foo",
		StorePathHash: "00000000000000000000000000000002",
		NarHash:       "sha256:" + hex.EncodeToString(make([]byte, 32)), // wrong hash
		NarSize:       size,
	}

	_, err = coord.Upload(ctx, cache, p, bytes.NewReader(data))
	require.Error(t, err)
}

func TestUploadChunkedLargePayload(t *testing.T) {
	ctx := context.Background()
	coord, store := newTestCoordinator(t)

	cacheID, err := store.CreateCache(ctx, atticmodel.Cache{Name: "my-cache", Keypair: "k", IsPublic: true})
	require.NoError(t, err)
	cache := atticmodel.Cache{ID: cacheID, Name: "my-cache", IsPublic: true}

	data := make([]byte, 8<<10)
	rand.New(rand.NewSource(7)).Read(data)
	hash, size := digestOf(data)

	p := atticupload.Preamble{
		StorePath:     "/nix/store/00000000000000000000000000000003-foo",
		StorePathHash: "00000000000000000000000000000003",
		NarHash:       hash,
		NarSize:       size,
	}

	res, err := coord.Upload(ctx, cache, p, bytes.NewReader(data))
	require.NoError(t, err)
	require.Equal(t, "Uploaded", res.Kind)

	obj, found, err := store.FindObject(ctx, "my-cache", p.StorePathHash, true)
	require.NoError(t, err)
	require.True(t, found)
	require.Greater(t, len(obj.Chunks), 1, "an 8 KiB payload chunked at ~512B average should split into multiple chunks")
}
