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

package atticstore_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cs3org/atticd/pkg/atticmodel"
	"github.com/cs3org/atticd/pkg/atticstore"
)

func openTestStore(t *testing.T) *atticstore.Store {
	t.Helper()
	s, err := atticstore.Open(atticstore.DriverSQLite, "file::memory:?cache=shared")
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCacheLifecycle(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	id, err := s.CreateCache(ctx, atticmodel.Cache{
		Name: "my-cache", Keypair: "k", IsPublic: true, StoreDir: "/nix/store",
	})
	require.NoError(t, err)

	c, found, err := s.FindCache(ctx, "my-cache")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, id, c.ID)
	require.True(t, c.IsPublic)

	require.NoError(t, s.SoftDeleteCache(ctx, id))

	_, found, err = s.FindCache(ctx, "my-cache")
	require.NoError(t, err)
	require.False(t, found, "soft-deleted cache must be invisible (I6)")
}

func TestLockNarRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	_, err := s.InsertUnchunkedNar(ctx, "sha256:abc", 100, atticmodel.CompressionNone, 0, "sha256:abc",
		atticmodel.Object{})
	// chunk_id 0 is fine here: we only exercise the NAR lock path, not
	// chunk resolution.
	require.NoError(t, err)

	guard, found, err := s.LockNar(ctx, "sha256:abc")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, int64(1), guard.NAR.HoldersCount)
	guard.Release()

	_, found, err = s.LockNar(ctx, "sha256:does-not-exist")
	require.NoError(t, err)
	require.False(t, found)
}

func TestLockChunkDedup(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	chunkID, err := s.InsertPendingChunk(ctx, "sha256:chunk", 10, atticmodel.CompressionZstd, `{"backend":"local","key":"x"}`, "local:x")
	require.NoError(t, err)
	_, err = s.FinalizeChunk(ctx, chunkID, "sha256:encoded", 8, "sha256:chunk", atticmodel.CompressionZstd)
	require.NoError(t, err)

	guard, found, err := s.LockChunk(ctx, "sha256:chunk", atticmodel.CompressionZstd)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, int64(2), guard.Chunk.HoldersCount)
}

func TestFindObjectChunkCountMismatchIsCorrupt(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	cacheID, err := s.CreateCache(ctx, atticmodel.Cache{Name: "c1", Keypair: "k", IsPublic: true})
	require.NoError(t, err)

	narID, err := s.InsertPendingNar(ctx, "sha256:n1", 1000, atticmodel.CompressionNone)
	require.NoError(t, err)
	require.NoError(t, s.FinalizeChunkedNar(ctx, narID, 2, atticmodel.Object{
		CacheID: cacheID, NarID: narID, StorePathHash: "00000000000000000000000000000000", StorePath: "/nix/store/x",
	}))

	_, _, err = s.FindObject(ctx, "c1", "00000000000000000000000000000000", true)
	require.ErrorIs(t, err, atticstore.ErrCorruptNar)
}

func TestRetentionSweepDeletesStaleObjects(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	cacheID, err := s.CreateCache(ctx, atticmodel.Cache{Name: "c1", Keypair: "k", IsPublic: true})
	require.NoError(t, err)

	narID, err := s.InsertPendingNar(ctx, "sha256:n1", 10, atticmodel.CompressionNone)
	require.NoError(t, err)
	require.NoError(t, s.FinalizeChunkedNar(ctx, narID, 0, atticmodel.Object{
		CacheID: cacheID, NarID: narID, StorePathHash: "00000000000000000000000000000001", StorePath: "/nix/store/y",
	}))

	n, err := s.DeleteObjectsByCacheAndCutoff(ctx, cacheID, time.Now().Add(time.Hour))
	require.NoError(t, err)
	require.Equal(t, int64(1), n)
}
