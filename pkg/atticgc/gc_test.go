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

package atticgc_test

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cs3org/atticd/pkg/atticgc"
	"github.com/cs3org/atticd/pkg/atticmodel"
	"github.com/cs3org/atticd/pkg/atticstorage"
	"github.com/cs3org/atticd/pkg/atticstore"
	"github.com/cs3org/atticd/pkg/atticupload"
)

func digestOf(data []byte) (string, int64) {
	sum := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(sum[:]), int64(len(data))
}

// TestGCLivenessSweepReapsExpiredObject covers spec.md §8 scenario 6:
// with a one-second retention period, an uploaded Object, its NAR, and
// its Chunk's backend object are all gone after a GC pass once the
// retention window has elapsed.
func TestGCLivenessSweepReapsExpiredObject(t *testing.T) {
	ctx := context.Background()
	store, err := atticstore.Open(atticstore.DriverSQLite, "file::memory:?cache=shared")
	require.NoError(t, err)
	require.NoError(t, store.Migrate(ctx))
	t.Cleanup(func() { store.Close() })

	storageRoot := t.TempDir()
	backend, err := atticstorage.NewLocal(storageRoot)
	require.NoError(t, err)

	retention := int64(1)
	_, err = store.CreateCache(ctx, atticmodel.Cache{
		Name:                   "gc-cache",
		IsPublic:               true,
		RetentionPeriodSeconds: &retention,
	})
	require.NoError(t, err)
	cache, found, err := store.FindCache(ctx, "gc-cache")
	require.NoError(t, err)
	require.True(t, found)

	coord := &atticupload.Coordinator{Store: store, Backend: backend, Config: atticupload.DefaultConfig()}
	body := []byte("NAR(1.0){type:regular,contents:gc test payload}")
	narHash, narSize := digestOf(body)
	storePathHash := "11111111111111111111111111111111"[:32]

	res, err := coord.Upload(ctx, cache, atticupload.Preamble{
		StorePath:     "/nix/store/" + storePathHash + "-test",
		StorePathHash: storePathHash,
		NarHash:       narHash,
		NarSize:       narSize,
	}, bytes.NewReader(body))
	require.NoError(t, err)
	require.Equal(t, "Uploaded", res.Kind)

	owc, found, err := store.FindObject(ctx, cache.Name, storePathHash, true)
	require.NoError(t, err)
	require.True(t, found)
	require.Len(t, owc.Chunks, 1)
	ref, err := atticstorage.Unmarshal(owc.Chunks[0].RemoteFile)
	require.NoError(t, err)

	_, err = backend.Download(ctx, ref, true)
	require.NoError(t, err, "chunk object must exist in the backend before GC")

	time.Sleep(2 * time.Second)

	collector := &atticgc.Collector{Store: store, Backend: backend, DefaultRetentionSeconds: 0}
	require.NoError(t, collector.RunOnce(ctx))

	_, found, err = store.FindObject(ctx, cache.Name, storePathHash, false)
	require.NoError(t, err)
	require.False(t, found, "expired object must be gone after the retention sweep")

	_, err = backend.Download(ctx, ref, true)
	require.Error(t, err, "chunk's backend object must be deleted by the orphan chunk reap")
}
