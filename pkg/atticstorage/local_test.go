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

package atticstorage_test

import (
	"bytes"
	"context"
	"io"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cs3org/atticd/pkg/atticstorage"
)

func TestLocalBackendRoundTrip(t *testing.T) {
	dir := t.TempDir()
	backend, err := atticstorage.NewLocal(dir)
	require.NoError(t, err)

	ctx := context.Background()
	ref, err := backend.MakeReference(ctx, "some/key.chunk")
	require.NoError(t, err)
	assert.Equal(t, "local", ref.Backend)

	require.NoError(t, backend.Upload(ctx, ref, bytes.NewReader([]byte("hello world"))))

	res, err := backend.Download(ctx, ref, false)
	require.NoError(t, err)
	defer res.Body.Close()
	got, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(got))

	_, err = backend.Download(ctx, ref, true)
	require.NoError(t, err)

	require.NoError(t, backend.Delete(ctx, ref))
	require.NoError(t, backend.Delete(ctx, ref), "deleting a missing object is not an error")

	_, err = backend.Download(ctx, ref, true)
	assert.True(t, os.IsNotExist(err))
}

func TestLocalBackendSanitizesTraversal(t *testing.T) {
	dir := t.TempDir()
	backend, err := atticstorage.NewLocal(dir)
	require.NoError(t, err)

	ctx := context.Background()
	ref, err := backend.MakeReference(ctx, "../../etc/passwd")
	require.NoError(t, err)

	require.NoError(t, backend.Upload(ctx, ref, bytes.NewReader([]byte("x"))))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "passwd", entries[0].Name())
}

func TestReferenceMarshalRoundTrip(t *testing.T) {
	ref := atticstorage.Reference{Backend: "local", Key: "abc.chunk"}
	s, err := ref.Marshal()
	require.NoError(t, err)

	got, err := atticstorage.Unmarshal(s)
	require.NoError(t, err)
	assert.Equal(t, ref, got)
	assert.Equal(t, "local:abc.chunk", ref.RemoteFileID())
}
