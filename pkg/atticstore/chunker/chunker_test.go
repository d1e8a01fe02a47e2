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

package chunker_test

import (
	"bytes"
	"math/rand"
	"testing"
	"testing/iotest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cs3org/atticd/pkg/atticstore/chunker"
)

func collect(t *testing.T, data []byte, p chunker.Params) [][]byte {
	t.Helper()
	next := chunker.Chunk(bytes.NewReader(data), p)
	var chunks [][]byte
	for {
		c, err := next()
		require.NoError(t, err)
		if c == nil {
			break
		}
		cp := make([]byte, len(c))
		copy(cp, c)
		chunks = append(chunks, cp)
	}
	return chunks
}

func TestChunkBounds(t *testing.T) {
	p := chunker.Params{MinSize: 4 << 10, AvgSize: 16 << 10, MaxSize: 64 << 10}
	data := make([]byte, 1<<20)
	rand.New(rand.NewSource(1)).Read(data)

	chunks := collect(t, data, p)
	require.NotEmpty(t, chunks)

	var total int
	for i, c := range chunks {
		total += len(c)
		if i != len(chunks)-1 {
			assert.GreaterOrEqual(t, len(c), int(p.MinSize))
		}
		assert.LessOrEqual(t, len(c), int(p.MaxSize))
	}
	assert.Equal(t, len(data), total)
}

func TestChunkDeterministic(t *testing.T) {
	p := chunker.DefaultParams
	data := make([]byte, 500<<10)
	rand.New(rand.NewSource(42)).Read(data)

	a := collect(t, data, p)
	b := collect(t, data, p)

	require.Equal(t, len(a), len(b))
	for i := range a {
		assert.Equal(t, a[i], b[i])
	}
}

func TestChunkDeterministicAcrossBuffering(t *testing.T) {
	p := chunker.Params{MinSize: 1 << 10, AvgSize: 4 << 10, MaxSize: 16 << 10}
	data := make([]byte, 100<<10)
	rand.New(rand.NewSource(7)).Read(data)

	whole := collect(t, data, p)

	// Reading through a slow, one-byte-at-a-time reader must not change
	// boundaries: they depend only on content, not on how it is buffered.
	next := chunker.Chunk(iotest.OneByteReader(bytes.NewReader(data)), p)
	var slow [][]byte
	for {
		c, err := next()
		require.NoError(t, err)
		if c == nil {
			break
		}
		slow = append(slow, c)
	}
	require.Equal(t, len(whole), len(slow))
	for i := range whole {
		assert.Equal(t, whole[i], slow[i])
	}
}

func TestEmptyInput(t *testing.T) {
	chunks := collect(t, nil, chunker.DefaultParams)
	assert.Empty(t, chunks)
}

func TestSingleChunkAtExactlyMaxSize(t *testing.T) {
	p := chunker.Params{MinSize: 1 << 10, AvgSize: 4 << 10, MaxSize: 8 << 10}
	data := make([]byte, int(p.MaxSize))
	rand.New(rand.NewSource(3)).Read(data)

	chunks := collect(t, data, p)
	require.Len(t, chunks, 1)
	assert.Len(t, chunks[0], int(p.MaxSize))
}
