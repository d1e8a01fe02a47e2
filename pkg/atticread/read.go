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

// Package atticread is the read path (spec.md §4.5): narinfo synthesis
// and ordered, per-chunk-decompressed NAR reassembly.
package atticread

import (
	"context"
	"fmt"
	"io"

	"github.com/cs3org/atticd/pkg/atticerr"
	"github.com/cs3org/atticd/pkg/atticlog"
	"github.com/cs3org/atticd/pkg/atticmodel"
	"github.com/cs3org/atticd/pkg/atticstorage"
	"github.com/cs3org/atticd/pkg/atticstore"
	"github.com/cs3org/atticd/pkg/atticstore/compressor"
)

var log = atticlog.New("atticread")

// NarInfo is the synthesized response to GET /:cache/:hash.narinfo.
type NarInfo struct {
	StorePath   string
	URL         string
	Compression atticmodel.CompressionKind
	FileHash    string // set only for an unchunked NAR (its single chunk's encoded hash)
	FileSize    int64  // set only for an unchunked NAR
	NarHash     string
	NarSize     int64
	References  []string
	Deriver     string
	System      string
	Sig         []string
}

// Reader resolves narinfo and streams NAR bytes.
type Reader struct {
	Store   *atticstore.Store
	Backend atticstorage.Backend
}

// NarInfo implements `GET /:cache/:hash.narinfo` (spec.md §4.5):
// find_object(cache, hash, include_chunks=false), synthesized into a
// narinfo. Access checks are the caller's responsibility (the auth
// collaborator, applied before this is reached).
func (r *Reader) NarInfo(ctx context.Context, cacheName, storePathHash string) (NarInfo, error) {
	owc, found, err := r.Store.FindObject(ctx, cacheName, storePathHash, false)
	if err != nil {
		return NarInfo{}, &atticerr.DatabaseError{Op: "find_object", Err: err}
	}
	if !found {
		return NarInfo{}, atticerr.NotFoundError("no such object")
	}

	r.bumpLastAccessedBestEffort(owc.Object.ID)

	info := NarInfo{
		StorePath:   owc.Object.StorePath,
		URL:         fmt.Sprintf("nar/%s.nar", hashPathSegment(owc.NAR.NarHash)),
		Compression: owc.NAR.Compression,
		NarHash:     owc.NAR.NarHash,
		NarSize:     owc.NAR.NarSize,
		References:  owc.Object.References,
		Sig:         owc.Object.Sigs,
	}
	if owc.Object.Deriver != nil {
		info.Deriver = *owc.Object.Deriver
	}
	if owc.Object.System != nil {
		info.System = *owc.Object.System
	}

	if owc.NAR.NumChunks == 1 {
		chunks, err := r.Store.ListChunkRefs(ctx, owc.NAR.ID)
		if err == nil && len(chunks) == 1 && chunks[0].ChunkID != nil {
			chunk, err := r.Store.GetChunk(ctx, *chunks[0].ChunkID)
			if err == nil && chunk.FileHash != nil && chunk.FileSize != nil {
				info.FileHash = *chunk.FileHash
				info.FileSize = *chunk.FileSize
			}
		}
	}

	return info, nil
}

// StreamNar implements `GET /:cache/nar/:hash.nar`: find_object with
// include_chunks=true, then each backend object is downloaded and
// decompressed in seq order and copied to w.
func (r *Reader) StreamNar(ctx context.Context, cacheName, storePathHash string, w io.Writer) error {
	owc, found, err := r.Store.FindObject(ctx, cacheName, storePathHash, true)
	if err != nil {
		return &atticerr.DatabaseError{Op: "find_object", Err: err}
	}
	if !found {
		return atticerr.NotFoundError("no such object")
	}

	r.bumpLastAccessedBestEffort(owc.Object.ID)

	for _, chunk := range owc.Chunks {
		if err := r.streamChunk(ctx, chunk, w); err != nil {
			return err
		}
	}
	return nil
}

func (r *Reader) streamChunk(ctx context.Context, chunk atticmodel.Chunk, w io.Writer) error {
	ref, err := atticstorage.Unmarshal(chunk.RemoteFile)
	if err != nil {
		return &atticerr.DatabaseError{Op: "unmarshal_reference", Err: err}
	}

	dl, err := r.Backend.Download(ctx, ref, false)
	if err != nil {
		return &atticerr.StorageError{Op: "download_chunk", Err: err}
	}
	defer dl.Body.Close()

	decoded, err := compressor.Decompress(dl.Body, chunk.Compression)
	if err != nil {
		return &atticerr.StorageError{Op: "decompress_chunk", Err: err}
	}

	if _, err := io.Copy(w, decoded); err != nil {
		return &atticerr.StorageError{Op: "stream_chunk", Err: err}
	}
	return nil
}

// bumpLastAccessedBestEffort mirrors spec.md §4.5: the update happens in
// the background and its failure is ignored.
func (r *Reader) bumpLastAccessedBestEffort(objectID int64) {
	go func() {
		if err := r.Store.BumpObjectLastAccessed(context.Background(), objectID); err != nil {
			log.Warn().Err(err).Int64("object_id", objectID).Msg("failed to bump last_accessed_at")
		}
	}()
}

// hashPathSegment strips the "sha256:" prefix narHash carries internally;
// narinfo URLs use the bare hex digest.
func hashPathSegment(narHash string) string {
	const prefix = "sha256:"
	if len(narHash) > len(prefix) && narHash[:len(prefix)] == prefix {
		return narHash[len(prefix):]
	}
	return narHash
}
