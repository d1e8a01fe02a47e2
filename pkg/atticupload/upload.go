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

// Package atticupload is the Upload Coordinator (spec.md §4.1): the path
// that receives an uploaded NAR, decides whether it already exists
// globally, splits new archives into content-defined chunks, streams
// those chunks through compression to object storage, and commits the
// resulting metadata atomically.
package atticupload

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/cs3org/atticd/pkg/atticerr"
	"github.com/cs3org/atticd/pkg/atticlog"
	"github.com/cs3org/atticd/pkg/atticmetrics"
	"github.com/cs3org/atticd/pkg/atticmodel"
	"github.com/cs3org/atticd/pkg/atticstorage"
	"github.com/cs3org/atticd/pkg/atticstore"
	"github.com/cs3org/atticd/pkg/atticstore/chunker"
	"github.com/cs3org/atticd/pkg/atticstore/compressor"
)

var log = atticlog.New("atticupload")

// Preamble is the client-declared metadata accompanying an upload
// (spec.md §4.1, "Preamble").
type Preamble struct {
	StorePath     string
	StorePathHash string
	NarHash       string
	NarSize       int64
	References    []string
	System        *string
	Deriver       *string
	CA            *string
	Sigs          []string
	CreatedBy     *string
}

// Result is the coordinator's success outcome.
type Result struct {
	Kind             string // "Uploaded" or "Deduplicated"
	FileSize         int64
	FracDeduplicated *float64
}

// Config holds the coordinator's tunables, all of which SPEC_FULL.md §6.1
// surfaces as configuration.
type Config struct {
	// ChunkingThreshold is the declared nar_size boundary above which the
	// chunked path is used (spec.md §4.1 step 4).
	ChunkingThreshold int64
	ChunkParams       chunker.Params
	Compression       atticmodel.CompressionKind
	CompressionLevel  compressor.Level
	// ChunkUploadConcurrency bounds concurrent chunk-upload subroutine
	// invocations within one request (spec.md §5, default 10).
	ChunkUploadConcurrency int64
	RequireProofOfPossession bool
}

func DefaultConfig() Config {
	return Config{
		ChunkingThreshold:      128 << 10,
		ChunkParams:            chunker.DefaultParams,
		Compression:            atticmodel.CompressionZstd,
		CompressionLevel:       3,
		ChunkUploadConcurrency: 10,
		RequireProofOfPossession: false,
	}
}

// Coordinator ties the metadata store, storage backend, and configured
// chunking/compression parameters together behind the single upload
// operation spec.md §4.1 names.
type Coordinator struct {
	Store   *atticstore.Store
	Backend atticstorage.Backend
	Config  Config
}

// Upload implements the algorithm in spec.md §4.1. cache must already be
// resolved and the caller already confirmed CanPush permission — this
// coordinator has no knowledge of auth.
func (c *Coordinator) Upload(ctx context.Context, cache atticmodel.Cache, p Preamble, body io.Reader) (Result, error) {
	res, err := c.upload(ctx, cache, p, body)
	if err != nil {
		atticmetrics.UploadsTotal.WithLabelValues("failed").Inc()
		return res, err
	}
	atticmetrics.UploadsTotal.WithLabelValues(strings.ToLower(res.Kind)).Inc()
	atticmetrics.UploadBytesHistogram.Observe(float64(p.NarSize))
	return res, nil
}

func (c *Coordinator) upload(ctx context.Context, cache atticmodel.Cache, p Preamble, body io.Reader) (Result, error) {
	if !atticmodel.ValidStorePathHash(p.StorePathHash) {
		return Result{}, atticerr.RequestError("invalid store_path_hash")
	}
	if p.NarSize < 0 {
		return Result{}, atticerr.RequestError("negative nar_size")
	}

	guard, found, err := c.Store.LockNar(ctx, p.NarHash)
	if err != nil {
		return Result{}, &atticerr.DatabaseError{Op: "lock_nar", Err: err}
	}

	if found {
		broken, err := c.Store.HasBrokenChunkRefs(ctx, guard.NAR.ID)
		if err != nil {
			guard.Release()
			return Result{}, &atticerr.DatabaseError{Op: "has_broken_chunkrefs", Err: err}
		}
		if !broken {
			return c.dedup(ctx, guard, cache, p, body)
		}
		// The matching NAR exists but is missing chunk resolutions; fall
		// through to the new-upload path, which repairs broken refs by
		// hash as a side effect of uploading matching chunks. This
		// guard's hold is no longer useful.
		guard.Release()
	}

	return c.newUpload(ctx, cache, p, body)
}

func (c *Coordinator) dedup(ctx context.Context, guard *atticstore.NarGuard, cache atticmodel.Cache, p Preamble, body io.Reader) (Result, error) {
	defer guard.Release()

	if c.Config.RequireProofOfPossession {
		digest, err := drainAndDigest(body)
		if err != nil {
			return Result{}, &atticerr.StorageError{Op: "drain_proof_of_possession", Err: err}
		}
		if digest.hash != guard.NAR.NarHash || digest.size != guard.NAR.NarSize ||
			digest.hash != p.NarHash || digest.size != p.NarSize {
			return Result{}, atticerr.RequestError("proof of possession hash/size mismatch")
		}
	}

	obj := objectFromPreamble(cache.ID, guard.NAR.ID, p)
	if err := c.Store.UpsertObjectDedup(ctx, obj); err != nil {
		return Result{}, &atticerr.DatabaseError{Op: "upsert_object_dedup", Err: err}
	}
	return Result{Kind: "Deduplicated"}, nil
}

func (c *Coordinator) newUpload(ctx context.Context, cache atticmodel.Cache, p Preamble, body io.Reader) (Result, error) {
	if p.NarSize <= c.Config.ChunkingThreshold {
		return c.newUploadUnchunked(ctx, cache, p, body)
	}
	return c.newUploadChunked(ctx, cache, p, body)
}

// newUploadUnchunked treats the whole NAR as a single chunk (spec.md
// §4.1 step 4, "Unchunked").
func (c *Coordinator) newUploadUnchunked(ctx context.Context, cache atticmodel.Cache, p Preamble, body io.Reader) (Result, error) {
	res, err := c.uploadChunk(ctx, chunkSource{
		Stream:      body,
		ClaimedHash: p.NarHash,
		ClaimedSize: p.NarSize,
	})
	if err != nil {
		return Result{}, err
	}
	defer res.guard.Release()

	obj := objectFromPreamble(cache.ID, 0, p)
	narID, err := c.Store.InsertUnchunkedNar(ctx, p.NarHash, p.NarSize, c.Config.Compression, res.chunkID, p.NarHash, obj)
	if err != nil {
		return Result{}, &atticerr.DatabaseError{Op: "insert_unchunked_nar", Err: err}
	}
	_ = narID

	// frac_deduplicated is not computed on the unchunked path
	// (original_source/server/src/api/v1/upload_path.rs:568, `frac_deduplicated:
	// None`): there is exactly one chunk, so a per-chunk dedup ratio carries
	// no information the Kind field doesn't already give the caller.
	return Result{Kind: "Uploaded", FileSize: res.fileSize}, nil
}

// newUploadChunked implements spec.md §4.1 step 4, "Chunked".
func (c *Coordinator) newUploadChunked(ctx context.Context, cache atticmodel.Cache, p Preamble, body io.Reader) (Result, error) {
	narID, err := c.Store.InsertPendingNar(ctx, p.NarHash, p.NarSize, c.Config.Compression)
	if err != nil {
		return Result{}, &atticerr.DatabaseError{Op: "insert_pending_nar", Err: err}
	}
	committed := false
	defer func() {
		if !committed {
			if err := c.Store.DeleteNar(context.Background(), narID); err != nil {
				log.Warn().Err(err).Int64("nar_id", narID).Msg("failed to clean up abandoned pending nar")
			}
		}
	}()

	hasher := sha256.New()
	tee := io.TeeReader(body, hasher)

	permits := c.Config.ChunkUploadConcurrency
	if permits <= 0 {
		permits = 1
	}
	sem := semaphore.NewWeighted(permits)

	type chunkOutcome struct {
		seq          int
		chunkID      int64
		chunkHash    string
		deduplicated bool
		fileSize     int64
		plainSize    int64
		err          error
	}
	outcomes := make(chan chunkOutcome)

	// A dedicated consumer goroutine drains outcomes concurrently with the
	// producer loop below. Without it, once ChunkUploadConcurrency workers
	// have all finished and are blocked sending to this unbuffered channel,
	// the producer's next sem.Acquire would never see a permit released
	// (each worker's sem.Release runs after its blocked send) and the whole
	// upload would deadlock for any NAR producing more chunks than the
	// concurrency limit.
	var wg sync.WaitGroup
	var collected []chunkOutcome
	drained := make(chan struct{})
	go func() {
		defer close(drained)
		for o := range outcomes {
			collected = append(collected, o)
		}
	}()

	var totalLen int64
	seq := 0
	next := chunker.Chunk(tee, c.Config.ChunkParams)

	for {
		buf, err := next()
		if err != nil {
			return Result{}, &atticerr.StorageError{Op: "chunk_stream", Err: err}
		}
		if buf == nil {
			break
		}
		totalLen += int64(len(buf))

		if err := sem.Acquire(ctx, 1); err != nil {
			return Result{}, &atticerr.StorageError{Op: "acquire_chunk_semaphore", Err: err}
		}
		thisSeq := seq
		seq++
		chunkBytes := buf
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer sem.Release(1)
			res, err := c.uploadChunk(ctx, chunkSource{Bytes: chunkBytes})
			if err != nil {
				outcomes <- chunkOutcome{seq: thisSeq, err: err}
				return
			}
			outcomes <- chunkOutcome{
				seq: thisSeq, chunkID: res.chunkID, chunkHash: res.chunkHash,
				deduplicated: res.wasDeduplicated, fileSize: res.fileSize, plainSize: res.plainSize,
			}
			res.guard.Release()
		}()
	}

	wg.Wait()
	close(outcomes)
	<-drained

	var firstErr error
	dedupedPlainBytes := int64(0)
	encodedLen := int64(0)
	for _, o := range collected {
		if o.err != nil {
			if firstErr == nil {
				firstErr = o.err
			}
			continue
		}
		if err := c.Store.InsertChunkRef(ctx, narID, o.seq, o.chunkID, o.chunkHash, c.Config.Compression); err != nil {
			if firstErr == nil {
				firstErr = &atticerr.DatabaseError{Op: "insert_chunkref", Err: err}
			}
			continue
		}
		encodedLen += o.fileSize
		if o.deduplicated {
			dedupedPlainBytes += o.plainSize
		}
	}
	if firstErr != nil {
		return Result{}, firstErr
	}

	sum := hasher.Sum(nil)
	observedHash := "sha256:" + hex.EncodeToString(sum)
	if observedHash != p.NarHash || totalLen != p.NarSize {
		return Result{}, atticerr.RequestError("nar hash/size mismatch against declared preamble")
	}

	obj := objectFromPreamble(cache.ID, narID, p)
	if err := c.Store.FinalizeChunkedNar(ctx, narID, seq, obj); err != nil {
		return Result{}, &atticerr.DatabaseError{Op: "finalize_chunked_nar", Err: err}
	}
	committed = true

	// file_size is the sum of each chunk's encoded size, and
	// frac_deduplicated is deduplicated plaintext bytes over total
	// plaintext bytes (original_source/server/src/api/v1/upload_path.rs:
	// 386-391, 457-458) — the two totals track different things
	// (ciphertext vs. plaintext) and must not be conflated.
	var frac *float64
	if totalLen > 0 {
		f := float64(dedupedPlainBytes) / float64(totalLen)
		frac = &f
	}
	return Result{Kind: "Uploaded", FileSize: encodedLen, FracDeduplicated: frac}, nil
}

// chunkSource is the chunk-upload subroutine's input: either trusted
// in-memory bytes (the chunker already computed the true boundary) or an
// untrusted stream carrying a claimed hash/size (the unchunked path,
// where the "chunk" is the entire request body).
type chunkSource struct {
	Bytes []byte

	Stream      io.Reader
	ClaimedHash string
	ClaimedSize int64
}

// chunkUploadResult carries both sizes a caller may need: fileSize is the
// chunk's encoded (post-compression) size as stored in the backend, and
// plainSize is the plaintext size claimed/verified for this chunk. The two
// diverge whenever compression is in effect, which is the whole reason
// upload outcome accounting (Result.FileSize, FracDeduplicated) tracks them
// separately instead of conflating the two (original_source/server/src/
// api/v1/upload_path.rs:386-391).
type chunkUploadResult struct {
	guard           *atticstore.ChunkGuard
	chunkID         int64
	chunkHash       string
	fileSize        int64
	plainSize       int64
	wasDeduplicated bool
}

// uploadChunk implements spec.md §4.1 step 5.
func (c *Coordinator) uploadChunk(ctx context.Context, src chunkSource) (chunkUploadResult, error) {
	res, err := c.uploadChunkOnce(ctx, src)
	switch {
	case err != nil:
		atticmetrics.ChunksUploadedTotal.WithLabelValues("failed").Inc()
	case res.wasDeduplicated:
		atticmetrics.ChunksUploadedTotal.WithLabelValues("deduplicated").Inc()
	default:
		atticmetrics.ChunksUploadedTotal.WithLabelValues("new").Inc()
	}
	return res, err
}

func (c *Coordinator) uploadChunkOnce(ctx context.Context, src chunkSource) (chunkUploadResult, error) {
	var claimedHash string
	var claimedSize int64
	trusted := src.Bytes != nil
	if trusted {
		sum := sha256.Sum256(src.Bytes)
		claimedHash = "sha256:" + hex.EncodeToString(sum[:])
		claimedSize = int64(len(src.Bytes))
	} else {
		claimedHash = src.ClaimedHash
		claimedSize = src.ClaimedSize
	}

	// Step a: dedup probe.
	guard, found, err := c.Store.LockChunk(ctx, claimedHash, c.Config.Compression)
	if err != nil {
		return chunkUploadResult{}, &atticerr.DatabaseError{Op: "lock_chunk", Err: err}
	}
	if found {
		if !trusted && c.Config.RequireProofOfPossession {
			digest, err := drainAndDigest(src.Stream)
			if err != nil {
				guard.Release()
				return chunkUploadResult{}, &atticerr.StorageError{Op: "drain_proof_of_possession", Err: err}
			}
			if digest.hash != guard.Chunk.ChunkHash || digest.size != guard.Chunk.ChunkSize {
				guard.Release()
				return chunkUploadResult{}, atticerr.RequestError("chunk proof of possession mismatch")
			}
		}
		fileSize := int64(0)
		if guard.Chunk.FileSize != nil {
			fileSize = *guard.Chunk.FileSize
		}
		return chunkUploadResult{guard: guard, chunkID: guard.Chunk.ID, chunkHash: claimedHash, fileSize: fileSize, plainSize: claimedSize, wasDeduplicated: true}, nil
	}

	// Step b: allocate storage key and a pending Chunk row.
	key := uuid.New().String() + ".chunk"
	ref, err := c.Backend.MakeReference(ctx, key)
	if err != nil {
		return chunkUploadResult{}, &atticerr.StorageError{Op: "make_reference", Err: err}
	}
	remoteFile, err := ref.Marshal()
	if err != nil {
		return chunkUploadResult{}, &atticerr.StorageError{Op: "marshal_reference", Err: err}
	}
	chunkID, err := c.Store.InsertPendingChunk(ctx, claimedHash, claimedSize, c.Config.Compression, remoteFile, ref.RemoteFileID())
	if err != nil {
		return chunkUploadResult{}, &atticerr.DatabaseError{Op: "insert_pending_chunk", Err: err}
	}

	committed := false
	cleanup := func() {
		if committed {
			return
		}
		if err := c.Backend.Delete(context.Background(), ref); err != nil {
			log.Warn().Err(err).Str("key", key).Msg("failed to delete orphaned backend object during chunk cleanup")
		}
		if err := c.Store.DeleteChunk(context.Background(), chunkID); err != nil {
			log.Warn().Err(err).Int64("chunk_id", chunkID).Msg("failed to delete orphaned chunk row during cleanup")
		}
	}
	defer cleanup()

	// Step c: dual-tap compress/hash pipeline into the backend.
	var plainSrc io.Reader
	if trusted {
		plainSrc = bytes.NewReader(src.Bytes)
	} else {
		plainSrc = src.Stream
	}
	encoded, pipeline, err := compressor.New(plainSrc, c.Config.Compression, c.Config.CompressionLevel)
	if err != nil {
		return chunkUploadResult{}, &atticerr.StorageError{Op: "new_compressor", Err: err}
	}
	if err := c.Backend.Upload(ctx, ref, encoded); err != nil {
		return chunkUploadResult{}, &atticerr.StorageError{Op: "upload_chunk", Err: err}
	}

	// Step d: verify plaintext hash/size.
	plainDigest, ok := pipeline.PlaintextDigest()
	if !ok {
		return chunkUploadResult{}, &atticerr.StorageError{Op: "plaintext_digest", Err: fmt.Errorf("digest unavailable after upload")}
	}
	if plainDigest.Hash != claimedHash || plainDigest.Size != claimedSize {
		return chunkUploadResult{}, atticerr.RequestError("chunk plaintext hash/size mismatch")
	}
	encDigest, ok := pipeline.EncodedDigest()
	if !ok {
		return chunkUploadResult{}, &atticerr.StorageError{Op: "encoded_digest", Err: fmt.Errorf("digest unavailable after upload")}
	}

	// Step e: finalize.
	finalGuard, err := c.Store.FinalizeChunk(ctx, chunkID, encDigest.Hash, encDigest.Size, claimedHash, c.Config.Compression)
	if err != nil {
		return chunkUploadResult{}, &atticerr.DatabaseError{Op: "finalize_chunk", Err: err}
	}
	committed = true

	return chunkUploadResult{guard: finalGuard, chunkID: chunkID, chunkHash: claimedHash, fileSize: encDigest.Size, plainSize: claimedSize}, nil
}

type digest struct {
	hash string
	size int64
}

// drainAndDigest consumes r entirely (the proof-of-possession "stream
// through a hashing sink to /dev/null") and returns its SHA-256/length.
func drainAndDigest(r io.Reader) (digest, error) {
	h := sha256.New()
	n, err := io.Copy(h, r)
	if err != nil {
		return digest{}, err
	}
	return digest{hash: "sha256:" + hex.EncodeToString(h.Sum(nil)), size: n}, nil
}

func objectFromPreamble(cacheID, narID int64, p Preamble) atticmodel.Object {
	return atticmodel.Object{
		CacheID:       cacheID,
		NarID:         narID,
		StorePathHash: p.StorePathHash,
		StorePath:     p.StorePath,
		References:    p.References,
		System:        p.System,
		Deriver:       p.Deriver,
		Sigs:          p.Sigs,
		CA:            p.CA,
		CreatedBy:     p.CreatedBy,
	}
}
