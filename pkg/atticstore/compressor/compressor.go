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

// Package compressor implements the engine's tee-compress-encode
// pipeline: a chunk's plaintext bytes are streamed through a configured
// compressor while two independent SHA-256 + length digest taps observe
// the plaintext (before compression) and the encoded bytes (after
// compression, as uploaded to the storage backend).
package compressor

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/zstd"
	"github.com/ulikunitz/xz"

	"github.com/cs3org/atticd/pkg/atticmodel"
)

// Digest is a settled SHA-256 digest plus the number of bytes observed.
// It is only meaningful once the stream producing it has been fully
// drained — see Pipeline.PlaintextDigest / Pipeline.EncodedDigest.
type Digest struct {
	Hash string // "sha256:<base16>"
	Size int64
}

// Level is a compression level; its meaning is kind-specific (brotli
// quality, clamped to 0-11; zstd levels mapped to the encoder's
// speed/ratio presets). The xz encoder ignores it and always uses its
// default settings.
type Level int

// hashingReader counts bytes and hashes them as they are read. The tap
// settles only once the wrapped reader reports io.EOF.
type hashingReader struct {
	r    io.Reader
	h    hash.Hash
	n    int64
	done bool
}

func newHashingReader(r io.Reader) *hashingReader {
	return &hashingReader{r: r, h: sha256.New()}
}

func (hr *hashingReader) Read(p []byte) (int, error) {
	n, err := hr.r.Read(p)
	if n > 0 {
		hr.h.Write(p[:n])
		hr.n += int64(n)
	}
	if err == io.EOF {
		hr.done = true
	}
	return n, err
}

func (hr *hashingReader) digest() (Digest, bool) {
	if !hr.done {
		return Digest{}, false
	}
	return Digest{Hash: "sha256:" + hex.EncodeToString(hr.h.Sum(nil)), Size: hr.n}, true
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

func newEncoder(kind atticmodel.CompressionKind, w io.Writer, level Level) (io.WriteCloser, error) {
	switch kind {
	case atticmodel.CompressionNone, "":
		return nopWriteCloser{w}, nil
	case atticmodel.CompressionBrotli:
		return brotli.NewWriterLevel(w, clampBrotli(level)), nil
	case atticmodel.CompressionZstd:
		return zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(int(level))))
	case atticmodel.CompressionXz:
		return xz.NewWriter(w)
	default:
		return nil, fmt.Errorf("compressor: unsupported compression kind %q", kind)
	}
}

func clampBrotli(level Level) int {
	if level < 0 {
		return 0
	}
	if level > 11 {
		return 11
	}
	return int(level)
}

// Pipeline is a drained (or draining) tee-compress-encode stream. Create
// one with New, read the returned io.Reader to completion (e.g. by
// handing it to the storage backend's upload operation), then call
// PlaintextDigest / EncodedDigest.
type Pipeline struct {
	plain   *hashingReader
	encoded *hashingReader
}

// New wraps src in a compressor of the given kind and level, returning a
// reader the caller should drain fully. Both digest taps settle once
// that reader has returned io.EOF (or a terminal error, in which case
// they remain unsettled).
func New(src io.Reader, kind atticmodel.CompressionKind, level Level) (io.Reader, *Pipeline, error) {
	plain := newHashingReader(src)

	pr, pw := io.Pipe()
	enc, err := newEncoder(kind, pw, level)
	if err != nil {
		pw.Close()
		return nil, nil, err
	}

	go func() {
		_, copyErr := io.Copy(enc, plain)
		closeErr := enc.Close()
		if copyErr == nil {
			copyErr = closeErr
		}
		_ = pw.CloseWithError(copyErr)
	}()

	encoded := newHashingReader(pr)

	return encoded, &Pipeline{plain: plain, encoded: encoded}, nil
}

// PlaintextDigest returns the SHA-256 + length of the bytes fed into the
// compressor, and whether the tap has settled (the source was fully
// drained without error).
func (p *Pipeline) PlaintextDigest() (Digest, bool) { return p.plain.digest() }

// EncodedDigest returns the SHA-256 + length of the compressor's output
// (the bytes actually uploaded to the storage backend), and whether the
// tap has settled.
func (p *Pipeline) EncodedDigest() (Digest, bool) { return p.encoded.digest() }
