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

// Package atticmodel defines the five persisted entities of the
// ingestion-and-deduplication engine: Cache, NAR, Chunk, ChunkRef, Object.
//
// These are plain structs mirroring the bit-exact schema; the metadata
// store (pkg/atticstore) owns all reads and writes of them.
package atticmodel

import "time"

// State is the lifecycle state shared by NAR and Chunk rows.
type State string

const (
	// StatePendingUpload is the initial state: row inserted, bytes not
	// yet durably written and verified.
	StatePendingUpload State = "P"
	// StateValid means the row's bytes are durably stored and verified.
	StateValid State = "V"
	// StateConfirmedDeduplicated is a legacy state from older rows;
	// treated identically to StateDeleted everywhere in this engine.
	StateConfirmedDeduplicated State = "C"
	// StateDeleted is a tombstone awaiting storage deletion by GC.
	StateDeleted State = "D"
)

// CompressionKind names a supported compressor.
type CompressionKind string

const (
	CompressionNone  CompressionKind = "none"
	CompressionBrotli CompressionKind = "brotli"
	CompressionZstd   CompressionKind = "zstd"
	CompressionXz     CompressionKind = "xz"
)

// Visibility is a Cache's discoverability.
type Visibility string

const (
	VisibilityPublic  Visibility = "public"
	VisibilityPrivate Visibility = "private"
)

// Cache is a named tenant namespace within which store paths live.
type Cache struct {
	ID                     int64
	Name                   string
	Keypair                string
	IsPublic               bool
	StoreDir               string
	Priority               int
	UpstreamCacheKeyNames  []string
	CreatedAt              time.Time
	DeletedAt              *time.Time
	RetentionPeriodSeconds *int64
}

// EffectiveRetention returns the cache's retention window, falling back to
// defaultSeconds when the cache has none of its own configured.
func (c *Cache) EffectiveRetention(defaultSeconds int64) int64 {
	if c.RetentionPeriodSeconds != nil {
		return *c.RetentionPeriodSeconds
	}
	return defaultSeconds
}

// NAR is a content-addressed serialized archive.
type NAR struct {
	ID               int64
	State            State
	NarHash          string // "sha256:<base16>"
	NarSize          int64
	Compression      CompressionKind
	NumChunks        int
	CompletenessHint bool
	HoldersCount     int64
	CreatedAt        time.Time
}

// Chunk is a content-addressed compressed blob backed by an object in the
// storage backend.
type Chunk struct {
	ID              int64
	State           State
	ChunkHash       string // plaintext hash
	ChunkSize       int64  // plaintext size
	FileHash        *string // encoded hash, nil while pending
	FileSize        *int64  // encoded size, nil while pending
	Compression     CompressionKind
	RemoteFile      string // opaque JSON descriptor
	RemoteFileID    string // globally unique storage-side key
	HoldersCount    int64
	CreatedAt       time.Time
}

// ChunkRef is the ordered membership of a chunk within a NAR.
type ChunkRef struct {
	ID          int64
	NarID       int64
	Seq         int
	ChunkID     *int64 // nil = chunk hash known but chunk not yet resolved
	ChunkHash   string
	Compression CompressionKind
}

// Object is a store-path record binding a tenant, a NAR, and Nix metadata.
type Object struct {
	ID             int64
	CacheID        int64
	NarID          int64
	StorePathHash  string
	StorePath      string
	References     []string
	System         *string
	Deriver        *string
	Sigs           []string
	CA             *string
	CreatedAt      time.Time
	LastAccessedAt *time.Time
	CreatedBy      *string
}
