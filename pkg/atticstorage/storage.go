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

// Package atticstorage defines the object storage backend collaborator
// (spec.md §6) and ships two drivers: a local filesystem backend and an
// S3-compatible backend. The engine depends only on the four operations
// below, plus the ability to (de)serialize a Reference to and from the
// JSON string stored in a Chunk row's remote_file column.
package atticstorage

import (
	"context"
	"encoding/json"
	"io"
)

// Reference is an opaque, backend-specific descriptor identifying a
// stored object. It round-trips through JSON for storage in the
// database.
type Reference struct {
	// Backend names which driver produced this reference ("local" or "s3"),
	// so a multi-driver deployment can route Download/Delete correctly.
	Backend string `json:"backend"`
	// Key is the backend-specific object key (for "local": a file name
	// under the root, of which LocalBackend keeps only the last path
	// element; for "s3": the object key within the bucket).
	Key string `json:"key"`
}

// RemoteFileID returns the globally unique string used for storage-side
// identity and idempotent cleanup (the Chunk row's remote_file_id).
func (r Reference) RemoteFileID() string { return r.Backend + ":" + r.Key }

// Marshal serializes the reference to the JSON string stored in a Chunk
// row's remote_file column (spec.md §6: "the opaque reference being
// (de)serializable to a JSON string").
func (r Reference) Marshal() (string, error) {
	b, err := json.Marshal(r)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Unmarshal parses a Reference previously produced by Marshal.
func Unmarshal(s string) (Reference, error) {
	var r Reference
	err := json.Unmarshal([]byte(s), &r)
	return r, err
}

// DownloadResult is either a readable body or a redirect URL the caller
// should send the client to instead of proxying bytes.
type DownloadResult struct {
	Body        io.ReadCloser
	RedirectURL string
}

// Backend is the storage backend collaborator.
type Backend interface {
	// MakeReference allocates (without uploading anything) the reference
	// that a subsequent Upload/Download/Delete for key will use.
	MakeReference(ctx context.Context, key string) (Reference, error)
	// Upload durably stores the bytes read from r under ref's key.
	Upload(ctx context.Context, ref Reference, r io.Reader) error
	// Download returns the object's bytes, or a redirect URL the caller
	// should serve instead (used by backends that support presigned
	// URLs). When headOnly is set, Body may be nil after a successful
	// existence check.
	Download(ctx context.Context, ref Reference, headOnly bool) (DownloadResult, error)
	// Delete removes the backend object. Deleting a missing object is
	// not an error (idempotent cleanup).
	Delete(ctx context.Context, ref Reference) error
}
