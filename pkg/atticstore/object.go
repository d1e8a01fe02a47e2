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

package atticstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/cs3org/atticd/pkg/atticmodel"
)

// errCorruptNar is returned by FindObject when a NAR's ChunkRefs don't
// match its num_chunks (spec.md §4.4: "otherwise database corruption —
// fail with a DatabaseError"). Callers translate it with atticerr.
var errCorruptNar = errors.New("atticstore: chunk count does not match nar.num_chunks")

// ErrCorruptNar is the exported sentinel callers compare FindObject's
// error against to distinguish this specific inconsistency.
var ErrCorruptNar = errCorruptNar

func marshalList(ss []string) string {
	if ss == nil {
		ss = []string{}
	}
	b, _ := json.Marshal(ss)
	return string(b)
}

func unmarshalList(s string) []string {
	var ss []string
	_ = json.Unmarshal([]byte(s), &ss)
	return ss
}

// upsertObjectTx implements the insert-or-replace on (cache_id,
// store_path_hash) described in spec.md §4.4 ("Upsert-object operation")
// and invariant I5: on update, created_at is preserved and only mutable
// fields change.
func upsertObjectTx(ctx context.Context, tx *sql.Tx, obj atticmodel.Object) error {
	var existingID int64
	var createdAt time.Time
	row := tx.QueryRowContext(ctx,
		`SELECT id, created_at FROM object WHERE cache_id = ? AND store_path_hash = ?`,
		obj.CacheID, obj.StorePathHash)
	err := row.Scan(&existingID, &createdAt)

	switch err {
	case sql.ErrNoRows:
		_, err := tx.ExecContext(ctx, `
INSERT INTO object (cache_id, nar_id, store_path_hash, store_path, "references", system, deriver, sigs, ca, created_at, last_accessed_at, created_by)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL, ?)`,
			obj.CacheID, obj.NarID, obj.StorePathHash, obj.StorePath,
			marshalList(obj.References), obj.System, obj.Deriver, marshalList(obj.Sigs), obj.CA,
			time.Now().UTC(), obj.CreatedBy)
		return err
	case nil:
		_, err := tx.ExecContext(ctx, `
UPDATE object SET nar_id = ?, store_path = ?, "references" = ?, system = ?, deriver = ?, sigs = ?, ca = ?, created_by = ?
WHERE id = ?`,
			obj.NarID, obj.StorePath, marshalList(obj.References), obj.System, obj.Deriver,
			marshalList(obj.Sigs), obj.CA, obj.CreatedBy, existingID)
		return err
	default:
		return err
	}
}

// ObjectWithChunks is the result of find_object (spec.md §4.4): the
// Object, its Cache and NAR, and, when requested, its Chunks in seq
// order.
type ObjectWithChunks struct {
	Object atticmodel.Object
	Cache  atticmodel.Cache
	NAR    atticmodel.NAR
	Chunks []atticmodel.Chunk
}

// FindObject implements find_object(cache_name, store_path_hash,
// include_chunks). When chunks are requested, their count must equal
// nar.num_chunks; a mismatch is reported as a DatabaseError-worthy
// inconsistency by returning errCorruptNar, which callers map
// accordingly.
func (s *Store) FindObject(ctx context.Context, cacheName, storePathHash string, includeChunks bool) (ObjectWithChunks, bool, error) {
	var out ObjectWithChunks

	row := s.db.QueryRowContext(ctx, `
SELECT o.id, o.cache_id, o.nar_id, o.store_path_hash, o.store_path, o."references", o.system, o.deriver, o.sigs, o.ca, o.created_at, o.last_accessed_at, o.created_by,
       c.id, c.name, c.keypair, c.is_public, c.store_dir, c.priority, c.upstream_cache_key_names, c.retention_period_seconds, c.created_at, c.deleted_at,
       n.id, n.state, n.nar_hash, n.nar_size, n.compression, n.num_chunks, n.completeness_hint, n.holders_count, n.created_at
FROM object o
JOIN cache c ON c.id = o.cache_id
JOIN nar n ON n.id = o.nar_id
WHERE c.name = ? AND c.deleted_at IS NULL AND o.store_path_hash = ?`, cacheName, storePathHash)

	var references, sigs, upstreamNames string
	err := row.Scan(
		&out.Object.ID, &out.Object.CacheID, &out.Object.NarID, &out.Object.StorePathHash, &out.Object.StorePath,
		&references, &out.Object.System, &out.Object.Deriver, &sigs, &out.Object.CA,
		&out.Object.CreatedAt, &out.Object.LastAccessedAt, &out.Object.CreatedBy,
		&out.Cache.ID, &out.Cache.Name, &out.Cache.Keypair, &out.Cache.IsPublic, &out.Cache.StoreDir,
		&out.Cache.Priority, &upstreamNames, &out.Cache.RetentionPeriodSeconds, &out.Cache.CreatedAt, &out.Cache.DeletedAt,
		&out.NAR.ID, &out.NAR.State, &out.NAR.NarHash, &out.NAR.NarSize, &out.NAR.Compression,
		&out.NAR.NumChunks, &out.NAR.CompletenessHint, &out.NAR.HoldersCount, &out.NAR.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return ObjectWithChunks{}, false, nil
	}
	if err != nil {
		return ObjectWithChunks{}, false, err
	}
	out.Object.References = unmarshalList(references)
	out.Object.Sigs = unmarshalList(sigs)
	out.Cache.UpstreamCacheKeyNames = unmarshalList(upstreamNames)

	if !includeChunks {
		return out, true, nil
	}

	refs, err := s.ListChunkRefs(ctx, out.NAR.ID)
	if err != nil {
		return ObjectWithChunks{}, false, err
	}
	chunks := make([]atticmodel.Chunk, 0, len(refs))
	for _, ref := range refs {
		if ref.ChunkID == nil {
			return ObjectWithChunks{}, false, errCorruptNar
		}
		c, err := s.GetChunk(ctx, *ref.ChunkID)
		if err != nil {
			return ObjectWithChunks{}, false, err
		}
		chunks = append(chunks, c)
	}
	if len(chunks) != out.NAR.NumChunks {
		return ObjectWithChunks{}, false, errCorruptNar
	}
	out.Chunks = chunks
	return out, true, nil
}

// BumpObjectLastAccessed implements the read path's best-effort
// last_accessed_at update (spec.md §4.5).
func (s *Store) BumpObjectLastAccessed(ctx context.Context, objectID int64) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `UPDATE object SET last_accessed_at = ? WHERE id = ?`, time.Now().UTC(), objectID)
		return err
	})
}
