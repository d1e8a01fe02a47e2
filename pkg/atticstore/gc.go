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
	"time"

	"github.com/cs3org/atticd/pkg/atticmodel"
)

// OrphanChunkReapBatchSize bounds how many Deleted chunks a single reap
// pass attempts against the storage backend (spec.md §4.4, "Orphan Chunk
// reap ... process them in bounded batches").
const OrphanChunkReapBatchSize = 500

// DeleteObjectsByCacheAndCutoff implements the retention sweep's delete
// half: Objects in cacheID whose effective last-activity timestamp
// (last_accessed_at, falling back to created_at) precedes cutoff are
// removed.
func (s *Store) DeleteObjectsByCacheAndCutoff(ctx context.Context, cacheID int64, cutoff time.Time) (int64, error) {
	var affected int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
DELETE FROM object
WHERE cache_id = ?
  AND COALESCE(last_accessed_at, created_at) < ?`, cacheID, cutoff)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	return affected, err
}

// FindOrphanNarIDs returns Valid NARs with holders_count=0 and no Object
// referencing them — candidates for the orphan NAR reaper.
func (s *Store) FindOrphanNarIDs(ctx context.Context) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT n.id FROM nar n
WHERE n.state = ? AND n.holders_count = 0
  AND NOT EXISTS (SELECT 1 FROM object o WHERE o.nar_id = n.id)`, atticmodel.StateValid)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanIDs(rows)
}

// DeleteNarsByIDs removes NAR rows outright, along with their ChunkRefs
// (no backend object to clean up directly: a NAR's bytes live entirely
// in its Chunks). Dropping the ChunkRefs here is what lets the chunks
// they pointed at become candidates for FindOrphanChunkIDs on the next
// sweep — without it a reaped NAR would leave dangling ChunkRef rows
// that keep every chunk it used looking referenced forever.
func (s *Store) DeleteNarsByIDs(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, id := range ids {
			if _, err := tx.ExecContext(ctx, `DELETE FROM chunkref WHERE nar_id = ?`, id); err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, `DELETE FROM nar WHERE id = ?`, id); err != nil {
				return err
			}
		}
		return nil
	})
}

// FindOrphanChunkIDs returns Valid chunks with holders_count=0 and no
// ChunkRef referencing them.
func (s *Store) FindOrphanChunkIDs(ctx context.Context) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT c.id FROM chunk c
WHERE c.state = ? AND c.holders_count = 0
  AND NOT EXISTS (SELECT 1 FROM chunkref r WHERE r.chunk_id = c.id)`, atticmodel.StateValid)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanIDs(rows)
}

// TransitionChunksToDeleted moves the given chunk ids from Valid to
// Deleted, the tombstone state the reaper then drains in bounded
// batches.
func (s *Store) TransitionChunksToDeleted(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, id := range ids {
			if _, err := tx.ExecContext(ctx, `UPDATE chunk SET state = ? WHERE id = ?`, atticmodel.StateDeleted, id); err != nil {
				return err
			}
		}
		return nil
	})
}

// FindDeletedChunks returns up to limit Deleted chunks awaiting backend
// cleanup, oldest first.
func (s *Store) FindDeletedChunks(ctx context.Context, limit int) ([]chunkIDAndRef, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, remote_file FROM chunk WHERE state = ? ORDER BY id ASC LIMIT ?`, atticmodel.StateDeleted, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []chunkIDAndRef
	for rows.Next() {
		var r chunkIDAndRef
		if err := rows.Scan(&r.ID, &r.RemoteFile); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// chunkIDAndRef is the minimal projection the reaper needs to delete a
// chunk's backend object before dropping its row.
type chunkIDAndRef struct {
	ID         int64
	RemoteFile string
}

// DeleteChunksByIDs removes Deleted chunk rows whose backend objects have
// already been removed. Chunks whose backend delete failed are left in
// Deleted state for a later retry pass (spec.md §4.4).
func (s *Store) DeleteChunksByIDs(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, id := range ids {
			if _, err := tx.ExecContext(ctx, `DELETE FROM chunk WHERE id = ?`, id); err != nil {
				return err
			}
		}
		return nil
	})
}

func scanIDs(rows *sql.Rows) ([]int64, error) {
	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}
