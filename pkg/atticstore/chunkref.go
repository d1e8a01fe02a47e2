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

	"github.com/cs3org/atticd/pkg/atticmodel"
)

// InsertChunkRef records a chunk's membership at seq within narID,
// pointing at chunkID when already known (spec.md §4.1 step 4/5).
func (s *Store) InsertChunkRef(ctx context.Context, narID int64, seq int, chunkID int64, chunkHash string, compression atticmodel.CompressionKind) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
INSERT INTO chunkref (nar_id, seq, chunk_id, chunk_hash, compression) VALUES (?, ?, ?, ?, ?)`,
			narID, seq, chunkID, chunkHash, compression)
		return err
	})
}

// ListChunkRefs returns a NAR's ChunkRefs ordered by seq, used by the
// read path to reassemble the NAR's chunks in order (spec.md §4.5).
func (s *Store) ListChunkRefs(ctx context.Context, narID int64) ([]atticmodel.ChunkRef, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, nar_id, seq, chunk_id, chunk_hash, compression FROM chunkref WHERE nar_id = ? ORDER BY seq ASC`, narID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []atticmodel.ChunkRef
	for rows.Next() {
		var r atticmodel.ChunkRef
		if err := rows.Scan(&r.ID, &r.NarID, &r.Seq, &r.ChunkID, &r.ChunkHash, &r.Compression); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
