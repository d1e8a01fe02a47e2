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

const chunkSelectColumns = `SELECT id, state, chunk_hash, chunk_size, file_hash, file_size, compression, remote_file, remote_file_id, holders_count, created_at`

func scanChunk(row *sql.Row, c *atticmodel.Chunk) error {
	var fileHash sql.NullString
	var fileSize sql.NullInt64
	if err := row.Scan(&c.ID, &c.State, &c.ChunkHash, &c.ChunkSize, &fileHash, &fileSize,
		&c.Compression, &c.RemoteFile, &c.RemoteFileID, &c.HoldersCount, &c.CreatedAt); err != nil {
		return err
	}
	if fileHash.Valid {
		c.FileHash = &fileHash.String
	}
	if fileSize.Valid {
		c.FileSize = &fileSize.Int64
	}
	return nil
}

// InsertPendingChunk inserts a Chunk row in PendingUpload state with
// file_hash/file_size unset and holders_count=0 (spec.md §4.1 step 5b).
func (s *Store) InsertPendingChunk(ctx context.Context, chunkHash string, chunkSize int64, compression atticmodel.CompressionKind, remoteFile, remoteFileID string) (int64, error) {
	var id int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
INSERT INTO chunk (state, chunk_hash, chunk_size, file_hash, file_size, compression, remote_file, remote_file_id, holders_count, created_at)
VALUES (?, ?, ?, NULL, NULL, ?, ?, ?, 0, ?)`,
			atticmodel.StatePendingUpload, chunkHash, chunkSize, compression, remoteFile, remoteFileID, time.Now().UTC())
		if err != nil {
			return err
		}
		id, err = res.LastInsertId()
		return err
	})
	return id, err
}

// DeleteChunk removes a Chunk row outright. Used by the chunk-upload
// cleanup hook on abnormal exit.
func (s *Store) DeleteChunk(ctx context.Context, id int64) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `DELETE FROM chunk WHERE id = ?`, id)
		return err
	})
}

// FinalizeChunk marks a pending Chunk Valid with its encoded hash/size
// and holders_count=1, and repairs any broken ChunkRef with the matching
// (chunk_hash, compression) (spec.md §4.1 step 5e). It returns a guard
// over the now-Valid row so the caller can Release it once the chunk's
// permanent ChunkRef has been persisted.
func (s *Store) FinalizeChunk(ctx context.Context, chunkID int64, fileHash string, fileSize int64, chunkHash string, compression atticmodel.CompressionKind) (*ChunkGuard, error) {
	var c atticmodel.Chunk
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
UPDATE chunk SET state = ?, file_hash = ?, file_size = ?, holders_count = 1 WHERE id = ?`,
			atticmodel.StateValid, fileHash, fileSize, chunkID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
UPDATE chunkref SET chunk_id = ? WHERE chunk_hash = ? AND compression = ? AND chunk_id IS NULL`,
			chunkID, chunkHash, compression); err != nil {
			return err
		}
		return scanChunk(tx.QueryRowContext(ctx, chunkSelectColumns+` FROM chunk WHERE id = ?`, chunkID), &c)
	})
	if err != nil {
		return nil, err
	}
	return &ChunkGuard{store: s, Chunk: c}, nil
}

// GetChunk fetches a Chunk row by id, used when the read path reassembles
// a NAR from its ChunkRefs.
func (s *Store) GetChunk(ctx context.Context, id int64) (atticmodel.Chunk, error) {
	var c atticmodel.Chunk
	err := scanChunk(s.db.QueryRowContext(ctx, chunkSelectColumns+` FROM chunk WHERE id = ?`, id), &c)
	return c, err
}
