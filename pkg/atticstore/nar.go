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
	"errors"
	"time"

	"github.com/cs3org/atticd/pkg/atticmodel"
)

// errNotFound is an internal sentinel used to short-circuit withTx
// closures when a lookup finds nothing; it never escapes this package.
var errNotFound = errors.New("atticstore: not found")

const narSelectColumns = `SELECT id, state, nar_hash, nar_size, compression, num_chunks, completeness_hint, holders_count, created_at`

func scanNar(row *sql.Row, n *atticmodel.NAR) error {
	return row.Scan(&n.ID, &n.State, &n.NarHash, &n.NarSize, &n.Compression,
		&n.NumChunks, &n.CompletenessHint, &n.HoldersCount, &n.CreatedAt)
}

// InsertPendingNar inserts a NAR row in PendingUpload state with
// num_chunks=0, returning its id. Used at the start of the chunked
// new-upload path (spec.md §4.1 step 4).
func (s *Store) InsertPendingNar(ctx context.Context, narHash string, narSize int64, compression atticmodel.CompressionKind) (int64, error) {
	var id int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
INSERT INTO nar (state, nar_hash, nar_size, compression, num_chunks, completeness_hint, holders_count, created_at)
VALUES (?, ?, ?, ?, 0, 0, 0, ?)`,
			atticmodel.StatePendingUpload, narHash, narSize, compression, time.Now().UTC())
		if err != nil {
			return err
		}
		id, err = res.LastInsertId()
		return err
	})
	return id, err
}

// DeleteNar removes a NAR row outright. Used by the deferred cleanup hook
// on an abnormal exit from the chunked upload path; the orphan NAR reaper
// uses DeleteNarsByIDs instead.
func (s *Store) DeleteNar(ctx context.Context, id int64) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `DELETE FROM nar WHERE id = ?`, id)
		return err
	})
}

// FinalizeChunkedNar marks a pending NAR Valid with the observed chunk
// count and sets its completeness hint, in the same transaction as the
// Object upsert (spec.md §4.1 step 4, "Chunked").
func (s *Store) FinalizeChunkedNar(ctx context.Context, narID int64, numChunks int, obj atticmodel.Object) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`UPDATE nar SET state = ?, num_chunks = ?, completeness_hint = 1 WHERE id = ?`,
			atticmodel.StateValid, numChunks, narID); err != nil {
			return err
		}
		return upsertObjectTx(ctx, tx, obj)
	})
}

// InsertUnchunkedNar inserts a Valid, single-chunk NAR plus its sole
// ChunkRef and upserts the Object, all in one transaction (spec.md §4.1
// step 4, "Unchunked").
func (s *Store) InsertUnchunkedNar(ctx context.Context, narHash string, narSize int64, compression atticmodel.CompressionKind, chunkID int64, chunkHash string, obj atticmodel.Object) (int64, error) {
	var narID int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
INSERT INTO nar (state, nar_hash, nar_size, compression, num_chunks, completeness_hint, holders_count, created_at)
VALUES (?, ?, ?, ?, 1, 1, 0, ?)`,
			atticmodel.StateValid, narHash, narSize, compression, time.Now().UTC())
		if err != nil {
			return err
		}
		narID, err = res.LastInsertId()
		if err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx, `
INSERT INTO chunkref (nar_id, seq, chunk_id, chunk_hash, compression) VALUES (?, 0, ?, ?, ?)`,
			narID, chunkID, chunkHash, compression); err != nil {
			return err
		}

		obj.NarID = narID
		return upsertObjectTx(ctx, tx, obj)
	})
	return narID, err
}

// SetNarCompletenessHint sets a NAR's completeness hint on its own. The
// dedup path (spec.md §4.1 step 3) does not call it: UpsertObjectDedup
// sets the hint in the same transaction as the Object upsert.
func (s *Store) SetNarCompletenessHint(ctx context.Context, narID int64, hint bool) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `UPDATE nar SET completeness_hint = ? WHERE id = ?`, hint, narID)
		return err
	})
}

// HasBrokenChunkRefs reports whether any ChunkRef of narID still has a
// null chunk_id (spec.md §4.1 step 2, "completeness check").
func (s *Store) HasBrokenChunkRefs(ctx context.Context, narID int64) (bool, error) {
	var count int
	row := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM chunkref WHERE nar_id = ? AND chunk_id IS NULL`, narID)
	if err := row.Scan(&count); err != nil {
		return false, err
	}
	return count > 0, nil
}

// UpsertObjectDedup performs the write-transaction half of the dedup path
// (spec.md §4.1 step 3): upsert the Object pointing at the locked NAR and
// mark that NAR's completeness hint true.
func (s *Store) UpsertObjectDedup(ctx context.Context, obj atticmodel.Object) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := upsertObjectTx(ctx, tx, obj); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `UPDATE nar SET completeness_hint = 1 WHERE id = ?`, obj.NarID)
		return err
	})
}
