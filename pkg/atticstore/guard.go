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

// NarGuard is a scoped hold on a NAR row's holders_count, acquired by
// LockNar. The upstream project releases the hold from a Drop impl that
// spawns an async decrement; Go has no destructors, so callers must
// explicitly Release the guard (typically via defer) once it has served
// its purpose — after the dedup-path transaction commits, or when an
// upload attempt abandons the row.
type NarGuard struct {
	store *Store
	NAR   atticmodel.NAR
}

// Release schedules the holders_count decrement in the background and
// returns immediately; it never blocks the caller on database I/O. A
// decrement failure is logged and otherwise ignored — holders_count is a
// GC safety hint, never a correctness mechanism (spec.md §4.4). The
// decrement itself goes through Store.withTx like any other write, so it
// is serialized behind txMu exactly like a foreground transaction: no
// separate hand-off mechanism is needed (see the doc comment on
// Store.txMu in db.go).
func (g *NarGuard) Release() {
	if g == nil {
		return
	}
	store, id := g.store, g.NAR.ID
	go func() {
		if err := store.decrementNarHolders(context.Background(), id); err != nil {
			log.Warn().Err(err).Int64("nar_id", id).Msg("failed to decrement nar holders_count")
		}
	}()
}

// ChunkGuard is the Chunk analogue of NarGuard.
type ChunkGuard struct {
	store *Store
	Chunk atticmodel.Chunk
}

// Release schedules the holders_count decrement in the background.
func (g *ChunkGuard) Release() {
	if g == nil {
		return
	}
	store, id := g.store, g.Chunk.ID
	go func() {
		if err := store.decrementChunkHolders(context.Background(), id); err != nil {
			log.Warn().Err(err).Int64("chunk_id", id).Msg("failed to decrement chunk holders_count")
		}
	}()
}

func (s *Store) decrementNarHolders(ctx context.Context, id int64) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`UPDATE nar SET holders_count = holders_count - 1 WHERE id = ? AND holders_count > 0`, id)
		return err
	})
}

func (s *Store) decrementChunkHolders(ctx context.Context, id int64) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`UPDATE chunk SET holders_count = holders_count - 1 WHERE id = ? AND holders_count > 0`, id)
		return err
	})
}

// LockNar implements the "lock_nar" operation (spec.md §4.4): atomically
// increments holders_count on a single Valid NAR row matching narHash and
// returns a guard over it. The second return value is false when no such
// row exists.
func (s *Store) LockNar(ctx context.Context, narHash string) (*NarGuard, bool, error) {
	var n atticmodel.NAR
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.QueryContext(ctx, `
SELECT id FROM nar WHERE nar_hash = ? AND state = ? LIMIT 1`, narHash, atticmodel.StateValid)
		if err != nil {
			return err
		}
		var id int64
		found := false
		if res.Next() {
			if err := res.Scan(&id); err != nil {
				res.Close()
				return err
			}
			found = true
		}
		res.Close()
		if !found {
			n = atticmodel.NAR{}
			return errNotFound
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE nar SET holders_count = holders_count + 1 WHERE id = ?`, id); err != nil {
			return err
		}

		return scanNar(tx.QueryRowContext(ctx, narSelectColumns+` FROM nar WHERE id = ?`, id), &n)
	})
	if err == errNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return &NarGuard{store: s, NAR: n}, true, nil
}

// LockChunk implements the "lock_chunk" operation: atomically increments
// holders_count on a single Valid Chunk row matching (chunkHash,
// compression).
func (s *Store) LockChunk(ctx context.Context, chunkHash string, compression atticmodel.CompressionKind) (*ChunkGuard, bool, error) {
	var c atticmodel.Chunk
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var id int64
		row := tx.QueryRowContext(ctx, `
SELECT id FROM chunk WHERE chunk_hash = ? AND compression = ? AND state = ? LIMIT 1`,
			chunkHash, compression, atticmodel.StateValid)
		if err := row.Scan(&id); err != nil {
			if err == sql.ErrNoRows {
				return errNotFound
			}
			return err
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE chunk SET holders_count = holders_count + 1 WHERE id = ?`, id); err != nil {
			return err
		}

		return scanChunk(tx.QueryRowContext(ctx, chunkSelectColumns+` FROM chunk WHERE id = ?`, id), &c)
	})
	if err == errNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return &ChunkGuard{store: s, Chunk: c}, true, nil
}
