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

func scanCache(row *sql.Row, c *atticmodel.Cache) error {
	var upstreamNames string
	if err := row.Scan(&c.ID, &c.Name, &c.Keypair, &c.IsPublic, &c.StoreDir, &c.Priority,
		&upstreamNames, &c.RetentionPeriodSeconds, &c.CreatedAt, &c.DeletedAt); err != nil {
		return err
	}
	c.UpstreamCacheKeyNames = unmarshalList(upstreamNames)
	return nil
}

const cacheSelectColumns = `SELECT id, name, keypair, is_public, store_dir, priority, upstream_cache_key_names, retention_period_seconds, created_at, deleted_at`

// CreateCache inserts a new Cache row (the administrative interface
// behind spec.md §3, "Created by administrative interface").
func (s *Store) CreateCache(ctx context.Context, c atticmodel.Cache) (int64, error) {
	var id int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
INSERT INTO cache (name, keypair, is_public, store_dir, priority, upstream_cache_key_names, retention_period_seconds, created_at, deleted_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, NULL)`,
			c.Name, c.Keypair, c.IsPublic, c.StoreDir, c.Priority,
			marshalList(c.UpstreamCacheKeyNames), c.RetentionPeriodSeconds, time.Now().UTC())
		if err != nil {
			return err
		}
		id, err = res.LastInsertId()
		return err
	})
	return id, err
}

// FindCache looks up a live (non soft-deleted) Cache by name. Invariant
// I6: a Cache with deleted_at set is invisible here even though its name
// remains reserved (enforced by the UNIQUE index covering all rows).
func (s *Store) FindCache(ctx context.Context, name string) (atticmodel.Cache, bool, error) {
	var c atticmodel.Cache
	row := s.db.QueryRowContext(ctx, cacheSelectColumns+` FROM cache WHERE name = ? AND deleted_at IS NULL`, name)
	err := scanCache(row, &c)
	if err == sql.ErrNoRows {
		return atticmodel.Cache{}, false, nil
	}
	if err != nil {
		return atticmodel.Cache{}, false, err
	}
	return c, true, nil
}

// SoftDeleteCache sets deleted_at, reserving the name while hiding the
// cache from read and write paths (invariant I6).
func (s *Store) SoftDeleteCache(ctx context.Context, id int64) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `UPDATE cache SET deleted_at = ? WHERE id = ?`, time.Now().UTC(), id)
		return err
	})
}

// DestroyCache hard-deletes a Cache row and its Objects, used by the
// administrative "destroy" operation (spec.md §3, "destroyed either hard
// ... or soft").
func (s *Store) DestroyCache(ctx context.Context, id int64) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM object WHERE cache_id = ?`, id); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `DELETE FROM cache WHERE id = ?`, id)
		return err
	})
}

// CacheWithRetention pairs a cache id with its effective retention
// period, used by the GC's time-based sweep.
type CacheWithRetention struct {
	CacheID  int64
	CutoffAt time.Time
}

// FindCachesWithRetention returns, for every live cache, the cutoff time
// before which Objects should be reaped, using the cache's explicit
// retention_period_seconds or defaultSeconds when unset. A cache whose
// effective retention is zero (no default, no override) is excluded.
func (s *Store) FindCachesWithRetention(ctx context.Context, defaultSeconds int64) ([]CacheWithRetention, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, retention_period_seconds FROM cache WHERE deleted_at IS NULL`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []CacheWithRetention
	now := time.Now().UTC()
	for rows.Next() {
		var id int64
		var retention sql.NullInt64
		if err := rows.Scan(&id, &retention); err != nil {
			return nil, err
		}
		effective := defaultSeconds
		if retention.Valid {
			effective = retention.Int64
		}
		if effective <= 0 {
			continue
		}
		out = append(out, CacheWithRetention{
			CacheID:  id,
			CutoffAt: now.Add(-time.Duration(effective) * time.Second),
		})
	}
	return out, rows.Err()
}
