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

// Package atticstore is the metadata store: typed accessors over the
// relational schema, the holder/guard liveness protocol, transaction
// serialization, and the garbage collector's queries. It is grounded on
// the donor's database/sql + mapstructure pattern
// (pkg/notification/manager/sql/sql.go), adapted from a single-table
// notification manager to the five-entity schema of spec.md §3/§6.
package atticstore

import (
	"context"
	"database/sql"
	"sync"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/mattn/go-sqlite3"

	"github.com/cs3org/atticd/pkg/atticlog"
)

var log = atticlog.New("atticstore")

// Driver names a supported SQL driver.
type Driver string

const (
	DriverSQLite Driver = "sqlite3"
	DriverMySQL  Driver = "mysql"
)

// Store is the metadata store. One Store owns one *sql.DB and the single
// process-wide mutex serializing transaction lifecycles on it (spec.md
// §4.4: "only one transaction may be open per connection").
//
// The upstream Rust implementation needs an explicit mutex hand-off from a
// committing/rolling-back transaction to a guard's asynchronously
// scheduled decrement, because async tasks there are not automatically
// joined. In Go, a plain sync.Mutex already provides the same guarantee
// as long as every transactional operation — including the holder-count
// decrement spawned when a guard is dropped — acquires txMu for its full
// Begin..Commit/Rollback lifetime and releases it only via defer after
// the terminal call returns. That is the re-architecture spec.md's
// Design Notes call for: no background task can ever observe the mutex
// unlocked before the prior transaction has actually concluded.
type Store struct {
	db     *sql.DB
	driver Driver
	txMu   sync.Mutex
}

// Open opens a database handle for driver at dsn. The returned Store has
// not yet had migrations applied; call Migrate before using it.
func Open(driver Driver, dsn string) (*Store, error) {
	db, err := sql.Open(string(driver), dsn)
	if err != nil {
		return nil, err
	}
	if driver == DriverSQLite {
		// SQLite permits only one writer at a time regardless of our own
		// mutex; pinning the pool to a single connection avoids
		// "database is locked" errors surfacing as spurious DatabaseErrors
		// instead of queueing behind txMu.
		db.SetMaxOpenConns(1)
	}
	return &Store{db: db, driver: driver}, nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

// withTx runs fn inside a transaction, holding txMu for the transaction's
// entire lifetime, and commits on success or rolls back on error or
// panic-free return of a non-nil error.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}

	return tx.Commit()
}

// placeholder returns the positional placeholder for the nth (1-indexed)
// bound parameter, accounting for the driver's native syntax (MySQL uses
// "?" throughout; SQLite accepts "?" as well, so a single implementation
// covers both drivers this engine ships).
func placeholder(n int) string {
	return "?"
}
