// Copyright 2015 Comcast Cable Communications Management, LLC
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
//
// End Copyright

// Package store is the relational persistence layer: the five
// tables of the data model, the claim/lease coordinator, ingest and
// replay, and rule CRUD. It is the one package in this tree allowed
// to hold a *sql.DB.
//
// Grounded in the teacher's core/storage.go Storage interface (one
// narrow interface wrapping a pluggable backend) generalized from a
// fact-store KV API to the relational schema this system actually
// needs; the SQL driver and connection-pool idiom are adopted from
// jordigilh-kubernaut, which is the pack's only relational-store
// example.
package store

import (
	"context"
	"database/sql"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"

	"github.com/eventcore/rulesengine/core"
)

// Store wraps a pooled connection to the relational backend. Every
// method takes a *core.Context so callers can bound a call with the
// per-event processing timeout.
type Store struct {
	db *sqlx.DB
}

// Open connects to Postgres via pgx's stdlib adapter (so sqlx's
// named-parameter convenience layer is usable on top of pgx) and
// configures the bounded pool spec.md §5 calls for: ~20 connections,
// ~30s idle timeout, ~2s connect timeout enforced by the first ping.
func Open(dsn string, maxConns int) (*Store, error) {
	sqlDB, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, core.AsProblem(err)
	}
	if maxConns <= 0 {
		maxConns = 20
	}
	sqlDB.SetMaxOpenConns(maxConns)
	sqlDB.SetMaxIdleConns(maxConns)
	sqlDB.SetConnMaxIdleTime(30 * time.Second)

	pingCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := sqlDB.PingContext(pingCtx); err != nil {
		return nil, core.AsProblem(err)
	}

	return &Store{db: sqlx.NewDb(sqlDB, "pgx")}, nil
}

// OpenWithDB wraps an already-open *sqlx.DB, the path store's tests
// use with go-sqlmock.
func OpenWithDB(db *sqlx.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Close() error {
	return s.db.Close()
}
