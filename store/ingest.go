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

package store

import (
	"database/sql"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/eventcore/rulesengine/core"
)

// Ingest upserts on external_id: a new external_id inserts a pending
// event with received_count=1; a repeat leaves every field untouched
// except incrementing received_count. The payload is never
// overwritten and the state is never re-opened by a re-delivery.
func (s *Store) Ingest(ctx *core.Context, externalID, eventType string, payload core.JSON) (*core.Event, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, core.AsProblem(err)
	}
	defer tx.Rollback()

	var ev core.Event
	err = tx.GetContext(ctx, &ev, `SELECT id, external_id, type, payload, state, received_count,
		created_at, processing_started_at, processed_at, replayed_at
		FROM events WHERE external_id = $1 FOR UPDATE`, externalID)
	switch err {
	case sql.ErrNoRows:
		if err := tx.GetContext(ctx, &ev, `
			INSERT INTO events (external_id, type, payload, state, received_count)
			VALUES ($1, $2, $3, 'pending', 1)
			RETURNING id, external_id, type, payload, state, received_count,
			          created_at, processing_started_at, processed_at, replayed_at
		`, externalID, eventType, []byte(payload)); err != nil {
			return nil, core.AsProblem(err)
		}
	case nil:
		if err := tx.GetContext(ctx, &ev, `
			UPDATE events SET received_count = received_count + 1 WHERE id = $1
			RETURNING id, external_id, type, payload, state, received_count,
			          created_at, processing_started_at, processed_at, replayed_at
		`, ev.ID); err != nil {
			return nil, core.AsProblem(err)
		}
	default:
		return nil, core.AsProblem(err)
	}

	if err := tx.Commit(); err != nil {
		return nil, core.AsProblem(err)
	}
	core.Log(core.INFO|core.STORE, ctx, "store.Ingest", "eventId", ev.ID, "receivedCount", ev.ReceivedCount)
	return &ev, nil
}

// replayableStates are the states Replay{Single,Batch} may move from.
var replayableStates = []string{string(core.EventProcessed), string(core.EventFailed)}

// ReplaySingle moves one event back to pending for reprocessing.
// Fails with not-found if the id doesn't exist, conflict if its
// current state isn't processed or failed.
func (s *Store) ReplaySingle(ctx *core.Context, id int64) (*core.Event, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, core.AsProblem(err)
	}
	defer tx.Rollback()

	var ev core.Event
	err = tx.GetContext(ctx, &ev, `SELECT id, external_id, type, payload, state, received_count,
		created_at, processing_started_at, processed_at, replayed_at
		FROM events WHERE id = $1 FOR UPDATE`, id)
	if err == sql.ErrNoRows {
		return nil, core.NewNotFoundError("event %d", id)
	}
	if err != nil {
		return nil, core.AsProblem(err)
	}
	if ev.State != core.EventProcessed && ev.State != core.EventFailed {
		return nil, core.NewConflictError("event %d is %s, not replayable", id, ev.State)
	}

	now := time.Now().UTC()
	if err := tx.GetContext(ctx, &ev, `
		UPDATE events SET state = 'pending', replayed_at = $1, processing_started_at = NULL
		WHERE id = $2
		RETURNING id, external_id, type, payload, state, received_count,
		          created_at, processing_started_at, processed_at, replayed_at
	`, now, id); err != nil {
		return nil, core.AsProblem(err)
	}

	if err := tx.Commit(); err != nil {
		return nil, core.AsProblem(err)
	}
	core.Log(core.INFO|core.STORE, ctx, "store.ReplaySingle", "eventId", id)
	return &ev, nil
}

// ReplayBatch replays the subset of the given ids currently in
// {processed, failed}; ids outside that subset, or that don't exist,
// are silently excluded. Returns the count requested and the rows
// actually replayed.
func (s *Store) ReplayBatch(ctx *core.Context, ids []int64) (requested int, replayed []core.Event, err error) {
	requested = len(ids)
	if requested == 0 {
		return 0, nil, nil
	}

	tx, txErr := s.db.BeginTxx(ctx, nil)
	if txErr != nil {
		return requested, nil, core.AsProblem(txErr)
	}
	defer tx.Rollback()

	now := time.Now().UTC()

	query, args, buildErr := sqlx.In(`
		UPDATE events SET state = 'pending', replayed_at = ?, processing_started_at = NULL
		WHERE id IN (?) AND state IN (?)
		RETURNING id, external_id, type, payload, state, received_count,
		          created_at, processing_started_at, processed_at, replayed_at
	`, now, ids, replayableStates)
	if buildErr != nil {
		return requested, nil, core.AsProblem(buildErr)
	}
	query = tx.Rebind(query)

	if selErr := tx.SelectContext(ctx, &replayed, query, args...); selErr != nil {
		return requested, nil, core.AsProblem(selErr)
	}

	if err := tx.Commit(); err != nil {
		return requested, nil, core.AsProblem(err)
	}
	core.Log(core.INFO|core.STORE, ctx, "store.ReplayBatch", "requested", requested, "replayed", len(replayed))
	return requested, replayed, nil
}

// GetEvent fetches one event by id.
func (s *Store) GetEvent(ctx *core.Context, id int64) (*core.Event, error) {
	var ev core.Event
	err := s.db.GetContext(ctx, &ev, `SELECT id, external_id, type, payload, state, received_count,
		created_at, processing_started_at, processed_at, replayed_at
		FROM events WHERE id = $1`, id)
	if err == sql.ErrNoRows {
		return nil, core.NewNotFoundError("event %d", id)
	}
	if err != nil {
		return nil, core.AsProblem(err)
	}
	return &ev, nil
}
