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

// ClaimNext locks the single oldest pending event, skipping rows
// already locked by another worker, and atomically marks it
// processing with a fresh attempt row. Returns (nil, nil, nil) when
// there is no work.
//
// FOR UPDATE SKIP LOCKED is the entire concurrency primitive multiple
// worker processes rely on; no application-level locking is needed on
// top of it.
func (s *Store) ClaimNext(ctx *core.Context) (*core.Event, *core.EventAttempt, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, nil, core.AsProblem(err)
	}
	defer tx.Rollback()

	var ev core.Event
	err = tx.GetContext(ctx, &ev, `
		SELECT id, external_id, type, payload, state, received_count,
		       created_at, processing_started_at, processed_at, replayed_at
		FROM events
		WHERE state = 'pending'
		ORDER BY created_at ASC
		LIMIT 1
		FOR UPDATE SKIP LOCKED
	`)
	if err == sql.ErrNoRows {
		if commitErr := tx.Commit(); commitErr != nil {
			return nil, nil, core.AsProblem(commitErr)
		}
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, core.AsProblem(err)
	}

	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx, `
		UPDATE events SET state = 'processing', processing_started_at = $1 WHERE id = $2
	`, now, ev.ID); err != nil {
		return nil, nil, core.AsProblem(err)
	}
	ev.State = core.EventProcessing
	ev.ProcessingStartedAt = &now

	var attemptID int64
	if err := tx.GetContext(ctx, &attemptID, `
		INSERT INTO event_attempts (event_id, status, started_at) VALUES ($1, NULL, $2) RETURNING id
	`, ev.ID, now); err != nil {
		return nil, nil, core.AsProblem(err)
	}

	if err := tx.Commit(); err != nil {
		return nil, nil, core.AsProblem(err)
	}

	attempt := &core.EventAttempt{
		ID:        attemptID,
		EventID:   ev.ID,
		Status:    core.AttemptInFlight,
		StartedAt: now,
	}
	core.Log(core.INFO|core.STORE, ctx, "store.ClaimNext", "eventId", ev.ID, "attemptId", attemptID)
	return &ev, attempt, nil
}

// RecoverStuck resets every event stuck in processing past
// olderThan back to pending, and finalizes its orphaned in-flight
// attempt as failed with "exceeded timeout" so the audit trail
// reflects what happened to the abandoned attempt.
func (s *Store) RecoverStuck(ctx *core.Context, olderThan time.Duration) ([]core.Event, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, core.AsProblem(err)
	}
	defer tx.Rollback()

	cutoff := time.Now().UTC().Add(-olderThan)

	var stuck []core.Event
	if err := tx.SelectContext(ctx, &stuck, `
		SELECT id, external_id, type, payload, state, received_count,
		       created_at, processing_started_at, processed_at, replayed_at
		FROM events
		WHERE state = 'processing' AND processing_started_at < $1
		FOR UPDATE SKIP LOCKED
	`, cutoff); err != nil {
		return nil, core.AsProblem(err)
	}
	if len(stuck) == 0 {
		return nil, tx.Commit()
	}

	ids := make([]int64, len(stuck))
	for i, e := range stuck {
		ids[i] = e.ID
	}

	query, args, err := sqlx.In(`UPDATE events SET state = 'pending', processing_started_at = NULL WHERE id IN (?)`, ids)
	if err != nil {
		return nil, core.AsProblem(err)
	}
	if _, err := tx.ExecContext(ctx, s.db.Rebind(query), args...); err != nil {
		return nil, core.AsProblem(err)
	}

	finalizeQuery, finalizeArgs, err := sqlx.In(`
		UPDATE event_attempts
		SET status = 'failed', error = 'exceeded timeout', finished_at = now(),
		    duration_ms = EXTRACT(EPOCH FROM (now() - started_at)) * 1000
		WHERE event_id IN (?) AND status IS NULL
	`, ids)
	if err != nil {
		return nil, core.AsProblem(err)
	}
	if _, err := tx.ExecContext(ctx, s.db.Rebind(finalizeQuery), finalizeArgs...); err != nil {
		return nil, core.AsProblem(err)
	}

	if err := tx.Commit(); err != nil {
		return nil, core.AsProblem(err)
	}

	for i := range stuck {
		stuck[i].State = core.EventPending
		stuck[i].ProcessingStartedAt = nil
	}
	core.Log(core.INFO|core.STORE, ctx, "store.RecoverStuck", "count", len(stuck), "olderThan", olderThan)
	return stuck, nil
}

// FinalizeAttempt records the terminal outcome of one attempt: the
// event's new state (processed or failed, or pending if the per-event
// processing timeout fired) and the attempt's status/error/duration,
// in one transaction.
func (s *Store) FinalizeAttempt(ctx *core.Context, attemptID, eventID int64, newState core.EventState, attemptStatus core.AttemptStatus, errMsg string) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return core.AsProblem(err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()

	var errArg interface{}
	if errMsg != "" {
		errArg = errMsg
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE event_attempts
		SET status = $1, error = $2, finished_at = $3,
		    duration_ms = EXTRACT(EPOCH FROM ($3::timestamptz - started_at)) * 1000
		WHERE id = $4
	`, nullAttemptStatus(attemptStatus), errArg, now, attemptID); err != nil {
		return core.AsProblem(err)
	}

	switch newState {
	case core.EventPending:
		if _, err := tx.ExecContext(ctx, `
			UPDATE events SET state = 'pending', processing_started_at = NULL WHERE id = $1
		`, eventID); err != nil {
			return core.AsProblem(err)
		}
	default:
		if _, err := tx.ExecContext(ctx, `
			UPDATE events SET state = $1, processed_at = $2, processing_started_at = NULL WHERE id = $3
		`, string(newState), now, eventID); err != nil {
			return core.AsProblem(err)
		}
	}

	return tx.Commit()
}

func nullAttemptStatus(s core.AttemptStatus) interface{} {
	if s == core.AttemptInFlight {
		return nil
	}
	return string(s)
}
