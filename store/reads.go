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
	"strconv"
	"strings"
	"time"

	"github.com/eventcore/rulesengine/core"
)

// EventFilter narrows ListEvents; zero values are "don't filter".
type EventFilter struct {
	State     core.EventState
	Type      string
	Since     *time.Time
	Until     *time.Time
	Limit     int
	Offset    int
}

// ListEvents applies EventFilter and returns the matching rows newest
// first.
func (s *Store) ListEvents(ctx *core.Context, f EventFilter) ([]core.Event, error) {
	var b strings.Builder
	b.WriteString(`SELECT id, external_id, type, payload, state, received_count,
		created_at, processing_started_at, processed_at, replayed_at
		FROM events WHERE 1=1`)
	var args []interface{}

	if f.State != "" {
		args = append(args, string(f.State))
		b.WriteString(" AND state = $" + strconv.Itoa(len(args)))
	}
	if f.Type != "" {
		args = append(args, f.Type)
		b.WriteString(" AND type = $" + strconv.Itoa(len(args)))
	}
	if f.Since != nil {
		args = append(args, *f.Since)
		b.WriteString(" AND created_at >= $" + strconv.Itoa(len(args)))
	}
	if f.Until != nil {
		args = append(args, *f.Until)
		b.WriteString(" AND created_at <= $" + strconv.Itoa(len(args)))
	}

	b.WriteString(" ORDER BY created_at DESC")

	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	args = append(args, limit)
	b.WriteString(" LIMIT $" + strconv.Itoa(len(args)))
	args = append(args, f.Offset)
	b.WriteString(" OFFSET $" + strconv.Itoa(len(args)))

	var events []core.Event
	if err := s.db.SelectContext(ctx, &events, b.String(), args...); err != nil {
		return nil, core.AsProblem(err)
	}
	return events, nil
}

// AttemptWithExecutions is one event_attempts row joined with the
// rule_executions it produced, rule name and version included so the
// API doesn't need a second round trip per execution.
type AttemptWithExecutions struct {
	core.EventAttempt
	Executions []ExecutionDetail `db:"-" json:"executions"`
}

// ExecutionDetail is a rule_executions row enriched with the rule's
// name and version number at the time of execution.
type ExecutionDetail struct {
	core.RuleExecution
	RuleName    string `db:"rule_name" json:"ruleName"`
	RuleVersion int    `db:"version" json:"ruleVersion"`
}

// GetAttemptsForEvent returns every attempt for an event, each with
// its executions attached, oldest attempt first.
func (s *Store) GetAttemptsForEvent(ctx *core.Context, eventID int64) ([]AttemptWithExecutions, error) {
	var attempts []core.EventAttempt
	if err := s.db.SelectContext(ctx, &attempts, `
		SELECT id, event_id, status, error, started_at, finished_at, duration_ms
		FROM event_attempts WHERE event_id = $1 ORDER BY started_at ASC
	`, eventID); err != nil {
		return nil, core.AsProblem(err)
	}
	if len(attempts) == 0 {
		return nil, nil
	}

	out := make([]AttemptWithExecutions, len(attempts))
	for i, a := range attempts {
		out[i] = AttemptWithExecutions{EventAttempt: a}
		var execs []ExecutionDetail
		if err := s.db.SelectContext(ctx, &execs, `
			SELECT re.id, re.attempt_id, re.rule_id, re.rule_version_id, re.result, re.error, re.executed_at,
			       r.name AS rule_name, rv.version AS version
			FROM rule_executions re
			JOIN rules r ON r.id = re.rule_id
			JOIN rule_versions rv ON rv.id = re.rule_version_id
			WHERE re.attempt_id = $1
			ORDER BY re.id ASC
		`, a.ID); err != nil {
			return nil, core.AsProblem(err)
		}
		out[i].Executions = execs
	}
	return out, nil
}

// EventStats is the aggregate counts panel: totals by state plus a
// lenient 24h failure window that falls back to created_at when an
// event never reached processed_at.
type EventStats struct {
	Total         int64 `db:"total" json:"total"`
	Pending       int64 `db:"pending" json:"pending"`
	Processing    int64 `db:"processing" json:"processing"`
	Processed     int64 `db:"processed" json:"processed"`
	Failed        int64 `db:"failed" json:"failed"`
	FailedLast24h int64 `db:"failed_last_24h" json:"failedLast24h"`
}

// Stats computes EventStats, scoped by the same state/type/date-range
// filters ListEvents applies; f.Limit/f.Offset are ignored, since
// spec.md §6 documents /events/stats as taking "the same filters (no
// limit/offset)" as /events.
func (s *Store) Stats(ctx *core.Context, f EventFilter) (*EventStats, error) {
	var b strings.Builder
	b.WriteString(`
		SELECT
			COUNT(*) AS total,
			COUNT(*) FILTER (WHERE state = 'pending') AS pending,
			COUNT(*) FILTER (WHERE state = 'processing') AS processing,
			COUNT(*) FILTER (WHERE state = 'processed') AS processed,
			COUNT(*) FILTER (WHERE state = 'failed') AS failed,
			COUNT(*) FILTER (
				WHERE state = 'failed'
				  AND COALESCE(processed_at, created_at) >= now() - interval '24 hours'
			) AS failed_last_24h
		FROM events WHERE 1=1`)
	var args []interface{}

	if f.State != "" {
		args = append(args, string(f.State))
		b.WriteString(" AND state = $" + strconv.Itoa(len(args)))
	}
	if f.Type != "" {
		args = append(args, f.Type)
		b.WriteString(" AND type = $" + strconv.Itoa(len(args)))
	}
	if f.Since != nil {
		args = append(args, *f.Since)
		b.WriteString(" AND created_at >= $" + strconv.Itoa(len(args)))
	}
	if f.Until != nil {
		args = append(args, *f.Until)
		b.WriteString(" AND created_at <= $" + strconv.Itoa(len(args)))
	}

	var stats EventStats
	if err := s.db.GetContext(ctx, &stats, b.String(), args...); err != nil {
		return nil, core.AsProblem(err)
	}
	return &stats, nil
}

// RuleFilter narrows ListRules.
type RuleFilter struct {
	Active    *bool
	EventType string
	Limit     int
	Offset    int
}

// ListRules returns rule headers joined with their current version,
// ordered by id ascending.
func (s *Store) ListRules(ctx *core.Context, f RuleFilter) ([]RuleWithVersion, error) {
	var b strings.Builder
	b.WriteString(`
		SELECT r.id, r.name, r.event_type, r.active, r.current_version_id,
		       r.created_at, r.updated_at,
		       rv.id AS rule_version_id, rv.condition, rv.action, rv.version
		FROM rules r JOIN rule_versions rv ON rv.id = r.current_version_id
		WHERE 1=1`)
	var args []interface{}

	if f.Active != nil {
		args = append(args, *f.Active)
		b.WriteString(" AND r.active = $" + strconv.Itoa(len(args)))
	}
	if f.EventType != "" {
		args = append(args, f.EventType)
		b.WriteString(" AND r.event_type = $" + strconv.Itoa(len(args)))
	}
	b.WriteString(" ORDER BY r.id ASC")

	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	args = append(args, limit)
	b.WriteString(" LIMIT $" + strconv.Itoa(len(args)))
	args = append(args, f.Offset)
	b.WriteString(" OFFSET $" + strconv.Itoa(len(args)))

	var rules []RuleWithVersion
	if err := s.db.SelectContext(ctx, &rules, b.String(), args...); err != nil {
		return nil, core.AsProblem(err)
	}
	return rules, nil
}
