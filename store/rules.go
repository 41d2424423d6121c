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
	"bytes"
	"database/sql"
	"time"

	"github.com/eventcore/rulesengine/core"
)

// RuleWithVersion is a Rule joined with its current version's
// condition/action, the shape engine/ actually needs to evaluate.
type RuleWithVersion struct {
	core.Rule
	RuleVersionID int64    `db:"rule_version_id"`
	Condition     core.JSON `db:"condition"`
	Action        core.JSON `db:"action"`
	Version       int       `db:"version"`
}

// ActiveRulesForType loads every active rule for an event type joined
// with its current version, ordered by rule id ascending for
// deterministic evaluation order.
func (s *Store) ActiveRulesForType(ctx *core.Context, eventType string) ([]RuleWithVersion, error) {
	var rules []RuleWithVersion
	err := s.db.SelectContext(ctx, &rules, `
		SELECT r.id, r.name, r.event_type, r.active, r.current_version_id,
		       r.created_at, r.updated_at,
		       rv.id AS rule_version_id, rv.condition, rv.action, rv.version
		FROM rules r
		JOIN rule_versions rv ON rv.id = r.current_version_id
		WHERE r.active = true AND r.event_type = $1
		ORDER BY r.id ASC
	`, eventType)
	if err != nil {
		return nil, core.AsProblem(err)
	}
	return rules, nil
}

// CreateRule inserts a rule header plus its first version.
func (s *Store) CreateRule(ctx *core.Context, name, eventType string, active bool, condition, action core.JSON) (*RuleWithVersion, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, core.AsProblem(err)
	}
	defer tx.Rollback()

	var ruleID int64
	if err := tx.GetContext(ctx, &ruleID, `
		INSERT INTO rules (name, event_type, active) VALUES ($1, $2, $3) RETURNING id
	`, name, eventType, active); err != nil {
		return nil, core.AsProblem(err)
	}

	var versionID int64
	if err := tx.GetContext(ctx, &versionID, `
		INSERT INTO rule_versions (rule_id, condition, action, version)
		VALUES ($1, $2, $3, 1) RETURNING id
	`, ruleID, []byte(condition), []byte(action)); err != nil {
		return nil, core.AsProblem(err)
	}

	if _, err := tx.ExecContext(ctx, `UPDATE rules SET current_version_id = $1 WHERE id = $2`, versionID, ruleID); err != nil {
		return nil, core.AsProblem(err)
	}

	if err := tx.Commit(); err != nil {
		return nil, core.AsProblem(err)
	}
	core.Log(core.INFO|core.STORE, ctx, "store.CreateRule", "ruleId", ruleID)
	return s.GetRule(ctx, ruleID)
}

// UpdateRule applies a partial update. Metadata fields (name,
// eventType, active — nil pointers mean "leave unchanged") are
// applied in place and bump updated_at unconditionally; a non-nil
// condition/action that differs byte-for-byte from the current
// version creates a new version and retargets current_version_id.
func (s *Store) UpdateRule(ctx *core.Context, id int64, name, eventType *string, active *bool, condition, action core.JSON) (*RuleWithVersion, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, core.AsProblem(err)
	}
	defer tx.Rollback()

	var current RuleWithVersion
	err = tx.GetContext(ctx, &current, `
		SELECT r.id, r.name, r.event_type, r.active, r.current_version_id,
		       r.created_at, r.updated_at,
		       rv.id AS rule_version_id, rv.condition, rv.action, rv.version
		FROM rules r JOIN rule_versions rv ON rv.id = r.current_version_id
		WHERE r.id = $1 FOR UPDATE
	`, id)
	if err == sql.ErrNoRows {
		return nil, core.NewNotFoundError("rule %d", id)
	}
	if err != nil {
		return nil, core.AsProblem(err)
	}

	newName := current.Name
	if name != nil {
		newName = *name
	}
	newType := current.EventType
	if eventType != nil {
		newType = *eventType
	}
	newActive := current.Active
	if active != nil {
		newActive = *active
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE rules SET name = $1, event_type = $2, active = $3, updated_at = now() WHERE id = $4
	`, newName, newType, newActive, id); err != nil {
		return nil, core.AsProblem(err)
	}

	changed := (condition != nil && !bytes.Equal([]byte(condition), []byte(current.Condition))) ||
		(action != nil && !bytes.Equal([]byte(action), []byte(current.Action)))
	if changed {
		newCondition := current.Condition
		if condition != nil {
			newCondition = condition
		}
		newAction := current.Action
		if action != nil {
			newAction = action
		}

		var nextVersion int
		if err := tx.GetContext(ctx, &nextVersion, `
			SELECT COALESCE(MAX(version), 0) + 1 FROM rule_versions WHERE rule_id = $1
		`, id); err != nil {
			return nil, core.AsProblem(err)
		}

		var versionID int64
		if err := tx.GetContext(ctx, &versionID, `
			INSERT INTO rule_versions (rule_id, condition, action, version)
			VALUES ($1, $2, $3, $4) RETURNING id
		`, id, []byte(newCondition), []byte(newAction), nextVersion); err != nil {
			return nil, core.AsProblem(err)
		}

		if _, err := tx.ExecContext(ctx, `UPDATE rules SET current_version_id = $1 WHERE id = $2`, versionID, id); err != nil {
			return nil, core.AsProblem(err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, core.AsProblem(err)
	}
	core.Log(core.INFO|core.STORE, ctx, "store.UpdateRule", "ruleId", id, "newVersion", changed)
	return s.GetRule(ctx, id)
}

// DeactivateRule soft-deletes a rule: sets active=false without
// touching its version history.
func (s *Store) DeactivateRule(ctx *core.Context, id int64) (*RuleWithVersion, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE rules SET active = false, updated_at = now() WHERE id = $1`, id)
	if err != nil {
		return nil, core.AsProblem(err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return nil, core.NewNotFoundError("rule %d", id)
	}
	return s.GetRule(ctx, id)
}

// GetRule fetches one rule joined with its current version.
func (s *Store) GetRule(ctx *core.Context, id int64) (*RuleWithVersion, error) {
	var r RuleWithVersion
	err := s.db.GetContext(ctx, &r, `
		SELECT r.id, r.name, r.event_type, r.active, r.current_version_id,
		       r.created_at, r.updated_at,
		       rv.id AS rule_version_id, rv.condition, rv.action, rv.version
		FROM rules r JOIN rule_versions rv ON rv.id = r.current_version_id
		WHERE r.id = $1
	`, id)
	if err == sql.ErrNoRows {
		return nil, core.NewNotFoundError("rule %d", id)
	}
	if err != nil {
		return nil, core.AsProblem(err)
	}
	return &r, nil
}

// ListRuleVersions returns every version of a rule, newest first.
func (s *Store) ListRuleVersions(ctx *core.Context, ruleID int64) ([]core.RuleVersion, error) {
	var versions []core.RuleVersion
	err := s.db.SelectContext(ctx, &versions, `
		SELECT id, rule_id, condition, action, version, created_at
		FROM rule_versions WHERE rule_id = $1 ORDER BY version DESC
	`, ruleID)
	if err != nil {
		return nil, core.AsProblem(err)
	}
	return versions, nil
}

// DedupExists implements the replay dedup predicate (§4.3.1): true
// iff the given rule version has already produced an applied or
// deduped execution for this event.
func (s *Store) DedupExists(ctx *core.Context, eventID, ruleVersionID int64) (bool, error) {
	var exists bool
	err := s.db.GetContext(ctx, &exists, `
		SELECT EXISTS (
			SELECT 1
			FROM rule_executions re
			JOIN event_attempts ea ON ea.id = re.attempt_id
			WHERE ea.event_id = $1 AND re.rule_version_id = $2
			  AND re.result IN ('applied', 'deduped')
		)
	`, eventID, ruleVersionID)
	if err != nil {
		return false, core.AsProblem(err)
	}
	return exists, nil
}

// RecordExecution inserts one immutable rule_executions row.
func (s *Store) RecordExecution(ctx *core.Context, attemptID, ruleID, ruleVersionID int64, result core.ExecutionResult, errMsg string) error {
	var errArg interface{}
	if errMsg != "" {
		errArg = errMsg
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO rule_executions (attempt_id, rule_id, rule_version_id, result, error, executed_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, attemptID, ruleID, ruleVersionID, string(result), errArg, time.Now().UTC())
	return core.AsProblem(err)
}
