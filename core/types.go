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

package core

import (
	"encoding/json"
	"time"
)

// EventState is one of the four states an Event moves through. See
// Event's docstring for the transition diagram.
type EventState string

const (
	EventPending    EventState = "pending"
	EventProcessing EventState = "processing"
	EventProcessed  EventState = "processed"
	EventFailed     EventState = "failed"
)

// Event is one unit of ingested work: an arbitrary JSON payload of a
// given type, to be matched against the active rules for that type.
//
//	pending -> processing -> processed
//	                       -> failed
//	processing -> pending   (lease recovery, processing timeout)
//	processed -> pending    (replay)
//	failed -> pending       (replay)
//
// external_id is globally unique and caller-supplied; re-ingesting
// the same external_id bumps received_count rather than creating a
// second row. payload and type are immutable once inserted.
type Event struct {
	ID                  int64      `db:"id" json:"id"`
	ExternalID          string     `db:"external_id" json:"external_id"`
	Type                string     `db:"type" json:"type"`
	Payload             JSON       `db:"payload" json:"payload"`
	State               EventState `db:"state" json:"state"`
	ReceivedCount       int        `db:"received_count" json:"received_count"`
	CreatedAt           time.Time  `db:"created_at" json:"created_at"`
	ProcessingStartedAt *time.Time `db:"processing_started_at" json:"processing_started_at,omitempty"`
	ProcessedAt         *time.Time `db:"processed_at" json:"processed_at,omitempty"`
	ReplayedAt          *time.Time `db:"replayed_at" json:"replayed_at,omitempty"`
}

// AttemptStatus is nil (represented here as AttemptInFlight) while
// an attempt is still being processed.
type AttemptStatus string

const (
	AttemptInFlight AttemptStatus = ""
	AttemptSuccess  AttemptStatus = "success"
	AttemptFailed   AttemptStatus = "failed"
)

// EventAttempt records one claim of an Event by a worker: when it
// started, how it finished, and how long it took. An Event
// accumulates one EventAttempt per claim (including claims that were
// later recovered from a stuck lease).
type EventAttempt struct {
	ID         int64         `db:"id" json:"id"`
	EventID    int64         `db:"event_id" json:"event_id"`
	Status     AttemptStatus `db:"status" json:"status,omitempty"`
	Error      *string       `db:"error" json:"error,omitempty"`
	StartedAt  time.Time     `db:"started_at" json:"started_at"`
	FinishedAt *time.Time    `db:"finished_at" json:"finished_at,omitempty"`
	DurationMs *int64        `db:"duration_ms" json:"duration_ms,omitempty"`
}

// Rule is the mutable header for a named, versioned matching rule.
// CurrentVersionID always points at a RuleVersion whose RuleID
// matches this Rule's ID; Active=false excludes it from evaluation
// without deleting its history.
type Rule struct {
	ID                int64      `db:"id" json:"id"`
	Name              string     `db:"name" json:"name"`
	EventType         string     `db:"event_type" json:"event_type"`
	Active            bool       `db:"active" json:"active"`
	CurrentVersionID  *int64     `db:"current_version_id" json:"current_version_id,omitempty"`
	CreatedAt         time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time  `db:"updated_at" json:"updated_at"`
}

// RuleVersion is an immutable condition+action pair. A new version is
// created whenever Condition or Action changes; editing Name,
// EventType, or Active on the owning Rule does not.
type RuleVersion struct {
	ID        int64     `db:"id" json:"id"`
	RuleID    int64     `db:"rule_id" json:"rule_id"`
	Condition JSON      `db:"condition" json:"condition"`
	Action    JSON      `db:"action" json:"action"`
	Version   int       `db:"version" json:"version"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// ExecutionResult is the outcome of considering one RuleVersion
// against one EventAttempt.
type ExecutionResult string

const (
	ExecApplied ExecutionResult = "applied"
	ExecSkipped ExecutionResult = "skipped"
	ExecFailed  ExecutionResult = "failed"
	ExecDeduped ExecutionResult = "deduped"
)

// RuleExecution is created exactly once per rule considered per
// attempt and is never modified afterward. It's the audit trail that
// answers "what did this rule do, the last time this event type
// came through."
type RuleExecution struct {
	ID            int64           `db:"id" json:"id"`
	AttemptID     int64           `db:"attempt_id" json:"attempt_id"`
	RuleID        int64           `db:"rule_id" json:"rule_id"`
	RuleVersionID int64           `db:"rule_version_id" json:"rule_version_id"`
	Result        ExecutionResult `db:"result" json:"result"`
	Error         *string         `db:"error" json:"error,omitempty"`
	ExecutedAt    time.Time       `db:"executed_at" json:"executed_at"`
}

// JSON is a raw JSON document kept un-decoded until something
// actually needs its structure: an event payload, a rule condition
// tree, or an action record. Postgres stores it as jsonb; in Go it
// round-trips byte-for-byte through database/sql and
// encoding/json without an intermediate map[string]interface{}
// unless a caller asks for one.
type JSON []byte

func (j JSON) MarshalJSON() ([]byte, error) {
	if len(j) == 0 {
		return []byte("null"), nil
	}
	return j, nil
}

func (j *JSON) UnmarshalJSON(data []byte) error {
	if j == nil {
		return NewSyntaxError("core.JSON: UnmarshalJSON on nil pointer")
	}
	*j = append((*j)[0:0], data...)
	return nil
}

// Value decodes the document into a generic interface{} tree
// (map[string]interface{}, []interface{}, string, float64, bool, nil).
func (j JSON) Value() (interface{}, error) {
	if len(j) == 0 {
		return nil, nil
	}
	var v interface{}
	if err := json.Unmarshal(j, &v); err != nil {
		return nil, NewSyntaxError("core.JSON.Value: %s", err)
	}
	return v, nil
}

// Map decodes the document as a JSON object, which is what event
// payloads are required to be.
func (j JSON) Map() (map[string]interface{}, error) {
	v, err := j.Value()
	if err != nil {
		return nil, err
	}
	if v == nil {
		return map[string]interface{}{}, nil
	}
	m, ok := v.(map[string]interface{})
	if !ok {
		return nil, NewSyntaxError("core.JSON.Map: not a JSON object")
	}
	return m, nil
}

func NewJSON(v interface{}) (JSON, error) {
	bs, err := json.Marshal(v)
	if err != nil {
		return nil, NewSyntaxError("core.NewJSON: %s", err)
	}
	return JSON(bs), nil
}
