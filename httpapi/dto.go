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

package httpapi

import "github.com/eventcore/rulesengine/core"

// ingestRequest is the body of POST /events: spec.md §6's {id, type,
// data}. validator tags encode the validation-kind errors §7 calls
// for before a single query touches the store.
type ingestRequest struct {
	ExternalID string   `json:"id" validate:"required"`
	Type       string   `json:"type" validate:"required"`
	Data       core.JSON `json:"data" validate:"required"`
}

// replayBatchRequest is the body of POST /events/replay-batch.
type replayBatchRequest struct {
	EventIDs []int64 `json:"event_ids" validate:"required,min=1,max=100"`
}

// requeueStuckRequest is the (optional) body of POST
// /events/requeue-stuck; an absent OlderThanSeconds means "use the
// deployment default", and a value below 1 fails validation.
type requeueStuckRequest struct {
	OlderThanSeconds *int `json:"older_than_seconds" validate:"omitempty,min=1"`
}

// ruleCreateRequest is the body of POST /rules.
type ruleCreateRequest struct {
	Name      string    `json:"name" validate:"required"`
	EventType string    `json:"event_type" validate:"required"`
	Active    *bool     `json:"active"`
	Condition core.JSON `json:"condition" validate:"required"`
	Action    core.JSON `json:"action" validate:"required"`
}

// ruleUpdateRequest is the body of PUT /rules/{id}. Every field is a
// pointer so a caller can update one without disturbing the rest;
// store.UpdateRule treats nil as "leave unchanged".
type ruleUpdateRequest struct {
	Name      *string   `json:"name"`
	EventType *string   `json:"event_type"`
	Active    *bool     `json:"active"`
	Condition core.JSON `json:"condition"`
	Action    core.JSON `json:"action"`
}

// replayBatchResponse is the body of POST /events/replay-batch's 200.
type replayBatchResponse struct {
	Requested int           `json:"requested"`
	Replayed  int           `json:"replayed"`
	Events    []core.Event  `json:"events"`
	Warning   string        `json:"warning"`
}

// replayResponse is the body of POST /events/{id}/replay's 200.
type replayResponse struct {
	Event   *core.Event `json:"event"`
	Warning string      `json:"warning"`
}

// requeueStuckResponse is the body of POST /events/requeue-stuck's 200.
type requeueStuckResponse struct {
	Count  int           `json:"count"`
	Events []core.Event  `json:"events"`
}

// replayWarning is the two documented hazards §7 requires every
// replay response to restate: rule drift (an edited rule runs its new
// version, not the one that ran before) and dedup (an unedited rule's
// non-idempotent action may be skipped per §4.3.1).
const replayWarning = "current rule versions apply; non-idempotent actions already applied under the same rule version will be skipped (deduped)"
