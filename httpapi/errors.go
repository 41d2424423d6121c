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

import (
	"encoding/json"
	"net/http"

	"github.com/go-faster/errors"
	"github.com/go-playground/validator/v10"

	"github.com/eventcore/rulesengine/core"
)

// errorEnvelope is the JSON shape §6/§7 require every HTTP error to
// carry: a kind, a message, optional structured details (validation
// field errors), and a stack that only appears outside production.
type errorEnvelope struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
	Stack   string `json:"stack,omitempty"`
}

func statusFor(kind core.Kind) int {
	switch kind {
	case core.KindValidation:
		return http.StatusBadRequest
	case core.KindNotFound:
		return http.StatusNotFound
	case core.KindConflict:
		return http.StatusConflict
	case core.KindActionFailed, core.KindEvalError, core.KindTimeout:
		// These are recorded on the rule execution, not surfaced to
		// an ingest/CRUD caller as a distinct HTTP status (§7); a
		// handler that somehow bubbles one up treats it as internal.
		return http.StatusInternalServerError
	case core.KindThrottled:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// writeProblem maps any error into the envelope and status code §7
// specifies. Validation errors from go-playground/validator are
// flattened into Details field-by-field instead of Go's default
// struct dump.
func (a *API) writeProblem(w http.ResponseWriter, ctx *core.Context, op string, err error) {
	if verrs, ok := err.(validator.ValidationErrors); ok {
		a.writeEnvelope(w, http.StatusBadRequest, "validation", "request failed validation", verrs.Error(), "")
		return
	}
	if err == core.Throttled || err == core.ThrottleExhausted || err == core.ThrottleOverflow {
		a.writeEnvelope(w, http.StatusTooManyRequests, string(core.KindThrottled), err.Error(), "", "")
		return
	}

	problem := core.AsProblem(err)
	status := statusFor(problem.Kind())
	core.Log(core.WARN|core.HTTPAPI, ctx, op, "kind", problem.Kind(), "err", problem.Error())

	stack := ""
	if !a.Production {
		stack = errors.Wrap(err, op).Error()
	}
	a.writeEnvelope(w, status, string(problem.Kind()), problem.Error(), "", stack)
}

func (a *API) writeEnvelope(w http.ResponseWriter, status int, kind, message, details, stack string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	env := errorEnvelope{Error: kind, Message: message, Details: details, Stack: stack}
	_ = json.NewEncoder(w).Encode(env)
}

func (a *API) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(v)
}
