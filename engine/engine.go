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

// Package engine runs one claimed event against the active rule set
// for its type and finalizes the attempt. It is the one place C1
// (expr), C2 (dispatch), rulecache, and store's claim/lease tables
// all meet.
package engine

import (
	"strings"
	"time"

	"github.com/eventcore/rulesengine/core"
	"github.com/eventcore/rulesengine/dispatch"
	"github.com/eventcore/rulesengine/expr"
	"github.com/eventcore/rulesengine/store"
)

// RuleLoader is the read ProcessEvent drives rule evaluation from.
// Satisfied by both *store.Store directly and *rulecache.Cache.
type RuleLoader interface {
	ActiveRulesForType(ctx *core.Context, eventType string) ([]store.RuleWithVersion, error)
}

// Persister is the subset of *store.Store ProcessEvent writes
// through. Narrowed to an interface so engine tests can run without a
// database.
type Persister interface {
	FinalizeAttempt(ctx *core.Context, attemptID, eventID int64, newState core.EventState, attemptStatus core.AttemptStatus, errMsg string) error
	RecordExecution(ctx *core.Context, attemptID, ruleID, ruleVersionID int64, result core.ExecutionResult, errMsg string) error
	DedupExists(ctx *core.Context, eventID, ruleVersionID int64) (bool, error)
}

// Dispatcher runs a parsed action. Satisfied by *dispatch.Dispatcher.
type Dispatcher interface {
	Dispatch(ctx *core.Context, action *dispatch.Action) core.Problem
}

// Broadcaster publishes a state change to the live-update channel.
// Satisfied by *live.Hub; nil is a valid "no live updates" value.
type Broadcaster interface {
	Broadcast(eventID int64)
}

// Engine wires one event's worth of evaluation together.
type Engine struct {
	Rules             RuleLoader
	Store             Persister
	Dispatcher        Dispatcher
	Live              Broadcaster
	ProcessingTimeout time.Duration
}

// New builds an Engine with a sane default processing timeout.
func New(rules RuleLoader, st Persister, dispatcher Dispatcher, live Broadcaster, processingTimeout time.Duration) *Engine {
	if processingTimeout <= 0 {
		processingTimeout = 60 * time.Second
	}
	return &Engine{Rules: rules, Store: st, Dispatcher: dispatcher, Live: live, ProcessingTimeout: processingTimeout}
}

// ProcessEvent runs the full evaluation algorithm for one claimed
// event and finalizes its attempt, bounded by ProcessingTimeout. A
// fault internal to the engine itself (rule load failure, a
// malformed payload) fails the attempt outright rather than being
// attributed to any individual rule.
func (e *Engine) ProcessEvent(parent *core.Context, ev *core.Event, attempt *core.EventAttempt) error {
	ctx, cancel := parent.WithTimeout(e.ProcessingTimeout)
	defer cancel()

	rules, err := e.Rules.ActiveRulesForType(ctx, ev.Type)
	if err != nil {
		return e.finalizeFault(parent, attempt, ev, err)
	}

	payload, err := ev.Payload.Map()
	if err != nil {
		return e.finalizeFault(parent, attempt, ev, err)
	}

	var errs []string
	for _, r := range rules {
		if ctx.Err() != nil {
			return e.finalizeTimeout(parent, attempt, ev)
		}

		ruleErr, infraErr := e.evaluateOne(ctx, ev, attempt, r, payload)
		if infraErr != nil {
			return e.finalizeFault(parent, attempt, ev, infraErr)
		}
		if ruleErr != "" {
			errs = append(errs, ruleErr)
		}
	}

	newState := core.EventProcessed
	attemptStatus := core.AttemptSuccess
	errMsg := ""
	if len(errs) > 0 {
		newState = core.EventFailed
		attemptStatus = core.AttemptFailed
		errMsg = strings.Join(errs, "\n")
	}

	if err := e.Store.FinalizeAttempt(parent, attempt.ID, ev.ID, newState, attemptStatus, errMsg); err != nil {
		return err
	}
	core.Log(core.INFO|core.ENGINE, parent, "engine.ProcessEvent", "eventId", ev.ID, "state", newState, "rules", len(rules))
	e.broadcast(ev.ID)
	return nil
}

// evaluateOne implements §4.3 step 2 for a single rule. ruleErr is
// the rendered error to fold into the attempt's error list (empty
// when the rule skipped, deduped, or applied cleanly). infraErr is a
// fault in the engine's own machinery (a RecordExecution write that
// failed, a dedup lookup that errored) that must abort the whole
// attempt, not just this rule.
func (e *Engine) evaluateOne(ctx *core.Context, ev *core.Event, attempt *core.EventAttempt, r store.RuleWithVersion, payload map[string]interface{}) (ruleErr string, infraErr error) {
	cond, parseErr := expr.Parse(r.Condition)
	var matched bool
	var evalErr error
	if parseErr != nil {
		evalErr = parseErr
	} else {
		matched, evalErr = expr.Evaluate(cond, payload)
	}
	if evalErr != nil {
		rendered := evalErr.Error()
		if err := e.record(ctx, attempt.ID, r, core.ExecFailed, rendered); err != nil {
			return "", err
		}
		return rendered, nil
	}
	if !matched {
		if err := e.record(ctx, attempt.ID, r, core.ExecSkipped, ""); err != nil {
			return "", err
		}
		return "", nil
	}

	action, actionErr := dispatch.ParseAction(r.Action)
	if actionErr != nil {
		rendered := actionErr.Error()
		if err := e.record(ctx, attempt.ID, r, core.ExecFailed, rendered); err != nil {
			return "", err
		}
		return rendered, nil
	}

	if !action.Idempotent() {
		deduped, err := e.Store.DedupExists(ctx, ev.ID, r.RuleVersionID)
		if err != nil {
			return "", err
		}
		if deduped {
			if err := e.record(ctx, attempt.ID, r, core.ExecDeduped, ""); err != nil {
				return "", err
			}
			return "", nil
		}
	}

	if dispatchErr := e.Dispatcher.Dispatch(ctx, action); dispatchErr != nil {
		rendered := dispatchErr.Error()
		if err := e.record(ctx, attempt.ID, r, core.ExecFailed, rendered); err != nil {
			return "", err
		}
		return rendered, nil
	}

	if err := e.record(ctx, attempt.ID, r, core.ExecApplied, ""); err != nil {
		return "", err
	}
	return "", nil
}

func (e *Engine) record(ctx *core.Context, attemptID int64, r store.RuleWithVersion, result core.ExecutionResult, errMsg string) error {
	return e.Store.RecordExecution(ctx, attemptID, r.ID, r.RuleVersionID, result, errMsg)
}

func (e *Engine) finalizeFault(parent *core.Context, attempt *core.EventAttempt, ev *core.Event, err error) error {
	core.Log(core.ERROR|core.ENGINE, parent, "engine.ProcessEvent", "eventId", ev.ID, "fault", err)
	if finalizeErr := e.Store.FinalizeAttempt(parent, attempt.ID, ev.ID, core.EventFailed, core.AttemptFailed, err.Error()); finalizeErr != nil {
		return finalizeErr
	}
	e.broadcast(ev.ID)
	return err
}

func (e *Engine) finalizeTimeout(parent *core.Context, attempt *core.EventAttempt, ev *core.Event) error {
	timeoutErr := core.NewTimeoutError("event %d exceeded processing timeout", ev.ID)
	core.Log(core.WARN|core.ENGINE, parent, "engine.ProcessEvent", "eventId", ev.ID, "timeout", true)
	if finalizeErr := e.Store.FinalizeAttempt(parent, attempt.ID, ev.ID, core.EventPending, core.AttemptFailed, "exceeded timeout"); finalizeErr != nil {
		return finalizeErr
	}
	e.broadcast(ev.ID)
	return timeoutErr
}

func (e *Engine) broadcast(eventID int64) {
	if e.Live != nil {
		e.Live.Broadcast(eventID)
	}
}
