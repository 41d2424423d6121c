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

package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eventcore/rulesengine/core"
	"github.com/eventcore/rulesengine/dispatch"
	"github.com/eventcore/rulesengine/store"
)

type fakeLoader struct {
	rules []store.RuleWithVersion
	err   error
}

func (f *fakeLoader) ActiveRulesForType(ctx *core.Context, eventType string) ([]store.RuleWithVersion, error) {
	return f.rules, f.err
}

type execution struct {
	ruleID  int64
	result  core.ExecutionResult
	errMsg  string
}

type fakePersister struct {
	executions   []execution
	dedupe       map[int64]bool
	dedupeErr    error
	finalState   core.EventState
	finalStatus  core.AttemptStatus
	finalErr     string
	finalizeErr  error
	finalizeCalls int
}

func (f *fakePersister) RecordExecution(ctx *core.Context, attemptID, ruleID, ruleVersionID int64, result core.ExecutionResult, errMsg string) error {
	f.executions = append(f.executions, execution{ruleID: ruleID, result: result, errMsg: errMsg})
	return nil
}

func (f *fakePersister) DedupExists(ctx *core.Context, eventID, ruleVersionID int64) (bool, error) {
	if f.dedupeErr != nil {
		return false, f.dedupeErr
	}
	return f.dedupe[ruleVersionID], nil
}

func (f *fakePersister) FinalizeAttempt(ctx *core.Context, attemptID, eventID int64, newState core.EventState, attemptStatus core.AttemptStatus, errMsg string) error {
	f.finalizeCalls++
	f.finalState = newState
	f.finalStatus = attemptStatus
	f.finalErr = errMsg
	return f.finalizeErr
}

type fakeDispatcher struct {
	fail core.Problem
}

func (f *fakeDispatcher) Dispatch(ctx *core.Context, action *dispatch.Action) core.Problem {
	if action.Tag == "log" || action.Tag == "noop" {
		return nil
	}
	return f.fail
}

func mkEvent(id int64, eventType string, payload string) *core.Event {
	return &core.Event{ID: id, Type: eventType, Payload: core.JSON(payload), State: core.EventProcessing}
}

func mkAttempt(id, eventID int64) *core.EventAttempt {
	return &core.EventAttempt{ID: id, EventID: eventID, StartedAt: time.Now()}
}

func mkRule(id, versionID int64, condition, action string) store.RuleWithVersion {
	return store.RuleWithVersion{
		Rule:          core.Rule{ID: id},
		RuleVersionID: versionID,
		Condition:     core.JSON(condition),
		Action:        core.JSON(action),
	}
}

func TestProcessEventAppliesMatchingRule(t *testing.T) {
	loader := &fakeLoader{rules: []store.RuleWithVersion{
		mkRule(1, 10, `{"==":[{"var":"total"},100]}`, `{"tag":"log","level":"info","message":"hi"}`),
	}}
	persister := &fakePersister{dedupe: map[int64]bool{}}
	eng := New(loader, persister, &fakeDispatcher{}, nil, time.Second)

	ev := mkEvent(1, "order.created", `{"total":100}`)
	attempt := mkAttempt(5, 1)

	err := eng.ProcessEvent(core.NewContext("test"), ev, attempt)
	require.NoError(t, err)
	assert.Equal(t, core.EventProcessed, persister.finalState)
	assert.Equal(t, core.AttemptSuccess, persister.finalStatus)
	require.Len(t, persister.executions, 1)
	assert.Equal(t, core.ExecApplied, persister.executions[0].result)
}

func TestProcessEventSkipsNonMatchingRule(t *testing.T) {
	loader := &fakeLoader{rules: []store.RuleWithVersion{
		mkRule(1, 10, `{"==":[{"var":"total"},999]}`, `{"tag":"noop"}`),
	}}
	persister := &fakePersister{dedupe: map[int64]bool{}}
	eng := New(loader, persister, &fakeDispatcher{}, nil, time.Second)

	ev := mkEvent(1, "order.created", `{"total":100}`)
	attempt := mkAttempt(5, 1)

	err := eng.ProcessEvent(core.NewContext("test"), ev, attempt)
	require.NoError(t, err)
	assert.Equal(t, core.EventProcessed, persister.finalState)
	require.Len(t, persister.executions, 1)
	assert.Equal(t, core.ExecSkipped, persister.executions[0].result)
}

func TestProcessEventDedupesOnReplay(t *testing.T) {
	loader := &fakeLoader{rules: []store.RuleWithVersion{
		mkRule(1, 10, `{"==":[1,1]}`, `{"tag":"call_webhook","url":"http://example.com","method":"POST"}`),
	}}
	persister := &fakePersister{dedupe: map[int64]bool{10: true}}
	eng := New(loader, persister, &fakeDispatcher{}, nil, time.Second)

	ev := mkEvent(1, "order.created", `{}`)
	attempt := mkAttempt(5, 1)

	err := eng.ProcessEvent(core.NewContext("test"), ev, attempt)
	require.NoError(t, err)
	require.Len(t, persister.executions, 1)
	assert.Equal(t, core.ExecDeduped, persister.executions[0].result)
}

func TestProcessEventIdempotentActionAlwaysRuns(t *testing.T) {
	loader := &fakeLoader{rules: []store.RuleWithVersion{
		mkRule(1, 10, `{"==":[1,1]}`, `{"tag":"log","level":"info","message":"always"}`),
	}}
	// dedupe map says true, but log is idempotent so DedupExists must never be consulted.
	persister := &fakePersister{dedupe: map[int64]bool{10: true}}
	eng := New(loader, persister, &fakeDispatcher{}, nil, time.Second)

	ev := mkEvent(1, "order.created", `{}`)
	attempt := mkAttempt(5, 1)

	err := eng.ProcessEvent(core.NewContext("test"), ev, attempt)
	require.NoError(t, err)
	assert.Equal(t, core.ExecApplied, persister.executions[0].result)
}

func TestProcessEventRecordsRuleFailureAndContinues(t *testing.T) {
	loader := &fakeLoader{rules: []store.RuleWithVersion{
		mkRule(1, 10, `{"==":[1,1]}`, `{"tag":"call_webhook","url":"http://example.com","method":"POST"}`),
		mkRule(2, 20, `{"==":[1,1]}`, `{"tag":"noop"}`),
	}}
	persister := &fakePersister{dedupe: map[int64]bool{}}
	eng := New(loader, persister, &fakeDispatcher{fail: core.NewActionError(nil, "webhook returned 500")}, nil, time.Second)

	ev := mkEvent(1, "order.created", `{}`)
	attempt := mkAttempt(5, 1)

	err := eng.ProcessEvent(core.NewContext("test"), ev, attempt)
	require.NoError(t, err)
	assert.Equal(t, core.EventFailed, persister.finalState)
	assert.Equal(t, core.AttemptFailed, persister.finalStatus)
	require.Len(t, persister.executions, 2)
	assert.Equal(t, core.ExecFailed, persister.executions[0].result)
	assert.Equal(t, core.ExecApplied, persister.executions[1].result)
	assert.Contains(t, persister.finalErr, "webhook returned 500")
}

func TestProcessEventMalformedConditionFailsRuleNotAttempt(t *testing.T) {
	loader := &fakeLoader{rules: []store.RuleWithVersion{
		mkRule(1, 10, `{"bogus_operator":[1,1]}`, `{"tag":"noop"}`),
	}}
	persister := &fakePersister{dedupe: map[int64]bool{}}
	eng := New(loader, persister, &fakeDispatcher{}, nil, time.Second)

	ev := mkEvent(1, "order.created", `{}`)
	attempt := mkAttempt(5, 1)

	err := eng.ProcessEvent(core.NewContext("test"), ev, attempt)
	require.NoError(t, err)
	assert.Equal(t, core.EventFailed, persister.finalState)
	require.Len(t, persister.executions, 1)
	assert.Equal(t, core.ExecFailed, persister.executions[0].result)
}

func TestProcessEventRuleLoadFaultFailsWholeAttempt(t *testing.T) {
	loader := &fakeLoader{err: core.AsProblem(assertErr("boom"))}
	persister := &fakePersister{}
	eng := New(loader, persister, &fakeDispatcher{}, nil, time.Second)

	ev := mkEvent(1, "order.created", `{}`)
	attempt := mkAttempt(5, 1)

	err := eng.ProcessEvent(core.NewContext("test"), ev, attempt)
	require.Error(t, err)
	assert.Equal(t, core.EventFailed, persister.finalState)
	assert.Equal(t, core.AttemptFailed, persister.finalStatus)
	assert.Empty(t, persister.executions)
}

type assertErr string

func (e assertErr) Error() string { return string(e) }
