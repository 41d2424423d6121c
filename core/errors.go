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
	"fmt"

	goerrors "github.com/go-faster/errors"
)

// Kind classifies a Problem into the handful of buckets httpapi maps
// onto HTTP status codes and rulesys reports distinctly.
type Kind string

const (
	KindValidation   Kind = "validation"
	KindNotFound     Kind = "not-found"
	KindConflict     Kind = "conflict"
	KindActionFailed Kind = "action-failed"
	KindEvalError    Kind = "eval-error"
	KindTimeout      Kind = "timeout"
	KindInternal     Kind = "internal"
	KindThrottled    Kind = "throttled"
)

// Problem is any error this codebase raises deliberately, as opposed
// to one bubbled up from an unexpected fault. Every Problem knows
// whether it's fatal (should abort the current attempt outright) and
// which Kind it maps to.
type Problem interface {
	IsFatal() bool
	Error() string
	Kind() Kind
}

// Condition is a catch-all Problem carrying a message and a "hope":
// whether the condition is fatal, or something a caller might
// retry past.
type Condition struct {
	Msg string `json:"msg,omitempty"`

	// Hope is "fatal" or anything else. A non-fatal Condition is
	// assumed retryable.
	Hope string `json:"status,omitempty"`
}

func (c *Condition) Error() string {
	if c == nil {
		return "nil condition"
	}
	return c.Msg
}

func (c *Condition) IsFatal() bool {
	return c.Hope == "fatal"
}

func (c *Condition) Kind() Kind {
	return KindInternal
}

func (c *Condition) String() string {
	return "Condition: " + c.Msg + " (hope: " + c.Hope + ")"
}

// SyntaxError reports a malformed rule condition or action: bad
// JSON, an operator outside the whitelist, a depth/operator-count
// ceiling exceeded.
type SyntaxError struct {
	Msg string
}

func NewSyntaxError(s string, args ...interface{}) *SyntaxError {
	return &SyntaxError{fmt.Sprintf(s, args...)}
}

func (e *SyntaxError) Error() string {
	return e.Msg
}

func (e *SyntaxError) IsFatal() bool {
	return true
}

func (e *SyntaxError) Kind() Kind {
	return KindValidation
}

func (e *SyntaxError) String() string {
	return "SyntaxError: " + e.Msg
}

// NotFoundError reports a missing event, rule, or rule version.
type NotFoundError struct {
	Msg string
}

func NewNotFoundError(s string, args ...interface{}) *NotFoundError {
	return &NotFoundError{fmt.Sprintf(s, args...)}
}

func (e *NotFoundError) Error() string {
	return "not found: " + e.Msg
}

func (e *NotFoundError) IsFatal() bool {
	return false
}

func (e *NotFoundError) Kind() Kind {
	return KindNotFound
}

func (e *NotFoundError) String() string {
	return "NotFoundError: " + e.Msg
}

// ConflictError reports a write that collides with the current
// state: a state-machine violation such as replaying an event that is
// neither processed nor failed.
type ConflictError struct {
	Msg string
}

func NewConflictError(s string, args ...interface{}) *ConflictError {
	return &ConflictError{fmt.Sprintf(s, args...)}
}

func (e *ConflictError) Error() string {
	return "conflict: " + e.Msg
}

func (e *ConflictError) IsFatal() bool {
	return false
}

func (e *ConflictError) Kind() Kind {
	return KindConflict
}

func (e *ConflictError) String() string {
	return "ConflictError: " + e.Msg
}

// ActionError reports a dispatched action (a webhook call, a send)
// that failed. Non-fatal: the engine records the failed attempt and
// the event remains eligible for replay.
type ActionError struct {
	Msg string
	Err error
}

func NewActionError(err error, s string, args ...interface{}) *ActionError {
	return &ActionError{Msg: fmt.Sprintf(s, args...), Err: err}
}

func (e *ActionError) Error() string {
	if e.Err != nil {
		return "action failed: " + e.Msg + ": " + e.Err.Error()
	}
	return "action failed: " + e.Msg
}

func (e *ActionError) Unwrap() error {
	return e.Err
}

func (e *ActionError) IsFatal() bool {
	return false
}

func (e *ActionError) Kind() Kind {
	return KindActionFailed
}

// EvalError reports a well-formed condition that nonetheless failed
// to evaluate against a given payload: an operand the operator can't
// coerce to a number, division or modulo by zero, a malformed operand
// list. A var path with no match is not an error; it yields null.
type EvalError struct {
	Msg string
}

func NewEvalError(s string, args ...interface{}) *EvalError {
	return &EvalError{fmt.Sprintf(s, args...)}
}

func (e *EvalError) Error() string {
	return "eval error: " + e.Msg
}

func (e *EvalError) IsFatal() bool {
	return true
}

func (e *EvalError) Kind() Kind {
	return KindEvalError
}

// TimeoutError reports a claimed attempt whose processing deadline
// elapsed, or a webhook call that exceeded its configured timeout.
type TimeoutError struct {
	Msg string
}

func NewTimeoutError(s string, args ...interface{}) *TimeoutError {
	return &TimeoutError{fmt.Sprintf(s, args...)}
}

func (e *TimeoutError) Error() string {
	return "timeout: " + e.Msg
}

func (e *TimeoutError) IsFatal() bool {
	return false
}

func (e *TimeoutError) Kind() Kind {
	return KindTimeout
}

// AsProblem classifies any error into a Problem, wrapping unexpected
// faults (a dropped DB connection, a nil pointer a lower layer
// should never have produced) as an internal Condition instead of
// letting them escape untyped. The Condition keeps only the wrapped
// fault's message, prefixed "internal"; no stack trace is retained.
func AsProblem(err error) Problem {
	if err == nil {
		return nil
	}
	if p, ok := err.(Problem); ok {
		return p
	}
	return &Condition{Msg: goerrors.Wrap(err, "internal").Error(), Hope: "fatal"}
}
