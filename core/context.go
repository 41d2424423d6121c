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
	"context"
	"time"

	"github.com/google/uuid"
)

// Context threads a request- or attempt-scoped trace id and logger
// alongside a standard context.Context through every blocking call:
// store transactions, webhook dispatch, and the worker loop.
//
// This is the same shape the teacher threads everywhere (a *Context
// passed as the first or second argument to nearly every function),
// generalized so that cancellation is real (backed by
// context.Context) instead of advisory.
type Context struct {
	context.Context

	// TraceID identifies one HTTP request, one worker claim, or one
	// CLI invocation across every log line it produces.
	TraceID string

	// Op is the dotted "Component.Func" name of the operation in
	// progress, used as the default 'op' field for Log calls made
	// without one.
	Op string
}

// NewContext makes a root Context with a fresh trace id.
func NewContext(op string) *Context {
	return &Context{
		Context: context.Background(),
		TraceID: uuid.NewString(),
		Op:      op,
	}
}

// FromStdContext wraps an existing context.Context (e.g. one chi
// attaches per-request, or one a caller wants to cancel) with a new
// trace id.
func FromStdContext(std context.Context, op string) *Context {
	return &Context{
		Context: std,
		TraceID: uuid.NewString(),
		Op:      op,
	}
}

// SubContext derives a child Context that shares the trace id (so log
// lines for one request/attempt can be correlated) but can carry its
// own deadline.
func (ctx *Context) SubContext(op string) *Context {
	if ctx == nil {
		return NewContext(op)
	}
	return &Context{
		Context: ctx.Context,
		TraceID: ctx.TraceID,
		Op:      op,
	}
}

// WithTimeout derives a child Context bounded by the given duration,
// returning the cancel function the caller must invoke (usually via
// defer) to release resources.
func (ctx *Context) WithTimeout(d time.Duration) (*Context, context.CancelFunc) {
	std, cancel := context.WithTimeout(ctx.std(), d)
	return &Context{Context: std, TraceID: ctx.TraceID, Op: ctx.Op}, cancel
}

func (ctx *Context) std() context.Context {
	if ctx == nil || ctx.Context == nil {
		return context.Background()
	}
	return ctx.Context
}
