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

// Package recovery schedules the stuck-lease sweep (store.RecoverStuck)
// as a standing background job, on top of the on-demand
// /events/requeue-stuck HTTP call. Grounded on the teacher's cron/cron.go
// (a cronexpr-scheduled timer loop with a control channel for
// suspend/resume/kill) but narrowed from a general multi-job timeline
// to the single fixed maintenance operation this deployment needs.
package recovery

import (
	"time"

	"github.com/gorhill/cronexpr"

	"github.com/eventcore/rulesengine/core"
)

// Sweeper is the operation recovery schedules. Satisfied by
// *store.Store.RecoverStuck.
type Sweeper interface {
	RecoverStuck(ctx *core.Context, olderThan time.Duration) ([]core.Event, error)
}

// Runner drives one cronexpr-scheduled sweep on a timer, with a
// control channel for Stop.
type Runner struct {
	sweeper    Sweeper
	expr       *cronexpr.Expression
	olderThan  time.Duration
	control    chan struct{}
	stopped    chan struct{}
}

// New parses the given cron schedule (standard 5 or 6 field
// cronexpr syntax) and builds a Runner that sweeps for events stuck
// in processing longer than olderThan.
func New(schedule string, olderThan time.Duration, sweeper Sweeper) (*Runner, error) {
	expr, err := cronexpr.Parse(schedule)
	if err != nil {
		return nil, core.NewSyntaxError("recovery: bad schedule %q: %s", schedule, err)
	}
	return &Runner{
		sweeper:   sweeper,
		expr:      expr,
		olderThan: olderThan,
		control:   make(chan struct{}),
		stopped:   make(chan struct{}),
	}, nil
}

// Start launches the scheduling loop in a goroutine and returns
// immediately.
func (r *Runner) Start(ctx *core.Context) {
	go r.loop(ctx)
}

// Stop signals the loop to exit and waits for it to do so.
func (r *Runner) Stop() {
	close(r.control)
	<-r.stopped
}

func (r *Runner) loop(ctx *core.Context) {
	defer close(r.stopped)

	now := time.Now().UTC()
	timer := time.NewTimer(time.Until(r.expr.Next(now)))
	defer timer.Stop()

	for {
		select {
		case <-r.control:
			return
		case fired := <-timer.C:
			r.runOnce(ctx)
			timer.Reset(time.Until(r.expr.Next(fired.UTC())))
		}
	}
}

func (r *Runner) runOnce(ctx *core.Context) {
	recovered, err := r.sweeper.RecoverStuck(ctx, r.olderThan)
	if err != nil {
		core.Log(core.ERROR|core.STORE, ctx, "recovery.runOnce", "err", err)
		return
	}
	if len(recovered) > 0 {
		core.Log(core.INFO|core.STORE, ctx, "recovery.runOnce", "recovered", len(recovered))
	}
}
