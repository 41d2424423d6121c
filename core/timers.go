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

// These timers measure elapsed time around an operation. They are
// supposed to be simple and fast. Earlier versions of this package
// kept their own in-memory ring-buffer history per timer name; this
// one reports straight into Prometheus, which already solves
// retention, aggregation, and querying better than a hand-rolled
// buffer would. See 'timers_test.go' for examples.

import (
	"math/rand"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// TimerDuration is the histogram every Timer reports into, labeled
// by timer name. httpapi exposes it at /metrics.
var TimerDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "rulesengine_timer_seconds",
		Help:    "Elapsed time for a named internal operation.",
		Buckets: prometheus.DefBuckets,
	},
	[]string{"timer"},
)

func init() {
	prometheus.MustRegister(TimerDuration)
}

type Timer struct {
	Ctx     *Context
	Id      int64
	S       string
	Then    int64
	Elapsed int64
	Paused  bool
}

var NoTimer = Timer{nil, 0, "ignore", 0, 0, false}

// NewTimer makes a new timer with the given name.
func NewTimer(ctx *Context, s string) *Timer {
	return &Timer{ctx, rand.Int63(), s, time.Now().UTC().UnixNano(), 0, false}
}

// Elapse computes the elapsed time in nanoseconds without changing
// the timer's state.
func (t *Timer) Elapse() int64 {
	if t == &NoTimer {
		return 0
	}
	if t.Paused {
		return t.Elapsed
	}
	return t.Elapsed + (time.Now().UTC().UnixNano() - t.Then)
}

// Resume restarts a paused timer.
func (t *Timer) Resume() {
	if t == &NoTimer {
		return
	}
	t.Then = time.Now().UTC().UnixNano()
	t.Paused = false
}

// Reset zeros the current elapsed time and resets the current time.
func (t *Timer) Reset() {
	if t == &NoTimer {
		return
	}
	t.Then = time.Now().UTC().UnixNano()
	t.Elapsed = 0
}

// Pause stops the clock.
func (t *Timer) Pause() {
	if t.Paused {
		return
	}
	t.Elapsed = t.Elapse()
	t.Then = time.Now().UTC().UnixNano()
	t.Paused = true
}

// timerWarningLimit flags an individual Stop()/StopTag() call as
// suspiciously slow. A fixed threshold is simpler than the old
// per-Location configurable limit and matches what a single-process
// worker actually needs: a way to notice a webhook or a DB round
// trip that's gone off the rails.
const timerWarningLimit = 2 * time.Second

// Stop records the elapsed time into the Prometheus histogram and
// returns the elapsed nanoseconds.
func (t *Timer) Stop() int64 {
	if t == &NoTimer {
		return 0
	}
	elapsed := t.Elapse()
	t.Elapsed = elapsed
	t.Then = time.Now().UTC().UnixNano()
	TimerDuration.WithLabelValues(t.S).Observe(float64(elapsed) / float64(time.Second))
	ms := elapsed / 1000000
	Log(TIMER, t.Ctx, "core.Timer.Stop", "timer", t.S, "elapsed", elapsed, "ms", ms)
	if timerWarningLimit < time.Duration(elapsed) {
		Log(WARN, t.Ctx, "core.Timer.Stop", "timer", t.S, "elapsed", elapsed, "warning", "slow")
	}
	t.Elapsed = 0
	return elapsed
}

// StopTag is like Stop but also records under "<name>_<tag>", useful
// for splitting one logical timer by outcome (e.g. "dispatch_ok" vs
// "dispatch_failed").
func (t *Timer) StopTag(tag string) int64 {
	if t == &NoTimer {
		return 0
	}
	elapsed := t.Elapse()
	t.Elapsed = elapsed
	t.Then = time.Now().UTC().UnixNano()
	TimerDuration.WithLabelValues(t.S).Observe(float64(elapsed) / float64(time.Second))
	TimerDuration.WithLabelValues(t.S + "_" + tag).Observe(float64(elapsed) / float64(time.Second))
	Log(TIMER, t.Ctx, "core.Timer.StopTag", "timer", t.S, "elapsed", elapsed, "timertag", tag)
	t.Elapsed = 0
	return elapsed
}
