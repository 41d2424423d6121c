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

// Core logging granularity
//
// We have a few ubiquitous dimensions for every log record: severity,
// "origin" (did this happen because of user-supplied data, or purely
// inside our own code?), and "component".  All three are packed into
// one LogLevel bitmask, the same scheme this package has always used,
// except the sink is now a zap.Logger instead of a hand-rolled
// stdout writer, so we get structured, leveled, sampled logging
// without carrying our own formatter.

import (
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	// LogKeyOp is the record property holding the dotted
	// "Component.Func" name of the call site.
	LogKeyOp = "op"
)

// LogLevel is a bit field: severity | origin | component.
type LogLevel uint64

const (
	SEVMASK  LogLevel = 0xff
	ORIMASK  LogLevel = 0xff00
	COMPMASK LogLevel = 0xffff0000
)

const (
	CRIT LogLevel = 1 << iota
	ERROR
	WARN
	POINT
	TIMER
	INFO
	DEBUG
	ABSURD

	// SYS origin means our own code triggered the record.
	SYS
	// USR origin means a caller's data (an event payload, a rule
	// condition) triggered it.
	USR
	// APP origin means an external system (a webhook host, an SMTP
	// relay) triggered it.
	APP
	METRIC

	_
	_
	_
	_

	MISC
	EXPR     // expr package: condition validation/evaluation
	DISPATCH // dispatch package: action execution
	STORE    // store package: persistence and claim/lease
	ENGINE   // engine package: the rule evaluation pipeline
	HTTPAPI  // httpapi package
	EXTERN   // external systems
)

const (
	ANYSEV  = SEVMASK
	ANYORI  = ORIMASK
	ANYCOMP = COMPMASK

	NOTHING    LogLevel = 0x0
	EVERYTHING LogLevel = ^NOTHING

	// UERR is an error caused by user-supplied data: a bad
	// condition, an unrecognized action kind.
	UERR = ERROR | USR
	// APERR is an error caused by an external system: a webhook
	// timing out, an SMTP relay refusing a message.
	APERR = ERROR | APP

	ANYINFO = TIMER | CRIT | ERROR | WARN | INFO | ANYORI | ANYCOMP
	ANYWARN = CRIT | ERROR | WARN | ANYORI | ANYCOMP
)

func severityName(level LogLevel) string {
	switch level & SEVMASK {
	case CRIT:
		return "crit"
	case ERROR:
		return "error"
	case WARN:
		return "warn"
	case POINT:
		return "point"
	case TIMER:
		return "timer"
	case INFO:
		return "info"
	case DEBUG:
		return "debug"
	case ABSURD:
		return "absurd"
	default:
		return "unknown"
	}
}

func originName(level LogLevel) string {
	switch level & ORIMASK {
	case APP:
		return "app"
	case SYS:
		return "sys"
	case USR:
		return "usr"
	default:
		return "unknown"
	}
}

func componentName(level LogLevel) string {
	switch level & COMPMASK {
	case MISC:
		return "misc"
	case EXPR:
		return "expr"
	case DISPATCH:
		return "dispatch"
	case STORE:
		return "store"
	case ENGINE:
		return "engine"
	case HTTPAPI:
		return "httpapi"
	case EXTERN:
		return "extern"
	default:
		return "unknown"
	}
}

// defaultLogFields makes sure at least one bit is set in each of
// SEVMASK, ORIMASK, and COMPMASK, so a bare Log(0, ...) call still
// reads as DEBUG/SYS/MISC rather than vanishing.
func defaultLogFields(n LogLevel) LogLevel {
	if 0 == SEVMASK&n {
		n |= DEBUG
	}
	if 0 == ORIMASK&n {
		n |= SYS
	}
	if 0 == COMPMASK&n {
		n |= MISC
	}
	return n
}

var sugar atomic.Pointer[zap.SugaredLogger]

func init() {
	SetLevel(zapcore.InfoLevel)
}

// SetLevel rebuilds the global logger at the given minimum zap
// level. cmd/server and cmd/worker call this once at startup from
// the deployment's log-level setting.
func SetLevel(level zapcore.Level) {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(level)
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, err := cfg.Build()
	if err != nil {
		logger = zap.NewNop()
	}
	sugar.Store(logger.Sugar())
}

// UseDevelopmentLogging switches to zap's console encoder, which
// reads better than JSON in a terminal. cmd/server and cmd/worker
// switch to it when the deployment is not in production mode.
func UseDevelopmentLogging() {
	cfg := zap.NewDevelopmentConfig()
	logger, err := cfg.Build()
	if err != nil {
		logger = zap.NewNop()
	}
	sugar.Store(logger.Sugar())
}

// Log is the one logging entry point every package uses:
//
//	Log(INFO, ctx, "engine.Evaluate", "ruleId", id, "matched", true)
//
// The level carries severity/origin/component bits, ctx (nil is
// fine) supplies a trace id for correlating a request's log lines,
// op names the call site, and the rest alternates key/value.
func Log(level LogLevel, ctx *Context, op string, kv ...interface{}) {
	level = defaultLogFields(level)

	l := sugar.Load()
	if l == nil {
		return
	}

	fields := make([]interface{}, 0, len(kv)+8)
	fields = append(fields,
		"corelev", severityName(level),
		"origin", originName(level),
		"comp", componentName(level),
	)
	if ctx != nil && ctx.TraceID != "" {
		fields = append(fields, "trace", ctx.TraceID)
	}
	fields = append(fields, kv...)

	switch level & SEVMASK {
	case CRIT:
		l.Errorw("crit: "+op, fields...)
	case ERROR:
		l.Errorw(op, fields...)
	case WARN:
		l.Warnw(op, fields...)
	case DEBUG, ABSURD:
		l.Debugw(op, fields...)
	case TIMER, POINT:
		l.Debugw(op, fields...)
	default:
		l.Infow(op, fields...)
	}
}

// Metric emits a POINT/METRIC-level record for a numeric observation
// an operator dashboard might chart: queue depth, dispatch latency,
// stuck-event recovery counts. core.Timer does not use it: Timer
// records Prometheus histograms and logs at TIMER level via Log.
func Metric(ctx *Context, name string, kv ...interface{}) {
	Log(POINT|METRIC, ctx, name, kv...)
}
