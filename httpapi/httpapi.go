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

// Package httpapi is C5's HTTP face: the route table of spec.md §6,
// implemented as a chi.Router. Handlers are thin — parse, validate,
// call into store/engine, map the returned core.Problem to a status
// code and the error envelope §7 specifies. The request-framing and
// validation-plumbing concerns §1 calls out as external collaborators
// stop here; nothing downstream of this package knows about HTTP.
//
// Grounded in the teacher's service/httpd.go (one handler wrapping
// pending-request bookkeeping and a timer around every call) but
// generalized from the teacher's single catch-all URI dispatch to a
// real REST route table, since spec.md §6 names distinct methods and
// paths rather than one generic endpoint. The router, CORS, and
// validator wiring follow jordigilh-kubernaut's chi-based gateway.
package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/eventcore/rulesengine/core"
	"github.com/eventcore/rulesengine/store"
)

// EventStore is the subset of *store.Store the event handlers drive.
// Narrowed to an interface so this package's tests run against fakes.
type EventStore interface {
	Ingest(ctx *core.Context, externalID, eventType string, payload core.JSON) (*core.Event, error)
	ReplaySingle(ctx *core.Context, id int64) (*core.Event, error)
	ReplayBatch(ctx *core.Context, ids []int64) (int, []core.Event, error)
	GetEvent(ctx *core.Context, id int64) (*core.Event, error)
	ListEvents(ctx *core.Context, f store.EventFilter) ([]core.Event, error)
	GetAttemptsForEvent(ctx *core.Context, eventID int64) ([]store.AttemptWithExecutions, error)
	Stats(ctx *core.Context, f store.EventFilter) (*store.EventStats, error)
	RecoverStuck(ctx *core.Context, olderThan time.Duration) ([]core.Event, error)
}

// RuleStore is the subset of *store.Store the rule handlers drive.
type RuleStore interface {
	CreateRule(ctx *core.Context, name, eventType string, active bool, condition, action core.JSON) (*store.RuleWithVersion, error)
	UpdateRule(ctx *core.Context, id int64, name, eventType *string, active *bool, condition, action core.JSON) (*store.RuleWithVersion, error)
	DeactivateRule(ctx *core.Context, id int64) (*store.RuleWithVersion, error)
	GetRule(ctx *core.Context, id int64) (*store.RuleWithVersion, error)
	ListRuleVersions(ctx *core.Context, ruleID int64) ([]core.RuleVersion, error)
	ListRules(ctx *core.Context, f store.RuleFilter) ([]store.RuleWithVersion, error)
}

// invalidatorFunc is *rulecache.Cache.Invalidate (or a no-op): every
// rule CRUD write invalidates the event type it touched so the
// engine's next claim doesn't evaluate against a stale rule set.
type invalidatorFunc func(ctx *core.Context, eventType string)

// SocketHandler is satisfied by *live.Hub: the /ws upgrade-and-stream
// endpoint, mounted as-is since live/ already speaks net/http.
type SocketHandler interface {
	http.Handler
}

// API wires the route table to its collaborators. StuckDefault is
// the deployment's configured stuck-lease threshold, used by
// POST /events/requeue-stuck when the request gives no
// older_than_seconds (spec.md §4.4's "default from deployment config").
type API struct {
	Events       EventStore
	Rules        RuleStore
	Invalidate   invalidatorFunc
	Live         SocketHandler
	Validate     *validator.Validate
	CORSOrigins  []string
	StuckDefault time.Duration
	Production   bool

	// Ingest throttles POST /events the way the teacher's
	// OutboundBreaker-backed Throttle bounded outbound call rate;
	// here it's turned around to bound inbound ingest rate instead.
	// Nil when the deployment configured no ingest rate limit.
	Ingest *core.Throttle
}

// New builds an API. invalidate may be nil (a no-op) if no cache sits
// in front of store.ActiveRulesForType. ingestLimit of 0 disables the
// ingest throttle entirely.
func New(events EventStore, rules RuleStore, invalidate func(ctx *core.Context, eventType string), live SocketHandler, corsOrigins []string, stuckDefault time.Duration, production bool, ingestLimit int64, ingestInterval time.Duration) *API {
	if invalidate == nil {
		invalidate = func(*core.Context, string) {}
	}
	a := &API{
		Events:       events,
		Rules:        rules,
		Invalidate:   invalidate,
		Live:         live,
		Validate:     validator.New(),
		CORSOrigins:  corsOrigins,
		StuckDefault: stuckDefault,
		Production:   production,
	}
	if ingestLimit > 0 {
		breaker, err := core.NewOutboundBreaker(ingestLimit, ingestInterval)
		if err == nil {
			a.Ingest, _ = core.NewThrottle(1, int(ingestLimit)*4, 0, breaker)
		}
	}
	return a
}

// Router assembles the chi.Router implementing spec.md §6's route
// table, plus /metrics (Prometheus) and /ws (live/'s hub) which the
// spec treats as adjacent external-facing concerns sharing this
// listener for operational convenience.
func (a *API) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   a.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/health", a.health)
	r.Handle("/metrics", promhttp.Handler())
	if a.Live != nil {
		r.Handle("/ws", a.Live)
	}

	r.Route("/events", func(r chi.Router) {
		r.Post("/", a.ingestEvent)
		r.Get("/", a.listEvents)
		r.Get("/stats", a.eventStats)
		r.Post("/replay-batch", a.replayBatch)
		r.Post("/requeue-stuck", a.requeueStuck)
		r.Get("/{id}", a.getEvent)
		r.Get("/{id}/attempts", a.getAttempts)
		r.Post("/{id}/replay", a.replaySingle)
	})

	r.Route("/rules", func(r chi.Router) {
		r.Post("/", a.createRule)
		r.Get("/", a.listRules)
		r.Get("/{id}", a.getRule)
		r.Put("/{id}", a.updateRule)
		r.Delete("/{id}", a.deactivateRule)
		r.Get("/{id}/versions", a.listRuleVersions)
	})

	return r
}

// requestLogger is a chi middleware that times each request and logs
// it under the httpapi component, the same "wrap every request in a
// timer" idiom the teacher's HTTPService.ServeHTTP used around
// Service.ProcessRequest.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := core.FromStdContext(r.Context(), "httpapi."+r.Method)
		timer := core.NewTimer(ctx, "httpapi.request")
		defer timer.Stop()
		core.Log(core.INFO|core.HTTPAPI, ctx, "httpapi.request", "method", r.Method, "path", r.URL.Path)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (a *API) health(w http.ResponseWriter, r *http.Request) {
	a.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"timestamp": time.Now().UTC(),
	})
}

func ctxFrom(r *http.Request) *core.Context {
	if c, ok := r.Context().(*core.Context); ok {
		return c
	}
	return core.FromStdContext(r.Context(), "httpapi")
}
