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

// Package boot wires every long-lived collaborator a deployment
// needs into one System, shared by cmd/server (HTTP + worker loop +
// recovery in one process) and cmd/worker (worker loop only, for
// deployments that scale claim throughput separately from the HTTP
// tier). Playing the role the teacher's sys.System played for a
// location: the one place that knows how every piece fits together.
package boot

import (
	"context"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/eventcore/rulesengine/config"
	"github.com/eventcore/rulesengine/core"
	"github.com/eventcore/rulesengine/dispatch"
	"github.com/eventcore/rulesengine/engine"
	"github.com/eventcore/rulesengine/httpapi"
	"github.com/eventcore/rulesengine/live"
	"github.com/eventcore/rulesengine/recovery"
	"github.com/eventcore/rulesengine/rulecache"
	"github.com/eventcore/rulesengine/store"
)

// System is every collaborator a deployment needs, built once at
// startup from Config.
type System struct {
	Config   *config.Config
	Store    *store.Store
	Cache    *rulecache.Cache
	Dispatch *dispatch.Dispatcher
	Engine   *engine.Engine
	Hub      *live.Hub
	API      *httpapi.API
	Recovery *recovery.Runner
}

// Build opens the store, runs pending migrations, and wires every
// other collaborator against it.
func Build(ctx *core.Context, cfg *config.Config) (*System, error) {
	st, err := store.Open(cfg.DatabaseURL, cfg.MaxConnections)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(); err != nil {
		return nil, err
	}

	var redisClient *goredis.Client
	if cfg.RedisURL != "" {
		opts, err := goredis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, core.NewSyntaxError("bad REDIS_URL: %s", err)
		}
		redisClient = goredis.NewClient(opts)
	}
	cache := rulecache.New(st, redisClient)

	disp := dispatch.New(cfg.WebhookTimeout, dispatch.EmailMode(cfg.EmailMode))
	hub := live.New()
	eng := engine.New(cache, st, disp, hub, cfg.ProcessingTimeout)

	invalidate := func(ctx *core.Context, eventType string) { cache.Invalidate(ctx, eventType) }
	api := httpapi.New(st, st, invalidate, hub, cfg.CORSOriginList(), cfg.StuckOlderThan, cfg.Production, cfg.IngestRateLimit, cfg.IngestRateInterval)

	runner, err := recovery.New(cfg.RecoverySweep, cfg.StuckOlderThan, st)
	if err != nil {
		return nil, err
	}

	core.Log(core.INFO|core.ENGINE, ctx, "boot.Build", "redis", redisClient != nil)

	return &System{
		Config:   cfg,
		Store:    st,
		Cache:    cache,
		Dispatch: disp,
		Engine:   eng,
		Hub:      hub,
		API:      api,
		Recovery: runner,
	}, nil
}

func (s *System) Close() error {
	return s.Store.Close()
}

// RunWorkerLoop repeatedly claims the oldest pending event and runs it
// through Engine, at PollInterval when the queue is empty. It returns
// when ctx is canceled.
func (s *System) RunWorkerLoop(ctx *core.Context) {
	interval := s.Config.PollInterval
	if interval <= 0 {
		interval = time.Second
	}
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		ev, attempt, err := s.Store.ClaimNext(ctx)
		if err != nil {
			core.Log(core.ERROR|core.ENGINE, ctx, "boot.RunWorkerLoop", "err", err)
			sleep(ctx, interval)
			continue
		}
		if ev == nil {
			sleep(ctx, interval)
			continue
		}

		attemptCtx := ctx.SubContext("worker.claim")
		if err := s.Engine.ProcessEvent(attemptCtx, ev, attempt); err != nil {
			core.Log(core.WARN|core.ENGINE, attemptCtx, "boot.RunWorkerLoop", "eventId", ev.ID, "err", err)
		}
	}
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
