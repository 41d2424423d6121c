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

// Package rulecache sits in front of store.ActiveRulesForType so a
// busy event type doesn't hit Postgres on every single claimed event.
// L1 is an in-process TTL cache; L2, when a Redis URL is configured,
// is a shared read-through cache so every worker process in a
// deployment doesn't miss L1 independently at the same moment.
package rulecache

import (
	"context"
	"encoding/json"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/eventcore/rulesengine/core"
	"github.com/eventcore/rulesengine/store"
)

// DefaultTTL bounds how long a stale rule set can keep being served
// after a rule is edited. Invalidate short-circuits this on writes.
const DefaultTTL = 10 * time.Second

// l1Limit caps the number of distinct event types L1 holds at once.
// core.NewCache treats a limit of 0 as "disabled", so this must stay
// positive for L1 to do anything.
const l1Limit = 1024

// RuleSet is what gets cached: the ordered, active rule list for one
// event type.
type RuleSet struct {
	EventType string                   `json:"event_type"`
	Rules     []store.RuleWithVersion `json:"rules"`
}

// Loader is the source of truth rulecache reads through to on a miss.
type Loader interface {
	ActiveRulesForType(ctx *core.Context, eventType string) ([]store.RuleWithVersion, error)
}

// Cache is the two-level read-through cache. L2 is optional: a nil
// redis client makes this L1-only, which is fine for a single-worker
// deployment.
type Cache struct {
	loader Loader
	l1     *core.Cache
	l2     *goredis.Client
	l2TTL  time.Duration
}

// New builds a Cache. redisClient may be nil to run L1-only.
func New(loader Loader, redisClient *goredis.Client) *Cache {
	return &Cache{
		loader: loader,
		l1:     core.NewCache(l1Limit, DefaultTTL),
		l2:     redisClient,
		l2TTL:  DefaultTTL * 6,
	}
}

func l2Key(eventType string) string {
	return "rulesengine:active-rules:" + eventType
}

// ActiveRulesForType returns the active rule set for an event type,
// consulting L1 then L2 then the store, populating each level it
// missed on the way back up.
func (c *Cache) ActiveRulesForType(ctx *core.Context, eventType string) ([]store.RuleWithVersion, error) {
	if v, ok := c.l1.Get(eventType); ok {
		return v.([]store.RuleWithVersion), nil
	}

	if c.l2 != nil {
		if rules, ok := c.getL2(ctx, eventType); ok {
			c.l1.Add(eventType, rules)
			return rules, nil
		}
	}

	rules, err := c.loader.ActiveRulesForType(ctx, eventType)
	if err != nil {
		return nil, err
	}

	c.l1.Add(eventType, rules)
	if c.l2 != nil {
		c.setL2(ctx, eventType, rules)
	}
	return rules, nil
}

func (c *Cache) getL2(ctx context.Context, eventType string) ([]store.RuleWithVersion, bool) {
	raw, err := c.l2.Get(ctx, l2Key(eventType)).Bytes()
	if err != nil {
		if err != goredis.Nil {
			core.Log(core.WARN|core.STORE, nil, "rulecache.getL2", "eventType", eventType, "err", err)
		}
		return nil, false
	}
	var rules []store.RuleWithVersion
	if err := json.Unmarshal(raw, &rules); err != nil {
		core.Log(core.WARN|core.STORE, nil, "rulecache.getL2", "eventType", eventType, "unmarshalErr", err)
		return nil, false
	}
	return rules, true
}

func (c *Cache) setL2(ctx context.Context, eventType string, rules []store.RuleWithVersion) {
	raw, err := json.Marshal(rules)
	if err != nil {
		return
	}
	if err := c.l2.Set(ctx, l2Key(eventType), raw, c.l2TTL).Err(); err != nil {
		core.Log(core.WARN|core.STORE, nil, "rulecache.setL2", "eventType", eventType, "err", err)
	}
}

// Invalidate drops an event type's cached rule set from both levels.
// Called after any rule CRUD operation touching that event type.
func (c *Cache) Invalidate(ctx context.Context, eventType string) {
	c.l1.Remove(eventType)
	if c.l2 != nil {
		if err := c.l2.Del(ctx, l2Key(eventType)).Err(); err != nil {
			core.Log(core.WARN|core.STORE, nil, "rulecache.Invalidate", "eventType", eventType, "err", err)
		}
	}
}
