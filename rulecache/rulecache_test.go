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

package rulecache

import (
	"testing"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eventcore/rulesengine/core"
	"github.com/eventcore/rulesengine/store"
)

// countingLoader counts ActiveRulesForType calls so a test can assert
// a cache hit never reaches the backing store.
type countingLoader struct {
	calls int
	rules []store.RuleWithVersion
}

func (l *countingLoader) ActiveRulesForType(ctx *core.Context, eventType string) ([]store.RuleWithVersion, error) {
	l.calls++
	return l.rules, nil
}

func newTestRules() []store.RuleWithVersion {
	return []store.RuleWithVersion{
		{Rule: core.Rule{ID: 1, Name: "r1", EventType: "widget.created", Active: true}},
	}
}

func TestActiveRulesForTypeCachesInL1(t *testing.T) {
	loader := &countingLoader{rules: newTestRules()}
	c := New(loader, nil)
	ctx := core.NewContext("test")

	rules, err := c.ActiveRulesForType(ctx, "widget.created")
	require.NoError(t, err)
	assert.Len(t, rules, 1)
	assert.Equal(t, 1, loader.calls)

	rules, err = c.ActiveRulesForType(ctx, "widget.created")
	require.NoError(t, err)
	assert.Len(t, rules, 1)
	assert.Equal(t, 1, loader.calls, "second call should be served from L1 without touching the loader")
}

func TestInvalidateDropsL1Entry(t *testing.T) {
	loader := &countingLoader{rules: newTestRules()}
	c := New(loader, nil)
	ctx := core.NewContext("test")

	_, err := c.ActiveRulesForType(ctx, "widget.created")
	require.NoError(t, err)
	assert.Equal(t, 1, loader.calls)

	c.Invalidate(ctx, "widget.created")

	_, err = c.ActiveRulesForType(ctx, "widget.created")
	require.NoError(t, err)
	assert.Equal(t, 2, loader.calls, "invalidate should force the next read through to the loader")
}

// TestL2ServesAcrossFreshCaches exercises the Redis-backed L2 path
// against a real (in-process) Redis server: a second Cache sharing no
// L1 state still avoids the loader because L2 already has the entry.
func TestL2ServesAcrossFreshCaches(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	defer client.Close()

	loader := &countingLoader{rules: newTestRules()}
	ctx := core.NewContext("test")

	first := New(loader, client)
	_, err = first.ActiveRulesForType(ctx, "widget.created")
	require.NoError(t, err)
	assert.Equal(t, 1, loader.calls)

	second := New(loader, client)
	rules, err := second.ActiveRulesForType(ctx, "widget.created")
	require.NoError(t, err)
	assert.Len(t, rules, 1)
	assert.Equal(t, 1, loader.calls, "a fresh Cache should find the entry in L2 before ever calling the loader")
}

func TestInvalidateClearsL2(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	defer client.Close()

	loader := &countingLoader{rules: newTestRules()}
	ctx := core.NewContext("test")

	c := New(loader, client)
	_, err = c.ActiveRulesForType(ctx, "widget.created")
	require.NoError(t, err)
	assert.Equal(t, 1, loader.calls)

	c.Invalidate(ctx, "widget.created")

	fresh := New(loader, client)
	_, err = fresh.ActiveRulesForType(ctx, "widget.created")
	require.NoError(t, err)
	assert.Equal(t, 2, loader.calls, "invalidate should evict L2 too, not just the calling Cache's L1")
}
