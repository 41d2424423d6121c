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

package main

import (
	"github.com/eventcore/rulesengine/boot"
	"github.com/eventcore/rulesengine/config"
	"github.com/eventcore/rulesengine/core"
)

// seedRules loads a YAML rule file and creates every rule in it, so a
// fresh deployment can stand up a known rule set without a round trip
// through the HTTP API. It does not look for an existing rule of the
// same name: each run creates the file's rules again. A rule whose
// create fails is logged and skipped.
func seedRules(ctx *core.Context, sys *boot.System, path string) error {
	rules, err := config.LoadSeedFile(path)
	if err != nil {
		return err
	}

	for _, r := range rules {
		cond, err := r.ConditionJSON()
		if err != nil {
			return err
		}
		action, err := r.ActionJSON()
		if err != nil {
			return err
		}
		if _, err := sys.Store.CreateRule(ctx, r.Name, r.EventType, r.Active, cond, action); err != nil {
			core.Log(core.WARN|core.STORE, ctx, "main.seedRules", "name", r.Name, "err", err)
			continue
		}
		core.Log(core.INFO|core.STORE, ctx, "main.seedRules", "name", r.Name, "eventType", r.EventType)
	}
	return nil
}
