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

package config

import (
	"encoding/json"
	"os"

	"gopkg.in/yaml.v2"

	"github.com/eventcore/rulesengine/core"
)

// SeedRule is one rule entry in an optional YAML rule-seed file, the
// same role rulesys's flag-driven rule loading played for the
// teacher: a way to stand up a fresh deployment with a known rule set
// without a round trip through the HTTP API.
type SeedRule struct {
	Name      string      `yaml:"name"`
	EventType string      `yaml:"event_type"`
	Active    bool        `yaml:"active"`
	Condition interface{} `yaml:"condition"`
	Action    interface{} `yaml:"action"`
}

// LoadSeedFile parses a YAML file of rules, suitable for handing to
// store.CreateRule in a loop at startup.
func LoadSeedFile(path string) ([]SeedRule, error) {
	bs, err := os.ReadFile(path)
	if err != nil {
		return nil, core.NewNotFoundError("config.LoadSeedFile: %s", err)
	}
	var rules []SeedRule
	if err := yaml.Unmarshal(bs, &rules); err != nil {
		return nil, core.NewSyntaxError("config.LoadSeedFile: %s", err)
	}
	return rules, nil
}

// ConditionJSON and ActionJSON re-encode the YAML-decoded (and thus
// map[interface{}]interface{}-tainted) condition/action back into
// clean core.JSON, since yaml.v2 doesn't produce map[string]interface{}
// the way encoding/json does.
func (s SeedRule) ConditionJSON() (core.JSON, error) {
	return toJSON(s.Condition)
}

func (s SeedRule) ActionJSON() (core.JSON, error) {
	return toJSON(s.Action)
}

func toJSON(v interface{}) (core.JSON, error) {
	cleaned := cleanupYAML(v)
	bs, err := json.Marshal(cleaned)
	if err != nil {
		return nil, core.NewSyntaxError("config.toJSON: %s", err)
	}
	return core.JSON(bs), nil
}

// cleanupYAML recursively converts map[interface{}]interface{} (what
// yaml.v2 produces for mappings) into map[string]interface{} (what
// encoding/json requires), since rule conditions/actions are stored
// and re-parsed as plain JSON.
func cleanupYAML(v interface{}) interface{} {
	switch x := v.(type) {
	case map[interface{}]interface{}:
		m := make(map[string]interface{}, len(x))
		for k, val := range x {
			m[toString(k)] = cleanupYAML(val)
		}
		return m
	case []interface{}:
		out := make([]interface{}, len(x))
		for i, el := range x {
			out[i] = cleanupYAML(el)
		}
		return out
	default:
		return v
	}
}

func toString(v interface{}) string {
	if s, ok := v.(string); ok {
		return s
	}
	bs, _ := json.Marshal(v)
	return string(bs)
}
