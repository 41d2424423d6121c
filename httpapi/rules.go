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

package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/eventcore/rulesengine/core"
	"github.com/eventcore/rulesengine/store"
)

func (a *API) createRule(w http.ResponseWriter, r *http.Request) {
	ctx := ctxFrom(r)

	var req ruleCreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.writeProblem(w, ctx, "httpapi.createRule", core.NewSyntaxError("malformed request body: %s", err))
		return
	}
	if err := a.Validate.Struct(req); err != nil {
		a.writeProblem(w, ctx, "httpapi.createRule", err)
		return
	}

	active := true
	if req.Active != nil {
		active = *req.Active
	}

	rv, err := a.Rules.CreateRule(ctx, req.Name, req.EventType, active, req.Condition, req.Action)
	if err != nil {
		a.writeProblem(w, ctx, "httpapi.createRule", err)
		return
	}
	a.Invalidate(ctx, req.EventType)
	a.writeJSON(w, http.StatusCreated, rv)
}

func (a *API) getRule(w http.ResponseWriter, r *http.Request) {
	ctx := ctxFrom(r)
	id, err := idParam(r)
	if err != nil {
		a.writeProblem(w, ctx, "httpapi.getRule", err)
		return
	}
	rv, err := a.Rules.GetRule(ctx, id)
	if err != nil {
		a.writeProblem(w, ctx, "httpapi.getRule", err)
		return
	}
	a.writeJSON(w, http.StatusOK, rv)
}

func (a *API) listRules(w http.ResponseWriter, r *http.Request) {
	ctx := ctxFrom(r)
	f, err := parseRuleFilter(r)
	if err != nil {
		a.writeProblem(w, ctx, "httpapi.listRules", err)
		return
	}
	rules, err := a.Rules.ListRules(ctx, f)
	if err != nil {
		a.writeProblem(w, ctx, "httpapi.listRules", err)
		return
	}
	a.writeJSON(w, http.StatusOK, rules)
}

func (a *API) updateRule(w http.ResponseWriter, r *http.Request) {
	ctx := ctxFrom(r)
	id, err := idParam(r)
	if err != nil {
		a.writeProblem(w, ctx, "httpapi.updateRule", err)
		return
	}

	var req ruleUpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.writeProblem(w, ctx, "httpapi.updateRule", core.NewSyntaxError("malformed request body: %s", err))
		return
	}

	rv, err := a.Rules.UpdateRule(ctx, id, req.Name, req.EventType, req.Active, req.Condition, req.Action)
	if err != nil {
		a.writeProblem(w, ctx, "httpapi.updateRule", err)
		return
	}
	a.Invalidate(ctx, rv.EventType)
	if req.EventType != nil && *req.EventType != rv.EventType {
		a.Invalidate(ctx, *req.EventType)
	}
	a.writeJSON(w, http.StatusOK, rv)
}

func (a *API) deactivateRule(w http.ResponseWriter, r *http.Request) {
	ctx := ctxFrom(r)
	id, err := idParam(r)
	if err != nil {
		a.writeProblem(w, ctx, "httpapi.deactivateRule", err)
		return
	}
	rv, err := a.Rules.DeactivateRule(ctx, id)
	if err != nil {
		a.writeProblem(w, ctx, "httpapi.deactivateRule", err)
		return
	}
	a.Invalidate(ctx, rv.EventType)
	a.writeJSON(w, http.StatusOK, rv)
}

func (a *API) listRuleVersions(w http.ResponseWriter, r *http.Request) {
	ctx := ctxFrom(r)
	id, err := idParam(r)
	if err != nil {
		a.writeProblem(w, ctx, "httpapi.listRuleVersions", err)
		return
	}
	versions, err := a.Rules.ListRuleVersions(ctx, id)
	if err != nil {
		a.writeProblem(w, ctx, "httpapi.listRuleVersions", err)
		return
	}
	a.writeJSON(w, http.StatusOK, versions)
}

func parseRuleFilter(r *http.Request) (store.RuleFilter, error) {
	q := r.URL.Query()
	f := store.RuleFilter{EventType: q.Get("event_type")}
	if v := q.Get("active"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return f, core.NewSyntaxError("invalid active: %s", err)
		}
		f.Active = &b
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return f, core.NewSyntaxError("invalid limit: %s", err)
		}
		f.Limit = n
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return f, core.NewSyntaxError("invalid offset: %s", err)
		}
		f.Offset = n
	}
	return f, nil
}
