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
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/eventcore/rulesengine/core"
	"github.com/eventcore/rulesengine/store"
)

func (a *API) ingestEvent(w http.ResponseWriter, r *http.Request) {
	ctx := ctxFrom(r)

	var req ingestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.writeProblem(w, ctx, "httpapi.ingestEvent", core.NewSyntaxError("malformed request body: %s", err))
		return
	}
	if err := a.Validate.Struct(req); err != nil {
		core.Log(core.WARN|core.HTTPAPI, ctx, "httpapi.ingestEvent", "invalid", core.PrettyJSON(req.Data))
		a.writeProblem(w, ctx, "httpapi.ingestEvent", err)
		return
	}

	var ev *core.Event
	ingest := func() error {
		var err error
		ev, err = a.Events.Ingest(ctx, req.ExternalID, req.Type, req.Data)
		return err
	}

	var err error
	if a.Ingest != nil {
		err = a.Ingest.Submit(ingest)
	} else {
		err = ingest()
	}
	if err != nil {
		a.writeProblem(w, ctx, "httpapi.ingestEvent", err)
		return
	}
	a.writeJSON(w, http.StatusCreated, ev)
}

func (a *API) getEvent(w http.ResponseWriter, r *http.Request) {
	ctx := ctxFrom(r)
	id, err := idParam(r)
	if err != nil {
		a.writeProblem(w, ctx, "httpapi.getEvent", err)
		return
	}
	ev, err := a.Events.GetEvent(ctx, id)
	if err != nil {
		a.writeProblem(w, ctx, "httpapi.getEvent", err)
		return
	}
	a.writeJSON(w, http.StatusOK, ev)
}

func (a *API) listEvents(w http.ResponseWriter, r *http.Request) {
	ctx := ctxFrom(r)
	f, err := parseEventFilter(r)
	if err != nil {
		a.writeProblem(w, ctx, "httpapi.listEvents", err)
		return
	}
	events, err := a.Events.ListEvents(ctx, f)
	if err != nil {
		a.writeProblem(w, ctx, "httpapi.listEvents", err)
		return
	}
	a.writeJSON(w, http.StatusOK, events)
}

// eventStats accepts the same state/type/start_date/end_date filters
// as listEvents; limit/offset are parsed but ignored, since spec.md
// §6 documents this endpoint as taking the same filters "(no
// limit/offset)".
func (a *API) eventStats(w http.ResponseWriter, r *http.Request) {
	ctx := ctxFrom(r)
	f, err := parseEventFilter(r)
	if err != nil {
		a.writeProblem(w, ctx, "httpapi.eventStats", err)
		return
	}
	stats, err := a.Events.Stats(ctx, f)
	if err != nil {
		a.writeProblem(w, ctx, "httpapi.eventStats", err)
		return
	}
	a.writeJSON(w, http.StatusOK, stats)
}

func (a *API) getAttempts(w http.ResponseWriter, r *http.Request) {
	ctx := ctxFrom(r)
	id, err := idParam(r)
	if err != nil {
		a.writeProblem(w, ctx, "httpapi.getAttempts", err)
		return
	}
	if _, err := a.Events.GetEvent(ctx, id); err != nil {
		a.writeProblem(w, ctx, "httpapi.getAttempts", err)
		return
	}
	attempts, err := a.Events.GetAttemptsForEvent(ctx, id)
	if err != nil {
		a.writeProblem(w, ctx, "httpapi.getAttempts", err)
		return
	}
	a.writeJSON(w, http.StatusOK, attempts)
}

func (a *API) replaySingle(w http.ResponseWriter, r *http.Request) {
	ctx := ctxFrom(r)
	id, err := idParam(r)
	if err != nil {
		a.writeProblem(w, ctx, "httpapi.replaySingle", err)
		return
	}
	ev, err := a.Events.ReplaySingle(ctx, id)
	if err != nil {
		a.writeProblem(w, ctx, "httpapi.replaySingle", err)
		return
	}
	a.writeJSON(w, http.StatusOK, replayResponse{Event: ev, Warning: replayWarning})
}

func (a *API) replayBatch(w http.ResponseWriter, r *http.Request) {
	ctx := ctxFrom(r)
	var req replayBatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.writeProblem(w, ctx, "httpapi.replayBatch", core.NewSyntaxError("malformed request body: %s", err))
		return
	}
	if err := a.Validate.Struct(req); err != nil {
		a.writeProblem(w, ctx, "httpapi.replayBatch", err)
		return
	}
	requested, replayed, err := a.Events.ReplayBatch(ctx, req.EventIDs)
	if err != nil {
		a.writeProblem(w, ctx, "httpapi.replayBatch", err)
		return
	}
	a.writeJSON(w, http.StatusOK, replayBatchResponse{
		Requested: requested,
		Replayed:  len(replayed),
		Events:    replayed,
		Warning:   replayWarning,
	})
}

func (a *API) requeueStuck(w http.ResponseWriter, r *http.Request) {
	ctx := ctxFrom(r)
	var req requeueStuckRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			a.writeProblem(w, ctx, "httpapi.requeueStuck", core.NewSyntaxError("malformed request body: %s", err))
			return
		}
		if err := a.Validate.Struct(req); err != nil {
			a.writeProblem(w, ctx, "httpapi.requeueStuck", err)
			return
		}
	}

	olderThan := a.StuckDefault
	if req.OlderThanSeconds != nil {
		olderThan = time.Duration(*req.OlderThanSeconds) * time.Second
	}

	recovered, err := a.Events.RecoverStuck(ctx, olderThan)
	if err != nil {
		a.writeProblem(w, ctx, "httpapi.requeueStuck", err)
		return
	}
	a.writeJSON(w, http.StatusOK, requeueStuckResponse{Count: len(recovered), Events: recovered})
}

func idParam(r *http.Request) (int64, error) {
	raw := chi.URLParam(r, "id")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, core.NewSyntaxError("invalid id %q", raw)
	}
	return id, nil
}

func parseEventFilter(r *http.Request) (store.EventFilter, error) {
	q := r.URL.Query()
	f := store.EventFilter{
		State: core.EventState(q.Get("state")),
		Type:  q.Get("type"),
	}
	if v := q.Get("start_date"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return f, core.NewSyntaxError("invalid start_date: %s", err)
		}
		f.Since = &t
	}
	if v := q.Get("end_date"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return f, core.NewSyntaxError("invalid end_date: %s", err)
		}
		f.Until = &t
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
