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
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/eventcore/rulesengine/core"
	"github.com/eventcore/rulesengine/store"
)

func TestHTTPAPI(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "httpapi Suite")
}

// fakeEvents is a minimal in-memory EventStore used to drive the
// route table without a database, the same "fake the narrow seam"
// idiom the corpus uses against its own storage interfaces.
type fakeEvents struct {
	ingested    []core.Event
	nextID      int64
	getErr      error
	replayErr   error
	invalidated []int64
}

func (f *fakeEvents) Ingest(ctx *core.Context, externalID, eventType string, payload core.JSON) (*core.Event, error) {
	f.nextID++
	ev := core.Event{ID: f.nextID, ExternalID: externalID, Type: eventType, Payload: payload, State: core.EventPending}
	f.ingested = append(f.ingested, ev)
	return &ev, nil
}

func (f *fakeEvents) ReplaySingle(ctx *core.Context, id int64) (*core.Event, error) {
	if f.replayErr != nil {
		return nil, f.replayErr
	}
	return &core.Event{ID: id, State: core.EventPending}, nil
}

func (f *fakeEvents) ReplayBatch(ctx *core.Context, ids []int64) (int, []core.Event, error) {
	var out []core.Event
	for _, id := range ids {
		out = append(out, core.Event{ID: id, State: core.EventPending})
	}
	return len(ids), out, nil
}

func (f *fakeEvents) GetEvent(ctx *core.Context, id int64) (*core.Event, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	return &core.Event{ID: id, State: core.EventProcessed}, nil
}

func (f *fakeEvents) ListEvents(ctx *core.Context, filter store.EventFilter) ([]core.Event, error) {
	return f.ingested, nil
}

func (f *fakeEvents) GetAttemptsForEvent(ctx *core.Context, eventID int64) ([]store.AttemptWithExecutions, error) {
	return nil, nil
}

func (f *fakeEvents) Stats(ctx *core.Context, filter store.EventFilter) (*store.EventStats, error) {
	return &store.EventStats{}, nil
}

func (f *fakeEvents) RecoverStuck(ctx *core.Context, olderThan time.Duration) ([]core.Event, error) {
	return nil, nil
}

// fakeRules is a minimal in-memory RuleStore.
type fakeRules struct {
	nextID int64
}

func (f *fakeRules) CreateRule(ctx *core.Context, name, eventType string, active bool, condition, action core.JSON) (*store.RuleWithVersion, error) {
	f.nextID++
	return &store.RuleWithVersion{
		Rule:      core.Rule{ID: f.nextID, Name: name, EventType: eventType, Active: active},
		Condition: condition,
		Action:    action,
	}, nil
}

func (f *fakeRules) UpdateRule(ctx *core.Context, id int64, name, eventType *string, active *bool, condition, action core.JSON) (*store.RuleWithVersion, error) {
	et := "widget.created"
	if eventType != nil {
		et = *eventType
	}
	return &store.RuleWithVersion{Rule: core.Rule{ID: id, EventType: et, Active: true}, Version: 2}, nil
}

func (f *fakeRules) DeactivateRule(ctx *core.Context, id int64) (*store.RuleWithVersion, error) {
	return &store.RuleWithVersion{Rule: core.Rule{ID: id, EventType: "widget.created", Active: false}}, nil
}

func (f *fakeRules) GetRule(ctx *core.Context, id int64) (*store.RuleWithVersion, error) {
	return &store.RuleWithVersion{Rule: core.Rule{ID: id, EventType: "widget.created", Active: true}}, nil
}

func (f *fakeRules) ListRuleVersions(ctx *core.Context, ruleID int64) ([]core.RuleVersion, error) {
	return nil, nil
}

func (f *fakeRules) ListRules(ctx *core.Context, filter store.RuleFilter) ([]store.RuleWithVersion, error) {
	return nil, nil
}

func newTestAPI() (*API, *fakeEvents, *fakeRules) {
	ev := &fakeEvents{}
	rl := &fakeRules{}
	invalidate := func(ctx *core.Context, eventType string) { ev.invalidated = append(ev.invalidated, 0) }
	api := New(ev, rl, invalidate, nil, []string{"https://console.example.com"}, 5*time.Minute, true, 0, time.Second)
	return api, ev, rl
}

var _ = Describe("Router", func() {
	var (
		api    *API
		server *httptest.Server
	)

	BeforeEach(func() {
		api, _, _ = newTestAPI()
		server = httptest.NewServer(api.Router())
	})

	AfterEach(func() {
		server.Close()
	})

	It("reports healthy on GET /health", func() {
		resp, err := http.Get(server.URL + "/health")
		Expect(err).NotTo(HaveOccurred())
		defer resp.Body.Close()
		Expect(resp.StatusCode).To(Equal(http.StatusOK))
	})

	It("sets CORS headers for an allowed origin", func() {
		req, _ := http.NewRequest(http.MethodGet, server.URL+"/health", nil)
		req.Header.Set("Origin", "https://console.example.com")
		resp, err := http.DefaultClient.Do(req)
		Expect(err).NotTo(HaveOccurred())
		defer resp.Body.Close()
		Expect(resp.Header.Get("Access-Control-Allow-Origin")).To(Equal("https://console.example.com"))
	})

	It("accepts a well-formed ingest request", func() {
		body, _ := json.Marshal(map[string]interface{}{
			"id":   "evt-1",
			"type": "widget.created",
			"data": map[string]interface{}{"name": "gadget"},
		})
		resp, err := http.Post(server.URL+"/events/", "application/json", bytes.NewReader(body))
		Expect(err).NotTo(HaveOccurred())
		defer resp.Body.Close()
		Expect(resp.StatusCode).To(Equal(http.StatusCreated))

		var ev core.Event
		Expect(json.NewDecoder(resp.Body).Decode(&ev)).To(Succeed())
		Expect(ev.ExternalID).To(Equal("evt-1"))
	})

	It("rejects an ingest request missing required fields with a validation envelope", func() {
		body, _ := json.Marshal(map[string]interface{}{"type": "widget.created"})
		resp, err := http.Post(server.URL+"/events/", "application/json", bytes.NewReader(body))
		Expect(err).NotTo(HaveOccurred())
		defer resp.Body.Close()
		Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))

		var env errorEnvelope
		Expect(json.NewDecoder(resp.Body).Decode(&env)).To(Succeed())
		Expect(env.Error).To(Equal("validation"))
	})

	It("maps a not-found GetEvent to 404", func() {
		api, ev, _ := newTestAPI()
		ev.getErr = core.NewNotFoundError("event %d", 42)
		srv := httptest.NewServer(api.Router())
		defer srv.Close()

		resp, err := http.Get(srv.URL + "/events/42")
		Expect(err).NotTo(HaveOccurred())
		defer resp.Body.Close()
		Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
	})

	It("invalidates the cache after creating a rule", func() {
		api, ev, _ := newTestAPI()
		srv := httptest.NewServer(api.Router())
		defer srv.Close()

		body, _ := json.Marshal(map[string]interface{}{
			"name":       "notify-on-create",
			"event_type": "widget.created",
			"condition":  map[string]interface{}{"==": []interface{}{1, 1}},
			"action":     map[string]interface{}{"type": "log"},
		})
		resp, err := http.Post(srv.URL+"/rules/", "application/json", bytes.NewReader(body))
		Expect(err).NotTo(HaveOccurred())
		defer resp.Body.Close()
		Expect(resp.StatusCode).To(Equal(http.StatusCreated))
		Expect(ev.invalidated).NotTo(BeEmpty())
	})
})

var _ = Describe("ingest throttling", func() {
	It("rejects once the configured ingest rate is exceeded", func() {
		ev := &fakeEvents{}
		rl := &fakeRules{}
		api := New(ev, rl, nil, nil, nil, 5*time.Minute, true, 1, time.Minute)
		server := httptest.NewServer(api.Router())
		defer server.Close()

		post := func() int {
			body, _ := json.Marshal(map[string]interface{}{"id": "e", "type": "t", "data": map[string]interface{}{}})
			resp, err := http.Post(server.URL+"/events/", "application/json", bytes.NewReader(body))
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()
			return resp.StatusCode
		}

		first := post()
		Expect(first).To(Equal(http.StatusCreated))

		var sawThrottled bool
		for i := 0; i < 5; i++ {
			if post() == http.StatusTooManyRequests {
				sawThrottled = true
				break
			}
		}
		Expect(sawThrottled).To(BeTrue())
	})
})
