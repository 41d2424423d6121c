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

package dispatch

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eventcore/rulesengine/core"
)

func TestParseActionRejectsUnknownTag(t *testing.T) {
	_, err := ParseAction(core.JSON(`{"tag":"launch_missiles"}`))
	require.Error(t, err)
}

func TestParseActionRejectsBadWebhookMethod(t *testing.T) {
	_, err := ParseAction(core.JSON(`{"tag":"call_webhook","url":"http://x","method":"GET"}`))
	require.Error(t, err)
}

func TestIdempotentTags(t *testing.T) {
	log := &Action{Tag: "log"}
	noop := &Action{Tag: "noop"}
	webhook := &Action{Tag: "call_webhook"}
	assert.True(t, log.Idempotent())
	assert.True(t, noop.Idempotent())
	assert.False(t, webhook.Idempotent())
}

func TestDispatchLogAlwaysSucceeds(t *testing.T) {
	d := New(time.Second, EmailDisabled)
	ctx := core.NewContext("test")
	problem := d.Dispatch(ctx, &Action{Tag: "log", Level: "warn", Message: "hello"})
	assert.Nil(t, problem)
}

func TestDispatchWebhookSuccess(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	d := New(2*time.Second, EmailDisabled)
	ctx := core.NewContext("test")
	problem := d.Dispatch(ctx, &Action{Tag: "call_webhook", URL: server.URL, Method: "POST"})
	assert.Nil(t, problem)
}

func TestDispatchWebhookNon2xxFails(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	d := New(2*time.Second, EmailDisabled)
	ctx := core.NewContext("test")
	problem := d.Dispatch(ctx, &Action{Tag: "call_webhook", URL: server.URL, Method: "POST"})
	require.NotNil(t, problem)
	assert.Equal(t, core.KindActionFailed, problem.Kind())
}

func TestDispatchEmailDisabledFails(t *testing.T) {
	d := New(time.Second, EmailDisabled)
	ctx := core.NewContext("test")
	problem := d.Dispatch(ctx, &Action{Tag: "send_email", To: "a@example.com"})
	require.NotNil(t, problem)
}

func TestDispatchEmailLogModeSucceeds(t *testing.T) {
	d := New(time.Second, EmailLog)
	ctx := core.NewContext("test")
	problem := d.Dispatch(ctx, &Action{Tag: "send_email", To: "a@example.com", Subject: "hi"})
	assert.Nil(t, problem)
}

func TestDispatchUnknownTagFails(t *testing.T) {
	d := New(time.Second, EmailDisabled)
	ctx := core.NewContext("test")
	problem := d.Dispatch(ctx, &Action{Tag: "teleport"})
	require.NotNil(t, problem)
}
