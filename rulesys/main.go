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

// Command rulesys is an operator CLI for a running deployment's HTTP
// API: ingest an event, replay one or many, requeue stuck events,
// create/update/deactivate rules, and print stats. It is a thin HTTP
// client, not a second implementation of any server logic.
//
// Grounded on the teacher's rulesys/main.go: a generic flag set parsed
// first, then a subcommand name dispatched to its own flag.FlagSet.
// Narrowed from the teacher's engine/storage split (this deployment
// has one long-lived process, not a storage CLI with direct backend
// access) to one subcommand per httpapi/ route group.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"
)

var genericFlags = flag.NewFlagSet("generic", flag.ExitOnError)
var server = genericFlags.String("server", "http://localhost:8080", "base URL of a running cmd/server")
var timeout = genericFlags.Duration("timeout", 10*time.Second, "HTTP request timeout")

var ingestFlags = flag.NewFlagSet("ingest", flag.ExitOnError)
var ingestID = ingestFlags.String("id", "", "external event id")
var ingestType = ingestFlags.String("type", "", "event type")
var ingestData = ingestFlags.String("data", "{}", "event payload, JSON")

var replayFlags = flag.NewFlagSet("replay", flag.ExitOnError)
var replayID = replayFlags.Int64("id", 0, "event id to replay")

var replayBatchFlags = flag.NewFlagSet("replay-batch", flag.ExitOnError)
var replayBatchIDs = replayBatchFlags.String("ids", "", "comma-separated event ids")

var requeueFlags = flag.NewFlagSet("requeue-stuck", flag.ExitOnError)
var requeueOlderThan = requeueFlags.Int("older-than-seconds", 0, "0 uses the deployment default")

var rulesFlags = flag.NewFlagSet("rules", flag.ExitOnError)
var rulesAction = rulesFlags.String("action", "list", "list|get|create|update|deactivate|versions")
var rulesID = rulesFlags.Int64("id", 0, "rule id (get/update/deactivate/versions)")
var rulesName = rulesFlags.String("name", "", "rule name (create/update)")
var rulesEventType = rulesFlags.String("event-type", "", "rule event type (create/update, or list filter)")
var rulesCondition = rulesFlags.String("condition", "", "rule condition, JSON (create/update)")
var rulesAction2 = rulesFlags.String("rule-action", "", "rule action, JSON (create/update)")

var statsFlags = flag.NewFlagSet("stats", flag.ExitOnError)
var statsType = statsFlags.String("type", "", "event type, empty for all")

type client struct {
	base string
	http *http.Client
}

func newClient() *client {
	return &client{base: strings.TrimRight(*server, "/"), http: &http.Client{Timeout: *timeout}}
}

func (c *client) do(method, path string, body interface{}) ([]byte, int, error) {
	var reader io.Reader
	if body != nil {
		bs, err := json.Marshal(body)
		if err != nil {
			return nil, 0, err
		}
		reader = bytes.NewReader(bs)
	}
	req, err := http.NewRequest(method, c.base+path, reader)
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()
	bs, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, err
	}
	return bs, resp.StatusCode, nil
}

func printResult(bs []byte, status int) {
	var pretty bytes.Buffer
	if json.Indent(&pretty, bs, "", "  ") == nil {
		fmt.Fprintf(os.Stderr, "status %d\n", status)
		fmt.Println(pretty.String())
		return
	}
	fmt.Fprintf(os.Stderr, "status %d\n", status)
	fmt.Println(string(bs))
}

func cmdIngest(args []string) {
	ingestFlags.Parse(args)
	body := map[string]interface{}{"id": *ingestID, "type": *ingestType}
	var data interface{}
	if err := json.Unmarshal([]byte(*ingestData), &data); err != nil {
		fmt.Fprintf(os.Stderr, "bad -data JSON: %s\n", err)
		os.Exit(1)
	}
	body["data"] = data
	bs, status, err := newClient().do(http.MethodPost, "/events", body)
	fatalOn(err)
	printResult(bs, status)
}

func cmdReplay(args []string) {
	replayFlags.Parse(args)
	bs, status, err := newClient().do(http.MethodPost, fmt.Sprintf("/events/%d/replay", *replayID), nil)
	fatalOn(err)
	printResult(bs, status)
}

func cmdReplayBatch(args []string) {
	replayBatchFlags.Parse(args)
	var ids []int64
	for _, s := range strings.Split(*replayBatchIDs, ",") {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		id, err := strconv.ParseInt(s, 10, 64)
		fatalOn(err)
		ids = append(ids, id)
	}
	bs, status, err := newClient().do(http.MethodPost, "/events/replay-batch", map[string]interface{}{"event_ids": ids})
	fatalOn(err)
	printResult(bs, status)
}

func cmdRequeueStuck(args []string) {
	requeueFlags.Parse(args)
	var body map[string]interface{}
	if *requeueOlderThan > 0 {
		body = map[string]interface{}{"older_than_seconds": *requeueOlderThan}
	}
	bs, status, err := newClient().do(http.MethodPost, "/events/requeue-stuck", body)
	fatalOn(err)
	printResult(bs, status)
}

func cmdStats(args []string) {
	statsFlags.Parse(args)
	path := "/events/stats"
	if *statsType != "" {
		path += "?type=" + *statsType
	}
	bs, status, err := newClient().do(http.MethodGet, path, nil)
	fatalOn(err)
	printResult(bs, status)
}

func cmdRules(args []string) {
	rulesFlags.Parse(args)
	c := newClient()

	switch *rulesAction {
	case "list":
		path := "/rules"
		if *rulesEventType != "" {
			path += "?event_type=" + *rulesEventType
		}
		bs, status, err := c.do(http.MethodGet, path, nil)
		fatalOn(err)
		printResult(bs, status)

	case "get":
		bs, status, err := c.do(http.MethodGet, fmt.Sprintf("/rules/%d", *rulesID), nil)
		fatalOn(err)
		printResult(bs, status)

	case "versions":
		bs, status, err := c.do(http.MethodGet, fmt.Sprintf("/rules/%d/versions", *rulesID), nil)
		fatalOn(err)
		printResult(bs, status)

	case "create":
		body := ruleBody()
		body["event_type"] = *rulesEventType
		bs, status, err := c.do(http.MethodPost, "/rules", body)
		fatalOn(err)
		printResult(bs, status)

	case "update":
		body := ruleBody()
		if *rulesEventType != "" {
			body["event_type"] = *rulesEventType
		}
		bs, status, err := c.do(http.MethodPut, fmt.Sprintf("/rules/%d", *rulesID), body)
		fatalOn(err)
		printResult(bs, status)

	case "deactivate":
		bs, status, err := c.do(http.MethodDelete, fmt.Sprintf("/rules/%d", *rulesID), nil)
		fatalOn(err)
		printResult(bs, status)

	default:
		fmt.Fprintf(os.Stderr, "unknown -action %q\n", *rulesAction)
		os.Exit(1)
	}
}

func ruleBody() map[string]interface{} {
	body := map[string]interface{}{}
	if *rulesName != "" {
		body["name"] = *rulesName
	}
	if *rulesCondition != "" {
		var cond interface{}
		fatalOn(json.Unmarshal([]byte(*rulesCondition), &cond))
		body["condition"] = cond
	}
	if *rulesAction2 != "" {
		var action interface{}
		fatalOn(json.Unmarshal([]byte(*rulesAction2), &action))
		body["action"] = action
	}
	return body
}

func fatalOn(err error) {
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, "\ngeneric flags:\n\n")
	genericFlags.PrintDefaults()
	fmt.Fprintf(os.Stderr, "\nsubcommands: ingest, replay, replay-batch, requeue-stuck, rules, stats\n")
}

func main() {
	args := os.Args[1:]

	var i int
	for i = 0; i < len(args); i++ {
		if !strings.HasPrefix(args[i], "-") {
			break
		}
	}
	genericFlags.Parse(args[:i])
	args = args[i:]

	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "Error: need a subcommand")
		usage()
		os.Exit(1)
	}

	switch args[0] {
	case "ingest":
		cmdIngest(args[1:])
	case "replay":
		cmdReplay(args[1:])
	case "replay-batch":
		cmdReplayBatch(args[1:])
	case "requeue-stuck":
		cmdRequeueStuck(args[1:])
	case "rules":
		cmdRules(args[1:])
	case "stats":
		cmdStats(args[1:])
	case "help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "bad subcommand %q\n", args[0])
		usage()
		os.Exit(1)
	}
}
