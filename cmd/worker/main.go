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

// Command worker runs only the claim/process loop and the stuck-event
// recovery sweep, no HTTP listener. Deployments that want to scale
// claim throughput independently of the HTTP/WebSocket tier run one or
// more of these alongside cmd/server or in place of it, pointed at the
// same database.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/eventcore/rulesengine/boot"
	"github.com/eventcore/rulesengine/config"
	"github.com/eventcore/rulesengine/core"
)

func main() {
	if os.Getenv("RULES_PRODUCTION") == "false" {
		core.UseDevelopmentLogging()
	}

	ctx := core.NewContext("main")

	cfg, err := config.Load()
	if err != nil {
		core.Log(core.ERROR|core.ENGINE, ctx, "main", "err", err)
		os.Exit(1)
	}
	core.SetLevel(cfg.ZapLevel())

	sys, err := boot.Build(ctx, cfg)
	if err != nil {
		core.Log(core.ERROR|core.ENGINE, ctx, "main.boot", "err", err)
		os.Exit(1)
	}
	defer sys.Close()

	workerCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sys.RunWorkerLoop(core.FromStdContext(workerCtx, "worker"))
		close(done)
	}()

	sys.Recovery.Start(ctx)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	core.Log(core.INFO|core.ENGINE, ctx, "main.shutdown", "signal", "received")
	cancel()
	sys.Recovery.Stop()
	<-done
}
