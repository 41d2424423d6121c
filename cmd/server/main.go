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

// Command server runs the full deployment: the HTTP/WebSocket API,
// the worker loop that claims and processes events, and the stuck-event
// recovery sweep, all in one process. cmd/worker runs just the worker
// loop for deployments that want to scale claim throughput separately
// from the HTTP tier.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/eventcore/rulesengine/boot"
	"github.com/eventcore/rulesengine/config"
	"github.com/eventcore/rulesengine/core"
)

var seedFile = flag.String("seed", "", "optional YAML file of rules to load at startup")

func main() {
	flag.Parse()

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

	if *seedFile != "" {
		if err := seedRules(ctx, sys, *seedFile); err != nil {
			core.Log(core.ERROR|core.ENGINE, ctx, "main.seedRules", "err", err)
			os.Exit(1)
		}
	}

	httpServer := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: sys.API.Router(),
	}
	go func() {
		core.Log(core.INFO|core.HTTPAPI, ctx, "main", "addr", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			core.Log(core.ERROR|core.HTTPAPI, ctx, "main.ListenAndServe", "err", err)
		}
	}()

	workerCtx, cancelWorker := context.WithCancel(context.Background())
	go sys.RunWorkerLoop(core.FromStdContext(workerCtx, "worker"))

	sys.Recovery.Start(ctx)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	core.Log(core.INFO|core.ENGINE, ctx, "main.shutdown", "signal", "received")
	cancelWorker()
	sys.Recovery.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = httpServer.Shutdown(shutdownCtx)
}
