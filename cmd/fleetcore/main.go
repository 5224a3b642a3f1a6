// Copyright 2025 The fleetcore Authors
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

// package main is the entrypoint for the fleetcore ingestion service.
package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/gmbnd/fleetcore/pkg/cache"
	"github.com/gmbnd/fleetcore/pkg/config"
	"github.com/gmbnd/fleetcore/pkg/dispatch"
	"github.com/gmbnd/fleetcore/pkg/events"
	"github.com/gmbnd/fleetcore/pkg/ingest"
	"github.com/gmbnd/fleetcore/pkg/metrics"
	"github.com/gmbnd/fleetcore/pkg/transport"
)

func main() {
	configPath := flag.String("config", "", "path to a yaml or json config file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slogLevel(cfg.Core.LogLevel),
	}))
	logger.Info("starting fleetcore ingestion service", "broker", cfg.Core.BrokerURL)

	var store cache.Cache
	switch cfg.Core.CacheBackend {
	case config.CachePostgres:
		pg, err := cache.NewPostgresCache(cfg.Core.Postgres)
		if err != nil {
			log.Fatalf("Failed to open postgres cache: %v", err)
		}
		defer pg.Close()
		store = pg
	default:
		store = cache.NewMemoryCache()
	}

	bus := events.NewBus()
	bus.SubscribeAll(func(e events.Event) {
		logger.Debug("event", "kind", string(e.EventKind()))
	})

	dispatcher := dispatch.New(store, bus, dispatch.WithLogger(logger))
	defer dispatcher.Stop()
	handler := ingest.New(store, dispatcher, bus, ingest.WithLogger(logger))

	listener := transport.NewListener(cfg.Core.BrokerURL, cfg.Core.ClientID, handler, logger)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := listener.Connect(ctx); err != nil {
		log.Fatalf("Failed to connect to broker: %v", err)
	}
	defer listener.Close()

	go metrics.Serve(cfg.Core.MetricsPort)

	shutdownChan := make(chan os.Signal, 1)
	signal.Notify(shutdownChan, os.Interrupt, syscall.SIGTERM)
	<-shutdownChan

	logger.Info("shutdown signal received, shutting down")
}

// slogLevel maps the fleet's seven-level ordering onto slog: http, verbose,
// and silly fold into debug.
func slogLevel(level string) slog.Level {
	switch level {
	case "error":
		return slog.LevelError
	case "warn":
		return slog.LevelWarn
	case "http", "verbose", "debug", "silly":
		return slog.LevelDebug
	default:
		return slog.LevelInfo
	}
}
