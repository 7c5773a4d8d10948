// Command theaterd runs a Theater actor runtime: it wires the content
// store, the event bus, the reference resolver, and the full built-in
// capability set into a process-wide registry, spawns one root actor per
// manifest named on the command line, and runs until interrupted.
//
// # Configuration
//
// Environment variables (a .env file in the working directory is loaded
// first when present):
//
//	THEATER_HOME                    - root for chains and blobs (default: $HOME/.theater)
//	THEATER_OPERATION_TIMEOUT       - per-call timeout (default: "300s")
//	THEATER_REDIS_ADDR              - enable Pulse broadcast + shared label index (optional)
//	THEATER_REDIS_PASSWORD          - Redis password (optional)
//	THEATER_EVENT_INDEX             - SQLite chain-event index path (optional)
//
// # Example
//
//	theaterd ./manifests/echo.yaml
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"goa.design/clue/log"

	"github.com/theater-run/theater/bus"
	"github.com/theater-run/theater/config"
	"github.com/theater-run/theater/contentstore"
	"github.com/theater-run/theater/contentstore/fs"
	"github.com/theater-run/theater/contentstore/redisindex"
	"github.com/theater-run/theater/contentstore/sqliteindex"
	"github.com/theater-run/theater/handler"
	"github.com/theater-run/theater/handler/environment"
	"github.com/theater-run/theater/handler/filesystem"
	"github.com/theater-run/theater/handler/httpclient"
	"github.com/theater-run/theater/handler/msgserver"
	"github.com/theater-run/theater/handler/process"
	"github.com/theater-run/theater/handler/random"
	"github.com/theater-run/theater/handler/runtimecap"
	"github.com/theater-run/theater/handler/storecap"
	"github.com/theater-run/theater/handler/supervisor"
	"github.com/theater-run/theater/handler/timing"
	"github.com/theater-run/theater/id"
	"github.com/theater-run/theater/resolver"
	"github.com/theater-run/theater/runtime"
	"github.com/theater-run/theater/sandbox/memory"
	"github.com/theater-run/theater/telemetry"
)

func main() {
	ctx := log.Context(context.Background(), log.WithFormat(log.FormatTerminal))
	if err := run(ctx, os.Args[1:]); err != nil {
		log.Error(ctx, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, manifests []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := telemetry.NewClueLogger()

	// Content store: filesystem, with a shared Redis label index layered
	// on top when configured.
	var store contentstore.Store = fs.New(cfg.Home)
	var rdb *redis.Client
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connect to redis: %w", err)
		}
		store, err = redisindex.New(store, rdb, "theater")
		if err != nil {
			return err
		}
	}

	// Bus: in-memory fan-out, broadcast over Pulse when Redis is up.
	var eventBus bus.Bus = bus.NewMemoryBus()
	if rdb != nil {
		pulseBus, err := bus.NewPulseBus(bus.PulseBusOptions{Redis: rdb})
		if err != nil {
			return err
		}
		defer pulseBus.Close(ctx)
		eventBus = pulseBus
	}

	if cfg.EventIndexPath != "" {
		index, err := sqliteindex.Open(cfg.EventIndexPath)
		if err != nil {
			return err
		}
		defer index.Close()
		if _, err := eventBus.Register(index); err != nil {
			return err
		}
	}

	// The in-memory engine stands in for a wasmtime/wazero-backed
	// sandbox.Runtime; production deployments swap it at this one seam.
	engine := memory.NewRuntime()

	reg, err := runtime.New(runtime.Options{
		Sandbox:        engine,
		Resolver:       resolver.New(store),
		ContentStore:   store,
		ChainPersister: fs.NewChainStore(cfg.Home),
		Bus:            eventBus,
		NewHandlerRegistry: func() *handler.Registry {
			r := handler.NewRegistry()
			r.Register(supervisor.Capability, supervisor.Builder())
			r.Register(msgserver.Capability, msgserver.Builder())
			r.Register(runtimecap.Capability, runtimecap.Builder(logger))
			r.Register(timing.Capability, timing.Builder())
			r.Register(random.Capability, random.Builder())
			r.Register(environment.Capability, environment.Builder())
			r.Register(filesystem.Capability, filesystem.Builder())
			r.Register(httpclient.Capability, httpclient.Builder())
			r.Register(process.Capability, process.Builder())
			r.Register(storecap.Capability, storecap.Builder(store))
			return r
		},
		Logger:           logger,
		Metrics:          telemetry.NewClueMetrics(),
		OperationTimeout: cfg.OperationTimeout,
	})
	if err != nil {
		return err
	}
	defer reg.Close(context.Background())

	for _, manifestRef := range manifests {
		actorID, err := reg.Spawn(ctx, manifestRef, nil, id.ActorID{})
		if err != nil {
			return fmt.Errorf("spawn %s: %w", manifestRef, err)
		}
		log.Infof(ctx, "spawned root actor %s from %s", actorID, manifestRef)
	}

	log.Infof(ctx, "theaterd running, home=%s", cfg.Home)
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
	log.Infof(ctx, "shutting down")
	return nil
}
