// Copyright 2025 James Ross

// Command dispatch-broker is the process entrypoint: it wires the store,
// registry, fleet view, backend clients, workflow loader, relay, object
// store, SMS gateway, reporter, dispatch loop, and HTTP API into one
// process, adapted from the teacher's cmd/job-queue-system/main.go role
// switch (-role producer|worker|all|admin) onto this system's roles
// (dispatch|http|all|admin).
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/jamesross/imagegen-broker/internal/admin"
	"github.com/jamesross/imagegen-broker/internal/backend"
	"github.com/jamesross/imagegen-broker/internal/config"
	"github.com/jamesross/imagegen-broker/internal/dispatch"
	"github.com/jamesross/imagegen-broker/internal/fleet"
	"github.com/jamesross/imagegen-broker/internal/httpapi"
	"github.com/jamesross/imagegen-broker/internal/obs"
	"github.com/jamesross/imagegen-broker/internal/objectstore"
	"github.com/jamesross/imagegen-broker/internal/redisclient"
	"github.com/jamesross/imagegen-broker/internal/registry"
	"github.com/jamesross/imagegen-broker/internal/relay"
	"github.com/jamesross/imagegen-broker/internal/reporter"
	"github.com/jamesross/imagegen-broker/internal/smsgateway"
	"github.com/jamesross/imagegen-broker/internal/store"
	"github.com/jamesross/imagegen-broker/internal/workflow"
)

var version = "dev"

func main() {
	var role, configPath, adminCmd string
	var peekN, benchCount, benchRate, benchPayloadSize int
	var purgeYes, showVersion bool
	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	fs.StringVar(&role, "role", "all", "Role to run: dispatch|http|all|admin")
	fs.StringVar(&configPath, "config", "config/config.yaml", "Path to YAML config")
	fs.StringVar(&adminCmd, "admin-cmd", "", "Admin command: stats|peek|purge-error|bench")
	fs.IntVar(&peekN, "n", 10, "Number of items for admin peek")
	fs.BoolVar(&purgeYes, "yes", false, "Automatic yes for destructive admin commands")
	fs.IntVar(&benchCount, "bench-count", 1000, "Admin bench: number of submissions")
	fs.IntVar(&benchRate, "bench-rate", 50, "Admin bench: submissions/sec")
	fs.IntVar(&benchPayloadSize, "bench-payload-size", 64, "Admin bench: zero bytes hex-encoded into each placeholder input key")
	fs.BoolVar(&showVersion, "version", false, "Print version and exit")
	_ = fs.Parse(os.Args[1:])

	if showVersion {
		fmt.Println(version)
		return
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := obs.NewLogger(cfg.Observability.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		os.Exit(1)
	}
	if cfg.Observability.LogFile != "" {
		if fileLogger, ferr := obs.NewFileLogger(cfg.Observability.LogLevel, cfg.Observability.LogFile); ferr == nil {
			logger = fileLogger
		} else {
			logger.Warn("failed to init file log sink", obs.Err(ferr))
		}
	}
	defer logger.Sync()

	tp, err := obs.MaybeInitTracing(cfg)
	if err != nil {
		logger.Warn("tracing init failed", obs.Err(err))
	}
	if tp != nil {
		defer func() { _ = tp.Shutdown(context.Background()) }()
	}

	rdb := redisclient.New(cfg)
	defer rdb.Close()

	st := store.New(rdb)
	reg := registry.New(st, cfg.Dispatch.SubmissionQueueKey)

	backends := map[string]*backend.Client{}
	proberBackends := map[string]fleet.Prober{}
	for _, b := range cfg.Backends {
		client := backend.New(b.Addr, cfg.Dispatch.ProbeTimeout, cfg.Dispatch.GenerateTimeout)
		backends[b.Addr] = client
		proberBackends[b.Addr] = client
	}
	fleetView := fleet.New(proberBackends, 4)

	objStore, err := objectstore.New(cfg.ObjectStore)
	if err != nil {
		logger.Fatal("failed to init object store", obs.Err(err))
	}

	workflows := workflow.NewLoader(cfg.Workflow.DefaultPath, os.ReadFile)
	smsClient := smsgateway.New(cfg.SMS)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("signal received, shutting down", obs.String("signal", sig.String()))
		cancel()
		select {
		case sig2 := <-sigCh:
			logger.Warn("second signal received, exiting immediately", obs.String("signal", sig2.String()))
			os.Exit(1)
		case <-time.After(5 * time.Second):
		}
	}()

	if role == "admin" {
		runAdmin(ctx, reg, cfg, logger, adminCmd, peekN, purgeYes, benchCount, benchRate, benchPayloadSize)
		return
	}

	readyCheck := func(c context.Context) error {
		_, err := rdb.Ping(c).Result()
		return err
	}
	httpSrv := obs.StartHTTPServer(cfg, readyCheck)
	defer func() { _ = httpSrv.Shutdown(context.Background()) }()
	obs.StartStoreSampler(ctx, cfg, rdb, logger)

	natsRelay, err := relay.New(cfg.Relay.NATSURL, cfg.Relay.Subject)
	if err != nil {
		logger.Fatal("failed to connect relay transport", obs.Err(err))
	}
	defer natsRelay.Close()

	sink := relay.NewSink(reg, logger)
	go func() {
		if err := sink.Run(ctx, natsRelay); err != nil {
			logger.Warn("progress relay sink stopped", obs.Err(err))
		}
	}()

	if cfg.Reporter.Enabled {
		rep := reporter.New(reg, logger, cfg.Reporter.Schedule, cfg.Dispatch.DefaultAvgSeconds)
		if err := rep.Start(ctx); err != nil {
			logger.Warn("failed to start reporter", obs.Err(err))
		}
	}

	switch role {
	case "dispatch":
		loop := dispatch.New(reg, fleetView, backends, objStore, workflows, natsRelay, smsClient, cfg, logger)
		loop.Run(ctx)
	case "http":
		api := httpapi.New(reg, objStore, fleetView, cfg, logger)
		serveHTTP(ctx, cfg, api, logger)
	case "all":
		loop := dispatch.New(reg, fleetView, backends, objStore, workflows, natsRelay, smsClient, cfg, logger)
		go loop.Run(ctx)
		api := httpapi.New(reg, objStore, fleetView, cfg, logger)
		serveHTTP(ctx, cfg, api, logger)
	default:
		logger.Fatal("unknown role", obs.String("role", role))
	}
}

func serveHTTP(ctx context.Context, cfg *config.Config, api *httpapi.Server, logger *zap.Logger) {
	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: api.Router()}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	logger.Info("http api listening", obs.String("addr", cfg.HTTPAddr))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatal("http api server error", obs.Err(err))
	}
}

func runAdmin(ctx context.Context, reg *registry.Registry, cfg *config.Config, logger *zap.Logger, cmd string, peekN int, yes bool, benchCount, benchRate, benchPayloadSize int) {
	switch cmd {
	case "stats":
		res, err := admin.Stats(ctx, reg, cfg.Dispatch.DefaultAvgSeconds)
		printJSON(logger, "admin stats error", res, err)
	case "peek":
		res, err := admin.Peek(ctx, reg, peekN)
		printJSON(logger, "admin peek error", res, err)
	case "purge-error":
		res, err := admin.PurgeError(ctx, reg, yes)
		printJSON(logger, "admin purge-error error", res, err)
	case "bench":
		res, err := admin.Bench(ctx, reg, benchCount, benchRate, benchPayloadSize)
		printJSON(logger, "admin bench error", res, err)
	default:
		logger.Fatal("unknown admin command", obs.String("cmd", cmd))
	}
}

func printJSON(logger *zap.Logger, errMsg string, v interface{}, err error) {
	if err != nil {
		logger.Fatal(errMsg, obs.Err(err))
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
}
