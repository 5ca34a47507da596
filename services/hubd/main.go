package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"omnilend/config"
	"omnilend/core/events"
	"omnilend/hub"
	"omnilend/native/common"
	"omnilend/native/lending"
	"omnilend/native/omni"
	"omnilend/observability/logging"
	"omnilend/observability/otel"
	"omnilend/storage"
	"omnilend/storage/state"
)

func main() {
	var (
		configPath = flag.String("config", "./config.toml", "path to the hub configuration file")
		listenFlag = flag.String("listen", "", "override the configured listen address")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logging.Setup("hubd", "info").Error("load configuration", "error", err)
		os.Exit(1)
	}
	logger := logging.Setup("hubd", cfg.LogLevel)
	if *listenFlag != "" {
		cfg.ListenAddress = *listenFlag
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	telemetryShutdown, err := otel.Init(ctx, otel.FromEnv("hubd"))
	if err != nil {
		logger.Error("initialise telemetry", "error", err)
		os.Exit(1)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := telemetryShutdown(shutdownCtx); err != nil {
			logger.Warn("telemetry shutdown", "error", err)
		}
	}()

	db, err := storage.NewLevelDB(cfg.DataDir)
	if err != nil {
		logger.Error("open state database", "path", cfg.DataDir, "error", err)
		os.Exit(1)
	}
	defer db.Close()

	manager := state.NewManager(db)
	pauses := common.NewPauseSet(cfg.PausedModules...)
	recorder := events.NewRecorder()

	registry := lending.NewRegistry(manager, recorder)
	prices := lending.NewPriceStore(manager, recorder)
	positions := lending.NewPositionStore(manager)
	engine := lending.NewEngine(registry, prices, positions, cfg.PriceMaxAge())
	engine.SetPauses(pauses)
	tracker := omni.NewTracker(manager, recorder)
	coordinator := hub.NewCoordinator(engine, tracker, nil, logger)

	handler := &api{
		registry:    registry,
		prices:      prices,
		engine:      engine,
		tracker:     tracker,
		coordinator: coordinator,
		events:      recorder,
		logger:      logger,
	}

	server := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           handler.router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("hub listening", "address", cfg.ListenAddress, "chain", cfg.ChainID)
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server", "error", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}
	logger.Info("hub stopped")
}
