package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"booking-saga/internal/application/saga"
	"booking-saga/internal/common/configs"
	"booking-saga/internal/common/logger"
	"booking-saga/internal/infrastructure/bootstrap"
	httphandler "booking-saga/internal/infrastructure/http"
	"booking-saga/internal/infrastructure/sagastore"
)

func main() {
	if err := run(); err != nil {
		l := logger.NewConsoleLogger(configs.ServiceNameSagaOrchestrator)
		l.Error("Saga orchestrator stopped with error", logger.Field{Key: "error", Value: err})
		_ = l.Sync()
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt, err := bootstrap.New(ctx, configs.ServiceNameSagaOrchestrator, configs.PortSagaOrchestrator)
	if err != nil {
		return err
	}
	defer rt.Close()
	l := rt.Logger

	store := sagastore.NewPostgresStore(rt.DB, rt.Outbox)
	if err := store.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("failed to initialize saga store: %w", err)
	}

	orchestrator := saga.NewOrchestrator(store, rt.Bus, rt.Metrics, l)
	watcher := saga.NewTimeoutWatcher(store, orchestrator, rt.Config.Saga, l)

	httphandler.NewSagaHandler(orchestrator).Register(rt.Router)

	for _, topic := range saga.ConsumedTopics() {
		if err := rt.Bus.SubscribeWithGroupID(ctx, topic, configs.ServiceNameSagaOrchestrator, orchestrator.HandleEvent); err != nil {
			return fmt.Errorf("failed to subscribe to %s: %w", topic, err)
		}
	}
	l.Info("Event consumers started", logger.Field{Key: "topics", Value: saga.ConsumedTopics()})

	return rt.Run(ctx, watcher.Run)
}
