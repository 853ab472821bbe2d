package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"booking-saga/internal/application/inventory"
	"booking-saga/internal/common/configs"
	"booking-saga/internal/common/logger"
	"booking-saga/internal/infrastructure/bootstrap"
	httphandler "booking-saga/internal/infrastructure/http"
	"booking-saga/internal/infrastructure/inventorystore"
)

func main() {
	if err := run(); err != nil {
		l := logger.NewConsoleLogger(configs.ServiceNameInventoryService)
		l.Error("Inventory service stopped with error", logger.Field{Key: "error", Value: err})
		_ = l.Sync()
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt, err := bootstrap.New(ctx, configs.ServiceNameInventoryService, configs.PortInventoryService)
	if err != nil {
		return err
	}
	defer rt.Close()

	store := inventorystore.NewPostgresStore(rt.DB)
	if err := store.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("failed to initialize inventory store: %w", err)
	}

	service := inventory.NewService(store, rt.Bus, rt.Logger)
	httphandler.NewInventoryHandler(service).Register(rt.Router)

	if err := rt.Bus.SubscribeWithGroupID(ctx, configs.TopicInventoryCommands, configs.ServiceNameInventoryService, service.HandleEvent); err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}

	return rt.Run(ctx)
}
