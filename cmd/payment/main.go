package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"booking-saga/internal/application/payment"
	"booking-saga/internal/common/configs"
	"booking-saga/internal/common/logger"
	"booking-saga/internal/infrastructure/bootstrap"
	"booking-saga/internal/infrastructure/gateway"
	httphandler "booking-saga/internal/infrastructure/http"
	"booking-saga/internal/infrastructure/paymentstore"
)

func main() {
	if err := run(); err != nil {
		l := logger.NewConsoleLogger(configs.ServiceNamePaymentService)
		l.Error("Payment service stopped with error", logger.Field{Key: "error", Value: err})
		_ = l.Sync()
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt, err := bootstrap.New(ctx, configs.ServiceNamePaymentService, configs.PortPaymentService)
	if err != nil {
		return err
	}
	defer rt.Close()

	store := paymentstore.NewPostgresStore(rt.DB)
	if err := store.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("failed to initialize payment store: %w", err)
	}

	gw := gateway.NewSimulatedGateway(
		gateway.WithLatency(rt.Config.Payment.GatewayLatency),
		gateway.WithDeclineAbove(rt.Config.Payment.DeclineAbove),
	)
	service := payment.NewService(store, gw, rt.Bus, rt.Config.Payment.AttemptTimeout, rt.Logger)
	httphandler.NewPaymentHandler(service).Register(rt.Router)

	if err := rt.Bus.SubscribeWithGroupID(ctx, configs.TopicPaymentCommands, configs.ServiceNamePaymentService, service.HandleEvent); err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}

	return rt.Run(ctx)
}
