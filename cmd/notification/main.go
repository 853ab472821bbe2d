package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"booking-saga/internal/application/notification"
	"booking-saga/internal/common/configs"
	"booking-saga/internal/common/logger"
	"booking-saga/internal/infrastructure/bootstrap"
	"booking-saga/internal/infrastructure/errors"
	httphandler "booking-saga/internal/infrastructure/http"
)

func main() {
	if err := run(); err != nil {
		l := logger.NewConsoleLogger(configs.ServiceNameNotificationService)
		l.Error("Notification service stopped with error", logger.Field{Key: "error", Value: err})
		_ = l.Sync()
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt, err := bootstrap.New(ctx, configs.ServiceNameNotificationService, configs.PortNotificationService)
	if err != nil {
		return err
	}
	defer rt.Close()
	l := rt.Logger

	dbErrors := errors.NewDBErrors(rt.DB)
	if err := dbErrors.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("failed to initialize error log: %w", err)
	}

	service := notification.NewService(notification.NewLogSender(l), dbErrors, rt.Metrics, l)
	httphandler.NewErrorsHandler(service).Register(rt.Router)

	if err := rt.Bus.SubscribeWithGroupID(ctx, configs.TopicBookingEvents, configs.ServiceNameNotificationService, service.HandleEvent); err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}

	for _, queue := range configs.AllQueues() {
		if err := rt.DLQ.Subscribe(ctx, queue, configs.ServiceNameNotificationService+"-dlq", service.HandleDLQEvent); err != nil {
			return fmt.Errorf("failed to subscribe to DLQ %s: %w", queue, err)
		}
	}
	l.Info("DLQ monitor started", logger.Field{Key: "queues", Value: configs.AllQueues()})

	return rt.Run(ctx)
}
