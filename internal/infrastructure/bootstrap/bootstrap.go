package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"booking-saga/internal/common/configs"
	"booking-saga/internal/common/health"
	"booking-saga/internal/common/logger"
	"booking-saga/internal/common/metrics"
	"booking-saga/internal/infrastructure/database"
	"booking-saga/internal/infrastructure/dlq"
	"booking-saga/internal/infrastructure/eventbus"
	httphandler "booking-saga/internal/infrastructure/http"
	"booking-saga/internal/infrastructure/outbox"

	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

// Runtime holds the infrastructure every service process shares
type Runtime struct {
	Config  *configs.Config
	Logger  logger.Logger
	DB      *sqlx.DB
	Outbox  *outbox.Store
	DLQ     *dlq.KafkaDLQ
	Bus     eventbus.EventBus
	Metrics *metrics.InMemoryCollector
	Router  *gin.Engine
}

// New loads configuration, connects to Postgres and Kafka and prepares the
// outbox table used for delayed redelivery.
func New(ctx context.Context, serviceName, defaultPort string) (*Runtime, error) {
	cfg, err := configs.Load(serviceName, defaultPort)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	l, err := logger.NewLogger(logger.Options{
		ServiceName: cfg.App.Name,
		LogPath:     cfg.App.LogPath,
		Debug:       cfg.App.Debug,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to init logger: %w", err)
	}

	db, err := database.Open(ctx, cfg.Database)
	if err != nil {
		return nil, err
	}
	l.Info("Connected to database", logger.Field{Key: "url", Value: database.MaskPassword(cfg.Database.URL)})

	outboxStore := outbox.NewStore(db)
	if err := outboxStore.EnsureSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	if err := eventbus.EnsureTopics(cfg.Kafka, configs.AllQueues()); err != nil {
		l.Warn("Topic provisioning failed, relying on broker auto-create", logger.Field{Key: "error", Value: err})
	}

	deadLetters := dlq.NewKafkaDLQ(cfg.Kafka.Brokers, l)
	bus := eventbus.NewEventBus(cfg.Kafka, cfg.Retry,
		eventbus.WithDeadLetterQueue(deadLetters),
		eventbus.WithRedeliveryScheduler(outboxStore),
		eventbus.WithLogger(l),
	)

	mc := metrics.NewInMemoryCollector()
	return &Runtime{
		Config:  cfg,
		Logger:  l,
		DB:      db,
		Outbox:  outboxStore,
		DLQ:     deadLetters,
		Bus:     bus,
		Metrics: mc,
		Router:  httphandler.NewRouter(l, health.NewDBHealthChecker(db), mc, cfg.App.Debug),
	}, nil
}

// Run serves HTTP and drains the outbox, plus any extra workers, until ctx is
// cancelled or one of them fails.
func (r *Runtime) Run(ctx context.Context, workers ...func(ctx context.Context) error) error {
	g, ctx := errgroup.WithContext(ctx)

	server := &http.Server{
		Addr:              ":" + r.Config.App.Port,
		Handler:           r.Router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g.Go(func() error {
		r.Logger.Info("Starting HTTP server", logger.Field{Key: "port", Value: r.Config.App.Port})
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		r.Logger.Info("Shutting down server...")
		return server.Shutdown(shutdownCtx)
	})

	dispatcher := outbox.NewDispatcher(r.Outbox, r.Bus, r.Config.Outbox, r.Logger)
	g.Go(func() error { return dispatcher.Run(ctx) })

	for _, w := range workers {
		w := w
		g.Go(func() error { return w(ctx) })
	}

	return g.Wait()
}

func (r *Runtime) Close() {
	if err := r.Bus.Close(); err != nil {
		r.Logger.Error("Failed to close event bus", logger.Field{Key: "error", Value: err})
	}
	if err := r.DLQ.Close(); err != nil {
		r.Logger.Error("Failed to close DLQ", logger.Field{Key: "error", Value: err})
	}
	if err := r.DB.Close(); err != nil {
		r.Logger.Error("Failed to close database", logger.Field{Key: "error", Value: err})
	}
	_ = r.Logger.Sync()
}
