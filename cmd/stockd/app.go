package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	appinventory "github.com/erp/stockledger/internal/application/inventory"
	"github.com/erp/stockledger/internal/domain/inventory"
	"github.com/erp/stockledger/internal/domain/shared"
	"github.com/erp/stockledger/internal/infrastructure/cache"
	"github.com/erp/stockledger/internal/infrastructure/config"
	"github.com/erp/stockledger/internal/infrastructure/event"
	"github.com/erp/stockledger/internal/infrastructure/logger"
	"github.com/erp/stockledger/internal/infrastructure/persistence"
	"github.com/erp/stockledger/internal/infrastructure/scheduler"
	"github.com/erp/stockledger/internal/infrastructure/telemetry"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

// app holds everything that needs an orderly shutdown
type app struct {
	log          *zap.Logger
	closers      []func(context.Context) error
	stock        *appinventory.StockService
	reservations *appinventory.ReservationService
	transfers    *appinventory.TransferService
}

// onShutdown registers fn to run at shutdown, in reverse registration order
func (a *app) onShutdown(name string, fn func(context.Context) error) {
	a.closers = append(a.closers, func(ctx context.Context) error {
		if err := fn(ctx); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		return nil
	})
}

func (a *app) shutdown(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			a.log.Warn("Shutdown step failed", zap.Error(err))
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// snapshotStore is a store that can also feed the snapshot gauges
type snapshotStore interface {
	inventory.Store
	telemetry.StockSnapshotProvider
}

func newApp(ctx context.Context, cfg *config.Config, log *zap.Logger) (a *app, err error) {
	a = &app{log: log}
	defer func() {
		if err != nil {
			_ = a.shutdown(context.WithoutCancel(ctx))
		}
	}()

	tp, err := telemetry.NewTracerProvider(ctx, telemetry.Config{
		Enabled:           cfg.Telemetry.Enabled,
		CollectorEndpoint: cfg.Telemetry.CollectorEndpoint,
		SamplingRatio:     cfg.Telemetry.SamplingRatio,
		ServiceName:       cfg.Telemetry.ServiceName,
		ServiceVersion:    cfg.App.Version,
		Insecure:          cfg.Telemetry.Insecure,
	}, log)
	if err != nil {
		return a, fmt.Errorf("tracer provider: %w", err)
	}
	a.onShutdown("tracer provider", tp.Shutdown)

	mp, err := telemetry.NewMeterProvider(ctx, telemetry.MetricsConfig{
		Enabled:           cfg.Telemetry.MetricsEnabled,
		CollectorEndpoint: cfg.Telemetry.CollectorEndpoint,
		ExportInterval:    cfg.Telemetry.MetricsInterval,
		ServiceName:       cfg.Telemetry.ServiceName,
		ServiceVersion:    cfg.App.Version,
		Insecure:          cfg.Telemetry.Insecure,
	}, log)
	if err != nil {
		return a, fmt.Errorf("meter provider: %w", err)
	}
	a.onShutdown("meter provider", mp.Shutdown)
	meter := mp.Meter("github.com/erp/stockledger")

	store, err := a.openStore(ctx, cfg, meter, log)
	if err != nil {
		return a, err
	}

	idem, err := cache.NewIdempotencyStore(ctx, cfg.Redis, !cfg.App.IsProduction(), log)
	if err != nil {
		return a, fmt.Errorf("idempotency store: %w", err)
	}
	a.onShutdown("idempotency store", func(context.Context) error { return idem.Close() })

	publisher, err := a.startEvents(ctx, cfg, log)
	if err != nil {
		return a, err
	}

	stockMetrics, err := telemetry.NewStockMetrics(telemetry.StockMetricsConfig{
		Meter:            meter,
		Logger:           log,
		CollectInterval:  cfg.Telemetry.MetricsInterval,
		SnapshotProvider: store,
	})
	if err != nil {
		return a, fmt.Errorf("stock metrics: %w", err)
	}
	stockMetrics.StartPeriodicCollection(ctx, cfg.Telemetry.MetricsInterval)
	a.onShutdown("stock metrics", func(context.Context) error {
		stockMetrics.Stop()
		return nil
	})

	if err := a.buildServices(cfg, store, idem, publisher, stockMetrics, log); err != nil {
		return a, err
	}

	sweeper, err := scheduler.NewReservationSweeper(a.reservations, log, scheduler.ReservationSweeperConfig{
		Enabled:  cfg.Inventory.SweepEnabled,
		Interval: cfg.Inventory.SweepInterval,
		Timeout:  cfg.Inventory.SweepInterval,
	})
	if err != nil {
		return a, fmt.Errorf("reservation sweeper: %w", err)
	}
	if err := sweeper.Start(ctx); err != nil {
		return a, fmt.Errorf("reservation sweeper: %w", err)
	}
	a.onShutdown("reservation sweeper", sweeper.Stop)

	log.Info("Stock ledger started",
		zap.String("default_negative_limit", cfg.Inventory.DefaultNegativeLimit),
		zap.Duration("reservation_ttl", cfg.Inventory.ReservationTTL),
		zap.Bool("kafka", cfg.Kafka.Enabled),
	)
	return a, nil
}

// openStore builds the configured balance store
func (a *app) openStore(ctx context.Context, cfg *config.Config, meter metric.Meter, log *zap.Logger) (snapshotStore, error) {
	if cfg.Inventory.Store == config.StoreMemory {
		log.Warn("Using the in-memory store, stock is lost on exit")
		return persistence.NewMemoryStore(), nil
	}

	observer, err := telemetry.NewDBObserver(meter, telemetry.DBObserverConfig{
		TracingEnabled:     cfg.Telemetry.DBTraceEnabled,
		LogFullSQL:         cfg.Telemetry.DBLogFullSQL,
		SlowQueryThreshold: cfg.Telemetry.DBSlowQueryThresh,
		PoolStatsInterval:  telemetry.DefaultDBObserverConfig().PoolStatsInterval,
		DBName:             cfg.Database.DBName,
	}, log)
	if err != nil {
		return nil, fmt.Errorf("db observer: %w", err)
	}

	gormLog := logger.NewGormLogger(log, logger.MapGormLogLevel(cfg.Log.Level),
		logger.WithSlowThreshold(cfg.Telemetry.DBSlowQueryThresh),
		logger.WithLockWaitThreshold(cfg.Inventory.AcquireTimeout/2))
	db, err := persistence.NewDatabase(ctx, &cfg.Database,
		persistence.WithGormLogger(gormLog),
		persistence.WithQueryObserver(observer))
	if err != nil {
		return nil, err
	}
	a.onShutdown("database", func(context.Context) error { return db.Close() })

	observer.StartPoolStatsCollection(ctx, db.SQL())
	a.onShutdown("db observer", func(context.Context) error {
		observer.Stop()
		return nil
	})

	log.Info("Database connected successfully",
		zap.String("host", cfg.Database.Host),
		zap.String("database", cfg.Database.DBName))
	return db.Store(), nil
}

// startEvents starts the in-process bus and, when enabled, the Kafka relay
func (a *app) startEvents(ctx context.Context, cfg *config.Config, log *zap.Logger) (shared.EventPublisher, error) {
	bus := event.NewInMemoryEventBus(log)
	bus.Subscribe(newWarningLogger(log), inventory.EventTypeNegativeStockWarning)

	if cfg.Kafka.Enabled {
		writer := event.NewKafkaWriter(event.KafkaConfig{
			Brokers:      cfg.Kafka.Brokers,
			Topic:        cfg.Kafka.Topic,
			WriteTimeout: cfg.Kafka.WriteTimeout,
		})
		kafkaPublisher := event.NewKafkaPublisher(writer, event.NewStockEventSerializer(), log)
		bus.Subscribe(kafkaPublisher)
		a.onShutdown("kafka publisher", func(context.Context) error { return kafkaPublisher.Close() })
		log.Info("Publishing stock events to Kafka",
			zap.Strings("brokers", cfg.Kafka.Brokers),
			zap.String("topic", cfg.Kafka.Topic))
	}

	if err := bus.Start(ctx); err != nil {
		return nil, fmt.Errorf("event bus: %w", err)
	}
	a.onShutdown("event bus", bus.Stop)
	return bus, nil
}

func (a *app) buildServices(
	cfg *config.Config,
	store inventory.Store,
	idem shared.IdempotencyStore,
	publisher shared.EventPublisher,
	metrics appinventory.Metrics,
	log *zap.Logger,
) error {
	limit, err := cfg.Inventory.DefaultLimit()
	if err != nil {
		return err
	}
	policy, err := inventory.NewNegativeStockPolicy(limit)
	if err != nil {
		return fmt.Errorf("negative stock policy: %w", err)
	}

	a.stock = appinventory.NewStockService(store, policy, log.Named("stock"))
	a.stock.SetIdempotencyStore(idem, cfg.Redis.IdempotencyTTL)

	a.reservations = appinventory.NewReservationService(store, log.Named("reservations"))
	a.reservations.SetDefaultTTL(cfg.Inventory.ReservationTTL)
	a.reservations.SetSweepBatchSize(cfg.Inventory.SweepBatchSize)

	a.transfers = appinventory.NewTransferService(store, log.Named("transfers"))
	a.transfers.SetCompensationTimeout(cfg.Inventory.CompensationTimeout)

	for _, s := range []interface {
		SetEventPublisher(shared.EventPublisher)
		SetMetrics(appinventory.Metrics)
		SetAcquireTimeout(time.Duration)
	}{a.stock, a.reservations, a.transfers} {
		s.SetEventPublisher(publisher)
		s.SetMetrics(metrics)
		s.SetAcquireTimeout(cfg.Inventory.AcquireTimeout)
	}
	return nil
}
