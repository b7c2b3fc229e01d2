package main

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/mkefeder/netznoe-import-worker/internal/config"
	"github.com/mkefeder/netznoe-import-worker/internal/db"
	"github.com/mkefeder/netznoe-import-worker/internal/importer"
	"github.com/mkefeder/netznoe-import-worker/internal/logging"
	"github.com/mkefeder/netznoe-import-worker/internal/mq"
	"github.com/mkefeder/netznoe-import-worker/internal/sensor"
	"github.com/mkefeder/netznoe-import-worker/internal/service"
	"github.com/mkefeder/netznoe-import-worker/internal/smartmeter"
	"github.com/mkefeder/netznoe-import-worker/internal/stats"
)

func startWorker(
	lc fx.Lifecycle,
	cfg *config.Config,
	logger *zap.Logger,
	client *smartmeter.Client,
	store *stats.PostgresStore,
	conn *mq.Connection,
	publisher *mq.Publisher,
) error {
	// Context for the scheduler and consumer, cancelled on shutdown
	ctx, cancel := context.WithCancel(context.Background())

	var consumer *mq.Consumer

	lc.Append(fx.Hook{
		OnStart: func(startCtx context.Context) error {
			// Metering points are discovered once at login; the set is
			// immutable for the lifetime of the worker.
			if err := client.Login(startCtx); err != nil {
				cancel()
				return fmt.Errorf("initial login failed: %w", err)
			}

			sensors := buildSensors(cfg, client, store, logger)
			if len(sensors) == 0 {
				logger.Warn("no active smart metering points found on account")
			}

			scheduler := service.NewScheduler(sensors, publisher, cfg, logger)

			c, err := mq.NewConsumer(mq.ConsumerConfig{
				Connection:       conn,
				Queue:            cfg.RabbitMQ.TriggerQueue,
				DLQQueue:         cfg.RabbitMQ.DLQQueue,
				Exchange:         cfg.RabbitMQ.TriggerExchange,
				RoutingKey:       cfg.RabbitMQ.TriggerRoutingKey,
				PrefetchCount:    cfg.RabbitMQ.PrefetchCount,
				Logger:           logger,
				MessageProcessor: scheduler.HandleTrigger,
			})
			if err != nil {
				cancel()
				return fmt.Errorf("failed to create trigger consumer: %w", err)
			}
			consumer = c

			if err := consumer.Start(ctx); err != nil {
				cancel()
				return fmt.Errorf("failed to start trigger consumer: %w", err)
			}

			logger.Info("starting update scheduler",
				zap.Int("sensors", len(sensors)),
				zap.Int("interval_minutes", cfg.Importer.UpdateIntervalMinutes))
			go scheduler.Run(ctx)

			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			cancel()
			if consumer != nil {
				if err := consumer.Close(); err != nil {
					logger.Error("failed to close consumer", zap.Error(err))
					return err
				}
			}
			logger.Info("worker stopped gracefully")
			return nil
		},
	})

	return nil
}

// buildSensors creates one importer and sensor per active smart metering
// point of the account.
func buildSensors(
	cfg *config.Config,
	client *smartmeter.Client,
	store *stats.PostgresStore,
	logger *zap.Logger,
) []*sensor.Sensor {
	var sensors []*sensor.Sensor

	for _, point := range client.MeteringPoints() {
		meterLogger := logging.WithMeterID(logger, point.MeteringPointID)

		if !point.Active() {
			meterLogger.Warn("skipping inactive or non-smart metering point")
			continue
		}

		imp := importer.New(importer.Config{
			MeterID:     point.MeteringPointID,
			Unit:        cfg.Importer.Unit,
			SubHourly:   point.SubHourly(),
			API:         client,
			Store:       store,
			Logger:      meterLogger,
			Lookback:    time.Duration(cfg.Importer.LookbackYears) * 365 * 24 * time.Hour,
			MinInterval: time.Duration(cfg.Importer.MinImportIntervalHrs) * time.Hour,
		})

		sensors = append(sensors, sensor.New(point.MeteringPointID, client, imp, meterLogger))
		meterLogger.Info("registered metering point",
			zap.Bool("sub_hourly", point.SubHourly()))
	}

	return sensors
}

// ProvideSmartmeterClient creates the shared portal API client
func ProvideSmartmeterClient(cfg *config.Config, logger *zap.Logger) (*smartmeter.Client, error) {
	return smartmeter.NewClient(
		cfg.Smartmeter.Username,
		cfg.Smartmeter.Password,
		cfg.Smartmeter.BaseURL,
		time.Duration(cfg.Smartmeter.TimeoutSeconds)*time.Second,
		logger,
	)
}

// ProvideDBPool creates a new database pool instance
func ProvideDBPool(lc fx.Lifecycle, logger *zap.Logger, cfg *config.Config) (*db.Pool, error) {
	return db.NewPool(lc, logger, cfg.Database.URL)
}

// ProvideStatsStore creates the statistics store
func ProvideStatsStore(pool *db.Pool) *stats.PostgresStore {
	return stats.NewPostgresStore(pool)
}

// ProvideMQConnection creates a new RabbitMQ connection instance
func ProvideMQConnection(lc fx.Lifecycle, logger *zap.Logger, cfg *config.Config) (*mq.Connection, error) {
	return mq.NewConnection(lc, logger, cfg.RabbitMQ.URL)
}

// ProvidePublisher creates a new publisher instance
func ProvidePublisher(conn *mq.Connection, cfg *config.Config, logger *zap.Logger) (*mq.Publisher, error) {
	return mq.NewPublisher(conn, cfg.RabbitMQ.EventsExchange, logger)
}
