package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mkefeder/netznoe-import-worker/internal/config"
	"github.com/mkefeder/netznoe-import-worker/internal/logging"
	"github.com/mkefeder/netznoe-import-worker/internal/mq"
	"github.com/mkefeder/netznoe-import-worker/internal/sensor"
	"github.com/mkefeder/netznoe-import-worker/internal/stats"
)

// TriggerMessage forces an immediate update of one metering point.
type TriggerMessage struct {
	MeterID string `json:"meter_id"`
}

// Scheduler drives periodic sensor updates and publishes an event after
// every run that produced a new cumulative total. Meters are updated
// sequentially; the per-sensor guard covers trigger messages arriving
// while a scheduled update is still running.
type Scheduler struct {
	sensors    []*sensor.Sensor
	publisher  *mq.Publisher
	cfg        *config.Config
	interval   time.Duration
	routingKey string
	logger     *zap.Logger
}

// NewScheduler creates a scheduler over the discovered sensors.
func NewScheduler(sensors []*sensor.Sensor, publisher *mq.Publisher, cfg *config.Config, logger *zap.Logger) *Scheduler {
	return &Scheduler{
		sensors:    sensors,
		publisher:  publisher,
		cfg:        cfg,
		interval:   time.Duration(cfg.Importer.UpdateIntervalMinutes) * time.Minute,
		routingKey: cfg.RabbitMQ.EventsRoutingKey,
		logger:     logger,
	}
}

// Run updates all sensors once immediately and then on every tick until
// the context is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	s.logger.Info("scheduler started",
		zap.Duration("interval", s.interval),
		zap.Int("sensors", len(s.sensors)))

	s.UpdateAll(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return
		case <-ticker.C:
			s.UpdateAll(ctx)
		}
	}
}

// UpdateAll runs one update cycle over every sensor.
func (s *Scheduler) UpdateAll(ctx context.Context) {
	for _, sns := range s.sensors {
		if ctx.Err() != nil {
			return
		}
		s.updateSensor(ctx, sns)
	}
}

// HandleTrigger processes an on-demand trigger message.
func (s *Scheduler) HandleTrigger(ctx context.Context, body []byte) error {
	var msg TriggerMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return fmt.Errorf("failed to unmarshal trigger: %w", err)
	}
	if msg.MeterID == "" {
		return fmt.Errorf("trigger without meter_id")
	}

	for _, sns := range s.sensors {
		if sns.MeterID() == msg.MeterID {
			s.logger.Info("triggered update", zap.String("meter_id", msg.MeterID))
			s.updateSensor(ctx, sns)
			return nil
		}
	}

	return fmt.Errorf("unknown metering point %s", msg.MeterID)
}

func (s *Scheduler) updateSensor(ctx context.Context, sns *sensor.Sensor) {
	runID := uuid.NewString()
	logger := logging.WithRunID(logging.WithMeterID(s.logger, sns.MeterID()), runID)

	logger.Info("updating sensor")
	if !sns.Update(ctx) {
		return
	}

	total, ok := sns.Value()
	if !ok {
		return
	}

	event := mq.ImportCompletedEvent{
		RunID:           runID,
		MeterID:         sns.MeterID(),
		SeriesID:        stats.SeriesID(sns.MeterID()),
		CumulativeTotal: total,
		Unit:            s.cfg.Importer.Unit,
		CompletedAt:     time.Now().UTC().Format(time.RFC3339),
	}
	if err := s.publisher.PublishImportCompleted(ctx, event, s.routingKey); err != nil {
		// Log error but don't fail the update itself
		logger.Error("failed to publish event", zap.Error(err))
		return
	}

	logger.Info("sensor updated", zap.Float64("cumulative_total", total))
}
