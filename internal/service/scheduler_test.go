package service_test

import (
	"context"
	"testing"

	"go.uber.org/zap"

	"github.com/mkefeder/netznoe-import-worker/internal/config"
	"github.com/mkefeder/netznoe-import-worker/internal/service"
)

func newTestScheduler() *service.Scheduler {
	cfg := &config.Config{
		Importer: config.ImporterConfig{
			UpdateIntervalMinutes: 60,
			Unit:                  "kWh",
		},
	}
	return service.NewScheduler(nil, nil, cfg, zap.NewNop())
}

func TestHandleTrigger_MalformedMessage(t *testing.T) {
	s := newTestScheduler()

	if err := s.HandleTrigger(context.Background(), []byte("{not json")); err == nil {
		t.Error("Expected error for malformed trigger")
	}
}

func TestHandleTrigger_MissingMeterID(t *testing.T) {
	s := newTestScheduler()

	if err := s.HandleTrigger(context.Background(), []byte(`{}`)); err == nil {
		t.Error("Expected error for trigger without meter_id")
	}
}

func TestHandleTrigger_UnknownMeter(t *testing.T) {
	s := newTestScheduler()

	if err := s.HandleTrigger(context.Background(), []byte(`{"meter_id":"AT404"}`)); err == nil {
		t.Error("Expected error for unknown metering point")
	}
}
