package main

import (
	"github.com/mkefeder/netznoe-import-worker/internal/config"
	"github.com/mkefeder/netznoe-import-worker/internal/logging"
	"go.uber.org/zap"
)

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	return logging.NewLogger(cfg.ServiceName)
}
