package config

import (
	"fmt"
	"os"
	"strconv"
)

// Config holds all application configuration
type Config struct {
	ServiceName string
	Smartmeter  SmartmeterConfig
	Database    DatabaseConfig
	RabbitMQ    RabbitMQConfig
	Importer    ImporterConfig
}

// SmartmeterConfig holds credentials and connection settings for the
// Netz NOE portal API
type SmartmeterConfig struct {
	Username       string
	Password       string
	BaseURL        string
	TimeoutSeconds int
}

// DatabaseConfig holds database connection settings
type DatabaseConfig struct {
	URL string
}

// RabbitMQConfig holds RabbitMQ connection and queue settings
type RabbitMQConfig struct {
	URL               string
	EventsExchange    string
	EventsRoutingKey  string
	TriggerExchange   string
	TriggerQueue      string
	TriggerRoutingKey string
	DLQQueue          string
	PrefetchCount     int
}

// ImporterConfig holds statistics import settings
type ImporterConfig struct {
	UpdateIntervalMinutes int
	LookbackYears         int
	MinImportIntervalHrs  int
	Unit                  string
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{
		ServiceName: getEnv("SERVICE_NAME", "netznoe-import-worker"),
		Smartmeter: SmartmeterConfig{
			Username:       getEnv("SMARTMETER_USERNAME", ""),
			Password:       getEnv("SMARTMETER_PASSWORD", ""),
			BaseURL:        getEnv("SMARTMETER_BASE_URL", "https://smartmeter.netz-noe.at/orchestration/"),
			TimeoutSeconds: getEnvAsInt("API_TIMEOUT_SECONDS", 60),
		},
		Database: DatabaseConfig{
			URL: getEnv("DATABASE_URL", ""),
		},
		RabbitMQ: RabbitMQConfig{
			URL:               getEnv("RABBITMQ_URL", ""),
			EventsExchange:    getEnv("RABBITMQ_EVENTS_EXCHANGE", "netznoe.worker.events.exchange"),
			EventsRoutingKey:  getEnv("RABBITMQ_EVENTS_ROUTING_KEY", "meter.import.completed"),
			TriggerExchange:   getEnv("RABBITMQ_TRIGGER_EXCHANGE", "netznoe.trigger.exchange"),
			TriggerQueue:      getEnv("RABBITMQ_TRIGGER_QUEUE", "netznoe.trigger.queue"),
			TriggerRoutingKey: getEnv("RABBITMQ_TRIGGER_ROUTING_KEY", "meter.import.trigger"),
			DLQQueue:          getEnv("RABBITMQ_DLQ_QUEUE", "netznoe.trigger.dlq"),
			PrefetchCount:     getEnvAsInt("RABBITMQ_PREFETCH", 1),
		},
		Importer: ImporterConfig{
			UpdateIntervalMinutes: getEnvAsInt("UPDATE_INTERVAL_MINUTES", 60),
			LookbackYears:         getEnvAsInt("IMPORT_LOOKBACK_YEARS", 3),
			MinImportIntervalHrs:  getEnvAsInt("IMPORT_MIN_INTERVAL_HOURS", 24),
			Unit:                  getEnv("STATS_UNIT", "kWh"),
		},
	}

	// Validate required fields
	if cfg.Smartmeter.Username == "" || cfg.Smartmeter.Password == "" {
		return nil, fmt.Errorf("SMARTMETER_USERNAME and SMARTMETER_PASSWORD are required but not set in environment variables")
	}
	if cfg.Database.URL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required but not set in environment variables")
	}
	if cfg.RabbitMQ.URL == "" {
		return nil, fmt.Errorf("RABBITMQ_URL is required but not set in environment variables")
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
