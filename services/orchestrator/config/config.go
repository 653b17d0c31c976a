package config

import (
	"time"

	"github.com/spf13/viper"
)

// Config holds typed configuration for the orchestrator service.
type Config struct {
	LogLevel          string
	HTTPPort          string
	MetricsAddr       string
	KafkaBrokers      string
	RedisAddr         string
	PostgresDSN       string
	OTelEndpoint      string
	PipelinesFile     string
	LeaseTTL          time.Duration
	TriggerRateLimit  int
	TriggerRateWindow time.Duration
}

// Load reads all values from the given viper instance.
func Load(v *viper.Viper) Config {
	return Config{
		LogLevel:          v.GetString("log_level"),
		HTTPPort:          v.GetString("http_port"),
		MetricsAddr:       v.GetString("metrics_addr"),
		KafkaBrokers:      v.GetString("kafka_brokers"),
		RedisAddr:         v.GetString("redis_addr"),
		PostgresDSN:       v.GetString("postgres_dsn"),
		OTelEndpoint:      v.GetString("otel_endpoint"),
		PipelinesFile:     v.GetString("pipelines_file"),
		LeaseTTL:          v.GetDuration("lease_ttl"),
		TriggerRateLimit:  v.GetInt("trigger_rate_limit"),
		TriggerRateWindow: v.GetDuration("trigger_rate_window"),
	}
}
