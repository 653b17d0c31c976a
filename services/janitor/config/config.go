package config

import (
	"time"

	"github.com/spf13/viper"
)

// Config holds all runtime settings for the janitor service.
type Config struct {
	LogLevel      string
	MetricsAddr   string
	KafkaBrokers  string
	RedisAddr     string
	PostgresDSN   string
	OTelEndpoint  string
	SweepInterval time.Duration
	DLQRetention  time.Duration
	PurgeSchedule string
}

// Load reads the configuration from viper, which layers config file,
// environment variables, and CLI flags.
func Load(v *viper.Viper) Config {
	return Config{
		LogLevel:      v.GetString("log_level"),
		MetricsAddr:   v.GetString("metrics_addr"),
		KafkaBrokers:  v.GetString("kafka_brokers"),
		RedisAddr:     v.GetString("redis_addr"),
		PostgresDSN:   v.GetString("postgres_dsn"),
		OTelEndpoint:  v.GetString("otel_endpoint"),
		SweepInterval: v.GetDuration("sweep_interval"),
		DLQRetention:  v.GetDuration("dlq_retention"),
		PurgeSchedule: v.GetString("purge_schedule"),
	}
}
