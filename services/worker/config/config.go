package config

import (
	"time"

	"github.com/spf13/viper"
)

// Config holds all runtime settings for the worker service.
type Config struct {
	LogLevel        string
	WorkerID        string
	OrchestratorURL string
	Concurrency     int
	LeaseTTL        time.Duration
	PollInterval    time.Duration
	TaskTimeout     time.Duration
	MetricsAddr     string
	OTelEndpoint    string

	SMTPHost     string
	SMTPPort     int
	SMTPFrom     string
	SMTPUsername string
	SMTPPassword string
}

// Load reads the configuration from viper, which layers config file,
// environment variables, and CLI flags.
func Load(v *viper.Viper) Config {
	return Config{
		LogLevel:        v.GetString("log_level"),
		WorkerID:        v.GetString("worker_id"),
		OrchestratorURL: v.GetString("orchestrator_url"),
		Concurrency:     v.GetInt("concurrency"),
		LeaseTTL:        v.GetDuration("lease_ttl"),
		PollInterval:    v.GetDuration("poll_interval"),
		TaskTimeout:     v.GetDuration("task_timeout"),
		MetricsAddr:     v.GetString("metrics_addr"),
		OTelEndpoint:    v.GetString("otel_endpoint"),

		SMTPHost:     v.GetString("smtp.host"),
		SMTPPort:     v.GetInt("smtp.port"),
		SMTPFrom:     v.GetString("smtp.from"),
		SMTPUsername: v.GetString("smtp.username"),
		SMTPPassword: v.GetString("smtp.password"),
	}
}
