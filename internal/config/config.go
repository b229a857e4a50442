// Package config loads jobkernel configuration.
//
// Precedence, lowest to highest: built-in defaults, config file, environment
// variables, runtime overrides passed to Load.
package config

import (
	"time"

	"github.com/spf13/viper"
)

// Config is the full service configuration.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Health    HealthConfig    `mapstructure:"health"`
	Pipeline  PipelineConfig  `mapstructure:"pipeline"`
	Gateway   GatewayConfig   `mapstructure:"gateway"`
	Artifacts ArtifactsConfig `mapstructure:"artifacts"`
	Events    EventsConfig    `mapstructure:"events"`
}

type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type LoggingConfig struct {
	Level   string `mapstructure:"level"`
	Profile string `mapstructure:"profile"`
}

type HealthConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// PipelineConfig sets the simulated phase durations.
type PipelineConfig struct {
	CompileDelay time.Duration `mapstructure:"compile_delay"`
	QueueDelay   time.Duration `mapstructure:"queue_delay"`
	RunDelay     time.Duration `mapstructure:"run_delay"`
}

// GatewayConfig throttles submissions. SubmitRate <= 0 disables throttling.
type GatewayConfig struct {
	SubmitRate  float64 `mapstructure:"submit_rate"`
	SubmitBurst int     `mapstructure:"submit_burst"`
}

// Artifact backends.
const (
	BackendNone  = "none"
	BackendLocal = "local"
	BackendS3    = "s3"
)

type ArtifactsConfig struct {
	// Backend is none, local or s3.
	Backend string `mapstructure:"backend"`

	// Root is the local backend directory. Empty means the app data dir.
	Root string `mapstructure:"root"`

	S3 S3Config `mapstructure:"s3"`
}

type S3Config struct {
	Bucket         string `mapstructure:"bucket"`
	Prefix         string `mapstructure:"prefix"`
	Region         string `mapstructure:"region"`
	Endpoint       string `mapstructure:"endpoint"`
	Profile        string `mapstructure:"profile"`
	ForcePathStyle bool   `mapstructure:"force_path_style"`
}

// EventsConfig enables lifecycle event publication when NATSURL is set.
type EventsConfig struct {
	NATSURL       string `mapstructure:"nats_url"`
	SubjectPrefix string `mapstructure:"subject_prefix"`
}

// SetDefaults registers every default on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.shutdown_timeout", "10s")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.profile", "structured")

	v.SetDefault("health.enabled", true)

	v.SetDefault("pipeline.compile_delay", "50ms")
	v.SetDefault("pipeline.queue_delay", "50ms")
	v.SetDefault("pipeline.run_delay", "50ms")

	v.SetDefault("gateway.submit_rate", 0)
	v.SetDefault("gateway.submit_burst", 10)

	v.SetDefault("artifacts.backend", BackendNone)
	v.SetDefault("artifacts.root", "")
	v.SetDefault("artifacts.s3.bucket", "")
	v.SetDefault("artifacts.s3.prefix", "jobkernel/jobs")
	v.SetDefault("artifacts.s3.region", "")
	v.SetDefault("artifacts.s3.endpoint", "")
	v.SetDefault("artifacts.s3.profile", "")
	v.SetDefault("artifacts.s3.force_path_style", false)

	v.SetDefault("events.nats_url", "")
	v.SetDefault("events.subject_prefix", "jobkernel.jobs")
}
