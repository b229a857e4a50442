package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// Identity names the application for env vars and config discovery.
type Identity struct {
	BinaryName string
	EnvPrefix  string
	ConfigName string
}

// DefaultIdentity is the jobkernel identity.
var DefaultIdentity = Identity{
	BinaryName: "jobkernel",
	EnvPrefix:  "JOBKERNEL",
	ConfigName: "jobkernel",
}

// EnvSpec maps one environment variable to a config path.
type EnvSpec struct {
	Name string
	Path string
}

var (
	configMu    sync.RWMutex
	appIdentity *Identity
	appConfig   *Config
	configFile  string
)

// SetConfigFile pins the config file path. Empty restores discovery.
func SetConfigFile(path string) {
	configMu.Lock()
	defer configMu.Unlock()
	configFile = strings.TrimSpace(path)
}

// Load builds the configuration and stores it for GetConfig.
//
// Each override map is nested the same way as the config file, e.g.
// {"server": {"port": 9000}}.
func Load(ctx context.Context, overrides ...map[string]any) (*Config, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	configMu.Lock()
	defer configMu.Unlock()

	if appIdentity == nil {
		id := DefaultIdentity
		appIdentity = &id
	}

	v := viper.New()
	SetDefaults(v)

	if err := readConfigFile(v); err != nil {
		return nil, err
	}

	for _, spec := range envSpecsFor(appIdentity) {
		if err := v.BindEnv(spec.Path, spec.Name); err != nil {
			return nil, fmt.Errorf("bind %s: %w", spec.Name, err)
		}
	}

	for _, override := range overrides {
		for key, value := range flatten("", override) {
			v.Set(key, value)
		}
	}

	var cfg Config
	err := v.Unmarshal(&cfg, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)))
	if err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	normalize(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	appConfig = &cfg
	return &cfg, nil
}

// GetConfig returns the most recently loaded configuration, or nil.
func GetConfig() *Config {
	configMu.RLock()
	defer configMu.RUnlock()
	return appConfig
}

// GetIdentity returns the active identity, or nil before the first Load.
func GetIdentity() *Identity {
	configMu.RLock()
	defer configMu.RUnlock()
	return appIdentity
}

func readConfigFile(v *viper.Viper) error {
	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("read config file %s: %w", configFile, err)
		}
		return nil
	}

	paths := getUserConfigPaths()
	if len(paths) == 0 {
		return nil
	}
	v.SetConfigName(appIdentity.ConfigName)
	v.SetConfigType("yaml")
	for _, p := range paths {
		v.AddConfigPath(p)
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("read config file: %w", err)
	}
	return nil
}

// getUserConfigPaths returns the directories searched for <config-name>.yaml,
// highest priority first.
func getUserConfigPaths() []string {
	if appIdentity == nil {
		return []string{}
	}

	var paths []string
	if dir, err := os.UserConfigDir(); err == nil {
		paths = append(paths, filepath.Join(dir, appIdentity.ConfigName))
	}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, "."+appIdentity.ConfigName))
	}
	return paths
}

func getEnvSpecs() []EnvSpec {
	return envSpecsFor(appIdentity)
}

func envSpecsFor(id *Identity) []EnvSpec {
	if id == nil {
		return []EnvSpec{}
	}
	p := id.EnvPrefix + "_"
	return []EnvSpec{
		{Name: p + "HOST", Path: "server.host"},
		{Name: p + "PORT", Path: "server.port"},
		{Name: p + "READ_TIMEOUT", Path: "server.read_timeout"},
		{Name: p + "WRITE_TIMEOUT", Path: "server.write_timeout"},
		{Name: p + "IDLE_TIMEOUT", Path: "server.idle_timeout"},
		{Name: p + "SHUTDOWN_TIMEOUT", Path: "server.shutdown_timeout"},

		{Name: p + "LOG_LEVEL", Path: "logging.level"},
		{Name: p + "LOG_PROFILE", Path: "logging.profile"},

		{Name: p + "HEALTH_ENABLED", Path: "health.enabled"},

		{Name: p + "COMPILE_DELAY", Path: "pipeline.compile_delay"},
		{Name: p + "QUEUE_DELAY", Path: "pipeline.queue_delay"},
		{Name: p + "RUN_DELAY", Path: "pipeline.run_delay"},

		{Name: p + "SUBMIT_RATE", Path: "gateway.submit_rate"},
		{Name: p + "SUBMIT_BURST", Path: "gateway.submit_burst"},

		{Name: p + "ARTIFACTS_BACKEND", Path: "artifacts.backend"},
		{Name: p + "ARTIFACTS_ROOT", Path: "artifacts.root"},
		{Name: p + "S3_BUCKET", Path: "artifacts.s3.bucket"},
		{Name: p + "S3_PREFIX", Path: "artifacts.s3.prefix"},
		{Name: p + "S3_REGION", Path: "artifacts.s3.region"},
		{Name: p + "S3_ENDPOINT", Path: "artifacts.s3.endpoint"},
		{Name: p + "S3_PROFILE", Path: "artifacts.s3.profile"},
		{Name: p + "S3_FORCE_PATH_STYLE", Path: "artifacts.s3.force_path_style"},

		{Name: p + "NATS_URL", Path: "events.nats_url"},
		{Name: p + "EVENTS_SUBJECT_PREFIX", Path: "events.subject_prefix"},
	}
}

// flatten turns nested override maps into dotted viper keys.
func flatten(prefix string, m map[string]any) map[string]any {
	out := make(map[string]any)
	for k, val := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if nested, ok := val.(map[string]any); ok {
			for nk, nv := range flatten(key, nested) {
				out[nk] = nv
			}
			continue
		}
		out[key] = val
	}
	return out
}

func normalize(cfg *Config) {
	cfg.Logging.Level = strings.ToLower(strings.TrimSpace(cfg.Logging.Level))
	cfg.Logging.Profile = strings.ToLower(strings.TrimSpace(cfg.Logging.Profile))
	cfg.Artifacts.Backend = strings.ToLower(strings.TrimSpace(cfg.Artifacts.Backend))
	if cfg.Artifacts.Backend == "" {
		cfg.Artifacts.Backend = BackendNone
	}
}

// Validate rejects configurations the service cannot start with.
func (c *Config) Validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d is out of range", c.Server.Port)
	}
	switch c.Logging.Profile {
	case "structured", "console":
	default:
		return fmt.Errorf("logging.profile %q is invalid (want structured or console)", c.Logging.Profile)
	}
	if c.Pipeline.CompileDelay < 0 || c.Pipeline.QueueDelay < 0 || c.Pipeline.RunDelay < 0 {
		return errors.New("pipeline delays must not be negative")
	}
	switch c.Artifacts.Backend {
	case BackendNone, BackendLocal:
	case BackendS3:
		if strings.TrimSpace(c.Artifacts.S3.Bucket) == "" {
			return errors.New("artifacts.s3.bucket is required when artifacts.backend is s3")
		}
	default:
		return fmt.Errorf("artifacts.backend %q is invalid (want none, local or s3)", c.Artifacts.Backend)
	}
	return nil
}
