package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// isolate points config discovery at an empty home so a developer's own
// jobkernel.yaml never leaks into tests.
func isolate(t *testing.T) {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(home, ".config"))
	SetConfigFile("")
}

func TestLoad(t *testing.T) {
	ctx := context.Background()

	t.Run("LoadDefaults", func(t *testing.T) {
		isolate(t)
		cfg, err := Load(ctx)
		require.NoError(t, err)
		require.NotNil(t, cfg)

		assert.Equal(t, "localhost", cfg.Server.Host)
		assert.Equal(t, 8080, cfg.Server.Port)
		assert.Equal(t, 30*time.Second, cfg.Server.ReadTimeout)
		assert.Equal(t, 30*time.Second, cfg.Server.WriteTimeout)
		assert.Equal(t, 120*time.Second, cfg.Server.IdleTimeout)
		assert.Equal(t, 10*time.Second, cfg.Server.ShutdownTimeout)

		assert.Equal(t, "info", cfg.Logging.Level)
		assert.Equal(t, "structured", cfg.Logging.Profile)

		assert.True(t, cfg.Health.Enabled)

		assert.Equal(t, 50*time.Millisecond, cfg.Pipeline.CompileDelay)
		assert.Equal(t, 50*time.Millisecond, cfg.Pipeline.QueueDelay)
		assert.Equal(t, 50*time.Millisecond, cfg.Pipeline.RunDelay)

		assert.Zero(t, cfg.Gateway.SubmitRate)
		assert.Equal(t, 10, cfg.Gateway.SubmitBurst)

		assert.Equal(t, BackendNone, cfg.Artifacts.Backend)
		assert.Equal(t, "jobkernel/jobs", cfg.Artifacts.S3.Prefix)

		assert.Empty(t, cfg.Events.NATSURL)
		assert.Equal(t, "jobkernel.jobs", cfg.Events.SubjectPrefix)
	})

	t.Run("RuntimeOverrides", func(t *testing.T) {
		isolate(t)
		overrides := map[string]any{
			"server": map[string]any{
				"port": 9000,
				"host": "0.0.0.0",
			},
			"logging": map[string]any{
				"level": "debug",
			},
			"pipeline": map[string]any{
				"run_delay": "2s",
			},
		}

		cfg, err := Load(ctx, overrides)
		require.NoError(t, err)

		assert.Equal(t, "0.0.0.0", cfg.Server.Host)
		assert.Equal(t, 9000, cfg.Server.Port)
		assert.Equal(t, "debug", cfg.Logging.Level)
		assert.Equal(t, 2*time.Second, cfg.Pipeline.RunDelay)

		assert.Equal(t, "structured", cfg.Logging.Profile)
		assert.Equal(t, 50*time.Millisecond, cfg.Pipeline.CompileDelay)
	})

	t.Run("EnvOverrides", func(t *testing.T) {
		isolate(t)
		t.Setenv("JOBKERNEL_PORT", "3000")
		t.Setenv("JOBKERNEL_LOG_LEVEL", "warn")
		t.Setenv("JOBKERNEL_HEALTH_ENABLED", "false")
		t.Setenv("JOBKERNEL_SUBMIT_RATE", "2.5")
		t.Setenv("JOBKERNEL_NATS_URL", "nats://127.0.0.1:4222")

		cfg, err := Load(ctx)
		require.NoError(t, err)

		assert.Equal(t, 3000, cfg.Server.Port)
		assert.Equal(t, "warn", cfg.Logging.Level)
		assert.False(t, cfg.Health.Enabled)
		assert.Equal(t, 2.5, cfg.Gateway.SubmitRate)
		assert.Equal(t, "nats://127.0.0.1:4222", cfg.Events.NATSURL)
	})

	t.Run("ConfigPrecedence", func(t *testing.T) {
		isolate(t)
		t.Setenv("JOBKERNEL_PORT", "4000")

		overrides := map[string]any{
			"server": map[string]any{
				"port": 5000,
			},
		}

		cfg, err := Load(ctx, overrides)
		require.NoError(t, err)
		assert.Equal(t, 5000, cfg.Server.Port)
	})

	t.Run("ConfigFile", func(t *testing.T) {
		isolate(t)
		path := filepath.Join(t.TempDir(), "jobkernel.yaml")
		require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: 7070
artifacts:
  backend: LOCAL
  root: /var/lib/jobkernel
`), 0644))
		SetConfigFile(path)
		t.Cleanup(func() { SetConfigFile("") })
		t.Setenv("JOBKERNEL_ARTIFACTS_ROOT", "/srv/jobs")

		cfg, err := Load(ctx)
		require.NoError(t, err)
		assert.Equal(t, 7070, cfg.Server.Port)
		assert.Equal(t, BackendLocal, cfg.Artifacts.Backend)
		assert.Equal(t, "/srv/jobs", cfg.Artifacts.Root)
	})

	t.Run("DiscoveredUserConfig", func(t *testing.T) {
		isolate(t)
		dir, err := os.UserConfigDir()
		require.NoError(t, err)
		require.NoError(t, os.MkdirAll(filepath.Join(dir, "jobkernel"), 0755))
		require.NoError(t, os.WriteFile(filepath.Join(dir, "jobkernel", "jobkernel.yaml"),
			[]byte("logging:\n  profile: console\n"), 0644))

		cfg, err := Load(ctx)
		require.NoError(t, err)
		assert.Equal(t, "console", cfg.Logging.Profile)
	})

	t.Run("MissingExplicitFile", func(t *testing.T) {
		isolate(t)
		SetConfigFile(filepath.Join(t.TempDir(), "nope.yaml"))
		t.Cleanup(func() { SetConfigFile("") })

		_, err := Load(ctx)
		assert.Error(t, err)
	})
}

func TestLoad_Validation(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name      string
		overrides map[string]any
		wantErr   string
	}{
		{
			name:      "unknown backend",
			overrides: map[string]any{"artifacts": map[string]any{"backend": "ftp"}},
			wantErr:   "artifacts.backend",
		},
		{
			name:      "s3 without bucket",
			overrides: map[string]any{"artifacts": map[string]any{"backend": "s3"}},
			wantErr:   "artifacts.s3.bucket is required",
		},
		{
			name:      "bad port",
			overrides: map[string]any{"server": map[string]any{"port": 70000}},
			wantErr:   "out of range",
		},
		{
			name:      "bad profile",
			overrides: map[string]any{"logging": map[string]any{"profile": "xml"}},
			wantErr:   "logging.profile",
		},
		{
			name:      "negative delay",
			overrides: map[string]any{"pipeline": map[string]any{"queue_delay": "-1s"}},
			wantErr:   "must not be negative",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			isolate(t)
			_, err := Load(ctx, tt.overrides)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}

	t.Run("s3 with bucket", func(t *testing.T) {
		isolate(t)
		cfg, err := Load(ctx, map[string]any{"artifacts": map[string]any{
			"backend": "s3",
			"s3":      map[string]any{"bucket": "jobs", "force_path_style": true},
		}})
		require.NoError(t, err)
		assert.Equal(t, "jobs", cfg.Artifacts.S3.Bucket)
		assert.True(t, cfg.Artifacts.S3.ForcePathStyle)
	})
}

func TestGetConfig(t *testing.T) {
	isolate(t)
	cfg, err := Load(context.Background())
	require.NoError(t, err)

	retrieved := GetConfig()
	require.NotNil(t, retrieved)
	assert.Equal(t, cfg.Server.Port, retrieved.Server.Port)
	assert.Equal(t, cfg.Logging.Level, retrieved.Logging.Level)
}

func TestConfigReload(t *testing.T) {
	isolate(t)
	ctx := context.Background()

	cfg1, err := Load(ctx)
	require.NoError(t, err)
	initialPort := cfg1.Server.Port

	cfg2, err := Load(ctx, map[string]any{
		"server": map[string]any{"port": initialPort + 1000},
	})
	require.NoError(t, err)
	assert.Equal(t, initialPort+1000, cfg2.Server.Port)
	assert.Equal(t, cfg2.Server.Port, GetConfig().Server.Port)
}

func TestLoad_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Load(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestEnvSpecs(t *testing.T) {
	isolate(t)
	_, err := Load(context.Background())
	require.NoError(t, err)

	specs := getEnvSpecs()
	require.NotEmpty(t, specs)

	names := make(map[string]bool)
	for _, spec := range specs {
		names[spec.Name] = true
		assert.Contains(t, spec.Name, "JOBKERNEL_")
		assert.NotEmpty(t, spec.Path, "env var %s should have a path", spec.Name)
	}

	for _, want := range []string{"JOBKERNEL_LOG_LEVEL", "JOBKERNEL_PORT", "JOBKERNEL_HOST", "JOBKERNEL_NATS_URL", "JOBKERNEL_S3_BUCKET"} {
		assert.True(t, names[want], "%s must be mapped", want)
	}
}

// resetAppIdentity resets package state for isolated tests.
func resetAppIdentity() {
	configMu.Lock()
	defer configMu.Unlock()
	appIdentity = nil
	appConfig = nil
}

func TestNilIdentity(t *testing.T) {
	resetAppIdentity()
	defer func() {
		_, _ = Load(context.Background())
	}()

	assert.Empty(t, getUserConfigPaths())
	assert.Empty(t, getEnvSpecs())
	assert.Nil(t, GetIdentity())
	assert.Nil(t, GetConfig())
}

func TestSetDefaults(t *testing.T) {
	v := viper.New()
	SetDefaults(v)

	assert.Equal(t, "localhost", v.GetString("server.host"))
	assert.Equal(t, 8080, v.GetInt("server.port"))
	assert.Equal(t, "30s", v.GetString("server.read_timeout"))
	assert.Equal(t, "120s", v.GetString("server.idle_timeout"))
	assert.Equal(t, "info", v.GetString("logging.level"))
	assert.Equal(t, "structured", v.GetString("logging.profile"))
	assert.True(t, v.GetBool("health.enabled"))
	assert.Equal(t, "none", v.GetString("artifacts.backend"))
	assert.Equal(t, "jobkernel.jobs", v.GetString("events.subject_prefix"))
}

func TestFlatten(t *testing.T) {
	got := flatten("", map[string]any{
		"server":  map[string]any{"port": 1},
		"logging": map[string]any{"level": "debug"},
		"artifacts": map[string]any{
			"s3": map[string]any{"bucket": "b"},
		},
		"top": true,
	})
	assert.Equal(t, map[string]any{
		"server.port":         1,
		"logging.level":       "debug",
		"artifacts.s3.bucket": "b",
		"top":                 true,
	}, got)
}
