package cmd

import (
	"errors"
	"fmt"
	"testing"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetVersionInfo(t *testing.T) {
	orig := versionInfo
	t.Cleanup(func() {
		SetVersionInfo(orig.Version, orig.Commit, orig.BuildDate)
	})

	tests := []struct {
		name      string
		version   string
		commit    string
		buildDate string
	}{
		{"release", "1.0.0", "abc123", "2026-01-15"},
		{"dev", "dev", "HEAD", "unknown"},
		{"empty", "", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			SetVersionInfo(tt.version, tt.commit, tt.buildDate)

			assert.Equal(t, tt.version, versionInfo.Version)
			assert.Equal(t, tt.commit, versionInfo.Commit)
			assert.Equal(t, tt.buildDate, versionInfo.BuildDate)
			assert.Equal(t, tt.version, currentVersion().Version)
		})
	}
}

func TestGetAppIdentity(t *testing.T) {
	t.Run("initialized by init", func(t *testing.T) {
		id := GetAppIdentity()
		require.NotNil(t, id)
		assert.Equal(t, "jobkernel", id.BinaryName)
		assert.Equal(t, "JOBKERNEL", id.EnvPrefix)
	})

	t.Run("nil when unset", func(t *testing.T) {
		orig := appIdentity
		appIdentity = nil
		defer func() { appIdentity = orig }()

		assert.Nil(t, GetAppIdentity())
	})
}

func TestSetDefaults(t *testing.T) {
	viper.Reset()
	t.Cleanup(func() {
		viper.Reset()
		setDefaults()
	})

	setDefaults()

	assert.Equal(t, "localhost", viper.GetString("server.host"))
	assert.Equal(t, 8080, viper.GetInt("server.port"))
	assert.Equal(t, "30s", viper.GetString("server.read_timeout"))
	assert.Equal(t, "30s", viper.GetString("server.write_timeout"))
	assert.Equal(t, "120s", viper.GetString("server.idle_timeout"))
	assert.Equal(t, "10s", viper.GetString("server.shutdown_timeout"))

	assert.Equal(t, "info", viper.GetString("logging.level"))
	assert.Equal(t, "structured", viper.GetString("logging.profile"))

	assert.True(t, viper.GetBool("health.enabled"))

	assert.Equal(t, "50ms", viper.GetString("pipeline.run_delay"))
	assert.Equal(t, "none", viper.GetString("artifacts.backend"))
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"success", nil, exitSuccess},
		{"exit error", exitError(foundry.ExitInvalidArgument, "bad flag", errors.New("x")), foundry.ExitInvalidArgument},
		{"wrapped exit error", fmt.Errorf("outer: %w", exitError(foundry.ExitSignalInt, "cancelled", nil)), foundry.ExitSignalInt},
		{"plain error", errors.New("boom"), exitFailure},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, exitCode(tt.err))
		})
	}
}

func TestExitError(t *testing.T) {
	err := exitError(foundry.ExitFileWriteError, "Write failed", errors.New("disk full"))
	assert.Equal(t, fmt.Sprintf("Write failed: disk full (exit code %d)", foundry.ExitFileWriteError), err.Error())
	assert.EqualError(t, errors.Unwrap(err), "disk full")

	bare := exitError(foundry.ExitFileWriteError, "Write failed", nil)
	assert.Equal(t, fmt.Sprintf("Write failed (exit code %d)", foundry.ExitFileWriteError), bare.Error())
}

func TestExitWithCode(t *testing.T) {
	var got int
	orig := osExit
	osExit = func(code int) { got = code }
	t.Cleanup(func() { osExit = orig })

	ExitWithCode(nil, foundry.ExitFileNotFound, "missing", errors.New("nope"))
	assert.Equal(t, foundry.ExitFileNotFound, got)
}

func TestResolveServerURL(t *testing.T) {
	orig := serverURL
	t.Cleanup(func() { serverURL = orig })

	serverURL = "http://jobs.internal:9000"
	assert.Equal(t, "http://jobs.internal:9000", resolveServerURL())

	serverURL = ""
	t.Setenv("JOBKERNEL_SERVER", "http://from-env:7000")
	assert.Equal(t, "http://from-env:7000", resolveServerURL())

	t.Setenv("JOBKERNEL_SERVER", "")
	assert.Equal(t, "http://localhost:8080", resolveServerURL())
}
