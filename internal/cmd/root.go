// Package cmd implements the jobkernel command line.
package cmd

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/3leaps/jobkernel/internal/config"
	"github.com/3leaps/jobkernel/internal/observability"
	"github.com/3leaps/jobkernel/internal/server/handlers"
)

const (
	exitSuccess = 0
	exitFailure = 1
)

var (
	cfgFile   string
	logLevel  string
	serverURL string
	verbose   bool

	appIdentity *config.Identity

	versionInfo = struct {
		Version   string
		Commit    string
		BuildDate string
	}{
		Version:   "dev",
		Commit:    "unknown",
		BuildDate: "unknown",
	}

	osExit = os.Exit
)

var rootCmd = &cobra.Command{
	Use:   "jobkernel",
	Short: "Job lifecycle service",
	Long: `jobkernel accepts jobs, drives each one through compile, queue and run
phases, and reports status and results over HTTP.

Run the service with 'jobkernel serve' and talk to it with 'jobkernel jobs'.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: initCLI,
}

func init() {
	id := config.DefaultIdentity
	appIdentity = &id

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Config file (default: $XDG_CONFIG_HOME/jobkernel/jobkernel.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level override (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "", "jobkernel server URL for client commands (env JOBKERNEL_SERVER)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose CLI output")

	setDefaults()
}

func initCLI(cmd *cobra.Command, _ []string) error {
	name := "jobkernel"
	if appIdentity != nil && appIdentity.BinaryName != "" {
		name = appIdentity.BinaryName
	}
	observability.InitCLILogger(name, verbose || strings.EqualFold(logLevel, "debug"))
	config.SetConfigFile(cfgFile)
	return nil
}

// setDefaults registers config defaults on the global viper instance so
// flags bound to viper see them.
func setDefaults() {
	config.SetDefaults(viper.GetViper())
}

// GetAppIdentity returns the CLI identity.
func GetAppIdentity() *config.Identity {
	return appIdentity
}

// SetVersionInfo records build metadata from ldflags.
func SetVersionInfo(version, commit, buildDate string) {
	versionInfo.Version = version
	versionInfo.Commit = commit
	versionInfo.BuildDate = buildDate
	handlers.SetVersionInfo(version, commit, buildDate)
}

// ExitError carries a process exit code through cobra.
type ExitError struct {
	Code    int
	Message string
	Err     error
}

func (e *ExitError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s (exit code %d)", e.Message, e.Code)
	}
	return fmt.Sprintf("%s: %v (exit code %d)", e.Message, e.Err, e.Code)
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// exitError creates an error that will cause the CLI to exit with the given code.
func exitError(code int, message string, err error) error {
	return &ExitError{Code: code, Message: message, Err: err}
}

// ExitWithCode logs and terminates the process immediately.
func ExitWithCode(logger *zap.Logger, code int, message string, err error) {
	if logger == nil {
		logger = observability.CLILogger
	}
	logger.Error(message, zap.Error(err), zap.Int("exit_code", code))
	observability.Sync()
	osExit(code)
}

// Execute runs the root command and returns the process exit code.
func Execute() int {
	err := rootCmd.Execute()
	defer observability.Sync()
	return exitCode(err)
}

func exitCode(err error) int {
	if err == nil {
		return exitSuccess
	}
	var ee *ExitError
	if errors.As(err, &ee) {
		observability.CLILogger.Error(ee.Message, zap.Error(ee.Err))
		return ee.Code
	}
	observability.CLILogger.Error("Command failed", zap.Error(err))
	return exitFailure
}

// resolveServerURL picks --server, then JOBKERNEL_SERVER, then the configured
// listen address.
func resolveServerURL() string {
	if s := strings.TrimSpace(serverURL); s != "" {
		return s
	}
	if appIdentity != nil {
		if s := strings.TrimSpace(os.Getenv(appIdentity.EnvPrefix + "_SERVER")); s != "" {
			return s
		}
	}
	host := viper.GetString("server.host")
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "localhost"
	}
	return "http://" + net.JoinHostPort(host, strconv.Itoa(viper.GetInt("server.port")))
}
