package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	gfconfig "github.com/fulmenhq/gofulmen/config"
	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/3leaps/jobkernel/internal/config"
	"github.com/3leaps/jobkernel/internal/gateway"
	"github.com/3leaps/jobkernel/internal/observability"
	"github.com/3leaps/jobkernel/internal/server"
	"github.com/3leaps/jobkernel/internal/server/handlers"
	"github.com/3leaps/jobkernel/pkg/artifacts"
	s3store "github.com/3leaps/jobkernel/pkg/artifacts/s3"
	"github.com/3leaps/jobkernel/pkg/events"
	"github.com/3leaps/jobkernel/pkg/jobregistry"
	"github.com/3leaps/jobkernel/pkg/pipeline"
)

var (
	serveHost string
	servePort int
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the job service",
	Long: `Run the HTTP job service until interrupted.

On SIGINT or SIGTERM the server stops accepting requests, in-flight requests
finish, and running pipelines are abandoned without further state changes.

Examples:
  jobkernel serve
  jobkernel serve --port 9000
  JOBKERNEL_ARTIFACTS_BACKEND=local jobkernel serve`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&serveHost, "host", "", "Listen host (overrides server.host)")
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 0, "Listen port (overrides server.port)")
}

func serveOverrides(cmd *cobra.Command) map[string]any {
	srv := map[string]any{}
	if cmd.Flags().Changed("host") {
		srv["host"] = serveHost
	}
	if cmd.Flags().Changed("port") {
		srv["port"] = servePort
	}
	overrides := map[string]any{}
	if len(srv) > 0 {
		overrides["server"] = srv
	}
	if logLevel != "" {
		overrides["logging"] = map[string]any{"level": logLevel}
	}
	return overrides
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(ctx, serveOverrides(cmd))
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid configuration", err)
	}

	identity := GetAppIdentity()
	if err := observability.InitServerLogger(identity.BinaryName, cfg.Logging.Level, cfg.Logging.Profile); err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid logging configuration", err)
	}
	logger := observability.ServerLogger

	store, err := newArtifactStore(ctx, cfg.Artifacts)
	if err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Failed to initialize artifact store", err)
	}

	health := handlers.InitHealthManager(versionInfo.Version)
	health.RegisterChecker("signal", signalHealthChecker{serving: ctx})
	health.RegisterChecker("identity", identityHealthChecker{
		binaryName: identity.BinaryName,
		envPrefix:  identity.EnvPrefix,
		configName: identity.ConfigName,
	})

	var regOpts []jobregistry.Option
	if cfg.Events.NATSURL != "" {
		pub, err := events.NewNATSPublisher(cfg.Events.NATSURL, cfg.Events.SubjectPrefix, logger.Named("events"))
		if err != nil {
			return exitError(foundry.ExitExternalServiceUnavailable, "Failed to connect to NATS", err)
		}
		defer func() {
			if err := pub.Close(); err != nil {
				logger.Warn("NATS drain failed", zap.Error(err))
			}
		}()
		regOpts = append(regOpts, jobregistry.WithListener(events.Listener(pub, logger.Named("events"))))
		if cfg.Health.Enabled {
			health.RegisterChecker("nats", pub)
		}
	}

	reg := jobregistry.New(regOpts...)
	if cfg.Health.Enabled {
		health.RegisterChecker("registry", registryHealthChecker{jobs: reg})
	}

	driverOpts := []pipeline.Option{
		pipeline.WithExecutor(pipeline.SimulatedExecutor{
			CompileDelay: cfg.Pipeline.CompileDelay,
			QueueDelay:   cfg.Pipeline.QueueDelay,
			RunDelay:     cfg.Pipeline.RunDelay,
		}),
		pipeline.WithLogger(logger.Named("pipeline")),
	}
	gatewayOpts := []gateway.Option{
		gateway.WithSubmitRate(cfg.Gateway.SubmitRate, cfg.Gateway.SubmitBurst),
		gateway.WithLogger(logger.Named("gateway")),
	}
	if store != nil {
		driverOpts = append(driverOpts, pipeline.WithResultSink(store))
		gatewayOpts = append(gatewayOpts, gateway.WithArtifactStore(store))
	}

	driver := pipeline.New(reg, driverOpts...)
	svc := gateway.New(reg, driver, gatewayOpts...)

	srv := server.New(cfg.Server.Host, cfg.Server.Port,
		server.WithJobService(svc),
		server.WithLogger(logger.Named("http")),
		server.WithTimeouts(server.Timeouts{
			Read:  cfg.Server.ReadTimeout,
			Write: cfg.Server.WriteTimeout,
			Idle:  cfg.Server.IdleTimeout,
		}),
	)

	logger.Info("Starting jobkernel",
		zap.String("version", versionInfo.Version),
		zap.String("addr", srv.Addr()),
		zap.String("artifacts", cfg.Artifacts.Backend),
		zap.Bool("events", cfg.Events.NATSURL != ""))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(srv.Start)
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Server.ShutdownTimeout)
		defer cancel()
		return errors.Join(srv.Shutdown(shutdownCtx), driver.Shutdown(shutdownCtx))
	})

	if err := g.Wait(); err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Server stopped with error", err)
	}
	logger.Info("Shutdown complete", zap.Int("jobs", reg.Len()))
	return nil
}

// newArtifactStore builds the configured backend. The none backend returns
// a nil Store.
func newArtifactStore(ctx context.Context, cfg config.ArtifactsConfig) (artifacts.Store, error) {
	switch cfg.Backend {
	case config.BackendNone, "":
		return nil, nil
	case config.BackendLocal:
		return artifacts.NewLocalStore(localArtifactRoot(cfg)), nil
	case config.BackendS3:
		store, err := s3store.New(ctx, s3store.Config{
			Bucket:         cfg.S3.Bucket,
			Prefix:         cfg.S3.Prefix,
			Region:         cfg.S3.Region,
			Endpoint:       cfg.S3.Endpoint,
			Profile:        cfg.S3.Profile,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown artifacts backend %q", cfg.Backend)
	}
}

func localArtifactRoot(cfg config.ArtifactsConfig) string {
	if root := strings.TrimSpace(cfg.Root); root != "" {
		return root
	}
	name := "jobkernel"
	if id := GetAppIdentity(); id != nil && id.ConfigName != "" {
		name = id.ConfigName
	}
	return filepath.Join(gfconfig.GetAppDataDir(name), "jobs")
}

// signalHealthChecker fails once a shutdown signal has cancelled the serve
// context, so readiness drops while in-flight requests drain.
type signalHealthChecker struct {
	serving context.Context
}

func (c signalHealthChecker) CheckHealth(context.Context) error {
	if c.serving == nil {
		return errors.New("signal: serve context not set")
	}
	if err := c.serving.Err(); err != nil {
		return fmt.Errorf("signal: shutting down: %w", err)
	}
	return nil
}

type identityHealthChecker struct {
	binaryName string
	envPrefix  string
	configName string
}

func (c identityHealthChecker) CheckHealth(context.Context) error {
	switch {
	case c.binaryName == "":
		return errors.New("identity: missing binary name")
	case c.envPrefix == "":
		return errors.New("identity: missing env prefix")
	case c.configName == "":
		return errors.New("identity: missing config name")
	}
	return nil
}

// registryHealthChecker verifies the registry is wired and answering.
type registryHealthChecker struct {
	jobs interface{ Len() int }
}

func (c registryHealthChecker) CheckHealth(ctx context.Context) error {
	if c.jobs == nil {
		return errors.New("registry not initialized")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	// Len takes the table lock; a wedged registry hangs here.
	c.jobs.Len()
	return nil
}
