package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/fulmenhq/gofulmen/crucible"
	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/jobkernel/internal/config"
	errwrap "github.com/3leaps/jobkernel/internal/errors"
	"github.com/3leaps/jobkernel/internal/observability"
	"github.com/3leaps/jobkernel/pkg/events"
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Run diagnostic checks",
	Long: `Run diagnostic checks on the environment and the configured backends.

Checks the Go runtime, Crucible and Gofulmen access, the configuration, the
artifact backend (directory or AWS credentials) and, when configured, the
NATS connection.

Examples:
  jobkernel doctor
  jobkernel doctor --config ./jobkernel.yaml`,
	Args: cobra.NoArgs,
	Run:  runDoctor,
}

func init() {
	rootCmd.AddCommand(doctorCmd)
}

// doctorReport numbers and logs check outcomes.
type doctorReport struct {
	logger *zap.Logger
	num    int
	total  int
	ok     bool
}

func (r *doctorReport) pass(what, detail string, fields ...zap.Field) {
	r.num++
	r.logger.Info(fmt.Sprintf("[%d/%d] Checking %s... ✅ %s", r.num, r.total, what, detail), fields...)
}

func (r *doctorReport) warn(what, detail string, fields ...zap.Field) {
	r.num++
	r.ok = false
	r.logger.Warn(fmt.Sprintf("[%d/%d] Checking %s... ⚠️  %s", r.num, r.total, what, detail), fields...)
}

func (r *doctorReport) fail(what, detail string, fields ...zap.Field) {
	r.num++
	r.ok = false
	r.logger.Error(fmt.Sprintf("[%d/%d] Checking %s... ❌ %s", r.num, r.total, what, detail), fields...)
}

func runDoctor(cmd *cobra.Command, _ []string) {
	ctx := cmd.Context()
	log := observability.CLILogger

	bannerName := "doctor"
	if identity := GetAppIdentity(); identity != nil && identity.BinaryName != "" {
		bannerName = identity.BinaryName + " doctor"
	}
	log.Info("=== " + bannerName + " ===")
	log.Info("")
	log.Info("Running diagnostic checks...")
	log.Info("")

	cfg, cfgErr := config.Load(ctx)

	r := &doctorReport{logger: log, total: 6, ok: true}
	if cfgErr == nil && cfg.Events.NATSURL != "" {
		r.total++
	}

	goVersion := runtime.Version()
	if goVersion >= "go1.23" {
		r.pass("Go version", goVersion, zap.String("go_version", goVersion))
	} else {
		r.warn("Go version", goVersion+" (recommended: go1.23+)", zap.String("go_version", goVersion))
	}

	version := crucible.GetVersion()
	if version.Crucible != "" {
		r.pass("Crucible access", "v"+version.Crucible, zap.String("crucible_version", version.Crucible))
	} else {
		r.fail("Crucible access", "Cannot access Crucible")
		ExitWithCode(log, foundry.ExitExternalServiceUnavailable, "Cannot access Crucible",
			errwrap.NewExternalServiceError("Crucible service unavailable"))
		return
	}

	if version.Gofulmen != "" {
		r.pass("Gofulmen access", "v"+version.Gofulmen, zap.String("gofulmen_version", version.Gofulmen))
	} else {
		r.fail("Gofulmen access", "Cannot access Gofulmen")
	}

	configDir, err := os.UserConfigDir()
	if err != nil {
		r.fail("config directory", "Cannot find config directory", zap.Error(err))
		ExitWithCode(log, foundry.ExitFileNotFound, "Cannot find config directory",
			errwrap.WrapInternal(ctx, err, "Cannot find config directory"))
		return
	}
	r.pass("config directory", configDir, zap.String("config_dir", configDir))

	if cfgErr != nil {
		r.fail("configuration", "Invalid configuration", zap.Error(cfgErr))
		finishDoctor(r, bannerName)
		return
	}
	r.pass("configuration", fmt.Sprintf("listen %s:%d", cfg.Server.Host, cfg.Server.Port),
		zap.String("artifacts_backend", cfg.Artifacts.Backend))

	checkArtifactBackend(ctx, r, cfg.Artifacts)

	if cfg.Events.NATSURL != "" {
		checkNATS(ctx, r, cfg.Events)
	}

	finishDoctor(r, bannerName)
}

func finishDoctor(r *doctorReport, bannerName string) {
	log := r.logger
	log.Info("")
	if r.ok {
		log.Info(fmt.Sprintf("✅ All checks passed! Your %s installation is healthy.", bannerName))
	} else {
		log.Warn("⚠️  Some checks failed. Review the output above for details.")
	}
	log.Info("")
	log.Info("=== End Diagnostics ===")
}

func checkArtifactBackend(ctx context.Context, r *doctorReport, cfg config.ArtifactsConfig) {
	switch cfg.Backend {
	case config.BackendLocal:
		root := localArtifactRoot(cfg)
		if err := checkWritableDir(root); err != nil {
			r.fail("artifact directory", "Not writable", zap.String("root", root), zap.Error(err))
			return
		}
		r.pass("artifact directory", root, zap.String("root", root))
	case config.BackendS3:
		checkAWSCredentials(ctx, r, cfg.S3)
	default:
		r.pass("artifact backend", "none (artifacts disabled)")
	}
}

// checkWritableDir creates dir if needed and writes a probe file.
func checkWritableDir(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	f, err := os.CreateTemp(dir, ".doctor-*")
	if err != nil {
		return err
	}
	name := f.Name()
	_ = f.Close()
	return os.Remove(filepath.Clean(name))
}

func checkAWSCredentials(ctx context.Context, r *doctorReport, cfg config.S3Config) {
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Profile != "" {
		opts = append(opts, awsconfig.WithSharedConfigProfile(cfg.Profile))
	}
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		r.fail("AWS credentials", "Cannot load AWS config", zap.Error(err))
		printAWSCredentialsHelp()
		return
	}

	creds, err := awsCfg.Credentials.Retrieve(ctx)
	if err != nil {
		r.fail("AWS credentials", "Cannot retrieve credentials", zap.Error(err))
		printAWSCredentialsHelp()
		return
	}

	source := creds.Source
	if source == "" {
		source = "unknown"
	}
	r.pass("AWS credentials", "Found credentials for bucket "+cfg.Bucket,
		zap.String("access_key", maskAccessKey(creds.AccessKeyID)),
		zap.String("source", source))
}

func checkNATS(ctx context.Context, r *doctorReport, cfg config.EventsConfig) {
	pub, err := events.NewNATSPublisher(cfg.NATSURL, cfg.SubjectPrefix, nil)
	if err != nil {
		r.fail("NATS connection", "Cannot connect", zap.String("url", cfg.NATSURL), zap.Error(err))
		return
	}
	defer func() { _ = pub.Close() }()

	if err := pub.CheckHealth(ctx); err != nil {
		r.fail("NATS connection", "Not connected", zap.String("url", cfg.NATSURL), zap.Error(err))
		return
	}
	r.pass("NATS connection", cfg.NATSURL, zap.String("subject_prefix", events.Subject(cfg.SubjectPrefix, "*")))
}

// maskAccessKey masks all but the last 4 characters of an access key.
func maskAccessKey(key string) string {
	if len(key) <= 4 {
		return "****"
	}
	return "****" + key[len(key)-4:]
}

// printAWSCredentialsHelp prints help for configuring AWS credentials.
func printAWSCredentialsHelp() {
	log := observability.CLILogger
	log.Info("")
	log.Info("To configure AWS credentials for the S3 artifact backend:")
	log.Info("  1. Set AWS_ACCESS_KEY_ID and AWS_SECRET_ACCESS_KEY, or")
	log.Info("  2. Set JOBKERNEL_S3_PROFILE to a profile from 'aws configure', or")
	log.Info("  3. Use an IAM role when running on AWS infrastructure")
	log.Info("")
	log.Info("For S3-compatible storage (MinIO, Wasabi, etc.), also set:")
	log.Info("  - JOBKERNEL_S3_ENDPOINT and JOBKERNEL_S3_FORCE_PATH_STYLE=true")
	log.Info("")
}
